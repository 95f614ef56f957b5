// Package timeseries accumulates parsed telemetry readings per sensor for a
// single recording session
package timeseries

import (
	"errors"
	"sort"
	"time"

	"github.com/fako1024/btmonitor/pkg/metrics"
	"github.com/fako1024/btmonitor/pkg/tracker"
)

// ErrFinished is returned when pushing into a store that has already been finished
var ErrFinished = errors.New("time series already finished")

// Tuple denotes a single point of a sensor time series, X being the elapsed
// time in seconds and Y the sensor value
type Tuple struct {
	X float64
	Y float64
}

// Subscriber is notified for every reading pushed into a Store
type Subscriber func(sensor tracker.SensorDefinition, reading tracker.Reading)

type series struct {
	sensor   tracker.SensorDefinition
	readings []tracker.Reading

	anchor    uint32
	hasAnchor bool
}

func (s *series) elapsed(r tracker.Reading) float64 {
	secs := float64(int64(r.RelativeTime)-int64(s.anchor)) / 1000.
	if secs < 0.001 {
		return 0
	}
	return secs
}

// Store holds all readings of one recording session, keyed by sensor. A Store
// is not safe for concurrent use, it is owned by the serialized execution context
type Store struct {
	parser tracker.Parser
	series map[byte]*series
	order  []byte

	startTime time.Time
	endTime   time.Time

	subscribers  map[int]Subscriber
	subscriberID int

	now    func() time.Time
	logger tracker.Logger
}

// New instantiates a new, empty store bound to the provided parser. One empty
// sequence is allocated for every sensor in the parser's catalog
func New(parser tracker.Parser, options ...func(*Store)) *Store {
	s := &Store{
		parser:      parser,
		series:      make(map[byte]*series),
		subscribers: make(map[int]Subscriber),
		now:         time.Now,
		logger:      &tracker.NullLogger{},
	}

	for _, sensor := range parser.Sensors() {
		if _, exists := s.series[sensor.Code]; exists {
			continue
		}
		s.series[sensor.Code] = &series{
			sensor:   sensor,
			readings: make([]tracker.Reading, 0),
		}
		s.order = append(s.order, sensor.Code)
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithClock sets the wall clock used for the start and end time stamps
func WithClock(now func() time.Time) func(*Store) {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Store) {
	return func(s *Store) {
		s.logger = logger
	}
}

// ParseAndPush parses a telemetry chunk and appends the resulting reading to
// its sensor's sequence. Packets that cannot be parsed are dropped without
// affecting the store
func (s *Store) ParseAndPush(data []byte) error {
	metrics.PacketsReceived.Inc()

	if !s.endTime.IsZero() {
		metrics.PacketsDropped.WithLabelValues(metrics.DropFinished).Inc()
		return ErrFinished
	}

	sensor, reading, err := s.parser.Parse(data)
	if err != nil {
		s.logger.Debugf("dropping packet %x: %s", data, err)
		metrics.PacketsDropped.WithLabelValues(dropReason(err)).Inc()
		return err
	}

	ser, ok := s.series[sensor.Code]
	if !ok {
		metrics.PacketsDropped.WithLabelValues(metrics.DropUnknownSensor).Inc()
		return &tracker.UnknownSensorError{Code: sensor.Code}
	}

	if s.startTime.IsZero() {
		s.startTime = s.now()
	}

	if !ser.hasAnchor || reading.RelativeTime < ser.anchor {
		ser.anchor, ser.hasAnchor = reading.RelativeTime, true
	}
	ser.readings = append(ser.readings, reading)
	metrics.PacketsParsed.WithLabelValues(sensor.Name).Inc()

	for _, id := range s.subscriberIDs() {
		if fn, exists := s.subscribers[id]; exists {
			fn(sensor, reading)
		}
	}

	return nil
}

// TuplesForSensor returns the elapsed time / value pairs of a sensor in
// insertion order. Elapsed time is relative to the smallest relative time
// stamp seen for that sensor
func (s *Store) TuplesForSensor(sensor tracker.SensorDefinition) []Tuple {
	ser, ok := s.series[sensor.Code]
	if !ok {
		return []Tuple{}
	}

	tuples := make([]Tuple, 0, len(ser.readings))
	for _, r := range ser.readings {
		tuples = append(tuples, Tuple{
			X: ser.elapsed(r),
			Y: r.Value,
		})
	}

	return tuples
}

// DurationInSeconds returns the maximum elapsed time across all sensors
func (s *Store) DurationInSeconds() float64 {
	var duration float64
	for _, ser := range s.series {
		for _, r := range ser.readings {
			if elapsed := ser.elapsed(r); elapsed > duration {
				duration = elapsed
			}
		}
	}
	return duration
}

// Finish stamps the absolute stop time. Subsequent pushes are rejected
func (s *Store) Finish() {
	if s.endTime.IsZero() {
		s.endTime = s.now()
	}
}

// Finished returns if the store has been finished
func (s *Store) Finished() bool {
	return !s.endTime.IsZero()
}

// StartTime returns the wall clock time of the first successfully parsed reading
func (s *Store) StartTime() (time.Time, bool) {
	return s.startTime, !s.startTime.IsZero()
}

// EndTime returns the wall clock time the store was finished at
func (s *Store) EndTime() (time.Time, bool) {
	return s.endTime, !s.endTime.IsZero()
}

// Sensors returns all sensors of the store in catalog order
func (s *Store) Sensors() []tracker.SensorDefinition {
	sensors := make([]tracker.SensorDefinition, 0, len(s.order))
	for _, code := range s.order {
		sensors = append(sensors, s.series[code].sensor)
	}
	return sensors
}

// Readings returns a copy of the raw readings of a sensor
func (s *Store) Readings(sensor tracker.SensorDefinition) []tracker.Reading {
	ser, ok := s.series[sensor.Code]
	if !ok {
		return nil
	}
	readings := make([]tracker.Reading, len(ser.readings))
	copy(readings, ser.readings)
	return readings
}

// Len returns the total number of readings across all sensors
func (s *Store) Len() (n int) {
	for _, ser := range s.series {
		n += len(ser.readings)
	}
	return
}

// Subscribe registers a function to be called for every pushed reading. The
// returned function removes the subscription
func (s *Store) Subscribe(fn Subscriber) (cancel func()) {
	id := s.subscriberID
	s.subscriberID++
	s.subscribers[id] = fn

	return func() {
		delete(s.subscribers, id)
	}
}

////////////////////////////////////////////////////////////////////////////////

func (s *Store) subscriberIDs() []int {
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func dropReason(err error) string {
	var uerr *tracker.UnknownSensorError
	switch {
	case errors.As(err, &uerr):
		return metrics.DropUnknownSensor
	case errors.Is(err, tracker.ErrShortPacket):
		return metrics.DropShortPacket
	default:
		return metrics.DropOther
	}
}

// Package session implements the device session: it issues the start, stop and
// reset commands to the connected activity tracker, routes its telemetry into
// the time series store of the current recording and derives the device state
package session

import (
	"errors"
	"time"

	"github.com/fako1024/btmonitor/pkg/bus"
	"github.com/fako1024/btmonitor/pkg/metrics"
	"github.com/fako1024/btmonitor/pkg/peripheral"
	"github.com/fako1024/btmonitor/pkg/timeseries"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/fatih/stopwatch"
)

var (

	// ErrNoTracker is returned if no compatible activity tracker is connected
	ErrNoTracker = errors.New("no compatible activity tracker connected")

	// ErrAlreadyRecording is returned when starting while a recording is active
	ErrAlreadyRecording = errors.New("recording already in progress")
)

// State denotes the derived state of the device
type State int

const (

	// StateDisconnected denotes that no peripheral is connected
	StateDisconnected State = iota

	// StateNotCompatible denotes a connected peripheral that is not an activity tracker
	StateNotCompatible

	// StateReady denotes a connected activity tracker that is not recording
	StateReady

	// StateStarted denotes a connected activity tracker that is recording
	StateStarted
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateNotCompatible:
		return "not compatible"
	case StateReady:
		return "ready"
	case StateStarted:
		return "started"
	default:
		return "disconnected"
	}
}

// Device denotes the capabilities of a connected peripheral required by the session
type Device interface {
	ID() string
	IsConnected() bool
	Compatibility(cfg tracker.Configuration) peripheral.Compatibility
	Write(data []byte, characteristic string, completion func(error))
	Subscribe(characteristic string, onData func(data []byte, err error))
	Unsubscribe()
}

// Locator returns the currently connected peripheral, if any
type Locator func() (Device, bool)

// Session denotes the device session. It is not safe for concurrent use, all
// methods must run on the serialized execution context
type Session struct {
	cfg     tracker.Configuration
	locate  Locator
	bus     *bus.Bus
	current timeseries.Current

	recording     bool
	receivedFirst bool
	timer         *stopwatch.Stopwatch

	storeOptions    []func(*timeseries.Store)
	storeSubscriber timeseries.Subscriber

	logger tracker.Logger
}

// New instantiates a new device session, executing functional options, if any
func New(cfg tracker.Configuration, locate Locator, b *bus.Bus, options ...func(*Session)) *Session {
	s := &Session{
		cfg:    cfg,
		locate: locate,
		bus:    b,
		logger: &tracker.NullLogger{},
	}

	for _, option := range options {
		option(s)
	}

	return s
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger
		s.storeOptions = append(s.storeOptions, timeseries.WithLogger(logger))
	}
}

// WithStoreOptions sets options applied to the store of every new recording
func WithStoreOptions(options ...func(*timeseries.Store)) func(*Session) {
	return func(s *Session) {
		s.storeOptions = append(s.storeOptions, options...)
	}
}

// WithStoreSubscriber registers fn with the store of every new recording
func WithStoreSubscriber(fn timeseries.Subscriber) func(*Session) {
	return func(s *Session) {
		s.storeSubscriber = fn
	}
}

// State derives the current device state
func (s *Session) State() State {
	dev, ok := s.locate()
	if !ok || !dev.IsConnected() {
		return StateDisconnected
	}
	if dev.Compatibility(s.cfg) != peripheral.Compatible {
		return StateNotCompatible
	}
	if s.recording {
		return StateStarted
	}
	return StateReady
}

// Recording returns if a recording is active
func (s *Session) Recording() bool {
	return s.recording
}

// Store returns the store of the current (or last) recording, if any
func (s *Session) Store() (*timeseries.Store, bool) {
	return s.current.Get()
}

// DestroyStore discards the store of the last recording
func (s *Session) DestroyStore() {
	if store, ok := s.current.Get(); ok {
		s.current.Destroy(store)
	}
}

// ElapsedTime returns the duration of the current (or last) recording
func (s *Session) ElapsedTime() time.Duration {
	if s.timer != nil {
		return s.timer.ElapsedTime()
	}

	return 0
}

// Start starts a new recording on the connected activity tracker. The
// recording is active once the start command has been written successfully.
// If the write fails, the subscription and the new store are discarded and
// the write error is returned
func (s *Session) Start() error {
	if s.recording {
		return ErrAlreadyRecording
	}

	dev, ok := s.activityTracker()
	if !ok {
		s.setRecording(false)
		return ErrNoTracker
	}

	s.receivedFirst = false
	store := s.current.Create(s.cfg.Parser, s.storeOptions...)
	if s.storeSubscriber != nil {
		store.Subscribe(s.storeSubscriber)
	}

	dev.Subscribe(s.cfg.RxCharacteristicID, func(data []byte, err error) {
		s.receive(store, data, err)
	})

	var startErr error
	dev.Write(s.cfg.Commands.Start, s.cfg.TxCharacteristicID, func(err error) {
		if err != nil {
			s.logger.Errorf("failed to write start command to `%s`: %s", dev.ID(), err)
			dev.Unsubscribe()
			s.current.Destroy(store)
			s.setRecording(false)
			startErr = err
			return
		}

		s.logger.Infof("started recording on `%s`", dev.ID())
		s.timer = stopwatch.Start(0)
		s.setRecording(true)
	})

	return startErr
}

// Stop finishes the current recording. The stop command is written on a best
// effort basis, the recording ends regardless of its outcome
func (s *Session) Stop() {
	if store, ok := s.current.Get(); ok {
		store.Finish()
	}

	if dev, ok := s.activityTracker(); ok {
		dev.Write(s.cfg.Commands.Stop, s.cfg.TxCharacteristicID, func(err error) {
			if err != nil {
				s.logger.Warnf("failed to write stop command to `%s`: %s", dev.ID(), err)
			}
		})
		dev.Unsubscribe()
	}

	if s.timer != nil {
		s.timer.Stop()
	}

	if s.recording {
		s.logger.Info("stopped recording")
	}
	s.setRecording(false)
}

// ResetAndStart resets the activity tracker and starts a new recording once
// the reset command has been written. A failed reset aborts via Stop and
// returns the write error
func (s *Session) ResetAndStart() error {
	if s.recording {
		return ErrAlreadyRecording
	}

	s.receivedFirst = false

	dev, ok := s.activityTracker()
	if !ok {
		s.setRecording(false)
		return ErrNoTracker
	}

	var startErr error
	dev.Write(s.cfg.Commands.Reset, s.cfg.TxCharacteristicID, func(err error) {
		if err != nil {
			s.logger.Errorf("failed to write reset command to `%s`: %s", dev.ID(), err)
			s.Stop()
			startErr = err
			return
		}
		startErr = s.Start()
	})

	return startErr
}

////////////////////////////////////////////////////////////////////////////////

func (s *Session) activityTracker() (Device, bool) {
	dev, ok := s.locate()
	if !ok || !dev.IsConnected() || dev.Compatibility(s.cfg) != peripheral.Compatible {
		return nil, false
	}
	return dev, true
}

func (s *Session) setRecording(recording bool) {
	if s.recording == recording {
		return
	}
	s.recording = recording

	if recording {
		metrics.Recording.Set(1)
	} else {
		metrics.Recording.Set(0)
	}

	if s.bus != nil {
		s.bus.Publish(bus.RecordingStateChanged{Recording: recording})
	}
}

func (s *Session) receive(store *timeseries.Store, data []byte, err error) {
	if err != nil {
		s.logger.Warnf("failed to receive telemetry: %s", err)
		return
	}

	// The first chunk after subscribing contains stale data of a former session
	if !s.receivedFirst {
		s.receivedFirst = true
		metrics.FirstChunksDiscarded.Inc()
		s.logger.Debugf("discarding first chunk %x", data)
		return
	}

	if err := store.ParseAndPush(data); err != nil {
		s.logger.Debugf("dropped packet: %s", err)
	}
}

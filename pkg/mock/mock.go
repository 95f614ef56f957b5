// Package mock provides a simulated radio with scripted peripherals, used for
// testing and for running the monitor without bluetooth hardware
package mock

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fako1024/btmonitor/pkg/parser"
	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/fatih/stopwatch"
)

const (
	defaultInterval = 100 * time.Millisecond
	valueExponent   = 2
)

// Peripheral denotes a simulated peripheral
type Peripheral struct {
	ID       string
	Name     string
	RSSI     int
	Services map[string][]string
}

// Write denotes a single write issued to a simulated peripheral
type Write struct {
	ID             string
	Characteristic string
	Data           []byte
}

type telemetry struct {
	cfg      tracker.Configuration
	interval time.Duration

	peripheral string
	sequence   uint32
	values     map[byte]uint32
	stopChan   chan struct{}
	rnd        *rand.Rand
}

// Mock denotes a simulated radio
type Mock struct {
	handler    radio.Handler
	powerState radio.PowerState
	scanning   bool

	peripherals []*Peripheral
	connected   map[string]bool
	notifying   map[string]map[string]bool
	writes      []Write

	connectErrors map[string]error
	connectHangs  map[string]bool

	telemetry *telemetry
	timer     *stopwatch.Stopwatch

	logger tracker.Logger

	sync.Mutex
}

// New instantiates a new simulated radio, executing functional options, if any
func New(options ...func(*Mock)) *Mock {
	m := &Mock{
		powerState:    radio.PowerOn,
		connected:     make(map[string]bool),
		notifying:     make(map[string]map[string]bool),
		connectErrors: make(map[string]error),
		connectHangs:  make(map[string]bool),
		timer:         stopwatch.Start(0),
		logger:        &tracker.NullLogger{},
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// Init registers the handler and reports the initial power state
func (m *Mock) Init(handler radio.Handler) error {
	m.Lock()
	m.handler = handler
	state := m.powerState
	m.Unlock()

	handler.PowerStateChanged(state)
	return nil
}

// Scan starts scanning, reporting all simulated peripherals
func (m *Mock) Scan() error {
	m.Lock()
	if m.powerState != radio.PowerOn {
		m.Unlock()
		return fmt.Errorf("radio is %s", m.powerState)
	}
	m.scanning = true
	advs := make([]radio.Advertisement, 0, len(m.peripherals))
	for _, p := range m.peripherals {
		advs = append(advs, radio.Advertisement{ID: p.ID, Name: p.Name, RSSI: p.RSSI})
	}
	handler := m.handler
	m.Unlock()

	for _, adv := range advs {
		handler.Discovered(adv)
	}
	return nil
}

// StopScan stops scanning
func (m *Mock) StopScan() error {
	m.Lock()
	defer m.Unlock()

	m.scanning = false
	return nil
}

// Connect connects a simulated peripheral (or fails / hangs, if configured)
func (m *Mock) Connect(id string) error {
	m.Lock()
	if _, err := m.lookup(id); err != nil {
		m.Unlock()
		return err
	}
	handler := m.handler
	connectErr, hang := m.connectErrors[id], m.connectHangs[id]
	if connectErr == nil && !hang {
		m.connected[id] = true
	}
	m.Unlock()

	switch {
	case hang:
		m.logger.Debugf("connection to `%s` hangs", id)
	case connectErr != nil:
		handler.ConnectFailed(id, connectErr)
	default:
		handler.Connected(id)
	}
	return nil
}

// Disconnect disconnects a simulated peripheral
func (m *Mock) Disconnect(id string) error {
	return m.DropConnection(id, nil)
}

// DiscoverServices reports all services of a connected simulated peripheral
func (m *Mock) DiscoverServices(id string) error {
	m.Lock()
	p, err := m.connectedPeripheral(id)
	if err != nil {
		m.Unlock()
		return err
	}
	services := make([]string, 0, len(p.Services))
	for s := range p.Services {
		services = append(services, radio.NormalizeUUID(s))
	}
	handler := m.handler
	m.Unlock()

	sort.Strings(services)
	handler.ServicesDiscovered(id, services, nil)
	return nil
}

// DiscoverCharacteristics reports all characteristics of a service of a
// connected simulated peripheral
func (m *Mock) DiscoverCharacteristics(id, service string) error {
	m.Lock()
	p, err := m.connectedPeripheral(id)
	if err != nil {
		m.Unlock()
		return err
	}
	chars, ok := findService(p, service)
	if !ok {
		m.Unlock()
		return &tracker.NotFoundError{Resource: "service", ID: service}
	}
	handler := m.handler
	m.Unlock()

	ids := make([]string, 0, len(chars))
	for _, c := range chars {
		ids = append(ids, radio.NormalizeUUID(c))
	}
	handler.CharacteristicsDiscovered(id, service, ids, nil)
	return nil
}

// WriteWithoutResponse records a write. If telemetry is configured, writes of
// the configured commands to the command characteristic control the generator
func (m *Mock) WriteWithoutResponse(id, characteristic string, data []byte) error {
	m.Lock()
	defer m.Unlock()

	p, err := m.connectedPeripheral(id)
	if err != nil {
		return err
	}
	if !hasCharacteristic(p, characteristic) {
		return &tracker.NotFoundError{Resource: "characteristic", ID: characteristic}
	}

	m.writes = append(m.writes, Write{
		ID:             id,
		Characteristic: characteristic,
		Data:           append([]byte(nil), data...),
	})

	if m.telemetry != nil && radio.EqualUUID(characteristic, m.telemetry.cfg.TxCharacteristicID) {
		m.command(id, data)
	}

	return nil
}

// SetNotify enables / disables value notifications of a characteristic
func (m *Mock) SetNotify(id, characteristic string, enabled bool) error {
	m.Lock()
	defer m.Unlock()

	p, err := m.connectedPeripheral(id)
	if err != nil {
		return err
	}
	if !hasCharacteristic(p, characteristic) {
		return &tracker.NotFoundError{Resource: "characteristic", ID: characteristic}
	}

	if m.notifying[id] == nil {
		m.notifying[id] = make(map[string]bool)
	}
	m.notifying[id][radio.NormalizeUUID(characteristic)] = enabled

	return nil
}

// Close stops the telemetry generator
func (m *Mock) Close() error {
	m.Lock()
	defer m.Unlock()

	m.stopTelemetry()
	m.timer.Stop()
	return nil
}

// SetPowerState simulates a change of the radio power state. Powering off
// terminates all connections
func (m *Mock) SetPowerState(state radio.PowerState) {
	m.Lock()
	m.powerState = state
	var dropped []string
	if state != radio.PowerOn {
		m.scanning = false
		for id, connected := range m.connected {
			if connected {
				dropped = append(dropped, id)
			}
		}
	}
	handler := m.handler
	m.Unlock()

	sort.Strings(dropped)
	for _, id := range dropped {
		_ = m.DropConnection(id, fmt.Errorf("radio powered %s", state))
	}
	if handler != nil {
		handler.PowerStateChanged(state)
	}
}

// AddPeripheral adds a simulated peripheral, reporting it immediately if scanning
func (m *Mock) AddPeripheral(p Peripheral) {
	m.Lock()
	m.peripherals = append(m.peripherals, &p)
	scanning, handler := m.scanning, m.handler
	m.Unlock()

	if scanning && handler != nil {
		handler.Discovered(radio.Advertisement{ID: p.ID, Name: p.Name, RSSI: p.RSSI})
	}
}

// CompleteConnection completes a pending (hanging) connection attempt
func (m *Mock) CompleteConnection(id string) {
	m.Lock()
	delete(m.connectHangs, id)
	m.connected[id] = true
	handler := m.handler
	m.Unlock()

	handler.Connected(id)
}

// DropConnection simulates a connection loss of a simulated peripheral
func (m *Mock) DropConnection(id string, err error) error {
	m.Lock()
	if _, lerr := m.lookup(id); lerr != nil {
		m.Unlock()
		return lerr
	}
	if !m.connected[id] {
		m.Unlock()
		return nil
	}
	m.connected[id] = false
	delete(m.notifying, id)
	if m.telemetry != nil && m.telemetry.peripheral == id {
		m.stopTelemetry()
	}
	handler := m.handler
	m.Unlock()

	handler.Disconnected(id, err)
	return nil
}

// Notify pushes a value notification for a characteristic, if notifications
// are enabled for it
func (m *Mock) Notify(id, characteristic string, data []byte) bool {
	m.Lock()
	enabled := m.notifying[id][radio.NormalizeUUID(characteristic)]
	handler := m.handler
	m.Unlock()

	if !enabled {
		return false
	}

	handler.ValueUpdated(id, characteristic, data, nil)
	return true
}

// Writes returns all writes issued so far
func (m *Mock) Writes() []Write {
	m.Lock()
	defer m.Unlock()

	writes := make([]Write, len(m.writes))
	copy(writes, m.writes)
	return writes
}

// IsConnected returns if a simulated peripheral is connected
func (m *Mock) IsConnected(id string) bool {
	m.Lock()
	defer m.Unlock()

	return m.connected[id]
}

// IsScanning returns if the radio is scanning
func (m *Mock) IsScanning() bool {
	m.Lock()
	defer m.Unlock()

	return m.scanning
}

// IsNotifying returns if notifications are enabled for a characteristic
func (m *Mock) IsNotifying(id, characteristic string) bool {
	m.Lock()
	defer m.Unlock()

	return m.notifying[id][radio.NormalizeUUID(characteristic)]
}

// ElapsedTime returns the time since the simulated device booted
func (m *Mock) ElapsedTime() time.Duration {
	return m.timer.ElapsedTime()
}

////////////////////////////////////////////////////////////////////////////////

func (m *Mock) lookup(id string) (*Peripheral, error) {
	for _, p := range m.peripherals {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, &tracker.NotFoundError{Resource: "peripheral", ID: id}
}

func (m *Mock) connectedPeripheral(id string) (*Peripheral, error) {
	p, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if !m.connected[id] {
		return nil, fmt.Errorf("peripheral `%s` not connected", id)
	}
	return p, nil
}

func findService(p *Peripheral, service string) ([]string, bool) {
	for s, chars := range p.Services {
		if radio.EqualUUID(s, service) {
			return chars, true
		}
	}
	return nil, false
}

func hasCharacteristic(p *Peripheral, characteristic string) bool {
	for _, chars := range p.Services {
		for _, c := range chars {
			if radio.EqualUUID(c, characteristic) {
				return true
			}
		}
	}
	return false
}

func (m *Mock) command(id string, data []byte) {
	cmds := m.telemetry.cfg.Commands
	switch {
	case len(cmds.Start) > 0 && bytes.Equal(data, cmds.Start):
		m.startTelemetry(id)
	case len(cmds.Stop) > 0 && bytes.Equal(data, cmds.Stop):
		m.stopTelemetry()
	case len(cmds.Reset) > 0 && bytes.Equal(data, cmds.Reset):
		m.stopTelemetry()
		m.timer.Reset()
		m.timer.Start(0)
	}
}

func (m *Mock) startTelemetry(id string) {
	t := m.telemetry
	if t.stopChan != nil {
		return
	}
	t.peripheral = id
	t.stopChan = make(chan struct{})

	go m.generate(id, t.stopChan)
}

func (m *Mock) stopTelemetry() {
	if m.telemetry == nil || m.telemetry.stopChan == nil {
		return
	}
	close(m.telemetry.stopChan)
	m.telemetry.stopChan = nil
}

func (m *Mock) generate(id string, stopChan chan struct{}) {
	ticker := time.NewTicker(m.telemetry.interval)
	defer ticker.Stop()

	// The firmware flushes a stale packet of its previous session first
	if data, err := m.nextPacket(m.telemetry.cfg.Sensors[0], 0); err == nil {
		m.Notify(id, m.telemetry.cfg.RxCharacteristicID, data)
	}

	for {
		select {
		case <-ticker.C:
			relTime := uint32(m.ElapsedTime().Milliseconds())
			for _, sensor := range m.telemetry.cfg.Sensors {
				data, err := m.nextPacket(sensor, relTime)
				if err != nil {
					m.logger.Errorf("failed to generate packet: %s", err)
					continue
				}
				m.Notify(id, m.telemetry.cfg.RxCharacteristicID, data)
			}
		case <-stopChan:
			return
		}
	}
}

func (m *Mock) nextPacket(sensor tracker.SensorDefinition, relTime uint32) ([]byte, error) {
	m.Lock()
	t := m.telemetry
	t.sequence++
	value := t.values[sensor.Code]
	switch {
	case value == 0:
		value = uint32(1000 + t.rnd.Intn(9000))
	case t.rnd.Intn(2) == 0 && value > 10:
		value -= uint32(t.rnd.Intn(10))
	default:
		value += uint32(t.rnd.Intn(10))
	}
	t.values[sensor.Code] = value
	pkt := parser.Packet{
		Sequence:     t.sequence,
		SensorCode:   sensor.Code,
		Magnitude:    value,
		Exponent:     valueExponent,
		RelativeTime: relTime,
	}
	m.Unlock()

	return pkt.MarshalBinary()
}

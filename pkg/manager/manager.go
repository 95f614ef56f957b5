// Package manager implements the peripheral manager: it tracks the radio power
// state and all known peripherals, drives scanning and enforces that at most
// one peripheral is connected at any time
package manager

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fako1024/btmonitor/pkg/bus"
	"github.com/fako1024/btmonitor/pkg/loop"
	"github.com/fako1024/btmonitor/pkg/peripheral"
	"github.com/fako1024/btmonitor/pkg/pool"
	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/tracker"
)

// Manager denotes the peripheral manager. Apart from Start, its methods must
// be called on the event loop it was created with
type Manager struct {
	radio radio.Radio
	loop  *loop.Loop
	pool  *pool.Pool
	bus   *bus.Bus
	cfg   tracker.Configuration

	powerState radio.PowerState
	scanning   bool

	records  map[string]*peripheral.Record
	adapters map[string]*peripheral.Adapter
	known    map[string]struct{}
	order    []string

	logger tracker.Logger
}

// New instantiates a new peripheral manager, executing functional options, if any
func New(r radio.Radio, l *loop.Loop, p *pool.Pool, b *bus.Bus, cfg tracker.Configuration, options ...func(*Manager)) *Manager {
	m := &Manager{
		radio:      r,
		loop:       l,
		pool:       p,
		bus:        b,
		cfg:        cfg,
		powerState: radio.PowerUnsupported,
		records:    make(map[string]*peripheral.Record),
		adapters:   make(map[string]*peripheral.Adapter),
		known:      make(map[string]struct{}),
		logger:     &tracker.NullLogger{},
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Manager) {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Start initializes the radio. All radio events are delivered on the event loop
func (m *Manager) Start() error {
	return m.radio.Init(&handler{m: m})
}

// PowerState returns the current radio power state
func (m *Manager) PowerState() radio.PowerState {
	return m.powerState
}

// IsScanning returns if the manager is scanning for peripherals
func (m *Manager) IsScanning() bool {
	return m.scanning
}

// StartScan starts scanning for peripherals
func (m *Manager) StartScan() error {
	if m.powerState != radio.PowerOn {
		return fmt.Errorf("cannot scan, radio is %s", m.powerState)
	}
	if err := m.radio.Scan(); err != nil {
		return fmt.Errorf("failed to start scanning: %w", err)
	}

	m.scanning = true
	m.logger.Info("scanning for peripherals")
	return nil
}

// StopScan stops scanning and forgets all peripherals that are not connected
// (or currently connecting)
func (m *Manager) StopScan() error {
	err := m.radio.StopScan()
	m.scanning = false

	pruned := m.order[:0]
	for _, id := range m.order {
		if rec := m.records[id]; rec.State == peripheral.StateDisconnected {
			delete(m.known, id)
			continue
		}
		pruned = append(pruned, id)
	}
	m.order = pruned

	m.logger.Info("stopped scanning for peripherals")
	m.bus.Publish(bus.PeripheralListChanged{})

	if err != nil {
		return fmt.Errorf("failed to stop scanning: %w", err)
	}
	return nil
}

// Peripherals returns all known peripherals, connected ones first
func (m *Manager) Peripherals() []peripheral.Record {
	records := make([]peripheral.Record, 0, len(m.order))
	for _, id := range m.order {
		records = append(records, m.records[id].Copy())
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].IsConnected() && !records[j].IsConnected()
	})
	return records
}

// Adapter returns the (cached) capability adapter of a known peripheral
func (m *Manager) Adapter(id string) (*peripheral.Adapter, bool) {
	if _, isKnown := m.known[id]; !isKnown {
		return nil, false
	}
	return m.adapter(id), true
}

// ConnectedPeripheral returns the currently connected peripheral, if any
func (m *Manager) ConnectedPeripheral() (*peripheral.Adapter, bool) {
	for _, id := range m.order {
		if m.records[id].IsConnected() {
			return m.adapter(id), true
		}
	}
	return nil, false
}

// ActivityTracker returns the connected peripheral compatible with the tracker
// configuration, if any. By the single connection invariant there is at most one
func (m *Manager) ActivityTracker() (*peripheral.Adapter, bool) {
	a, ok := m.ConnectedPeripheral()
	if !ok || a.Compatibility(m.cfg) != peripheral.Compatible {
		return nil, false
	}
	return a, true
}

// Connect connects a known peripheral. It succeeds immediately if the
// peripheral is already connected and fails immediately if another one is
func (m *Manager) Connect(id string, onSuccess func(), onError func(error)) {
	rec, exists := m.records[id]
	if _, isKnown := m.known[id]; !exists || !isKnown {
		onError(&tracker.NotFoundError{Resource: "peripheral", ID: id})
		return
	}

	if rec.IsConnected() {
		onSuccess()
		return
	}

	for _, other := range m.records {
		if other.ID != id && other.IsConnected() {
			onError(tracker.NewConnectedElsewhereError(other.Name))
			return
		}
	}

	m.logger.Infof("connecting peripheral `%s/%s`", rec.DisplayName(), id)
	m.pool.CreateAttempt(id, onSuccess, func(err error) {
		if rec.State == peripheral.StateConnecting {
			rec.State = peripheral.StateDisconnected
			m.bus.Publish(bus.PeripheralListChanged{})
		}
		if errors.Is(err, tracker.ErrConnectionTimeout) {
			if derr := m.radio.Disconnect(id); derr != nil {
				m.logger.Debugf("failed to cancel timed out connection to `%s`: %s", id, derr)
			}
		}
		m.logger.Warnf("failed to connect peripheral `%s/%s`: %s", rec.DisplayName(), id, err)
		onError(err)
	}, func() {
		rec.State = peripheral.StateConnecting
		m.bus.Publish(bus.PeripheralListChanged{})
		if err := m.radio.Connect(id); err != nil {
			m.pool.RegisterFailedConnection(id, err)
		}
	})
}

// Disconnect requests termination of the connection to a peripheral. A
// pending connection attempt is cancelled. Completion is observed through
// the DeviceDisconnected event
func (m *Manager) Disconnect(id string) error {
	if _, exists := m.records[id]; !exists {
		return &tracker.NotFoundError{Resource: "peripheral", ID: id}
	}

	if m.pool.Cancel(id) {
		m.logger.Infof("cancelled pending connection attempt for `%s`", id)
	}

	return m.radio.Disconnect(id)
}

////////////////////////////////////////////////////////////////////////////////

func (m *Manager) adapter(id string) *peripheral.Adapter {
	if a, exists := m.adapters[id]; exists {
		return a
	}

	a := peripheral.NewAdapter(m.records[id], m.radio, m, m.bus, peripheral.WithLogger(m.logger))
	m.adapters[id] = a
	return a
}

func (m *Manager) onPowerStateChanged(state radio.PowerState) {
	m.logger.Infof("radio is %s", state)
	m.powerState = state

	if state == radio.PowerOn {
		if err := m.StartScan(); err != nil {
			m.logger.Warnf("failed to enable initial scanning: %s", err)
		}
	} else {
		if m.scanning {
			if err := m.radio.StopScan(); err != nil {
				m.logger.Warnf("failed to stop scanning: %s", err)
			}
			m.scanning = false
		}

		m.pool.CancelAll(tracker.NewConnectFailedError(fmt.Errorf("radio is %s", state)))
		for _, id := range m.order {
			if rec := m.records[id]; rec.State != peripheral.StateDisconnected {
				rec.State = peripheral.StateDisconnected
				m.adapter(id).HandleDisconnected(fmt.Errorf("radio is %s", state))
			}
		}
	}

	m.bus.Publish(bus.RadioStateChanged{State: state})
	m.bus.Publish(bus.PeripheralListChanged{})
}

func (m *Manager) onDiscovered(adv radio.Advertisement) {
	rec, exists := m.records[adv.ID]
	if !exists {
		rec = peripheral.NewRecord(adv)
		m.records[adv.ID] = rec
	} else {
		if adv.Name != "" {
			rec.Name = adv.Name
		}
		rec.RSSI = adv.RSSI
	}

	if _, isKnown := m.known[adv.ID]; isKnown {
		return
	}

	m.logger.Debugf("discovered peripheral `%s/%s` (RSSI %d)", rec.DisplayName(), adv.ID, adv.RSSI)
	m.known[adv.ID] = struct{}{}
	m.order = append(m.order, adv.ID)
	m.bus.Publish(bus.PeripheralListChanged{})
}

func (m *Manager) onConnected(id string) {
	rec, exists := m.records[id]
	if !exists {
		m.logger.Warnf("connection of unknown peripheral `%s`, disconnecting", id)
		_ = m.radio.Disconnect(id)
		return
	}

	for _, other := range m.records {
		if other.ID != id && other.IsConnected() {
			m.logger.Warnf("late connection of `%s/%s` while `%s` is connected, disconnecting", rec.DisplayName(), id, other.DisplayName())
			m.pool.RegisterFailedConnection(id, tracker.NewConnectedElsewhereError(other.Name))
			if err := m.radio.Disconnect(id); err != nil {
				m.logger.Warnf("failed to disconnect `%s`: %s", id, err)
			}
			return
		}
	}

	if _, isKnown := m.known[id]; !isKnown {
		m.known[id] = struct{}{}
		m.order = append(m.order, id)
	}

	rec.State = peripheral.StateConnected
	m.logger.Infof("connected peripheral `%s/%s`", rec.DisplayName(), id)

	m.pool.RegisterSuccessfulConnection(id)
	m.bus.Publish(bus.PeripheralListChanged{})
}

func (m *Manager) onConnectFailed(id string, err error) {
	if rec, exists := m.records[id]; exists && rec.State == peripheral.StateConnecting {
		rec.State = peripheral.StateDisconnected
	}

	m.pool.RegisterFailedConnection(id, err)
	m.bus.Publish(bus.PeripheralListChanged{})
}

func (m *Manager) onDisconnected(id string, err error) {
	rec, exists := m.records[id]
	if !exists {
		return
	}

	rec.State = peripheral.StateDisconnected
	m.adapter(id).HandleDisconnected(err)
	if m.pool.Pending(id) {
		if err == nil {
			err = fmt.Errorf("peripheral disconnected")
		}
		m.pool.RegisterFailedConnection(id, err)
	}

	m.logger.Infof("disconnected peripheral `%s/%s`", rec.DisplayName(), id)
	m.bus.Publish(bus.PeripheralListChanged{})
	m.bus.Publish(bus.DeviceDisconnected{ID: id, Err: err})
}

func (m *Manager) withAdapter(id string, fn func(a *peripheral.Adapter)) {
	if _, exists := m.records[id]; !exists {
		m.logger.Debugf("dropping event for unknown peripheral `%s`", id)
		return
	}
	fn(m.adapter(id))
}

// Package monitor wires the peripheral manager, the device session and the
// flow state machine into a single activity monitor. All components run on one
// event loop, the exported methods are safe for concurrent use
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fako1024/btmonitor/pkg/bus"
	"github.com/fako1024/btmonitor/pkg/export"
	"github.com/fako1024/btmonitor/pkg/flow"
	"github.com/fako1024/btmonitor/pkg/loop"
	"github.com/fako1024/btmonitor/pkg/manager"
	"github.com/fako1024/btmonitor/pkg/peripheral"
	"github.com/fako1024/btmonitor/pkg/pool"
	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/session"
	"github.com/fako1024/btmonitor/pkg/timeseries"
	"github.com/fako1024/btmonitor/pkg/tracker"
)

var (

	// ErrClosed is returned by all methods once the monitor has been closed
	ErrClosed = errors.New("monitor closed")

	// ErrNotReady is returned if a recording is requested without a ready tracker
	ErrNotReady = errors.New("no activity tracker ready to record")

	// ErrNoRecording is returned if no recording is available for export
	ErrNoRecording = errors.New("no recording available")
)

// Monitor denotes an activity monitor
type Monitor struct {
	cfg   tracker.Configuration
	radio radio.Radio

	loop    *loop.Loop
	bus     *bus.Bus
	pool    *pool.Pool
	manager *manager.Manager
	session *session.Session
	flow    *flow.Machine

	user export.UserInfo

	stateChangeHandler func(status Status)
	stateChangeChan    chan Status

	dataHandler func(data DataPoint)
	dataChan    chan DataPoint

	timeout      time.Duration
	capacity     int
	storeOptions []func(*timeseries.Store)
	cancelBus    func()

	connectWaiters map[string][]*connectWaiter

	logger tracker.Logger
}

// New instantiates a new activity monitor on top of the provided radio and
// initializes the radio, executing functional options, if any
func New(r radio.Radio, cfg tracker.Configuration, options ...func(*Monitor)) (*Monitor, error) {
	if cfg.Parser == nil {
		return nil, errors.New("tracker configuration lacks a parser")
	}

	m := &Monitor{
		cfg:            cfg,
		radio:          r,
		user:           export.NewUserInfo(),
		connectWaiters: make(map[string][]*connectWaiter),
		logger:         &tracker.NullLogger{},
	}

	for _, option := range options {
		option(m)
	}

	poolOptions := []func(*pool.Pool){pool.WithLogger(m.logger)}
	if m.timeout > 0 {
		poolOptions = append(poolOptions, pool.WithTimeout(m.timeout))
	}
	if m.capacity > 0 {
		poolOptions = append(poolOptions, pool.WithCapacity(m.capacity))
	}

	m.loop = loop.New(loop.WithName("monitor"), loop.WithLogger(m.logger))
	m.bus = bus.New()
	m.pool = pool.New(m.loop, poolOptions...)
	m.manager = manager.New(r, m.loop, m.pool, m.bus, cfg, manager.WithLogger(m.logger))
	m.session = session.New(cfg, m.connectedDevice, m.bus,
		session.WithLogger(m.logger),
		session.WithStoreOptions(m.storeOptions...),
		session.WithStoreSubscriber(m.onReading),
	)
	m.flow = flow.New(
		flow.WithLogger(m.logger),
		flow.WithErrorHandler(func(err error) {
			m.logger.Warnf("flow: %s", err)
		}),
	)

	m.cancelBus = m.bus.Subscribe(m.onEvent)
	m.flow.Subscribe(func(from flow.State, event flow.Event, to flow.State) {
		m.notifyStateChange()
	})

	if err := m.manager.Start(); err != nil {
		m.loop.Close()
		return nil, fmt.Errorf("failed to initialize radio: %w", err)
	}

	return m, nil
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Monitor) {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithConnectionTimeout sets the timeout of connection attempts
func WithConnectionTimeout(timeout time.Duration) func(*Monitor) {
	return func(m *Monitor) {
		m.timeout = timeout
	}
}

// WithMaxAttempts sets the maximum number of concurrent connection attempts
func WithMaxAttempts(n int) func(*Monitor) {
	return func(m *Monitor) {
		m.capacity = n
	}
}

// WithUser sets the initial user information
func WithUser(user export.UserInfo) func(*Monitor) {
	return func(m *Monitor) {
		m.user = user
	}
}

// WithStoreOptions sets options applied to the store of every recording
func WithStoreOptions(options ...func(*timeseries.Store)) func(*Monitor) {
	return func(m *Monitor) {
		m.storeOptions = append(m.storeOptions, options...)
	}
}

// SetStateChangeHandler defines a handler function that is called upon state change
func (m *Monitor) SetStateChangeHandler(fn func(status Status)) {
	m.loop.Do(func() {
		m.stateChangeHandler = fn
	})
}

// SetStateChangeChannel defines a channel that receives state changes (dropped if full)
func (m *Monitor) SetStateChangeChannel(ch chan Status) {
	m.loop.Do(func() {
		m.stateChangeChan = ch
	})
}

// SetDataHandler defines a handler function that is called upon retrieval of data
func (m *Monitor) SetDataHandler(fn func(data DataPoint)) {
	m.loop.Do(func() {
		m.dataHandler = fn
	})
}

// SetDataChannel defines a channel that receives data (dropped if full)
func (m *Monitor) SetDataChannel(ch chan DataPoint) {
	m.loop.Do(func() {
		m.dataChan = ch
	})
}

// Status returns a snapshot of the current state
func (m *Monitor) Status() (status Status, err error) {
	err = m.do(func() {
		status = m.status()
	})
	return
}

// Peripherals returns all known peripherals, connected ones first
func (m *Monitor) Peripherals() (records []peripheral.Record, err error) {
	err = m.do(func() {
		records = m.manager.Peripherals()
	})
	return
}

// StartScan starts scanning for peripherals
func (m *Monitor) StartScan() (err error) {
	if doErr := m.do(func() {
		err = m.manager.StartScan()
	}); doErr != nil {
		return doErr
	}
	return
}

// StopScan stops scanning and forgets all peripherals that are not connected
func (m *Monitor) StopScan() (err error) {
	if doErr := m.do(func() {
		err = m.manager.StopScan()
	}); doErr != nil {
		return doErr
	}
	return
}

// Connect connects a known peripheral and discovers its services. Concurrent
// requests for the same peripheral share one connection attempt and its
// outcome. If ctx is done before, the caller stops waiting; the attempt is
// cancelled once no caller is waiting for it anymore
func (m *Monitor) Connect(ctx context.Context, id string) error {
	w := &connectWaiter{resChan: make(chan error, 1)}

	if err := m.do(func() {
		a, ok := m.manager.Adapter(id)
		if !ok {
			w.resolve(&tracker.NotFoundError{Resource: "peripheral", ID: id})
			return
		}

		waiters := m.connectWaiters[id]
		m.connectWaiters[id] = append(waiters, w)
		if len(waiters) > 0 {
			m.logger.Debugf("joining pending connection attempt for `%s`", id)
			return
		}

		a.Connect(func() {
			m.resolveConnect(id, nil)
		}, func(err error) {
			m.resolveConnect(id, err)
		})
	}); err != nil {
		return err
	}

	select {
	case err := <-w.resChan:
		return err
	case <-ctx.Done():
		m.loop.Post(func() {
			m.leaveConnect(id, w, ctx.Err())
		})
		return ctx.Err()
	}
}

// Disconnect terminates the connection to (or the connection attempt of) a peripheral
func (m *Monitor) Disconnect(id string) (err error) {
	if doErr := m.do(func() {
		err = m.manager.Disconnect(id)
	}); doErr != nil {
		return doErr
	}
	return
}

// Record starts a recording if the tracker is ready and stops it if it is
// recording. It returns if a recording is active afterwards
func (m *Monitor) Record(ctx context.Context) (recording bool, err error) {
	if doErr := m.doContext(ctx, func() {
		switch state := m.flow.State(); state {
		case flow.Started:
			m.session.Stop()
		case flow.Connected:
			err = m.session.ResetAndStart()
		default:
			err = fmt.Errorf("%w (%s)", ErrNotReady, state)
		}
		recording = m.session.Recording()
	}); doErr != nil {
		return false, doErr
	}
	return
}

// Stop stops an active recording
func (m *Monitor) Stop() error {
	return m.do(func() {
		if m.session.Recording() {
			m.session.Stop()
		}
	})
}

// Reset discards the last recording (stopping it if required) and returns to
// the initial state, reconnecting the flow if a tracker is ready
func (m *Monitor) Reset() error {
	return m.do(func() {
		if m.session.Recording() {
			m.session.Stop()
		}
		m.session.DestroyStore()

		_ = m.flow.Fire(flow.Reset)
		if m.session.State() == session.StateReady {
			m.fire(flow.Connect)
		}
	})
}

// User returns the current user information
func (m *Monitor) User() (user export.UserInfo, err error) {
	err = m.do(func() {
		user = m.user
	})
	return
}

// SetUser replaces the current user information. A missing system id is kept
func (m *Monitor) SetUser(user export.UserInfo) error {
	return m.do(func() {
		if user.SystemID == "" {
			user.SystemID = m.user.SystemID
		}
		m.user = user
	})
}

// Export builds the export document of the last finished recording
func (m *Monitor) Export() (doc *export.Document, err error) {
	if doErr := m.do(func() {
		store, ok := m.session.Store()
		if !ok {
			err = ErrNoRecording
			return
		}
		doc, err = export.Build(m.user, store)
	}); doErr != nil {
		return nil, doErr
	}
	return
}

// MarkSynced marks the last recording as handed to the sync collaborator
func (m *Monitor) MarkSynced() (err error) {
	if doErr := m.do(func() {
		err = m.flow.Fire(flow.Sync)
	}); doErr != nil {
		return doErr
	}
	return
}

// Close stops an active recording and terminates the radio and the event loop
func (m *Monitor) Close() error {
	if err := m.do(func() {
		if m.session.Recording() {
			m.session.Stop()
		}
		m.pool.CancelAll(ErrClosed)
		for id := range m.connectWaiters {
			m.resolveConnect(id, ErrClosed)
		}
		m.cancelBus()
	}); err != nil {
		return err
	}

	err := m.radio.Close()
	m.loop.Close()

	return err
}

////////////////////////////////////////////////////////////////////////////////

func (m *Monitor) do(fn func()) error {
	if !m.loop.Do(fn) {
		return ErrClosed
	}
	return nil
}

func (m *Monitor) doContext(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.loop.OnLoop() {
		fn()
		return nil
	}

	doneChan := make(chan struct{})
	if !m.loop.Post(func() {
		defer close(doneChan)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type connectWaiter struct {
	resChan chan error
}

func (w *connectWaiter) resolve(err error) {
	select {
	case w.resChan <- err:
	default:
	}
}

func (m *Monitor) resolveConnect(id string, err error) {
	waiters := m.connectWaiters[id]
	delete(m.connectWaiters, id)

	for _, w := range waiters {
		w.resolve(err)
	}
}

// leaveConnect removes a waiter whose context is done and cancels the pending
// attempt if it was the last one waiting
func (m *Monitor) leaveConnect(id string, w *connectWaiter, reason error) {
	waiters, found := m.connectWaiters[id], false
	for i, other := range waiters {
		if other == w {
			waiters, found = append(waiters[:i], waiters[i+1:]...), true
			break
		}
	}

	// Already resolved
	if !found {
		return
	}
	if len(waiters) > 0 {
		m.connectWaiters[id] = waiters
		return
	}

	delete(m.connectWaiters, id)
	if m.pool.Cancel(id) {
		m.logger.Infof("cancelled connection attempt for `%s`: %s", id, reason)
	}
}

func (m *Monitor) connectedDevice() (session.Device, bool) {
	a, ok := m.manager.ConnectedPeripheral()
	if !ok {
		return nil, false
	}
	return a, true
}

// onEvent maps bus events onto the flow state machine
func (m *Monitor) onEvent(e bus.Event) {
	switch ev := e.(type) {
	case bus.RadioStateChanged:
		if ev.State != radio.PowerOn {
			m.stopOr(flow.Disconnect)
		}
		m.notifyStateChange()

	case bus.DeviceFullyDiscovered:
		if m.session.State() == session.StateReady {
			m.fire(flow.Connect)
		}

	case bus.DeviceDisconnected:
		m.stopOr(flow.Disconnect)

	case bus.RecordingStateChanged:
		switch m.session.State() {
		case session.StateDisconnected, session.StateNotCompatible:
			m.fire(flow.Disconnect)
		case session.StateStarted:
			m.fire(flow.Start)
		case session.StateReady:
			if m.flow.State() == flow.Started {
				m.fire(flow.Finish)
			} else {
				m.fire(flow.Connect)
			}
		}
	}
}

// stopOr stops an active recording (which in turn drives the flow through the
// recording state change) or fires e otherwise
func (m *Monitor) stopOr(e flow.Event) {
	if m.session.Recording() {
		m.session.Stop()
		return
	}
	m.fire(e)
}

// fire applies an event derived from a device state change if the flow
// permits it. Device state changes that do not affect the flow are expected
func (m *Monitor) fire(e flow.Event) {
	if !m.flow.CanFire(e) {
		m.logger.Debugf("flow: ignoring `%s` in state `%s`", e, m.flow.State())
		return
	}
	_ = m.flow.Fire(e)
}

func (m *Monitor) status() Status {
	status := Status{
		Radio:       m.manager.PowerState(),
		Scanning:    m.manager.IsScanning(),
		Device:      m.session.State(),
		Flow:        m.flow.State(),
		Recording:   m.session.Recording(),
		ElapsedTime: m.session.ElapsedTime(),
	}
	if a, ok := m.manager.ConnectedPeripheral(); ok {
		status.Peripheral = a.ID()
	}
	if store, ok := m.session.Store(); ok {
		status.Readings = store.Len()
	}
	return status
}

func (m *Monitor) notifyStateChange() {
	if m.stateChangeHandler == nil && m.stateChangeChan == nil {
		return
	}
	status := m.status()

	// Call handler function, if any
	if m.stateChangeHandler != nil {
		m.stateChangeHandler(status)
	}

	// Put state change on channel, if any
	if m.stateChangeChan != nil {
		select {
		case m.stateChangeChan <- status:
		default:
		}
	}
}

func (m *Monitor) onReading(sensor tracker.SensorDefinition, reading tracker.Reading) {
	dataPoint := DataPoint{
		TimeStamp: time.Now(),
		Sensor:    sensor,
		Reading:   reading,
	}

	// Call handler function, if any
	if m.dataHandler != nil {
		m.dataHandler(dataPoint)
	}

	// Put data point on channel, if any
	if m.dataChan != nil {
		select {
		case m.dataChan <- dataPoint:
		default:
			m.logger.Debugf("data channel full, dropping reading of `%s`", sensor.Name)
		}
	}
}

// Package flow implements the application flow state machine that tracks the
// life cycle of a recording from connecting a tracker to syncing its data
package flow

import (
	"fmt"
	"sync"

	"github.com/fako1024/btmonitor/pkg/metrics"
	"github.com/fako1024/btmonitor/pkg/tracker"
)

// State denotes a state of the application flow
type State int

const (

	// Initial denotes that no activity tracker is connected
	Initial State = iota

	// Connected denotes a connected activity tracker that is ready to record
	Connected

	// Started denotes an active recording
	Started

	// Finished denotes a finished recording that has not been synced yet
	Finished

	// Synced denotes a finished recording that has been handed to the sync collaborator
	Synced
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case Connected:
		return "connected"
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Synced:
		return "synced"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event denotes an event fired on the state machine
type Event int

const (
	Connect Event = iota
	Disconnect
	Start
	Finish
	Sync
	Reset
)

// String returns a human-readable representation of the event
func (e Event) String() string {
	switch e {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case Start:
		return "start"
	case Finish:
		return "finish"
	case Sync:
		return "sync"
	case Reset:
		return "reset"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Transition denotes a single route of the state machine
type Transition struct {
	Event Event
	From  State
	To    State

	// Any marks a route that applies to every source state (From is ignored)
	Any bool
}

// Transitions is the exhaustive transition table, any (state, event) pair that
// is not listed is invalid
var Transitions = []Transition{
	{Event: Connect, From: Initial, To: Connected},
	{Event: Disconnect, From: Connected, To: Initial},
	{Event: Start, From: Connected, To: Started},
	{Event: Disconnect, From: Started, To: Finished},
	{Event: Finish, From: Started, To: Finished},
	{Event: Sync, From: Finished, To: Synced},
	{Event: Reset, Any: true, To: Initial},
}

// InvalidTransitionError is reported if an event has no route from the current state
type InvalidTransitionError struct {
	State State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: no route for event `%s` in state `%s`", e.Event, e.State)
}

// Observer is called after every applied transition
type Observer func(from State, event Event, to State)

// Machine denotes the flow state machine
type Machine struct {
	state State

	errorHandler func(error)
	observers    map[int]Observer
	nextID       int

	logger tracker.Logger

	sync.Mutex
}

// New instantiates a new state machine in its initial state, executing
// functional options, if any
func New(options ...func(*Machine)) *Machine {
	m := &Machine{
		state:     Initial,
		observers: make(map[int]Observer),
		logger:    &tracker.NullLogger{},
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Machine) {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithErrorHandler sets a handler that is called once for every invalid event
func WithErrorHandler(fn func(error)) func(*Machine) {
	return func(m *Machine) {
		m.errorHandler = fn
	}
}

// State returns the current state
func (m *Machine) State() State {
	m.Lock()
	defer m.Unlock()

	return m.state
}

// CanFire returns if the event has a route from the current state
func (m *Machine) CanFire(e Event) bool {
	m.Lock()
	defer m.Unlock()

	_, ok := route(m.state, e)
	return ok
}

// Fire applies the event. An event without a route from the current state
// leaves the state unchanged and is reported to the error handler
func (m *Machine) Fire(e Event) error {
	m.Lock()
	from := m.state
	to, ok := route(from, e)
	if !ok {
		m.Unlock()

		err := &InvalidTransitionError{State: from, Event: e}
		metrics.FlowInvalidTransitions.WithLabelValues(from.String(), e.String()).Inc()
		m.logger.Errorf("%s", err)
		if m.errorHandler != nil {
			m.errorHandler(err)
		}
		return err
	}

	m.state = to
	observers := m.snapshot()
	m.Unlock()

	metrics.FlowTransitions.WithLabelValues(e.String(), to.String()).Inc()
	m.logger.Debugf("flow: %s --%s--> %s", from, e, to)
	for _, fn := range observers {
		fn(from, e, to)
	}

	return nil
}

// Subscribe registers an observer for applied transitions
func (m *Machine) Subscribe(fn Observer) (cancel func()) {
	m.Lock()
	defer m.Unlock()

	id := m.nextID
	m.nextID++
	m.observers[id] = fn

	return func() {
		m.Lock()
		defer m.Unlock()
		delete(m.observers, id)
	}
}

////////////////////////////////////////////////////////////////////////////////

func route(from State, e Event) (State, bool) {
	for _, t := range Transitions {
		if t.Event != e {
			continue
		}
		if t.Any || t.From == from {
			return t.To, true
		}
	}
	return from, false
}

func (m *Machine) snapshot() []Observer {
	res := make([]Observer, 0, len(m.observers))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.observers[id]; ok {
			res = append(res, fn)
		}
	}
	return res
}

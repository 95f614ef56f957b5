// Package bus provides a typed, multi-subscriber event bus carrying the closed
// set of events emitted by the peripheral manager and the device session
package bus

import (
	"sort"
	"sync"

	"github.com/fako1024/btmonitor/pkg/radio"
)

// Event denotes any event published on the bus
type Event interface {
	isEvent()
}

// RadioStateChanged is published whenever the radio power state changes
type RadioStateChanged struct {
	State radio.PowerState
}

// PeripheralListChanged is published whenever the set of known peripherals or
// the connection state of one of them changes
type PeripheralListChanged struct{}

// DeviceFullyDiscovered is published once service and characteristic discovery
// of a connected peripheral has completed
type DeviceFullyDiscovered struct {
	ID string
}

// DeviceDisconnected is published whenever a peripheral has been disconnected
type DeviceDisconnected struct {
	ID  string
	Err error
}

// RecordingStateChanged is published whenever the recording flag of the device
// session flips
type RecordingStateChanged struct {
	Recording bool
}

func (RadioStateChanged) isEvent()     {}
func (PeripheralListChanged) isEvent() {}
func (DeviceFullyDiscovered) isEvent() {}
func (DeviceDisconnected) isEvent()    {}
func (RecordingStateChanged) isEvent() {}

// Bus distributes events to all of its subscribers, synchronously and in
// subscription order
type Bus struct {
	handlers map[int]func(Event)
	nextID   int

	sync.RWMutex
}

// New instantiates a new, empty bus
func New() *Bus {
	return &Bus{
		handlers: make(map[int]func(Event)),
	}
}

// Subscribe registers a handler for all events. The returned function removes
// the subscription
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.Unlock()

	return func() {
		b.Lock()
		delete(b.handlers, id)
		b.Unlock()
	}
}

// SubscribeChannel forwards all events to ch. Events are dropped if ch is not
// ready to receive
func (b *Bus) SubscribeChannel(ch chan<- Event) (cancel func()) {
	return b.Subscribe(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})
}

// Publish delivers an event to all current subscribers
func (b *Bus) Publish(e Event) {
	for _, fn := range b.snapshot() {
		fn(e)
	}
}

////////////////////////////////////////////////////////////////////////////////

func (b *Bus) snapshot() []func(Event) {
	b.RLock()
	defer b.RUnlock()

	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	handlers := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	return handlers
}

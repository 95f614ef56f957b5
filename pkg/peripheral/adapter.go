package peripheral

import (
	"fmt"

	"github.com/fako1024/btmonitor/pkg/bus"
	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/tracker"
)

// Connector denotes the component establishing radio connections (enforcing
// the single connection invariant and pooling attempts)
type Connector interface {

	// Connect connects a peripheral, calling exactly one of the callbacks
	Connect(id string, onSuccess func(), onError func(error))

	// Disconnect requests termination of the connection to a peripheral
	Disconnect(id string) error
}

// Adapter provides the capabilities of a single raw peripheral. It is not safe
// for concurrent use, all methods must run on the serialized execution context
type Adapter struct {
	record    *Record
	radio     radio.Radio
	connector Connector
	bus       *bus.Bus

	pendingServices int
	discoveryDone   func(error)

	dataHandler        func(data []byte, err error)
	dataCharacteristic string

	logger tracker.Logger
}

// NewAdapter instantiates a new adapter for a peripheral record, executing functional options, if any
func NewAdapter(record *Record, r radio.Radio, connector Connector, b *bus.Bus, options ...func(*Adapter)) *Adapter {
	a := &Adapter{
		record:    record,
		radio:     r,
		connector: connector,
		bus:       b,
		logger:    &tracker.NullLogger{},
	}

	for _, option := range options {
		option(a)
	}

	return a
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Adapter) {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// ID returns the identifier of the peripheral
func (a *Adapter) ID() string {
	return a.record.ID
}

// Name returns the advertised name of the peripheral or UnknownName
func (a *Adapter) Name() string {
	return a.record.DisplayName()
}

// IsConnected returns if the peripheral is connected
func (a *Adapter) IsConnected() bool {
	return a.record.IsConnected()
}

// Record returns a copy of the underlying peripheral record
func (a *Adapter) Record() Record {
	return a.record.Copy()
}

// Compatibility determines the compatibility of the peripheral with the tracker configuration
func (a *Adapter) Compatibility(cfg tracker.Configuration) Compatibility {
	return CompatibilityOf(a.record, cfg)
}

// Connect connects the peripheral and discovers all of its services and
// characteristics before calling onSuccess. A connected and fully discovered
// peripheral succeeds immediately, keeping its discovery state
func (a *Adapter) Connect(onSuccess func(), onError func(error)) {
	done := func(err error) {
		if err != nil {
			onError(err)
			return
		}
		onSuccess()
	}

	if a.record.IsConnected() && a.record.Discovered {
		done(nil)
		return
	}

	a.connector.Connect(a.record.ID, func() {

		// Join a discovery already in progress
		if pending := a.discoveryDone; pending != nil {
			a.discoveryDone = func(err error) {
				pending(err)
				done(err)
			}
			return
		}
		a.discoverAll(done)
	}, onError)
}

// Disconnect requests termination of the connection to the peripheral
func (a *Adapter) Disconnect() error {
	return a.connector.Disconnect(a.record.ID)
}

// Write writes data to a characteristic without awaiting acknowledgement. The
// completion is called exactly once
func (a *Adapter) Write(data []byte, characteristic string, completion func(error)) {
	if !a.record.HasCharacteristic(characteristic) {
		completion(tracker.ErrCharacteristicNotOffered)
		return
	}

	if err := a.radio.WriteWithoutResponse(a.record.ID, characteristic, data); err != nil {
		completion(&tracker.TransportError{Op: "write", Err: err})
		return
	}

	completion(nil)
}

// Subscribe registers onData as the single handler for value notifications of
// a characteristic, replacing any former handler
func (a *Adapter) Subscribe(characteristic string, onData func(data []byte, err error)) {
	if !a.record.HasCharacteristic(characteristic) {
		onData(nil, tracker.ErrCharacteristicNotOffered)
		return
	}

	a.dataHandler = onData
	a.dataCharacteristic = characteristic

	if err := a.radio.SetNotify(a.record.ID, characteristic, true); err != nil {
		onData(nil, &tracker.TransportError{Op: "subscribe", Err: err})
	}
}

// Unsubscribe removes the current handler and disables value notifications
func (a *Adapter) Unsubscribe() {
	if a.dataHandler == nil {
		return
	}

	characteristic := a.dataCharacteristic
	a.dataHandler, a.dataCharacteristic = nil, ""

	if a.record.IsConnected() {
		if err := a.radio.SetNotify(a.record.ID, characteristic, false); err != nil {
			a.logger.Warnf("failed to disable notifications for `%s`: %s", a.record.ID, err)
		}
	}
}

////////////////////////////////////////////////////////////////////////////////

// HandleServicesDiscovered processes the outcome of a service discovery
func (a *Adapter) HandleServicesDiscovered(services []string, err error) {
	if a.discoveryDone == nil {
		return
	}

	if len(services) == 0 {
		if err != nil {
			a.finishDiscovery(err)
			return
		}
		a.finishDiscovery(tracker.ErrNoServices)
		return
	}

	a.pendingServices = len(services)
	for _, s := range services {
		a.record.Services[radio.NormalizeUUID(s)] = nil
	}
	for _, s := range services {
		if err := a.radio.DiscoverCharacteristics(a.record.ID, s); err != nil {
			a.HandleCharacteristicsDiscovered(s, nil, err)
		}
	}
}

// HandleCharacteristicsDiscovered processes the outcome of a characteristic
// discovery. Discovery completes once all services have been processed
func (a *Adapter) HandleCharacteristicsDiscovered(service string, characteristics []string, err error) {
	if a.discoveryDone == nil {
		return
	}

	if err != nil {
		a.logger.Warnf("failed to discover characteristics of service `%s` on `%s`: %s", service, a.record.ID, err)
	}

	chars := make([]string, 0, len(characteristics))
	for _, c := range characteristics {
		chars = append(chars, radio.NormalizeUUID(c))
	}
	a.record.Services[radio.NormalizeUUID(service)] = chars

	a.pendingServices--
	if a.pendingServices > 0 {
		return
	}

	a.record.Discovered = true
	a.logger.Debugf("discovered %d services on `%s/%s`", len(a.record.Services), a.Name(), a.record.ID)

	a.finishDiscovery(nil)
	if a.bus != nil {
		a.bus.Publish(bus.DeviceFullyDiscovered{ID: a.record.ID})
	}
}

// HandleValueUpdated forwards a value notification to the current handler
func (a *Adapter) HandleValueUpdated(characteristic string, data []byte, err error) {
	if a.dataHandler == nil || !radio.EqualUUID(characteristic, a.dataCharacteristic) {
		return
	}

	if err != nil {
		a.dataHandler(nil, &tracker.TransportError{Op: "subscribe", Err: err})
		return
	}
	a.dataHandler(data, nil)
}

// HandleDisconnected resets all discovery and subscription state
func (a *Adapter) HandleDisconnected(err error) {
	a.record.Services = make(map[string][]string)
	a.record.Discovered = false
	a.dataHandler, a.dataCharacteristic = nil, ""

	if a.discoveryDone != nil {
		if err == nil {
			err = fmt.Errorf("peripheral disconnected")
		}
		a.finishDiscovery(fmt.Errorf("discovery aborted: %w", err))
	}
}

func (a *Adapter) discoverAll(done func(error)) {
	a.record.Services = make(map[string][]string)
	a.record.Discovered = false
	a.pendingServices = 0
	a.discoveryDone = done

	if err := a.radio.DiscoverServices(a.record.ID); err != nil {
		a.finishDiscovery(err)
	}
}

func (a *Adapter) finishDiscovery(err error) {
	done := a.discoveryDone
	a.discoveryDone = nil
	a.pendingServices = 0

	if done != nil {
		done(err)
	}
}

// Package gattradio implements the radio capability on top of an HCI based
// GATT stack (github.com/fako1024/gatt)
package gattradio

import (
	"fmt"
	"sync"

	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/fako1024/gatt"
)

const (
	defaultMTU      = 500
	defaultJobQueue = 64
)

type peripheral struct {
	p               gatt.Peripheral
	services        map[string]*gatt.Service
	characteristics map[string]*gatt.Characteristic
}

// Radio denotes a GATT based radio
type Radio struct {
	btDevice gatt.Device
	handler  radio.Handler

	peripherals map[string]*peripheral
	mtu         uint16

	jobs     chan func()
	doneChan chan struct{}
	initOnce sync.Once

	logger tracker.Logger

	sync.Mutex
}

// New instantiates a new GATT radio, executing functional options, if any
func New(options ...func(*Radio)) (*Radio, error) {

	// Initialize a new instance of a GATT radio
	r := &Radio{
		peripherals: make(map[string]*peripheral),
		mtu:         defaultMTU,
		jobs:        make(chan func(), defaultJobQueue),
		doneChan:    make(chan struct{}),
		logger:      &tracker.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(r)
	}

	// Initialize a new GATT device (if not provided as option)
	if r.btDevice == nil {
		btDevice, err := gatt.NewDevice(defaultBTClientOptions...)
		if err != nil {
			return nil, err
		}
		r.btDevice = btDevice
	}

	go r.work()

	return r, nil
}

// Init registers the handler and initializes the device
func (r *Radio) Init(handler radio.Handler) (err error) {
	r.initOnce.Do(func() {
		r.handler = handler

		// Register handlers
		r.btDevice.Handle(
			gatt.AddPeripheralDiscovered(r.onPeriphDiscovered),
			gatt.AddPeripheralConnected(r.onPeriphConnected),
			gatt.AddPeripheralDisconnected(r.onPeriphDisconnected),
		)

		// Initialize the device
		err = r.btDevice.Init(r.onStateChanged)
	})

	return
}

// Scan starts scanning for peripherals
func (r *Radio) Scan() error {
	return r.btDevice.Scan([]gatt.UUID{}, false)
}

// StopScan stops scanning for peripherals
func (r *Radio) StopScan() error {
	return r.btDevice.StopScanning()
}

// Connect requests a connection to a peripheral seen during scanning
func (r *Radio) Connect(id string) error {
	p, err := r.peripheral(id)
	if err != nil {
		return err
	}

	r.logger.Debugf("connecting peripheral `%s/%s`", p.p.Name(), id)
	return r.btDevice.Connect(p.p)
}

// Disconnect requests termination of the connection to a peripheral
func (r *Radio) Disconnect(id string) error {
	p, err := r.peripheral(id)
	if err != nil {
		return err
	}

	return r.btDevice.CancelConnection(p.p)
}

// DiscoverServices discovers all services of a connected peripheral
func (r *Radio) DiscoverServices(id string) error {
	p, err := r.peripheral(id)
	if err != nil {
		return err
	}

	return r.enqueue(func() {

		// Set connection MTU
		if err := p.p.SetMTU(r.mtu); err != nil {
			r.logger.Warnf("failed to set MTU for peripheral `%s`: %s", id, err)
		}

		ss, err := p.p.DiscoverServices(nil)
		if err != nil {
			r.handler.ServicesDiscovered(id, nil, fmt.Errorf("failed to discover services: %w", err))
			return
		}

		ids := make([]string, 0, len(ss))
		r.Lock()
		for _, s := range ss {
			sid := radio.NormalizeUUID(s.UUID().String())
			p.services[sid] = s
			ids = append(ids, sid)
		}
		r.Unlock()

		r.handler.ServicesDiscovered(id, ids, nil)
	})
}

// DiscoverCharacteristics discovers all characteristics of a service (and
// their descriptors, required to enable notifications)
func (r *Radio) DiscoverCharacteristics(id, service string) error {
	p, err := r.peripheral(id)
	if err != nil {
		return err
	}

	r.Lock()
	s, exists := p.services[radio.NormalizeUUID(service)]
	r.Unlock()
	if !exists {
		return &tracker.NotFoundError{Resource: "service", ID: service}
	}

	return r.enqueue(func() {
		cs, err := p.p.DiscoverCharacteristics(nil, s)
		if err != nil {
			r.handler.CharacteristicsDiscovered(id, service, nil, fmt.Errorf("failed to discover characteristics: %w", err))
			return
		}

		ids := make([]string, 0, len(cs))
		for _, c := range cs {

			// Discover descriptors
			if _, err := p.p.DiscoverDescriptors(nil, c); err != nil {
				r.handler.CharacteristicsDiscovered(id, service, nil, fmt.Errorf("failed to discover descriptors: %w", err))
				return
			}

			cid := radio.NormalizeUUID(c.UUID().String())
			r.Lock()
			p.characteristics[cid] = c
			r.Unlock()
			ids = append(ids, cid)
		}

		r.handler.CharacteristicsDiscovered(id, service, ids, nil)
	})
}

// WriteWithoutResponse writes data to a characteristic without awaiting acknowledgement
func (r *Radio) WriteWithoutResponse(id, characteristic string, data []byte) error {
	p, c, err := r.characteristic(id, characteristic)
	if err != nil {
		return err
	}

	return p.p.WriteCharacteristic(c, data, true)
}

// SetNotify enables / disables value notifications for a characteristic. Any
// failure is reported through the handler's ValueUpdated method
func (r *Radio) SetNotify(id, characteristic string, enabled bool) error {
	p, c, err := r.characteristic(id, characteristic)
	if err != nil {
		return err
	}

	return r.enqueue(func() {
		var fn func(*gatt.Characteristic, []byte, error)
		if enabled {
			fn = func(_ *gatt.Characteristic, data []byte, err error) {
				r.handler.ValueUpdated(id, characteristic, data, err)
			}
		}

		if err := p.p.SetNotifyValue(c, fn); err != nil {
			r.handler.ValueUpdated(id, characteristic, nil, fmt.Errorf("failed to subscribe characteristic: %w", err))
		}
	})
}

// Close terminates all connections and releases the device
func (r *Radio) Close() error {
	select {
	case <-r.doneChan:
		return nil
	default:
		close(r.doneChan)
	}

	_ = r.btDevice.StopScanning()
	return r.btDevice.RemoveAllServices()
}

////////////////////////////////////////////////////////////////////////////////

func (r *Radio) work() {
	for {
		select {
		case job := <-r.jobs:
			job()
		case <-r.doneChan:
			return
		}
	}
}

func (r *Radio) enqueue(job func()) error {
	select {
	case <-r.doneChan:
		return fmt.Errorf("radio closed")
	default:
	}

	select {
	case r.jobs <- job:
		return nil
	default:
		return fmt.Errorf("radio job queue full")
	}
}

func (r *Radio) peripheral(id string) (*peripheral, error) {
	r.Lock()
	defer r.Unlock()

	p, exists := r.peripherals[id]
	if !exists {
		return nil, &tracker.NotFoundError{Resource: "peripheral", ID: id}
	}
	return p, nil
}

func (r *Radio) characteristic(id, characteristic string) (*peripheral, *gatt.Characteristic, error) {
	p, err := r.peripheral(id)
	if err != nil {
		return nil, nil, err
	}

	r.Lock()
	defer r.Unlock()

	c, exists := p.characteristics[radio.NormalizeUUID(characteristic)]
	if !exists {
		return nil, nil, &tracker.NotFoundError{Resource: "characteristic", ID: characteristic}
	}
	return p, c, nil
}

////////////////////////////////////////////////////////////////////////////////

func (r *Radio) onStateChanged(_ gatt.Device, s gatt.State) {
	switch s {
	case gatt.StatePoweredOn:
		r.handler.PowerStateChanged(radio.PowerOn)
	case gatt.StatePoweredOff:
		r.handler.PowerStateChanged(radio.PowerOff)
	default:
		r.handler.PowerStateChanged(radio.PowerUnsupported)
	}
}

func (r *Radio) onPeriphDiscovered(p gatt.Peripheral, adv *gatt.Advertisement, rssi int) {
	name := p.Name()
	if name == "" && adv != nil {
		name = adv.LocalName
	}

	r.logger.Debugf("discovered device `%s/%s`", name, p.ID())

	r.Lock()
	if known, exists := r.peripherals[p.ID()]; exists {
		known.p = p
	} else {
		r.peripherals[p.ID()] = &peripheral{
			p:               p,
			services:        make(map[string]*gatt.Service),
			characteristics: make(map[string]*gatt.Characteristic),
		}
	}
	r.Unlock()

	r.handler.Discovered(radio.Advertisement{
		ID:   p.ID(),
		Name: name,
		RSSI: rssi,
	})
}

func (r *Radio) onPeriphConnected(p gatt.Peripheral, connErr error) {
	if connErr != nil {
		r.logger.Debugf("failed to connect peripheral `%s/%s`: %s", p.Name(), p.ID(), connErr)
		r.handler.ConnectFailed(p.ID(), connErr)
		return
	}

	r.logger.Debugf("connected peripheral `%s/%s`", p.Name(), p.ID())
	r.handler.Connected(p.ID())
}

func (r *Radio) onPeriphDisconnected(p gatt.Peripheral, err error) {
	r.Lock()
	if known, exists := r.peripherals[p.ID()]; exists {
		known.services = make(map[string]*gatt.Service)
		known.characteristics = make(map[string]*gatt.Characteristic)
	}
	r.Unlock()

	r.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())
	r.handler.Disconnected(p.ID(), err)
}

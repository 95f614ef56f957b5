// Package tinyradio implements the radio capability on top of the portable
// tinygo.org/x/bluetooth stack (BlueZ, CoreBluetooth, WinRT)
package tinyradio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"tinygo.org/x/bluetooth"
)

type peripheral struct {
	address   bluetooth.Address
	name      string
	device    *bluetooth.Device
	connected bool

	services        map[string]bluetooth.DeviceService
	characteristics map[string]bluetooth.DeviceCharacteristic
}

// Radio denotes a radio backed by a tinygo bluetooth adapter
type Radio struct {
	adapter *bluetooth.Adapter
	handler radio.Handler

	peripherals map[string]*peripheral
	scanning    bool

	logger tracker.Logger

	sync.Mutex
}

// New instantiates a new radio on the default adapter, executing functional options, if any
func New(options ...func(*Radio)) *Radio {
	r := &Radio{
		adapter:     bluetooth.DefaultAdapter,
		peripherals: make(map[string]*peripheral),
		logger:      &tracker.NullLogger{},
	}

	for _, option := range options {
		option(r)
	}

	return r
}

// WithAdapter sets the bluetooth adapter
func WithAdapter(adapter *bluetooth.Adapter) func(*Radio) {
	return func(r *Radio) {
		r.adapter = adapter
	}
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Radio) {
	return func(r *Radio) {
		r.logger = logger
	}
}

// Init enables the adapter and reports its power state to the handler
func (r *Radio) Init(handler radio.Handler) error {
	r.handler = handler

	r.adapter.SetConnectHandler(r.onConnectionChanged)

	go func() {
		if err := r.adapter.Enable(); err != nil {
			r.logger.Errorf("failed to enable bluetooth adapter: %s", err)
			r.handler.PowerStateChanged(radio.PowerUnsupported)
			return
		}
		r.handler.PowerStateChanged(radio.PowerOn)
	}()

	return nil
}

// Scan starts scanning for peripherals in the background
func (r *Radio) Scan() error {
	r.Lock()
	if r.scanning {
		r.Unlock()
		return nil
	}
	r.scanning = true
	r.Unlock()

	go func() {
		err := r.adapter.Scan(r.onScanResult)

		r.Lock()
		r.scanning = false
		r.Unlock()

		if err != nil {
			r.logger.Warnf("scanning terminated: %s", err)
		}
	}()

	return nil
}

// StopScan stops scanning for peripherals
func (r *Radio) StopScan() error {
	r.Lock()
	scanning := r.scanning
	r.Unlock()

	if !scanning {
		return nil
	}
	return r.adapter.StopScan()
}

// Connect requests a connection to a peripheral seen during scanning
func (r *Radio) Connect(id string) error {
	p, err := r.peripheral(id)
	if err != nil {
		return err
	}

	go func() {
		dev, err := r.adapter.Connect(p.address, bluetooth.ConnectionParams{})
		if err != nil {
			r.handler.ConnectFailed(id, err)
			return
		}

		r.Lock()
		p.device = &dev
		p.connected = true
		r.Unlock()

		r.logger.Debugf("connected peripheral `%s/%s`", p.name, id)
		r.handler.Connected(id)
	}()

	return nil
}

// Disconnect requests termination of the connection to a peripheral
func (r *Radio) Disconnect(id string) error {
	p, err := r.peripheral(id)
	if err != nil {
		return err
	}

	r.Lock()
	dev := p.device
	r.Unlock()
	if dev == nil {
		return fmt.Errorf("peripheral `%s` not connected", id)
	}

	go func() {
		err := dev.Disconnect()
		if err != nil {
			r.logger.Warnf("failed to disconnect peripheral `%s`: %s", id, err)
		}
		r.disconnected(id, err)
	}()

	return nil
}

// DiscoverServices discovers all services of a connected peripheral
func (r *Radio) DiscoverServices(id string) error {
	dev, p, err := r.device(id)
	if err != nil {
		return err
	}

	go func() {
		ss, err := dev.DiscoverServices(nil)
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
	}()

	return nil
}

// DiscoverCharacteristics discovers all characteristics of a service
func (r *Radio) DiscoverCharacteristics(id, service string) error {
	_, p, err := r.device(id)
	if err != nil {
		return err
	}

	r.Lock()
	s, exists := p.services[radio.NormalizeUUID(service)]
	r.Unlock()
	if !exists {
		return &tracker.NotFoundError{Resource: "service", ID: service}
	}

	go func() {
		cs, err := s.DiscoverCharacteristics(nil)
		if err != nil {
			r.handler.CharacteristicsDiscovered(id, service, nil, fmt.Errorf("failed to discover characteristics: %w", err))
			return
		}

		ids := make([]string, 0, len(cs))
		r.Lock()
		for _, c := range cs {
			cid := radio.NormalizeUUID(c.UUID().String())
			p.characteristics[cid] = c
			ids = append(ids, cid)
		}
		r.Unlock()

		r.handler.CharacteristicsDiscovered(id, service, ids, nil)
	}()

	return nil
}

// WriteWithoutResponse writes data to a characteristic without awaiting acknowledgement
func (r *Radio) WriteWithoutResponse(id, characteristic string, data []byte) error {
	c, err := r.characteristic(id, characteristic)
	if err != nil {
		return err
	}

	_, err = c.WriteWithoutResponse(data)
	return err
}

// SetNotify enables / disables value notifications for a characteristic
func (r *Radio) SetNotify(id, characteristic string, enabled bool) error {
	c, err := r.characteristic(id, characteristic)
	if err != nil {
		return err
	}

	go func() {
		var fn func([]byte)
		if enabled {
			fn = func(buf []byte) {
				data := make([]byte, len(buf))
				copy(data, buf)
				r.handler.ValueUpdated(id, characteristic, data, nil)
			}
		}

		if err := c.EnableNotifications(fn); err != nil {
			r.handler.ValueUpdated(id, characteristic, nil, fmt.Errorf("failed to subscribe characteristic: %w", err))
		}
	}()

	return nil
}

// Close stops scanning and disconnects all peripherals
func (r *Radio) Close() error {
	var errs []error
	if err := r.StopScan(); err != nil {
		errs = append(errs, err)
	}

	r.Lock()
	devices := make([]*bluetooth.Device, 0)
	for _, p := range r.peripherals {
		if p.device != nil {
			devices = append(devices, p.device)
		}
	}
	r.Unlock()

	for _, dev := range devices {
		if err := dev.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

////////////////////////////////////////////////////////////////////////////////

func (r *Radio) peripheral(id string) (*peripheral, error) {
	r.Lock()
	defer r.Unlock()

	p, exists := r.peripherals[id]
	if !exists {
		return nil, &tracker.NotFoundError{Resource: "peripheral", ID: id}
	}
	return p, nil
}

func (r *Radio) device(id string) (*bluetooth.Device, *peripheral, error) {
	p, err := r.peripheral(id)
	if err != nil {
		return nil, nil, err
	}

	r.Lock()
	defer r.Unlock()

	if p.device == nil {
		return nil, nil, fmt.Errorf("peripheral `%s` not connected", id)
	}
	return p.device, p, nil
}

func (r *Radio) characteristic(id, characteristic string) (bluetooth.DeviceCharacteristic, error) {
	p, err := r.peripheral(id)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}

	r.Lock()
	defer r.Unlock()

	c, exists := p.characteristics[radio.NormalizeUUID(characteristic)]
	if !exists {
		return bluetooth.DeviceCharacteristic{}, &tracker.NotFoundError{Resource: "characteristic", ID: characteristic}
	}
	return c, nil
}

func (r *Radio) disconnected(id string, err error) {
	r.Lock()
	p, exists := r.peripherals[id]
	if !exists || !p.connected {
		r.Unlock()
		return
	}
	p.connected = false
	p.device = nil
	p.services = make(map[string]bluetooth.DeviceService)
	p.characteristics = make(map[string]bluetooth.DeviceCharacteristic)
	r.Unlock()

	r.logger.Debugf("disconnected peripheral `%s/%s`", p.name, id)
	r.handler.Disconnected(id, err)
}

func (r *Radio) onScanResult(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
	id := result.Address.String()
	name := result.LocalName()

	r.Lock()
	if p, exists := r.peripherals[id]; exists {
		if name != "" {
			p.name = name
		}
	} else {
		r.peripherals[id] = &peripheral{
			address:         result.Address,
			name:            name,
			services:        make(map[string]bluetooth.DeviceService),
			characteristics: make(map[string]bluetooth.DeviceCharacteristic),
		}
	}
	r.Unlock()

	r.handler.Discovered(radio.Advertisement{
		ID:   id,
		Name: name,
		RSSI: int(result.RSSI),
	})
}

func (r *Radio) onConnectionChanged(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	r.disconnected(device.Address.String(), nil)
}

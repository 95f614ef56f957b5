package gattradio

import (
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/fako1024/gatt"
)

// WithDevice sets the Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Radio) {
	return func(r *Radio) {
		r.btDevice = btDevice
	}
}

// WithMTU sets the MTU requested upon service discovery
func WithMTU(mtu uint16) func(*Radio) {
	return func(r *Radio) {
		r.mtu = mtu
	}
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Radio) {
	return func(r *Radio) {
		r.logger = logger
	}
}

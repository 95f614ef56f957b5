// Package peripheral provides the record of a known peripheral, the pure
// compatibility check against the tracker configuration and the capability
// adapter that performs discovery, writes and subscriptions on top of the raw radio
package peripheral

import (
	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/tracker"
)

// UnknownName is reported for peripherals that did not advertise a name
const UnknownName = "Unknown"

// ConnectionState denotes the radio connection state of a peripheral
type ConnectionState int

const (

	// StateDisconnected denotes a peripheral without connection
	StateDisconnected ConnectionState = iota

	// StateConnecting denotes a peripheral with a pending connection attempt
	StateConnecting

	// StateConnected denotes a connected peripheral
	StateConnected
)

// String returns a human-readable representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Compatibility denotes if a peripheral offers the configured service /
// characteristic triple
type Compatibility int

const (

	// CompatibilityUnknown is reported until discovery has completed
	CompatibilityUnknown Compatibility = iota

	// Compatible denotes a peripheral offering the configured triple
	Compatible

	// NotCompatible denotes a peripheral lacking the configured service or one of its characteristics
	NotCompatible
)

// String returns a human-readable representation of the compatibility
func (c Compatibility) String() string {
	switch c {
	case Compatible:
		return "compatible"
	case NotCompatible:
		return "not compatible"
	default:
		return "unknown"
	}
}

// Record denotes a peripheral known to the manager
type Record struct {
	ID    string
	Name  string
	RSSI  int
	State ConnectionState

	// Services maps (normalized) service identifiers to their characteristics
	Services   map[string][]string
	Discovered bool
}

// NewRecord instantiates a new record for a peripheral seen during scanning
func NewRecord(adv radio.Advertisement) *Record {
	return &Record{
		ID:       adv.ID,
		Name:     adv.Name,
		RSSI:     adv.RSSI,
		Services: make(map[string][]string),
	}
}

// DisplayName returns the advertised name of the peripheral or UnknownName
func (r *Record) DisplayName() string {
	if r.Name == "" {
		return UnknownName
	}
	return r.Name
}

// IsConnected returns if the peripheral is connected
func (r *Record) IsConnected() bool {
	return r.State == StateConnected
}

// HasCharacteristic returns if the characteristic was discovered on any service
func (r *Record) HasCharacteristic(characteristic string) bool {
	for _, chars := range r.Services {
		for _, c := range chars {
			if radio.EqualUUID(c, characteristic) {
				return true
			}
		}
	}
	return false
}

// Copy returns a deep copy of the record
func (r *Record) Copy() Record {
	c := *r
	c.Services = make(map[string][]string, len(r.Services))
	for s, chars := range r.Services {
		c.Services[s] = append([]string(nil), chars...)
	}
	return c
}

// CompatibilityOf determines the compatibility of a peripheral with the tracker
// configuration. It is unknown until discovery has completed
func CompatibilityOf(r *Record, cfg tracker.Configuration) Compatibility {
	if r == nil || !r.Discovered {
		return CompatibilityUnknown
	}

	for service, chars := range r.Services {
		if !radio.EqualUUID(service, cfg.ServiceID) {
			continue
		}

		var hasTx, hasRx bool
		for _, c := range chars {
			hasTx = hasTx || radio.EqualUUID(c, cfg.TxCharacteristicID)
			hasRx = hasRx || radio.EqualUUID(c, cfg.RxCharacteristicID)
		}
		if hasTx && hasRx {
			return Compatible
		}
	}

	return NotCompatible
}

// Package radio defines the raw radio capability the monitor is built upon:
// scanning, connecting, service / characteristic discovery, writes and value
// notifications. All operations are asynchronous, their outcome is reported
// through a Handler
package radio

import "strings"

// PowerState denotes the state of the local radio
type PowerState int

const (

	// PowerUnsupported denotes a radio that is absent or cannot be used
	PowerUnsupported PowerState = iota

	// PowerOff denotes a radio that is turned off
	PowerOff

	// PowerOn denotes a radio that is ready for use
	PowerOn
)

// String returns a human-readable representation of the power state
func (p PowerState) String() string {
	switch p {
	case PowerOff:
		return "off"
	case PowerOn:
		return "on"
	default:
		return "unsupported"
	}
}

// Advertisement denotes a peripheral seen during scanning
type Advertisement struct {
	ID   string
	Name string
	RSSI int
}

// Handler receives the outcome of all radio operations. Implementations must
// not block, they are usually called from the radio's own goroutines
type Handler interface {

	// PowerStateChanged is called upon every change of the radio power state
	PowerStateChanged(state PowerState)

	// Discovered is called for every advertisement seen while scanning
	Discovered(adv Advertisement)

	// Connected is called once a connection to a peripheral has been established
	Connected(id string)

	// ConnectFailed is called if a connection to a peripheral could not be established
	ConnectFailed(id string, err error)

	// Disconnected is called once a peripheral has been disconnected
	Disconnected(id string, err error)

	// ServicesDiscovered is called with the identifiers of all services of a peripheral
	ServicesDiscovered(id string, services []string, err error)

	// CharacteristicsDiscovered is called with the identifiers of all characteristics of a service
	CharacteristicsDiscovered(id, service string, characteristics []string, err error)

	// ValueUpdated is called for every value notification of a characteristic
	ValueUpdated(id, characteristic string, data []byte, err error)
}

// Radio denotes the raw radio capability
type Radio interface {

	// Init initializes the radio and registers the handler for all subsequent events
	Init(handler Handler) error

	// Scan starts scanning for peripherals
	Scan() error

	// StopScan stops scanning for peripherals
	StopScan() error

	// Connect requests a connection to a peripheral
	Connect(id string) error

	// Disconnect requests termination of the connection to a peripheral
	Disconnect(id string) error

	// DiscoverServices requests discovery of all services of a peripheral
	DiscoverServices(id string) error

	// DiscoverCharacteristics requests discovery of all characteristics of a service
	DiscoverCharacteristics(id, service string) error

	// WriteWithoutResponse writes data to a characteristic without awaiting acknowledgement
	WriteWithoutResponse(id, characteristic string, data []byte) error

	// SetNotify enables / disables value notifications for a characteristic
	SetNotify(id, characteristic string, enabled bool) error

	// Close terminates all connections and releases the radio
	Close() error
}

// NormalizeUUID brings a service / characteristic identifier into a canonical
// form (lowercase, without dashes or braces) so identifiers reported by
// different radio stacks can be compared
func NormalizeUUID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '{', '}', ' ':
			return -1
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, id)
}

// EqualUUID returns if two identifiers denote the same service / characteristic
func EqualUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

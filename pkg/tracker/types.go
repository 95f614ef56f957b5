package tracker

import "fmt"

// SensorDefinition denotes a sensor installed on the activity tracker
type SensorDefinition struct {

	// Name is the display name of the sensor
	Name string

	// Unit is the display unit of the sensor values (y axis)
	Unit string

	// Description denotes the type of value
	Description string

	// Code identifies the sensor in the telemetry stream
	Code byte
}

// String fulfils the Stringer interface
func (s SensorDefinition) String() string {
	return fmt.Sprintf("%s (%#02x)", s.Name, s.Code)
}

// Reading denotes a single decoded sensor value
type Reading struct {

	// Code is the sensor code of the reading
	Code byte

	// Value is the decoded value
	Value float64

	// RelativeTime is the device clock in milliseconds since boot
	RelativeTime uint32

	// Sequence is the consecutive packet number assigned by the device
	Sequence uint32
}

// Commands denotes the byte sequences understood by the tracker
type Commands struct {
	Start []byte
	Stop  []byte
	Reset []byte
}

// Configuration denotes the (immutable) description of the tracker device
type Configuration struct {

	// ServiceID is the primary service the tracker offers
	ServiceID string

	// TxCharacteristicID is the characteristic commands are written to
	TxCharacteristicID string

	// RxCharacteristicID is the characteristic telemetry is notified on
	RxCharacteristicID string

	// Commands holds the command sequences
	Commands Commands

	// Sensors is the sensor catalog
	Sensors []SensorDefinition

	// Parser converts a telemetry packet into a reading
	Parser Parser
}

// Sensor returns the catalog entry for a given code
func (c Configuration) Sensor(code byte) (SensorDefinition, bool) {
	for _, s := range c.Sensors {
		if s.Code == code {
			return s, true
		}
	}
	return SensorDefinition{}, false
}

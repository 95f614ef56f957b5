// Package tracker holds the types shared by all components talking to an
// activity tracker: the sensor catalog, readings, the device configuration
// and the error taxonomy.
package tracker

// Parser denotes a telemetry stream parser
type Parser interface {

	// Parse decodes a single packet into the sensor it belongs to and the reading
	Parse(data []byte) (SensorDefinition, Reading, error)

	// Sensors returns the catalog the parser resolves sensor codes against
	Sensors() []SensorDefinition
}

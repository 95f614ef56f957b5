// Package parser implements decoding of the activity tracker telemetry stream.
//
// Every notification carries a single fixed-layout, little-endian packet:
//
//	| offset | bytes | field                                     |
//	|--------|-------|-------------------------------------------|
//	| 0      | 4     | packet sequence number                    |
//	| 4      | 1     | sensor code                               |
//	| 5      | 4     | raw magnitude                             |
//	| 9      | 1     | decimal exponent (negative power of ten)  |
//	| 10     | 4     | relative time in milliseconds since boot  |
package parser

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fako1024/btmonitor/pkg/tracker"
)

// PacketSize is the size of a telemetry packet on the wire.
const PacketSize = 14

// Packet offsets.
const (
	sequenceOffset     = 0
	sensorCodeOffset   = 4
	magnitudeOffset    = 5
	exponentOffset     = 9
	relativeTimeOffset = 10
)

// Packet is a raw telemetry packet.
type Packet struct {
	Sequence     uint32
	SensorCode   uint8
	Magnitude    uint32
	Exponent     uint8
	RelativeTime uint32
}

// Value returns the decoded value, i.e. Magnitude * 10^-Exponent.
func (p Packet) Value() float64 {
	return float64(p.Magnitude) * math.Pow10(-int(p.Exponent))
}

// UnmarshalBinary decodes a packet. Trailing bytes beyond PacketSize are ignored.
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) < PacketSize {
		return fmt.Errorf("%w: %d bytes", tracker.ErrShortPacket, len(data))
	}
	*p = Packet{
		Sequence:     binary.LittleEndian.Uint32(data[sequenceOffset:]),
		SensorCode:   data[sensorCodeOffset],
		Magnitude:    binary.LittleEndian.Uint32(data[magnitudeOffset:]),
		Exponent:     data[exponentOffset],
		RelativeTime: binary.LittleEndian.Uint32(data[relativeTimeOffset:]),
	}
	return nil
}

// MarshalBinary encodes a packet in its wire format.
func (p Packet) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PacketSize)
	binary.LittleEndian.PutUint32(buf[sequenceOffset:], p.Sequence)
	buf[sensorCodeOffset] = p.SensorCode
	binary.LittleEndian.PutUint32(buf[magnitudeOffset:], p.Magnitude)
	buf[exponentOffset] = p.Exponent
	binary.LittleEndian.PutUint32(buf[relativeTimeOffset:], p.RelativeTime)
	return buf, nil
}

// Parser resolves telemetry packets against a sensor catalog.
type Parser struct {
	sensors []tracker.SensorDefinition
	byCode  map[byte]tracker.SensorDefinition
}

// New returns a Parser for the given catalog. Sensor codes must be unique.
func New(sensors []tracker.SensorDefinition) (*Parser, error) {
	byCode := make(map[byte]tracker.SensorDefinition, len(sensors))
	for _, s := range sensors {
		if prev, exists := byCode[s.Code]; exists {
			return nil, fmt.Errorf("duplicate sensor code %#02x (%q and %q)", s.Code, prev.Name, s.Name)
		}
		byCode[s.Code] = s
	}

	catalog := make([]tracker.SensorDefinition, len(sensors))
	copy(catalog, sensors)

	return &Parser{
		sensors: catalog,
		byCode:  byCode,
	}, nil
}

// Parse decodes a packet and looks up its sensor in the catalog.
func (p *Parser) Parse(data []byte) (tracker.SensorDefinition, tracker.Reading, error) {
	var pkt Packet
	if err := pkt.UnmarshalBinary(data); err != nil {
		return tracker.SensorDefinition{}, tracker.Reading{}, err
	}

	sensor, ok := p.byCode[pkt.SensorCode]
	if !ok {
		return tracker.SensorDefinition{}, tracker.Reading{}, &tracker.UnknownSensorError{Code: pkt.SensorCode}
	}

	return sensor, tracker.Reading{
		Code:         pkt.SensorCode,
		Value:        pkt.Value(),
		RelativeTime: pkt.RelativeTime,
		Sequence:     pkt.Sequence,
	}, nil
}

// Sensors returns the catalog in configuration order.
func (p *Parser) Sensors() []tracker.SensorDefinition {
	return p.sensors
}

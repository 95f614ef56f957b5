package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fako1024/btmonitor/pkg/export"
	"github.com/fako1024/btmonitor/pkg/flow"
	"github.com/fako1024/btmonitor/pkg/peripheral"
	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/session"
	"github.com/fako1024/btmonitor/pkg/tracker"
)

// Scanner denotes peripheral discovery and connection management
type Scanner interface {

	// Peripherals returns all known peripherals, connected ones first
	Peripherals() ([]peripheral.Record, error)

	// StartScan starts scanning for peripherals
	StartScan() error

	// StopScan stops scanning and forgets all peripherals that are not connected
	StopScan() error

	// Connect connects a known peripheral and discovers its services
	Connect(ctx context.Context, id string) error

	// Disconnect terminates the connection to (or the connection attempt of) a peripheral
	Disconnect(id string) error
}

// Recorder denotes recording functionality
type Recorder interface {

	// Status returns a snapshot of the current state
	Status() (Status, error)

	// Record starts a recording if the tracker is ready and stops it if it
	// is recording. It returns if a recording is active afterwards
	Record(ctx context.Context) (bool, error)

	// Stop stops an active recording
	Stop() error

	// Reset discards the last recording and returns to the initial state
	Reset() error
}

// Exporter denotes export / sync functionality
type Exporter interface {

	// User returns the current user information
	User() (export.UserInfo, error)

	// SetUser replaces the current user information
	SetUser(user export.UserInfo) error

	// Export builds the export document of the last finished recording
	Export() (*export.Document, error)

	// MarkSynced marks the last recording as handed to the sync collaborator
	MarkSynced() error
}

// Controller denotes the full control surface of the monitor
type Controller interface {
	Scanner
	Recorder
	Exporter
}

// Status denotes a snapshot of the monitor state
type Status struct {
	Radio       radio.PowerState
	Scanning    bool
	Device      session.State
	Flow        flow.State
	Recording   bool
	Peripheral  string
	ElapsedTime time.Duration
	Readings    int
}

// MarshalJSON provides a human-readable JSON representation of the status
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Radio       string  `json:"radio"`
		Scanning    bool    `json:"scanning"`
		Device      string  `json:"device"`
		Flow        string  `json:"flow"`
		Recording   bool    `json:"recording"`
		Peripheral  string  `json:"peripheral,omitempty"`
		ElapsedTime float64 `json:"elapsed_time"`
		Readings    int     `json:"readings"`
	}{
		Radio:       s.Radio.String(),
		Scanning:    s.Scanning,
		Device:      s.Device.String(),
		Flow:        s.Flow.String(),
		Recording:   s.Recording,
		Peripheral:  s.Peripheral,
		ElapsedTime: s.ElapsedTime.Seconds(),
		Readings:    s.Readings,
	})
}

// DataPoint denotes a single reading received during a recording
type DataPoint struct {
	TimeStamp time.Time
	Sensor    tracker.SensorDefinition
	Reading   tracker.Reading
}

// Value provides a method to retrieve the current value (for interface use)
func (d DataPoint) Value() float64 {
	return d.Reading.Value
}

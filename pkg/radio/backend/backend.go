// Package backend instantiates the radio implementation selected by name
package backend

import (
	"fmt"

	"github.com/fako1024/btmonitor/pkg/config"
	"github.com/fako1024/btmonitor/pkg/mock"
	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/radio/gattradio"
	"github.com/fako1024/btmonitor/pkg/radio/tinyradio"
	"github.com/fako1024/btmonitor/pkg/tracker"
)

// MockTrackerID is the identifier of the simulated tracker of the mock backend
const MockTrackerID = "mock-tracker"

// New instantiates the radio for the given backend. The mock backend simulates
// a single activity tracker matching the tracker configuration
func New(name string, cfg tracker.Configuration, logger tracker.Logger) (radio.Radio, error) {
	if logger == nil {
		logger = &tracker.NullLogger{}
	}

	switch name {
	case config.BackendGATT:
		r, err := gattradio.New(gattradio.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize HCI device: %w", err)
		}
		return r, nil
	case config.BackendTinyGo:
		return tinyradio.New(tinyradio.WithLogger(logger)), nil
	case config.BackendMock:
		return mock.New(
			mock.WithPeripherals(mock.TrackerPeripheral(MockTrackerID, "Activity Tracker (simulated)", cfg)),
			mock.WithTelemetry(cfg, 0),
			mock.WithLogger(logger),
		), nil
	}

	return nil, fmt.Errorf("unsupported radio backend `%s`", name)
}

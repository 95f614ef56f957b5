package mock

import (
	"math/rand"
	"time"

	"github.com/fako1024/btmonitor/pkg/radio"
	"github.com/fako1024/btmonitor/pkg/tracker"
)

// WithPeripherals sets the simulated peripherals
func WithPeripherals(peripherals ...Peripheral) func(*Mock) {
	return func(m *Mock) {
		for i := range peripherals {
			p := peripherals[i]
			m.peripherals = append(m.peripherals, &p)
		}
	}
}

// WithPowerState sets the power state reported upon initialization
func WithPowerState(state radio.PowerState) func(*Mock) {
	return func(m *Mock) {
		m.powerState = state
	}
}

// WithConnectError causes connections to the given peripheral to fail
func WithConnectError(id string, err error) func(*Mock) {
	return func(m *Mock) {
		m.connectErrors[id] = err
	}
}

// WithConnectHang causes connections to the given peripheral to never complete
func WithConnectHang(id string) func(*Mock) {
	return func(m *Mock) {
		m.connectHangs[id] = true
	}
}

// WithTelemetry enables the telemetry generator for the given tracker
// configuration, emitting one packet per sensor every interval
func WithTelemetry(cfg tracker.Configuration, interval time.Duration) func(*Mock) {
	return func(m *Mock) {
		if len(cfg.Sensors) == 0 {
			return
		}
		if interval <= 0 {
			interval = defaultInterval
		}
		m.telemetry = &telemetry{
			cfg:      cfg,
			interval: interval,
			values:   make(map[byte]uint32),
			rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		}
	}
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Mock) {
	return func(m *Mock) {
		m.logger = logger
	}
}

// TrackerPeripheral returns a simulated peripheral offering the service /
// characteristic triple of the provided configuration
func TrackerPeripheral(id, name string, cfg tracker.Configuration) Peripheral {
	return Peripheral{
		ID:   id,
		Name: name,
		RSSI: -42,
		Services: map[string][]string{
			cfg.ServiceID: {cfg.TxCharacteristicID, cfg.RxCharacteristicID},
		},
	}
}

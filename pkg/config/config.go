// Package config provides the YAML configuration of the monitor
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fako1024/btmonitor/pkg/parser"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Supported radio backends
const (
	BackendGATT   = "gatt"
	BackendTinyGo = "tinygo"
	BackendMock   = "mock"
)

// Default identifiers of the Nordic UART service
const (
	DefaultServiceID          = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	DefaultTxCharacteristicID = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	DefaultRxCharacteristicID = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// Config denotes the configuration file
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Connection ConnectionConfig `yaml:"connection"`
	Radio      RadioConfig      `yaml:"radio"`
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Export     ExportConfig     `yaml:"export"`
}

// DeviceConfig describes the activity tracker
type DeviceConfig struct {
	ServiceID          string         `yaml:"service_id"`
	TxCharacteristicID string         `yaml:"tx_characteristic_id"`
	RxCharacteristicID string         `yaml:"rx_characteristic_id"`
	Commands           CommandsConfig `yaml:"commands"`
	Sensors            []SensorConfig `yaml:"sensors"`
}

// CommandsConfig holds the command byte sequences
type CommandsConfig struct {
	Start []int `yaml:"start"`
	Stop  []int `yaml:"stop"`
	Reset []int `yaml:"reset"`
}

// SensorConfig denotes a sensor catalog entry
type SensorConfig struct {
	Name        string `yaml:"name"`
	Unit        string `yaml:"unit"`
	Description string `yaml:"description"`
	Code        int    `yaml:"code"`
}

// ConnectionConfig configures the connection attempt pool
type ConnectionConfig struct {
	Timeout     time.Duration `yaml:"timeout" default:"10s"`
	MaxAttempts int           `yaml:"max_attempts" default:"10"`
}

// RadioConfig selects the radio backend
type RadioConfig struct {
	Backend string `yaml:"backend" default:"gatt"`

	// Name restricts automatic connections to peripherals with this name prefix
	Name string `yaml:"name"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level" default:"info"`
}

// APIConfig configures the local REST API
type APIConfig struct {
	Listen string `yaml:"listen" default:"127.0.0.1:8910"`
}

// ExportConfig configures where export documents are written to
type ExportConfig struct {
	Directory string `yaml:"directory" default:"."`
}

// Default returns the default configuration
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a configuration file. Absent settings are set to
// their default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates a configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error

	for name, id := range map[string]string{
		"service_id":           c.Device.ServiceID,
		"tx_characteristic_id": c.Device.TxCharacteristicID,
		"rx_characteristic_id": c.Device.RxCharacteristicID,
	} {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Errorf("device.%s must not be empty", name))
		}
	}

	for name, cmd := range map[string][]int{
		"start": c.Device.Commands.Start,
		"stop":  c.Device.Commands.Stop,
		"reset": c.Device.Commands.Reset,
	} {
		if _, err := toBytes(cmd); err != nil {
			errs = append(errs, fmt.Errorf("device.commands.%s: %w", name, err))
		}
	}

	if len(c.Device.Sensors) == 0 {
		errs = append(errs, errors.New("device.sensors must not be empty"))
	}
	seen := make(map[int]string)
	for _, s := range c.Device.Sensors {
		if s.Code < 0 || s.Code > 0xFF {
			errs = append(errs, fmt.Errorf("sensor `%s`: code %d out of range", s.Name, s.Code))
			continue
		}
		if other, exists := seen[s.Code]; exists {
			errs = append(errs, fmt.Errorf("sensor `%s`: code %#02x already used by `%s`", s.Name, s.Code, other))
			continue
		}
		seen[s.Code] = s.Name
	}

	if c.Connection.Timeout <= 0 {
		errs = append(errs, errors.New("connection.timeout must be positive"))
	}
	if c.Connection.MaxAttempts <= 0 {
		errs = append(errs, errors.New("connection.max_attempts must be positive"))
	}

	switch c.Radio.Backend {
	case BackendGATT, BackendTinyGo, BackendMock:
	default:
		errs = append(errs, fmt.Errorf("radio.backend: unsupported backend `%s`", c.Radio.Backend))
	}

	return errors.Join(errs...)
}

// Configuration builds the immutable tracker configuration, including its parser
func (c *Config) Configuration() (tracker.Configuration, error) {
	if err := c.Validate(); err != nil {
		return tracker.Configuration{}, err
	}

	sensors := make([]tracker.SensorDefinition, 0, len(c.Device.Sensors))
	for _, s := range c.Device.Sensors {
		sensors = append(sensors, tracker.SensorDefinition{
			Name:        s.Name,
			Unit:        s.Unit,
			Description: s.Description,
			Code:        byte(s.Code),
		})
	}

	p, err := parser.New(sensors)
	if err != nil {
		return tracker.Configuration{}, err
	}

	// Errors have been caught by Validate()
	start, _ := toBytes(c.Device.Commands.Start)
	stop, _ := toBytes(c.Device.Commands.Stop)
	reset, _ := toBytes(c.Device.Commands.Reset)

	return tracker.Configuration{
		ServiceID:          c.Device.ServiceID,
		TxCharacteristicID: c.Device.TxCharacteristicID,
		RxCharacteristicID: c.Device.RxCharacteristicID,
		Commands: tracker.Commands{
			Start: start,
			Stop:  stop,
			Reset: reset,
		},
		Sensors: sensors,
		Parser:  p,
	}, nil
}

////////////////////////////////////////////////////////////////////////////////

func (c *Config) applyDefaults() {
	defaults.SetDefaults(&c.Connection)
	defaults.SetDefaults(&c.Radio)
	defaults.SetDefaults(&c.Log)
	defaults.SetDefaults(&c.API)
	defaults.SetDefaults(&c.Export)

	if c.Device.ServiceID == "" {
		c.Device.ServiceID = DefaultServiceID
	}
	if c.Device.TxCharacteristicID == "" {
		c.Device.TxCharacteristicID = DefaultTxCharacteristicID
	}
	if c.Device.RxCharacteristicID == "" {
		c.Device.RxCharacteristicID = DefaultRxCharacteristicID
	}

	if c.Device.Commands.Start == nil {
		c.Device.Commands.Start = []int{0x01}
	}
	if c.Device.Commands.Stop == nil {
		c.Device.Commands.Stop = []int{0x00}
	}
	if c.Device.Commands.Reset == nil {
		c.Device.Commands.Reset = []int{0x02}
	}
	if c.Device.Sensors == nil {
		c.Device.Sensors = []SensorConfig{
			{Name: "EDA", Unit: "µS", Description: "Conductance", Code: 0x03},
			{Name: "Heartrate", Unit: "BPM", Description: "Heartrate", Code: 0x04},
			{Name: "Room Temperature", Unit: "°C", Description: "Temperature", Code: 0x01},
			{Name: "Acceleration", Unit: "g", Description: "g-Force", Code: 0x02},
		}
	}
}

func toBytes(values []int) ([]byte, error) {
	if len(values) == 0 {
		return nil, errors.New("command must not be empty")
	}
	res := make([]byte, 0, len(values))
	for _, v := range values {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("value %d is not a byte", v)
		}
		res = append(res, byte(v))
	}
	return res, nil
}

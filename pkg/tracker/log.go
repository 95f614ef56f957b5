package tracker

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger is the log sink shared by the radio backends, the peripheral
// adapters, the monitor and its sessions
type Logger interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
}

var (
	_ Logger = (*zap.SugaredLogger)(nil)
	_ Logger = (*NullLogger)(nil)
)

// NullLogger discards everything, it is the default of every component
// constructed without WithLogger
type NullLogger struct{}

func (l *NullLogger) Error(args ...interface{})                 {}
func (l *NullLogger) Errorf(format string, args ...interface{}) {}
func (l *NullLogger) Warn(args ...interface{})                  {}
func (l *NullLogger) Warnf(format string, args ...interface{})  {}
func (l *NullLogger) Info(args ...interface{})                  {}
func (l *NullLogger) Infof(format string, args ...interface{})  {}
func (l *NullLogger) Debug(args ...interface{})                 {}
func (l *NullLogger) Debugf(format string, args ...interface{}) {}

// NewDefaultLogger builds the console logger used by the monitor CLIs at
// the configured log.level (debug, info, warn or error). Caller
// annotations are only emitted at debug level, where they help tracing
// radio callbacks back to the adapter that handled them.
func NewDefaultLogger(level string) (*zap.SugaredLogger, error) {

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logCfg := zap.NewDevelopmentConfig()
	logCfg.DisableStacktrace = true
	logCfg.DisableCaller = lvl.Level() > zap.DebugLevel
	logCfg.Level = lvl
	zapLogger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate logger: %w", err)
	}

	return zapLogger.Sugar(), nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fako1024/btmonitor/pkg/api"
	"github.com/fako1024/btmonitor/pkg/config"
	"github.com/fako1024/btmonitor/pkg/export"
	"github.com/fako1024/btmonitor/pkg/flow"
	"github.com/fako1024/btmonitor/pkg/monitor"
	"github.com/fako1024/btmonitor/pkg/peripheral"
	"github.com/fako1024/btmonitor/pkg/radio/backend"
	"github.com/fako1024/btmonitor/pkg/session"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	backend    string
	name       string
	duration   time.Duration
	serveAPI   bool

	user export.UserInfo
}

var logger *zap.SugaredLogger

func main() {

	// Parse command line options
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to configuration file (defaults apply if empty)")
	flag.StringVar(&opts.backend, "backend", "", "radio backend (gatt, tinygo, mock), overrides the configuration")
	flag.StringVar(&opts.name, "name", "", "name prefix of the activity tracker, overrides the configuration")
	flag.DurationVar(&opts.duration, "duration", 0, "duration of the recording (until interrupted if zero)")
	flag.BoolVar(&opts.serveAPI, "api", false, "serve the REST API while recording")
	flag.StringVar(&opts.user.AssignedID, "id", "", "person id assigned to the recording")
	flag.StringVar(&opts.user.Name, "user", "", "name of the person wearing the tracker")
	flag.StringVar(&opts.user.Comments, "info", "", "comments about the recording")
	flag.Parse()

	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			os.Exit(1)
		}
	}
	if opts.backend != "" {
		cfg.Radio.Backend = opts.backend
	}
	if opts.name != "" {
		cfg.Radio.Name = opts.name
	}

	var err error
	if logger, err = tracker.NewDefaultLogger(cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(cfg, opts); err != nil {
		logger.Fatal(err)
	}
}

func run(cfg *config.Config, opts options) (err error) {
	trackerCfg, err := cfg.Configuration()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	r, err := backend.New(cfg.Radio.Backend, trackerCfg, logger)
	if err != nil {
		return err
	}

	user := export.NewUserInfo()
	user.AssignedID, user.Name, user.Comments = opts.user.AssignedID, opts.user.Name, opts.user.Comments

	m, err := monitor.New(r, trackerCfg,
		monitor.WithLogger(logger),
		monitor.WithConnectionTimeout(cfg.Connection.Timeout),
		monitor.WithMaxAttempts(cfg.Connection.MaxAttempts),
		monitor.WithUser(user),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize monitor: %w", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if opts.serveAPI {
		a := api.New(m, cfg.API.Listen, api.WithLogger(logger), api.WithConfiguration(trackerCfg))
		defer func() {
			_ = a.Shutdown()
		}()
		logger.Infof("serving REST API on %s", cfg.API.Listen)
	}

	stateChan := make(chan monitor.Status, 16)
	m.SetStateChangeChannel(stateChan)
	dataChan := make(chan monitor.DataPoint, 256)
	m.SetDataChannel(dataChan)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	id, err := findTracker(ctx, m, cfg.Radio.Name, trackerCfg)
	if err != nil {
		return err
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, 2*cfg.Connection.Timeout)
	err = m.Connect(connectCtx, id)
	connectCancel()
	if err != nil {
		return fmt.Errorf("failed to connect to `%s`: %w", id, err)
	}

	if err := waitForFlow(ctx, m, flow.Connected); err != nil {
		return err
	}

	if _, err := m.Record(ctx); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	logger.Infof("recording on `%s`, press Ctrl+C to stop", id)

	var deadline <-chan time.Time
	if opts.duration > 0 {
		deadline = time.After(opts.duration)
	}

	func() {
		for {
			select {
			case data := <-dataChan:
				logger.Debugf("%s: %.2f %s (t=%d ms)", data.Sensor.Name, data.Value(), data.Sensor.Unit, data.Reading.RelativeTime)
			case st := <-stateChan:
				logger.Infof("state change: device %s, flow %s", st.Device, st.Flow)
				if st.Flow == flow.Finished || st.Flow == flow.Initial {
					return
				}
			case <-deadline:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := m.Stop(); err != nil {
		return fmt.Errorf("failed to stop recording: %w", err)
	}

	return writeExport(m, cfg.Export.Directory)
}

func findTracker(ctx context.Context, m *monitor.Monitor, name string, cfg tracker.Configuration) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	logger.Infof("waiting for activity tracker (name prefix `%s`)", name)
	for {
		records, err := m.Peripherals()
		if err != nil {
			return "", err
		}
		for i := range records {
			r := &records[i]
			if peripheral.CompatibilityOf(r, cfg) == peripheral.NotCompatible {
				continue
			}
			if name == "" || strings.HasPrefix(r.Name, name) {
				return r.ID, nil
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func waitForFlow(ctx context.Context, m *monitor.Monitor, state flow.State) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := m.Status()
		if err != nil {
			return err
		}
		if status.Flow == state {
			return nil
		}
		if status.Device == session.StateNotCompatible {
			return errors.New("connected peripheral is not an activity tracker")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeExport(m *monitor.Monitor, dir string) error {
	doc, err := m.Export()
	if err != nil {
		return fmt.Errorf("failed to export recording: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("recording-%s.json", uuid.NewString()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	logger.Infof("wrote recording of %d sensors to %s", doc.Activity.Sensors.Len(), path)
	return nil
}

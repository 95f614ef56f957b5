package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fako1024/btmonitor/pkg/config"
	"github.com/fako1024/btmonitor/pkg/flow"
	"github.com/fako1024/btmonitor/pkg/monitor"
	"github.com/fako1024/btmonitor/pkg/peripheral"
	"github.com/fako1024/btmonitor/pkg/radio/backend"
	"github.com/fako1024/btmonitor/pkg/tracker"
	"github.com/sirupsen/logrus"
)

type options struct {
	configPath string
	backend    string
	scanTime   time.Duration

	id     string
	start  bool
	stop   bool
	reset  bool
	record time.Duration
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {

	// Parse command line options
	var opts options

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults apply if empty)")
	flag.StringVar(&opts.backend, "backend", "", "Radio backend (gatt, tinygo, mock), overrides the configuration")
	flag.DurationVar(&opts.scanTime, "scan", 3*time.Second, "Duration to scan for peripherals")

	flag.StringVar(&opts.id, "id", "", "Identifier of the peripheral to connect to")
	flag.BoolVar(&opts.start, "start", false, "Reset the tracker and start a recording")
	flag.BoolVar(&opts.stop, "stop", false, "Stop the current recording")
	flag.BoolVar(&opts.reset, "reset", false, "Discard the last recording")
	flag.DurationVar(&opts.record, "record", 0, "Record for the given duration and report the number of readings")
	flag.Parse()

	cfg := config.Default()
	if opts.configPath != "" {
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	if opts.backend != "" {
		cfg.Radio.Backend = opts.backend
	}
	if lvl, lerr := logrus.ParseLevel(cfg.Log.Level); lerr == nil {
		log.SetLevel(lvl)
	}

	trackerCfg, err := cfg.Configuration()
	if err != nil {
		return fmt.Errorf("invalid configuration: %s", err)
	}

	r, err := backend.New(cfg.Radio.Backend, trackerCfg, log)
	if err != nil {
		return err
	}

	m, err := monitor.New(r, trackerCfg,
		monitor.WithLogger(log),
		monitor.WithConnectionTimeout(cfg.Connection.Timeout),
		monitor.WithMaxAttempts(cfg.Connection.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize monitor: %s", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	time.Sleep(opts.scanTime)

	if opts.id == "" {
		return listPeripherals(m, trackerCfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Connection.Timeout)
	defer cancel()
	if err := m.Connect(ctx, opts.id); err != nil {
		return fmt.Errorf("failed to connect to `%s`: %s", opts.id, err)
	}

	status, err := m.Status()
	if err != nil {
		return err
	}
	log.Infof("connected to `%s` (device %s, flow %s)", opts.id, status.Device, status.Flow)

	if opts.reset {
		if err := m.Reset(); err != nil {
			return fmt.Errorf("failed to reset: %s", err)
		}
	}
	if opts.start || opts.record > 0 {
		if status.Flow != flow.Connected {
			return fmt.Errorf("cannot start recording in flow state %s", status.Flow)
		}
		if _, err := m.Record(ctx); err != nil {
			return fmt.Errorf("failed to start recording: %s", err)
		}
	}
	if opts.record > 0 {
		time.Sleep(opts.record)
		if status, err = m.Status(); err != nil {
			return err
		}
		log.Infof("received %d readings in %v", status.Readings, status.ElapsedTime)
	}
	if opts.stop || opts.record > 0 {
		if err := m.Stop(); err != nil {
			return fmt.Errorf("failed to stop recording: %s", err)
		}
	}

	return nil
}

func listPeripherals(m *monitor.Monitor, cfg tracker.Configuration) error {
	records, err := m.Peripherals()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tRSSI\tSTATE\tCOMPATIBILITY")
	for i := range records {
		r := &records[i]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.DisplayName(), r.RSSI, r.State, peripheral.CompatibilityOf(r, cfg))
	}
	return w.Flush()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/lorenzgillner/pmd-usb-logger/internal/config"
	"github.com/lorenzgillner/pmd-usb-logger/internal/runner"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

type Options struct {
	Config   string        `short:"c" long:"config" default:"configs/config.yaml" description:"Configuration file"`
	Port     string        `short:"p" long:"port" description:"Serial device, overrides device.port"`
	Speed    int           `short:"s" long:"speed" default:"-1" description:"Speed level 0-3, overrides mode.speed"`
	Interval time.Duration `short:"i" long:"interval" description:"Poll interval, overrides mode.poll_interval"`
	Output   string        `short:"o" long:"output" description:"CSV output file, overrides output.path"`
	Simulate bool          `long:"simulate" description:"Talk to a simulated device"`

	Verbose     []bool `short:"v" long:"verbose" description:"More logging, repeat for trace"`
	Quiet       bool   `short:"q" long:"quiet" description:"Only log warnings and errors"`
	ShowVersion func() `short:"V" long:"version" description:"Show version"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts Options
	opts.ShowVersion = func() {
		fmt.Printf("pmd-usb-logger v%s (build %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return 0
		}
		return 1
	}

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	applyOverrides(cfg, &opts)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	log := setupLogger(cfg.Log, len(opts.Verbose), opts.Quiet)
	log.Infof("pmd-usb-logger v%s starting", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := runner.Open(cfg, log)
	if err != nil {
		log.Errorf("open device: %v", err)
		return 1
	}
	defer r.Close()

	if err := r.Run(ctx); err != nil {
		log.Errorf("run: %v", err)
		return 1
	}
	log.Info("stopped")
	return 0
}

// loadConfig reads the configuration file. Only a missing file falls back
// to the defaults; a file that does not parse or validate is an error.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "%s not found, using defaults\n", path)
		return config.GetDefaultConfig(), nil
	}
	return cfg, err
}

func applyOverrides(cfg *config.Config, opts *Options) {
	if opts.Port != "" {
		cfg.Device.Port = opts.Port
	}
	if opts.Speed >= 0 {
		cfg.Mode.Speed = opts.Speed
	}
	if opts.Interval > 0 {
		cfg.Mode.PollInterval = opts.Interval
	}
	if opts.Output != "" {
		cfg.Output.Path = opts.Output
	}
	if opts.Simulate {
		cfg.Device.Simulate = true
	}
}

func setupLogger(cfg config.LogConfig, verbosity int, quiet bool) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	switch {
	case quiet:
		level = logrus.WarnLevel
	case verbosity >= 2:
		level = logrus.TraceLevel
	case verbosity == 1:
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	// Samples go to stdout, so logs default to stderr.
	log.SetOutput(os.Stderr)
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Warnf("open log file: %v, logging to stderr", err)
		}
	}

	return log
}

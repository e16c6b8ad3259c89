// Package runner drives one logging run: it opens the link to the device,
// collects samples at the configured speed level and feeds them to the
// outputs until its context ends.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lorenzgillner/pmd-usb-logger/internal/config"
	"github.com/lorenzgillner/pmd-usb-logger/internal/handler"
	"github.com/lorenzgillner/pmd-usb-logger/internal/monitor"
	"github.com/lorenzgillner/pmd-usb-logger/internal/serialport"
	"github.com/lorenzgillner/pmd-usb-logger/internal/session"
	"github.com/lorenzgillner/pmd-usb-logger/internal/simulator"
	"github.com/lorenzgillner/pmd-usb-logger/internal/storage"
	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Speed levels.
const (
	SpeedSensors = iota
	SpeedPoll
	SpeedStream
	SpeedFastStream
)

const shutdownTimeout = 5 * time.Second

type Runner struct {
	cfg       *config.Config
	log       *logrus.Logger
	session   *session.Session
	publisher *storage.Publisher
	writer    *storage.CSVWriter
	monitor   *monitor.Monitor
	handler   *handler.SampleHandler

	// Out receives the sensor table of speed level 0 and, without an
	// output path, the CSV rows.
	Out io.Writer
}

// Open connects to the configured device, or to a simulated one.
func Open(cfg *config.Config, log *logrus.Logger) (*Runner, error) {
	var t session.Transport
	if cfg.Device.Simulate {
		opts := simulator.DefaultOptions()
		opts.StreamInterval = 10 * time.Millisecond
		opts.Logger = log
		t = simulator.New(opts)
		log.Info("using simulated device")
	} else {
		port, err := serialport.Open(serialport.Config{
			Port:        cfg.Device.Port,
			BaudRate:    cfg.Device.BaudRate,
			ReadTimeout: cfg.Device.ReadTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		t = port
	}
	return New(cfg, t, log, os.Stdout)
}

// New builds a runner over an open transport. The runner owns t.
func New(cfg *config.Config, t session.Transport, log *logrus.Logger, out io.Writer) (*Runner, error) {
	r := &Runner{
		cfg: cfg,
		log: log,
		session: session.New(t,
			session.WithRequestTimeout(cfg.Device.RequestTimeout),
			session.WithRetries(cfg.Device.Retries),
			session.WithLogger(log),
		),
		Out: out,
	}

	if cfg.Redis.Enabled {
		pub, err := storage.NewPublisher(storage.PublisherOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Channel:  cfg.Redis.Channel,
			ListSize: cfg.Redis.ListSize,
		}, log)
		if err != nil {
			r.session.Close()
			return nil, err
		}
		r.publisher = pub
	}

	if cfg.Output.Path != "" {
		f, err := os.Create(cfg.Output.Path)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("create output file: %w", err)
		}
		r.writer = storage.NewCSVWriter(f)
	} else if cfg.Mode.Speed != SpeedSensors {
		r.writer = storage.NewCSVWriter(struct{ io.Writer }{out})
	}

	if cfg.Monitor.Enabled {
		r.monitor = monitor.NewMonitor(log)
	}
	return r, nil
}

// Session exposes the device session.
func (r *Runner) Session() *session.Session {
	return r.session
}

// Run initializes the device and collects samples until ctx ends or a
// fatal error occurs. Cancellation is a clean exit.
func (r *Runner) Run(ctx context.Context) error {
	if r.monitor != nil {
		srv := r.monitor.StartMetricsServer(r.cfg.Monitor.MetricsPort)
		defer srv.Close()
		r.monitor.StartRuntimeMonitor(ctx, 10*time.Second)
	}

	if err := r.session.Init(ctx); err != nil {
		return ignoreCancel(err)
	}
	id, err := r.session.Identity()
	if err != nil {
		return err
	}

	opts := handler.Options{
		Device:          deviceKey(id),
		Monitor:         r.monitor,
		SummaryChannel:  r.cfg.Output.SummaryChannel,
		SummaryInterval: r.cfg.Output.SummaryInterval,
	}
	if r.writer != nil {
		opts.Writer = r.writer
	}
	if r.publisher != nil {
		opts.Publisher = r.publisher
		opts.RunID = r.publisher.RunID()
	}
	r.handler = handler.NewSampleHandler(opts, r.log)
	defer r.handler.Close()

	switch r.cfg.Mode.Speed {
	case SpeedSensors:
		err = r.printSensors(ctx)
	case SpeedPoll:
		err = r.poll(ctx)
	case SpeedStream, SpeedFastStream:
		err = r.stream(ctx)
	default:
		err = fmt.Errorf("%w: speed level %d", protocol.ErrInvalidArgument, r.cfg.Mode.Speed)
	}
	r.observe(nil)
	return ignoreCancel(err)
}

func ignoreCancel(err error) error {
	if errors.Is(err, protocol.ErrCancelled) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func deviceKey(id protocol.DeviceIdentity) string {
	return fmt.Sprintf("%02x%02x%02x%02x", id.Vendor, id.Product, id.Firmware, id.Revision)
}

func (r *Runner) observe(rx *session.StreamReceiver) {
	if r.monitor == nil {
		return
	}
	r.monitor.ObserveSession(r.session.Stats())
	if rx != nil {
		r.monitor.ObserveReceiver(rx.Stats())
	}
}

func (r *Runner) printSensors(ctx context.Context) error {
	sample, err := r.session.ReadSensors(ctx)
	if err != nil {
		return err
	}
	descs := r.session.ReadingDescriptors()
	r.handler.SetDescriptors(descs)
	if err := r.handler.Handle(ctx, sample); err != nil {
		return err
	}
	for _, d := range descs {
		v, _ := sample.Value(d.Channel)
		fmt.Fprintf(r.Out, "%-10s %9.3f %s\n", d.Name, v, d.Unit)
	}
	return nil
}

func (r *Runner) poll(ctx context.Context) error {
	r.handler.SetDescriptors(r.session.Descriptors())
	ticker := time.NewTicker(r.cfg.Mode.PollInterval)
	defer ticker.Stop()

	for {
		sample, err := r.session.ReadValues(ctx)
		switch {
		case err == nil:
			if err := r.handler.Handle(ctx, sample); err != nil {
				return err
			}
		case errors.Is(err, protocol.ErrTimeout), protocol.IsDecodeError(err):
			r.log.Warnf("poll: %v", err)
		default:
			return err
		}
		r.observe(nil)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) stream(ctx context.Context) error {
	if r.cfg.Mode.Speed == SpeedFastStream {
		restore, err := r.switchBaud(ctx)
		if err != nil {
			return err
		}
		defer restore()
	}

	rx, err := r.session.EnableStreaming(ctx, protocol.ContTxConfig{
		TimestampBytes: uint8(r.cfg.Stream.TimestampBytes),
		ChannelMask:    uint8(r.cfg.Stream.ChannelMask),
	},
		session.WithBufferSize(r.cfg.Stream.BufferSize),
		session.WithOverflow(session.ParseOverflowPolicy(r.cfg.Stream.Overflow)),
		session.WithWatchdog(r.cfg.Stream.Watchdog),
	)
	if err != nil {
		return err
	}
	if r.monitor != nil {
		r.monitor.ResetReceiver()
	}
	r.handler.SetDescriptors(rx.Descriptors())

	err = r.consume(ctx, rx)

	rx.Stop()
	r.observe(rx)
	if st := rx.Stats(); st.Dropped > 0 {
		r.log.Warnf("%d samples dropped on buffer overflow", st.Dropped)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if derr := r.session.DisableStreaming(sctx); derr != nil {
		r.log.Errorf("disable continuous transmission: %v", derr)
		if err == nil {
			err = derr
		}
	}
	return err
}

func (r *Runner) consume(ctx context.Context, rx *session.StreamReceiver) error {
	for n := 0; ; n++ {
		sample, err := rx.Next(ctx)
		switch {
		case err == nil:
			if err := r.handler.Handle(ctx, sample); err != nil {
				return err
			}
		case errors.Is(err, protocol.ErrStreamStalled):
			r.log.Warn("device stopped streaming")
		case protocol.IsDecodeError(err):
			r.log.Warnf("stream: %v", err)
		default:
			return err
		}
		if n%100 == 0 {
			r.observe(rx)
		}
	}
}

// switchBaud moves the link to the fast baud rate and returns a function
// that restores the previous speed.
func (r *Runner) switchBaud(ctx context.Context) (func(), error) {
	orig := r.session.Config().Uart
	fast := orig
	fast.BaudRate = uint32(r.cfg.Mode.FastBaudRate)
	if _, err := r.session.SetUart(ctx, fast); err != nil {
		return nil, fmt.Errorf("switch to %d baud: %w", fast.BaudRate, err)
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if _, err := r.session.SetUart(sctx, orig); err != nil {
			r.log.Errorf("restore %d baud: %v", orig.BaudRate, err)
		}
	}, nil
}

// Close releases the device and the outputs.
func (r *Runner) Close() error {
	err := r.session.Close()
	if r.writer != nil {
		if werr := r.writer.Close(); err == nil {
			err = werr
		}
	}
	if r.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		r.log.WithFields(logrus.Fields(r.publisher.GetStats(ctx))).Debug("publisher stats")
		cancel()
		if perr := r.publisher.Close(); err == nil {
			err = perr
		}
	}
	return err
}

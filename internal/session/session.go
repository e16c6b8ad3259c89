package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lorenzgillner/pmd-usb-logger/internal/parser"
	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
	"github.com/sirupsen/logrus"
)

var errCorrupted = fmt.Errorf("%w: corrupted response", protocol.ErrFraming)

// Stats are the running counters of a Session.
type Stats struct {
	Requests  uint64
	Retries   uint64
	Timeouts  uint64
	Frames    uint64
	Corrupted uint64
	Unknown   uint64
}

// Session is the request/response channel to one device. At most one
// request is in flight; concurrent callers wait their turn. While the
// device streams, requests fail with ErrStreamActive until the stream is
// stopped and DisableStreaming succeeds.
type Session struct {
	transport Transport
	cfg       Config
	log       *logrus.Logger
	store     *ConfigStore
	codec     *parser.Codec
	decoder   atomic.Pointer[parser.Decoder]

	sem       chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	readBuf   []byte

	mu           sync.Mutex
	broken       error
	receiver     *StreamReceiver
	identity     *protocol.DeviceIdentity
	names        [protocol.SensorCount]string
	adcDescs     []protocol.SensorDescriptor
	readingDescs []protocol.SensorDescriptor

	seq      atomic.Uint64
	requests atomic.Uint64
	retries  atomic.Uint64
	timeouts atomic.Uint64
}

// New creates a session over t. The device is assumed to be in its
// power-on configuration until Init or a write says otherwise.
func New(t Transport, opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	store := NewConfigStore(protocol.DefaultSessionConfig())
	catalog := protocol.CatalogFor(store.Get())
	s := &Session{
		transport: t,
		cfg:       cfg,
		log:       log,
		store:     store,
		codec:     parser.NewCodec(catalog, log),
		sem:       make(chan struct{}, 1),
		done:      make(chan struct{}),
		readBuf:   make([]byte, cfg.ReadSize),
		names:     protocol.DefaultSensorNames,
	}
	s.decoder.Store(parser.NewDecoder(catalog))
	s.adcDescs = parser.ADCDescriptors(s.names, nil)
	s.readingDescs = parser.ReadingDescriptors(s.names)
	store.Subscribe(s.onConfigChange)
	return s
}

// onConfigChange swaps the payload layouts. It runs inside the store's
// writer lock, before the write that caused it returns.
func (s *Session) onConfigChange(c protocol.SessionConfig) {
	catalog := protocol.CatalogFor(c)
	s.codec.SetCatalog(catalog)
	s.decoder.Store(parser.NewDecoder(catalog))
}

// Store returns the configuration mirror.
func (s *Session) Store() *ConfigStore { return s.store }

// Config returns the acknowledged configuration.
func (s *Session) Config() protocol.SessionConfig { return s.store.Get() }

// Identity returns the identity read by ReadDeviceID or Init.
func (s *Session) Identity() (protocol.DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return protocol.DeviceIdentity{}, protocol.ErrNotInitialized
	}
	return *s.identity, nil
}

// Descriptors returns the calibration of the eight ADC channels.
func (s *Session) Descriptors() []protocol.SensorDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SensorDescriptor(nil), s.adcDescs...)
}

// ReadingDescriptors returns the descriptors of ReadSensors samples.
func (s *Session) ReadingDescriptors() []protocol.SensorDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SensorDescriptor(nil), s.readingDescs...)
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	cs := s.codec.Stats()
	return Stats{
		Requests:  s.requests.Load(),
		Retries:   s.retries.Load(),
		Timeouts:  s.timeouts.Load(),
		Frames:    cs.Frames,
		Corrupted: cs.Corrupted,
		Unknown:   cs.Unknown,
	}
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", protocol.ErrCancelled, ctx.Err())
}

func (s *Session) usable() error {
	if s.closed.Load() {
		return protocol.ErrCancelled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return cancelled(ctx)
	case <-s.done:
		return protocol.ErrCancelled
	}
	if err := s.usable(); err != nil {
		s.release()
		return err
	}
	return nil
}

func (s *Session) release() { <-s.sem }

func (s *Session) streamRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiver != nil && s.receiver.running.Load()
}

// fail turns a transport error into the session's terminal IoError.
func (s *Session) fail(op string, err error) error {
	if s.closed.Load() {
		return protocol.ErrCancelled
	}
	ioErr := &protocol.IoError{Op: op, Err: err}
	s.mu.Lock()
	first := s.broken == nil
	if first {
		s.broken = ioErr
	}
	s.mu.Unlock()
	if first {
		s.log.WithError(err).Errorf("transport %s failed, closing session", op)
		s.transport.Close()
	}
	return ioErr
}

func (s *Session) write(raw []byte) error {
	n, err := s.transport.Write(raw)
	if err == nil && n < len(raw) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return s.fail("write", err)
	}
	return nil
}

// read pulls one chunk from the transport into the codec. An empty read
// means the link went idle, so a candidate still waiting for bytes is
// given up.
func (s *Session) read() error {
	n, err := s.transport.Read(s.readBuf)
	if n > 0 {
		s.codec.Feed(s.readBuf[:n])
	}
	if err != nil {
		return s.fail("read", err)
	}
	if n == 0 {
		s.codec.Flush()
	}
	return nil
}

// await reads until a frame with the requested command arrives. Frames of
// other commands are discarded. A checksum failure while waiting is
// reported as errCorrupted.
func (s *Session) await(ctx context.Context, cmd protocol.Command) (protocol.Frame, error) {
	deadline := time.Now().Add(s.cfg.RequestTimeout)
	corrupted := s.codec.Stats().Corrupted

	for {
		for {
			f, ok := s.codec.Next()
			if !ok {
				break
			}
			if f.Command == cmd {
				return f, nil
			}
			s.log.Debugf("discarding %s frame while waiting for %s", f.Command, cmd)
		}
		if s.codec.Stats().Corrupted > corrupted {
			return protocol.Frame{}, errCorrupted
		}
		if ctx.Err() != nil {
			return protocol.Frame{}, cancelled(ctx)
		}
		if s.closed.Load() {
			return protocol.Frame{}, protocol.ErrCancelled
		}
		if time.Now().After(deadline) {
			s.timeouts.Add(1)
			return protocol.Frame{}, fmt.Errorf("%w: no %s response within %v", protocol.ErrTimeout, cmd, s.cfg.RequestTimeout)
		}
		if err := s.read(); err != nil {
			return protocol.Frame{}, err
		}
	}
}

// roundTrip sends a request and waits for its response, retransmitting
// after a corrupted response. The caller holds the session lock.
func (s *Session) roundTrip(ctx context.Context, cmd protocol.Command, payload []byte) (protocol.Frame, error) {
	catalog := s.codec.Catalog()
	req, err := catalog.Request(cmd, payload)
	if err != nil {
		return protocol.Frame{}, err
	}
	layout, _ := catalog.Lookup(cmd)
	raw := req.Bytes()
	s.requests.Add(1)

	if !layout.Response {
		return protocol.Frame{}, s.write(raw)
	}

	attempts := s.cfg.Retries + 1
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			s.retries.Add(1)
			s.log.WithFields(logrus.Fields{
				"command": cmd,
				"attempt": attempt,
			}).Warn("corrupted response, retransmitting")
		}
		if err := s.write(raw); err != nil {
			return protocol.Frame{}, err
		}
		resp, err := s.await(ctx, cmd)
		if err == nil {
			if cmd == protocol.CmdWriteConfigContinuousTx || cmd == protocol.CmdWriteConfigUart {
				if _, err := s.store.ApplyWriteAck(resp); err != nil {
					return protocol.Frame{}, err
				}
			}
			return resp, nil
		}
		if !errors.Is(err, errCorrupted) {
			return protocol.Frame{}, err
		}
		// The rest of the failed exchange must not shadow the next answer.
		s.codec.Reset()
		last = err
	}
	return protocol.Frame{}, &protocol.ProtocolError{Command: cmd, Attempts: attempts, Err: last}
}

// Send issues one request and returns its validated response. Commands
// without a response return a zero Frame once written. Configuration
// writes update the store before Send returns.
func (s *Session) Send(ctx context.Context, cmd protocol.Command, payload []byte) (protocol.Frame, error) {
	if err := s.acquire(ctx); err != nil {
		return protocol.Frame{}, err
	}
	defer s.release()

	if s.store.Get().Mode() == protocol.ModeStreaming {
		return protocol.Frame{}, protocol.ErrStreamActive
	}
	return s.roundTrip(ctx, cmd, payload)
}

func (s *Session) stamp(sample *protocol.Sample) {
	sample.Seq = s.seq.Add(1)
	sample.HostTime = time.Now()
}

// Welcome checks the device greeting.
func (s *Session) Welcome(ctx context.Context) (string, error) {
	f, err := s.Send(ctx, protocol.CmdWelcome, nil)
	if err != nil {
		return "", err
	}
	banner, err := s.decoder.Load().Banner(f)
	if err != nil {
		return "", err
	}
	if banner != protocol.WelcomeBanner {
		return banner, protocol.NewDecodeError(f.Command, "unexpected banner %q", banner)
	}
	return banner, nil
}

// ReadDeviceID reads and caches the device identity. The firmware version
// selects the ReadConfig layout from then on.
func (s *Session) ReadDeviceID(ctx context.Context) (protocol.DeviceIdentity, error) {
	f, err := s.Send(ctx, protocol.CmdReadDeviceID, nil)
	if err != nil {
		return protocol.DeviceIdentity{}, err
	}
	id, err := s.decoder.Load().Identity(f)
	if err != nil {
		return protocol.DeviceIdentity{}, err
	}
	s.store.ApplyIdentity(id)
	s.mu.Lock()
	s.identity = &id
	s.mu.Unlock()
	return id, nil
}

// ReadConfig reads the device configuration and applies its ADC
// calibration offsets to the channel descriptors.
func (s *Session) ReadConfig(ctx context.Context) (protocol.DeviceConfig, error) {
	f, err := s.Send(ctx, protocol.CmdReadConfig, nil)
	if err != nil {
		return protocol.DeviceConfig{}, err
	}
	dc, err := s.decoder.Load().DeviceConfig(f)
	if err != nil {
		return protocol.DeviceConfig{}, err
	}
	s.store.ApplyDeviceConfig(dc)
	s.mu.Lock()
	s.adcDescs = parser.ADCDescriptors(s.names, &dc)
	s.mu.Unlock()
	return dc, nil
}

// ReadSensors reads the firmware-computed sensor readings. The sensor
// names it carries rename the channel descriptors.
func (s *Session) ReadSensors(ctx context.Context) (protocol.Sample, error) {
	f, err := s.Send(ctx, protocol.CmdReadSensors, nil)
	if err != nil {
		return protocol.Sample{}, err
	}
	d := s.decoder.Load()
	names, err := d.SensorNames(f)
	if err != nil {
		return protocol.Sample{}, err
	}

	s.mu.Lock()
	s.names = names
	s.readingDescs = parser.ReadingDescriptors(names)
	s.adcDescs = parser.ADCDescriptors(names, s.store.Get().Device)
	descs := s.readingDescs
	s.mu.Unlock()

	sample, err := d.Decode(f, descs)
	if err != nil {
		return protocol.Sample{}, err
	}
	s.stamp(&sample)
	return sample, nil
}

// ReadValues reads one calibrated sample of all ADC channels.
func (s *Session) ReadValues(ctx context.Context) (protocol.Sample, error) {
	f, err := s.Send(ctx, protocol.CmdReadValues, nil)
	if err != nil {
		return protocol.Sample{}, err
	}
	sample, err := s.decoder.Load().Decode(f, s.Descriptors())
	if err != nil {
		return protocol.Sample{}, err
	}
	s.stamp(&sample)
	return sample, nil
}

// ReadAdcBuffer reads the device's sample buffer in acquisition order.
func (s *Session) ReadAdcBuffer(ctx context.Context) ([]protocol.Sample, error) {
	f, err := s.Send(ctx, protocol.CmdReadAdcBuffer, nil)
	if err != nil {
		return nil, err
	}
	samples, err := s.decoder.Load().DecodeAll(f, s.Descriptors())
	if err != nil {
		return nil, err
	}
	for i := range samples {
		s.stamp(&samples[i])
	}
	return samples, nil
}

// SetUart changes the device link settings. Once the device acknowledged
// at the old speed, the host side follows if the transport supports it.
func (s *Session) SetUart(ctx context.Context, u protocol.UartConfig) (protocol.SessionConfig, error) {
	if !protocol.SupportedBaudRate(u.BaudRate) {
		return s.store.Get(), fmt.Errorf("%w: baud rate %d", protocol.ErrInvalidArgument, u.BaudRate)
	}
	f, err := s.Send(ctx, protocol.CmdWriteConfigUart, u.Payload())
	if err != nil {
		return s.store.Get(), err
	}
	cfg := s.store.Get()
	if setter, ok := s.transport.(BaudRateSetter); ok {
		if err := setter.SetBaudRate(int(cfg.Uart.BaudRate)); err != nil {
			return cfg, s.fail("set baud rate", err)
		}
	}
	s.log.WithFields(logrus.Fields{
		"baud_rate": cfg.Uart.BaudRate,
		"ack":       fmt.Sprintf("% X", f.Payload),
	}).Info("uart reconfigured")
	return cfg, nil
}

// EnableStreaming switches the device to continuous transmission and
// returns the receiver of the pushed samples. Streamed channels are
// calibrated with the cached descriptors unless WithDescriptors is given.
func (s *Session) EnableStreaming(ctx context.Context, ct protocol.ContTxConfig, opts ...StreamOption) (*StreamReceiver, error) {
	ct.Enabled = true
	if ct.ChannelMask == protocol.MaskNone {
		return nil, fmt.Errorf("%w: empty channel mask", protocol.ErrInvalidArgument)
	}
	if ct.TimestampBytes > protocol.TimestampFull {
		return nil, fmt.Errorf("%w: timestamp width %d", protocol.ErrInvalidArgument, ct.TimestampBytes)
	}

	scfg := defaultStreamConfig()
	for _, opt := range opts {
		opt(&scfg)
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	if s.store.Get().Mode() == protocol.ModeStreaming {
		return nil, protocol.ErrStreamActive
	}
	if _, err := s.roundTrip(ctx, protocol.CmdWriteConfigContinuousTx, ct.Payload()); err != nil {
		return nil, err
	}

	acked := s.store.Get().ContTx
	descs := scfg.Descriptors
	if descs == nil {
		descs = parser.FilterByMask(s.Descriptors(), acked.ChannelMask)
	}

	r := newStreamReceiver(s, descs, scfg)
	s.mu.Lock()
	s.receiver = r
	s.mu.Unlock()
	r.start()

	s.log.WithFields(logrus.Fields{
		"channel_mask":    fmt.Sprintf("0x%02X", acked.ChannelMask),
		"timestamp_bytes": acked.TimestampBytes,
	}).Info("continuous transmission enabled")
	return r, nil
}

// DisableStreaming returns the device to polling. The receiver returned
// by EnableStreaming must be stopped first.
func (s *Session) DisableStreaming(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if s.streamRunning() {
		return protocol.ErrStreamActive
	}
	ct := s.store.Get().ContTx
	ct.Enabled = false
	if _, err := s.roundTrip(ctx, protocol.CmdWriteConfigContinuousTx, ct.Payload()); err != nil {
		return err
	}

	s.mu.Lock()
	s.receiver = nil
	s.mu.Unlock()
	s.log.Info("continuous transmission disabled")
	return nil
}

// ResetDevice restarts the device. Cached identity and calibration are
// dropped; call Init again before relying on them.
func (s *Session) ResetDevice(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if s.streamRunning() {
		return protocol.ErrStreamActive
	}
	if _, err := s.roundTrip(ctx, protocol.CmdResetDevice, nil); err != nil {
		return err
	}
	s.codec.Reset()
	s.store.Reset()

	s.mu.Lock()
	s.receiver = nil
	s.identity = nil
	s.names = protocol.DefaultSensorNames
	s.adcDescs = parser.ADCDescriptors(s.names, nil)
	s.readingDescs = parser.ReadingDescriptors(s.names)
	s.mu.Unlock()
	return nil
}

// Prime stops any continuous transmission left over from an earlier
// session and flushes pending input, without waiting for an answer.
func (s *Session) Prime(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if s.streamRunning() {
		return protocol.ErrStreamActive
	}
	off := protocol.ContTxConfig{ChannelMask: protocol.MaskAll}
	if err := s.write(protocol.NewFrame(protocol.CmdWriteConfigContinuousTx, off.Payload()).Bytes()); err != nil {
		return err
	}
	if err := s.drain(ctx); err != nil {
		return err
	}
	s.codec.Reset()
	return nil
}

// drain reads until the link has been quiet for DrainQuiet, or until
// DrainTimeout elapsed.
func (s *Session) drain(ctx context.Context) error {
	start := time.Now()
	quietSince := start
	drained := 0
	for time.Since(quietSince) < s.cfg.DrainQuiet {
		if time.Since(start) > s.cfg.DrainTimeout {
			s.log.Warnf("input still busy after %v, continuing", s.cfg.DrainTimeout)
			break
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		n, err := s.transport.Read(s.readBuf)
		if err != nil {
			return s.fail("read", err)
		}
		if n > 0 {
			drained += n
			quietSince = time.Now()
		}
	}
	if drained > 0 {
		s.log.Debugf("drained %d stale bytes", drained)
	}
	return nil
}

// Init brings the session to a known state: it primes the link, checks the
// greeting and caches identity, configuration and sensor names.
func (s *Session) Init(ctx context.Context) error {
	if err := s.Prime(ctx); err != nil {
		return fmt.Errorf("prime: %w", err)
	}
	if _, err := s.Welcome(ctx); err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	id, err := s.ReadDeviceID(ctx)
	if err != nil {
		return fmt.Errorf("read device id: %w", err)
	}
	if _, err := s.ReadConfig(ctx); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if _, err := s.ReadSensors(ctx); err != nil {
		return fmt.Errorf("read sensors: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"device":   id.String(),
		"channels": len(s.Descriptors()),
	}).Info("device initialized")
	return nil
}

// Close cancels pending operations, stops an active stream and closes the
// transport.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.transport.Close()

		s.mu.Lock()
		r := s.receiver
		s.mu.Unlock()
		if r != nil {
			r.Stop()
		}
	})
	return err
}

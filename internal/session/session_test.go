package session

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lorenzgillner/pmd-usb-logger/internal/simulator"
	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
)

// mockTransport delivers scripted chunks and records writes.
type mockTransport struct {
	mu     sync.Mutex
	writes [][]byte
	rx     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{rx: make(chan []byte, 16), closed: make(chan struct{})}
}

func (m *mockTransport) Read(p []byte) (int, error) {
	select {
	case b := <-m.rx:
		return copy(p, b), nil
	case <-m.closed:
		return 0, io.ErrClosedPipe
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

func (m *mockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (m *mockTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockTransport) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func newSimSession(t *testing.T, opts simulator.Options, sopts ...Option) (*Session, *simulator.Device) {
	t.Helper()
	dev := simulator.New(opts)
	sopts = append([]Option{WithDrain(20*time.Millisecond, 500*time.Millisecond)}, sopts...)
	s := New(dev, sopts...)
	t.Cleanup(func() { s.Close() })
	return s, dev
}

func countRequests(dev *simulator.Device, cmd protocol.Command) int {
	n := 0
	for _, c := range dev.Requests() {
		if c == cmd {
			n++
		}
	}
	return n
}

func TestInit(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.Names = [protocol.SensorCount]string{"GPU", "CPU", "EPS1", "EPS2"}
	opts.Config.AdcOffset[0] = 2
	s, dev := newSimSession(t, opts)

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	id, err := s.Identity()
	if err != nil || id != opts.Identity {
		t.Errorf("Identity() = %+v, %v; want %+v", id, err, opts.Identity)
	}

	descs := s.Descriptors()
	if len(descs) != protocol.AdcChannelCount {
		t.Fatalf("len(Descriptors()) = %d", len(descs))
	}
	if descs[0].Name != "GPU_V" || descs[3].Name != "CPU_I" {
		t.Errorf("descriptor names = %s, %s", descs[0].Name, descs[3].Name)
	}
	if descs[0].Offset != 2*protocol.VoltageScale {
		t.Errorf("calibration offset = %v, want %v", descs[0].Offset, 2*protocol.VoltageScale)
	}

	cfg := s.Config()
	if cfg.Firmware != 6 || cfg.Device == nil || !cfg.Device.HasGainOffset {
		t.Errorf("Config() = %+v", cfg)
	}

	want := []protocol.Command{
		protocol.CmdWriteConfigContinuousTx,
		protocol.CmdWelcome,
		protocol.CmdReadDeviceID,
		protocol.CmdReadConfig,
		protocol.CmdReadSensors,
	}
	got := dev.Requests()
	if len(got) != len(want) {
		t.Fatalf("requests = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("requests = %v, want %v", got, want)
		}
	}
}

func TestReadValues(t *testing.T) {
	opts := simulator.DefaultOptions()
	s, dev := newSimSession(t, opts)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	sample, err := s.ReadValues(ctx)
	if err != nil {
		t.Fatalf("ReadValues() error = %v", err)
	}
	if len(sample.Values) != protocol.AdcChannelCount {
		t.Fatalf("len(Values) = %d", len(sample.Values))
	}
	want := float64(opts.Raw[0]) * protocol.VoltageScale
	if math.Abs(sample.Values[0]-want) > 1e-9 {
		t.Errorf("channel 0 = %v, want %v", sample.Values[0], want)
	}
	want = float64(opts.Raw[5]) * protocol.CurrentScale
	if math.Abs(sample.Values[5]-want) > 1e-9 {
		t.Errorf("channel 5 = %v, want %v", sample.Values[5], want)
	}
	if sample.Seq == 0 || sample.HostTime.IsZero() {
		t.Errorf("sample not stamped: %+v", sample)
	}

	dev.SetRaw(0, 2000)
	next, err := s.ReadValues(ctx)
	if err != nil {
		t.Fatalf("second ReadValues() error = %v", err)
	}
	want = 2000 * protocol.VoltageScale
	if math.Abs(next.Values[0]-want) > 1e-9 {
		t.Errorf("channel 0 after SetRaw = %v, want %v", next.Values[0], want)
	}
	if next.Seq <= sample.Seq {
		t.Errorf("sequence went from %d to %d", sample.Seq, next.Seq)
	}
}

func TestReadSensors(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultOptions())
	sample, err := s.ReadSensors(context.Background())
	if err != nil {
		t.Fatalf("ReadSensors() error = %v", err)
	}
	if len(sample.Values) != 12 {
		t.Fatalf("len(Values) = %d, want 12", len(sample.Values))
	}
	// 1585 * 0.007568 V in hundredths
	if sample.Values[0] != 12.0 {
		t.Errorf("PCIE1 voltage = %v, want 12", sample.Values[0])
	}
	if descs := s.ReadingDescriptors(); descs[2].Name != "PCIE1_P" {
		t.Errorf("ReadingDescriptors()[2] = %+v", descs[2])
	}
}

func TestReadAdcBuffer(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultOptions())
	samples, err := s.ReadAdcBuffer(context.Background())
	if err != nil {
		t.Fatalf("ReadAdcBuffer() error = %v", err)
	}
	if len(samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Seq <= samples[i-1].Seq {
			t.Fatalf("sequence not increasing: %d then %d", samples[i-1].Seq, samples[i].Seq)
		}
	}
}

func TestSendTimeout(t *testing.T) {
	s, dev := newSimSession(t, simulator.DefaultOptions(), WithRequestTimeout(50*time.Millisecond))
	dev.SetSilent(true)

	_, err := s.ReadDeviceID(context.Background())
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("ReadDeviceID() error = %v, want ErrTimeout", err)
	}
	if s.Stats().Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", s.Stats().Timeouts)
	}
}

func TestRetransmitAfterCorruption(t *testing.T) {
	s, dev := newSimSession(t, simulator.DefaultOptions())
	dev.CorruptNext(1)

	id, err := s.ReadDeviceID(context.Background())
	if err != nil {
		t.Fatalf("ReadDeviceID() error = %v", err)
	}
	if id.Firmware != 6 {
		t.Errorf("Firmware = %d, want 6", id.Firmware)
	}
	if st := s.Stats(); st.Retries != 1 || st.Corrupted != 1 {
		t.Errorf("Stats() = %+v, want one retry for one corrupted frame", st)
	}
	if n := countRequests(dev, protocol.CmdReadDeviceID); n != 2 {
		t.Errorf("device saw %d ReadDeviceId requests, want 2", n)
	}
}

func TestGarbageAheadOfResponse(t *testing.T) {
	opts := simulator.DefaultOptions()
	s, dev := newSimSession(t, opts)

	// 0x02 announces a 50 byte sensor frame that never comes.
	dev.InjectGarbage([]byte{byte(protocol.CmdReadSensors)})

	id, err := s.ReadDeviceID(context.Background())
	if err != nil {
		t.Fatalf("ReadDeviceID() error = %v", err)
	}
	if id != opts.Identity {
		t.Errorf("ReadDeviceID() = %+v, want %+v", id, opts.Identity)
	}
	if st := s.Stats(); st.Timeouts != 0 || st.Retries != 0 || st.Unknown != 1 {
		t.Errorf("Stats() = %+v, want one skipped byte and no timeout", st)
	}
	if n := countRequests(dev, protocol.CmdReadDeviceID); n != 1 {
		t.Errorf("device saw %d ReadDeviceId requests, want 1", n)
	}
}

func TestProtocolErrorAfterRetry(t *testing.T) {
	s, dev := newSimSession(t, simulator.DefaultOptions())
	dev.CorruptNext(2)

	_, err := s.Welcome(context.Background())
	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Welcome() error = %v, want ProtocolError", err)
	}
	if pe.Command != protocol.CmdWelcome || pe.Attempts != 2 {
		t.Errorf("ProtocolError = %+v", pe)
	}
}

func TestRequestsAreSerialized(t *testing.T) {
	m := newMockTransport()
	s := New(m, WithRequestTimeout(2*time.Second))
	defer s.Close()
	ctx := context.Background()

	resA := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, protocol.CmdReadDeviceID, nil)
		resA <- err
	}()
	waitFor(t, func() bool { return m.writeCount() == 1 })

	resB := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, protocol.CmdWelcome, nil)
		resB <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if m.writeCount() != 1 {
		t.Fatal("second request written while the first was in flight")
	}

	// An unrelated frame ahead of the answer is discarded.
	m.rx <- protocol.NewFrame(protocol.CmdWelcome, []byte(protocol.WelcomeBanner)).Bytes()
	m.rx <- protocol.NewFrame(protocol.CmdReadDeviceID, []byte{1, 2, 3, 4}).Bytes()
	if err := <-resA; err != nil {
		t.Fatalf("first Send() error = %v", err)
	}

	waitFor(t, func() bool { return m.writeCount() == 2 })
	m.rx <- protocol.NewFrame(protocol.CmdWelcome, []byte(protocol.WelcomeBanner)).Bytes()
	if err := <-resB; err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
}

func TestCloseCancelsPendingRequest(t *testing.T) {
	s, dev := newSimSession(t, simulator.DefaultOptions(), WithRequestTimeout(5*time.Second))
	dev.SetSilent(true)

	res := make(chan error, 1)
	go func() {
		_, err := s.ReadDeviceID(context.Background())
		res <- err
	}()
	time.Sleep(30 * time.Millisecond)
	s.Close()

	select {
	case err := <-res:
		if !errors.Is(err, protocol.ErrCancelled) {
			t.Errorf("ReadDeviceID() error = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not cancelled by Close")
	}

	if _, err := s.Welcome(context.Background()); !errors.Is(err, protocol.ErrCancelled) {
		t.Errorf("Welcome() after Close error = %v, want ErrCancelled", err)
	}
}

func TestContextCancel(t *testing.T) {
	s, dev := newSimSession(t, simulator.DefaultOptions(), WithRequestTimeout(5*time.Second))
	dev.SetSilent(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.ReadValues(ctx)
	if !errors.Is(err, protocol.ErrCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadValues() error = %v, want ErrCancelled wrapping the context error", err)
	}
}

func TestTransportFailureIsFatal(t *testing.T) {
	s, dev := newSimSession(t, simulator.DefaultOptions())
	dev.Fail(errors.New("unplugged"))

	_, err := s.ReadDeviceID(context.Background())
	if !protocol.IsIoError(err) {
		t.Fatalf("ReadDeviceID() error = %v, want IoError", err)
	}
	_, err = s.Welcome(context.Background())
	if !protocol.IsIoError(err) {
		t.Errorf("Welcome() after failure error = %v, want IoError", err)
	}
}

func TestSetUart(t *testing.T) {
	s, dev := newSimSession(t, simulator.DefaultOptions())
	ctx := context.Background()

	fast := protocol.DefaultUartConfig()
	fast.BaudRate = 460800
	cfg, err := s.SetUart(ctx, fast)
	if err != nil {
		t.Fatalf("SetUart() error = %v", err)
	}
	if cfg.Uart.BaudRate != 460800 || s.Config().Uart.BaudRate != 460800 {
		t.Errorf("store baud = %d", s.Config().Uart.BaudRate)
	}
	if dev.Uart().BaudRate != 460800 || dev.HostBaudRate() != 460800 {
		t.Errorf("device baud = %d, host baud = %d", dev.Uart().BaudRate, dev.HostBaudRate())
	}

	fast.BaudRate = 9600
	if _, err := s.SetUart(ctx, fast); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Errorf("SetUart(9600) error = %v, want ErrInvalidArgument", err)
	}
}

func TestResetDevice(t *testing.T) {
	s, dev := newSimSession(t, simulator.DefaultOptions())
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if err := s.ResetDevice(ctx); err != nil {
		t.Fatalf("ResetDevice() error = %v", err)
	}
	if _, err := s.Identity(); !errors.Is(err, protocol.ErrNotInitialized) {
		t.Errorf("Identity() after reset error = %v, want ErrNotInitialized", err)
	}
	if countRequests(dev, protocol.CmdResetDevice) != 1 {
		t.Error("reset request not seen by the device")
	}
}

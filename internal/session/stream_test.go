package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorenzgillner/pmd-usb-logger/internal/simulator"
	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
)

func unitDescriptors(n int) []protocol.SensorDescriptor {
	descs := make([]protocol.SensorDescriptor, n)
	for i := range descs {
		descs[i] = protocol.SensorDescriptor{Channel: i, Scale: 1}
	}
	return descs
}

func nextWithin(t *testing.T, r *StreamReceiver, d time.Duration) (protocol.Sample, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.Next(ctx)
}

func TestStreamDeliversEverySample(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.Raw[0], opts.Raw[1] = 10, 20
	opts.StreamLimit = 100
	s, dev := newSimSession(t, opts)
	ctx := context.Background()

	r, err := s.EnableStreaming(ctx, protocol.ContTxConfig{ChannelMask: 0x03},
		WithDescriptors(unitDescriptors(2)), WithWatchdog(0))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	if s.Config().Mode() != protocol.ModeStreaming {
		t.Fatal("store not in streaming mode after the ack")
	}

	var last uint64
	for i := 0; i < 100; i++ {
		sample, err := nextWithin(t, r, 2*time.Second)
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if sample.Values[0] != 10 || sample.Values[1] != 20 {
			t.Fatalf("sample %d = %v, want {0:10 1:20}", i, sample.Values)
		}
		if sample.Seq <= last {
			t.Fatalf("sequence went from %d to %d", last, sample.Seq)
		}
		last = sample.Seq
	}

	r.Stop()
	if err := s.DisableStreaming(ctx); err != nil {
		t.Fatalf("DisableStreaming() error = %v", err)
	}
	if dev.ContTx().Enabled || s.Config().Mode() != protocol.ModePolling {
		t.Error("continuous transmission still enabled")
	}
	if _, err := s.ReadValues(ctx); err != nil {
		t.Errorf("ReadValues() after streaming error = %v", err)
	}
}

func TestRequestsRejectedWhileStreaming(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.StreamLimit = 5
	s, _ := newSimSession(t, opts)
	ctx := context.Background()

	r, err := s.EnableStreaming(ctx, protocol.ContTxConfig{ChannelMask: protocol.MaskAll}, WithWatchdog(0))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}

	if _, err := s.ReadValues(ctx); !errors.Is(err, protocol.ErrStreamActive) {
		t.Errorf("ReadValues() error = %v, want ErrStreamActive", err)
	}
	if _, err := s.EnableStreaming(ctx, protocol.ContTxConfig{ChannelMask: 0x01}); !errors.Is(err, protocol.ErrStreamActive) {
		t.Errorf("second EnableStreaming() error = %v, want ErrStreamActive", err)
	}
	if err := s.DisableStreaming(ctx); !errors.Is(err, protocol.ErrStreamActive) {
		t.Errorf("DisableStreaming() with a running receiver error = %v, want ErrStreamActive", err)
	}

	r.Stop()
	if err := s.DisableStreaming(ctx); err != nil {
		t.Fatalf("DisableStreaming() error = %v", err)
	}
	if _, err := s.ReadValues(ctx); err != nil {
		t.Errorf("ReadValues() error = %v", err)
	}
}

func TestEnableStreamingValidation(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultOptions())
	ctx := context.Background()

	if _, err := s.EnableStreaming(ctx, protocol.ContTxConfig{ChannelMask: protocol.MaskNone}); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Errorf("empty mask error = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.EnableStreaming(ctx, protocol.ContTxConfig{ChannelMask: 0x01, TimestampBytes: 5}); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Errorf("timestamp width 5 error = %v, want ErrInvalidArgument", err)
	}
}

func TestStreamDropOldest(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.StreamLimit = 50
	s, _ := newSimSession(t, opts)

	r, err := s.EnableStreaming(context.Background(), protocol.ContTxConfig{ChannelMask: 0x01},
		WithBufferSize(10), WithOverflow(OverflowDropOldest), WithWatchdog(0))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	defer r.Stop()

	waitFor(t, func() bool { return r.Stats().Received == 50 })
	st := r.Stats()
	if st.Dropped != 40 || st.Buffered != 10 {
		t.Fatalf("Stats() = %+v, want 40 dropped and 10 buffered", st)
	}

	for i := 0; i < 10; i++ {
		sample, err := nextWithin(t, r, time.Second)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if sample.Seq != uint64(41+i) {
			t.Errorf("sample %d has seq %d, want %d", i, sample.Seq, 41+i)
		}
	}
}

func TestStreamBlockPolicy(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.StreamLimit = 20
	s, _ := newSimSession(t, opts)

	r, err := s.EnableStreaming(context.Background(), protocol.ContTxConfig{ChannelMask: 0x01},
		WithBufferSize(5), WithOverflow(OverflowBlock), WithWatchdog(0))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	defer r.Stop()

	waitFor(t, func() bool { return r.Stats().Buffered == 5 })
	for i := 0; i < 20; i++ {
		if _, err := nextWithin(t, r, 2*time.Second); err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
	}
	if st := r.Stats(); st.Dropped != 0 || st.Received != 20 {
		t.Errorf("Stats() = %+v, want 20 received without drops", st)
	}
}

func TestStreamWatchdog(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.StreamLimit = 3
	s, _ := newSimSession(t, opts)

	r, err := s.EnableStreaming(context.Background(), protocol.ContTxConfig{ChannelMask: 0x01},
		WithWatchdog(50*time.Millisecond))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	defer r.Stop()

	for i := 0; i < 3; i++ {
		if _, err := nextWithin(t, r, time.Second); err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
	}
	if _, err := nextWithin(t, r, 2*time.Second); !errors.Is(err, protocol.ErrStreamStalled) {
		t.Fatalf("Next() on a silent stream error = %v, want ErrStreamStalled", err)
	}
	if r.Stats().Stalls != 1 {
		t.Errorf("Stalls = %d, want 1", r.Stats().Stalls)
	}
	if _, err := nextWithin(t, r, 150*time.Millisecond); !errors.Is(err, protocol.ErrCancelled) {
		t.Errorf("Next() in the same stall error = %v, want ErrCancelled", err)
	}
	if r.Err() != nil {
		t.Errorf("stall terminated the stream: %v", r.Err())
	}
}

func TestStreamTimestamps(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.StreamLimit = 3
	s, _ := newSimSession(t, opts)

	r, err := s.EnableStreaming(context.Background(),
		protocol.ContTxConfig{ChannelMask: 0x01, TimestampBytes: protocol.TimestampFull}, WithWatchdog(0))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	defer r.Stop()

	if descs := r.Descriptors(); len(descs) != 1 || descs[0].Name != "PCIE1_V" {
		t.Fatalf("Descriptors() = %+v", descs)
	}
	for i := 0; i < 3; i++ {
		sample, err := nextWithin(t, r, time.Second)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if !sample.HasDeviceTime || sample.DeviceTicks != uint32(i*3000) {
			t.Errorf("sample %d ticks = %d (%v)", i, sample.DeviceTicks, sample.HasDeviceTime)
		}
	}
}

func TestStreamTransportFailure(t *testing.T) {
	s, dev := newSimSession(t, simulator.DefaultOptions())
	ctx := context.Background()

	r, err := s.EnableStreaming(ctx, protocol.ContTxConfig{ChannelMask: 0x01}, WithBufferSize(8), WithWatchdog(0))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	if _, err := nextWithin(t, r, time.Second); err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	dev.Fail(errors.New("unplugged"))
	var streamErr error
	for i := 0; i < 100 && streamErr == nil; i++ {
		_, streamErr = nextWithin(t, r, time.Second)
	}
	if !protocol.IsIoError(streamErr) {
		t.Fatalf("stream ended with %v, want IoError", streamErr)
	}
	<-r.Done()
	if _, err := s.ReadValues(ctx); !protocol.IsIoError(err) {
		t.Errorf("ReadValues() after failure error = %v, want IoError", err)
	}
}

func TestStopEndsStream(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultOptions())

	r, err := s.EnableStreaming(context.Background(), protocol.ContTxConfig{ChannelMask: 0x01}, WithBufferSize(16), WithWatchdog(0))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	if _, err := nextWithin(t, r, time.Second); err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	r.Stop()
	r.Stop()
	var endErr error
	for i := 0; i < 100 && endErr == nil; i++ {
		_, endErr = nextWithin(t, r, time.Second)
	}
	if !errors.Is(endErr, protocol.ErrCancelled) {
		t.Errorf("Next() after Stop error = %v, want ErrCancelled", endErr)
	}
}

func TestCloseStopsStream(t *testing.T) {
	s, _ := newSimSession(t, simulator.DefaultOptions())

	r, err := s.EnableStreaming(context.Background(), protocol.ContTxConfig{ChannelMask: 0x01}, WithWatchdog(0))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	s.Close()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receiver still running after Close")
	}
	if !errors.Is(r.Err(), protocol.ErrCancelled) {
		t.Errorf("Err() = %v, want ErrCancelled", r.Err())
	}
}

func TestStreamSurvivesCorruptedFrame(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.Raw[0], opts.Raw[1] = 10, 20
	opts.StreamInterval = 5 * time.Millisecond
	opts.StreamLimit = 20
	s, dev := newSimSession(t, opts)

	r, err := s.EnableStreaming(context.Background(), protocol.ContTxConfig{ChannelMask: 0x03},
		WithDescriptors(unitDescriptors(2)), WithWatchdog(0))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	defer r.Stop()
	before := s.Stats().Corrupted
	dev.CorruptNext(1)

	for i := 0; i < 19; i++ {
		sample, err := nextWithin(t, r, 2*time.Second)
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if sample.Values[0] != 10 || sample.Values[1] != 20 {
			t.Fatalf("sample %d = %v, want {0:10 1:20}", i, sample.Values)
		}
	}
	waitFor(t, func() bool { return dev.Streamed() == 20 && s.Stats().Corrupted > before })
	time.Sleep(30 * time.Millisecond)

	if got := s.Stats().Corrupted - before; got != 1 {
		t.Errorf("corruptions = %d, want 1", got)
	}
	if st := r.Stats(); st.Received != 19 {
		t.Errorf("Received = %d, want 19", st.Received)
	}
	if r.Err() != nil {
		t.Errorf("corrupted frame terminated the stream: %v", r.Err())
	}
}

func TestStreamSkipsGarbage(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.Raw[0], opts.Raw[1] = 10, 20
	opts.StreamInterval = 5 * time.Millisecond
	opts.StreamLimit = 20
	s, dev := newSimSession(t, opts)

	r, err := s.EnableStreaming(context.Background(), protocol.ContTxConfig{ChannelMask: 0x03},
		WithDescriptors(unitDescriptors(2)), WithWatchdog(0))
	if err != nil {
		t.Fatalf("EnableStreaming() error = %v", err)
	}
	defer r.Stop()
	before := s.Stats()

	// Codes of long and count-prefixed responses, which a streaming
	// device never sends.
	garbage := []byte{0x00, 0x02, 0x04, 0x06, 0x08, 0xF0, 0xFF}
	dev.InjectGarbage(garbage)

	for i := 0; i < 20; i++ {
		sample, err := nextWithin(t, r, 2*time.Second)
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if sample.Values[0] != 10 || sample.Values[1] != 20 {
			t.Fatalf("sample %d = %v, want {0:10 1:20}", i, sample.Values)
		}
	}

	st := s.Stats()
	if got := st.Unknown - before.Unknown; got != uint64(len(garbage)) {
		t.Errorf("skipped %d bytes, want %d", got, len(garbage))
	}
	if st.Corrupted != before.Corrupted {
		t.Errorf("garbage counted as %d corruptions", st.Corrupted-before.Corrupted)
	}
}

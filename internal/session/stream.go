package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// ReceiverStats are the running counters of a StreamReceiver.
type ReceiverStats struct {
	Received     uint64
	Dropped      uint64
	DecodeErrors uint64
	Stalls       uint64
	Buffered     int
}

// StreamReceiver delivers the samples pushed by a device in continuous
// transmission mode. A single goroutine reads the transport into a
// bounded buffer; Next hands samples out in arrival order. A receiver runs
// once: after Stop, a new one must be obtained from the session.
type StreamReceiver struct {
	session *Session
	descs   []protocol.SensorDescriptor
	cfg     StreamConfig
	log     *logrus.Logger

	mu           sync.Mutex
	ring         []protocol.Sample
	head, count  int
	err          error
	decodeErr    error
	stallPending bool

	notify chan struct{}
	space  chan struct{}
	quit   chan struct{}
	done   chan struct{}

	running  atomic.Bool
	stopOnce sync.Once

	received     atomic.Uint64
	dropped      atomic.Uint64
	decodeErrors atomic.Uint64
	stalls       atomic.Uint64
}

func newStreamReceiver(s *Session, descs []protocol.SensorDescriptor, cfg StreamConfig) *StreamReceiver {
	return &StreamReceiver{
		session: s,
		descs:   descs,
		cfg:     cfg,
		log:     s.log,
		ring:    make([]protocol.Sample, cfg.BufferSize),
		notify:  make(chan struct{}, 1),
		space:   make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Descriptors returns the calibration applied to streamed channels.
func (r *StreamReceiver) Descriptors() []protocol.SensorDescriptor {
	return append([]protocol.SensorDescriptor(nil), r.descs...)
}

func (r *StreamReceiver) start() {
	r.running.Store(true)
	go r.run()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *StreamReceiver) run() {
	defer close(r.done)
	defer r.running.Store(false)

	s := r.session
	buf := make([]byte, s.cfg.ReadSize)
	last := time.Now()
	stalled := false

	for {
		select {
		case <-r.quit:
			r.finish(protocol.ErrCancelled)
			return
		default:
		}

		for {
			f, ok := s.codec.Next()
			if !ok {
				break
			}
			last = time.Now()
			stalled = false
			if !r.handle(f) {
				r.finish(protocol.ErrCancelled)
				return
			}
		}

		if r.cfg.Watchdog > 0 && !stalled && time.Since(last) > r.cfg.Watchdog {
			stalled = true
			r.stalls.Add(1)
			r.log.Warnf("no stream frame for %v", r.cfg.Watchdog)
			r.mu.Lock()
			r.stallPending = true
			r.mu.Unlock()
			signal(r.notify)
		}

		n, err := s.transport.Read(buf)
		if n > 0 {
			s.codec.Feed(buf[:n])
		}
		if err != nil {
			r.finish(s.fail("read", err))
			return
		}
		if n == 0 {
			s.codec.Flush()
		}
	}
}

// handle decodes one frame and buffers the sample. It reports false if
// the receiver was stopped while waiting for buffer space.
func (r *StreamReceiver) handle(f protocol.Frame) bool {
	if f.Command != protocol.CmdReadValues {
		r.log.Debugf("ignoring %s frame in stream", f.Command)
		return true
	}
	sample, err := r.session.decoder.Load().Decode(f, r.descs)
	if err != nil {
		r.decodeErrors.Add(1)
		r.mu.Lock()
		if r.decodeErr == nil {
			r.decodeErr = err
		}
		r.mu.Unlock()
		signal(r.notify)
		return true
	}
	r.session.stamp(&sample)
	r.received.Add(1)
	return r.push(sample)
}

func (r *StreamReceiver) push(sample protocol.Sample) bool {
	r.mu.Lock()
	for r.count == len(r.ring) {
		if r.cfg.Overflow == OverflowDropOldest {
			r.head = (r.head + 1) % len(r.ring)
			r.count--
			r.dropped.Add(1)
			break
		}
		r.mu.Unlock()
		select {
		case <-r.space:
		case <-r.quit:
			return false
		}
		r.mu.Lock()
	}
	r.ring[(r.head+r.count)%len(r.ring)] = sample
	r.count++
	r.mu.Unlock()
	signal(r.notify)
	return true
}

func (r *StreamReceiver) finish(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	signal(r.notify)
}

// Next returns the next sample. It returns ErrStreamStalled once per
// silent period longer than the watchdog interval; the stream continues
// afterwards. Decode errors are returned as they occur. After the stream
// ended, buffered samples are still delivered before its terminal error.
func (r *StreamReceiver) Next(ctx context.Context) (protocol.Sample, error) {
	for {
		r.mu.Lock()
		if r.count > 0 {
			sample := r.ring[r.head]
			r.ring[r.head] = protocol.Sample{}
			r.head = (r.head + 1) % len(r.ring)
			r.count--
			r.mu.Unlock()
			signal(r.space)
			return sample, nil
		}
		if err := r.decodeErr; err != nil {
			r.decodeErr = nil
			r.mu.Unlock()
			return protocol.Sample{}, err
		}
		if r.stallPending {
			r.stallPending = false
			r.mu.Unlock()
			return protocol.Sample{}, protocol.ErrStreamStalled
		}
		if err := r.err; err != nil {
			r.mu.Unlock()
			return protocol.Sample{}, err
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-ctx.Done():
			return protocol.Sample{}, cancelled(ctx)
		}
	}
}

// Stop ends the reader goroutine and waits for it. The device keeps
// transmitting until the session disables continuous transmission.
func (r *StreamReceiver) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		<-r.done
	})
}

// Done is closed when the reader goroutine has exited.
func (r *StreamReceiver) Done() <-chan struct{} {
	return r.done
}

// Err returns the terminal error, or nil while the stream runs.
func (r *StreamReceiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stats returns a snapshot of the receiver counters.
func (r *StreamReceiver) Stats() ReceiverStats {
	r.mu.Lock()
	buffered := r.count
	r.mu.Unlock()
	return ReceiverStats{
		Received:     r.received.Load(),
		Dropped:      r.dropped.Load(),
		DecodeErrors: r.decodeErrors.Load(),
		Stalls:       r.stalls.Load(),
		Buffered:     buffered,
	}
}

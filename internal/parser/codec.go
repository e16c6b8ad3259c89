package parser

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// CodecStats are the running counters of a Codec.
type CodecStats struct {
	Frames uint64
	// Corrupted counts resync episodes started by a checksum mismatch,
	// not the misaligned candidates rejected while resyncing.
	Corrupted uint64
	// Unknown counts bytes discarded outside any frame.
	Unknown  uint64
	Buffered int
}

// Codec splits a raw byte stream into validated frames.
//
// Bytes are accumulated with Feed and frames are pulled with Next. A frame
// whose checksum does not match, or whose first byte is not a known
// response code, costs exactly one byte: the codec advances past the first
// byte and scans again, so a valid frame following garbage is recovered.
//
// A candidate that claims more bytes than have arrived holds the buffer
// until they do. When the link goes idle instead, the reader calls Flush
// to give up on that candidate.
type Codec struct {
	mu        sync.Mutex
	catalog   *protocol.Catalog
	buf       []byte
	log       *logrus.Logger
	resyncing bool

	frames    atomic.Uint64
	corrupted atomic.Uint64
	unknown   atomic.Uint64
}

// NewCodec creates a codec using the given catalog to size frames.
func NewCodec(catalog *protocol.Catalog, log *logrus.Logger) *Codec {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Codec{catalog: catalog, log: log}
}

// Feed appends received bytes.
func (c *Codec) Feed(p []byte) {
	c.mu.Lock()
	if len(c.buf) == 0 {
		c.buf = nil
	}
	c.buf = append(c.buf, p...)
	c.mu.Unlock()
}

// Next returns the next complete frame. It reports false when the
// retained bytes do not hold a complete frame yet.
func (c *Codec) Next() (protocol.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.buf) > 0 {
		cmd := protocol.Command(c.buf[0])
		layout, ok := c.catalog.Lookup(cmd)
		if !ok || !layout.Response {
			c.unknown.Add(1)
			c.log.Debugf("skipping byte 0x%02X: no response layout", c.buf[0])
			c.buf = c.buf[1:]
			continue
		}

		n, ok := layout.FrameLength(c.buf)
		if !ok || len(c.buf) < n {
			return protocol.Frame{}, false
		}

		raw := c.buf[:n]
		if !protocol.ValidateChecksum(raw) {
			if !c.resyncing {
				c.resyncing = true
				c.corrupted.Add(1)
				c.log.WithFields(logrus.Fields{
					"command": cmd,
					"length":  n,
				}).Debug("checksum mismatch, resyncing")
			}
			c.buf = c.buf[1:]
			continue
		}

		frame := protocol.Frame{
			Command:  cmd,
			Payload:  append([]byte(nil), raw[1:n-1]...),
			Checksum: raw[n-1],
		}
		c.buf = c.buf[n:]
		c.resyncing = false
		c.frames.Add(1)
		return frame, true
	}
	return protocol.Frame{}, false
}

// Flush drops the first byte of a candidate that is still waiting for
// more bytes, so the next call to Next scans past it. Readers call it
// when the link went idle. It reports whether a byte was dropped.
func (c *Codec) Flush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return false
	}
	c.log.Debugf("link idle, dropping 0x%02X ahead of %d buffered bytes", c.buf[0], len(c.buf)-1)
	c.unknown.Add(1)
	c.buf = c.buf[1:]
	return true
}

// Decode feeds p and returns every frame completed by it.
func (c *Codec) Decode(p []byte) []protocol.Frame {
	c.Feed(p)
	var frames []protocol.Frame
	for {
		f, ok := c.Next()
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

// SetCatalog switches the catalog used for frames not yet returned.
// Buffered bytes are kept.
func (c *Codec) SetCatalog(catalog *protocol.Catalog) {
	c.mu.Lock()
	c.catalog = catalog
	c.mu.Unlock()
}

// Catalog returns the catalog in use.
func (c *Codec) Catalog() *protocol.Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog
}

// Reset discards buffered bytes and ends a pending resync.
func (c *Codec) Reset() {
	c.mu.Lock()
	c.buf = nil
	c.resyncing = false
	c.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *Codec) Stats() CodecStats {
	c.mu.Lock()
	buffered := len(c.buf)
	c.mu.Unlock()
	return CodecStats{
		Frames:    c.frames.Load(),
		Corrupted: c.corrupted.Load(),
		Unknown:   c.unknown.Load(),
		Buffered:  buffered,
	}
}

package session

import (
	"time"

	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Config holds the session configuration.
type Config struct {
	// RequestTimeout bounds the wait for each response attempt.
	RequestTimeout time.Duration

	// Retries is the number of retransmissions after a corrupted response.
	Retries int

	// ReadSize is the size of a single transport read.
	ReadSize int

	// DrainQuiet is how long the link must stay silent before Init
	// considers stale input flushed.
	DrainQuiet time.Duration

	// DrainTimeout bounds the flush performed by Init.
	DrainTimeout time.Duration

	Logger *logrus.Logger
}

func defaultConfig() Config {
	return Config{
		RequestTimeout: time.Second,
		Retries:        1,
		ReadSize:       512,
		DrainQuiet:     100 * time.Millisecond,
		DrainTimeout:   time.Second,
	}
}

// Option configures a Session.
type Option func(*Config)

// WithRequestTimeout sets the per-attempt response timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithRetries sets how many times a corrupted response is retransmitted.
func WithRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.Retries = n
		}
	}
}

// WithReadSize sets the transport read chunk size.
func WithReadSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ReadSize = n
		}
	}
}

// WithDrain sets the quiet interval and upper bound of the input flush.
func WithDrain(quiet, timeout time.Duration) Option {
	return func(c *Config) {
		c.DrainQuiet = quiet
		c.DrainTimeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// OverflowPolicy decides what a full stream buffer does with new samples.
type OverflowPolicy int

const (
	// OverflowDropOldest evicts the oldest buffered sample and counts it.
	OverflowDropOldest OverflowPolicy = iota
	// OverflowBlock stops reading from the transport until space frees up.
	OverflowBlock
)

// ParseOverflowPolicy maps a configuration string to a policy.
func ParseOverflowPolicy(s string) OverflowPolicy {
	if s == "block" {
		return OverflowBlock
	}
	return OverflowDropOldest
}

// StreamConfig holds the stream receiver configuration.
type StreamConfig struct {
	BufferSize int
	Overflow   OverflowPolicy
	// Watchdog is the longest silence before the stream reports a stall.
	// Zero disables the watchdog.
	Watchdog time.Duration
	// Descriptors overrides the calibration of the streamed channels.
	Descriptors []protocol.SensorDescriptor
}

func defaultStreamConfig() StreamConfig {
	return StreamConfig{
		BufferSize: 1024,
		Overflow:   OverflowDropOldest,
		Watchdog:   2 * time.Second,
	}
}

// StreamOption configures a StreamReceiver.
type StreamOption func(*StreamConfig)

// WithBufferSize sets how many decoded samples the receiver holds.
func WithBufferSize(n int) StreamOption {
	return func(c *StreamConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithOverflow sets what a full sample buffer does with new samples.
func WithOverflow(p OverflowPolicy) StreamOption {
	return func(c *StreamConfig) {
		c.Overflow = p
	}
}

// WithWatchdog sets the stall timeout. Zero disables the watchdog.
func WithWatchdog(d time.Duration) StreamOption {
	return func(c *StreamConfig) {
		c.Watchdog = d
	}
}

// WithDescriptors replaces the descriptors derived from the device
// calibration. They must match the streamed channels in order.
func WithDescriptors(descs []protocol.SensorDescriptor) StreamOption {
	return func(c *StreamConfig) {
		c.Descriptors = append([]protocol.SensorDescriptor(nil), descs...)
	}
}

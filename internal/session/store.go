package session

import (
	"sync"
	"sync/atomic"

	"github.com/lorenzgillner/pmd-usb-logger/internal/parser"
	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
)

// ackDecoder decodes write acknowledgements, whose layouts do not depend
// on the session configuration.
var ackDecoder = parser.NewDecoder(protocol.NewCatalog(protocol.CatalogOptions{}))

// ConfigStore mirrors the configuration the device has acknowledged.
// Readers never block; writers are serialized.
type ConfigStore struct {
	cur  atomic.Pointer[protocol.SessionConfig]
	mu   sync.Mutex
	subs []func(protocol.SessionConfig)
}

// NewConfigStore creates a store holding initial.
func NewConfigStore(initial protocol.SessionConfig) *ConfigStore {
	s := &ConfigStore{}
	s.cur.Store(&initial)
	return s
}

// Get returns the current configuration.
func (s *ConfigStore) Get() protocol.SessionConfig {
	return *s.cur.Load()
}

// Subscribe registers fn to run after every applied change, before the
// change is reported to the writer.
func (s *ConfigStore) Subscribe(fn func(protocol.SessionConfig)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *ConfigStore) update(fn func(*protocol.SessionConfig)) protocol.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cur.Load()
	fn(&next)
	next.Revision++
	s.cur.Store(&next)
	for _, sub := range s.subs {
		sub(next)
	}
	return next
}

// ApplyWriteAck records the setting acknowledged by the device. Only
// configuration writes are accepted; the store is unchanged on error.
func (s *ConfigStore) ApplyWriteAck(ack protocol.Frame) (protocol.SessionConfig, error) {
	switch ack.Command {
	case protocol.CmdWriteConfigContinuousTx:
		ct, err := ackDecoder.ContTxAck(ack)
		if err != nil {
			return s.Get(), err
		}
		return s.update(func(c *protocol.SessionConfig) { c.ContTx = ct }), nil
	case protocol.CmdWriteConfigUart:
		u, err := ackDecoder.UartAck(ack)
		if err != nil {
			return s.Get(), err
		}
		return s.update(func(c *protocol.SessionConfig) { c.Uart = u }), nil
	default:
		return s.Get(), protocol.NewDecodeError(ack.Command, "not a configuration write")
	}
}

// ApplyIdentity records the firmware version, which selects payload layouts.
func (s *ConfigStore) ApplyIdentity(id protocol.DeviceIdentity) protocol.SessionConfig {
	return s.update(func(c *protocol.SessionConfig) { c.Firmware = id.Firmware })
}

// ApplyDeviceConfig records the result of ReadConfig.
func (s *ConfigStore) ApplyDeviceConfig(dc protocol.DeviceConfig) protocol.SessionConfig {
	return s.update(func(c *protocol.SessionConfig) { c.Device = &dc })
}

// Reset returns to the power-on configuration, keeping the link speed.
func (s *ConfigStore) Reset() protocol.SessionConfig {
	return s.update(func(c *protocol.SessionConfig) {
		uart := c.Uart
		rev := c.Revision
		*c = protocol.DefaultSessionConfig()
		c.Uart = uart
		c.Revision = rev
	})
}

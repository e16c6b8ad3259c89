// Package simulator implements an in-memory PMD-USB device. It speaks the
// wire protocol over the session Transport contract and is used by tests
// and by the logger's --simulate mode.
package simulator

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("simulator: device closed")

// Options describe the simulated device.
type Options struct {
	Identity protocol.DeviceIdentity
	Names    [protocol.SensorCount]string
	// Raw holds the 12-bit reading of each ADC channel.
	Raw    [protocol.AdcChannelCount]int
	Config protocol.DeviceConfig

	// ReadTimeout is how long Read waits for data before returning zero bytes.
	ReadTimeout time.Duration
	// StreamInterval paces continuous transmission. Zero emits one frame
	// per Read call.
	StreamInterval time.Duration
	// StreamLimit stops continuous transmission after that many frames.
	// Zero means no limit.
	StreamLimit int
	// AdcBufferDepth is the number of records answered to ReadAdcBuffer.
	AdcBufferDepth int

	Logger *logrus.Logger
}

// DefaultOptions describe a v6 firmware PMD with plausible readings:
// 12 V and a few amps on every sensor.
func DefaultOptions() Options {
	return Options{
		Identity:       protocol.DeviceIdentity{Vendor: 0xEE, Product: 0x0A, Firmware: 6, Revision: 1},
		Names:          protocol.DefaultSensorNames,
		Raw:            [protocol.AdcChannelCount]int{1585, 82, 1590, 41, 1580, 102, 1588, 20},
		Config:         protocol.DeviceConfig{Version: 5, Averaging: 2},
		ReadTimeout:    10 * time.Millisecond,
		AdcBufferDepth: 4,
	}
}

// Device is a simulated PMD-USB. It is safe for concurrent use.
type Device struct {
	mu     sync.Mutex
	opts   Options
	log    *logrus.Logger
	wake   chan struct{}
	in     []byte
	out    []byte
	closed bool
	failed error

	contTx     protocol.ContTxConfig
	uart       protocol.UartConfig
	hostBaud   int
	ticks      uint32
	streamed   int
	lastStream time.Time

	silent      bool
	corruptNext int
	requests    []protocol.Command
}

// New creates a simulated device in its power-on state.
func New(opts Options) *Device {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Millisecond
	}
	if opts.Names == ([protocol.SensorCount]string{}) {
		opts.Names = protocol.DefaultSensorNames
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Device{
		opts:     opts,
		log:      log,
		wake:     make(chan struct{}, 1),
		contTx:   protocol.ContTxConfig{ChannelMask: protocol.MaskAll},
		uart:     protocol.DefaultUartConfig(),
		hostBaud: int(protocol.DefaultUartConfig().BaudRate),
	}
}

func (d *Device) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Write accepts request bytes from the host.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if d.failed != nil {
		return 0, d.failed
	}
	d.in = append(d.in, p...)
	d.process()
	d.kick()
	return len(p), nil
}

// Read returns response and stream bytes. It returns zero bytes with a
// nil error when nothing arrived within the read timeout.
func (d *Device) Read(p []byte) (int, error) {
	deadline := time.Now().Add(d.opts.ReadTimeout)
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, ErrClosed
		}
		if d.failed != nil {
			err := d.failed
			d.mu.Unlock()
			return 0, err
		}
		d.generateStream()
		if len(d.out) > 0 {
			n := copy(p, d.out)
			d.out = d.out[n:]
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil
		}
		if d.opts.StreamInterval > 0 && d.opts.StreamInterval < wait {
			wait = d.opts.StreamInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-d.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Close disconnects the device.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.kick()
	return nil
}

// SetBaudRate records the host side link speed.
func (d *Device) SetBaudRate(baud int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hostBaud = baud
	return nil
}

// HostBaudRate returns the last speed set by the host.
func (d *Device) HostBaudRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostBaud
}

// ContTx returns the device's continuous transmission setting.
func (d *Device) ContTx() protocol.ContTxConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contTx
}

// Uart returns the device's link setting.
func (d *Device) Uart() protocol.UartConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uart
}

// Requests lists the commands received so far.
func (d *Device) Requests() []protocol.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Command(nil), d.requests...)
}

// Streamed returns the number of stream frames emitted.
func (d *Device) Streamed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streamed
}

// SetRaw changes the reading of one ADC channel.
func (d *Device) SetRaw(channel, raw int) {
	d.mu.Lock()
	d.opts.Raw[channel] = raw
	d.mu.Unlock()
}

// SetSilent makes the device swallow requests without answering.
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	d.silent = silent
	d.mu.Unlock()
}

// CorruptNext damages the checksum of the next n frames the device sends.
func (d *Device) CorruptNext(n int) {
	d.mu.Lock()
	d.corruptNext = n
	d.mu.Unlock()
}

// InjectGarbage queues raw bytes ahead of the next output.
func (d *Device) InjectGarbage(b []byte) {
	d.mu.Lock()
	d.out = append(d.out, b...)
	d.mu.Unlock()
	d.kick()
}

// Fail makes every following Read and Write return err.
func (d *Device) Fail(err error) {
	d.mu.Lock()
	d.failed = err
	d.mu.Unlock()
	d.kick()
}

// process executes every complete request in the input buffer.
func (d *Device) process() {
	catalog := protocol.NewCatalog(protocol.CatalogOptions{})
	for len(d.in) > 0 {
		cmd := protocol.Command(d.in[0])
		layout, ok := catalog.Lookup(cmd)
		if !ok {
			d.in = d.in[1:]
			continue
		}
		n := layout.RequestSize + 2
		if len(d.in) < n {
			return
		}
		raw := d.in[:n]
		if !protocol.ValidateChecksum(raw) {
			d.log.Debugf("simulator: bad request checksum % X", raw)
			d.in = d.in[1:]
			continue
		}
		payload := append([]byte(nil), raw[1:n-1]...)
		d.in = d.in[n:]
		d.requests = append(d.requests, cmd)
		d.execute(cmd, payload)
	}
}

func (d *Device) execute(cmd protocol.Command, payload []byte) {
	switch cmd {
	case protocol.CmdWelcome:
		d.respond(cmd, []byte(protocol.WelcomeBanner))
	case protocol.CmdReadDeviceID:
		id := d.opts.Identity
		d.respond(cmd, []byte{id.Vendor, id.Product, id.Firmware, id.Revision})
	case protocol.CmdReadSensors:
		d.respond(cmd, d.sensorsPayload())
	case protocol.CmdReadValues:
		d.respond(cmd, d.valuesPayload(d.contTx))
	case protocol.CmdReadConfig:
		d.respond(cmd, d.configPayload())
	case protocol.CmdReadAdcBuffer:
		d.respond(cmd, d.adcBufferPayload())
	case protocol.CmdWriteConfigContinuousTx:
		d.contTx = protocol.ContTxConfig{
			Enabled:        payload[0] == 1,
			TimestampBytes: payload[1],
			ChannelMask:    payload[2],
		}
		d.lastStream = time.Now()
		d.respond(cmd, payload)
	case protocol.CmdWriteConfigUart:
		d.uart = protocol.UartConfig{
			BaudRate:  binary.LittleEndian.Uint32(payload[0:4]),
			Parity:    binary.LittleEndian.Uint32(payload[4:8]),
			DataWidth: binary.LittleEndian.Uint32(payload[8:12]),
			StopBits:  binary.LittleEndian.Uint32(payload[12:16]),
		}
		d.respond(cmd, payload)
	case protocol.CmdResetDevice:
		d.contTx = protocol.ContTxConfig{ChannelMask: protocol.MaskAll}
		d.ticks = 0
		d.out = nil
	}
}

func (d *Device) respond(cmd protocol.Command, payload []byte) {
	if d.silent {
		return
	}
	d.emit(protocol.NewFrame(cmd, payload))
}

func (d *Device) emit(f protocol.Frame) {
	raw := f.Bytes()
	if d.corruptNext > 0 {
		d.corruptNext--
		raw[len(raw)-1]++
	}
	d.out = append(d.out, raw...)
}

func adcWord(raw int) []byte {
	w := uint16(int16(raw) << 4)
	return []byte{byte(w), byte(w >> 8)}
}

func (d *Device) valuesPayload(ct protocol.ContTxConfig) []byte {
	mask, tsBytes := protocol.MaskAll, 0
	if ct.Enabled {
		mask, tsBytes = ct.ChannelMask, int(ct.TimestampBytes)
	}
	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], d.ticks)
	out := append([]byte(nil), ts[:tsBytes]...)
	for _, ch := range protocol.MaskChannels(mask) {
		out = append(out, adcWord(d.opts.Raw[ch])...)
	}
	return out
}

func (d *Device) sensorsPayload() []byte {
	out := make([]byte, 0, protocol.SensorCount*12)
	for i := 0; i < protocol.SensorCount; i++ {
		name := make([]byte, protocol.SensorNameSize)
		copy(name, d.opts.Names[i])
		v := float64(d.opts.Raw[2*i]) * protocol.VoltageScale
		a := float64(d.opts.Raw[2*i+1]) * protocol.CurrentScale
		out = append(out, name...)
		out = binary.LittleEndian.AppendUint16(out, fixed(v))
		out = binary.LittleEndian.AppendUint16(out, fixed(a))
		out = binary.LittleEndian.AppendUint16(out, fixed(v*a))
	}
	return out
}

// fixed encodes a non-negative value in hundredths.
func fixed(v float64) uint16 {
	if v < 0 {
		return 0
	}
	return uint16(v*100 + 0.5)
}

func (d *Device) configPayload() []byte {
	c := d.opts.Config
	size := 26
	if d.opts.Identity.Firmware >= protocol.FirmwareConfigV5 {
		size = 34
	}
	out := make([]byte, size)
	out[0] = c.Version
	binary.LittleEndian.PutUint16(out[2:4], c.Crc)
	for i, off := range c.AdcOffset {
		out[4+i] = byte(off)
	}
	out[12] = c.OledDisable
	binary.LittleEndian.PutUint16(out[14:16], c.TimeoutCount)
	out[16] = c.TimeoutAction
	out[17] = c.OledSpeed
	out[18] = c.RestartAdcFlag
	out[19] = c.CalFlag
	out[20] = c.UpdateConfigFlag
	out[21] = c.OledRotation
	out[22] = c.Averaging
	if size == 34 {
		for i, off := range c.AdcGainOffset {
			out[23+i] = byte(off)
		}
	}
	return out
}

func (d *Device) adcBufferPayload() []byte {
	depth := d.opts.AdcBufferDepth
	if depth > 255 {
		depth = 255
	}
	out := []byte{byte(depth)}
	for i := 0; i < depth; i++ {
		for ch := 0; ch < protocol.AdcChannelCount; ch++ {
			out = append(out, adcWord(d.opts.Raw[ch])...)
		}
	}
	return out
}

// generateStream appends the stream frames that are due.
func (d *Device) generateStream() {
	if !d.contTx.Enabled || d.silent {
		return
	}
	due := 1
	if d.opts.StreamInterval > 0 {
		due = int(time.Since(d.lastStream) / d.opts.StreamInterval)
		if due == 0 {
			return
		}
		d.lastStream = d.lastStream.Add(time.Duration(due) * d.opts.StreamInterval)
	}
	for i := 0; i < due; i++ {
		if d.opts.StreamLimit > 0 && d.streamed >= d.opts.StreamLimit {
			return
		}
		d.emit(protocol.NewFrame(protocol.CmdReadValues, d.valuesPayload(d.contTx)))
		d.streamed++
		d.ticks += protocol.DeviceTimerHz / 1000
	}
}

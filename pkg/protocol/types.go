package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Command is the one-byte code that opens every frame.
type Command uint8

const (
	CmdWelcome                 Command = 0x00
	CmdReadDeviceID            Command = 0x01
	CmdReadSensors             Command = 0x02
	CmdReadValues              Command = 0x03
	CmdReadConfig              Command = 0x04
	CmdReadAdcBuffer           Command = 0x06
	CmdWriteConfigContinuousTx Command = 0x07
	CmdWriteConfigUart         Command = 0x08

	// Host to device only, the device never answers these.
	CmdResetDevice     Command = 0xF0
	CmdEnterBootloader Command = 0xF1
	CmdNop             Command = 0xFF
)

var commandNames = map[Command]string{
	CmdWelcome:                 "Welcome",
	CmdReadDeviceID:            "ReadDeviceId",
	CmdReadSensors:             "ReadSensors",
	CmdReadValues:              "ReadValues",
	CmdReadConfig:              "ReadConfig",
	CmdReadAdcBuffer:           "ReadAdcBuffer",
	CmdWriteConfigContinuousTx: "WriteConfigContinuousTx",
	CmdWriteConfigUart:         "WriteConfigUart",
	CmdResetDevice:             "ResetDevice",
	CmdEnterBootloader:         "EnterBootloader",
	CmdNop:                     "Nop",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", uint8(c))
}

// Device constants.
const (
	WelcomeBanner   = "ElmorLabs PMD-USB"
	SensorCount     = 4
	SensorNameSize  = 6
	AdcChannelCount = 8

	// DeviceTimerHz is the rate of the tick counter carried in stream timestamps.
	DeviceTimerHz = 3_000_000

	// FirmwareConfigV5 is the first firmware that answers ReadConfig with the v5 layout.
	FirmwareConfigV5 = 6

	MaskAll       uint8 = 0xFF
	MaskNone      uint8 = 0x00
	TimestampFull uint8 = 4
)

// Scale factors of the ADC channels, per LSB of the 12-bit reading.
const (
	VoltageScale = 0.007568
	CurrentScale = 0.0488
)

// DefaultSensorNames are used until the device reports its own names.
var DefaultSensorNames = [SensorCount]string{"PCIE1", "PCIE2", "EPS1", "EPS2"}

// Frame is a validated unit on the wire: [cmd][payload][checksum].
type Frame struct {
	Command  Command
	Payload  []byte
	Checksum byte
}

// NewFrame builds a frame and computes its checksum.
func NewFrame(cmd Command, payload []byte) Frame {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Frame{Command: cmd, Payload: p, Checksum: frameChecksum(cmd, p)}
}

// Bytes returns the wire encoding of the frame.
func (f Frame) Bytes() []byte {
	out := make([]byte, 0, len(f.Payload)+2)
	out = append(out, byte(f.Command))
	out = append(out, f.Payload...)
	return append(out, f.Checksum)
}

// Valid reports whether the stored checksum matches the frame contents.
func (f Frame) Valid() bool {
	return frameChecksum(f.Command, f.Payload) == f.Checksum
}

// Quantity is the physical dimension a channel measures.
type Quantity uint8

const (
	QuantityVoltage Quantity = iota
	QuantityCurrent
	QuantityPower
)

func (q Quantity) String() string {
	switch q {
	case QuantityVoltage:
		return "voltage"
	case QuantityCurrent:
		return "current"
	case QuantityPower:
		return "power"
	default:
		return "unknown"
	}
}

// Unit returns the SI unit symbol of the quantity.
func (q Quantity) Unit() string {
	switch q {
	case QuantityVoltage:
		return "V"
	case QuantityCurrent:
		return "A"
	case QuantityPower:
		return "W"
	default:
		return ""
	}
}

// SensorDescriptor maps a raw channel reading to a physical value:
// value = raw*Scale + Offset.
type SensorDescriptor struct {
	Channel  int      `json:"channel"`
	Name     string   `json:"name"`
	Quantity Quantity `json:"quantity"`
	Scale    float64  `json:"scale"`
	Offset   float64  `json:"offset"`
	Unit     string   `json:"unit"`
}

// Apply converts a raw reading.
func (d SensorDescriptor) Apply(raw float64) float64 {
	return raw*d.Scale + d.Offset
}

// Sample is one decoded set of channel values. Values is keyed by
// SensorDescriptor.Channel.
type Sample struct {
	Seq           uint64          `json:"seq"`
	HostTime      time.Time       `json:"host_time"`
	DeviceTicks   uint32          `json:"device_ticks,omitempty"`
	HasDeviceTime bool            `json:"has_device_time,omitempty"`
	Values        map[int]float64 `json:"values"`
}

// Value returns the value of a channel and whether it is present.
func (s Sample) Value(channel int) (float64, bool) {
	v, ok := s.Values[channel]
	return v, ok
}

// DeviceTime converts the device tick counter into a duration.
func (s Sample) DeviceTime() time.Duration {
	return time.Duration(uint64(s.DeviceTicks) * uint64(time.Second) / DeviceTimerHz)
}

// DeviceIdentity is the ReadDeviceId answer.
type DeviceIdentity struct {
	Vendor   uint8 `json:"vendor"`
	Product  uint8 `json:"product"`
	Firmware uint8 `json:"firmware"`
	Revision uint8 `json:"revision"`
}

// ID packs the identity bytes into one little-endian word.
func (id DeviceIdentity) ID() uint32 {
	return binary.LittleEndian.Uint32([]byte{id.Vendor, id.Product, id.Firmware, id.Revision})
}

func (id DeviceIdentity) String() string {
	return fmt.Sprintf("vendor=0x%02X product=0x%02X firmware=%d revision=%d",
		id.Vendor, id.Product, id.Firmware, id.Revision)
}

// DeviceConfig is the configuration block returned by ReadConfig.
// AdcGainOffset is only reported by v5 firmware.
type DeviceConfig struct {
	Version          uint8
	Crc              uint16
	AdcOffset        [AdcChannelCount]int8
	OledDisable      uint8
	TimeoutCount     uint16
	TimeoutAction    uint8
	OledSpeed        uint8
	RestartAdcFlag   uint8
	CalFlag          uint8
	UpdateConfigFlag uint8
	OledRotation     uint8
	Averaging        uint8
	AdcGainOffset    [AdcChannelCount]int8
	HasGainOffset    bool
}

// ContTxConfig is the WriteConfigContinuousTx payload.
type ContTxConfig struct {
	Enabled        bool  `json:"enabled"`
	TimestampBytes uint8 `json:"timestamp_bytes"`
	ChannelMask    uint8 `json:"channel_mask"`
}

// Payload encodes the request body.
func (c ContTxConfig) Payload() []byte {
	enable := byte(0)
	if c.Enabled {
		enable = 1
	}
	return []byte{enable, c.TimestampBytes, c.ChannelMask}
}

// Channels lists the ADC channels selected by the mask, ascending.
func (c ContTxConfig) Channels() []int {
	return MaskChannels(c.ChannelMask)
}

// MaskChannels lists the set bits of an ADC channel mask.
func MaskChannels(mask uint8) []int {
	var channels []int
	for ch := 0; ch < AdcChannelCount; ch++ {
		if mask&(1<<ch) != 0 {
			channels = append(channels, ch)
		}
	}
	return channels
}

// UART settings understood by the device.
const (
	ParityNone     uint32 = 2
	DataWidth8Bits uint32 = 0
	StopBits1      uint32 = 0
)

// SupportedBaudRates are the rates the device firmware accepts.
var SupportedBaudRates = []uint32{115200, 230400, 460800, 921600, 1500000, 2000000}

// UartConfig is the WriteConfigUart payload.
type UartConfig struct {
	BaudRate  uint32 `json:"baud_rate"`
	Parity    uint32 `json:"parity"`
	DataWidth uint32 `json:"data_width"`
	StopBits  uint32 `json:"stop_bits"`
}

// DefaultUartConfig is the device's power-on link setting.
func DefaultUartConfig() UartConfig {
	return UartConfig{BaudRate: 115200, Parity: ParityNone, DataWidth: DataWidth8Bits, StopBits: StopBits1}
}

// Payload encodes the request body.
func (u UartConfig) Payload() []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint32(out[0:4], u.BaudRate)
	binary.LittleEndian.PutUint32(out[4:8], u.Parity)
	binary.LittleEndian.PutUint32(out[8:12], u.DataWidth)
	binary.LittleEndian.PutUint32(out[12:16], u.StopBits)
	return out
}

// SupportedBaudRate reports whether the device accepts the rate.
func SupportedBaudRate(baud uint32) bool {
	for _, b := range SupportedBaudRates {
		if b == baud {
			return true
		}
	}
	return false
}

// Mode is the delivery mode of value samples.
type Mode uint8

const (
	ModePolling Mode = iota
	ModeStreaming
)

func (m Mode) String() string {
	if m == ModeStreaming {
		return "streaming"
	}
	return "polling"
}

// SessionConfig mirrors the configuration the device has acknowledged.
type SessionConfig struct {
	ContTx   ContTxConfig  `json:"cont_tx"`
	Uart     UartConfig    `json:"uart"`
	Device   *DeviceConfig `json:"-"`
	Firmware uint8         `json:"firmware"`
	// Revision increases with every applied change.
	Revision uint64 `json:"revision"`
}

// DefaultSessionConfig is the state of a freshly powered device.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ContTx: ContTxConfig{ChannelMask: MaskAll},
		Uart:   DefaultUartConfig(),
	}
}

// Mode derives the delivery mode from the continuous transmission setting.
func (c SessionConfig) Mode() Mode {
	if c.ContTx.Enabled {
		return ModeStreaming
	}
	return ModePolling
}

package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Encoding describes how a field's bytes turn into a raw number.
type Encoding uint8

const (
	// EncodingUnsigned is a little-endian unsigned integer of 1 to 4 bytes.
	EncodingUnsigned Encoding = iota
	// EncodingSigned is a little-endian two's complement integer of 1 to 4 bytes.
	EncodingSigned
	// EncodingADC12 is a 16-bit word carrying a signed 12-bit reading in its upper bits.
	EncodingADC12
	// EncodingBytes is an opaque byte string.
	EncodingBytes
)

// Field locates one value inside a payload section.
type Field struct {
	Name     string
	Offset   int
	Width    int
	Encoding Encoding
	// Divisor turns a fixed-point integer into its value. Zero means none.
	Divisor float64
	// Channel marks fields that carry sensor readings. Channel fields are
	// matched to sensor descriptors in order of appearance.
	Channel bool
}

func (f Field) end() int { return f.Offset + f.Width }

// FieldValue is an extracted field.
type FieldValue struct {
	Field Field
	Raw   int64
	Bytes []byte
}

// Number returns the raw value with the fixed-point divisor applied.
func (v FieldValue) Number() float64 {
	if v.Field.Divisor != 0 {
		return float64(v.Raw) / v.Field.Divisor
	}
	return float64(v.Raw)
}

// Values is an ordered set of extracted fields.
type Values []FieldValue

// Get returns the named field.
func (vs Values) Get(name string) (FieldValue, bool) {
	for _, v := range vs {
		if v.Field.Name == name {
			return v, true
		}
	}
	return FieldValue{}, false
}

// Int returns the raw value of the named field, or zero.
func (vs Values) Int(name string) int64 {
	v, _ := vs.Get(name)
	return v.Raw
}

// Bytes returns the byte string of the named field, or nil.
func (vs Values) Bytes(name string) []byte {
	v, _ := vs.Get(name)
	return v.Bytes
}

// Channels returns the channel fields in order.
func (vs Values) Channels() Values {
	var out Values
	for _, v := range vs {
		if v.Field.Channel {
			out = append(out, v)
		}
	}
	return out
}

// Layout is the catalog entry of one command: the size of its request
// payload and the shape of its response payload.
//
// A response payload is [count:1]? [Fields] [Record]*n, where the count
// byte is present only when CountPrefix is set, and n is either Count or
// the value of the count byte.
type Layout struct {
	Command     Command
	Name        string
	RequestSize int
	Response    bool
	Fields      []Field
	Record      []Field
	Count       int
	CountPrefix bool
	// RecordPerSample splits value payloads into one sample per record
	// instead of one sample spanning all records.
	RecordPerSample bool
}

func sectionSize(fields []Field) int {
	size := 0
	for _, f := range fields {
		if e := f.end(); e > size {
			size = e
		}
	}
	return size
}

// HeaderSize is the size of the fixed field section.
func (l *Layout) HeaderSize() int { return sectionSize(l.Fields) }

// RecordSize is the size of one repeated record.
func (l *Layout) RecordSize() int { return sectionSize(l.Record) }

func (l *Layout) prefixSize() int {
	if l.CountPrefix {
		return 1
	}
	return 0
}

// PayloadLength computes the payload length from the leading payload bytes.
// It reports false when the count prefix has not arrived yet.
func (l *Layout) PayloadLength(payload []byte) (int, bool) {
	n := l.Count
	if l.CountPrefix {
		if len(payload) < 1 {
			return 0, false
		}
		n = int(payload[0])
	}
	return l.prefixSize() + l.HeaderSize() + n*l.RecordSize(), true
}

// FrameLength computes the full frame length of a buffer starting with the
// command byte. It reports false when more bytes are needed to tell.
func (l *Layout) FrameLength(buf []byte) (int, bool) {
	if len(buf) < 1 {
		return 0, false
	}
	n, ok := l.PayloadLength(buf[1:])
	if !ok {
		return 0, false
	}
	return n + 2, true
}

func (l *Layout) checkLength(payload []byte) error {
	want, ok := l.PayloadLength(payload)
	if !ok {
		return NewDecodeError(l.Command, "missing record count")
	}
	if len(payload) != want {
		return NewDecodeError(l.Command, "payload length %d, want %d", len(payload), want)
	}
	return nil
}

func extract(cmd Command, fields []Field, section []byte) (Values, error) {
	out := make(Values, 0, len(fields))
	for _, f := range fields {
		if f.end() > len(section) {
			return nil, NewDecodeError(cmd, "field %s out of range", f.Name)
		}
		raw := section[f.Offset:f.end()]
		v := FieldValue{Field: f}
		switch f.Encoding {
		case EncodingBytes:
			v.Bytes = append([]byte(nil), raw...)
		case EncodingADC12:
			if f.Width != 2 {
				return nil, NewDecodeError(cmd, "field %s: adc word must be 2 bytes", f.Name)
			}
			v.Raw = int64(int16(binary.LittleEndian.Uint16(raw)) >> 4)
		case EncodingUnsigned, EncodingSigned:
			if f.Width < 1 || f.Width > 4 {
				return nil, NewDecodeError(cmd, "field %s: unsupported width %d", f.Name, f.Width)
			}
			var u uint32
			for i := f.Width - 1; i >= 0; i-- {
				u = u<<8 | uint32(raw[i])
			}
			v.Raw = int64(u)
			if f.Encoding == EncodingSigned {
				shift := 32 - 8*f.Width
				v.Raw = int64(int32(u<<shift) >> shift)
			}
		default:
			return nil, NewDecodeError(cmd, "field %s: unknown encoding %d", f.Name, f.Encoding)
		}
		out = append(out, v)
	}
	return out, nil
}

// Header extracts the fixed fields of a response payload.
func (l *Layout) Header(payload []byte) (Values, error) {
	if err := l.checkLength(payload); err != nil {
		return nil, err
	}
	start := l.prefixSize()
	return extract(l.Command, l.Fields, payload[start:start+l.HeaderSize()])
}

// Records extracts the repeated records of a response payload.
func (l *Layout) Records(payload []byte) ([]Values, error) {
	if err := l.checkLength(payload); err != nil {
		return nil, err
	}
	size := l.RecordSize()
	if size == 0 {
		return nil, nil
	}
	body := payload[l.prefixSize()+l.HeaderSize():]
	records := make([]Values, 0, len(body)/size)
	for off := 0; off+size <= len(body); off += size {
		rec, err := extract(l.Command, l.Record, body[off:off+size])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// CatalogOptions select the session-dependent layouts.
type CatalogOptions struct {
	// ChannelMask selects the ADC channels present in value payloads.
	ChannelMask uint8
	// TimestampBytes is the width of the tick counter leading ReadValues.
	TimestampBytes uint8
	// Firmware selects the ReadConfig layout.
	Firmware uint8
	// Streaming leaves only ReadValues and the continuous transmission
	// ack expecting a response. A streaming device sends nothing else, so
	// other codes are noise to a decoder.
	Streaming bool
}

// Catalog maps command codes to layouts. It is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	layouts map[Command]*Layout
	opts    CatalogOptions
}

// NewCatalog builds the catalog of the PMD-USB command set.
func NewCatalog(opts CatalogOptions) *Catalog {
	c := &Catalog{layouts: make(map[Command]*Layout), opts: opts}
	for _, l := range standardLayouts(opts) {
		if opts.Streaming && l.Command != CmdReadValues && l.Command != CmdWriteConfigContinuousTx {
			l.Response = false
		}
		c.Register(l)
	}
	return c
}

// CatalogFor derives the catalog matching a session configuration. Polling
// responses carry every ADC channel and no timestamp.
func CatalogFor(cfg SessionConfig) *Catalog {
	opts := CatalogOptions{ChannelMask: MaskAll, Firmware: cfg.Firmware}
	if cfg.ContTx.Enabled {
		opts.ChannelMask = cfg.ContTx.ChannelMask
		opts.TimestampBytes = cfg.ContTx.TimestampBytes
		opts.Streaming = true
	}
	return NewCatalog(opts)
}

// Options returns the options the catalog was built with.
func (c *Catalog) Options() CatalogOptions {
	return c.opts
}

// Register adds or replaces the layout of a command.
func (c *Catalog) Register(l Layout) {
	cp := l
	cp.Fields = append([]Field(nil), l.Fields...)
	cp.Record = append([]Field(nil), l.Record...)
	if cp.Name == "" {
		cp.Name = l.Command.String()
	}
	c.mu.Lock()
	c.layouts[l.Command] = &cp
	c.mu.Unlock()
}

// Lookup returns the layout of a command.
func (c *Catalog) Lookup(cmd Command) (*Layout, bool) {
	c.mu.RLock()
	l, ok := c.layouts[cmd]
	c.mu.RUnlock()
	return l, ok
}

// Commands lists the registered command codes in ascending order.
func (c *Catalog) Commands() []Command {
	c.mu.RLock()
	out := make([]Command, 0, len(c.layouts))
	for cmd := range c.layouts {
		out = append(out, cmd)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Request builds a request frame, checking the payload size.
func (c *Catalog) Request(cmd Command, payload []byte) (Frame, error) {
	l, ok := c.Lookup(cmd)
	if !ok {
		return Frame{}, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, uint8(cmd))
	}
	if len(payload) != l.RequestSize {
		return Frame{}, fmt.Errorf("%w: %s takes %d payload bytes, got %d",
			ErrInvalidArgument, cmd, l.RequestSize, len(payload))
	}
	return NewFrame(cmd, payload), nil
}

func u8(name string, off int) Field {
	return Field{Name: name, Offset: off, Width: 1, Encoding: EncodingUnsigned}
}

func adcFields(mask uint8, start int) []Field {
	var fields []Field
	for i, ch := range MaskChannels(mask) {
		fields = append(fields, Field{
			Name:     fmt.Sprintf("adc%d", ch),
			Offset:   start + 2*i,
			Width:    2,
			Encoding: EncodingADC12,
			Channel:  true,
		})
	}
	return fields
}

func configFields(firmware uint8) []Field {
	fields := []Field{
		u8("version", 0),
		{Name: "crc", Offset: 2, Width: 2, Encoding: EncodingUnsigned},
	}
	for i := 0; i < AdcChannelCount; i++ {
		fields = append(fields, Field{Name: fmt.Sprintf("adc_offset%d", i), Offset: 4 + i, Width: 1, Encoding: EncodingSigned})
	}
	fields = append(fields,
		u8("oled_disable", 12),
		Field{Name: "timeout_count", Offset: 14, Width: 2, Encoding: EncodingUnsigned},
		u8("timeout_action", 16),
		u8("oled_speed", 17),
		u8("restart_adc_flag", 18),
		u8("cal_flag", 19),
		u8("update_config_flag", 20),
		u8("oled_rotation", 21),
		u8("averaging", 22),
	)
	rsvd := 23
	if firmware >= FirmwareConfigV5 {
		for i := 0; i < AdcChannelCount; i++ {
			fields = append(fields, Field{Name: fmt.Sprintf("adc_gain_offset%d", i), Offset: 23 + i, Width: 1, Encoding: EncodingSigned})
		}
		rsvd = 31
	}
	return append(fields, Field{Name: "rsvd", Offset: rsvd, Width: 3, Encoding: EncodingBytes})
}

func standardLayouts(opts CatalogOptions) []Layout {
	sensorRecord := []Field{
		{Name: "name", Offset: 0, Width: SensorNameSize, Encoding: EncodingBytes},
		{Name: "voltage", Offset: 6, Width: 2, Encoding: EncodingUnsigned, Divisor: 100, Channel: true},
		{Name: "current", Offset: 8, Width: 2, Encoding: EncodingUnsigned, Divisor: 100, Channel: true},
		{Name: "power", Offset: 10, Width: 2, Encoding: EncodingUnsigned, Divisor: 100, Channel: true},
	}

	values := adcFields(opts.ChannelMask, int(opts.TimestampBytes))
	if opts.TimestampBytes > 0 {
		values = append([]Field{{Name: "timestamp", Offset: 0, Width: int(opts.TimestampBytes), Encoding: EncodingUnsigned}}, values...)
	}

	return []Layout{
		{
			Command:  CmdWelcome,
			Response: true,
			Fields:   []Field{{Name: "banner", Offset: 0, Width: len(WelcomeBanner), Encoding: EncodingBytes}},
		},
		{
			Command:  CmdReadDeviceID,
			Response: true,
			Fields:   []Field{u8("vendor", 0), u8("product", 1), u8("firmware", 2), u8("revision", 3)},
		},
		{
			Command:  CmdReadSensors,
			Response: true,
			Record:   sensorRecord,
			Count:    SensorCount,
		},
		{
			Command:  CmdReadValues,
			Response: true,
			Fields:   values,
		},
		{
			Command:  CmdReadConfig,
			Response: true,
			Fields:   configFields(opts.Firmware),
		},
		{
			Command:         CmdReadAdcBuffer,
			Response:        true,
			Record:          adcFields(opts.ChannelMask, 0),
			CountPrefix:     true,
			RecordPerSample: true,
		},
		{
			Command:     CmdWriteConfigContinuousTx,
			RequestSize: 3,
			Response:    true,
			Fields:      []Field{u8("enable", 0), u8("timestamp_bytes", 1), u8("channel_mask", 2)},
		},
		{
			Command:     CmdWriteConfigUart,
			RequestSize: 16,
			Response:    true,
			Fields: []Field{
				{Name: "baud_rate", Offset: 0, Width: 4, Encoding: EncodingUnsigned},
				{Name: "parity", Offset: 4, Width: 4, Encoding: EncodingUnsigned},
				{Name: "data_width", Offset: 8, Width: 4, Encoding: EncodingUnsigned},
				{Name: "stop_bits", Offset: 12, Width: 4, Encoding: EncodingUnsigned},
			},
		},
		{Command: CmdResetDevice},
		{Command: CmdEnterBootloader},
		{Command: CmdNop},
	}
}

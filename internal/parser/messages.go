package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
)

func (d *Decoder) header(f protocol.Frame, want protocol.Command) (protocol.Values, error) {
	if f.Command != want {
		return nil, protocol.NewDecodeError(f.Command, "expected %s", want)
	}
	layout, ok := d.catalog.Lookup(f.Command)
	if !ok {
		return nil, protocol.NewDecodeError(f.Command, "no layout")
	}
	return layout.Header(f.Payload)
}

// Banner returns the Welcome greeting.
func (d *Decoder) Banner(f protocol.Frame) (string, error) {
	vs, err := d.header(f, protocol.CmdWelcome)
	if err != nil {
		return "", err
	}
	return cString(vs.Bytes("banner")), nil
}

// Identity decodes a ReadDeviceId response.
func (d *Decoder) Identity(f protocol.Frame) (protocol.DeviceIdentity, error) {
	vs, err := d.header(f, protocol.CmdReadDeviceID)
	if err != nil {
		return protocol.DeviceIdentity{}, err
	}
	return protocol.DeviceIdentity{
		Vendor:   uint8(vs.Int("vendor")),
		Product:  uint8(vs.Int("product")),
		Firmware: uint8(vs.Int("firmware")),
		Revision: uint8(vs.Int("revision")),
	}, nil
}

// DeviceConfig decodes a ReadConfig response. The layout is chosen by the
// firmware the catalog was built for.
func (d *Decoder) DeviceConfig(f protocol.Frame) (protocol.DeviceConfig, error) {
	vs, err := d.header(f, protocol.CmdReadConfig)
	if err != nil {
		return protocol.DeviceConfig{}, err
	}

	cfg := protocol.DeviceConfig{
		Version:          uint8(vs.Int("version")),
		Crc:              uint16(vs.Int("crc")),
		OledDisable:      uint8(vs.Int("oled_disable")),
		TimeoutCount:     uint16(vs.Int("timeout_count")),
		TimeoutAction:    uint8(vs.Int("timeout_action")),
		OledSpeed:        uint8(vs.Int("oled_speed")),
		RestartAdcFlag:   uint8(vs.Int("restart_adc_flag")),
		CalFlag:          uint8(vs.Int("cal_flag")),
		UpdateConfigFlag: uint8(vs.Int("update_config_flag")),
		OledRotation:     uint8(vs.Int("oled_rotation")),
		Averaging:        uint8(vs.Int("averaging")),
	}
	for i := 0; i < protocol.AdcChannelCount; i++ {
		cfg.AdcOffset[i] = int8(vs.Int(fmt.Sprintf("adc_offset%d", i)))
		if v, ok := vs.Get(fmt.Sprintf("adc_gain_offset%d", i)); ok {
			cfg.AdcGainOffset[i] = int8(v.Raw)
			cfg.HasGainOffset = true
		}
	}
	return cfg, nil
}

// ContTxAck decodes the acknowledgement of WriteConfigContinuousTx.
func (d *Decoder) ContTxAck(f protocol.Frame) (protocol.ContTxConfig, error) {
	vs, err := d.header(f, protocol.CmdWriteConfigContinuousTx)
	if err != nil {
		return protocol.ContTxConfig{}, err
	}
	enable := vs.Int("enable")
	if enable > 1 {
		return protocol.ContTxConfig{}, protocol.NewDecodeError(f.Command, "enable flag %d", enable)
	}
	ts := vs.Int("timestamp_bytes")
	if ts > int64(protocol.TimestampFull) {
		return protocol.ContTxConfig{}, protocol.NewDecodeError(f.Command, "timestamp width %d", ts)
	}
	return protocol.ContTxConfig{
		Enabled:        enable == 1,
		TimestampBytes: uint8(ts),
		ChannelMask:    uint8(vs.Int("channel_mask")),
	}, nil
}

// UartAck decodes the acknowledgement of WriteConfigUart.
func (d *Decoder) UartAck(f protocol.Frame) (protocol.UartConfig, error) {
	vs, err := d.header(f, protocol.CmdWriteConfigUart)
	if err != nil {
		return protocol.UartConfig{}, err
	}
	return protocol.UartConfig{
		BaudRate:  uint32(vs.Int("baud_rate")),
		Parity:    uint32(vs.Int("parity")),
		DataWidth: uint32(vs.Int("data_width")),
		StopBits:  uint32(vs.Int("stop_bits")),
	}, nil
}

// SensorNames extracts the sensor names from a ReadSensors response.
// Blank names fall back to the defaults.
func (d *Decoder) SensorNames(f protocol.Frame) ([protocol.SensorCount]string, error) {
	names := protocol.DefaultSensorNames
	if f.Command != protocol.CmdReadSensors {
		return names, protocol.NewDecodeError(f.Command, "expected %s", protocol.CmdReadSensors)
	}
	layout, ok := d.catalog.Lookup(f.Command)
	if !ok {
		return names, protocol.NewDecodeError(f.Command, "no layout")
	}
	records, err := layout.Records(f.Payload)
	if err != nil {
		return names, err
	}
	for i, rec := range records {
		if i >= protocol.SensorCount {
			break
		}
		if name := cString(rec.Bytes("name")); name != "" {
			names[i] = name
		}
	}
	return names, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// ADCDescriptors describes the eight ADC channels. Sensor i owns channel
// 2i (voltage) and 2i+1 (current). The calibration offsets of cfg are
// applied in raw units; a nil cfg leaves them at zero.
func ADCDescriptors(names [protocol.SensorCount]string, cfg *protocol.DeviceConfig) []protocol.SensorDescriptor {
	descs := make([]protocol.SensorDescriptor, 0, protocol.AdcChannelCount)
	for ch := 0; ch < protocol.AdcChannelCount; ch++ {
		q, scale, suffix := protocol.QuantityVoltage, protocol.VoltageScale, "_V"
		if ch%2 == 1 {
			q, scale, suffix = protocol.QuantityCurrent, protocol.CurrentScale, "_I"
		}
		var offset float64
		if cfg != nil {
			offset = float64(cfg.AdcOffset[ch]) * scale
		}
		descs = append(descs, protocol.SensorDescriptor{
			Channel:  ch,
			Name:     names[ch/2] + suffix,
			Quantity: q,
			Scale:    scale,
			Offset:   offset,
			Unit:     q.Unit(),
		})
	}
	return descs
}

// ReadingDescriptors describes the twelve ReadSensors channels: voltage,
// current and power of each sensor, already scaled by the device.
func ReadingDescriptors(names [protocol.SensorCount]string) []protocol.SensorDescriptor {
	quantities := []struct {
		q      protocol.Quantity
		suffix string
	}{
		{protocol.QuantityVoltage, "_V"},
		{protocol.QuantityCurrent, "_I"},
		{protocol.QuantityPower, "_P"},
	}

	descs := make([]protocol.SensorDescriptor, 0, protocol.SensorCount*len(quantities))
	for i, name := range names {
		for j, q := range quantities {
			descs = append(descs, protocol.SensorDescriptor{
				Channel:  i*len(quantities) + j,
				Name:     name + q.suffix,
				Quantity: q.q,
				Scale:    1,
				Unit:     q.q.Unit(),
			})
		}
	}
	return descs
}

// FilterByMask keeps the descriptors of the channels selected by mask.
func FilterByMask(descs []protocol.SensorDescriptor, mask uint8) []protocol.SensorDescriptor {
	var out []protocol.SensorDescriptor
	for _, d := range descs {
		if d.Channel < protocol.AdcChannelCount && mask&(1<<d.Channel) != 0 {
			out = append(out, d)
		}
	}
	return out
}

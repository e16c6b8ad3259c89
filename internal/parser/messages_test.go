package parser

import (
	"testing"

	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
)

func configPayload(size int) []byte {
	p := make([]byte, size)
	p[0] = 3
	p[2], p[3] = 0x34, 0x12
	p[4] = 0xFE // adc_offset0 = -2
	p[7] = 0x05 // adc_offset3 = 5
	p[14], p[15] = 0x10, 0x00
	p[22] = 4
	if size > 26 {
		p[23] = 0xFF // adc_gain_offset0 = -1
	}
	return p
}

func TestDeviceConfigByFirmware(t *testing.T) {
	tests := []struct {
		name     string
		firmware uint8
		size     int
		gain     bool
	}{
		{"v4 layout", 5, 26, false},
		{"v5 layout", 6, 34, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(protocol.NewCatalog(protocol.CatalogOptions{Firmware: tt.firmware}))
			cfg, err := d.DeviceConfig(protocol.NewFrame(protocol.CmdReadConfig, configPayload(tt.size)))
			if err != nil {
				t.Fatalf("DeviceConfig() error = %v", err)
			}
			if cfg.Version != 3 || cfg.Crc != 0x1234 || cfg.TimeoutCount != 16 || cfg.Averaging != 4 {
				t.Errorf("cfg = %+v", cfg)
			}
			if cfg.AdcOffset[0] != -2 || cfg.AdcOffset[3] != 5 {
				t.Errorf("AdcOffset = %v", cfg.AdcOffset)
			}
			if cfg.HasGainOffset != tt.gain {
				t.Errorf("HasGainOffset = %v, want %v", cfg.HasGainOffset, tt.gain)
			}
			if tt.gain && cfg.AdcGainOffset[0] != -1 {
				t.Errorf("AdcGainOffset = %v", cfg.AdcGainOffset)
			}
		})
	}

	d := NewDecoder(protocol.NewCatalog(protocol.CatalogOptions{Firmware: 6}))
	if _, err := d.DeviceConfig(protocol.NewFrame(protocol.CmdReadConfig, configPayload(26))); !protocol.IsDecodeError(err) {
		t.Errorf("v4 payload under v5 firmware: err = %v, want DecodeError", err)
	}
}

func TestIdentityAndBanner(t *testing.T) {
	d := NewDecoder(protocol.NewCatalog(protocol.CatalogOptions{}))

	id, err := d.Identity(protocol.NewFrame(protocol.CmdReadDeviceID, []byte{0xEE, 0x0A, 6, 2}))
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id != (protocol.DeviceIdentity{Vendor: 0xEE, Product: 0x0A, Firmware: 6, Revision: 2}) {
		t.Errorf("Identity() = %+v", id)
	}

	banner, err := d.Banner(protocol.NewFrame(protocol.CmdWelcome, []byte(protocol.WelcomeBanner)))
	if err != nil || banner != protocol.WelcomeBanner {
		t.Errorf("Banner() = %q, %v", banner, err)
	}

	if _, err := d.Identity(protocol.NewFrame(protocol.CmdWelcome, []byte(protocol.WelcomeBanner))); !protocol.IsDecodeError(err) {
		t.Errorf("Identity() of a Welcome frame: err = %v, want DecodeError", err)
	}
}

func TestAcks(t *testing.T) {
	d := NewDecoder(protocol.NewCatalog(protocol.CatalogOptions{}))

	ct, err := d.ContTxAck(protocol.NewFrame(protocol.CmdWriteConfigContinuousTx, []byte{1, 4, 0x0F}))
	if err != nil {
		t.Fatalf("ContTxAck() error = %v", err)
	}
	if ct != (protocol.ContTxConfig{Enabled: true, TimestampBytes: 4, ChannelMask: 0x0F}) {
		t.Errorf("ContTxAck() = %+v", ct)
	}
	if _, err := d.ContTxAck(protocol.NewFrame(protocol.CmdWriteConfigContinuousTx, []byte{2, 0, 0})); !protocol.IsDecodeError(err) {
		t.Errorf("enable=2: err = %v, want DecodeError", err)
	}

	want := protocol.UartConfig{BaudRate: 921600, Parity: protocol.ParityNone}
	u, err := d.UartAck(protocol.NewFrame(protocol.CmdWriteConfigUart, want.Payload()))
	if err != nil || u != want {
		t.Errorf("UartAck() = %+v, %v", u, err)
	}
}

func TestADCDescriptors(t *testing.T) {
	cfg := &protocol.DeviceConfig{}
	cfg.AdcOffset[1] = -4

	descs := ADCDescriptors(protocol.DefaultSensorNames, cfg)
	if len(descs) != protocol.AdcChannelCount {
		t.Fatalf("len = %d", len(descs))
	}
	if descs[0].Name != "PCIE1_V" || descs[0].Quantity != protocol.QuantityVoltage || descs[0].Scale != protocol.VoltageScale {
		t.Errorf("descs[0] = %+v", descs[0])
	}
	if descs[1].Name != "PCIE1_I" || descs[1].Offset != -4*protocol.CurrentScale {
		t.Errorf("descs[1] = %+v", descs[1])
	}
	if descs[7].Name != "EPS2_I" || descs[7].Unit != "A" {
		t.Errorf("descs[7] = %+v", descs[7])
	}

	filtered := FilterByMask(descs, 0x81)
	if len(filtered) != 2 || filtered[0].Channel != 0 || filtered[1].Channel != 7 {
		t.Errorf("FilterByMask() = %+v", filtered)
	}
}

package parser

import (
	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
)

// Decoder turns value-bearing frames into samples. It holds no state
// beyond the catalog describing payload layouts.
type Decoder struct {
	catalog *protocol.Catalog
}

func NewDecoder(catalog *protocol.Catalog) *Decoder {
	return &Decoder{catalog: catalog}
}

// Catalog returns the catalog the decoder reads layouts from.
func (d *Decoder) Catalog() *protocol.Catalog {
	return d.catalog
}

func valueBearing(cmd protocol.Command) bool {
	switch cmd {
	case protocol.CmdReadValues, protocol.CmdReadAdcBuffer, protocol.CmdReadSensors:
		return true
	}
	return false
}

// Decode converts a frame carrying exactly one sample.
func (d *Decoder) Decode(f protocol.Frame, descs []protocol.SensorDescriptor) (protocol.Sample, error) {
	samples, err := d.DecodeAll(f, descs)
	if err != nil {
		return protocol.Sample{}, err
	}
	if len(samples) != 1 {
		return protocol.Sample{}, protocol.NewDecodeError(f.Command, "frame carries %d samples", len(samples))
	}
	return samples[0], nil
}

// DecodeAll converts a frame into its samples in acquisition order. The
// i-th channel field of each sample is calibrated with descs[i].
func (d *Decoder) DecodeAll(f protocol.Frame, descs []protocol.SensorDescriptor) ([]protocol.Sample, error) {
	if !valueBearing(f.Command) {
		return nil, protocol.NewDecodeError(f.Command, "not a value-bearing command")
	}
	layout, ok := d.catalog.Lookup(f.Command)
	if !ok {
		return nil, protocol.NewDecodeError(f.Command, "no layout")
	}

	header, err := layout.Header(f.Payload)
	if err != nil {
		return nil, err
	}
	records, err := layout.Records(f.Payload)
	if err != nil {
		return nil, err
	}

	var groups []protocol.Values
	switch {
	case len(layout.Record) == 0:
		groups = []protocol.Values{header}
	case layout.RecordPerSample:
		for _, rec := range records {
			groups = append(groups, append(append(protocol.Values(nil), header...), rec...))
		}
	default:
		all := append(protocol.Values(nil), header...)
		for _, rec := range records {
			all = append(all, rec...)
		}
		groups = []protocol.Values{all}
	}

	samples := make([]protocol.Sample, 0, len(groups))
	for _, g := range groups {
		s, err := buildSample(f.Command, g, descs)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func buildSample(cmd protocol.Command, vs protocol.Values, descs []protocol.SensorDescriptor) (protocol.Sample, error) {
	channels := vs.Channels()
	if len(channels) != len(descs) {
		return protocol.Sample{}, protocol.NewDecodeError(cmd, "%d channel fields, %d descriptors", len(channels), len(descs))
	}

	s := protocol.Sample{Values: make(map[int]float64, len(descs))}
	for i, ch := range channels {
		s.Values[descs[i].Channel] = descs[i].Apply(ch.Number())
	}
	if ts, ok := vs.Get("timestamp"); ok {
		s.DeviceTicks = uint32(ts.Raw)
		s.HasDeviceTime = true
	}
	return s, nil
}

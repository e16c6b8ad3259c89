package storage

import (
	"time"

	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
)

// Record is the published form of a sample. Values and Power are keyed by
// channel and sensor name.
type Record struct {
	RunID      string             `json:"run_id"`
	Device     string             `json:"device"`
	Seq        uint64             `json:"seq"`
	Timestamp  time.Time          `json:"timestamp"`
	DeviceTime float64            `json:"device_time,omitempty"`
	Values     map[string]float64 `json:"values"`
	Power      map[string]float64 `json:"power,omitempty"`
}

// NewRecord names the values of s after descs. Channels without a
// descriptor are left out.
func NewRecord(runID, device string, s protocol.Sample, descs []protocol.SensorDescriptor, power map[string]float64) *Record {
	r := &Record{
		RunID:     runID,
		Device:    device,
		Seq:       s.Seq,
		Timestamp: s.HostTime,
		Values:    make(map[string]float64, len(descs)),
		Power:     power,
	}
	if s.HasDeviceTime {
		r.DeviceTime = s.DeviceTime().Seconds()
	}
	for _, d := range descs {
		if v, ok := s.Value(d.Channel); ok {
			r.Values[d.Name] = v
		}
	}
	return r
}

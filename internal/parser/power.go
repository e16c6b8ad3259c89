package parser

import (
	"strings"

	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
)

// SensorPower returns the power drawn through each sensor in watts, keyed
// by sensor name. Power channels are taken as reported; otherwise voltage
// and current of the same sensor are multiplied. Sensors missing either
// quantity are left out.
func SensorPower(s protocol.Sample, descs []protocol.SensorDescriptor) map[string]float64 {
	type pair struct {
		v, i       float64
		hasV, hasI bool
	}
	pairs := make(map[string]*pair)
	power := make(map[string]float64)

	for _, d := range descs {
		val, ok := s.Value(d.Channel)
		if !ok {
			continue
		}
		sensor := sensorName(d.Name)
		switch d.Quantity {
		case protocol.QuantityPower:
			power[sensor] = val
		case protocol.QuantityVoltage, protocol.QuantityCurrent:
			p := pairs[sensor]
			if p == nil {
				p = &pair{}
				pairs[sensor] = p
			}
			if d.Quantity == protocol.QuantityVoltage {
				p.v, p.hasV = val, true
			} else {
				p.i, p.hasI = val, true
			}
		}
	}

	for sensor, p := range pairs {
		if _, reported := power[sensor]; reported {
			continue
		}
		if p.hasV && p.hasI {
			power[sensor] = p.v * p.i
		}
	}
	return power
}

func sensorName(channel string) string {
	if i := strings.LastIndexByte(channel, '_'); i > 0 {
		return channel[:i]
	}
	return channel
}

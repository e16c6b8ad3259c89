package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
)

// CSVWriter writes one row per sample: the host timestamp in Unix
// nanoseconds followed by one column per channel.
type CSVWriter struct {
	w      *csv.Writer
	closer io.Closer
	descs  []protocol.SensorDescriptor
	header bool
}

// NewCSVWriter writes to w. If w is an io.Closer, Close closes it.
func NewCSVWriter(w io.Writer) *CSVWriter {
	c := &CSVWriter{w: csv.NewWriter(w)}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// SetColumns fixes the channel columns. A header row is written before the
// next sample.
func (c *CSVWriter) SetColumns(descs []protocol.SensorDescriptor) {
	c.descs = append([]protocol.SensorDescriptor(nil), descs...)
	c.header = false
}

func (c *CSVWriter) Write(s protocol.Sample) error {
	if !c.header {
		row := make([]string, 0, len(c.descs)+1)
		row = append(row, "timestamp")
		for _, d := range c.descs {
			row = append(row, d.Name)
		}
		if err := c.w.Write(row); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		c.header = true
	}

	row := make([]string, 0, len(c.descs)+1)
	row = append(row, strconv.FormatInt(s.HostTime.UnixNano(), 10))
	for _, d := range c.descs {
		v, ok := s.Value(d.Channel)
		if !ok {
			row = append(row, "")
			continue
		}
		row = append(row, strconv.FormatFloat(v, 'f', 4, 64))
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *CSVWriter) Close() error {
	c.w.Flush()
	err := c.w.Error()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

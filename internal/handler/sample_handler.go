package handler

import (
	"context"
	"time"

	"github.com/lorenzgillner/pmd-usb-logger/internal/monitor"
	"github.com/lorenzgillner/pmd-usb-logger/internal/parser"
	"github.com/lorenzgillner/pmd-usb-logger/internal/storage"
	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Publisher sends records to a message broker.
type Publisher interface {
	Publish(ctx context.Context, rec *storage.Record) error
}

// SampleWriter persists samples, e.g. a CSVWriter.
type SampleWriter interface {
	SetColumns(descs []protocol.SensorDescriptor)
	Write(s protocol.Sample) error
}

// Options wire the outputs of a SampleHandler. Nil outputs are skipped.
type Options struct {
	Device    string
	RunID     string
	Writer    SampleWriter
	Publisher Publisher
	Monitor   *monitor.Monitor

	// SummaryChannel names the channel summarized every SummaryInterval.
	// Empty picks the first channel. A zero interval disables summaries.
	SummaryChannel  string
	SummaryInterval time.Duration
}

// SampleHandler fans decoded samples out to the configured outputs.
type SampleHandler struct {
	opts    Options
	log     *logrus.Logger
	descs   []protocol.SensorDescriptor
	window  *Window
	channel int
}

func NewSampleHandler(opts Options, log *logrus.Logger) *SampleHandler {
	return &SampleHandler{opts: opts, log: log}
}

// SetDescriptors declares the channels of the samples that follow.
func (h *SampleHandler) SetDescriptors(descs []protocol.SensorDescriptor) {
	h.flushSummary()
	h.descs = append([]protocol.SensorDescriptor(nil), descs...)
	if h.opts.Writer != nil {
		h.opts.Writer.SetColumns(h.descs)
	}

	h.window = nil
	if h.opts.SummaryInterval <= 0 || len(h.descs) == 0 {
		return
	}
	target := h.descs[0]
	for _, d := range h.descs {
		if d.Name == h.opts.SummaryChannel {
			target = d
			break
		}
	}
	if h.opts.SummaryChannel != "" && target.Name != h.opts.SummaryChannel {
		h.log.Warnf("summary channel %s not sampled, using %s", h.opts.SummaryChannel, target.Name)
	}
	h.channel = target.Channel
	h.window = &Window{Channel: target.Name, Interval: h.opts.SummaryInterval}
}

// Handle processes one sample. Only a failing writer is an error; publish
// failures are counted and logged.
func (h *SampleHandler) Handle(ctx context.Context, s protocol.Sample) error {
	start := time.Now()
	power := parser.SensorPower(s, h.descs)

	if h.opts.Writer != nil {
		if err := h.opts.Writer.Write(s); err != nil {
			return err
		}
	}

	if h.opts.Monitor != nil {
		h.opts.Monitor.ObserveSample(s, h.descs, power)
	}

	if h.opts.Publisher != nil {
		rec := storage.NewRecord(h.opts.RunID, h.opts.Device, s, h.descs, power)
		if err := h.opts.Publisher.Publish(ctx, rec); err != nil {
			if h.opts.Monitor != nil {
				h.opts.Monitor.PublishErrors.Inc()
			}
			h.log.Errorf("publish sample %d: %v", s.Seq, err)
		}
	}

	if h.window != nil {
		if v, ok := s.Value(h.channel); ok {
			if sum, closed := h.window.Add(s.HostTime, v); closed {
				h.logSummary(sum)
			}
		}
	}

	duration := time.Since(start).Seconds()
	if h.opts.Monitor != nil {
		h.opts.Monitor.ProcessingDuration.Observe(duration)
	}
	h.log.Debugf("sample %d handled in %.3fms", s.Seq, duration*1000)
	return nil
}

// Close flushes the open summary window.
func (h *SampleHandler) Close() {
	h.flushSummary()
}

func (h *SampleHandler) flushSummary() {
	if h.window == nil {
		return
	}
	if sum, ok := h.window.Flush(); ok {
		h.logSummary(sum)
	}
}

func (h *SampleHandler) logSummary(s Summary) {
	h.log.WithFields(logrus.Fields{
		"channel": s.Channel,
		"samples": s.Count,
		"min":     s.Min,
		"avg":     s.Mean,
		"max":     s.Max,
		"window":  s.End.Sub(s.Start).Round(time.Millisecond),
	}).Info("summary")
}

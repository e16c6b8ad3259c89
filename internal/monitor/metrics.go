package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/lorenzgillner/pmd-usb-logger/internal/session"
	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Monitor owns the logger's metrics. Each Monitor has its own registry.
type Monitor struct {
	log      *logrus.Logger
	registry *prometheus.Registry

	Requests  prometheus.Counter
	Retries   prometheus.Counter
	Timeouts  prometheus.Counter
	Frames    prometheus.Counter
	Corrupted prometheus.Counter
	Unknown   prometheus.Counter

	StreamDropped prometheus.Counter
	StreamStalls  prometheus.Counter
	DecodeErrors  prometheus.Counter

	SamplesProcessed   prometheus.Counter
	PublishErrors      prometheus.Counter
	ProcessingDuration prometheus.Histogram

	ChannelValue *prometheus.GaugeVec
	SensorPower  *prometheus.GaugeVec

	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// Last cumulative values seen, turned into counter increments.
	mu           sync.Mutex
	lastSession  session.Stats
	lastReceiver session.ReceiverStats
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: "pmd_" + name, Help: help})
}

func NewMonitor(log *logrus.Logger) *Monitor {
	m := &Monitor{
		log:      log,
		registry: prometheus.NewRegistry(),

		Requests:  counter("requests_total", "Requests sent to the device"),
		Retries:   counter("retries_total", "Requests retransmitted after a corrupted answer"),
		Timeouts:  counter("timeouts_total", "Requests that got no answer in time"),
		Frames:    counter("frames_total", "Well-formed frames decoded"),
		Corrupted: counter("frames_corrupted_total", "Frames rejected by checksum"),
		Unknown:   counter("frames_unknown_total", "Bytes discarded outside any frame"),

		StreamDropped: counter("stream_dropped_total", "Streamed samples dropped on buffer overflow"),
		StreamStalls:  counter("stream_stalls_total", "Watchdog stalls of continuous transmission"),
		DecodeErrors:  counter("decode_errors_total", "Frames that failed to decode into a sample"),

		SamplesProcessed: counter("samples_processed_total", "Samples handled by the output pipeline"),
		PublishErrors:    counter("publish_errors_total", "Samples that could not be published"),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pmd_processing_duration_seconds",
			Help:    "Time spent handling one sample",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),

		ChannelValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pmd_channel_value",
			Help: "Last value of each channel",
		}, []string{"channel", "unit"}),
		SensorPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pmd_sensor_power_watts",
			Help: "Last power drawn through each sensor",
		}, []string{"sensor"}),

		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmd_goroutines",
			Help: "Current number of goroutines",
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmd_memory_usage_bytes",
			Help: "Allocated heap memory",
		}),
	}

	m.registry.MustRegister(
		m.Requests, m.Retries, m.Timeouts,
		m.Frames, m.Corrupted, m.Unknown,
		m.StreamDropped, m.StreamStalls, m.DecodeErrors,
		m.SamplesProcessed, m.PublishErrors, m.ProcessingDuration,
		m.ChannelValue, m.SensorPower,
		m.GoroutineCount, m.MemoryUsage,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry the collectors are registered with.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func addDelta(c prometheus.Counter, now, last uint64) {
	if now > last {
		c.Add(float64(now - last))
	}
}

// ObserveSession folds the cumulative session counters into the metrics.
func (m *Monitor) ObserveSession(st session.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.lastSession
	addDelta(m.Requests, st.Requests, last.Requests)
	addDelta(m.Retries, st.Retries, last.Retries)
	addDelta(m.Timeouts, st.Timeouts, last.Timeouts)
	addDelta(m.Frames, st.Frames, last.Frames)
	addDelta(m.Corrupted, st.Corrupted, last.Corrupted)
	addDelta(m.Unknown, st.Unknown, last.Unknown)
	m.lastSession = st
}

// ObserveReceiver folds the counters of a stream receiver into the
// metrics. Call ResetReceiver before observing a new receiver.
func (m *Monitor) ObserveReceiver(st session.ReceiverStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.lastReceiver
	addDelta(m.StreamDropped, st.Dropped, last.Dropped)
	addDelta(m.StreamStalls, st.Stalls, last.Stalls)
	addDelta(m.DecodeErrors, st.DecodeErrors, last.DecodeErrors)
	m.lastReceiver = st
}

func (m *Monitor) ResetReceiver() {
	m.mu.Lock()
	m.lastReceiver = session.ReceiverStats{}
	m.mu.Unlock()
}

// ObserveSample records the channel values and sensor power of a sample.
func (m *Monitor) ObserveSample(s protocol.Sample, descs []protocol.SensorDescriptor, power map[string]float64) {
	for _, d := range descs {
		if v, ok := s.Value(d.Channel); ok {
			m.ChannelValue.WithLabelValues(d.Name, d.Unit).Set(v)
		}
	}
	for sensor, watts := range power {
		m.SensorPower.WithLabelValues(sensor).Set(watts)
	}
	m.SamplesProcessed.Inc()
}

// StartMetricsServer serves /metrics and /health on port. The returned
// server is shut down by the caller.
func (m *Monitor) StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.log.Infof("metrics server listening on %s", srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}

// StartRuntimeMonitor samples goroutine count and heap usage until ctx ends.
func (m *Monitor) StartRuntimeMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			m.GoroutineCount.Set(float64(runtime.NumGoroutine()))

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.MemoryUsage.Set(float64(memStats.Alloc))

			m.log.Debugf("goroutines: %d, memory: %.2f MB",
				runtime.NumGoroutine(),
				float64(memStats.Alloc)/1024/1024,
			)
		}
	}()
}

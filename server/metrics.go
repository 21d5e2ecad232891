package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "watcher"

// NewRegistry returns a registry whose collectors read the loop's counters
// at scrape time.
func NewRegistry(status StatusProvider) *prometheus.Registry {
	m := status.Metrics()
	reg := prometheus.NewRegistry()

	counter := func(name, help string, read func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read()) })
	}
	gauge := func(name, help string, read func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, read)
	}

	reg.MustRegister(
		counter("events_total", "Change events appended to the sink.", m.EventsTotal.Load),
		counter("sink_write_failures_total", "Failed sink appends.", m.SinkWritesFailed.Load),
		counter("checkpoints_total", "Resume tokens persisted.", m.CheckpointsTotal.Load),
		counter("checkpoint_failures_total", "Failed checkpoint writes.", m.CheckpointsFailed.Load),
		gauge("append_latency_seconds", "Latency of the last sink append.", func() float64 {
			return float64(m.AppendLatencyNanos.Load()) / 1e9
		}),
		gauge("checkpoint_latency_seconds", "Latency of the last checkpoint write.", func() float64 {
			return float64(m.CheckpointLatencyNanos.Load()) / 1e9
		}),
		gauge("last_event_timestamp_seconds", "Unix time of the last appended event.", func() float64 {
			return float64(m.LastEventTime.Load()) / 1e9
		}),
		gauge("last_checkpoint_timestamp_seconds", "Unix time of the last persisted checkpoint.", func() float64 {
			return float64(m.LastCheckpointTime.Load()) / 1e9
		}),
		gauge("state", "Lifecycle state of the consumption loop (0 INIT .. 5 TERMINATED).", func() float64 {
			return float64(status.State())
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

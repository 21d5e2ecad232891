package pipeline

import (
	"sync/atomic"
	"time"
)

// Metrics tracks the consumption loop. All fields are safe to read while
// the loop runs.
type Metrics struct {
	// Sink metrics
	EventsTotal        atomic.Int64
	SinkWritesFailed   atomic.Int64
	AppendLatencyNanos atomic.Int64
	LastEventTime      atomic.Int64 // Unix nano timestamp

	// Checkpoint metrics
	CheckpointsTotal       atomic.Int64
	CheckpointsFailed      atomic.Int64
	CheckpointLatencyNanos atomic.Int64
	LastCheckpointTime     atomic.Int64 // Unix nano timestamp

	StartTime atomic.Int64 // Unix nano timestamp
}

func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAppend records a sink append.
func (m *Metrics) RecordAppend(latency time.Duration, success bool) {
	if !success {
		m.SinkWritesFailed.Add(1)
		return
	}
	m.EventsTotal.Add(1)
	m.AppendLatencyNanos.Store(latency.Nanoseconds())
	m.LastEventTime.Store(time.Now().UnixNano())
}

// RecordCheckpoint records a checkpoint persist.
func (m *Metrics) RecordCheckpoint(latency time.Duration, success bool) {
	if !success {
		m.CheckpointsFailed.Add(1)
		return
	}
	m.CheckpointsTotal.Add(1)
	m.CheckpointLatencyNanos.Store(latency.Nanoseconds())
	m.LastCheckpointTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	EventsTotal        int64         `json:"events_total"`
	SinkWritesFailed   int64         `json:"sink_writes_failed"`
	AppendLatency      time.Duration `json:"append_latency_ns"`
	CheckpointsTotal   int64         `json:"checkpoints_total"`
	CheckpointsFailed  int64         `json:"checkpoints_failed"`
	CheckpointLatency  time.Duration `json:"checkpoint_latency_ns"`
	LastEventTime      *time.Time    `json:"last_event_time,omitempty"`
	LastCheckpointTime *time.Time    `json:"last_checkpoint_time,omitempty"`
	Uptime             time.Duration `json:"uptime_ns"`
}

func unixNano(ns int64) *time.Time {
	if ns <= 0 {
		return nil
	}
	t := time.Unix(0, ns)
	return &t
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		EventsTotal:        m.EventsTotal.Load(),
		SinkWritesFailed:   m.SinkWritesFailed.Load(),
		AppendLatency:      time.Duration(m.AppendLatencyNanos.Load()),
		CheckpointsTotal:   m.CheckpointsTotal.Load(),
		CheckpointsFailed:  m.CheckpointsFailed.Load(),
		CheckpointLatency:  time.Duration(m.CheckpointLatencyNanos.Load()),
		LastEventTime:      unixNano(m.LastEventTime.Load()),
		LastCheckpointTime: unixNano(m.LastCheckpointTime.Load()),
	}
	if t := m.StartTime.Load(); t > 0 {
		s.Uptime = time.Since(time.Unix(0, t))
	}
	return s
}

package server

import "github.com/tarungka/watcher/pipeline"

type ResponseModel struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type StatusModel struct {
	Service    string                   `json:"service"`
	Version    string                   `json:"version,omitempty"`
	RunID      string                   `json:"run_id,omitempty"`
	State      string                   `json:"state"`
	Checkpoint string                   `json:"checkpoint,omitempty"`
	Metrics    pipeline.MetricsSnapshot `json:"metrics"`
}

package daemon

import "gaffer/internal/domain"

// WorkerStartRequest registers a new worker against a workspace instance.
// EventType, Filters, and Concurrency default from the named runner config.
type WorkerStartRequest struct {
	Runner       string   `json:"runner"`
	InstancePath string   `json:"instance_path"`
	EventType    string   `json:"event_type,omitempty"`
	Filters      []string `json:"filters,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
}

type WorkerStopRequest struct {
	StopRuns bool `json:"stop_runs,omitempty"`
}

// WorkerDetail is a worker plus its run tally by status.
type WorkerDetail struct {
	Worker domain.Worker  `json:"worker"`
	Runs   map[string]int `json:"runs,omitempty"`
}

type WorkerListResponse struct {
	Workers []domain.Worker `json:"workers"`
}

type RunListResponse struct {
	Runs []domain.Run `json:"runs"`
}

type RunEnvelope struct {
	Run domain.Run `json:"run"`
}

type PruneResponse struct {
	Removed []string `json:"removed"`
}

type LogResponse struct {
	Lines []string `json:"lines"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	PID     int    `json:"pid"`
	Workers int    `json:"workers"`
}

type ShutdownResponse struct {
	Status string `json:"status"`
}

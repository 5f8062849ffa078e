package rest

import (
	"time"
)

type SubmitVertexRequest struct {
	Name          string            `json:"name"`
	Invokable     string            `json:"invokable"`
	Parallelism   int               `json:"parallelism"`
	NumPartitions int               `json:"num_partitions"`
	MaxAttempts   *int              `json:"max_attempts,omitempty"`
	Config        map[string]string `json:"config,omitempty"`
}

type SubmitVertexResponse struct {
	VertexID    string    `json:"vertex_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	Executions  int       `json:"executions"`
	Links       Links     `json:"links"`
}

type Links struct {
	Self       string `json:"self"`
	Executions string `json:"executions,omitempty"`
}

type GetVertexResponse struct {
	VertexID      string            `json:"vertex_id"`
	Name          string            `json:"name"`
	Invokable     string            `json:"invokable"`
	Parallelism   int               `json:"parallelism"`
	NumPartitions int               `json:"num_partitions"`
	MaxAttempts   int               `json:"max_attempts"`
	Config        map[string]string `json:"config,omitempty"`
	Progress      ProgressInfo      `json:"progress"`
	Done          bool              `json:"done"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	Links         Links             `json:"links"`
}

type ProgressInfo struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Deployed  int `json:"deployed"`
	Canceling int `json:"canceling"`
	Finished  int `json:"finished"`
	Canceled  int `json:"canceled"`
	Failed    int `json:"failed"`
}

type ListVerticesResponse struct {
	Vertices []VertexSummary `json:"vertices"`
	Total    int             `json:"total"`
}

type VertexSummary struct {
	VertexID    string    `json:"vertex_id"`
	Name        string    `json:"name"`
	Invokable   string    `json:"invokable"`
	Parallelism int       `json:"parallelism"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type ExecutionInfo struct {
	ExecutionVertexID   string     `json:"execution_vertex_id"`
	VertexID            string     `json:"vertex_id"`
	SubtaskIndex        int        `json:"subtask_index"`
	Attempt             int        `json:"attempt"`
	Status              string     `json:"status"`
	WorkerID            string     `json:"worker_id,omitempty"`
	Partitions          []string   `json:"partitions"`
	AvailablePartitions []string   `json:"available_partitions"`
	Error               string     `json:"error,omitempty"`
	Unresponsive        bool       `json:"unresponsive,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	DeployedAt          *time.Time `json:"deployed_at,omitempty"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	DurationMs          int64      `json:"duration_ms,omitempty"`
}

type ListExecutionsResponse struct {
	Executions []ExecutionInfo `json:"executions"`
	Total      int             `json:"total"`
	Limit      int             `json:"limit"`
	Offset     int             `json:"offset"`
	NextOffset *int            `json:"next_offset,omitempty"`
}

type WorkerInfo struct {
	WorkerID        string    `json:"worker_id"`
	Address         string    `json:"address"`
	Status          string    `json:"status"`
	CPUCores        uint32    `json:"cpu_cores"`
	Memory          string    `json:"memory"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

type ListWorkersResponse struct {
	Workers []WorkerInfo `json:"workers"`
}

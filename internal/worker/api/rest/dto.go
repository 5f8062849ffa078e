package rest

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nemanja-m/gorun/internal/worker/core"
)

type TaskInfo struct {
	ExecutionVertexID string           `json:"execution_vertex_id"`
	VertexID          string           `json:"vertex_id"`
	SubtaskIndex      int              `json:"subtask_index"`
	Attempt           int              `json:"attempt"`
	Invokable         string           `json:"invokable"`
	State             string           `json:"state"`
	FailureCause      string           `json:"failure_cause,omitempty"`
	Unresponsive      bool             `json:"unresponsive,omitempty"`
	Partitions        []PartitionInfo  `json:"partitions"`
	Transitions       []TransitionInfo `json:"transitions"`
}

type PartitionInfo struct {
	PartitionID  string `json:"partition_id"`
	Index        int    `json:"index"`
	State        string `json:"state"`
	Records      int64  `json:"records"`
	BytesWritten int64  `json:"bytes_written"`
	Size         string `json:"size"`
}

type TransitionInfo struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

type ListTasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
	Total int        `json:"total"`
}

type PartitionStateResponse struct {
	PartitionID string `json:"partition_id"`
	State       string `json:"state"`
}

func ToTaskInfo(s core.TaskSnapshot) TaskInfo {
	info := TaskInfo{
		ExecutionVertexID: s.ID.String(),
		VertexID:          s.ID.VertexID().String(),
		SubtaskIndex:      s.ID.SubtaskIndex(),
		Attempt:           s.Attempt,
		Invokable:         s.Invokable,
		State:             s.State.String(),
		Unresponsive:      s.Unresponsive,
		Partitions:        make([]PartitionInfo, 0, len(s.Partitions)),
		Transitions:       make([]TransitionInfo, 0, len(s.Transitions)),
	}
	if s.FailureCause != nil {
		info.FailureCause = s.FailureCause.Error()
	}
	for _, p := range s.Partitions {
		info.Partitions = append(info.Partitions, PartitionInfo{
			PartitionID:  p.ID.String(),
			Index:        p.Index,
			State:        p.State.String(),
			Records:      p.Records,
			BytesWritten: p.BytesWritten,
			Size:         humanize.Bytes(uint64(p.BytesWritten)),
		})
	}
	for _, tr := range s.Transitions {
		info.Transitions = append(info.Transitions, TransitionInfo{State: tr.State.String(), At: tr.At})
	}
	return info
}

package rest

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/nemanja-m/gorun/internal/coordinator/core"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

func (req *SubmitVertexRequest) Validate() error {
	if req.Invokable == "" {
		return fmt.Errorf("invokable is required")
	}
	if req.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be greater than 0")
	}
	if req.NumPartitions < 0 {
		return fmt.Errorf("num_partitions must not be negative")
	}
	if req.MaxAttempts != nil && *req.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than 0")
	}
	return nil
}

func (req *SubmitVertexRequest) ToVertex() *core.Vertex {
	v := &core.Vertex{
		Name:          req.Name,
		Invokable:     req.Invokable,
		Parallelism:   req.Parallelism,
		NumPartitions: req.NumPartitions,
		Config:        req.Config,
	}
	if req.MaxAttempts != nil {
		v.MaxAttempts = *req.MaxAttempts
	}
	return v
}

func vertexLinks(id pkgcore.VertexID) Links {
	return Links{
		Self:       fmt.Sprintf("/api/vertices/%s", id),
		Executions: fmt.Sprintf("/api/executions?vertex_id=%s", id),
	}
}

func ToSubmitVertexResponse(v *core.Vertex) SubmitVertexResponse {
	return SubmitVertexResponse{
		VertexID:    v.ID.String(),
		Status:      "SUBMITTED",
		SubmittedAt: v.SubmittedAt,
		Executions:  v.Parallelism,
		Links:       vertexLinks(v.ID),
	}
}

func ToGetVertexResponse(v *core.Vertex, p core.VertexProgress) GetVertexResponse {
	return GetVertexResponse{
		VertexID:      v.ID.String(),
		Name:          v.Name,
		Invokable:     v.Invokable,
		Parallelism:   v.Parallelism,
		NumPartitions: v.NumPartitions,
		MaxAttempts:   v.MaxAttempts,
		Config:        v.Config,
		Progress: ProgressInfo{
			Total:     p.Total,
			Pending:   p.Pending,
			Deployed:  p.Deployed,
			Canceling: p.Canceling,
			Finished:  p.Finished,
			Canceled:  p.Canceled,
			Failed:    p.Failed,
		},
		Done:        p.Done(),
		SubmittedAt: v.SubmittedAt,
		Links:       vertexLinks(v.ID),
	}
}

func ToVertexSummary(v *core.Vertex) VertexSummary {
	return VertexSummary{
		VertexID:    v.ID.String(),
		Name:        v.Name,
		Invokable:   v.Invokable,
		Parallelism: v.Parallelism,
		SubmittedAt: v.SubmittedAt,
	}
}

func ToExecutionInfo(e *core.Execution) ExecutionInfo {
	info := ExecutionInfo{
		ExecutionVertexID:   e.ID.String(),
		VertexID:            e.ID.VertexID().String(),
		SubtaskIndex:        e.ID.SubtaskIndex(),
		Attempt:             e.Attempt,
		Status:              string(e.Status),
		Partitions:          partitionStrings(e.Partitions),
		AvailablePartitions: partitionStrings(e.Available),
		Error:               e.Error,
		Unresponsive:        e.Unresponsive,
		CreatedAt:           e.CreatedAt,
		DeployedAt:          e.DeployedAt,
		EndedAt:             e.EndedAt,
		DurationMs:          e.Duration().Milliseconds(),
	}
	if e.WorkerID != uuid.Nil {
		info.WorkerID = e.WorkerID.String()
	}
	return info
}

func ToWorkerInfo(w *core.Worker) WorkerInfo {
	return WorkerInfo{
		WorkerID:        w.ID.String(),
		Address:         w.Address,
		Status:          string(w.Status),
		CPUCores:        w.CPUCores,
		Memory:          humanize.IBytes(w.MemoryBytes),
		RegisteredAt:    w.RegisteredAt,
		LastHeartbeatAt: w.LastHeartbeatAt,
	}
}

func partitionStrings(ids []pkgcore.PartitionID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

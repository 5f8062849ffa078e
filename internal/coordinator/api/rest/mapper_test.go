package rest

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/gorun/internal/coordinator/core"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

func TestSubmitVertexRequestToVertex(t *testing.T) {
	t.Run("basic conversion", func(t *testing.T) {
		req := SubmitVertexRequest{
			Name:          "test-vertex",
			Invokable:     "wordcount",
			Parallelism:   4,
			NumPartitions: 2,
			Config:        map[string]string{"input": "/data/*.txt"},
		}

		v := req.ToVertex()
		if v.Name != "test-vertex" || v.Invokable != "wordcount" {
			t.Errorf("Unexpected vertex %+v", v)
		}
		if v.Parallelism != 4 || v.NumPartitions != 2 {
			t.Errorf("Unexpected shape %d/%d", v.Parallelism, v.NumPartitions)
		}
		if v.MaxAttempts != 0 {
			t.Errorf("Expected unset max attempts, got %d", v.MaxAttempts)
		}
		if v.Config["input"] != "/data/*.txt" {
			t.Errorf("Expected config to be carried, got %v", v.Config)
		}
	})

	t.Run("explicit max attempts", func(t *testing.T) {
		attempts := 5
		req := SubmitVertexRequest{Invokable: "grep", Parallelism: 1, MaxAttempts: &attempts}
		if got := req.ToVertex().MaxAttempts; got != 5 {
			t.Errorf("Expected max attempts 5, got %d", got)
		}
	})
}

func TestToExecutionInfo(t *testing.T) {
	deployed := time.Now()
	ended := deployed.Add(1500 * time.Millisecond)
	vid := pkgcore.NewVertexID()
	partition := pkgcore.NewPartitionID()

	e := &core.Execution{
		ID:           pkgcore.MustExecutionVertexID(vid, 3),
		Attempt:      2,
		Status:       core.ExecutionStatusFailed,
		WorkerID:     uuid.New(),
		Partitions:   []pkgcore.PartitionID{partition},
		Available:    []pkgcore.PartitionID{partition},
		Error:        "boom",
		Unresponsive: true,
		DeployedAt:   &deployed,
		EndedAt:      &ended,
	}

	info := ToExecutionInfo(e)
	if info.ExecutionVertexID != e.ID.String() || info.VertexID != vid.String() || info.SubtaskIndex != 3 {
		t.Errorf("Unexpected identity %+v", info)
	}
	if info.Status != "FAILED" || info.Error != "boom" || !info.Unresponsive {
		t.Errorf("Unexpected status fields %+v", info)
	}
	if info.DurationMs != 1500 {
		t.Errorf("Expected duration 1500ms, got %d", info.DurationMs)
	}
	if len(info.AvailablePartitions) != 1 || info.AvailablePartitions[0] != partition.String() {
		t.Errorf("Unexpected available partitions %v", info.AvailablePartitions)
	}

	pending := ToExecutionInfo(&core.Execution{ID: e.ID, Status: core.ExecutionStatusPending})
	if pending.WorkerID != "" {
		t.Errorf("Expected no worker for pending execution, got %s", pending.WorkerID)
	}
	if pending.Partitions == nil {
		t.Error("Expected empty partitions slice, got nil")
	}
}

func TestToGetVertexResponse(t *testing.T) {
	v := &core.Vertex{ID: pkgcore.NewVertexID(), Name: "wc", Parallelism: 2, MaxAttempts: 3}
	p := core.VertexProgress{Total: 2, Finished: 1, Failed: 1}

	resp := ToGetVertexResponse(v, p)
	if !resp.Done {
		t.Error("Expected vertex to be done")
	}
	if resp.Progress.Finished != 1 || resp.Progress.Failed != 1 {
		t.Errorf("Unexpected progress %+v", resp.Progress)
	}
	if resp.Links.Executions != "/api/executions?vertex_id="+v.ID.String() {
		t.Errorf("Unexpected executions link %s", resp.Links.Executions)
	}
}

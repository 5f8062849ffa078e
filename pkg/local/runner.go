// Package local runs every subtask of one vertex in-process on the same task
// runtime the worker uses.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/gorun/internal/shared/logging"
	"github.com/nemanja-m/gorun/internal/worker/core"
	"github.com/nemanja-m/gorun/internal/worker/service"
	"github.com/nemanja-m/gorun/internal/worker/task"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
	"github.com/nemanja-m/gorun/pkg/jobs"
)

var ErrSubtaskFailed = errors.New("subtask failed")

type Config struct {
	// MaxConcurrent bounds how many subtasks run at once. Zero means all.
	MaxConcurrent        int
	PartitionsDir        string
	CancellationInterval time.Duration
	CancellationTimeout  time.Duration
	// Registry resolves invokable names. Nil means jobs.Default().
	Registry *jobs.Registry
}

type Vertex struct {
	Invokable     string
	Parallelism   int
	NumPartitions int
	Config        map[string]string
}

type Partition struct {
	ID      pkgcore.PartitionID
	Index   int
	State   string
	Path    string
	Records int64
	Bytes   int64
}

type SubtaskResult struct {
	ID         pkgcore.ExecutionVertexID
	State      string
	Err        error
	Partitions []Partition
}

type Result struct {
	VertexID pkgcore.VertexID
	Subtasks []SubtaskResult
	Elapsed  time.Duration
}

// PartitionFiles returns the files of every subtask's partition index,
// ordered by subtask.
func (r *Result) PartitionFiles(index int) []string {
	var paths []string
	for _, s := range r.Subtasks {
		if index < len(s.Partitions) && s.Partitions[index].Path != "" {
			paths = append(paths, s.Partitions[index].Path)
		}
	}
	return paths
}

type Runner struct {
	cfg    Config
	logger logging.Logger
}

func NewRunner(cfg Config, logger logging.Logger) *Runner {
	if cfg.PartitionsDir == "" {
		cfg.PartitionsDir = os.TempDir()
	}
	if cfg.CancellationInterval <= 0 {
		cfg.CancellationInterval = task.DefaultCancellationInterval
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Run deploys all subtasks of v and waits for them. The first failed subtask
// cancels the rest; its error is returned together with the partial result.
func (r *Runner) Run(ctx context.Context, v Vertex) (*Result, error) {
	if v.Invokable == "" || v.Parallelism <= 0 || v.NumPartitions < 0 {
		return nil, fmt.Errorf("%w: vertex needs an invokable, parallelism > 0 and num partitions >= 0", pkgcore.ErrInvalidArgument)
	}

	start := time.Now()
	vertexID := pkgcore.NewVertexID()
	logger := r.logger.With("vertex_id", vertexID.String(), "invokable", v.Invokable)

	manager, err := service.NewTaskManager(task.Config{
		CancellationInterval: r.cfg.CancellationInterval,
		CancellationTimeout:  r.cfg.CancellationTimeout,
		PartitionsDir:        r.cfg.PartitionsDir,
	}, v.Parallelism, service.NewRegistryLoader(r.cfg.Registry), &logActions{logger: logger}, nil, logger)
	if err != nil {
		return nil, err
	}

	ids := make([]pkgcore.ExecutionVertexID, v.Parallelism)
	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.MaxConcurrent > 0 {
		g.SetLimit(r.cfg.MaxConcurrent)
	}

	logger.Info("Starting vertex", "parallelism", v.Parallelism, "num_partitions", v.NumPartitions)
	for i := range v.Parallelism {
		id := pkgcore.MustExecutionVertexID(vertexID, i)
		ids[i] = id
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return r.runSubtask(gctx, manager, descriptor(id, v))
		})
	}
	runErr := g.Wait()

	result := &Result{VertexID: vertexID, Subtasks: make([]SubtaskResult, 0, len(ids))}
	for _, id := range ids {
		snapshot, err := manager.Task(id)
		if err != nil {
			// Never deployed because an earlier subtask failed.
			result.Subtasks = append(result.Subtasks, SubtaskResult{ID: id, State: core.ExecutionStateCanceled.String()})
			continue
		}
		result.Subtasks = append(result.Subtasks, toSubtaskResult(snapshot))
	}
	result.Elapsed = time.Since(start)

	logger.Info("Vertex completed", "elapsed", result.Elapsed.String(), "error", runErr)
	return result, runErr
}

func (r *Runner) runSubtask(ctx context.Context, manager *service.TaskManager, desc core.DeploymentDescriptor) error {
	t, err := manager.Deploy(desc)
	if err != nil {
		return err
	}

	select {
	case <-t.Done():
	case <-ctx.Done():
		t.Cancel()
		if err := r.awaitTeardown(t); err != nil {
			return err
		}
	}

	if t.State() == core.ExecutionStateFailed {
		return fmt.Errorf("%w: %s: %v", ErrSubtaskFailed, desc.ID, t.FailureCause())
	}
	return ctx.Err()
}

// awaitTeardown waits for a canceled task, giving up one interval after the
// cancellation timeout so an unresponsive invokable cannot hang the run.
func (r *Runner) awaitTeardown(t *task.Task) error {
	if r.cfg.CancellationTimeout <= 0 {
		<-t.Done()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CancellationTimeout+r.cfg.CancellationInterval)
	defer cancel()
	if err := t.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s", core.ErrTaskUnresponsive, t.ID())
	}
	return nil
}

func descriptor(id pkgcore.ExecutionVertexID, v Vertex) core.DeploymentDescriptor {
	partitions := make([]pkgcore.PartitionID, v.NumPartitions)
	for i := range partitions {
		partitions[i] = pkgcore.NewPartitionID()
	}
	return core.DeploymentDescriptor{
		ID:          id,
		Attempt:     1,
		Parallelism: v.Parallelism,
		Invokable:   v.Invokable,
		Config:      v.Config,
		Partitions:  partitions,
	}
}

func toSubtaskResult(s core.TaskSnapshot) SubtaskResult {
	result := SubtaskResult{ID: s.ID, State: s.State.String(), Err: s.FailureCause}
	for _, p := range s.Partitions {
		result.Partitions = append(result.Partitions, Partition{
			ID:      p.ID,
			Index:   p.Index,
			State:   p.State.String(),
			Path:    p.Path,
			Records: p.Records,
			Bytes:   p.BytesWritten,
		})
	}
	return result
}

// logActions reports task events to the log. Outcomes are read from the task
// manager once the run is over.
type logActions struct {
	logger logging.Logger
}

func (a *logActions) NotifyFailed(id pkgcore.ExecutionVertexID, attempt int, cause error) {
	a.logger.Error("Subtask failed", "execution_vertex_id", id.String(), "error", cause)
}

func (a *logActions) NotifyFinished(id pkgcore.ExecutionVertexID, attempt int) {
	a.logger.Info("Subtask finished", "execution_vertex_id", id.String())
}

func (a *logActions) NotifyCanceled(id pkgcore.ExecutionVertexID, attempt int) {
	a.logger.Info("Subtask canceled", "execution_vertex_id", id.String())
}

func (a *logActions) NotifyPartitionAvailable(id pkgcore.ExecutionVertexID, attempt int, partition pkgcore.PartitionID) {
	a.logger.Debug("Partition available", "execution_vertex_id", id.String(), "partition_id", partition.String())
}

func (a *logActions) NotifyFatalError(id pkgcore.ExecutionVertexID, attempt int, cause error) {
	a.logger.Error("Subtask unresponsive", "execution_vertex_id", id.String(), "error", cause)
}

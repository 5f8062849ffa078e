// Package task runs one attempt of one subtask on a worker.
//
// Each Task owns a dedicated goroutine that deploys the invokable, runs it,
// and moves the task to a terminal state. Control calls (Cancel,
// FailExternally, queries) may arrive from any goroutine at any time; they
// only touch the lifecycle fields guarded by the task mutex and the partition
// table, which has its own lock.
package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nemanja-m/gorun/internal/shared/logging"
	"github.com/nemanja-m/gorun/internal/worker/core"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

const (
	DefaultCancellationInterval = 30 * time.Second
	DefaultCancellationTimeout  = 180 * time.Second
)

type Config struct {
	// CancellationInterval is the grace period between the cooperative
	// cancel signal and the first forced interrupt, and between interrupts.
	CancellationInterval time.Duration
	// CancellationTimeout bounds the whole teardown. When it elapses with the
	// task goroutine still alive the task is reported as unresponsive. Zero
	// disables the report.
	CancellationTimeout time.Duration
	// PartitionsDir is where result partition files are created.
	PartitionsDir string
}

type Task struct {
	desc    core.DeploymentDescriptor
	cfg     Config
	loader  core.InvokableLoader
	actions core.TaskActions
	metrics *Metrics
	logger  logging.Logger

	partitions   *partitionTable
	partitionDir string

	invocationCtx    context.Context
	cancelInvocation context.CancelFunc

	interrupt     chan struct{}
	interruptOnce sync.Once
	done          chan struct{}

	mu            sync.Mutex
	state         core.ExecutionState
	cause         error
	transitions   []core.StateTransition
	started       bool
	invokable     pkgcore.Invokable
	writers       []*resultPartition
	watchdogArmed bool
	unresponsive  bool
}

func New(
	desc core.DeploymentDescriptor,
	cfg Config,
	loader core.InvokableLoader,
	actions core.TaskActions,
	metrics *Metrics,
	logger logging.Logger,
) *Task {
	if cfg.CancellationInterval <= 0 {
		cfg.CancellationInterval = DefaultCancellationInterval
	}
	if cfg.PartitionsDir == "" {
		cfg.PartitionsDir = filepath.Join(os.TempDir(), "gorun-partitions")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		desc:             desc,
		cfg:              cfg,
		loader:           loader,
		actions:          actions,
		metrics:          metrics,
		logger:           logger.With("execution_vertex_id", desc.ID.String(), "attempt", desc.Attempt),
		partitions:       newPartitionTable(desc.Partitions),
		partitionDir:     filepath.Join(cfg.PartitionsDir, fmt.Sprintf("%s-%d", desc.ID, desc.Attempt)),
		invocationCtx:    ctx,
		cancelInvocation: cancel,
		interrupt:        make(chan struct{}),
		done:             make(chan struct{}),
		state:            core.ExecutionStateCreated,
		transitions:      []core.StateTransition{{State: core.ExecutionStateCreated, At: time.Now().UTC()}},
	}
	metrics.observeTransition(-1, core.ExecutionStateCreated)
	return t
}

func (t *Task) ID() pkgcore.ExecutionVertexID {
	return t.desc.ID
}

func (t *Task) Attempt() int {
	return t.desc.Attempt
}

func (t *Task) Descriptor() core.DeploymentDescriptor {
	return t.desc
}

// Start launches the task goroutine. It has no effect if the task was
// already started or has left CREATED.
func (t *Task) Start() {
	t.mu.Lock()
	if t.started || t.state != core.ExecutionStateCreated {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.run()
}

func (t *Task) State() core.ExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// FailureCause returns the error that failed the task, if any.
func (t *Task) FailureCause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Done is closed once the task reached a terminal state and its goroutine,
// if any, exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) Snapshot() core.TaskSnapshot {
	t.mu.Lock()
	snapshot := core.TaskSnapshot{
		ID:           t.desc.ID,
		Attempt:      t.desc.Attempt,
		Invokable:    t.desc.Invokable,
		State:        t.state,
		FailureCause: t.cause,
		Unresponsive: t.unresponsive,
		Transitions:  append([]core.StateTransition(nil), t.transitions...),
	}
	t.mu.Unlock()

	snapshot.Partitions = t.partitions.snapshot()
	return snapshot
}

// QueryPartitionProducerState never waits for the task goroutine.
func (t *Task) QueryPartitionProducerState(partition pkgcore.PartitionID) (core.ProductionState, error) {
	state, ok := t.partitions.state(partition)
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrPartitionNotFound, partition)
	}
	return state, nil
}

func (t *Task) ProducesPartition(partition pkgcore.PartitionID) bool {
	return t.partitions.contains(partition)
}

// Cancel requests cancellation. It is always accepted and never blocks on
// the task goroutine; repeated calls and calls after termination are no-ops.
func (t *Task) Cancel() {
	t.stop(core.ExecutionStateCanceling, nil)
}

// FailExternally fails the task with cause, tearing down any running
// invocation the same way Cancel does.
func (t *Task) FailExternally(cause error) {
	if cause == nil {
		cause = errors.New("task failed externally")
	}
	t.stop(core.ExecutionStateFailing, cause)
}

// ReleasePartitions deletes the data of a finished task. Consumers querying
// afterwards see RELEASED.
func (t *Task) ReleasePartitions() error {
	if t.State() != core.ExecutionStateFinished {
		return fmt.Errorf("cannot release partitions of task in state %s", t.State())
	}
	return t.discardPartitions(core.ProductionStateReleased)
}

func (t *Task) stop(target core.ExecutionState, cause error) {
	t.mu.Lock()
	state := t.state
	switch state {
	case core.ExecutionStateCreated, core.ExecutionStateDeploying, core.ExecutionStateRunning:
	default:
		t.mu.Unlock()
		t.logger.Debug("Ignoring stop request", "state", state.String(), "requested", target.String())
		return
	}

	t.transitionLocked(state, target, cause)

	if state == core.ExecutionStateCreated && !t.started {
		// No goroutine will ever run, so finish the teardown here.
		t.mu.Unlock()
		t.cancelInvocation()
		t.terminate(nil, false)
		close(t.done)
		return
	}

	invokable := t.invokable
	t.mu.Unlock()

	t.logger.Info("Stopping task", "state", state.String(), "requested", target.String())
	t.cancelInvocation()
	if canceler, ok := invokable.(pkgcore.Canceler); ok {
		t.callHook("cancel", canceler.Cancel)
	}
	t.armWatchdog()
}

func (t *Task) run() {
	defer close(t.done)

	if !t.transitionState(core.ExecutionStateCreated, core.ExecutionStateDeploying, nil) {
		t.terminate(nil, false)
		return
	}

	invokable, writers, err := t.deploy()
	if err != nil {
		t.logger.Error("Task deployment failed", "error", err)
		t.terminate(err, false)
		return
	}

	t.mu.Lock()
	t.invokable = invokable
	t.writers = writers
	t.mu.Unlock()

	if !t.transitionState(core.ExecutionStateDeploying, core.ExecutionStateRunning, nil) {
		t.terminate(nil, false)
		return
	}

	err = t.invoke(invokable)
	t.terminate(err, true)
}

func (t *Task) deploy() (pkgcore.Invokable, []*resultPartition, error) {
	if t.desc.ID.IsZero() || t.desc.Invokable == "" {
		return nil, nil, fmt.Errorf("%w: missing execution vertex id or invokable", core.ErrInvalidDescriptor)
	}

	invokable, err := t.loader.Load(t.desc.Invokable)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load invokable %q: %w", t.desc.Invokable, err)
	}

	ids := t.partitions.ids()
	if len(ids) == 0 {
		return invokable, nil, nil
	}
	if err := os.MkdirAll(t.partitionDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create partition directory: %w", err)
	}

	writers := make([]*resultPartition, 0, len(ids))
	for i, id := range ids {
		rp, err := newResultPartition(t.partitionDir, i, id, t.partitions, t.interrupt, t.announcePartition)
		if err != nil {
			for _, w := range writers {
				w.discard()
			}
			os.RemoveAll(t.partitionDir)
			return nil, nil, err
		}
		writers = append(writers, rp)
	}
	return invokable, writers, nil
}

func (t *Task) invoke(invokable pkgcore.Invokable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invokable panicked: %v", r)
		}
	}()

	t.logger.Info("Invoking task", "invokable", t.desc.Invokable)
	return invokable.Invoke(t.invocationCtx, &environment{task: t})
}

// terminate moves the task from whatever non-terminal state it ended up in
// to its terminal state, settles the partitions and notifies TaskActions.
func (t *Task) terminate(err error, invoked bool) {
	if invoked && err == nil && t.tryFinish() {
		return
	}

	t.mu.Lock()
	switch t.state {
	case core.ExecutionStateCreated, core.ExecutionStateDeploying, core.ExecutionStateRunning:
		if err == nil {
			err = errors.New("task terminated unexpectedly")
		}
		t.transitionLocked(t.state, core.ExecutionStateFailing, err)
	}
	state := t.state
	cause := t.cause
	t.mu.Unlock()

	switch state {
	case core.ExecutionStateCanceling:
		if err := t.discardPartitions(core.ProductionStateReleased); err != nil {
			t.logger.Warn("Failed to release result partitions", "error", err)
		}
		t.transitionState(core.ExecutionStateCanceling, core.ExecutionStateCanceled, nil)
		t.logger.Info("Task canceled")
		t.actions.NotifyCanceled(t.desc.ID, t.desc.Attempt)

	case core.ExecutionStateFailing:
		if err := t.discardPartitions(core.ProductionStateFailed); err != nil {
			t.logger.Warn("Failed to discard result partitions", "error", err)
		}
		t.transitionState(core.ExecutionStateFailing, core.ExecutionStateFailed, nil)
		t.logger.Error("Task failed", "error", cause)
		t.actions.NotifyFailed(t.desc.ID, t.desc.Attempt, cause)
	}
}

// tryFinish commits a successful invocation. A cancel that arrived after the
// invokable already returned does not discard its output.
func (t *Task) tryFinish() bool {
	state := t.State()
	if state != core.ExecutionStateRunning && state != core.ExecutionStateCanceling {
		return false
	}

	if err := t.finishPartitions(); err != nil {
		t.transitionState(core.ExecutionStateRunning, core.ExecutionStateFailing,
			fmt.Errorf("failed to finish result partitions: %w", err))
		return false
	}

	t.mu.Lock()
	from := t.state
	finished := (from == core.ExecutionStateRunning || from == core.ExecutionStateCanceling) &&
		t.transitionLocked(from, core.ExecutionStateFinished, nil)
	t.mu.Unlock()
	if !finished {
		return false
	}

	var written int64
	for _, info := range t.partitions.snapshot() {
		written += info.BytesWritten
	}
	t.metrics.observeBytesWritten(written)
	t.logger.Info("Task finished", "partitions", len(t.writers), "written", humanize.Bytes(uint64(written)))
	t.actions.NotifyFinished(t.desc.ID, t.desc.Attempt)
	return true
}

func (t *Task) finishPartitions() error {
	t.mu.Lock()
	writers := t.writers
	t.mu.Unlock()

	var errs []error
	for _, w := range writers {
		if err := w.finish(); err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", w.id, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.partitions.transitionAll(core.ProductionStateAllDataProduced)
	return nil
}

func (t *Task) discardPartitions(final core.ProductionState) error {
	t.mu.Lock()
	writers := t.writers
	t.mu.Unlock()

	t.partitions.transitionAll(final)

	var errs []error
	for _, w := range writers {
		if err := w.discard(); err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", w.id, err))
		}
	}
	if len(writers) > 0 {
		if err := os.RemoveAll(t.partitionDir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Task) announcePartition(partition pkgcore.PartitionID) {
	t.logger.Debug("Result partition available", "partition_id", partition.String())
	t.actions.NotifyPartitionAvailable(t.desc.ID, t.desc.Attempt, partition)
}

func (t *Task) transitionState(from, to core.ExecutionState, cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(from, to, cause)
}

// transitionLocked is the single compare-and-set for lifecycle changes.
// Callers hold t.mu.
func (t *Task) transitionLocked(from, to core.ExecutionState, cause error) bool {
	if t.state != from || !from.CanTransitionTo(to) {
		return false
	}
	t.state = to
	if cause != nil && t.cause == nil {
		t.cause = cause
	}
	t.transitions = append(t.transitions, core.StateTransition{State: to, At: time.Now().UTC()})
	t.metrics.observeTransition(from, to)

	if cause != nil {
		t.logger.Info("Task state changed", "from", from.String(), "to", to.String(), "cause", cause)
	} else {
		t.logger.Info("Task state changed", "from", from.String(), "to", to.String())
	}
	return true
}

func (t *Task) callHook(name string, hook func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("Invokable hook panicked", "hook", name, "panic", r)
		}
	}()
	hook()
}

// environment is what the invokable sees of its task.
type environment struct {
	task *Task
}

func (e *environment) ExecutionVertexID() pkgcore.ExecutionVertexID {
	return e.task.desc.ID
}

func (e *environment) Attempt() int {
	return e.task.desc.Attempt
}

func (e *environment) Parallelism() int {
	return e.task.desc.Parallelism
}

func (e *environment) Config() map[string]string {
	return e.task.desc.Config
}

func (e *environment) NumPartitions() int {
	e.task.mu.Lock()
	defer e.task.mu.Unlock()
	return len(e.task.writers)
}

func (e *environment) Partition(index int) pkgcore.PartitionWriter {
	e.task.mu.Lock()
	defer e.task.mu.Unlock()
	return e.task.writers[index]
}

func (e *environment) Interrupted() <-chan struct{} {
	return e.task.interrupt
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/gorun/internal/shared/logging"
	"github.com/nemanja-m/gorun/internal/worker/core"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

// flakyClient fails the first failures reports and can be blocked.
type flakyClient struct {
	mockCoordinatorClient
	failures int
	calls    int
	gate     chan struct{}
	// err replaces the transient error when set.
	err error
}

func (c *flakyClient) ReportTaskEvent(ctx context.Context, event core.TaskEvent) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		if c.err != nil {
			return c.err
		}
		return errors.New("transient")
	}
	c.events = append(c.events, event)
	return nil
}

func TestNotifier_DeliversInOrderPerTask(t *testing.T) {
	client := &mockCoordinatorClient{}
	n := NewNotifier(client, NotifierConfig{Workers: 4, QueueSize: 64}, nil, logging.Nop{})
	n.Start()

	ids := []pkgcore.ExecutionVertexID{
		pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0),
		pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 1),
		pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 2),
	}
	for _, id := range ids {
		n.NotifyPartitionAvailable(id, 1, pkgcore.NewPartitionID())
		n.NotifyPartitionAvailable(id, 1, pkgcore.NewPartitionID())
		n.NotifyFinished(id, 1)
	}
	require.NoError(t, n.Close(context.Background()))

	for _, id := range ids {
		assert.Equal(t, []core.TaskEventKind{
			core.TaskEventPartitionAvailable,
			core.TaskEventPartitionAvailable,
			core.TaskEventFinished,
		}, client.eventKinds(id))
	}
}

func TestNotifier_CarriesCause(t *testing.T) {
	client := &mockCoordinatorClient{}
	n := NewNotifier(client, NotifierConfig{}, nil, logging.Nop{})
	n.Start()

	id := pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0)
	n.NotifyFailed(id, 3, errors.New("disk full"))
	n.NotifyFatalError(id, 3, core.ErrTaskUnresponsive)
	require.NoError(t, n.Close(context.Background()))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.events, 2)
	assert.Equal(t, "disk full", client.events[0].Cause)
	assert.Equal(t, 3, client.events[0].Attempt)
	assert.Equal(t, core.TaskEventFatalError, client.events[1].Kind)
	assert.Contains(t, client.events[1].Cause, "did not terminate")
}

func TestNotifier_RetriesTransientFailures(t *testing.T) {
	client := &flakyClient{failures: 2}
	reg := prometheus.NewRegistry()
	n := NewNotifier(client, NotifierConfig{Workers: 1, MaxAttempts: 3}, reg, logging.Nop{})
	n.Start()

	id := pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0)
	n.NotifyCanceled(id, 1)
	require.NoError(t, n.Close(context.Background()))

	assert.Equal(t, []core.TaskEventKind{core.TaskEventCanceled}, client.eventKinds(id))
	assert.Equal(t, 1.0, testutil.ToFloat64(n.delivered.WithLabelValues("CANCELED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(n.failed))
}

func TestNotifier_GivesUpAfterMaxAttempts(t *testing.T) {
	client := &flakyClient{failures: 10}
	n := NewNotifier(client, NotifierConfig{Workers: 1, MaxAttempts: 2}, nil, logging.Nop{})
	n.Start()

	n.NotifyFinished(pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0), 1)
	require.NoError(t, n.Close(context.Background()))

	client.mu.Lock()
	assert.Equal(t, 2, client.calls)
	client.mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(n.failed))
}

func TestNotifier_DoesNotRetryRejectedEvents(t *testing.T) {
	client := &flakyClient{failures: 10, err: fmt.Errorf("%w: stale attempt", core.ErrEventRejected)}
	n := NewNotifier(client, NotifierConfig{Workers: 1, MaxAttempts: 5}, nil, logging.Nop{})
	n.Start()

	n.NotifyFinished(pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0), 1)
	require.NoError(t, n.Close(context.Background()))

	client.mu.Lock()
	assert.Equal(t, 1, client.calls)
	client.mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(n.failed))
}

func TestNotifier_NeverBlocksCaller(t *testing.T) {
	client := &flakyClient{gate: make(chan struct{})}
	n := NewNotifier(client, NotifierConfig{Workers: 1, QueueSize: 1}, nil, logging.Nop{})
	n.Start()

	id := pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0)
	start := time.Now()
	for range 20 {
		n.NotifyPartitionAvailable(id, 1, pkgcore.NewPartitionID())
	}
	n.NotifyFinished(id, 1)
	require.Less(t, time.Since(start), time.Second)
	assert.Positive(t, testutil.ToFloat64(n.dropped))

	close(client.gate)
	require.NoError(t, n.Close(context.Background()))

	kinds := client.eventKinds(id)
	require.NotEmpty(t, kinds)
	assert.Contains(t, kinds, core.TaskEventFinished, "lifecycle events are never dropped")
}

func TestNotifier_BacklogKeepsOrder(t *testing.T) {
	client := &flakyClient{gate: make(chan struct{})}
	n := NewNotifier(client, NotifierConfig{Workers: 1, QueueSize: 1}, nil, logging.Nop{})
	n.Start()

	var want []core.TaskEvent
	for i := range 10 {
		id := pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), i)
		n.NotifyFatalError(id, 1, errors.New("stuck"))
		n.NotifyFinished(id, 1)
		want = append(want,
			core.TaskEvent{Kind: core.TaskEventFatalError, ID: id, Attempt: 1, Cause: "stuck"},
			core.TaskEvent{Kind: core.TaskEventFinished, ID: id, Attempt: 1},
		)
	}

	close(client.gate)
	require.NoError(t, n.Close(context.Background()))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, want, client.events)
	assert.Zero(t, testutil.ToFloat64(n.dropped))
}

func TestNotifier_CloseHonoursContext(t *testing.T) {
	client := &flakyClient{gate: make(chan struct{})}
	n := NewNotifier(client, NotifierConfig{Workers: 1}, nil, logging.Nop{})
	n.Start()

	n.NotifyFinished(pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, n.Close(ctx), context.DeadlineExceeded)

	require.NoError(t, n.Close(context.Background()), "second close is a no-op")
	n.NotifyFinished(pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), 0), 1)
}

func TestNotifier_ConcurrentNotify(t *testing.T) {
	client := &mockCoordinatorClient{}
	n := NewNotifier(client, NotifierConfig{Workers: 3, QueueSize: 512}, nil, logging.Nop{})
	n.Start()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			id := pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), i)
			n.NotifyPartitionAvailable(id, 1, pkgcore.NewPartitionID())
			n.NotifyFinished(id, 1)
		})
	}
	wg.Wait()
	require.NoError(t, n.Close(context.Background()))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Len(t, client.events, 20)
}

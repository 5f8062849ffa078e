package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nemanja-m/gorun/internal/shared/logging"
	"github.com/nemanja-m/gorun/internal/worker/core"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

const (
	DefaultNotifierWorkers     = 4
	DefaultNotifierQueueSize   = 256
	DefaultNotifierMaxAttempts = 5

	minRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff = 5 * time.Second
)

type NotifierConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
}

// Notifier implements core.TaskActions by reporting events to the
// coordinator in the background. Events of one execution vertex always go
// through the same delivery goroutine, so they arrive in the order they were
// raised.
type Notifier struct {
	client      core.CoordinatorClient
	maxAttempts int
	logger      logging.Logger

	delivered *prometheus.CounterVec
	dropped   prometheus.Counter
	failed    prometheus.Counter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	shards []*shard
	closed bool
	// overflow tracks backlog drainers. Queues are closed only after it
	// drains.
	overflow sync.WaitGroup
	wg       sync.WaitGroup
}

// shard is one delivery lane. Lifecycle events that find the queue full wait
// in backlog, which a single drainer feeds into the queue in FIFO order.
type shard struct {
	queue chan core.TaskEvent

	mu       sync.Mutex
	backlog  []core.TaskEvent
	draining bool
}

func NewNotifier(client core.CoordinatorClient, cfg NotifierConfig, reg prometheus.Registerer, logger logging.Logger) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultNotifierWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultNotifierQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultNotifierMaxAttempts
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		client:      client,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		shards:      make([]*shard, cfg.Workers),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gorun",
			Subsystem: "notifier",
			Name:      "events_delivered_total",
			Help:      "Number of task events delivered to the coordinator, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gorun",
			Subsystem: "notifier",
			Name:      "events_dropped_total",
			Help:      "Number of partition events dropped because the delivery queue was full.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gorun",
			Subsystem: "notifier",
			Name:      "events_failed_total",
			Help:      "Number of task events that could not be delivered after all attempts.",
		}),
	}
	reg.MustRegister(n.delivered, n.dropped, n.failed)

	for i := range n.shards {
		n.shards[i] = &shard{queue: make(chan core.TaskEvent, cfg.QueueSize)}
	}
	return n
}

func (n *Notifier) Start() {
	for _, sh := range n.shards {
		n.wg.Go(func() {
			for event := range sh.queue {
				n.deliver(event)
			}
		})
	}
}

// Close stops accepting events and waits until queued events are delivered.
// When ctx ends first, pending retries are abandoned.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.overflow.Wait()
		for _, sh := range n.shards {
			close(sh.queue)
		}
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}

func (n *Notifier) NotifyFailed(id pkgcore.ExecutionVertexID, attempt int, cause error) {
	event := core.TaskEvent{Kind: core.TaskEventFailed, ID: id, Attempt: attempt}
	if cause != nil {
		event.Cause = cause.Error()
	}
	n.enqueue(event)
}

func (n *Notifier) NotifyFinished(id pkgcore.ExecutionVertexID, attempt int) {
	n.enqueue(core.TaskEvent{Kind: core.TaskEventFinished, ID: id, Attempt: attempt})
}

func (n *Notifier) NotifyCanceled(id pkgcore.ExecutionVertexID, attempt int) {
	n.enqueue(core.TaskEvent{Kind: core.TaskEventCanceled, ID: id, Attempt: attempt})
}

func (n *Notifier) NotifyPartitionAvailable(id pkgcore.ExecutionVertexID, attempt int, partition pkgcore.PartitionID) {
	n.enqueue(core.TaskEvent{Kind: core.TaskEventPartitionAvailable, ID: id, Attempt: attempt, Partition: partition})
}

func (n *Notifier) NotifyFatalError(id pkgcore.ExecutionVertexID, attempt int, cause error) {
	event := core.TaskEvent{Kind: core.TaskEventFatalError, ID: id, Attempt: attempt}
	if cause != nil {
		event.Cause = cause.Error()
	}
	n.enqueue(event)
}

// enqueue never blocks the caller. A full queue drops partition
// announcements; lifecycle events join the shard backlog instead. While a
// backlog exists every later event of the shard goes behind it.
func (n *Notifier) enqueue(event core.TaskEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.Warn("Dropping task event after shutdown",
			"kind", event.Kind.String(), "execution_vertex_id", event.ID.String())
		return
	}

	sh := n.shards[event.ID.Hash()%uint32(len(n.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.backlog) == 0 {
		select {
		case sh.queue <- event:
			return
		default:
		}
	}

	if event.Kind == core.TaskEventPartitionAvailable {
		n.dropped.Inc()
		n.logger.Warn("Notification queue full, dropping partition event",
			"execution_vertex_id", event.ID.String(), "partition_id", event.Partition.String())
		return
	}

	n.logger.Warn("Notification queue full, delivery delayed",
		"kind", event.Kind.String(), "execution_vertex_id", event.ID.String())
	sh.backlog = append(sh.backlog, event)
	if !sh.draining {
		sh.draining = true
		n.overflow.Go(func() { sh.drain() })
	}
}

// drain moves backlogged events into the queue until the backlog is empty.
// The head leaves the backlog only once it is queued, so enqueue cannot
// overtake it.
func (sh *shard) drain() {
	for {
		sh.mu.Lock()
		if len(sh.backlog) == 0 {
			sh.draining = false
			sh.backlog = nil
			sh.mu.Unlock()
			return
		}
		event := sh.backlog[0]
		sh.mu.Unlock()

		sh.queue <- event

		sh.mu.Lock()
		sh.backlog = sh.backlog[1:]
		sh.mu.Unlock()
	}
}

func (n *Notifier) deliver(event core.TaskEvent) {
	backoff := minRetryBackoff
	for attempt := 1; ; attempt++ {
		err := n.client.ReportTaskEvent(n.ctx, event)
		if err == nil {
			n.delivered.WithLabelValues(event.Kind.String()).Inc()
			n.logger.Debug("Task event delivered",
				"kind", event.Kind.String(), "execution_vertex_id", event.ID.String(), "attempt", event.Attempt)
			return
		}
		if attempt >= n.maxAttempts || errors.Is(err, context.Canceled) || errors.Is(err, core.ErrEventRejected) {
			n.failed.Inc()
			n.logger.Error("Failed to deliver task event",
				"kind", event.Kind.String(),
				"execution_vertex_id", event.ID.String(),
				"attempt", event.Attempt,
				"tries", attempt,
				"error", err,
			)
			return
		}

		n.logger.Warn("Task event delivery failed, retrying", "kind", event.Kind.String(), "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-n.ctx.Done():
			n.failed.Inc()
			return
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

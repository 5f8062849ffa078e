package core

import (
	"container/heap"
	"errors"
	"sync"

	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

// ExecutionPriority defines deployment urgency (lower value means higher priority).
type ExecutionPriority int

const (
	// ExecutionPriorityRetry is used for attempts requeued after a worker loss.
	ExecutionPriorityRetry ExecutionPriority = 0
	ExecutionPriorityNormal ExecutionPriority = 1
)

// ErrQueueEmpty is returned when Pop() or Top() is called on an empty queue.
var ErrQueueEmpty = errors.New("execution queue is empty")

var ErrAlreadyQueued = errors.New("execution already queued")

// ExecutionQueue is a thread-safe min-heap of executions waiting for a
// worker. Executions with the same priority are served in FIFO order. An
// execution is queued at most once and can be removed before it is popped.
type ExecutionQueue interface {
	Push(id pkgcore.ExecutionVertexID, priority ExecutionPriority) error
	Pop() (pkgcore.ExecutionVertexID, error)
	Top() (pkgcore.ExecutionVertexID, error)
	Remove(id pkgcore.ExecutionVertexID) bool
	Contains(id pkgcore.ExecutionVertexID) bool
	Len() int
}

type heapExecutionQueue struct {
	pq       priorityQueue
	items    map[pkgcore.ExecutionVertexID]*item
	mu       sync.RWMutex
	sequence uint64
}

func NewExecutionQueue() ExecutionQueue {
	pq := make(priorityQueue, 0)
	heap.Init(&pq)
	return &heapExecutionQueue{
		pq:    pq,
		items: make(map[pkgcore.ExecutionVertexID]*item),
	}
}

func (q *heapExecutionQueue) Push(id pkgcore.ExecutionVertexID, priority ExecutionPriority) error {
	if id.IsZero() {
		return errors.New("cannot push zero execution vertex id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[id]; exists {
		return ErrAlreadyQueued
	}
	it := &item{
		id:       id,
		priority: priority,
		sequence: q.sequence,
	}
	heap.Push(&q.pq, it)
	q.items[id] = it
	q.sequence++
	return nil
}

func (q *heapExecutionQueue) Pop() (pkgcore.ExecutionVertexID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pq.Len() == 0 {
		return pkgcore.ExecutionVertexID{}, ErrQueueEmpty
	}
	it := heap.Pop(&q.pq).(*item)
	delete(q.items, it.id)
	return it.id, nil
}

func (q *heapExecutionQueue) Top() (pkgcore.ExecutionVertexID, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.pq.Len() == 0 {
		return pkgcore.ExecutionVertexID{}, ErrQueueEmpty
	}
	return q.pq[0].id, nil
}

func (q *heapExecutionQueue) Remove(id pkgcore.ExecutionVertexID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, exists := q.items[id]
	if !exists {
		return false
	}
	heap.Remove(&q.pq, it.index)
	delete(q.items, id)
	return true
}

func (q *heapExecutionQueue) Contains(id pkgcore.ExecutionVertexID) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, exists := q.items[id]
	return exists
}

func (q *heapExecutionQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pq.Len()
}

// item wraps an execution ID with its priority, sequence number, and index in the heap.
type item struct {
	id       pkgcore.ExecutionVertexID
	priority ExecutionPriority
	sequence uint64 // Insertion order for FIFO within same priority
	index    int    // Required by heap.Interface
}

// priorityQueue satisfies heap.Interface.
type priorityQueue []*item

func (pq priorityQueue) Len() int {
	return len(pq)
}

func (pq priorityQueue) Less(i, j int) bool {
	// Min-heap based on priority (lower value = higher priority)
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	// If priorities are equal, maintain FIFO order (lower sequence = earlier)
	return pq[i].sequence < pq[j].sequence
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	it := x.(*item)
	it.index = n
	*pq = append(*pq, it)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[0 : n-1]
	return it
}

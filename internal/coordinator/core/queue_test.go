package core

import (
	"sync"
	"testing"

	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

func newTestID(index int) pkgcore.ExecutionVertexID {
	return pkgcore.MustExecutionVertexID(pkgcore.NewVertexID(), index)
}

func TestNewExecutionQueue(t *testing.T) {
	q := NewExecutionQueue()
	if q == nil {
		t.Fatal("NewExecutionQueue returned nil")
	}
	if q.Len() != 0 {
		t.Errorf("expected new queue to have length 0, got %d", q.Len())
	}
}

func TestExecutionQueue_Push(t *testing.T) {
	tests := []struct {
		name     string
		id       pkgcore.ExecutionVertexID
		priority ExecutionPriority
		wantErr  bool
	}{
		{
			name:     "push valid execution with normal priority",
			id:       newTestID(0),
			priority: ExecutionPriorityNormal,
		},
		{
			name:     "push valid execution with retry priority",
			id:       newTestID(1),
			priority: ExecutionPriorityRetry,
		},
		{
			name:     "push zero id returns error",
			id:       pkgcore.ExecutionVertexID{},
			priority: ExecutionPriorityNormal,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewExecutionQueue()
			err := q.Push(tt.id, tt.priority)
			if (err != nil) != tt.wantErr {
				t.Errorf("Push() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && q.Len() != 1 {
				t.Errorf("expected queue length 1 after push, got %d", q.Len())
			}
		})
	}
}

func TestExecutionQueue_PushDuplicate(t *testing.T) {
	q := NewExecutionQueue()
	id := newTestID(0)
	if err := q.Push(id, ExecutionPriorityNormal); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := q.Push(id, ExecutionPriorityRetry); err != ErrAlreadyQueued {
		t.Errorf("expected ErrAlreadyQueued, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected queue length 1, got %d", q.Len())
	}
}

func TestExecutionQueue_Pop(t *testing.T) {
	t.Run("pop from empty queue returns error", func(t *testing.T) {
		q := NewExecutionQueue()
		_, err := q.Pop()
		if err != ErrQueueEmpty {
			t.Errorf("expected ErrQueueEmpty, got %v", err)
		}
	})

	t.Run("retries are served before normal executions", func(t *testing.T) {
		q := NewExecutionQueue()
		normal1, normal2, retry := newTestID(0), newTestID(1), newTestID(2)
		q.Push(normal1, ExecutionPriorityNormal)
		q.Push(normal2, ExecutionPriorityNormal)
		q.Push(retry, ExecutionPriorityRetry)

		want := []pkgcore.ExecutionVertexID{retry, normal1, normal2}
		for i, w := range want {
			got, err := q.Pop()
			if err != nil {
				t.Fatalf("Pop() #%d error = %v", i, err)
			}
			if got != w {
				t.Errorf("Pop() #%d = %s, want %s", i, got, w)
			}
		}
		if q.Len() != 0 {
			t.Errorf("expected empty queue, got %d", q.Len())
		}
	})

	t.Run("popped execution can be queued again", func(t *testing.T) {
		q := NewExecutionQueue()
		id := newTestID(0)
		q.Push(id, ExecutionPriorityNormal)
		q.Pop()
		if err := q.Push(id, ExecutionPriorityRetry); err != nil {
			t.Errorf("Push() after Pop() error = %v", err)
		}
	})
}

func TestExecutionQueue_Top(t *testing.T) {
	q := NewExecutionQueue()
	if _, err := q.Top(); err != ErrQueueEmpty {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}

	id := newTestID(3)
	q.Push(id, ExecutionPriorityNormal)
	top, err := q.Top()
	if err != nil || top != id {
		t.Errorf("Top() = %s, %v; want %s", top, err, id)
	}
	if q.Len() != 1 {
		t.Errorf("Top() must not remove, length %d", q.Len())
	}
}

func TestExecutionQueue_Remove(t *testing.T) {
	q := NewExecutionQueue()
	ids := []pkgcore.ExecutionVertexID{newTestID(0), newTestID(1), newTestID(2), newTestID(3)}
	for _, id := range ids {
		q.Push(id, ExecutionPriorityNormal)
	}

	if !q.Remove(ids[1]) {
		t.Fatal("Remove() of queued execution returned false")
	}
	if q.Remove(ids[1]) {
		t.Error("second Remove() returned true")
	}
	if q.Contains(ids[1]) {
		t.Error("removed execution still queued")
	}

	want := []pkgcore.ExecutionVertexID{ids[0], ids[2], ids[3]}
	for i, w := range want {
		got, _ := q.Pop()
		if got != w {
			t.Errorf("Pop() #%d = %s, want %s", i, got, w)
		}
	}
}

func TestExecutionQueue_ConcurrentAccess(t *testing.T) {
	q := NewExecutionQueue()
	const n = 100

	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			q.Push(newTestID(i), ExecutionPriority(i%2))
		})
	}
	wg.Wait()

	if q.Len() != n {
		t.Fatalf("expected %d queued executions, got %d", n, q.Len())
	}

	popped := make(chan pkgcore.ExecutionVertexID, n)
	for range n {
		wg.Go(func() {
			id, err := q.Pop()
			if err == nil {
				popped <- id
			}
		})
	}
	wg.Wait()
	close(popped)

	seen := make(map[pkgcore.ExecutionVertexID]bool)
	for id := range popped {
		if seen[id] {
			t.Errorf("execution %s popped twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("expected %d distinct executions, got %d", n, len(seen))
	}
}

package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/gorun/internal/coordinator/core"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

type InMemoryExecutionStore struct {
	mu         sync.RWMutex
	vertices   map[pkgcore.VertexID]*core.Vertex
	executions map[pkgcore.ExecutionVertexID]*core.Execution
	byVertex   map[pkgcore.VertexID][]pkgcore.ExecutionVertexID
}

func NewInMemoryExecutionStore() *InMemoryExecutionStore {
	return &InMemoryExecutionStore{
		vertices:   make(map[pkgcore.VertexID]*core.Vertex),
		executions: make(map[pkgcore.ExecutionVertexID]*core.Execution),
		byVertex:   make(map[pkgcore.VertexID][]pkgcore.ExecutionVertexID),
	}
}

func (s *InMemoryExecutionStore) SaveVertex(vertex *core.Vertex, executions ...*core.Execution) error {
	if vertex == nil {
		return fmt.Errorf("%w: vertex is nil", pkgcore.ErrInvalidArgument)
	}
	for _, e := range executions {
		if e.ID.VertexID() != vertex.ID {
			return fmt.Errorf("%w: execution %s does not belong to vertex %s",
				pkgcore.ErrInvalidArgument, e.ID, vertex.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := *vertex
	s.vertices[vertex.ID] = &v
	for _, e := range executions {
		if _, exists := s.executions[e.ID]; !exists {
			s.byVertex[vertex.ID] = append(s.byVertex[vertex.ID], e.ID)
		}
		s.executions[e.ID] = e.Clone()
	}
	return nil
}

func (s *InMemoryExecutionStore) GetVertex(id pkgcore.VertexID) (*core.Vertex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vertex, exists := s.vertices[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", core.ErrVertexNotFound, id)
	}
	v := *vertex
	return &v, nil
}

// GetVertices returns all vertices, oldest submission first.
func (s *InMemoryExecutionStore) GetVertices() ([]*core.Vertex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vertices := make([]*core.Vertex, 0, len(s.vertices))
	for _, vertex := range s.vertices {
		v := *vertex
		vertices = append(vertices, &v)
	}
	sort.Slice(vertices, func(i, j int) bool {
		if vertices[i].SubmittedAt.Equal(vertices[j].SubmittedAt) {
			return vertices[i].ID.String() < vertices[j].ID.String()
		}
		return vertices[i].SubmittedAt.Before(vertices[j].SubmittedAt)
	})
	return vertices, nil
}

func (s *InMemoryExecutionStore) UpdateExecution(execution *core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; !exists {
		return fmt.Errorf("%w: %s", core.ErrExecutionNotFound, execution.ID)
	}
	s.executions[execution.ID] = execution.Clone()
	return nil
}

func (s *InMemoryExecutionStore) GetExecution(id pkgcore.ExecutionVertexID) (*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, exists := s.executions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, id)
	}
	return execution.Clone(), nil
}

// GetExecutions returns one page of the executions matching filter together
// with the number of matches before paging. Executions are ordered by vertex
// submission and then by subtask index.
func (s *InMemoryExecutionStore) GetExecutions(filter core.ExecutionFilter) ([]*core.Execution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var vertexIDs []pkgcore.VertexID
	if filter.VertexID != nil {
		if _, exists := s.vertices[*filter.VertexID]; !exists {
			return nil, 0, fmt.Errorf("%w: %s", core.ErrVertexNotFound, *filter.VertexID)
		}
		vertexIDs = []pkgcore.VertexID{*filter.VertexID}
	} else {
		vertexIDs = s.orderedVertexIDs()
	}

	var matched []*core.Execution
	for _, vid := range vertexIDs {
		for _, id := range s.byVertex[vid] {
			e := s.executions[id]
			if filter.Status != nil && e.Status != *filter.Status {
				continue
			}
			matched = append(matched, e)
		}
	}

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	page := make([]*core.Execution, 0, end-start)
	for _, e := range matched[start:end] {
		page = append(page, e.Clone())
	}
	return page, total, nil
}

func (s *InMemoryExecutionStore) GetExecutionsByWorker(workerID uuid.UUID) ([]*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var executions []*core.Execution
	for _, vid := range s.orderedVertexIDs() {
		for _, id := range s.byVertex[vid] {
			if e := s.executions[id]; e.WorkerID == workerID {
				executions = append(executions, e.Clone())
			}
		}
	}
	return executions, nil
}

func (s *InMemoryExecutionStore) orderedVertexIDs() []pkgcore.VertexID {
	ids := make([]pkgcore.VertexID, 0, len(s.vertices))
	for id := range s.vertices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.vertices[ids[i]], s.vertices[ids[j]]
		if a.SubmittedAt.Equal(b.SubmittedAt) {
			return ids[i].String() < ids[j].String()
		}
		return a.SubmittedAt.Before(b.SubmittedAt)
	})
	return ids
}

type InMemoryWorkerStore struct {
	mu      sync.RWMutex
	workers map[uuid.UUID]*core.Worker
}

func NewInMemoryWorkerStore() *InMemoryWorkerStore {
	return &InMemoryWorkerStore{
		workers: make(map[uuid.UUID]*core.Worker),
	}
}

func (s *InMemoryWorkerStore) AddWorker(worker *core.Worker) error {
	if worker == nil {
		return fmt.Errorf("%w: worker is nil", pkgcore.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := *worker
	s.workers[worker.ID] = &w
	return nil
}

func (s *InMemoryWorkerStore) GetWorkerByID(id uuid.UUID) (*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	worker, exists := s.workers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", core.ErrWorkerNotFound, id)
	}
	w := *worker
	return &w, nil
}

func (s *InMemoryWorkerStore) GetAllWorkers() ([]*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workers := make([]*core.Worker, 0, len(s.workers))
	for _, worker := range s.workers {
		w := *worker
		workers = append(workers, &w)
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].RegisteredAt.Before(workers[j].RegisteredAt)
	})
	return workers, nil
}

func (s *InMemoryWorkerStore) UpdateWorkerHeartbeat(id uuid.UUID, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker, exists := s.workers[id]
	if !exists {
		return fmt.Errorf("%w: %s", core.ErrWorkerNotFound, id)
	}
	worker.LastHeartbeatAt = timestamp
	return nil
}

func (s *InMemoryWorkerStore) RemoveWorker(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
	return nil
}

func (s *InMemoryWorkerStore) GetStaleWorkers(threshold time.Time) ([]*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*core.Worker
	for _, worker := range s.workers {
		if worker.LastHeartbeatAt.Before(threshold) {
			w := *worker
			stale = append(stale, &w)
		}
	}
	return stale, nil
}

package task

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nemanja-m/gorun/internal/worker/core"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

var errPartitionClosed = errors.New("result partition is closed")

type partitionEntry struct {
	index   int
	state   core.ProductionState
	bytes   int64
	records int64
	path    string
}

// partitionTable holds the production state of a task's result partitions.
// It has its own lock so consumers never wait on the task lifecycle.
type partitionTable struct {
	mu      sync.RWMutex
	order   []pkgcore.PartitionID
	entries map[pkgcore.PartitionID]*partitionEntry
}

func newPartitionTable(ids []pkgcore.PartitionID) *partitionTable {
	t := &partitionTable{
		order:   make([]pkgcore.PartitionID, 0, len(ids)),
		entries: make(map[pkgcore.PartitionID]*partitionEntry, len(ids)),
	}
	for i, id := range ids {
		if _, exists := t.entries[id]; exists {
			continue
		}
		t.order = append(t.order, id)
		t.entries[id] = &partitionEntry{index: i, state: core.ProductionStateNotProducing}
	}
	return t
}

func (t *partitionTable) state(id pkgcore.PartitionID) (core.ProductionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return entry.state, true
}

func (t *partitionTable) contains(id pkgcore.PartitionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[id]
	return ok
}

// transition moves one partition to next if allowed and reports whether the
// state changed.
func (t *partitionTable) transition(id pkgcore.PartitionID, next core.ProductionState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok || !entry.state.CanTransitionTo(next) {
		return false
	}
	entry.state = next
	return true
}

// transitionAll moves every partition that allows it to next.
func (t *partitionTable) transitionAll(next core.ProductionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.entries {
		if entry.state.CanTransitionTo(next) {
			entry.state = next
		}
	}
}

func (t *partitionTable) addRecord(id pkgcore.PartitionID, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[id]; ok {
		entry.records++
		entry.bytes += int64(n)
	}
}

func (t *partitionTable) setPath(id pkgcore.PartitionID, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[id]; ok {
		entry.path = path
	}
}

func (t *partitionTable) snapshot() []core.PartitionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	infos := make([]core.PartitionInfo, 0, len(t.order))
	for _, id := range t.order {
		entry := t.entries[id]
		infos = append(infos, core.PartitionInfo{
			ID:           id,
			Index:        entry.index,
			State:        entry.state,
			BytesWritten: entry.bytes,
			Records:      entry.records,
			Path:         entry.path,
		})
	}
	return infos
}

func (t *partitionTable) ids() []pkgcore.PartitionID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]pkgcore.PartitionID(nil), t.order...)
}

// resultPartition is a newline-delimited file holding the records one task
// produced for one partition.
type resultPartition struct {
	id          pkgcore.PartitionID
	index       int
	path        string
	table       *partitionTable
	interrupted <-chan struct{}
	onAvailable func(pkgcore.PartitionID)

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	wrote  bool
	closed bool
}

func newResultPartition(
	dir string,
	index int,
	id pkgcore.PartitionID,
	table *partitionTable,
	interrupted <-chan struct{},
	onAvailable func(pkgcore.PartitionID),
) (*resultPartition, error) {
	path := filepath.Join(dir, fmt.Sprintf("part-%04d-%s", index, id))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create result partition %s: %w", id, err)
	}
	table.setPath(id, path)
	return &resultPartition{
		id:          id,
		index:       index,
		path:        path,
		table:       table,
		interrupted: interrupted,
		onAvailable: onAvailable,
		file:        file,
		w:           bufio.NewWriter(file),
	}, nil
}

func (p *resultPartition) ID() pkgcore.PartitionID {
	return p.id
}

// Write appends one record. The first record moves the partition to
// PRODUCING and announces it to consumers.
func (p *resultPartition) Write(record string) error {
	select {
	case <-p.interrupted:
		return core.ErrInterrupted
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPartitionClosed
	}
	if _, err := p.w.WriteString(record); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := p.w.WriteByte('\n'); err != nil {
		p.mu.Unlock()
		return err
	}
	first := !p.wrote
	p.wrote = true
	p.mu.Unlock()

	p.table.addRecord(p.id, len(record)+1)
	if first && p.table.transition(p.id, core.ProductionStateProducing) && p.onAvailable != nil {
		p.onAvailable(p.id)
	}
	return nil
}

// finish flushes and closes the file. The data stays on disk for consumers.
func (p *resultPartition) finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPartitionClosed
	}
	p.closed = true
	if err := p.w.Flush(); err != nil {
		p.file.Close()
		return err
	}
	return p.file.Close()
}

// discard closes the file, if still open, and deletes it.
func (p *resultPartition) discard() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.file.Close()
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

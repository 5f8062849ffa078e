package core

import "context"

type KeyValue struct {
	Key   string
	Value string
}

// Invokable is the user computation run by a task. Invoke runs on the task's
// dedicated goroutine and should return once ctx is done.
type Invokable interface {
	Invoke(ctx context.Context, env Environment) error
}

// Canceler is implemented by invokables that need a callback in addition to
// context cancellation when their task is canceled.
type Canceler interface {
	Cancel()
}

// Interrupter is implemented by invokables that can unblock themselves when
// the runtime forcefully interrupts a task that ignored cancellation.
type Interrupter interface {
	Interrupt()
}

// Environment is what a task exposes to its invokable.
type Environment interface {
	ExecutionVertexID() ExecutionVertexID
	Attempt() int
	Parallelism() int
	Config() map[string]string

	NumPartitions() int
	Partition(index int) PartitionWriter

	// Interrupted is closed when the runtime forcefully interrupts the task.
	Interrupted() <-chan struct{}
}

// PartitionWriter appends records to one result partition.
type PartitionWriter interface {
	ID() PartitionID
	Write(record string) error
}

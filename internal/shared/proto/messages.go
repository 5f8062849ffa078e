package proto

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

// WorkerIDMetadataKey carries the reporting worker on ReportTaskEvent calls,
// whose payload is the bare event envelope.
const WorkerIDMetadataKey = "gorun-worker-id"

func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, WorkerIDMetadataKey, workerID)
}

func WorkerIDFromContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	values := md.Get(WorkerIDMetadataKey)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

type RegistrationStatus string

const (
	RegistrationStatusSuccess    RegistrationStatus = "SUCCESS"
	RegistrationStatusBadRequest RegistrationStatus = "BAD_REQUEST"
	RegistrationStatusRejected   RegistrationStatus = "REJECTED"
	RegistrationStatusFailed     RegistrationStatus = "FAILED"
)

type RegisterWorkerRequest struct {
	WorkerID             string
	Address              string
	AvailableCPUCores    uint32
	AvailableMemoryBytes uint64
}

func (r RegisterWorkerRequest) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"worker_id":              r.WorkerID,
		"address":                r.Address,
		"available_cpu_cores":    r.AvailableCPUCores,
		"available_memory_bytes": r.AvailableMemoryBytes,
	})
}

func RegisterWorkerRequestFromStruct(s *structpb.Struct) (RegisterWorkerRequest, error) {
	fields := s.GetFields()
	cpu, err := uintField(fields, "available_cpu_cores", math.MaxUint32)
	if err != nil {
		return RegisterWorkerRequest{}, err
	}
	memory, err := uintField(fields, "available_memory_bytes", 1<<53)
	if err != nil {
		return RegisterWorkerRequest{}, err
	}
	return RegisterWorkerRequest{
		WorkerID:             fields["worker_id"].GetStringValue(),
		Address:              fields["address"].GetStringValue(),
		AvailableCPUCores:    uint32(cpu),
		AvailableMemoryBytes: memory,
	}, nil
}

type RegisterWorkerResponse struct {
	Status                   RegistrationStatus
	Message                  string
	HeartbeatIntervalSeconds uint32
}

func (r RegisterWorkerResponse) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"status":                     string(r.Status),
		"message":                    r.Message,
		"heartbeat_interval_seconds": r.HeartbeatIntervalSeconds,
	})
}

func RegisterWorkerResponseFromStruct(s *structpb.Struct) (RegisterWorkerResponse, error) {
	fields := s.GetFields()
	interval, err := uintField(fields, "heartbeat_interval_seconds", math.MaxUint32)
	if err != nil {
		return RegisterWorkerResponse{}, err
	}
	return RegisterWorkerResponse{
		Status:                   RegistrationStatus(fields["status"].GetStringValue()),
		Message:                  fields["message"].GetStringValue(),
		HeartbeatIntervalSeconds: uint32(interval),
	}, nil
}

// Deployment is the wire form of one task deployment.
type Deployment struct {
	ID          pkgcore.ExecutionVertexID
	Attempt     int
	Parallelism int
	Invokable   string
	Config      map[string]string
	Partitions  []pkgcore.PartitionID
}

func (d Deployment) ToStruct() (*structpb.Struct, error) {
	config := make(map[string]any, len(d.Config))
	for k, v := range d.Config {
		config[k] = v
	}
	partitions := make([]any, len(d.Partitions))
	for i, p := range d.Partitions {
		partitions[i] = p.String()
	}
	return structpb.NewStruct(map[string]any{
		"execution_vertex_id": d.ID.String(),
		"attempt":             d.Attempt,
		"parallelism":         d.Parallelism,
		"invokable":           d.Invokable,
		"config":              config,
		"partitions":          partitions,
	})
}

// DeploymentFromStruct decodes a PullDeployment response. It reports false
// when the struct is empty, which means no deployment is pending.
func DeploymentFromStruct(s *structpb.Struct) (Deployment, bool, error) {
	fields := s.GetFields()
	if len(fields) == 0 {
		return Deployment{}, false, nil
	}

	id, err := pkgcore.ParseExecutionVertexID(fields["execution_vertex_id"].GetStringValue())
	if err != nil {
		return Deployment{}, false, err
	}
	attempt, err := uintField(fields, "attempt", math.MaxInt32)
	if err != nil {
		return Deployment{}, false, err
	}
	parallelism, err := uintField(fields, "parallelism", math.MaxInt32)
	if err != nil {
		return Deployment{}, false, err
	}

	d := Deployment{
		ID:          id,
		Attempt:     int(attempt),
		Parallelism: int(parallelism),
		Invokable:   fields["invokable"].GetStringValue(),
	}

	if config := fields["config"].GetStructValue(); config != nil {
		d.Config = make(map[string]string, len(config.GetFields()))
		for k, v := range config.GetFields() {
			d.Config[k] = v.GetStringValue()
		}
	}

	for _, v := range fields["partitions"].GetListValue().GetValues() {
		p, err := pkgcore.ParsePartitionID(v.GetStringValue())
		if err != nil {
			return Deployment{}, false, err
		}
		d.Partitions = append(d.Partitions, p)
	}
	return d, true, nil
}

func uintField(fields map[string]*structpb.Value, name string, limit uint64) (uint64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: field %q is not a number", pkgcore.ErrMalformedInput, name)
	}
	f := n.NumberValue
	if f < 0 || f > float64(limit) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: field %q out of range: %v", pkgcore.ErrMalformedInput, name, f)
	}
	return uint64(f), nil
}

// EventKind numbers the task events a worker reports.
type EventKind uint8

const (
	EventFinished EventKind = iota + 1
	EventFailed
	EventCanceled
	EventPartitionAvailable
	EventFatalError
)

func (k EventKind) valid() bool {
	return k >= EventFinished && k <= EventFatalError
}

const (
	envelopeVersion = 1

	// envelope layout: version | kind | execution vertex id | attempt | partition id | cause
	envelopeHeaderSize = 1 + 1 + pkgcore.ExecutionVertexIDSize + 4 + pkgcore.PartitionIDSize
)

// TaskEvent is the wire form of one task notification. Partition is zero
// unless Kind is EventPartitionAvailable.
type TaskEvent struct {
	Kind      EventKind
	ID        pkgcore.ExecutionVertexID
	Attempt   int
	Partition pkgcore.PartitionID
	Cause     string
}

func (e TaskEvent) MarshalBinary() ([]byte, error) {
	if !e.Kind.valid() {
		return nil, fmt.Errorf("%w: unknown event kind %d", pkgcore.ErrInvalidArgument, e.Kind)
	}
	if e.ID.IsZero() {
		return nil, fmt.Errorf("%w: event without execution vertex id", pkgcore.ErrInvalidArgument)
	}
	if e.Attempt < 0 || e.Attempt > math.MaxInt32 {
		return nil, fmt.Errorf("%w: attempt %d out of range", pkgcore.ErrInvalidArgument, e.Attempt)
	}

	buf := make([]byte, 0, envelopeHeaderSize+len(e.Cause))
	buf = append(buf, envelopeVersion, byte(e.Kind))
	buf, _ = e.ID.AppendBinary(buf)
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.Attempt))
	buf = append(buf, e.Partition[:]...)
	buf = append(buf, e.Cause...)
	return buf, nil
}

func (e *TaskEvent) UnmarshalBinary(data []byte) error {
	if len(data) < envelopeHeaderSize {
		return fmt.Errorf("%w: task event needs at least %d bytes, have %d",
			pkgcore.ErrMalformedInput, envelopeHeaderSize, len(data))
	}
	if data[0] != envelopeVersion {
		return fmt.Errorf("%w: unsupported task event version %d", pkgcore.ErrMalformedInput, data[0])
	}
	kind := EventKind(data[1])
	if !kind.valid() {
		return fmt.Errorf("%w: unknown event kind %d", pkgcore.ErrMalformedInput, data[1])
	}

	id, rest, err := pkgcore.DecodeExecutionVertexID(data[2:])
	if err != nil {
		return err
	}
	attempt := binary.BigEndian.Uint32(rest)
	if attempt > math.MaxInt32 {
		return fmt.Errorf("%w: attempt %d out of range", pkgcore.ErrMalformedInput, attempt)
	}
	partition, rest, err := pkgcore.DecodePartitionID(rest[4:])
	if err != nil {
		return err
	}

	*e = TaskEvent{
		Kind:      kind,
		ID:        id,
		Attempt:   int(attempt),
		Partition: partition,
		Cause:     string(rest),
	}
	return nil
}

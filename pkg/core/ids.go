package core

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// VertexIDSize is the encoded width of a VertexID in bytes.
	VertexIDSize = 16

	// ExecutionVertexIDSize is the encoded width of an ExecutionVertexID:
	// one VertexID followed by a 4-byte big-endian subtask index.
	ExecutionVertexIDSize = VertexIDSize + 4

	// PartitionIDSize is the encoded width of a PartitionID in bytes.
	PartitionIDSize = 16
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrMalformedInput  = errors.New("malformed input")
)

// VertexID identifies one logical computation stage of a job graph.
// The zero value is unset.
type VertexID uuid.UUID

func NewVertexID() VertexID {
	return VertexID(uuid.New())
}

// ParseVertexID accepts both the 32 hex character form produced by String
// and the canonical hyphenated UUID form.
func ParseVertexID(s string) (VertexID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return VertexID{}, fmt.Errorf("%w: vertex id %q: %v", ErrMalformedInput, s, err)
	}
	return VertexID(u), nil
}

func (v VertexID) IsZero() bool {
	return v == VertexID{}
}

func (v VertexID) String() string {
	return hex.EncodeToString(v[:])
}

func (v VertexID) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *VertexID) UnmarshalText(data []byte) error {
	parsed, err := ParseVertexID(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// PartitionID identifies one intermediate result partition.
type PartitionID uuid.UUID

func NewPartitionID() PartitionID {
	return PartitionID(uuid.New())
}

func ParsePartitionID(s string) (PartitionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PartitionID{}, fmt.Errorf("%w: partition id %q: %v", ErrMalformedInput, s, err)
	}
	return PartitionID(u), nil
}

func (p PartitionID) IsZero() bool {
	return p == PartitionID{}
}

func (p PartitionID) String() string {
	return hex.EncodeToString(p[:])
}

func (p PartitionID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PartitionID) UnmarshalText(data []byte) error {
	parsed, err := ParsePartitionID(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DecodePartitionID reads one PartitionID from the front of buf and returns
// the remaining bytes.
func DecodePartitionID(buf []byte) (PartitionID, []byte, error) {
	if len(buf) < PartitionIDSize {
		return PartitionID{}, buf, fmt.Errorf("%w: need %d bytes for partition id, have %d",
			ErrMalformedInput, PartitionIDSize, len(buf))
	}
	var p PartitionID
	copy(p[:], buf[:PartitionIDSize])
	return p, buf[PartitionIDSize:], nil
}

// ExecutionVertexID names one parallel subtask of one vertex. It is
// attempt-agnostic: restarts of the same subtask share the same ID.
//
// The value is immutable and comparable, so it can be used directly as a map
// key and shared between goroutines without synchronization.
type ExecutionVertexID struct {
	vertexID     VertexID
	subtaskIndex int32
}

func NewExecutionVertexID(vertexID VertexID, subtaskIndex int) (ExecutionVertexID, error) {
	if vertexID.IsZero() {
		return ExecutionVertexID{}, fmt.Errorf("%w: vertex id must be set", ErrInvalidArgument)
	}
	if subtaskIndex < 0 {
		return ExecutionVertexID{}, fmt.Errorf("%w: subtask index must be >= 0, got %d", ErrInvalidArgument, subtaskIndex)
	}
	if subtaskIndex > math.MaxInt32 {
		return ExecutionVertexID{}, fmt.Errorf("%w: subtask index %d overflows int32", ErrInvalidArgument, subtaskIndex)
	}
	return ExecutionVertexID{vertexID: vertexID, subtaskIndex: int32(subtaskIndex)}, nil
}

// MustExecutionVertexID is like NewExecutionVertexID but panics on invalid
// arguments.
func MustExecutionVertexID(vertexID VertexID, subtaskIndex int) ExecutionVertexID {
	id, err := NewExecutionVertexID(vertexID, subtaskIndex)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ExecutionVertexID) VertexID() VertexID {
	return id.vertexID
}

func (id ExecutionVertexID) SubtaskIndex() int {
	return int(id.subtaskIndex)
}

func (id ExecutionVertexID) IsZero() bool {
	return id == ExecutionVertexID{}
}

// AppendBinary appends the fixed-width encoding of id to b.
func (id ExecutionVertexID) AppendBinary(b []byte) ([]byte, error) {
	return id.appendBinary(b), nil
}

func (id ExecutionVertexID) appendBinary(b []byte) []byte {
	b = append(b, id.vertexID[:]...)
	return binary.BigEndian.AppendUint32(b, uint32(id.subtaskIndex))
}

func (id ExecutionVertexID) MarshalBinary() ([]byte, error) {
	return id.appendBinary(make([]byte, 0, ExecutionVertexIDSize)), nil
}

// Bytes returns the fixed-width encoding of id.
func (id ExecutionVertexID) Bytes() []byte {
	return id.appendBinary(make([]byte, 0, ExecutionVertexIDSize))
}

// UnmarshalBinary decodes exactly ExecutionVertexIDSize bytes.
func (id *ExecutionVertexID) UnmarshalBinary(data []byte) error {
	if len(data) != ExecutionVertexIDSize {
		return fmt.Errorf("%w: execution vertex id must be %d bytes, got %d",
			ErrMalformedInput, ExecutionVertexIDSize, len(data))
	}
	decoded, _, err := DecodeExecutionVertexID(data)
	if err != nil {
		return err
	}
	*id = decoded
	return nil
}

// DecodeExecutionVertexID reads one ExecutionVertexID from the front of buf
// and returns the remaining bytes.
func DecodeExecutionVertexID(buf []byte) (ExecutionVertexID, []byte, error) {
	if len(buf) < ExecutionVertexIDSize {
		return ExecutionVertexID{}, buf, fmt.Errorf("%w: need %d bytes for execution vertex id, have %d",
			ErrMalformedInput, ExecutionVertexIDSize, len(buf))
	}
	var vertexID VertexID
	copy(vertexID[:], buf[:VertexIDSize])
	subtaskIndex := int32(binary.BigEndian.Uint32(buf[VertexIDSize:ExecutionVertexIDSize]))

	id, err := NewExecutionVertexID(vertexID, int(subtaskIndex))
	if err != nil {
		return ExecutionVertexID{}, buf, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return id, buf[ExecutionVertexIDSize:], nil
}

// ReadExecutionVertexID reads one fixed-width ExecutionVertexID from r.
func ReadExecutionVertexID(r io.Reader) (ExecutionVertexID, error) {
	var buf [ExecutionVertexIDSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ExecutionVertexID{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	id, _, err := DecodeExecutionVertexID(buf[:])
	return id, err
}

// Hash combines the vertex identity and the subtask index in that order, so
// it agrees with the byte layout.
func (id ExecutionVertexID) Hash() uint32 {
	var buf [ExecutionVertexIDSize]byte
	return HashBytes(id.appendBinary(buf[:0]))
}

func (id ExecutionVertexID) String() string {
	return id.vertexID.String() + "_" + strconv.Itoa(int(id.subtaskIndex))
}

// ParseExecutionVertexID parses the "<vertex>_<subtask>" form produced by
// String.
func ParseExecutionVertexID(s string) (ExecutionVertexID, error) {
	vertexPart, indexPart, found := strings.Cut(s, "_")
	if !found {
		return ExecutionVertexID{}, fmt.Errorf("%w: execution vertex id %q has no subtask index", ErrMalformedInput, s)
	}
	vertexID, err := ParseVertexID(vertexPart)
	if err != nil {
		return ExecutionVertexID{}, err
	}
	index, err := strconv.ParseInt(indexPart, 10, 32)
	if err != nil {
		return ExecutionVertexID{}, fmt.Errorf("%w: subtask index %q: %v", ErrMalformedInput, indexPart, err)
	}
	id, err := NewExecutionVertexID(vertexID, int(index))
	if err != nil {
		return ExecutionVertexID{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return id, nil
}

func (id ExecutionVertexID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ExecutionVertexID) UnmarshalText(data []byte) error {
	parsed, err := ParseExecutionVertexID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// EncodeExecutionVertexIDs concatenates the fixed-width encodings of ids.
func EncodeExecutionVertexIDs(ids []ExecutionVertexID) []byte {
	buf := make([]byte, 0, len(ids)*ExecutionVertexIDSize)
	for _, id := range ids {
		buf = id.appendBinary(buf)
	}
	return buf
}

// DecodeExecutionVertexIDs is the inverse of EncodeExecutionVertexIDs. The
// input length must be a multiple of ExecutionVertexIDSize.
func DecodeExecutionVertexIDs(buf []byte) ([]ExecutionVertexID, error) {
	if len(buf)%ExecutionVertexIDSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedInput, len(buf), ExecutionVertexIDSize)
	}
	ids := make([]ExecutionVertexID, 0, len(buf)/ExecutionVertexIDSize)
	for len(buf) > 0 {
		var (
			id  ExecutionVertexID
			err error
		)
		id, buf, err = DecodeExecutionVertexID(buf)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

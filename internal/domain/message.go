package domain

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// ─── Tensors ────────────────────────────────────────────────────────────────

// Tensor is a dense row-major 2-D float32 matrix.
type Tensor struct {
	Rows int
	Cols int
	Data []float32
}

// NewTensor allocates a zeroed rows×cols tensor.
func NewTensor(rows, cols int) Tensor {
	return Tensor{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// TensorFromRows builds a tensor from equal-length rows.
func TensorFromRows(rows [][]float32) (Tensor, error) {
	if len(rows) == 0 {
		return Tensor{}, nil
	}
	t := NewTensor(len(rows), len(rows[0]))
	for i, r := range rows {
		if len(r) != t.Cols {
			return Tensor{}, Shapef("tensor row %d has %d columns, want %d", i, len(r), t.Cols)
		}
		copy(t.Data[i*t.Cols:], r)
	}
	return t, nil
}

// At returns element (r, c).
func (t Tensor) At(r, c int) float32 { return t.Data[r*t.Cols+c] }

// Set writes element (r, c).
func (t Tensor) Set(r, c int, v float32) { t.Data[r*t.Cols+c] = v }

// Column returns a copy of column c.
func (t Tensor) Column(c int) []float32 {
	out := make([]float32, t.Rows)
	for r := range t.Rows {
		out[r] = t.At(r, c)
	}
	return out
}

// TensorMemory is a named bundle of tensors sharing a row count.
type TensorMemory struct {
	Count   int
	tensors map[string]Tensor
}

// NewTensorMemory builds a bundle; every tensor must have count rows.
func NewTensorMemory(count int, tensors map[string]Tensor) (*TensorMemory, error) {
	tm := &TensorMemory{Count: count, tensors: make(map[string]Tensor, len(tensors))}
	for name, t := range tensors {
		if err := tm.SetTensor(name, t); err != nil {
			return nil, err
		}
	}
	return tm, nil
}

// Tensor returns a named tensor.
func (tm *TensorMemory) Tensor(name string) (Tensor, error) {
	t, ok := tm.tensors[name]
	if !ok {
		return Tensor{}, Resolvef("tensor %q not found", name)
	}
	return t, nil
}

// SetTensor adds or replaces a named tensor.
func (tm *TensorMemory) SetTensor(name string, t Tensor) error {
	if t.Rows != tm.Count {
		return Shapef("tensor %q has %d rows, memory count is %d", name, t.Rows, tm.Count)
	}
	tm.tensors[name] = t
	return nil
}

// Names returns the tensor names, sorted.
func (tm *TensorMemory) Names() []string {
	names := slices.Collect(maps.Keys(tm.tensors))
	slices.Sort(names)
	return names
}

// ─── Control Message ────────────────────────────────────────────────────────

// ControlMessage is the unit of work flowing through a pipeline: a tabular
// payload with at most one task descriptor and at most one tensor bundle.
// It is owned by the pipeline runtime; stages borrow it for one call.
type ControlMessage struct {
	id       string
	payload  *DataFrame
	task     Task
	hasTask  bool
	tensors  *TensorMemory
	metadata map[string]string
}

// NewControlMessage wraps a payload in a fresh message with a random id.
func NewControlMessage(payload *DataFrame) *ControlMessage {
	return &ControlMessage{
		id:       uuid.New().String(),
		payload:  payload,
		metadata: make(map[string]string),
	}
}

// ID returns the message id.
func (m *ControlMessage) ID() string { return m.id }

// Task returns the attached task descriptor.
func (m *ControlMessage) Task() (Task, bool) { return m.task, m.hasTask }

// HasTask reports whether a task is attached.
func (m *ControlMessage) HasTask() bool { return m.hasTask }

// SetTask attaches a task. A message carries at most one task; attaching a
// second one is an error.
func (m *ControlMessage) SetTask(t Task) error {
	if m.hasTask {
		return fmt.Errorf("message %s already has task %q", m.id, m.task.Type())
	}
	m.task = t
	m.hasTask = true
	return nil
}

// RemoveTask detaches and returns the task.
func (m *ControlMessage) RemoveTask() (Task, bool) {
	t, ok := m.task, m.hasTask
	m.task, m.hasTask = Task{}, false
	return t, ok
}

// Payload returns the tabular payload (may be nil).
func (m *ControlMessage) Payload() *DataFrame { return m.payload }

// SetPayload replaces the tabular payload.
func (m *ControlMessage) SetPayload(df *DataFrame) { m.payload = df }

// Tensors returns the tensor bundle (may be nil).
func (m *ControlMessage) Tensors() *TensorMemory { return m.tensors }

// SetTensors replaces the tensor bundle.
func (m *ControlMessage) SetTensors(tm *TensorMemory) { m.tensors = tm }

// Metadata returns a metadata value.
func (m *ControlMessage) Metadata(key string) (string, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// SetMetadata stores a metadata value.
func (m *ControlMessage) SetMetadata(key, value string) { m.metadata[key] = value }

// NumRows returns the payload row count, or 0 without a payload.
func (m *ControlMessage) NumRows() int {
	if m.payload == nil {
		return 0
	}
	return m.payload.NumRows()
}

// Package domain holds the pure data types shared by every layer of TuTu Flow:
// task descriptors, control messages, data frames, tensors and errors.
package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

// Well-known task types.
const (
	TaskCompletion = "completion"
)

// Well-known task_dict keys.
const (
	KeyInputKeys    = "input_keys"
	KeyOutputColumn = "output_column"
)

// Task is the descriptor attached to a control message. It names a task kind
// and carries its parameters. A Task is immutable: NewTask copies the dict and
// Dict returns a copy.
type Task struct {
	typ  string
	dict map[string]any
}

// NewTask builds a task descriptor, deep-copying dict.
func NewTask(taskType string, dict map[string]any) Task {
	return Task{typ: taskType, dict: copyDict(dict)}
}

// Type returns the task kind.
func (t Task) Type() string { return t.typ }

// Dict returns a copy of the raw task parameters.
func (t Task) Dict() map[string]any { return copyDict(t.dict) }

// Has reports whether the raw parameters contain key.
func (t Task) Has(key string) bool {
	_, ok := t.dict[key]
	return ok
}

// Get returns a copy of one raw parameter.
func (t Task) Get(key string) (any, bool) {
	v, ok := t.dict[key]
	return copyValue(v), ok
}

// IsZero reports whether t is the zero descriptor.
func (t Task) IsZero() bool { return t.typ == "" && t.dict == nil }

type taskJSON struct {
	TaskType string         `json:"task_type"`
	TaskDict map[string]any `json:"task_dict"`
}

// MarshalJSON encodes the upstream wire shape
// {"task_type": "...", "task_dict": {...}}.
func (t Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskJSON{TaskType: t.typ, TaskDict: t.dict})
}

// UnmarshalJSON decodes the upstream wire shape.
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw taskJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = NewTask(raw.TaskType, raw.TaskDict)
	return nil
}

// ─── Typed Parameters ───────────────────────────────────────────────────────

// TaskParams is the validated view of a task's parameters.
type TaskParams struct {
	InputKeys    []string
	OutputColumn string
}

// TaskSchema enumerates the keys a task type accepts.
type TaskSchema struct {
	Required []string
	Optional []string
}

func (s TaskSchema) allows(key string) bool {
	return slices.Contains(s.Required, key) || slices.Contains(s.Optional, key)
}

var (
	schemaMu sync.RWMutex
	schemas  = map[string]TaskSchema{
		TaskCompletion: {
			Required: []string{KeyInputKeys},
			Optional: []string{KeyOutputColumn},
		},
	}
)

// RegisterTaskType adds or replaces the schema for a task type.
func RegisterTaskType(taskType string, schema TaskSchema) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	schemas[taskType] = schema
}

// TaskTypes returns the registered task types, sorted.
func TaskTypes() []string {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	names := slices.Collect(maps.Keys(schemas))
	sort.Strings(names)
	return names
}

// Params validates the raw parameters against the task type's schema.
// Unknown task types, unknown keys, missing required keys and values of the
// wrong type are resolution errors.
func (t Task) Params() (TaskParams, error) {
	schemaMu.RLock()
	schema, ok := schemas[t.typ]
	schemaMu.RUnlock()
	if !ok {
		return TaskParams{}, Resolvef("unknown task type %q", t.typ)
	}

	keys := slices.Collect(maps.Keys(t.dict))
	sort.Strings(keys)
	for _, k := range keys {
		if !schema.allows(k) {
			return TaskParams{}, Resolvef("task %q: unknown parameter %q", t.typ, k)
		}
	}
	for _, k := range schema.Required {
		if _, ok := t.dict[k]; !ok {
			return TaskParams{}, Resolvef("task %q: missing parameter %q", t.typ, k)
		}
	}

	var p TaskParams
	if v, ok := t.dict[KeyInputKeys]; ok {
		keys, err := stringList(v)
		if err != nil {
			return TaskParams{}, Resolvef("task %q: %s: %v", t.typ, KeyInputKeys, err)
		}
		p.InputKeys = keys
	}
	if v, ok := t.dict[KeyOutputColumn]; ok {
		s, isStr := v.(string)
		if !isStr {
			return TaskParams{}, Resolvef("task %q: %s must be a string, got %T", t.typ, KeyOutputColumn, v)
		}
		p.OutputColumn = s
	}
	return p, nil
}

func stringList(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return slices.Clone(vv), nil
	case []any:
		out := make([]string, len(vv))
		for i, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, want string", i, item)
			}
			out[i] = s
		}
		return out, nil
	case string:
		return []string{vv}, nil
	default:
		return nil, fmt.Errorf("want list of strings, got %T", v)
	}
}

func copyDict(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return copyDict(vv)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return slices.Clone(vv)
	default:
		return v
	}
}

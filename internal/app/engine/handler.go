package engine

import (
	"context"
	"slices"

	"github.com/tutu-network/tutuflow/internal/domain"
)

// SimpleTaskHandler writes every handler input into the payload as one
// column and returns the message itself.
//
// Column names come from the configured output columns, in input order.
// Without them, a single input goes to the task's output_column, or to
// DefaultOutputColumn when the task sets none. Several inputs are named by
// their parameter names.
type SimpleTaskHandler struct {
	columns []string
}

// DefaultOutputColumn receives a single handler input when neither the
// handler nor the task names a column.
const DefaultOutputColumn = "response"

// NewSimpleTaskHandler creates a handler writing to the given columns.
func NewSimpleTaskHandler(outputColumns ...string) *SimpleTaskHandler {
	return &SimpleTaskHandler{columns: slices.Clone(outputColumns)}
}

func (h *SimpleTaskHandler) Handle(_ context.Context, msg *domain.ControlMessage, outputs Inputs) ([]*domain.ControlMessage, error) {
	payload := msg.Payload()
	if payload == nil {
		return nil, domain.Resolvef("message %s has no payload", msg.ID())
	}
	names, err := h.columnNames(msg, outputs)
	if err != nil {
		return nil, err
	}

	// Validate every column before touching the payload.
	rows := payload.NumRows()
	cols := make([][]any, len(names))
	for i, param := range outputs.names {
		seq, ok := asSeq(outputs.values[param])
		if !ok {
			return nil, domain.Shapef("output %q is %T, not a sequence", param, outputs.values[param])
		}
		if len(seq) != rows {
			return nil, domain.Shapef("output %q has %d items, payload has %d rows", param, len(seq), rows)
		}
		cols[i] = seq
	}
	for i, name := range names {
		if err := payload.SetColumn(name, cols[i]); err != nil {
			return nil, err
		}
	}
	return []*domain.ControlMessage{msg}, nil
}

func (h *SimpleTaskHandler) columnNames(msg *domain.ControlMessage, outputs Inputs) ([]string, error) {
	if len(h.columns) > 0 {
		if len(h.columns) != outputs.Len() {
			return nil, domain.Shapef("%d output columns configured for %d handler inputs", len(h.columns), outputs.Len())
		}
		return slices.Clone(h.columns), nil
	}
	names := outputs.Names()
	if len(names) != 1 {
		return names, nil
	}
	if task, ok := msg.Task(); ok {
		if p, err := task.Params(); err == nil && p.OutputColumn != "" {
			return []string{p.OutputColumn}, nil
		}
	}
	return []string{DefaultOutputColumn}, nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/tutu-network/tutuflow/internal/domain"
)

// InMemorySink collects every message it receives.
type InMemorySink struct {
	mu   sync.Mutex
	msgs []*domain.ControlMessage
}

// NewInMemorySink creates an empty sink.
func NewInMemorySink() *InMemorySink { return &InMemorySink{} }

func (s *InMemorySink) Name() string { return "in-memory" }

func (s *InMemorySink) Write(_ context.Context, msg *domain.ControlMessage) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

// Messages returns the collected messages in arrival order.
func (s *InMemorySink) Messages() []*domain.ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ControlMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Records flattens every collected payload into one record list.
func (s *InMemorySink) Records() []map[string]any {
	var out []map[string]any
	for _, m := range s.Messages() {
		if p := m.Payload(); p != nil {
			out = append(out, p.JSONRecords()...)
		}
	}
	return out
}

// JSONLinesSink writes one JSON object per payload row.
type JSONLinesSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLinesSink writes to w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{enc: json.NewEncoder(w)}
}

func (s *JSONLinesSink) Name() string { return "jsonlines" }

func (s *JSONLinesSink) Write(_ context.Context, msg *domain.ControlMessage) error {
	payload := msg.Payload()
	if payload == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range payload.JSONRecords() {
		if err := s.enc.Encode(rec); err != nil {
			return fmt.Errorf("message %s row %d: %w", msg.ID(), i, err)
		}
	}
	return nil
}

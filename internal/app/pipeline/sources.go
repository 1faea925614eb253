package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/infra/metrics"
)

// send delivers msg unless ctx ends first.
func send(ctx context.Context, out chan<- *domain.ControlMessage, msg *domain.ControlMessage) error {
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── In-memory ──────────────────────────────────────────────────────────────

// InMemorySource emits a fixed list of messages.
type InMemorySource struct {
	msgs []*domain.ControlMessage
}

// NewInMemorySource creates a source over msgs.
func NewInMemorySource(msgs ...*domain.ControlMessage) *InMemorySource {
	return &InMemorySource{msgs: msgs}
}

func (s *InMemorySource) Name() string { return "in-memory" }

func (s *InMemorySource) Run(ctx context.Context, out chan<- *domain.ControlMessage) error {
	for _, m := range s.msgs {
		if err := send(ctx, out, m); err != nil {
			return err
		}
	}
	return nil
}

// ─── JSON lines ─────────────────────────────────────────────────────────────

// JSONLinesSource reads one JSON object per line and emits messages of up
// to batchSize rows. Blank lines are skipped.
type JSONLinesSource struct {
	r         io.Reader
	batchSize int
}

// NewJSONLinesSource creates a source reading r.
func NewJSONLinesSource(r io.Reader, batchSize int) *JSONLinesSource {
	if batchSize <= 0 {
		batchSize = 256
	}
	return &JSONLinesSource{r: r, batchSize: batchSize}
}

func (s *JSONLinesSource) Name() string { return "jsonlines" }

func (s *JSONLinesSource) Run(ctx context.Context, out chan<- *domain.ControlMessage) error {
	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)

	var batch []map[string]any
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		msg := domain.NewControlMessage(domain.FromRecords(batch))
		batch = nil
		return send(ctx, out, msg)
	}

	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		rec, err := decodeRecord(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		batch = append(batch, rec)
		if len(batch) >= s.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return flush()
}

func decodeRecord(data []byte) (map[string]any, error) {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ParseRecords decodes a JSON array of objects, or JSON lines when lines is
// true, into a frame.
func ParseRecords(body []byte, lines bool) (*domain.DataFrame, error) {
	var records []map[string]any
	if lines {
		for i, l := range bytes.Split(body, []byte("\n")) {
			l = bytes.TrimSpace(l)
			if len(l) == 0 {
				continue
			}
			rec, err := decodeRecord(l)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			records = append(records, rec)
		}
	} else if err := json.Unmarshal(body, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("payload has no records")
	}
	return domain.FromRecords(records), nil
}

// ─── Ingest queue ───────────────────────────────────────────────────────────

// Queue is the bounded hand-off between the HTTP ingest endpoint and
// QueueSource.
type Queue struct {
	ch      chan *domain.DataFrame
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue creates a queue holding up to size payloads. Put waits up to
// timeout for room.
func NewQueue(size int, timeout time.Duration) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ch:      make(chan *domain.DataFrame, size),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Put enqueues a payload. It fails with ErrQueueFull when no room frees up
// within the timeout and with ErrQueueClosed after Close.
func (q *Queue) Put(ctx context.Context, df *domain.DataFrame) error {
	select {
	case <-q.done:
		return domain.ErrQueueClosed
	default:
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.ch <- df:
		metrics.IngestQueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-q.done:
		return domain.ErrQueueClosed
	case <-timer.C:
		return domain.ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting payloads. Queued payloads are still delivered.
func (q *Queue) Close() { q.closeOnce.Do(func() { close(q.done) }) }

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len returns the number of queued payloads.
func (q *Queue) Len() int { return len(q.ch) }

// QueueSource emits one message per queued payload until the queue is
// closed and drained, or until stopAfter records have been emitted
// (0 means no limit), which also closes the queue.
type QueueSource struct {
	q         *Queue
	stopAfter int
}

// NewQueueSource creates a source draining q.
func NewQueueSource(q *Queue, stopAfter int) *QueueSource {
	return &QueueSource{q: q, stopAfter: stopAfter}
}

func (s *QueueSource) Name() string { return "http-ingest" }

func (s *QueueSource) Run(ctx context.Context, out chan<- *domain.ControlMessage) error {
	emitted := 0
	emit := func(df *domain.DataFrame) (bool, error) {
		metrics.IngestQueueDepth.Set(float64(s.q.Len()))
		if err := send(ctx, out, domain.NewControlMessage(df)); err != nil {
			return false, err
		}
		emitted += df.NumRows()
		if s.stopAfter > 0 && emitted >= s.stopAfter {
			s.q.Close()
			return true, nil
		}
		return false, nil
	}

	for {
		select {
		case df := <-s.q.ch:
			if stop, err := emit(df); stop || err != nil {
				return err
			}
		case <-s.q.done:
			for {
				select {
				case df := <-s.q.ch:
					if stop, err := emit(df); stop || err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

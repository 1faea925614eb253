package pipeline

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/tutu-network/tutuflow/internal/app/engine"
	"github.com/tutu-network/tutuflow/internal/domain"
)

// ─── Engine ─────────────────────────────────────────────────────────────────

// EngineStage runs the task-execution engine on every message. The engine's
// output messages (possibly none) are emitted in order.
type EngineStage struct {
	name   string
	engine *engine.Engine
}

// NewEngineStage wraps an engine.
func NewEngineStage(name string, e *engine.Engine) *EngineStage {
	if name == "" {
		name = "llm-engine"
	}
	return &EngineStage{name: name, engine: e}
}

func (s *EngineStage) Name() string { return s.name }

func (s *EngineStage) Process(ctx context.Context, msg *domain.ControlMessage) ([]*domain.ControlMessage, error) {
	return s.engine.Run(ctx, msg)
}

// ─── Deserialize ────────────────────────────────────────────────────────────

// DeserializeStage splits payloads into batches of at most BatchSize rows
// and attaches the configured task to each batch. Messages that already
// carry a task are split but keep their task.
type DeserializeStage struct {
	task      domain.Task
	batchSize int
}

// NewDeserializeStage creates the stage. A zero task attaches nothing.
func NewDeserializeStage(task domain.Task, batchSize int) (*DeserializeStage, error) {
	if batchSize <= 0 {
		return nil, domain.Configf("deserialize: batch size must be positive, got %d", batchSize)
	}
	if !task.IsZero() {
		if _, err := task.Params(); err != nil {
			return nil, domain.Configf("deserialize: %v", err)
		}
	}
	return &DeserializeStage{task: task, batchSize: batchSize}, nil
}

func (s *DeserializeStage) Name() string { return "deserialize" }

func (s *DeserializeStage) Process(_ context.Context, msg *domain.ControlMessage) ([]*domain.ControlMessage, error) {
	payload := msg.Payload()
	if payload == nil {
		return nil, domain.Resolvef("message %s has no payload", msg.ID())
	}
	task, hasTask := msg.Task()
	if !hasTask && !s.task.IsZero() {
		task, hasTask = s.task, true
	}

	var out []*domain.ControlMessage
	for start := 0; start < payload.NumRows(); start += s.batchSize {
		part, err := payload.Slice(start, min(start+s.batchSize, payload.NumRows()))
		if err != nil {
			return nil, err
		}
		batch := domain.NewControlMessage(part)
		if hasTask {
			if err := batch.SetTask(task); err != nil {
				return nil, err
			}
		}
		out = append(out, batch)
	}
	return out, nil
}

// ─── Preprocess FIL ─────────────────────────────────────────────────────────

// Tensor names produced by PreprocessFILStage and read by the score stages.
const (
	TensorInput  = "input__0"
	TensorSeqIDs = "seq_ids"
	TensorProbs  = "probs"
)

var firstInt = regexp.MustCompile(`\d+`)

// PreprocessFILStage turns feature columns into the float32 input tensor of
// a forest-inference model, plus seq_ids rows of [row, 0, features-1].
type PreprocessFILStage struct {
	features []string
}

// NewPreprocessFILStage creates the stage. featureLength must equal the
// number of feature columns.
func NewPreprocessFILStage(features []string, featureLength int) (*PreprocessFILStage, error) {
	if len(features) == 0 {
		return nil, domain.Configf("preprocess-fil: no feature columns")
	}
	if len(features) != featureLength {
		return nil, domain.Configf("preprocess-fil: %d feature columns, feature length is %d", len(features), featureLength)
	}
	return &PreprocessFILStage{features: slices.Clone(features)}, nil
}

func (s *PreprocessFILStage) Name() string { return "preprocess-fil" }

func (s *PreprocessFILStage) Process(_ context.Context, msg *domain.ControlMessage) ([]*domain.ControlMessage, error) {
	payload := msg.Payload()
	if payload == nil {
		return nil, domain.Resolvef("message %s has no payload", msg.ID())
	}
	rows := payload.NumRows()
	input := domain.NewTensor(rows, len(s.features))
	for c, name := range s.features {
		col, err := payload.Column(name)
		if err != nil {
			return nil, err
		}
		for r, v := range col {
			f, err := featureValue(v)
			if err != nil {
				return nil, &domain.ItemError{Index: r, Err: fmt.Errorf("feature %q: %w", name, err)}
			}
			input.Set(r, c, f)
		}
	}

	seqIDs := domain.NewTensor(rows, 3)
	for r := range rows {
		seqIDs.Set(r, 0, float32(r))
		seqIDs.Set(r, 2, float32(len(s.features)-1))
	}

	tm, err := domain.NewTensorMemory(rows, map[string]domain.Tensor{
		TensorInput:  input,
		TensorSeqIDs: seqIDs,
	})
	if err != nil {
		return nil, err
	}
	msg.SetTensors(tm)
	return []*domain.ControlMessage{msg}, nil
}

// featureValue converts a cell to float32. Strings yield their first run of
// digits, or NaN when they contain none.
func featureValue(v any) (float32, error) {
	switch x := v.(type) {
	case nil:
		return float32(math.NaN()), nil
	case float32:
		return x, nil
	case float64:
		return float32(x), nil
	case int:
		return float32(x), nil
	case int64:
		return float32(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		m := firstInt.FindString(x)
		if m == "" {
			return float32(math.NaN()), nil
		}
		f, err := strconv.ParseFloat(m, 32)
		if err != nil {
			return 0, err
		}
		return float32(f), nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

// ─── Add scores / classifications ───────────────────────────────────────────

// ScoresStage copies columns of the probs tensor into the payload, one
// column per label. With a threshold the values become booleans
// (probability > threshold), otherwise they stay probabilities.
type ScoresStage struct {
	name      string
	idx       []int
	labels    []string
	threshold *float64
}

// NewAddScoresStage writes raw probabilities.
func NewAddScoresStage(idx2label map[int]string, prefix string, only ...string) (*ScoresStage, error) {
	return newScoresStage("add-scores", idx2label, prefix, nil, only)
}

// NewAddClassificationsStage writes probability > threshold.
func NewAddClassificationsStage(idx2label map[int]string, threshold float64, prefix string, only ...string) (*ScoresStage, error) {
	return newScoresStage("add-classifications", idx2label, prefix, &threshold, only)
}

func newScoresStage(name string, idx2label map[int]string, prefix string, threshold *float64, only []string) (*ScoresStage, error) {
	s := &ScoresStage{name: name, threshold: threshold}
	idx := make([]int, 0, len(idx2label))
	for i := range idx2label {
		if i < 0 {
			return nil, domain.Configf("%s: negative label index %d", name, i)
		}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		label := idx2label[i]
		if len(only) > 0 && !slices.Contains(only, label) {
			continue
		}
		s.idx = append(s.idx, i)
		s.labels = append(s.labels, prefix+label)
	}
	if len(s.idx) == 0 {
		return nil, domain.Configf("%s: no labels selected", name)
	}
	return s, nil
}

func (s *ScoresStage) Name() string { return s.name }

func (s *ScoresStage) Process(_ context.Context, msg *domain.ControlMessage) ([]*domain.ControlMessage, error) {
	tm := msg.Tensors()
	if tm == nil {
		return nil, domain.Resolvef("message %s has no tensors", msg.ID())
	}
	probs, err := tm.Tensor(TensorProbs)
	if err != nil {
		return nil, err
	}
	if maxIdx := s.idx[len(s.idx)-1]; probs.Cols <= maxIdx {
		return nil, domain.Shapef("%s tensor has %d columns, label index %d needs more", TensorProbs, probs.Cols, maxIdx)
	}
	payload := msg.Payload()
	if payload == nil {
		return nil, domain.Resolvef("message %s has no payload", msg.ID())
	}

	cols := make([][]any, len(s.idx))
	for j, c := range s.idx {
		vals := probs.Column(c)
		col := make([]any, len(vals))
		for r, p := range vals {
			if s.threshold != nil {
				col[r] = float64(p) > *s.threshold
			} else {
				col[r] = float64(p)
			}
		}
		cols[j] = col
	}
	for j, label := range s.labels {
		if err := payload.SetColumn(label, cols[j]); err != nil {
			return nil, err
		}
	}
	return []*domain.ControlMessage{msg}, nil
}

// ─── Serialize ──────────────────────────────────────────────────────────────

// SerializeStage narrows the payload to the columns matching any include
// pattern (all columns when none is given) and no exclude pattern. Tensors
// are dropped. With fixed columns the selection is computed once, from the
// first message.
type SerializeStage struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	fixed   bool

	mu      sync.Mutex
	columns []string
}

// NewSerializeStage compiles the column filters.
func NewSerializeStage(include, exclude []string, fixedColumns bool) (*SerializeStage, error) {
	compile := func(patterns []string) ([]*regexp.Regexp, error) {
		out := make([]*regexp.Regexp, len(patterns))
		for i, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, domain.Configf("serialize: pattern %q: %v", p, err)
			}
			out[i] = re
		}
		return out, nil
	}
	inc, err := compile(include)
	if err != nil {
		return nil, err
	}
	exc, err := compile(exclude)
	if err != nil {
		return nil, err
	}
	return &SerializeStage{include: inc, exclude: exc, fixed: fixedColumns}, nil
}

func (s *SerializeStage) Name() string { return "serialize" }

func (s *SerializeStage) Process(_ context.Context, msg *domain.ControlMessage) ([]*domain.ControlMessage, error) {
	payload := msg.Payload()
	if payload == nil {
		return nil, domain.Resolvef("message %s has no payload", msg.ID())
	}
	selected, err := payload.Select(s.selection(payload.Columns())...)
	if err != nil {
		return nil, err
	}
	msg.SetPayload(selected)
	msg.SetTensors(nil)
	return []*domain.ControlMessage{msg}, nil
}

func (s *SerializeStage) selection(columns []string) []string {
	if s.fixed {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.columns != nil {
			return s.columns
		}
	}
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if len(s.include) > 0 && !matchAny(s.include, c) {
			continue
		}
		if matchAny(s.exclude, c) {
			continue
		}
		out = append(out, c)
	}
	if s.fixed {
		s.columns = out
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

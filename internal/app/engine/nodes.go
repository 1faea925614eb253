package engine

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"

	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/infra/llm"
)

// ─── Extracter ──────────────────────────────────────────────────────────────

// ExtracterNode pulls payload columns out of the root message. Its output is
// a map[string][]any keyed by column name, one entry per row.
type ExtracterNode struct {
	keys []string
}

// NewExtracterNode extracts the columns named by the task's input_keys.
func NewExtracterNode() *ExtracterNode { return &ExtracterNode{} }

// NewManualExtracterNode extracts a fixed set of columns regardless of the
// task parameters.
func NewManualExtracterNode(keys ...string) *ExtracterNode {
	return &ExtracterNode{keys: slices.Clone(keys)}
}

func (n *ExtracterNode) Execute(_ context.Context, in Inputs) (any, error) {
	root, ok := in.Root()
	if !ok {
		return nil, domain.Resolvef("extracter needs a %s input", RootRef)
	}
	keys := n.keys
	if keys == nil {
		keys = root.Params.InputKeys
	}
	if len(keys) == 0 {
		return nil, domain.Resolvef("task %q names no %s", root.Task.Type(), domain.KeyInputKeys)
	}
	payload := root.Message.Payload()
	if payload == nil {
		return nil, domain.Resolvef("message %s has no payload", root.Message.ID())
	}

	out := make(map[string][]any, len(keys))
	for _, k := range keys {
		col, err := payload.Column(k)
		if err != nil {
			return nil, err
		}
		out[k] = col
	}
	return out, nil
}

// ─── Prompt Template ────────────────────────────────────────────────────────

// PromptTemplateNode renders one prompt per item. Sequence inputs supply
// one value per item, map-shaped inputs (such as an extracter's output) are
// flattened into one variable per key, and scalars are shared by all items.
// The output is a []string aligned with the inputs.
type PromptTemplateNode struct {
	tmpl promptTemplate
}

// NewPromptTemplateNode compiles a template in the given format.
func NewPromptTemplateNode(text string, format TemplateFormat) (*PromptTemplateNode, error) {
	t, err := compileTemplate(text, format)
	if err != nil {
		return nil, err
	}
	return &PromptTemplateNode{tmpl: t}, nil
}

func (n *PromptTemplateNode) Execute(ctx context.Context, in Inputs) (any, error) {
	seqs, scalars, err := variables(in)
	if err != nil {
		return nil, err
	}
	items, err := alignedLen(seqs)
	if err != nil {
		return nil, err
	}

	out := make([]string, items)
	vars := make(map[string]any, len(seqs)+len(scalars))
	for k, v := range scalars {
		vars[k] = v
	}
	for i := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for k, seq := range seqs {
			vars[k] = seq[i]
		}
		text, err := n.tmpl.render(vars)
		if err != nil {
			return nil, &domain.ItemError{Index: i, Err: err}
		}
		out[i] = text
	}
	return out, nil
}

// variables splits inputs into per-item sequences and shared scalars.
func variables(in Inputs) (map[string][]any, map[string]any, error) {
	seqs := make(map[string][]any)
	scalars := make(map[string]any)
	for _, name := range in.names {
		v := in.values[name]
		if _, isRoot := v.(Root); isRoot {
			return nil, nil, domain.Resolvef("input %q: the root message cannot be templated", name)
		}
		if m, ok := asSeqMap(v); ok {
			for k, seq := range m {
				seqs[k] = seq
			}
			continue
		}
		if seq, ok := asSeq(v); ok {
			seqs[name] = seq
			continue
		}
		scalars[name] = v
	}
	if len(seqs) == 0 {
		return nil, nil, domain.Resolvef("no sequence input to template over (inputs %v)", in.names)
	}
	return seqs, scalars, nil
}

func alignedLen(seqs map[string][]any) (int, error) {
	names := make([]string, 0, len(seqs))
	for k := range seqs {
		names = append(names, k)
	}
	sort.Strings(names)
	n := len(seqs[names[0]])
	for _, k := range names[1:] {
		if len(seqs[k]) != n {
			return 0, domain.Shapef("input %q has %d items, %q has %d", k, len(seqs[k]), names[0], n)
		}
	}
	return n, nil
}

// asSeq converts any slice (except []byte) into []any.
func asSeq(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// asSeqMap converts a string-keyed map whose values are all slices.
func asSeqMap(v any) (map[string][]any, bool) {
	if m, ok := v.(map[string][]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string][]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		seq, ok := asSeq(iter.Value().Interface())
		if !ok {
			return nil, false
		}
		out[iter.Key().String()] = seq
	}
	return out, true
}

// ─── LLM Generate ───────────────────────────────────────────────────────────

// LLMGenerateNode sends every item to a generation client. One failing item
// does not fail the node: its slot in the []any output holds the error.
type LLMGenerateNode struct {
	client llm.Client
}

// NewLLMGenerateNode binds a client.
func NewLLMGenerateNode(client llm.Client) *LLMGenerateNode {
	return &LLMGenerateNode{client: client}
}

func (n *LLMGenerateNode) Execute(ctx context.Context, in Inputs) (any, error) {
	batch, err := n.batch(in)
	if err != nil {
		return nil, err
	}
	results, err := n.client.GenerateBatchResultsAsync(ctx, batch).Wait(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r.Value()
	}
	return out, nil
}

// batch maps node inputs onto the client's input names. A single input
// feeds a single-input client regardless of its parameter name.
func (n *LLMGenerateNode) batch(in Inputs) (map[string][]string, error) {
	names := n.client.InputNames()
	seqs := make(map[string][]any)
	for _, name := range in.names {
		v := in.values[name]
		if m, ok := asSeqMap(v); ok {
			for k, seq := range m {
				seqs[k] = seq
			}
			continue
		}
		seq, ok := asSeq(v)
		if !ok {
			return nil, domain.Resolvef("input %q is %T, want a sequence of prompts", name, v)
		}
		seqs[name] = seq
	}
	if len(seqs) == 1 && len(names) == 1 {
		for k, seq := range seqs {
			if k != names[0] {
				seqs = map[string][]any{names[0]: seq}
			}
		}
	}

	out := make(map[string][]string, len(names))
	for _, name := range names {
		seq, ok := seqs[name]
		if !ok {
			return nil, domain.Resolvef("client %s needs input %q (have %v)", n.client.Model(), name, in.names)
		}
		strs := make([]string, len(seq))
		for i, v := range seq {
			s, isStr := v.(string)
			if !isStr {
				return nil, &domain.ItemError{Index: i, Err: fmt.Errorf("%w: input %q is %T, want string", domain.ErrInputValidation, name, v)}
			}
			strs[i] = s
		}
		out[name] = strs
	}
	return out, nil
}

package engine

import (
	"reflect"
	"slices"
	"strings"

	"github.com/tutu-network/tutuflow/internal/domain"
)

// ─── Input References ───────────────────────────────────────────────────────
//
//	$root              the message being processed (a Root value)
//	$task/<key>        one task parameter
//	/<node>            the output of an earlier node
//	/<node>/<key>      one key of an earlier node's map-shaped output
//
// Any reference may be prefixed with "param=" to choose the parameter name
// the node sees; otherwise the last path segment is used ("root" for $root).

// RootRef references the message being processed.
const RootRef = "$root"

const taskPrefix = "$task/"

type refKind int

const (
	refRoot refKind = iota
	refTask
	refNode
)

type inputRef struct {
	raw   string
	param string
	kind  refKind
	node  string // refNode
	key   string // refTask, or map key for refNode
}

func parseRef(spec string) (inputRef, error) {
	r := inputRef{raw: spec}
	ref := spec
	if param, rest, ok := strings.Cut(spec, "="); ok {
		if param == "" {
			return r, domain.Configf("input %q: empty parameter name", spec)
		}
		r.param, ref = param, rest
	}

	switch {
	case ref == RootRef:
		r.kind = refRoot
		if r.param == "" {
			r.param = "root"
		}
	case strings.HasPrefix(ref, taskPrefix):
		r.kind = refTask
		r.key = strings.TrimPrefix(ref, taskPrefix)
		if r.key == "" || strings.Contains(r.key, "/") {
			return r, domain.Configf("input %q: want $task/<key>", spec)
		}
	case strings.HasPrefix(ref, "/"):
		r.kind = refNode
		parts := strings.Split(strings.TrimPrefix(ref, "/"), "/")
		if len(parts) > 2 || slices.Contains(parts, "") {
			return r, domain.Configf("input %q: want /<node> or /<node>/<key>", spec)
		}
		r.node = parts[0]
		if len(parts) == 2 {
			r.key = parts[1]
		}
	default:
		return r, domain.Configf("input %q: unknown reference (want $root, $task/<key> or /<node>[/<key>])", spec)
	}

	if r.param == "" {
		if r.key != "" {
			r.param = r.key
		} else {
			r.param = r.node
		}
	}
	return r, nil
}

// parseRefs parses a node's declared inputs. nil means the root only.
func parseRefs(specs []string) ([]inputRef, error) {
	if specs == nil {
		specs = []string{RootRef}
	}
	refs := make([]inputRef, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		r, err := parseRef(s)
		if err != nil {
			return nil, err
		}
		if seen[r.param] {
			return nil, domain.Configf("input %q: parameter %q declared twice", s, r.param)
		}
		seen[r.param] = true
		refs = append(refs, r)
	}
	return refs, nil
}

// ─── Root ───────────────────────────────────────────────────────────────────

// Root is the value bound to a $root input.
type Root struct {
	Message *domain.ControlMessage
	Task    domain.Task
	Params  domain.TaskParams
}

// ─── Inputs ─────────────────────────────────────────────────────────────────

// Inputs is the ordered set of resolved values handed to a node or handler.
type Inputs struct {
	names  []string
	values map[string]any
}

// NewInputs builds Inputs from parameter names and values; every name must
// have a value.
func NewInputs(names []string, values map[string]any) Inputs {
	in := Inputs{names: slices.Clone(names), values: make(map[string]any, len(names))}
	for _, n := range names {
		in.values[n] = values[n]
	}
	return in
}

// Names returns the parameter names in declaration order.
func (in Inputs) Names() []string { return slices.Clone(in.names) }

// Len returns the number of inputs.
func (in Inputs) Len() int { return len(in.names) }

// Get returns one input by parameter name.
func (in Inputs) Get(name string) (any, bool) {
	v, ok := in.values[name]
	return v, ok
}

// MustGet returns one input or a resolution error.
func (in Inputs) MustGet(name string) (any, error) {
	v, ok := in.values[name]
	if !ok {
		return nil, domain.Resolvef("input %q not provided (have %v)", name, in.names)
	}
	return v, nil
}

// Root returns the first input holding the root value.
func (in Inputs) Root() (Root, bool) {
	for _, n := range in.names {
		if r, ok := in.values[n].(Root); ok {
			return r, true
		}
	}
	return Root{}, false
}

// ─── Resolution ─────────────────────────────────────────────────────────────

func resolve(refs []inputRef, root Root, outputs map[string]any) (Inputs, error) {
	in := Inputs{names: make([]string, 0, len(refs)), values: make(map[string]any, len(refs))}
	for _, r := range refs {
		v, err := resolveOne(r, root, outputs)
		if err != nil {
			return Inputs{}, err
		}
		in.names = append(in.names, r.param)
		in.values[r.param] = v
	}
	return in, nil
}

func resolveOne(r inputRef, root Root, outputs map[string]any) (any, error) {
	switch r.kind {
	case refRoot:
		return root, nil
	case refTask:
		switch r.key {
		case domain.KeyInputKeys:
			return slices.Clone(root.Params.InputKeys), nil
		case domain.KeyOutputColumn:
			return root.Params.OutputColumn, nil
		}
		v, ok := root.Task.Get(r.key)
		if !ok {
			return nil, domain.Resolvef("task %q has no parameter %q", root.Task.Type(), r.key)
		}
		return v, nil
	default:
		out, ok := outputs[r.node]
		if !ok {
			return nil, domain.Resolvef("output of node %q not available", r.node)
		}
		if r.key == "" {
			return out, nil
		}
		return mapKey(out, r.node, r.key)
	}
}

// mapKey selects one key of a map-shaped node output.
func mapKey(out any, node, key string) (any, error) {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, domain.Resolvef("output of node %q is %T, not a map; cannot select %q", node, out, key)
	}
	item := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
	if !item.IsValid() {
		return nil, domain.Resolvef("output of node %q has no key %q", node, key)
	}
	return item.Interface(), nil
}

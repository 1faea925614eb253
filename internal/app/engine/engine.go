// Package engine runs the task-execution DAG: named nodes wired by input
// references, executed per control message, with the result committed by a
// task handler selected from the message's task type.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/infra/metrics"
	"github.com/tutu-network/tutuflow/internal/logging"
)

// ─── Contracts ──────────────────────────────────────────────────────────────

// Node is one step of the DAG. Execute must depend only on its inputs; the
// items of every sequence input are aligned by index.
type Node interface {
	Execute(ctx context.Context, in Inputs) (any, error)
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc func(ctx context.Context, in Inputs) (any, error)

func (f NodeFunc) Execute(ctx context.Context, in Inputs) (any, error) { return f(ctx, in) }

// TaskHandler commits node outputs back into the message and returns the
// messages to emit downstream (possibly none).
type TaskHandler interface {
	Handle(ctx context.Context, msg *domain.ControlMessage, outputs Inputs) ([]*domain.ControlMessage, error)
}

// TaskHandlerFunc adapts a function to the TaskHandler interface.
type TaskHandlerFunc func(ctx context.Context, msg *domain.ControlMessage, outputs Inputs) ([]*domain.ControlMessage, error)

func (f TaskHandlerFunc) Handle(ctx context.Context, msg *domain.ControlMessage, outputs Inputs) ([]*domain.ControlMessage, error) {
	return f(ctx, msg, outputs)
}

// Execution summarizes one Run for observers.
type Execution struct {
	MessageID string
	TaskType  string
	Rows      int
	Nodes     []string // nodes that completed, in completion order
	Outputs   int      // messages returned by the handler
	Duration  time.Duration
	Err       error
}

// Status is "ok" or "error".
func (x Execution) Status() string {
	if x.Err != nil {
		return "error"
	}
	return "ok"
}

// Record converts the summary into its persisted form.
func (x Execution) Record(finishedAt time.Time) domain.ExecutionRecord {
	r := domain.ExecutionRecord{
		MessageID:  x.MessageID,
		TaskType:   x.TaskType,
		Status:     x.Status(),
		Rows:       x.Rows,
		Outputs:    x.Outputs,
		Nodes:      slices.Clone(x.Nodes),
		Duration:   x.Duration,
		FinishedAt: finishedAt,
	}
	if x.Err != nil {
		r.Error = x.Err.Error()
	}
	return r
}

// ─── Engine ─────────────────────────────────────────────────────────────────

type nodeEntry struct {
	name string
	refs []inputRef
	node Node
	deps []string // distinct upstream node names
}

type handlerEntry struct {
	refs      []inputRef
	handler   TaskHandler
	taskTypes []string // empty matches any type
}

// Engine owns the DAG and its task handlers. Registration is expected to
// finish before the first Run; Run is safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	nodes    []*nodeEntry
	byName   map[string]*nodeEntry
	handlers []*handlerEntry

	concurrent bool
	observers  []func(Execution)
	log        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrentStages runs nodes with no mutual dependency concurrently,
// one topological stage at a time. The default is declaration order.
func WithConcurrentStages() Option {
	return func(e *Engine) { e.concurrent = true }
}

// WithObserver registers a callback invoked after every Run.
func WithObserver(fn func(Execution)) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		byName: make(map[string]*nodeEntry),
		log:    logging.New("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddNode registers a node. inputs are references as described on
// RootRef; nil means the root only. Node references must name nodes that
// were already added, which keeps declaration order topological.
func (e *Engine) AddNode(name string, inputs []string, node Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" {
		return domain.Configf("node name is required")
	}
	if strings.ContainsAny(name, "/=$") {
		return domain.Configf("node name %q must not contain '/', '=' or '$'", name)
	}
	if node == nil {
		return domain.Configf("node %q is nil", name)
	}
	if _, ok := e.byName[name]; ok {
		return domain.Configf("duplicate node %q", name)
	}

	refs, err := parseRefs(inputs)
	if err != nil {
		return domain.Configf("node %q: %v", name, err)
	}
	var deps []string
	for _, r := range refs {
		if r.kind != refNode {
			continue
		}
		if r.node == name {
			return domain.Configf("node %q references itself via %q", name, r.raw)
		}
		if _, ok := e.byName[r.node]; !ok {
			return domain.Configf("node %q references undeclared node %q via %q", name, r.node, r.raw)
		}
		if !slices.Contains(deps, r.node) {
			deps = append(deps, r.node)
		}
	}

	entry := &nodeEntry{name: name, refs: refs, node: node, deps: deps}
	e.nodes = append(e.nodes, entry)
	e.byName[name] = entry
	return nil
}

// AddTaskHandler registers a terminal handler for the given task types.
// With no task types the handler matches any type not claimed by another
// handler. Each task type may be claimed once.
func (e *Engine) AddTaskHandler(inputs []string, handler TaskHandler, taskTypes ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handler == nil {
		return domain.Configf("task handler is nil")
	}
	refs, err := parseRefs(inputs)
	if err != nil {
		return domain.Configf("task handler: %v", err)
	}
	for _, r := range refs {
		if r.kind != refNode {
			continue
		}
		if _, ok := e.byName[r.node]; !ok {
			return domain.Configf("task handler references undeclared node %q via %q", r.node, r.raw)
		}
	}

	for _, h := range e.handlers {
		if len(taskTypes) == 0 && len(h.taskTypes) == 0 {
			return domain.Configf("a catch-all task handler is already registered")
		}
		for _, tt := range taskTypes {
			if slices.Contains(h.taskTypes, tt) {
				return domain.Configf("task type %q already has a handler", tt)
			}
		}
	}
	e.handlers = append(e.handlers, &handlerEntry{
		refs:      refs,
		handler:   handler,
		taskTypes: slices.Clone(taskTypes),
	})
	return nil
}

// Nodes returns the node names in declaration order.
func (e *Engine) Nodes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.nodes))
	for i, n := range e.nodes {
		names[i] = n.name
	}
	return names
}

// Stages groups nodes into topological levels. Nodes within one stage have
// no dependency on each other.
func (e *Engine) Stages() [][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	index := make(map[string]int, len(e.nodes))
	for i, n := range e.nodes {
		index[n.name] = i
	}
	indegree := make([]int, len(e.nodes))
	adj := make([][]int, len(e.nodes))
	for i, n := range e.nodes {
		for _, dep := range n.deps {
			adj[index[dep]] = append(adj[index[dep]], i)
			indegree[i]++
		}
	}

	var stages [][]string
	queue := make([]int, 0, len(e.nodes))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		slices.Sort(queue) // declaration order within a stage
		stage := make([]string, len(queue))
		var next []int
		for j, u := range queue {
			stage[j] = e.nodes[u].name
			for _, v := range adj[u] {
				indegree[v]--
				if indegree[v] == 0 {
					next = append(next, v)
				}
			}
		}
		stages = append(stages, stage)
		queue = next
	}
	return stages
}

// selectHandler picks the handler for a task type. Caller holds mu.
func (e *Engine) selectHandler(taskType string) (*handlerEntry, error) {
	var fallback *handlerEntry
	for _, h := range e.handlers {
		if len(h.taskTypes) == 0 {
			fallback = h
			continue
		}
		if slices.Contains(h.taskTypes, taskType) {
			return h, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w %q", domain.ErrNoTaskHandler, taskType)
}

// ─── Run ────────────────────────────────────────────────────────────────────

// Run executes the DAG for one message and returns the handler's output.
// The message must carry a task; task parameters referenced by any input
// and the handler for the task type are checked before the first node runs.
func (e *Engine) Run(ctx context.Context, msg *domain.ControlMessage) ([]*domain.ControlMessage, error) {
	start := time.Now()
	x := Execution{}
	if msg != nil {
		x.MessageID = msg.ID()
		x.Rows = msg.NumRows()
	}

	out, err := e.run(ctx, msg, &x)
	x.Duration = time.Since(start)
	x.Outputs = len(out)
	x.Err = err
	e.finish(x)
	return out, err
}

func (e *Engine) run(ctx context.Context, msg *domain.ControlMessage, x *Execution) ([]*domain.ControlMessage, error) {
	if msg == nil {
		return nil, domain.ErrMissingTask
	}
	task, ok := msg.Task()
	if !ok {
		return nil, domain.ErrMissingTask
	}
	x.TaskType = task.Type()

	params, err := task.Params()
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	nodes := slices.Clone(e.nodes)
	handler, err := e.selectHandler(task.Type())
	concurrent := e.concurrent
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if err := checkTaskRefs(task, nodes, handler); err != nil {
		return nil, err
	}

	root := Root{Message: msg, Task: task, Params: params}
	ictx := newInvocation(root)

	if concurrent {
		err = e.runStages(ctx, ictx, x)
	} else {
		err = e.runSequential(ctx, nodes, ictx, x)
	}
	if err != nil {
		return nil, err
	}

	in, err := resolve(handler.refs, root, ictx.snapshot())
	if err != nil {
		return nil, err
	}
	return handler.handler.Handle(ctx, msg, in)
}

func checkTaskRefs(task domain.Task, nodes []*nodeEntry, h *handlerEntry) error {
	check := func(owner string, refs []inputRef) error {
		for _, r := range refs {
			if r.kind == refTask && !task.Has(r.key) {
				return domain.Resolvef("%s needs task parameter %q, missing from %q task", owner, r.key, task.Type())
			}
		}
		return nil
	}
	for _, n := range nodes {
		if err := check("node "+n.name, n.refs); err != nil {
			return err
		}
	}
	return check("task handler", h.refs)
}

func (e *Engine) runSequential(ctx context.Context, nodes []*nodeEntry, ictx *invocation, x *Execution) error {
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.execNode(ctx, n, ictx); err != nil {
			return err
		}
		x.Nodes = append(x.Nodes, n.name)
	}
	return nil
}

func (e *Engine) runStages(ctx context.Context, ictx *invocation, x *Execution) error {
	var mu sync.Mutex
	for _, stage := range e.Stages() {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range stage {
			e.mu.RLock()
			n := e.byName[name]
			e.mu.RUnlock()
			g.Go(func() error {
				if err := e.execNode(gctx, n, ictx); err != nil {
					return err
				}
				mu.Lock()
				x.Nodes = append(x.Nodes, n.name)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) execNode(ctx context.Context, n *nodeEntry, ictx *invocation) error {
	in, err := resolve(n.refs, ictx.root, ictx.snapshot())
	if err != nil {
		return &domain.NodeError{Node: n.name, Err: err}
	}
	start := time.Now()
	out, err := n.node.Execute(ctx, in)
	metrics.NodeLatency.WithLabelValues(n.name).Observe(time.Since(start).Seconds())
	if err != nil {
		return &domain.NodeError{Node: n.name, Err: err}
	}
	ictx.set(n.name, out)
	return nil
}

func (e *Engine) finish(x Execution) {
	label := x.TaskType
	if label == "" {
		label = "none"
	}
	metrics.EngineExecutions.WithLabelValues(label, x.Status()).Inc()
	metrics.EngineLatency.WithLabelValues(label).Observe(x.Duration.Seconds())

	if x.Err != nil {
		e.log.Warn("execution failed",
			"message", x.MessageID, "task_type", x.TaskType,
			"nodes_done", len(x.Nodes), "duration", x.Duration, "error", x.Err)
	} else {
		e.log.Debug("execution done",
			"message", x.MessageID, "task_type", x.TaskType,
			"rows", x.Rows, "outputs", x.Outputs, "duration", x.Duration)
	}
	for _, fn := range e.observers {
		fn(x)
	}
}

// ─── Invocation Context ─────────────────────────────────────────────────────

// invocation holds node outputs for exactly one Run.
type invocation struct {
	root    Root
	mu      sync.Mutex
	outputs map[string]any
}

func newInvocation(root Root) *invocation {
	return &invocation{root: root, outputs: make(map[string]any)}
}

func (c *invocation) set(name string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[name] = v
}

func (c *invocation) snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	return out
}

package harness

import (
	"context"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/roach88/mibody/internal/activation"
	"github.com/roach88/mibody/internal/compiler"
	"github.com/roach88/mibody/internal/engine"
	"github.com/roach88/mibody/internal/expression"
	"github.com/roach88/mibody/internal/incident"
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/multiinstance"
	"github.com/roach88/mibody/internal/scope"
	"github.com/roach88/mibody/internal/store"
)

// Harness executes one scenario against a fresh engine.
type Harness struct {
	store  *store.Store
	tree   *scope.Tree
	root   scope.ID
	local  *activation.Local
	engine *engine.Engine
	logger *zap.Logger

	defs  map[string]ir.MultiInstanceDefinition
	keys  map[string]string // body name -> body key
	names map[string]string // body key -> body name
	order []string
}

// Option configures Run.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	storePath string
	keys      engine.KeyGenerator
}

// WithLogger sets the logger handed to the engine and the activation
// protocol. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStorePath runs the scenario against the store at path instead of a
// fresh in-memory one, so its commands and trace can be inspected later.
func WithStorePath(path string) Option {
	return func(o *options) {
		o.storePath = path
	}
}

// WithKeyGenerator sets the body key generator. Default: body-1, body-2...
// Scenarios run repeatedly against one store need unique keys.
func WithKeyGenerator(g engine.KeyGenerator) Option {
	return func(o *options) {
		o.keys = g
	}
}

// Run executes a scenario and returns its result.
//
// Each run uses a fresh scope tree and engine, and by default a fresh
// in-memory store; only the records of the scenario's own bodies are
// collected. Steps run
// in order and the engine is drained after each one; assertions are then
// evaluated against the collected trace and final state. The returned
// error is reserved for scenarios that cannot be executed at all.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{
		logger:    zap.NewNop(),
		storePath: ":memory:",
		keys:      engine.NewSequenceGenerator("body"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.Background()

	evaluator, err := expression.New(expression.Dialect(scenario.Dialect))
	if err != nil {
		return nil, err
	}
	defs, err := loadDefinitions(scenario.Specs, evaluator)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(o.storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", o.storePath, err)
	}
	defer st.Close()

	maxSeq, err := st.MaxSeq(ctx)
	if err != nil {
		return nil, err
	}

	tree := scope.NewTree()
	root := tree.CreateRoot()
	vars, err := convertMap(scenario.Variables)
	if err != nil {
		return nil, fmt.Errorf("variables: %w", err)
	}
	for _, name := range vars.SortedKeys() {
		if err := tree.SetLocal(root, name, vars[name]); err != nil {
			return nil, fmt.Errorf("variables: %w", err)
		}
	}

	localOpts := []activation.LocalOption{activation.WithLocalLogger(o.logger)}
	if scenario.DeferTermination {
		localOpts = append(localOpts, activation.WithDeferredTermination())
	}
	local := activation.NewLocal(tree, evaluator, localOpts...)

	var controllerOpts []multiinstance.Option
	if scenario.ActivationBatchSize > 0 {
		controllerOpts = append(controllerOpts, multiinstance.WithActivationBatchSize(scenario.ActivationBatchSize))
	}

	eng := engine.New(st, tree,
		multiinstance.NewController(evaluator, controllerOpts...),
		local,
		engine.WithLogger(o.logger),
		engine.WithReporter(incident.NewLogReporter(o.logger)),
		engine.WithKeyGenerator(o.keys),
		engine.WithClock(engine.NewClockAt(maxSeq)),
	)
	local.Attach(eng)

	h := &Harness{
		store:  st,
		tree:   tree,
		root:   root,
		local:  local,
		engine: eng,
		logger: o.logger,
		defs:   defs,
		keys:   make(map[string]string),
		names:  make(map[string]string),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, err
		}
		if err := eng.Drain(ctx); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		if step.Expect != nil {
			h.checkExpect(ctx, i, step, result)
		}
		h.logger.Debug("step executed", zap.Int("step", i), zap.String("action", step.Action()))
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// loadDefinitions compiles and validates every spec file.
func loadDefinitions(paths []string, evaluator expression.Evaluator) (map[string]ir.MultiInstanceDefinition, error) {
	var all []ir.MultiInstanceDefinition
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read spec %s: %w", path, err)
		}
		defs, err := compiler.CompileSource(path, src)
		if err != nil {
			return nil, fmt.Errorf("compile spec %s: %w", path, err)
		}
		all = append(all, defs...)
	}

	checker, _ := evaluator.(expression.Checker)
	if errs := compiler.Validate(all, checker); len(errs) > 0 {
		return nil, fmt.Errorf("invalid definitions: %w", errs[0])
	}

	byID := make(map[string]ir.MultiInstanceDefinition, len(all))
	for _, d := range all {
		byID[d.ElementID] = d
	}
	return byID, nil
}

func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) error {
	switch step.Action() {
	case "activate":
		name := step.As
		if name == "" {
			name = step.Activate
		}
		if _, exists := h.keys[name]; exists {
			return fmt.Errorf("steps[%d]: body %q already activated; name it with as", i, name)
		}
		def, ok := h.defs[step.Activate]
		if !ok {
			return fmt.Errorf("steps[%d]: no definition for element %q", i, step.Activate)
		}
		key, err := h.engine.Activate(def, h.root)
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		h.keys[name] = key
		h.names[key] = name
		h.order = append(h.order, name)

	case "complete":
		c := step.Complete
		key, err := h.bodyKey(i, c.Body)
		if err != nil {
			return err
		}
		child, ok := h.local.Find(key, c.LoopCounter)
		if !ok {
			result.AddError(fmt.Sprintf("steps[%d]: child %d of %s is not live", i, c.LoopCounter, c.Body))
			return nil
		}
		set, err := convertMap(c.Set)
		if err != nil {
			return fmt.Errorf("steps[%d].complete.set: %w", i, err)
		}
		if err := h.local.Complete(ctx, child.InstanceKey, set); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}

	case "terminate":
		key, err := h.bodyKey(i, step.Terminate)
		if err != nil {
			return err
		}
		h.engine.Terminate(key)

	case "confirm_termination":
		c := step.ConfirmTermination
		key, err := h.bodyKey(i, c.Body)
		if err != nil {
			return err
		}
		child, ok := h.local.Find(key, c.LoopCounter)
		if !ok {
			result.AddError(fmt.Sprintf("steps[%d]: child %d of %s is not live", i, c.LoopCounter, c.Body))
			return nil
		}
		if err := h.local.ConfirmTermination(child.InstanceKey); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}

	case "trigger":
		tr := step.Trigger
		key, err := h.bodyKey(i, tr.Body)
		if err != nil {
			return err
		}
		h.engine.Trigger(key, tr.Event, tr.Interrupting)

	default:
		return fmt.Errorf("steps[%d]: no action", i)
	}
	return nil
}

func (h *Harness) bodyKey(i int, name string) (string, error) {
	key, ok := h.keys[name]
	if !ok {
		return "", fmt.Errorf("steps[%d]: unknown body %q", i, name)
	}
	return key, nil
}

// stepBody is the body a step addresses.
func stepBody(step Step) string {
	switch {
	case step.Activate != "" && step.As != "":
		return step.As
	case step.Activate != "":
		return step.Activate
	case step.Complete != nil:
		return step.Complete.Body
	case step.Terminate != "":
		return step.Terminate
	case step.ConfirmTermination != nil:
		return step.ConfirmTermination.Body
	case step.Trigger != nil:
		return step.Trigger.Body
	}
	return ""
}

func (h *Harness) checkExpect(ctx context.Context, i int, step Step, result *Result) {
	name := step.Expect.Body
	if name == "" {
		name = stepBody(step)
	}
	key, ok := h.keys[name]
	if !ok {
		result.AddError(fmt.Sprintf("steps[%d].expect: unknown body %q", i, name))
		return
	}

	if want := step.Expect.State; want != "" {
		if got := h.state(ctx, key); got != want {
			result.AddError(fmt.Sprintf("steps[%d].expect: body %s is %q, expected %q", i, name, got, want))
		}
	}
	if want := step.Expect.Pending; want != nil {
		got := h.pending(key)
		if !slices.Equal(got, want) {
			result.AddError(fmt.Sprintf("steps[%d].expect: body %s has live children %v, expected %v", i, name, got, want))
		}
	}
}

// state returns the current state of a body, or "" if it was never
// created.
func (h *Harness) state(ctx context.Context, key string) string {
	if b, ok := h.engine.Body(key); ok {
		return string(b.State)
	}
	b, err := h.engine.LoadBody(ctx, key)
	if err != nil {
		return ""
	}
	return string(b.State)
}

func (h *Harness) pending(key string) []int {
	out := []int{}
	for _, c := range h.local.Pending() {
		if c.BodyKey == key {
			out = append(out, c.LoopCounter)
		}
	}
	return out
}

// collect fills the result with the trace, incidents and final state.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	records, err := h.store.ReadRecords(ctx, "")
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, ours := h.names[r.BodyKey]; !ours {
			continue
		}
		result.Trace = append(result.Trace, TraceEvent{
			Seq:     r.Seq,
			Body:    h.name(r.BodyKey),
			Kind:    string(r.Kind),
			Payload: r.Payload,
		})
	}

	incidents, err := h.store.ReadIncidents(ctx, "")
	if err != nil {
		return err
	}
	for _, inc := range incidents {
		if _, ours := h.names[inc.BodyKey]; !ours {
			continue
		}
		result.Incidents = append(result.Incidents, IncidentEvent{
			Body:    h.name(inc.BodyKey),
			Code:    inc.Code,
			Message: inc.Message,
		})
	}

	for _, name := range h.order {
		result.Keys[name] = h.keys[name]
		if state := h.state(ctx, h.keys[name]); state != "" {
			result.Bodies[name] = state
		}
	}

	vars, err := h.tree.Visible(h.root)
	if err != nil {
		return err
	}
	result.Variables = vars
	return nil
}

func (h *Harness) name(key string) string {
	if n, ok := h.names[key]; ok {
		return n
	}
	return key
}

func convertMap(m map[string]any) (ir.IRObject, error) {
	if m == nil {
		return ir.IRObject{}, nil
	}
	out := make(ir.IRObject, len(m))
	for k, v := range m {
		val, err := ir.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

package activation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/mibody/internal/expression"
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/scope"
)

// ChildStatus is the protocol-side view of a child.
type ChildStatus string

const (
	StatusActive      ChildStatus = "active"
	StatusTerminating ChildStatus = "terminating"
)

// Child is a child started by Local and not yet released.
type Child struct {
	InstanceKey string
	BodyKey     string
	LoopCounter int
	Element     ir.ElementRef
	Scope       scope.ID
	Status      ChildStatus
}

// Local runs children in-process on a scope tree. Children do no work of
// their own: callers (tests, scenarios, workers) drive them with Complete,
// and terminations are confirmed immediately unless deferred.
type Local struct {
	mu        sync.Mutex
	scopes    scope.Store
	evaluator expression.Evaluator
	notifier  Notifier
	logger    *zap.Logger
	deferred  bool
	children  map[string]*Child
}

// LocalOption configures a Local protocol.
type LocalOption func(*Local)

// WithLocalLogger sets the logger.
func WithLocalLogger(l *zap.Logger) LocalOption {
	return func(p *Local) {
		p.logger = l
	}
}

// WithDeferredTermination keeps terminated children in TERMINATING until
// ConfirmTermination is called, so the transient cascade state can be
// observed.
func WithDeferredTermination() LocalOption {
	return func(p *Local) {
		p.deferred = true
	}
}

// NewLocal creates an in-process protocol. Mapping expressions are
// evaluated with evaluator.
func NewLocal(scopes scope.Store, evaluator expression.Evaluator, opts ...LocalOption) *Local {
	p := &Local{
		scopes:    scopes,
		evaluator: evaluator,
		logger:    zap.NewNop(),
		children:  make(map[string]*Child),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attach sets the notifier that receives completions and terminations.
func (p *Local) Attach(n Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifier = n
}

// ActivateChild creates the child scope under req.ParentScope, sets the
// request variables locally and applies the element's input mappings.
// Re-activating a known instance key returns it unchanged.
func (p *Local) ActivateChild(ctx context.Context, req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := req.InstanceKey
	if key == "" {
		key = ir.ChildInstanceKey(req.BodyKey, req.LoopCounter)
	}
	if _, ok := p.children[key]; ok {
		return key, nil
	}

	id, err := p.scopes.CreateChild(req.ParentScope)
	if err != nil {
		return "", fmt.Errorf("activate child %d of %s: %w", req.LoopCounter, req.BodyKey, err)
	}
	for _, name := range req.Variables.SortedKeys() {
		if err := p.scopes.SetLocal(id, name, req.Variables[name]); err != nil {
			p.scopes.Remove(id)
			return "", fmt.Errorf("activate child %d of %s: %w", req.LoopCounter, req.BodyKey, err)
		}
	}
	if err := p.applyMappings(ctx, id, req.Element.InputMappings, p.scopes.SetLocal); err != nil {
		p.scopes.Remove(id)
		return "", fmt.Errorf("activate child %d of %s: input mapping: %w", req.LoopCounter, req.BodyKey, err)
	}

	p.children[key] = &Child{
		InstanceKey: key,
		BodyKey:     req.BodyKey,
		LoopCounter: req.LoopCounter,
		Element:     req.Element,
		Scope:       id,
		Status:      StatusActive,
	}
	p.logger.Debug("child activated",
		zap.String("body_key", req.BodyKey),
		zap.Int("loop_counter", req.LoopCounter),
		zap.String("instance_key", key),
		zap.Int64("scope", int64(id)),
	)
	return key, nil
}

// TerminateChild tears down the child's scope. The termination is reported
// right away unless termination is deferred.
func (p *Local) TerminateChild(_ context.Context, instanceKey string) error {
	p.mu.Lock()
	c, ok := p.children[instanceKey]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("terminate %s: %w", instanceKey, ErrUnknownInstance)
	}
	if c.Status == StatusTerminating {
		p.mu.Unlock()
		return nil
	}
	c.Status = StatusTerminating
	deferred := p.deferred
	p.mu.Unlock()

	if deferred {
		return nil
	}
	return p.ConfirmTermination(instanceKey)
}

// ConfirmTermination finishes tearing down a terminating child and
// notifies the engine.
func (p *Local) ConfirmTermination(instanceKey string) error {
	p.mu.Lock()
	c, ok := p.children[instanceKey]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("confirm termination %s: %w", instanceKey, ErrUnknownInstance)
	}
	if c.Status != StatusTerminating {
		p.mu.Unlock()
		return fmt.Errorf("confirm termination %s: child is %s", instanceKey, c.Status)
	}
	delete(p.children, instanceKey)
	p.scopes.Remove(c.Scope)
	n := p.notifier
	p.mu.Unlock()

	p.logger.Debug("child terminated",
		zap.String("body_key", c.BodyKey),
		zap.Int("loop_counter", c.LoopCounter),
		zap.String("instance_key", instanceKey),
	)
	if n != nil {
		n.ChildTerminated(instanceKey)
	}
	return nil
}

// Complete finishes an active child. set holds the variables the child
// produced; they are written with scope.Set, so a name defined locally in
// the child (the output element root) stays local and anything else
// propagates outward. Output mappings run next, then the visible
// variables are handed to the notifier and the child scope is released.
func (p *Local) Complete(ctx context.Context, instanceKey string, set ir.IRObject) error {
	p.mu.Lock()
	c, ok := p.children[instanceKey]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("complete %s: %w", instanceKey, ErrUnknownInstance)
	}
	if c.Status != StatusActive {
		p.mu.Unlock()
		return fmt.Errorf("complete %s: child is %s", instanceKey, c.Status)
	}

	for _, name := range set.SortedKeys() {
		if err := p.scopes.Set(c.Scope, name, set[name]); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("complete %s: %w", instanceKey, err)
		}
	}
	if err := p.applyMappings(ctx, c.Scope, c.Element.OutputMappings, p.scopes.Set); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("complete %s: output mapping: %w", instanceKey, err)
	}

	vars, err := p.scopes.Visible(c.Scope)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("complete %s: %w", instanceKey, err)
	}
	delete(p.children, instanceKey)
	p.scopes.Remove(c.Scope)
	n := p.notifier
	p.mu.Unlock()

	p.logger.Debug("child completed",
		zap.String("body_key", c.BodyKey),
		zap.Int("loop_counter", c.LoopCounter),
		zap.String("instance_key", instanceKey),
	)
	if n != nil {
		n.ChildCompleted(instanceKey, vars)
	}
	return nil
}

// Lookup returns the live child registered under instanceKey.
func (p *Local) Lookup(instanceKey string) (Child, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.children[instanceKey]
	if !ok {
		return Child{}, false
	}
	return *c, true
}

// Find returns the live child of bodyKey with the given loop counter.
func (p *Local) Find(bodyKey string, loopCounter int) (Child, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.children {
		if c.BodyKey == bodyKey && c.LoopCounter == loopCounter {
			return *c, true
		}
	}
	return Child{}, false
}

// Pending returns every live child ordered by body key, then loop counter.
func (p *Local) Pending() []Child {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Child, 0, len(p.children))
	for _, c := range p.children {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BodyKey != out[j].BodyKey {
			return out[i].BodyKey < out[j].BodyKey
		}
		return out[i].LoopCounter < out[j].LoopCounter
	})
	return out
}

type setter func(id scope.ID, name string, value ir.IRValue) error

func (p *Local) applyMappings(ctx context.Context, id scope.ID, mappings []ir.Mapping, set setter) error {
	for _, m := range mappings {
		vars, err := p.scopes.Visible(id)
		if err != nil {
			return err
		}
		v, err := p.evaluator.Evaluate(ctx, m.Source, vars)
		if err != nil {
			return fmt.Errorf("%s -> %s: %w", m.Source, m.Target, err)
		}
		if err := set(id, m.Target, v); err != nil {
			return fmt.Errorf("%s -> %s: %w", m.Source, m.Target, err)
		}
	}
	return nil
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/roach88/mibody/internal/activation"
	"github.com/roach88/mibody/internal/incident"
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/multiinstance"
	"github.com/roach88/mibody/internal/scope"
	"github.com/roach88/mibody/internal/store"
)

const tracerName = "github.com/roach88/mibody/internal/engine"

// ErrStopped is returned when a command is submitted after Stop.
var ErrStopped = errors.New("engine stopped")

// Engine is the single-writer event loop that drives multi-instance
// bodies.
//
// Commands are submitted from any goroutine (Activate, Terminate, Trigger
// and the activation.Notifier callbacks) and processed one at a time, in
// submission order, by Run or Drain. Processing a command calls the
// controller, applies its effects through the activation protocol and the
// scope store, and commits the command, the new body snapshot and the
// trace records in one store transaction.
//
// Thread-safety model:
//   - Activate, Terminate, Trigger, ChildCompleted, ChildTerminated, Body:
//     safe from any goroutine
//   - Run, Drain, Recover: exactly one goroutine at a time
type Engine struct {
	store      *store.Store
	scopes     scope.Store
	controller *multiinstance.Controller
	protocol   activation.Protocol
	reporter   incident.Reporter
	logger     *zap.Logger
	tracer     trace.Tracer
	clock      *Clock
	keys       KeyGenerator
	queue      *eventQueue
	quota      *QuotaEnforcer

	// Arena of active bodies and the index of their children. Written only
	// by the loop goroutine; mu lets Body read concurrently.
	mu       sync.RWMutex
	bodies   map[string]*multiinstance.Body
	children map[string]childRef

	// Children started by a step that then failed. Loop goroutine only.
	orphans map[string]struct{}
}

type childRef struct {
	bodyKey     string
	loopCounter int
}

var _ activation.Notifier = (*Engine)(nil)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithTracerProvider sets the provider of the engine's tracer. Default: a
// no-op provider.
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// WithReporter sets where incidents are reported in addition to the
// store. Default: incident.Nop.
func WithReporter(r incident.Reporter) EngineOption {
	return func(e *Engine) {
		e.reporter = r
	}
}

// WithKeyGenerator sets the body key generator. Default: UUIDv7Generator.
func WithKeyGenerator(g KeyGenerator) EngineOption {
	return func(e *Engine) {
		e.keys = g
	}
}

// WithClock sets the logical clock, e.g. to resume from a known seq.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithMaxSteps bounds the commands processed by one Run or Drain.
// Default: DefaultMaxSteps. Zero disables the limit.
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		e.quota = NewQuotaEnforcer(n)
	}
}

// New creates an engine. protocol receives child activations and
// terminations; it should report back through the engine's Notifier
// methods.
func New(
	s *store.Store,
	scopes scope.Store,
	controller *multiinstance.Controller,
	protocol activation.Protocol,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		store:      s,
		scopes:     scopes,
		controller: controller,
		protocol:   protocol,
		reporter:   incident.Nop{},
		logger:     zap.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer(tracerName),
		clock:      NewClock(),
		keys:       UUIDv7Generator{},
		queue:      newEventQueue(),
		quota:      NewQuotaEnforcer(DefaultMaxSteps),
		bodies:     make(map[string]*multiinstance.Body),
		children:   make(map[string]childRef),
		orphans:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Activate validates def and submits the activation of a new body in
// flowScope. It returns the new body's key.
func (e *Engine) Activate(def ir.MultiInstanceDefinition, flowScope scope.ID) (string, error) {
	if errs := def.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, ve := range errs {
			msgs[i] = ve.Error()
		}
		return "", &RuntimeError{
			Code:    ErrCodeInvalidDefinition,
			Message: strings.Join(msgs, "; "),
			Details: map[string]string{"element_id": def.ElementID},
		}
	}
	encoded, err := definitionToIR(def)
	if err != nil {
		return "", err
	}

	key := e.keys.Generate()
	ok := e.queue.Enqueue(Event{
		Kind:    ir.CommandActivate,
		BodyKey: key,
		Payload: ir.IRObject{
			"definition": encoded,
			"flow_scope": ir.IRInt(flowScope),
		},
	})
	if !ok {
		return "", ErrStopped
	}
	return key, nil
}

// ChildCompleted submits the completion of a child instance. variables
// are the variables visible from the child's scope at completion.
func (e *Engine) ChildCompleted(instanceKey string, variables ir.IRObject) bool {
	if variables == nil {
		variables = ir.IRObject{}
	}
	return e.queue.Enqueue(Event{
		Kind:        ir.CommandChildCompleted,
		InstanceKey: instanceKey,
		Payload:     ir.IRObject{"variables": variables},
	})
}

// ChildTerminated submits the confirmed termination of a child instance.
func (e *Engine) ChildTerminated(instanceKey string) bool {
	return e.queue.Enqueue(Event{Kind: ir.CommandChildTerminated, InstanceKey: instanceKey})
}

// Terminate submits the termination of a body, e.g. because its flow
// scope is being torn down.
func (e *Engine) Terminate(bodyKey string) bool {
	return e.queue.Enqueue(Event{Kind: ir.CommandTerminate, BodyKey: bodyKey})
}

// Trigger submits a boundary event eventID attached to the body. An
// interrupting trigger terminates the body; a non-interrupting one is
// recorded and leaves the body alone.
func (e *Engine) Trigger(bodyKey, eventID string, interrupting bool) bool {
	return e.queue.Enqueue(Event{
		Kind:    ir.CommandTrigger,
		BodyKey: bodyKey,
		Payload: ir.IRObject{
			"event_id":     ir.IRString(eventID),
			"interrupting": ir.IRBool(interrupting),
		},
	})
}

// Run processes commands until ctx is cancelled or Stop is called.
//
// A failing command raises an incident and processing continues with the
// next one; only an exceeded step quota stops the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")
	e.quota.Reset()

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			if err := e.processEvent(ctx, ev); err != nil && IsQuotaError(err) {
				e.queue.Close()
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain processes queued commands, including the ones they cause, until
// the queue is empty. It returns the step quota error if the quota is
// exceeded, or ctx's error if it is cancelled.
func (e *Engine) Drain(ctx context.Context) error {
	e.quota.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, ok := e.queue.TryDequeue()
		if !ok {
			return nil
		}
		if err := e.processEvent(ctx, ev); err != nil && IsQuotaError(err) {
			return err
		}
	}
}

// Stop closes the queue. Run returns once the queued commands are
// processed.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Pending returns the number of queued commands.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Body returns a copy of an active body. Bodies leave the arena once they
// reach COMPLETED or TERMINATED; use LoadBody for those.
func (e *Engine) Body(key string) (*multiinstance.Body, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.bodies[key]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// ActiveBodies returns the keys of the bodies in the arena.
func (e *Engine) ActiveBodies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.bodies))
	for k := range e.bodies {
		keys = append(keys, k)
	}
	return sortedStrings(keys)
}

// LoadBody decodes the last committed snapshot of a body from the store.
func (e *Engine) LoadBody(ctx context.Context, key string) (*multiinstance.Body, error) {
	stored, err := e.store.ReadBody(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", key, err)
	}
	return decodeBody(stored)
}

func decodeBody(stored ir.StoredBody) (*multiinstance.Body, error) {
	var b multiinstance.Body
	if err := json.Unmarshal([]byte(stored.Data), &b); err != nil {
		return nil, fmt.Errorf("decode body %s: %w", stored.Key, err)
	}
	return &b, nil
}

// install puts a committed body and its new children into the arena and
// retires the body once it is terminal.
func (e *Engine) install(b *multiinstance.Body, children []ir.ChildIndexEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range children {
		e.children[c.InstanceKey] = childRef{bodyKey: c.BodyKey, loopCounter: c.LoopCounter}
	}
	if !b.State.Terminal() {
		e.bodies[b.Key] = b
		return
	}
	delete(e.bodies, b.Key)
	for _, c := range b.Children {
		if c.InstanceKey != "" {
			delete(e.children, c.InstanceKey)
		}
	}
}

func (e *Engine) lookupChild(instanceKey string) (childRef, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ref, ok := e.children[instanceKey]
	return ref, ok
}

func (e *Engine) lookupBody(key string) (*multiinstance.Body, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.bodies[key]
	return b, ok
}

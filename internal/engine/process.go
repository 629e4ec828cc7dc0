package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/mibody/internal/activation"
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/multiinstance"
	"github.com/roach88/mibody/internal/scope"
	"github.com/roach88/mibody/internal/store"
)

// step accumulates what one command produces before it is committed.
type step struct {
	cmd           ir.Command
	records       []ir.Record
	children      []ir.ChildIndexEntry
	instanceKeys  ir.IRObject
	continuations []Event
}

func (e *Engine) record(s *step, kind ir.RecordKind, payload ir.IRObject) {
	s.records = append(s.records, ir.Record{
		Seq:       e.clock.Next(),
		BodyKey:   s.cmd.BodyKey,
		CommandID: s.cmd.ID,
		Kind:      kind,
		Payload:   payload,
	})
}

// processEvent runs one command inside a span.
// Called only from the loop goroutine.
func (e *Engine) processEvent(ctx context.Context, ev Event) error {
	ctx, span := e.tracer.Start(ctx, "engine.process",
		trace.WithAttributes(attribute.String("mibody.command.kind", string(ev.Kind))))
	defer span.End()

	err := e.process(ctx, span, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (e *Engine) process(ctx context.Context, span trace.Span, ev Event) error {
	bodyKey, loopCounter := ev.BodyKey, 0
	if ev.InstanceKey != "" {
		ref, ok := e.lookupChild(ev.InstanceKey)
		if !ok {
			if e.dropOrphan(ev) {
				return nil
			}
			return e.raise(ctx, "", "", unknownChild(ev.InstanceKey))
		}
		bodyKey, loopCounter = ref.bodyKey, ref.loopCounter
	}

	key := identity(ev)
	id, err := ir.CommandID(bodyKey, ev.Kind, key)
	if err != nil {
		return e.raise(ctx, bodyKey, "", fmt.Errorf("command id: %w", err))
	}
	span.SetAttributes(
		attribute.String("mibody.body_key", bodyKey),
		attribute.String("mibody.command.id", id),
	)

	dup, err := e.store.HasCommand(ctx, id)
	if err != nil {
		return e.raise(ctx, bodyKey, id, fmt.Errorf("check command: %w", err))
	}
	if dup {
		span.SetAttributes(attribute.Bool("mibody.command.duplicate", true))
		e.logger.Debug("duplicate command skipped",
			zap.String("command_id", id),
			zap.String("body_key", bodyKey),
			zap.String("kind", string(ev.Kind)),
		)
		return nil
	}

	if err := e.quota.Check(ev.Kind); err != nil {
		var se *StepsExceededError
		errors.As(err, &se)
		return e.raise(ctx, bodyKey, id, NewQuotaError(bodyKey, se))
	}

	s := &step{
		cmd: ir.Command{
			ID:      id,
			BodyKey: bodyKey,
			Kind:    ev.Kind,
			Payload: key.Merge(ev.Payload),
			Seq:     e.clock.Next(),
		},
		instanceKeys: ir.IRObject{},
	}
	if loopCounter > 0 {
		s.cmd.Payload["loop_counter"] = ir.IRInt(loopCounter)
	}

	body, fx, err := e.dispatch(ctx, s, loopCounter)
	if err != nil {
		return e.raise(ctx, bodyKey, id, err)
	}
	if body == nil {
		return nil
	}

	if err := e.applyEffects(ctx, s, body, fx); err != nil {
		e.abandon(ctx, s)
		return e.raise(ctx, bodyKey, id, err)
	}
	if len(s.instanceKeys) > 0 {
		s.cmd.Payload["instance_keys"] = s.instanceKeys
	}

	if err := e.commit(ctx, s, body); err != nil {
		e.abandon(ctx, s)
		return e.raise(ctx, bodyKey, id, err)
	}
	for _, cont := range s.continuations {
		e.queue.Enqueue(cont)
	}

	span.SetAttributes(attribute.String("mibody.body.state", string(body.State)))
	e.logger.Info("command processed",
		zap.String("command_id", id),
		zap.String("body_key", bodyKey),
		zap.String("kind", string(ev.Kind)),
		zap.String("state", string(body.State)),
		zap.Int64("seq", s.cmd.Seq),
		zap.Int("records", len(s.records)),
	)
	return nil
}

// abandon terminates the children a failed step activated. The step is
// rolled back, so no body owns them; the body stays at its last committed
// snapshot and the command can be re-delivered.
func (e *Engine) abandon(ctx context.Context, s *step) {
	for _, c := range s.children {
		e.orphans[c.InstanceKey] = struct{}{}
		if err := e.protocol.TerminateChild(ctx, c.InstanceKey); err != nil {
			e.logger.Error("terminate abandoned child failed",
				zap.String("body_key", c.BodyKey),
				zap.Int("loop_counter", c.LoopCounter),
				zap.String("instance_key", c.InstanceKey),
				zap.Error(err),
			)
			continue
		}
		e.logger.Warn("abandoned child terminated",
			zap.String("body_key", c.BodyKey),
			zap.Int("loop_counter", c.LoopCounter),
			zap.String("instance_key", c.InstanceKey),
		)
	}
}

// dropOrphan swallows the final notification of an abandoned child.
func (e *Engine) dropOrphan(ev Event) bool {
	if _, ok := e.orphans[ev.InstanceKey]; !ok {
		return false
	}
	delete(e.orphans, ev.InstanceKey)
	e.logger.Debug("notification for abandoned child dropped",
		zap.String("instance_key", ev.InstanceKey),
		zap.String("kind", string(ev.Kind)),
	)
	return true
}

// identity is the part of a command that makes it unique for its body:
// re-delivering the same notification yields the same command id.
func identity(ev Event) ir.IRObject {
	switch ev.Kind {
	case ir.CommandChildCompleted, ir.CommandChildTerminated:
		return ir.IRObject{"instance_key": ir.IRString(ev.InstanceKey)}
	case ir.CommandContinueFanOut:
		return ir.IRObject{"from": ev.Payload["from"]}
	case ir.CommandTrigger:
		return ir.IRObject{"event_id": ev.Payload["event_id"]}
	default:
		return ir.IRObject{}
	}
}

// dispatch hands the command to the controller. A nil body with a nil
// error means the command was dropped without being recorded.
func (e *Engine) dispatch(ctx context.Context, s *step, loopCounter int) (body *multiinstance.Body, fx []multiinstance.Effect, err error) {
	// Illegal transitions panic inside the controller.
	defer func() {
		if r := recover(); r != nil {
			v, ok := r.(*multiinstance.InvariantViolation)
			if !ok {
				panic(r)
			}
			body, fx, err = nil, nil, v
		}
	}()

	cmd := &s.cmd
	if cmd.Kind == ir.CommandActivate {
		req, err := e.activateRequest(cmd)
		if err != nil {
			return nil, nil, err
		}
		return e.controller.Activate(ctx, req)
	}

	current, ok := e.lookupBody(cmd.BodyKey)
	if !ok {
		if cmd.Kind == ir.CommandTrigger {
			e.logger.Debug("trigger for inactive body dropped",
				zap.String("body_key", cmd.BodyKey),
				zap.String("event_id", payloadString(cmd.Payload, "event_id")),
			)
			return nil, nil, nil
		}
		return nil, nil, unknownBody(cmd.BodyKey)
	}

	switch cmd.Kind {
	case ir.CommandChildCompleted:
		vars, _ := cmd.Payload["variables"].(ir.IRObject)
		return e.controller.OnChildCompleted(ctx, current, multiinstance.ChildCompletion{
			LoopCounter: loopCounter,
			Variables:   vars,
		})
	case ir.CommandChildTerminated:
		return e.controller.OnChildTerminated(current, loopCounter)
	case ir.CommandTerminate:
		return e.controller.Terminate(current)
	case ir.CommandContinueFanOut:
		return e.controller.ContinueFanOut(current)
	case ir.CommandTrigger:
		if interrupting, _ := cmd.Payload["interrupting"].(ir.IRBool); interrupting {
			return e.controller.Terminate(current)
		}
		e.record(s, ir.RecordTriggerIgnored, ir.IRObject{
			"event_id":     cmd.Payload["event_id"],
			"interrupting": ir.IRBool(false),
		})
		return current, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

// activateRequest decodes an activate command and snapshots the variables
// visible from the flow scope into its payload, so replay sees the same
// input.
func (e *Engine) activateRequest(cmd *ir.Command) (multiinstance.ActivateRequest, error) {
	def, err := definitionFromIR(cmd.Payload["definition"])
	if err != nil {
		return multiinstance.ActivateRequest{}, err
	}
	flowScope := scope.ID(payloadInt(cmd.Payload, "flow_scope"))

	vars, ok := cmd.Payload["variables"].(ir.IRObject)
	if !ok {
		vars, err = e.scopes.Visible(flowScope)
		if err != nil {
			return multiinstance.ActivateRequest{}, fmt.Errorf("read flow scope %d: %w", flowScope, err)
		}
		if vars == nil {
			vars = ir.IRObject{}
		}
		cmd.Payload["variables"] = vars
	}

	return multiinstance.ActivateRequest{
		Key:        cmd.BodyKey,
		Definition: def,
		FlowScope:  flowScope,
		Variables:  vars,
	}, nil
}

// applyEffects executes the controller's effects in order and turns each
// into trace records.
func (e *Engine) applyEffects(ctx context.Context, s *step, b *multiinstance.Body, fx []multiinstance.Effect) error {
	for _, f := range fx {
		switch f := f.(type) {
		case multiinstance.Transition:
			e.record(s, ir.RecordBodyTransition, ir.IRObject{
				"from": ir.IRString(f.From),
				"to":   ir.IRString(f.To),
			})

		case multiinstance.ActivateChild:
			instanceKey, err := e.protocol.ActivateChild(ctx, activation.Request{
				BodyKey:     b.Key,
				LoopCounter: f.LoopCounter,
				InstanceKey: ir.ChildInstanceKey(b.Key, f.LoopCounter),
				Element:     f.Element,
				ParentScope: f.ParentScope,
				Variables:   f.Variables,
			})
			if err != nil {
				return activationFailed(b.Key, f.LoopCounter, "activate", err)
			}
			if err := b.BindInstanceKey(f.LoopCounter, instanceKey); err != nil {
				return err
			}
			seq := e.clock.Next()
			s.children = append(s.children, ir.ChildIndexEntry{
				InstanceKey: instanceKey,
				BodyKey:     b.Key,
				LoopCounter: f.LoopCounter,
				Seq:         seq,
			})
			s.instanceKeys[strconv.Itoa(f.LoopCounter)] = ir.IRString(instanceKey)
			e.record(s, ir.RecordChildActivated, ir.IRObject{
				"loop_counter": ir.IRInt(f.LoopCounter),
				"instance_key": ir.IRString(instanceKey),
			})

		case multiinstance.TerminateChild:
			e.record(s, ir.RecordChildTerminating, ir.IRObject{
				"loop_counter": ir.IRInt(f.LoopCounter),
				"instance_key": ir.IRString(f.InstanceKey),
			})
			if err := e.protocol.TerminateChild(ctx, f.InstanceKey); err != nil {
				return activationFailed(b.Key, f.LoopCounter, "terminate", err)
			}

		case multiinstance.ChildStateChanged:
			kind, ok := childRecordKinds[f.To]
			if !ok {
				return fmt.Errorf("no record kind for child state %s", f.To)
			}
			e.record(s, kind, ir.IRObject{
				"loop_counter": ir.IRInt(f.LoopCounter),
				"from":         ir.IRString(f.From),
			})

		case multiinstance.WriteVariable:
			if err := e.scopes.SetLocal(f.Scope, f.Name, f.Value); err != nil {
				return fmt.Errorf("write %s to scope %d: %w", f.Name, f.Scope, err)
			}
			e.record(s, ir.RecordVariableWritten, ir.IRObject{
				"scope": ir.IRInt(f.Scope),
				"name":  ir.IRString(f.Name),
				"value": f.Value,
			})

		case multiinstance.ContinueFanOut:
			e.record(s, ir.RecordFanOutPaused, ir.IRObject{"from": ir.IRInt(f.From)})
			s.continuations = append(s.continuations, Event{
				Kind:    ir.CommandContinueFanOut,
				BodyKey: b.Key,
				Payload: ir.IRObject{"from": ir.IRInt(f.From)},
			})

		default:
			return fmt.Errorf("unknown effect %T", f)
		}
	}
	return nil
}

var childRecordKinds = map[multiinstance.ChildState]ir.RecordKind{
	multiinstance.ChildCompleted:  ir.RecordChildCompleted,
	multiinstance.ChildTerminated: ir.RecordChildTerminated,
	multiinstance.ChildSkipped:    ir.RecordChildSkipped,
}

// commit writes the step atomically and installs the body.
func (e *Engine) commit(ctx context.Context, s *step, b *multiinstance.Body) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	hash, err := ir.SnapshotHash(b.Snapshot())
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}

	inserted, err := e.store.CommitStep(ctx, store.Step{
		Command: s.cmd,
		Body: ir.StoredBody{
			Key:       b.Key,
			ElementID: b.Definition.ElementID,
			State:     string(b.State),
			Data:      string(data),
			Hash:      hash,
			Seq:       s.cmd.Seq,
		},
		Children: s.children,
		Records:  s.records,
	})
	if err != nil {
		return fmt.Errorf("commit command %s: %w", s.cmd.ID, err)
	}
	if !inserted {
		e.logger.Warn("command committed concurrently, step discarded",
			zap.String("command_id", s.cmd.ID),
			zap.String("body_key", b.Key),
		)
		return nil
	}

	e.install(b, s.children)
	return nil
}

// raise records err as an incident against the command and returns it.
// The command itself is not recorded, so re-delivering it retries.
func (e *Engine) raise(ctx context.Context, bodyKey, commandID string, err error) error {
	inc := ir.Incident{
		Seq:       e.clock.Next(),
		BodyKey:   bodyKey,
		CommandID: commandID,
		Code:      incidentCode(err),
		Message:   err.Error(),
	}
	if werr := e.store.WriteIncident(ctx, inc); werr != nil {
		e.logger.Error("write incident failed",
			zap.String("code", inc.Code),
			zap.String("body_key", bodyKey),
			zap.Error(werr),
		)
	}
	e.reporter.Report(ctx, inc, err)
	e.logger.Warn("command failed",
		zap.String("code", inc.Code),
		zap.String("body_key", bodyKey),
		zap.String("command_id", commandID),
		zap.Error(err),
	)
	return err
}

// incidentCode classifies err. Failures without a code are engine
// failures such as store errors.
func incidentCode(err error) string {
	var re *RuntimeError
	if errors.As(err, &re) {
		return string(re.Code)
	}
	if code := multiinstance.CodeOf(err); code != "" {
		return code
	}
	return "ENGINE_FAILURE"
}

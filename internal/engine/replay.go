package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/multiinstance"
	"github.com/roach88/mibody/internal/scope"
)

// Replay and recovery.
//
// Every processed command is stored with everything the controller needs
// to process it again: the definition and the flow scope's variables for
// activate, the child's variables for child_completed, the loop counter
// for child notifications and the instance keys bound by the protocol.
// Replaying a body's command log in seq order through a controller
// therefore reproduces the body without touching the protocol or the
// scope store, and the result must hash to the stored snapshot.
//
// Re-delivery is safe because command ids are content-addressed from the
// body key, the command kind and the command's identity (instance key,
// continuation index, event id). A command already in the log is skipped
// before it reaches the controller.

// ReplayResult compares a replayed body with its stored snapshot.
type ReplayResult struct {
	BodyKey      string
	Commands     int
	State        multiinstance.State
	StoredHash   string
	ReplayedHash string
}

// Match reports whether replay reproduced the stored snapshot.
func (r ReplayResult) Match() bool {
	return r.StoredHash == r.ReplayedHash
}

// Replay re-runs the command log of bodyKey and compares the result with
// the stored snapshot.
func (e *Engine) Replay(ctx context.Context, bodyKey string) (ReplayResult, error) {
	stored, err := e.store.ReadBody(ctx, bodyKey)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("read body %s: %w", bodyKey, err)
	}
	cmds, err := e.store.ReadCommands(ctx, bodyKey)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("read commands %s: %w", bodyKey, err)
	}

	body, err := ReplayCommands(ctx, e.controller, cmds)
	if err != nil {
		return ReplayResult{}, err
	}
	hash, err := ir.SnapshotHash(body.Snapshot())
	if err != nil {
		return ReplayResult{}, fmt.Errorf("hash replayed body: %w", err)
	}

	res := ReplayResult{
		BodyKey:      bodyKey,
		Commands:     len(cmds),
		State:        body.State,
		StoredHash:   stored.Hash,
		ReplayedHash: hash,
	}
	if !res.Match() {
		e.logger.Warn("replay diverged",
			zap.String("body_key", bodyKey),
			zap.String("stored_hash", res.StoredHash),
			zap.String("replayed_hash", res.ReplayedHash),
		)
	}
	return res, nil
}

// ReplayCommands folds a command log into a body. It performs no side
// effects: activations are bound to the instance keys recorded in the
// log.
func ReplayCommands(ctx context.Context, c *multiinstance.Controller, cmds []ir.Command) (body *multiinstance.Body, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, ok := r.(*multiinstance.InvariantViolation)
			if !ok {
				panic(r)
			}
			body, err = nil, v
		}
	}()

	for _, cmd := range cmds {
		next, fx, err := replayOne(ctx, c, body, cmd)
		if err != nil {
			return nil, fmt.Errorf("replay %s (seq %d): %w", cmd.Kind, cmd.Seq, err)
		}
		keys, err := boundInstanceKeys(cmd.Payload)
		if err != nil {
			return nil, fmt.Errorf("replay %s (seq %d): %w", cmd.Kind, cmd.Seq, err)
		}
		for _, f := range fx {
			act, ok := f.(multiinstance.ActivateChild)
			if !ok {
				continue
			}
			key, ok := keys[act.LoopCounter]
			if !ok {
				key = ir.ChildInstanceKey(next.Key, act.LoopCounter)
			}
			if err := next.BindInstanceKey(act.LoopCounter, key); err != nil {
				return nil, err
			}
		}
		body = next
	}
	if body == nil {
		return nil, fmt.Errorf("replay: command log has no activation")
	}
	return body, nil
}

func replayOne(ctx context.Context, c *multiinstance.Controller, body *multiinstance.Body, cmd ir.Command) (*multiinstance.Body, []multiinstance.Effect, error) {
	if cmd.Kind == ir.CommandActivate {
		if body != nil {
			return nil, nil, fmt.Errorf("second activation")
		}
		def, err := definitionFromIR(cmd.Payload["definition"])
		if err != nil {
			return nil, nil, err
		}
		vars, _ := cmd.Payload["variables"].(ir.IRObject)
		return c.Activate(ctx, multiinstance.ActivateRequest{
			Key:        cmd.BodyKey,
			Definition: def,
			FlowScope:  scope.ID(payloadInt(cmd.Payload, "flow_scope")),
			Variables:  vars,
		})
	}
	if body == nil {
		return nil, nil, fmt.Errorf("command before activation")
	}

	lc := int(payloadInt(cmd.Payload, "loop_counter"))
	switch cmd.Kind {
	case ir.CommandChildCompleted:
		vars, _ := cmd.Payload["variables"].(ir.IRObject)
		return c.OnChildCompleted(ctx, body, multiinstance.ChildCompletion{LoopCounter: lc, Variables: vars})
	case ir.CommandChildTerminated:
		return c.OnChildTerminated(body, lc)
	case ir.CommandTerminate:
		return c.Terminate(body)
	case ir.CommandContinueFanOut:
		return c.ContinueFanOut(body)
	case ir.CommandTrigger:
		if interrupting, _ := cmd.Payload["interrupting"].(ir.IRBool); interrupting {
			return c.Terminate(body)
		}
		return body, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

// Recover rebuilds the arena from the store after a restart: every
// non-terminal body snapshot, the child index of those bodies and the
// logical clock. A paced parallel fan-out whose continuation was lost is
// re-scheduled. Returns the number of bodies resumed.
//
// Call Recover before Run.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	maxSeq, err := e.store.MaxSeq(ctx)
	if err != nil {
		return 0, err
	}
	e.clock.AdvanceTo(maxSeq)

	stored, err := e.store.ReadActiveBodies(ctx)
	if err != nil {
		return 0, err
	}
	index, err := e.store.ReadChildIndex(ctx)
	if err != nil {
		return 0, err
	}

	bodies := make([]*multiinstance.Body, 0, len(stored))
	for _, sb := range stored {
		b, err := decodeBody(sb)
		if err != nil {
			return 0, err
		}
		hash, err := ir.SnapshotHash(b.Snapshot())
		if err != nil {
			return 0, fmt.Errorf("hash body %s: %w", sb.Key, err)
		}
		if hash != sb.Hash {
			return 0, fmt.Errorf("body %s: snapshot hash mismatch (stored %s, decoded %s)", sb.Key, sb.Hash, hash)
		}
		if err := b.CheckInvariants(); err != nil {
			return 0, fmt.Errorf("body %s: %w", sb.Key, err)
		}
		bodies = append(bodies, b)
	}

	e.mu.Lock()
	for _, b := range bodies {
		e.bodies[b.Key] = b
	}
	for _, c := range index {
		e.children[c.InstanceKey] = childRef{bodyKey: c.BodyKey, loopCounter: c.LoopCounter}
	}
	e.mu.Unlock()

	for _, b := range bodies {
		if b.State == multiinstance.StateActivated && b.Mode() == ir.LoopParallel &&
			b.NextIndex > 1 && b.NextIndex <= b.N() {
			e.queue.Enqueue(Event{
				Kind:    ir.CommandContinueFanOut,
				BodyKey: b.Key,
				Payload: ir.IRObject{"from": ir.IRInt(b.NextIndex)},
			})
		}
	}

	e.logger.Info("engine recovered",
		zap.Int("bodies", len(bodies)),
		zap.Int("children", len(index)),
		zap.Int64("seq", maxSeq),
	)
	return len(bodies), nil
}

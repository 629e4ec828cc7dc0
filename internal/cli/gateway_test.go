package cli

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/mibody/internal/activation/natsbridge"
	"github.com/roach88/mibody/internal/engine"
	"github.com/roach88/mibody/internal/expression"
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/multiinstance"
	"github.com/roach88/mibody/internal/scope"
	"github.com/roach88/mibody/internal/store"
)

type publishedMsg struct {
	subject string
	data    []byte
}

// fakeConn is an in-memory natsbridge.Conn. Delivery is synchronous.
type fakeConn struct {
	mu        sync.Mutex
	published []publishedMsg
	handlers  map[string]func(string, []byte)
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]func(string, []byte))}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMsg{subject: subject, data: data})
	return nil
}

func (c *fakeConn) Subscribe(subject string, handler func(string, []byte)) (natsbridge.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = handler
	return &fakeSub{conn: c, subject: subject}, nil
}

func (c *fakeConn) subscribed(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[subject]
	return ok
}

func (c *fakeConn) deliverRaw(t *testing.T, subject string, data []byte) {
	t.Helper()
	c.mu.Lock()
	h, ok := c.handlers[subject]
	c.mu.Unlock()
	require.True(t, ok, "no subscription on %s", subject)
	h(subject, data)
}

func (c *fakeConn) deliver(t *testing.T, subject string, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.deliverRaw(t, subject, data)
}

// messages returns the payloads published on subject.
func (c *fakeConn) messages(subject string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, p := range c.published {
		if p.subject == subject {
			out = append(out, p.data)
		}
	}
	return out
}

type fakeSub struct {
	conn    *fakeConn
	subject string
}

func (s *fakeSub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.handlers, s.subject)
	return nil
}

type gatewayEnv struct {
	t      *testing.T
	ctx    context.Context
	conn   *fakeConn
	store  *store.Store
	tree   *scope.Tree
	engine *engine.Engine
	logs   *observer.ObservedLogs
}

func newGatewayEnv(t *testing.T, keys ...string) *gatewayEnv {
	t.Helper()
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	evaluator, err := expression.New(expression.DialectExpr)
	require.NoError(t, err)

	conn := newFakeConn()
	tree := scope.NewTree()
	bridge := natsbridge.New(conn, natsbridge.WithLogger(logger))
	eng := engine.New(st, tree, multiinstance.NewController(evaluator), bridge,
		engine.WithLogger(logger),
		engine.WithKeyGenerator(engine.NewFixedGenerator(keys...)),
	)

	loadResult, errs := LoadDefinitions(specsDir, LoadModeFailFast)
	require.Empty(t, errs)

	unsubscribeChildren, err := bridge.Subscribe(eng)
	require.NoError(t, err)
	gw := NewGateway(conn, "", eng, tree, loadResult.ByID(), logger)
	unsubscribeBodies, err := gw.Subscribe()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, unsubscribeBodies())
		assert.NoError(t, unsubscribeChildren())
	})

	return &gatewayEnv{t: t, ctx: context.Background(), conn: conn, store: st, tree: tree, engine: eng, logs: logs}
}

func (env *gatewayEnv) drain() {
	env.t.Helper()
	require.NoError(env.t, env.engine.Drain(env.ctx))
}

func (env *gatewayEnv) activate(elementID string, items ...int) BodyActivatedMessage {
	env.t.Helper()
	before := len(env.conn.messages("mibody.body.activated"))
	env.conn.deliver(env.t, "mibody.body.activate", ActivateBodyMessage{
		RequestID: "req-" + elementID,
		ElementID: elementID,
		Variables: ir.IRObject{"items": intArray(items...)},
	})
	replies := env.conn.messages("mibody.body.activated")
	require.Len(env.t, replies, before+1)

	var reply BodyActivatedMessage
	require.NoError(env.t, json.Unmarshal(replies[before], &reply))
	return reply
}

// childActivations returns the activation requests published for bodyKey.
func (env *gatewayEnv) childActivations(bodyKey string) []natsbridge.ActivateMessage {
	env.t.Helper()
	var out []natsbridge.ActivateMessage
	for _, data := range env.conn.messages("mibody.activate") {
		var msg natsbridge.ActivateMessage
		require.NoError(env.t, json.Unmarshal(data, &msg))
		if msg.BodyKey == bodyKey {
			out = append(out, msg)
		}
	}
	return out
}

func (env *gatewayEnv) state(bodyKey string) multiinstance.State {
	env.t.Helper()
	b, err := env.engine.LoadBody(env.ctx, bodyKey)
	require.NoError(env.t, err)
	return b.State
}

func (env *gatewayEnv) recordKinds(bodyKey string) []ir.RecordKind {
	env.t.Helper()
	records, err := env.store.ReadRecords(env.ctx, bodyKey)
	require.NoError(env.t, err)
	kinds := make([]ir.RecordKind, len(records))
	for i, r := range records {
		kinds[i] = r.Kind
	}
	return kinds
}

func intArray(items ...int) ir.IRArray {
	arr := make(ir.IRArray, len(items))
	for i, v := range items {
		arr[i] = ir.IRInt(v)
	}
	return arr
}

func TestGatewayActivateAndComplete(t *testing.T) {
	env := newGatewayEnv(t, "body-1")

	reply := env.activate("review", 1, 2)
	assert.Equal(t, "req-review", reply.RequestID)
	assert.Equal(t, "body-1", reply.BodyKey)
	assert.Empty(t, reply.Error)
	require.NotZero(t, reply.FlowScope)

	env.drain()
	children := env.childActivations("body-1")
	require.Len(t, children, 2)
	assert.Equal(t, 1, children[0].LoopCounter)
	assert.Equal(t, 2, children[1].LoopCounter)
	assert.Equal(t, "review-task", children[0].Element.ID)
	assert.Equal(t, ir.ChildInstanceKey("body-1", 1), children[0].InstanceKey)
	assert.Equal(t, multiinstance.StateActivated, env.state("body-1"))

	for _, c := range children {
		env.conn.deliver(t, "mibody.completed", map[string]any{
			"instance_key": c.InstanceKey,
			"variables":    map[string]any{"result": c.LoopCounter * 10},
		})
	}
	env.drain()

	assert.Equal(t, multiinstance.StateCompleted, env.state("body-1"))
	results, ok := env.tree.Get(scope.ID(reply.FlowScope), "results")
	require.True(t, ok)
	assert.Equal(t, intArray(10, 20), results)
}

func TestGatewayUnknownElement(t *testing.T) {
	env := newGatewayEnv(t)

	before := env.tree.Len()
	reply := env.activate("nope")
	assert.Empty(t, reply.BodyKey)
	assert.Contains(t, reply.Error, `unknown element "nope"`)
	assert.Equal(t, before, env.tree.Len())
	assert.Equal(t, 1, env.logs.FilterMessage("activation rejected").Len())
}

func TestGatewayTerminate(t *testing.T) {
	env := newGatewayEnv(t, "body-1")

	reply := env.activate("review", 1, 2, 3)
	env.drain()

	env.conn.deliver(t, "mibody.body.terminate", TerminateBodyMessage{BodyKey: reply.BodyKey})
	env.drain()
	assert.Equal(t, multiinstance.StateTerminating, env.state("body-1"))

	terminations := env.conn.messages("mibody.terminate")
	require.Len(t, terminations, 3)
	for _, data := range terminations {
		var msg natsbridge.TerminateMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		env.conn.deliver(t, "mibody.terminated", natsbridge.TerminatedMessage{InstanceKey: msg.InstanceKey})
	}
	env.drain()
	assert.Equal(t, multiinstance.StateTerminated, env.state("body-1"))
}

func TestGatewayTrigger(t *testing.T) {
	env := newGatewayEnv(t, "body-1")

	reply := env.activate("review_sequential", 1, 2)
	env.drain()

	env.conn.deliver(t, "mibody.body.trigger", TriggerBodyMessage{BodyKey: reply.BodyKey, EventID: "reminder"})
	env.drain()
	assert.Equal(t, multiinstance.StateActivated, env.state("body-1"))
	assert.Contains(t, env.recordKinds("body-1"), ir.RecordTriggerIgnored)
}

func TestGatewayDropsMalformedMessages(t *testing.T) {
	env := newGatewayEnv(t)

	env.conn.deliverRaw(t, "mibody.body.activate", []byte("{"))
	env.conn.deliverRaw(t, "mibody.body.terminate", []byte(`{}`))
	env.conn.deliverRaw(t, "mibody.body.trigger", []byte(`{"body_key":"body-1"}`))

	assert.Equal(t, 3, env.logs.FilterMessage("dropping malformed message").Len())
	assert.Empty(t, env.conn.messages("mibody.body.activated"))
	assert.Zero(t, env.engine.Pending())
}

func TestGatewaySubject(t *testing.T) {
	gw := NewGateway(newFakeConn(), "wf", nil, nil, nil, zap.NewNop())
	assert.Equal(t, "wf.body.activate", gw.Subject("activate"))
}

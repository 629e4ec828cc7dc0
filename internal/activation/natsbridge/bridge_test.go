package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/mibody/internal/activation"
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/scope"
)

type published struct {
	subject string
	data    []byte
}

type fakeSub struct {
	conn    *fakeConn
	subject string
}

func (s *fakeSub) Unsubscribe() error {
	delete(s.conn.handlers, s.subject)
	return nil
}

type fakeConn struct {
	published  []published
	handlers   map[string]func(string, []byte)
	publishErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]func(string, []byte))}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{subject: subject, data: data})
	return nil
}

func (c *fakeConn) Subscribe(subject string, handler func(string, []byte)) (Subscription, error) {
	c.handlers[subject] = handler
	return &fakeSub{conn: c, subject: subject}, nil
}

func (c *fakeConn) deliver(t *testing.T, subject string, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	h, ok := c.handlers[subject]
	require.True(t, ok, "no subscription on %s", subject)
	h(subject, data)
}

type notifier struct {
	completed  map[string]ir.IRObject
	terminated []string
}

func (n *notifier) ChildCompleted(key string, vars ir.IRObject) bool {
	if n.completed == nil {
		n.completed = make(map[string]ir.IRObject)
	}
	n.completed[key] = vars
	return true
}

func (n *notifier) ChildTerminated(key string) bool {
	n.terminated = append(n.terminated, key)
	return true
}

func TestActivateChildPublishesRequest(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, WithSubjectPrefix("wf"), WithLogger(zaptest.NewLogger(t)))

	key, err := b.ActivateChild(context.Background(), activation.Request{
		BodyKey:     "body-1",
		LoopCounter: 2,
		InstanceKey: "child-2",
		Element:     ir.ElementRef{ID: "task", Type: ir.ElementServiceTask},
		ParentScope: scope.ID(7),
		Variables:   ir.IRObject{"item": ir.IRInt(20), "loopCounter": ir.IRInt(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, "child-2", key)

	require.Len(t, conn.published, 1)
	assert.Equal(t, "wf.activate", conn.published[0].subject)

	var msg ActivateMessage
	require.NoError(t, json.Unmarshal(conn.published[0].data, &msg))
	assert.Equal(t, "body-1", msg.BodyKey)
	assert.Equal(t, 2, msg.LoopCounter)
	assert.Equal(t, int64(7), msg.ParentScope)
	assert.Equal(t, ir.IRInt(20), msg.Variables["item"])
	assert.Equal(t, ir.ElementServiceTask, msg.Element.Type)
}

func TestActivateChildDerivesKey(t *testing.T) {
	conn := newFakeConn()
	b := New(conn)

	key, err := b.ActivateChild(context.Background(), activation.Request{BodyKey: "body-1", LoopCounter: 1})
	require.NoError(t, err)
	assert.Equal(t, ir.ChildInstanceKey("body-1", 1), key)
	assert.Equal(t, "mibody.activate", conn.published[0].subject)
}

func TestPublishFailure(t *testing.T) {
	conn := newFakeConn()
	conn.publishErr = errors.New("connection closed")
	b := New(conn)

	_, err := b.ActivateChild(context.Background(), activation.Request{BodyKey: "body-1", LoopCounter: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, conn.publishErr)

	err = b.TerminateChild(context.Background(), "child-1")
	assert.ErrorIs(t, err, conn.publishErr)
}

func TestTerminateChildPublishesRequest(t *testing.T) {
	conn := newFakeConn()
	b := New(conn)

	require.NoError(t, b.TerminateChild(context.Background(), "child-3"))
	require.Len(t, conn.published, 1)
	assert.Equal(t, "mibody.terminate", conn.published[0].subject)
	assert.JSONEq(t, `{"instance_key":"child-3"}`, string(conn.published[0].data))
}

func TestSubscribeForwardsAnswers(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, WithLogger(zaptest.NewLogger(t)))
	n := &notifier{}

	stop, err := b.Subscribe(n)
	require.NoError(t, err)

	conn.deliver(t, "mibody.completed", CompletedMessage{
		InstanceKey: "child-1",
		Variables:   ir.IRObject{"result": ir.IRInt(11)},
	})
	conn.deliver(t, "mibody.terminated", TerminatedMessage{InstanceKey: "child-2"})

	assert.Equal(t, ir.IRObject{"result": ir.IRInt(11)}, n.completed["child-1"])
	assert.Equal(t, []string{"child-2"}, n.terminated)

	require.NoError(t, stop())
	assert.Empty(t, conn.handlers)
}

func TestSubscribeDropsMalformedMessages(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, WithLogger(zaptest.NewLogger(t)))
	n := &notifier{}

	_, err := b.Subscribe(n)
	require.NoError(t, err)

	conn.handlers["mibody.completed"]("mibody.completed", []byte("not json"))
	conn.handlers["mibody.completed"]("mibody.completed", []byte(`{"variables":{}}`))
	conn.handlers["mibody.terminated"]("mibody.terminated", []byte(`{}`))
	conn.handlers["mibody.completed"]("mibody.completed", []byte(`{"instance_key":"c","variables":{"x":1e400}}`))

	assert.Empty(t, n.completed)
	assert.Empty(t, n.terminated)
}

// Package natsbridge is an activation protocol that hands children to
// remote workers over NATS. Activation and termination requests are
// published; workers answer on the completed and terminated subjects.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/roach88/mibody/internal/activation"
	"github.com/roach88/mibody/internal/ir"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "mibody"

// Conn is the subset of a NATS connection the bridge needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error)
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

type natsConn struct {
	nc *nats.Conn
}

// WrapConn adapts a *nats.Conn to Conn.
func WrapConn(nc *nats.Conn) Conn {
	return &natsConn{nc: nc}
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Subscribe(subject string, handler func(string, []byte)) (Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
}

// ActivateMessage is published on <prefix>.activate.
type ActivateMessage struct {
	BodyKey     string        `json:"body_key"`
	LoopCounter int           `json:"loop_counter"`
	InstanceKey string        `json:"instance_key"`
	Element     ir.ElementRef `json:"element"`
	ParentScope int64         `json:"parent_scope"`
	Variables   ir.IRObject   `json:"variables"`
}

// TerminateMessage is published on <prefix>.terminate.
type TerminateMessage struct {
	InstanceKey string `json:"instance_key"`
}

// CompletedMessage is consumed from <prefix>.completed.
type CompletedMessage struct {
	InstanceKey string      `json:"instance_key"`
	Variables   ir.IRObject `json:"variables"`
}

// TerminatedMessage is consumed from <prefix>.terminated.
type TerminatedMessage struct {
	InstanceKey string `json:"instance_key"`
}

// Bridge implements activation.Protocol over NATS.
type Bridge struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

var _ activation.Protocol = (*Bridge)(nil)

// Option configures a Bridge.
type Option func(*Bridge)

// WithSubjectPrefix sets the subject prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// New creates a bridge publishing on conn.
func New(conn Conn, opts ...Option) *Bridge {
	b := &Bridge{
		conn:   conn,
		prefix: DefaultSubjectPrefix,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subject returns the full subject for a message kind.
func (b *Bridge) Subject(kind string) string {
	return b.prefix + "." + kind
}

// ActivateChild publishes an activation request. The proposed instance key
// is kept, so a worker seeing the same request twice can deduplicate.
func (b *Bridge) ActivateChild(_ context.Context, req activation.Request) (string, error) {
	key := req.InstanceKey
	if key == "" {
		key = ir.ChildInstanceKey(req.BodyKey, req.LoopCounter)
	}
	msg := ActivateMessage{
		BodyKey:     req.BodyKey,
		LoopCounter: req.LoopCounter,
		InstanceKey: key,
		Element:     req.Element,
		ParentScope: int64(req.ParentScope),
		Variables:   req.Variables,
	}
	if err := b.publish("activate", msg); err != nil {
		return "", fmt.Errorf("activate child %d of %s: %w", req.LoopCounter, req.BodyKey, err)
	}
	return key, nil
}

// TerminateChild publishes a termination request.
func (b *Bridge) TerminateChild(_ context.Context, instanceKey string) error {
	if err := b.publish("terminate", TerminateMessage{InstanceKey: instanceKey}); err != nil {
		return fmt.Errorf("terminate child %s: %w", instanceKey, err)
	}
	return nil
}

// Subscribe forwards worker answers to n until the returned subscriptions
// are closed. Malformed messages are logged and dropped.
func (b *Bridge) Subscribe(n activation.Notifier) (func() error, error) {
	completed, err := b.conn.Subscribe(b.Subject("completed"), func(subject string, data []byte) {
		var msg CompletedMessage
		if err := decode(data, &msg); err != nil {
			b.logger.Warn("dropping malformed message", zap.String("subject", subject), zap.Error(err))
			return
		}
		if !n.ChildCompleted(msg.InstanceKey, msg.Variables) {
			b.logger.Warn("completion not accepted", zap.String("instance_key", msg.InstanceKey))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.Subject("completed"), err)
	}

	terminated, err := b.conn.Subscribe(b.Subject("terminated"), func(subject string, data []byte) {
		var msg TerminatedMessage
		if err := decode(data, &msg); err != nil {
			b.logger.Warn("dropping malformed message", zap.String("subject", subject), zap.Error(err))
			return
		}
		if !n.ChildTerminated(msg.InstanceKey) {
			b.logger.Warn("termination not accepted", zap.String("instance_key", msg.InstanceKey))
		}
	})
	if err != nil {
		completed.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", b.Subject("terminated"), err)
	}

	return func() error {
		return errors.Join(completed.Unsubscribe(), terminated.Unsubscribe())
	}, nil
}

func (b *Bridge) publish(kind string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	subject := b.Subject(kind)
	if err := b.conn.Publish(subject, data); err != nil {
		return err
	}
	b.logger.Debug("published", zap.String("subject", subject), zap.Int("bytes", len(data)))
	return nil
}

func decode(data []byte, v interface{ key() string }) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	if v.key() == "" {
		return errors.New("missing instance_key")
	}
	return nil
}

func (m *CompletedMessage) key() string  { return m.InstanceKey }
func (m *TerminatedMessage) key() string { return m.InstanceKey }

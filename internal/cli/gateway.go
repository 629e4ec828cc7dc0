package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/mibody/internal/activation/natsbridge"
	"github.com/roach88/mibody/internal/engine"
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/scope"
)

// ActivateBodyMessage is consumed from <prefix>.body.activate. Variables
// seed a fresh flow scope for the body.
type ActivateBodyMessage struct {
	RequestID string      `json:"request_id,omitempty"`
	ElementID string      `json:"element_id"`
	Variables ir.IRObject `json:"variables"`
}

// BodyActivatedMessage is published on <prefix>.body.activated once the
// activation is queued, or with Error when it was rejected.
type BodyActivatedMessage struct {
	RequestID string `json:"request_id,omitempty"`
	ElementID string `json:"element_id"`
	BodyKey   string `json:"body_key,omitempty"`
	FlowScope int64  `json:"flow_scope,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TerminateBodyMessage is consumed from <prefix>.body.terminate.
type TerminateBodyMessage struct {
	BodyKey string `json:"body_key"`
}

// TriggerBodyMessage is consumed from <prefix>.body.trigger.
type TriggerBodyMessage struct {
	BodyKey      string `json:"body_key"`
	EventID      string `json:"event_id"`
	Interrupting bool   `json:"interrupting"`
}

// Gateway turns body-level NATS requests into engine commands. It owns
// the flow scopes of the bodies it activates.
type Gateway struct {
	conn   natsbridge.Conn
	prefix string
	engine *engine.Engine
	scopes *scope.Tree
	defs   map[string]ir.MultiInstanceDefinition
	logger *zap.Logger
}

// NewGateway creates a gateway serving defs.
func NewGateway(conn natsbridge.Conn, prefix string, eng *engine.Engine, scopes *scope.Tree, defs map[string]ir.MultiInstanceDefinition, logger *zap.Logger) *Gateway {
	if prefix == "" {
		prefix = natsbridge.DefaultSubjectPrefix
	}
	return &Gateway{conn: conn, prefix: prefix, engine: eng, scopes: scopes, defs: defs, logger: logger}
}

// Subject returns the full subject for a body request kind.
func (g *Gateway) Subject(kind string) string {
	return g.prefix + ".body." + kind
}

// Subscribe starts consuming requests. The returned function unsubscribes.
func (g *Gateway) Subscribe() (func() error, error) {
	handlers := []struct {
		kind    string
		handler func(subject string, data []byte)
	}{
		{"activate", g.handleActivate},
		{"terminate", g.handleTerminate},
		{"trigger", g.handleTrigger},
	}

	var subs []natsbridge.Subscription
	unsubscribe := func() error {
		var errs []error
		for _, s := range subs {
			errs = append(errs, s.Unsubscribe())
		}
		return errors.Join(errs...)
	}
	for _, h := range handlers {
		sub, err := g.conn.Subscribe(g.Subject(h.kind), h.handler)
		if err != nil {
			_ = unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", g.Subject(h.kind), err)
		}
		subs = append(subs, sub)
	}
	return unsubscribe, nil
}

func (g *Gateway) handleActivate(subject string, data []byte) {
	var msg ActivateBodyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Warn("dropping malformed message", zap.String("subject", subject), zap.Error(err))
		return
	}
	reply := BodyActivatedMessage{RequestID: msg.RequestID, ElementID: msg.ElementID}

	key, flowScope, err := g.activate(msg)
	if err != nil {
		g.logger.Warn("activation rejected", zap.String("element_id", msg.ElementID), zap.Error(err))
		reply.Error = err.Error()
	} else {
		reply.BodyKey = key
		reply.FlowScope = int64(flowScope)
		g.logger.Info("body activation queued", zap.String("element_id", msg.ElementID), zap.String("body_key", key))
	}
	g.publish("activated", reply)
}

func (g *Gateway) activate(msg ActivateBodyMessage) (string, scope.ID, error) {
	def, ok := g.defs[msg.ElementID]
	if !ok {
		return "", scope.None, fmt.Errorf("unknown element %q", msg.ElementID)
	}

	flowScope := g.scopes.CreateRoot()
	for _, name := range msg.Variables.SortedKeys() {
		if err := g.scopes.SetLocal(flowScope, name, msg.Variables[name]); err != nil {
			_ = g.scopes.Remove(flowScope)
			return "", scope.None, err
		}
	}

	key, err := g.engine.Activate(def, flowScope)
	if err != nil {
		_ = g.scopes.Remove(flowScope)
		return "", scope.None, err
	}
	return key, flowScope, nil
}

func (g *Gateway) handleTerminate(subject string, data []byte) {
	var msg TerminateBodyMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.BodyKey == "" {
		g.logger.Warn("dropping malformed message", zap.String("subject", subject), zap.Error(err))
		return
	}
	if !g.engine.Terminate(msg.BodyKey) {
		g.logger.Warn("termination not accepted", zap.String("body_key", msg.BodyKey))
	}
}

func (g *Gateway) handleTrigger(subject string, data []byte) {
	var msg TriggerBodyMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.BodyKey == "" || msg.EventID == "" {
		g.logger.Warn("dropping malformed message", zap.String("subject", subject), zap.Error(err))
		return
	}
	if !g.engine.Trigger(msg.BodyKey, msg.EventID, msg.Interrupting) {
		g.logger.Warn("trigger not accepted", zap.String("body_key", msg.BodyKey))
	}
}

func (g *Gateway) publish(kind string, msg any) {
	data, err := json.Marshal(msg)
	if err == nil {
		err = g.conn.Publish(g.Subject(kind), data)
	}
	if err != nil {
		g.logger.Warn("publish failed", zap.String("subject", g.Subject(kind)), zap.Error(err))
	}
}

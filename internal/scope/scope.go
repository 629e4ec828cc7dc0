// Package scope implements the hierarchical variable store shared by a
// process instance: an explicit tree of scopes keyed by id.
//
// Visibility: a read walks from a scope up to the root and returns the
// innermost definition. Writes come in two flavours. SetLocal always
// defines the variable in the given scope. Set propagates: it updates the
// innermost scope on the path to the root that already defines the
// variable, or defines it in the root scope when none does.
package scope

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/mibody/internal/ir"
)

// ID identifies a scope. Zero is never a valid scope.
type ID int64

// None is the parent of root scopes.
const None ID = 0

// ErrUnknownScope is returned for operations on a scope that does not
// exist or was removed.
var ErrUnknownScope = errors.New("unknown scope")

// Store is the variable scope API consumed by the multi-instance core and
// the activation protocols.
type Store interface {
	CreateRoot() ID
	CreateChild(parent ID) (ID, error)
	Get(id ID, name string) (ir.IRValue, bool)
	Set(id ID, name string, value ir.IRValue) error
	SetLocal(id ID, name string, value ir.IRValue) error
	Local(id ID) (ir.IRObject, error)
	Visible(id ID) (ir.IRObject, error)
	Remove(id ID) error
}

type node struct {
	parent   ID
	vars     ir.IRObject
	children map[ID]struct{}
}

// Tree is the in-memory Store. Safe for concurrent use.
type Tree struct {
	mu    sync.RWMutex
	next  ID
	nodes map[ID]*node
}

var _ Store = (*Tree)(nil)

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{nodes: make(map[ID]*node)}
}

// CreateRoot creates a scope without parent.
func (t *Tree) CreateRoot() ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.create(None)
}

// CreateChild creates a scope nested under parent.
func (t *Tree) CreateChild(parent ID) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.nodes[parent]
	if !ok {
		return None, fmt.Errorf("create child of %d: %w", parent, ErrUnknownScope)
	}
	id := t.create(parent)
	p.children[id] = struct{}{}
	return id, nil
}

func (t *Tree) create(parent ID) ID {
	t.next++
	t.nodes[t.next] = &node{
		parent:   parent,
		vars:     make(ir.IRObject),
		children: make(map[ID]struct{}),
	}
	return t.next
}

// Get returns the innermost visible value of name.
func (t *Tree) Get(id ID, name string) (ir.IRValue, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for cur := id; cur != None; {
		n, ok := t.nodes[cur]
		if !ok {
			return nil, false
		}
		if v, ok := n.vars[name]; ok {
			return v, true
		}
		cur = n.parent
	}
	return nil, false
}

// SetLocal defines name in scope id.
func (t *Tree) SetLocal(id ID, name string, value ir.IRValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("set %q in %d: %w", name, id, ErrUnknownScope)
	}
	n.vars[name] = ir.Clone(value)
	return nil
}

// Set writes name into the innermost scope on the path from id to the root
// that defines it, or into the root scope.
func (t *Tree) Set(id ID, name string, value ir.IRValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[id]; !ok {
		return fmt.Errorf("set %q in %d: %w", name, id, ErrUnknownScope)
	}

	cur := id
	for {
		n := t.nodes[cur]
		if _, defined := n.vars[name]; defined || n.parent == None {
			n.vars[name] = ir.Clone(value)
			return nil
		}
		cur = n.parent
	}
}

// Local returns a copy of the variables defined directly in id.
func (t *Tree) Local(id ID) (ir.IRObject, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("local variables of %d: %w", id, ErrUnknownScope)
	}
	return ir.Clone(n.vars).(ir.IRObject), nil
}

// Visible returns every variable visible from id, inner definitions
// shadowing outer ones.
func (t *Tree) Visible(id ID) (ir.IRObject, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var chain []*node
	for cur := id; cur != None; {
		n, ok := t.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("visible variables of %d: %w", id, ErrUnknownScope)
		}
		chain = append(chain, n)
		cur = n.parent
	}

	out := make(ir.IRObject)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].vars {
			out[k] = ir.Clone(v)
		}
	}
	return out, nil
}

// Remove deletes id and all of its descendants.
func (t *Tree) Remove(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("remove %d: %w", id, ErrUnknownScope)
	}
	if p, ok := t.nodes[n.parent]; ok {
		delete(p.children, id)
	}
	t.removeSubtree(id)
	return nil
}

func (t *Tree) removeSubtree(id ID) {
	n := t.nodes[id]
	for child := range n.children {
		t.removeSubtree(child)
	}
	delete(t.nodes, id)
}

// Len returns the number of live scopes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

package multiinstance

import (
	"github.com/roach88/mibody/internal/ir"
)

// strategy is the fan-out/fan-in policy of a loop mode. Exactly two
// implementations exist, selected once per operation from the body's
// loop mode.
type strategy interface {
	// start issues the first activations once the body is ACTIVATED.
	start(b *Body, fx *effects) error
	// fanIn runs after a child completed without an early-true
	// completion condition.
	fanIn(b *Body, fx *effects) error
	// resume continues a paced fan-out.
	resume(b *Body, fx *effects) error
}

func (c *Controller) strategy(b *Body) strategy {
	if b.Mode() == ir.LoopSequential {
		return sequential{c: c}
	}
	return parallel{c: c}
}

// parallel activates every index, batchSize children per processing step,
// and completes once every child completed.
type parallel struct {
	c *Controller
}

func (p parallel) start(b *Body, fx *effects) error {
	return p.activateBatch(b, 1, fx)
}

func (p parallel) fanIn(b *Body, fx *effects) error {
	if b.Completed == b.N() {
		transition(b, StateCompleting, fx)
		p.c.complete(b, fx)
	}
	return nil
}

func (p parallel) resume(b *Body, fx *effects) error {
	if b.NextIndex < 1 || b.NextIndex > b.N() {
		return nil
	}
	return p.activateBatch(b, b.NextIndex, fx)
}

func (p parallel) activateBatch(b *Body, from int, fx *effects) error {
	last := min(b.N(), from+p.c.batchSize-1)
	for i := from; i <= last; i++ {
		if err := activateChild(b, i, fx); err != nil {
			return err
		}
	}
	b.NextIndex = last + 1
	if last < b.N() {
		fx.add(ContinueFanOut{From: b.NextIndex})
	}
	return nil
}

// sequential keeps at most one child live and activates indices in order.
type sequential struct {
	c *Controller
}

func (s sequential) start(b *Body, fx *effects) error {
	b.NextIndex = 1
	return s.activateNext(b, fx)
}

func (s sequential) fanIn(b *Body, fx *effects) error {
	if b.NextIndex <= b.N() {
		return s.activateNext(b, fx)
	}
	transition(b, StateCompleting, fx)
	s.c.complete(b, fx)
	return nil
}

func (sequential) resume(*Body, *effects) error {
	return nil
}

func (sequential) activateNext(b *Body, fx *effects) error {
	if live := b.Live(); live > 0 {
		return violation(b.Key, b.NextIndex, "sequential activation with %d live children", live)
	}
	if err := activateChild(b, b.NextIndex, fx); err != nil {
		return err
	}
	b.NextIndex++
	return nil
}

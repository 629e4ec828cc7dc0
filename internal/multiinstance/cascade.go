package multiinstance

// completeEarly runs the partial cascade of an early-true completion
// condition: live children are terminated, children never activated are
// skipped, completed children and their outputs stay as they are. The
// body completes once the terminating children are accounted for.
func (c *Controller) completeEarly(b *Body, fx *effects) {
	transition(b, StateCompleting, fx)
	b.EarlyCompletion = true

	for i := range b.Children {
		child := &b.Children[i]
		switch child.State {
		case ChildActive:
			child.State = ChildTerminating
			fx.add(TerminateChild{LoopCounter: child.LoopCounter, InstanceKey: child.InstanceKey})
		case ChildPending:
			child.State = ChildSkipped
			fx.add(ChildStateChanged{LoopCounter: child.LoopCounter, From: ChildPending, To: ChildSkipped})
		}
	}

	c.settleCascade(b, fx)
}

// terminateAll runs the full cascade. Children never activated count as
// terminated without a protocol call; children already terminating keep
// their pending request.
func (c *Controller) terminateAll(b *Body, fx *effects) {
	transition(b, StateTerminating, fx)
	b.EarlyCompletion = false

	for i := range b.Children {
		child := &b.Children[i]
		switch child.State {
		case ChildActive:
			child.State = ChildTerminating
			fx.add(TerminateChild{LoopCounter: child.LoopCounter, InstanceKey: child.InstanceKey})
		case ChildPending, ChildSkipped:
			from := child.State
			child.State = ChildTerminated
			b.Terminated++
			fx.add(ChildStateChanged{LoopCounter: child.LoopCounter, From: from, To: ChildTerminated})
		}
	}

	c.settleCascade(b, fx)
}

// settleChild marks a terminating child TERMINATED and settles the
// cascade. The output buffer is left alone.
func (c *Controller) settleChild(body *Body, loopCounter int) (*Body, []Effect, error) {
	b := body.Clone()
	var fx effects

	b.Children[loopCounter-1].State = ChildTerminated
	b.Terminated++
	fx.add(ChildStateChanged{LoopCounter: loopCounter, From: ChildTerminating, To: ChildTerminated})

	c.settleCascade(b, &fx)

	if err := b.CheckInvariants(); err != nil {
		return nil, nil, err
	}
	return b, fx.list, nil
}

// settleCascade finishes a cascade once no child is terminating.
func (c *Controller) settleCascade(b *Body, fx *effects) {
	if b.countState(ChildTerminating) > 0 {
		return
	}
	switch b.State {
	case StateTerminating:
		transition(b, StateTerminated, fx)
	case StateCompleting:
		c.complete(b, fx)
	}
}

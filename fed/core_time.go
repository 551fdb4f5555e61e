// Federate lifecycle transitions and the time-request paths. A caller
// thread blocks here until the coordinator produces a grant; delivery of
// buffered messages and values happens on that thread so the router is
// never stalled by a user callback.

package fed

import (
	"github.com/federation-sim/federation-sim/fed/vtime"
	"github.com/federation-sim/federation-sim/fed/wire"
)

// waitNotice blocks until a grant newer than seq arrives or the
// federate reaches a terminal phase.
func (f *FederateState) waitNotice(seq uint64) (grantNotice, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.grantSeq == seq && !f.phase.terminal() {
		f.cond.Wait()
	}
	if f.phase.terminal() {
		return grantNotice{}, false
	}
	return f.grant, true
}

func (f *FederateState) grantSeqNow() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grantSeq
}

// EnterInitializingState signals init-request and blocks until the
// federation-wide init grant arrives.
func (c *Core) EnterInitializingState(fed FederateID) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.phase != PhaseCreated {
		phase := f.phase
		f.mu.Unlock()
		if phase == PhaseInitializing {
			return nil
		}
		return errf(ErrPhaseViolation, "enter initializing in phase %s", phase)
	}
	f.initReady = true
	f.mu.Unlock()

	seq := f.grantSeqNow()
	m := wire.NewAction(wire.CmdInitRequest)
	m.SourceID = int32(fed)
	m.RouteID = int32(localRoute)
	c.AddMessage(m)

	for {
		g, ok := f.waitNotice(seq)
		if !ok {
			return errf(ErrPhaseViolation, "federate %s terminated before initialization", f.name)
		}
		seq = g.seq
		if g.initDone {
			break
		}
	}
	f.mu.Lock()
	f.phase = PhaseInitializing
	f.mu.Unlock()
	return nil
}

// EnterExecutingState completes one round of value and message
// propagation and blocks until every federate is ready to execute.
func (c *Core) EnterExecutingState(fed FederateID) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.phase != PhaseInitializing {
		phase := f.phase
		f.mu.Unlock()
		if phase == PhaseExecuting {
			return nil
		}
		return errf(ErrPhaseViolation, "enter executing in phase %s", phase)
	}
	f.mu.Unlock()

	seq := f.grantSeqNow()
	m := wire.NewAction(wire.CmdExecRequest)
	m.SourceID = int32(fed)
	m.RouteID = int32(localRoute)
	c.AddMessage(m)

	for {
		g, ok := f.waitNotice(seq)
		if !ok {
			return errf(ErrPhaseViolation, "federate %s terminated before executing", f.name)
		}
		seq = g.seq
		if g.execute {
			break
		}
	}
	f.mu.Lock()
	f.phase = PhaseExecuting
	f.mu.Unlock()
	// the propagation round: everything published or sent during
	// initialization becomes visible at time zero
	c.applyUpdates(f, vtime.Zero)
	return nil
}

// TimeRequest blocks until the coordinator can prove no event earlier
// than the effective requested time can still arrive, then returns the
// granted time. A finalized or errored federate returns its current
// granted time immediately.
func (c *Core) TimeRequest(fed FederateID, t vtime.Time) (vtime.Time, error) {
	f, err := c.federate(fed)
	if err != nil {
		return vtime.Zero, err
	}
	f.mu.Lock()
	if f.phase.terminal() {
		granted := f.grantedTime
		f.mu.Unlock()
		return granted, nil
	}
	if f.phase != PhaseExecuting {
		phase := f.phase
		f.mu.Unlock()
		return vtime.Zero, errf(ErrPhaseViolation, "time request in phase %s", phase)
	}
	eff := vtime.MaxOf(t, f.grantedTime+f.timeDelta)
	f.requestedTime = eff
	f.pendingValues = nil
	f.mu.Unlock()

	for {
		granted, _, ok := c.oneTimeRound(f, eff, 0, false, false)
		if !ok {
			return f.GrantedTime(), nil
		}
		if granted >= eff {
			return granted, nil
		}
	}
}

// RequestTimeIterative is TimeRequest's fixed-point variant: the same
// time may be granted repeatedly, with the iteration counter advancing,
// until every participating federate reports convergence in the same
// round or the federate's iteration limit is reached.
func (c *Core) RequestTimeIterative(fed FederateID, t vtime.Time, localConverged bool) (vtime.Time, bool, error) {
	f, err := c.federate(fed)
	if err != nil {
		return vtime.Zero, false, err
	}
	f.mu.Lock()
	if f.phase.terminal() {
		granted := f.grantedTime
		f.mu.Unlock()
		return granted, true, nil
	}
	if f.phase != PhaseExecuting {
		phase := f.phase
		f.mu.Unlock()
		return vtime.Zero, false, errf(ErrPhaseViolation, "time request in phase %s", phase)
	}
	if f.iteration >= f.maxIterations {
		granted := f.grantedTime
		iter := f.iteration
		f.mu.Unlock()
		return granted, false, errf(ErrIterationLimit,
			"federate %s stopped after %d iterations", f.name, iter)
	}
	eff := vtime.MaxOf(t, f.grantedTime)
	f.requestedTime = eff
	f.pendingValues = nil
	f.mu.Unlock()

	for {
		granted, converged, ok := c.oneTimeRound(f, eff, f.Iteration(), true, localConverged)
		if !ok {
			return f.GrantedTime(), true, nil
		}
		if granted < eff {
			continue
		}
		f.mu.Lock()
		if !converged {
			f.iteration++
		}
		f.mu.Unlock()
		return granted, converged, nil
	}
}

// oneTimeRound sends one time request and processes one grant. It
// returns the granted time, the convergence flag, and false when the
// federate went terminal while waiting.
func (c *Core) oneTimeRound(f *FederateState, eff vtime.Time, iteration uint32, iterative, localConverged bool) (vtime.Time, bool, bool) {
	f.mu.Lock()
	minOutput := f.grantedTime + f.lookAhead
	f.mu.Unlock()

	seq := f.grantSeqNow()
	m := wire.NewAction(wire.CmdTimeRequest)
	m.SourceID = int32(f.globalID)
	m.Time = eff
	m.Data = wire.MarshalTimeRequest(wire.TimeRequestInfo{MinOutput: minOutput, Iteration: iteration})
	m.RouteID = int32(localRoute)
	if iterative {
		m.Flags |= wire.FlagIterative
		if localConverged {
			m.Flags |= wire.FlagIterationConverged
		}
	}
	c.AddMessage(m)

	g, ok := f.waitNotice(seq)
	if !ok {
		return f.GrantedTime(), false, false
	}
	c.applyUpdates(f, g.t)
	return g.t, g.converged, true
}

// applyUpdates is the grant-boundary delivery pass: drain the
// any-endpoint buffer into per-endpoint queues, surface pending value
// updates, synthesize messages for endpoint-linked subscriptions, and
// finally advance the granted time. The endpoint lock is released for
// every callback invocation.
func (c *Core) applyUpdates(f *FederateState, newTime vtime.Time) {
	f.mu.Lock()

	// messages become eligible once the granted time clears their
	// timestamp plus the federate's impact window
	kept := f.epBuffer[:0]
	var deliver []bufferedMessage
	for _, bm := range f.epBuffer {
		if bm.msg.Time+f.impactWindow <= newTime {
			deliver = append(deliver, bm)
		} else {
			kept = append(kept, bm)
		}
	}
	f.epBuffer = append([]bufferedMessage(nil), kept...)

	for _, bm := range deliver {
		index, ok := f.endpointIndexByHandle(bm.destHandle)
		if !ok {
			continue
		}
		ep := f.endpoints[index]
		ep.queue.Enqueue(bm.msg)
		f.order.Append(index)
		c.fireCallback(f, ep, index, newTime)
	}

	// pending publication updates become visible at the boundary
	values := f.valueBuffer
	f.valueBuffer = nil
	for _, bv := range values {
		index, ok := f.subByHandle[bv.handle]
		if !ok {
			continue
		}
		sub := f.subscriptions[index]
		sub.value = bv.data
		if !containsHandle(f.pendingValues, bv.handle) {
			f.pendingValues = append(f.pendingValues, bv.handle)
		}
		if sub.linkedEndpoint >= 0 && int(sub.linkedEndpoint) < len(f.endpoints) {
			ep := f.endpoints[sub.linkedEndpoint]
			ep.queue.Enqueue(&wire.Message{
				Source:         bv.source,
				Destination:    ep.name,
				OriginalSource: bv.source,
				Time:           newTime,
				Data:           bv.data,
			})
			f.order.Append(sub.linkedEndpoint)
			c.fireCallback(f, ep, sub.linkedEndpoint, newTime)
		}
	}

	if newTime > f.grantedTime {
		f.grantedTime = newTime
		f.iteration = 0
	}
	f.mu.Unlock()
}

// endpointIndexByHandle resolves a global endpoint handle to the local
// index. Caller holds f.mu.
func (f *FederateState) endpointIndexByHandle(h HandleID) (int32, bool) {
	for _, ep := range f.endpoints {
		if ep.handle == h {
			return ep.index, true
		}
	}
	return -1, false
}

// fireCallback invokes the endpoint's callback (or the all-endpoints
// callback) with the lock released. Caller holds f.mu.
func (c *Core) fireCallback(f *FederateState, ep *localEndpoint, index int32, t vtime.Time) {
	var cb EndpointCallback
	switch {
	case ep.callbackIndex >= 0 && ep.callbackIndex < len(f.callbacks):
		cb = f.callbacks[ep.callbackIndex]
	case f.allCallbackIndex >= 0 && f.allCallbackIndex < len(f.callbacks):
		cb = f.callbacks[f.allCallbackIndex]
	}
	if cb == nil {
		return
	}
	f.mu.Unlock()
	cb(index, t)
	f.mu.Lock()
}

func containsHandle(list []HandleID, h HandleID) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

// GetCurrentReiteration returns the federate's iteration counter.
func (c *Core) GetCurrentReiteration(fed FederateID) (uint32, error) {
	f, err := c.federate(fed)
	if err != nil {
		return 0, err
	}
	return f.Iteration(), nil
}

// SetTimeDelta sets the minimum advance step; values below Epsilon are
// raised to Epsilon.
func (c *Core) SetTimeDelta(fed FederateID, t vtime.Time) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	if t < vtime.Epsilon {
		t = vtime.Epsilon
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeDelta = t
	return nil
}

// SetLookAhead sets the output horizon.
func (c *Core) SetLookAhead(fed FederateID, t vtime.Time) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	if t < 0 {
		return errf(ErrInvalidIdentifier, "negative look-ahead %s", t)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookAhead = t
	return nil
}

// SetImpactWindow sets the input horizon.
func (c *Core) SetImpactWindow(fed FederateID, t vtime.Time) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	if t < 0 {
		return errf(ErrInvalidIdentifier, "negative impact window %s", t)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.impactWindow = t
	return nil
}

// SetMaximumIterations bounds RequestTimeIterative rounds per timestamp.
func (c *Core) SetMaximumIterations(fed FederateID, n uint32) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxIterations = n
	return nil
}

// Finalize moves a federate into its terminal phase and propagates the
// disconnect. Calling it again is a no-op.
func (c *Core) Finalize(fed FederateID) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.phase.terminal() {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	f.enterTerminal(PhaseFinalized)

	m := wire.NewAction(wire.CmdDisconnect)
	m.SourceID = int32(fed)
	m.RouteID = int32(localRoute)
	c.AddMessage(m)
	return nil
}

// Error reports a federation-integrity error on behalf of fed. The
// error is broadcast and moves the whole federation into the terminal
// error phase. Idempotent per federate.
func (c *Core) Error(fed FederateID, code int) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.phase == PhaseError {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	f.enterTerminal(PhaseError)

	m := wire.NewAction(wire.CmdError)
	m.SourceID = int32(fed)
	m.SourceHandle = int32(code)
	m.DestHandle = int32(ErrPhaseViolation)
	m.Payload = "error reported by federate " + f.name
	m.RouteID = int32(localRoute)
	c.AddMessage(m)
	return nil
}

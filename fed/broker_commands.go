// Lifecycle, time-coordination, and payload command handling for the
// broker router. Everything here runs on the router goroutine.

package fed

import (
	"github.com/federation-sim/federation-sim/fed/vtime"
	"github.com/federation-sim/federation-sim/fed/wire"
)

func fedKey(id FederateID) childKey {
	return childKey{broker: false, id: int32(id)}
}

func brokerKey(id BrokerID) childKey {
	return childKey{broker: true, id: int32(id)}
}

// ---- initialization ----

func (b *Broker) handleInitRequest(m wire.ActionMessage) {
	if m.Flags&wire.FlagBrokerOrigin != 0 {
		if idx, ok := b.brokerByID[BrokerID(m.SourceID)]; ok {
			b.brokers[idx].initRequested = true
		}
	} else {
		if idx, ok := b.fedByID[FederateID(m.SourceID)]; ok {
			b.federates[idx].initRequested = true
		}
	}
	b.checkInitReady()
}

// AllInitReady reports whether every directly attached federate and
// every direct child broker has signalled init-request.
func (b *Broker) AllInitReady() bool {
	for _, f := range b.federates {
		if f.defunct {
			continue
		}
		if f.route == localRoute && !f.initRequested && !f.finalized {
			return false
		}
	}
	for _, br := range b.brokers {
		if br.defunct {
			continue
		}
		if br.direct && !br.initRequested && !br.finalized {
			return false
		}
	}
	return true
}

func (b *Broker) checkInitReady() {
	if !b.AllInitReady() || b.operating.Load() {
		return
	}
	if !b.isRoot {
		if b.initSentUp {
			return
		}
		b.initSentUp = true
		up := wire.NewAction(wire.CmdInitRequest)
		up.SourceID = int32(b.globalID)
		up.Flags = wire.FlagBrokerOrigin
		b.forwardUp(up)
		return
	}
	// the root additionally waits for the configured federation size
	active := 0
	for _, f := range b.federates {
		if !f.defunct {
			active++
		}
	}
	if active < b.cfg.MinFederates || 1+len(b.brokers) < b.cfg.MinBrokers {
		return
	}
	if !b.checkRequiredSubscriptions() {
		return
	}
	b.log.Info("federation init complete, granting initialization")
	b.handleInitGrant(wire.NewAction(wire.CmdInitGrant))
}

// checkRequiredSubscriptions verifies every required subscription has a
// matching publication before the federation leaves the created phase.
func (b *Broker) checkRequiredSubscriptions() bool {
	missing := ""
	b.reg.Read(func(r *registryData) {
		for _, h := range r.handles {
			if h.Kind != KindSubscription || !h.Required {
				continue
			}
			if _, ok := r.publications[h.Name]; !ok {
				missing = h.Name
				return
			}
		}
	})
	if missing != "" {
		b.broadcastError(ErrInvalidIdentifier, "required subscription "+missing+" has no publication")
		return false
	}
	return true
}

func (b *Broker) handleInitGrant(m wire.ActionMessage) {
	if b.operating.Swap(true) {
		return
	}
	for _, br := range b.brokers {
		if br.direct && !br.defunct {
			b.transmit(br.route, m)
		}
	}
	if b.host != nil {
		b.host.initGranted()
	}
}

// ---- executing transition ----

func (b *Broker) handleExecRequest(m wire.ActionMessage) {
	if m.Flags&wire.FlagBrokerOrigin != 0 {
		if idx, ok := b.brokerByID[BrokerID(m.SourceID)]; ok {
			b.brokers[idx].execRequested = true
		}
	} else {
		if idx, ok := b.fedByID[FederateID(m.SourceID)]; ok {
			b.federates[idx].execRequested = true
		}
	}
	b.checkExecReady()
}

func (b *Broker) allExecReady() bool {
	for _, f := range b.federates {
		if f.defunct {
			continue
		}
		if f.route == localRoute && !f.execRequested && !f.finalized {
			return false
		}
	}
	for _, br := range b.brokers {
		if br.defunct {
			continue
		}
		if br.direct && !br.execRequested && !br.finalized {
			return false
		}
	}
	return true
}

func (b *Broker) checkExecReady() {
	if !b.allExecReady() {
		return
	}
	if !b.isRoot {
		if b.execSentUp {
			return
		}
		b.execSentUp = true
		up := wire.NewAction(wire.CmdExecRequest)
		up.SourceID = int32(b.globalID)
		up.Flags = wire.FlagBrokerOrigin
		b.forwardUp(up)
		return
	}
	b.log.Info("all federates ready, granting executing state")
	b.handleExecGrant(wire.NewAction(wire.CmdExecGrant))
}

func (b *Broker) handleExecGrant(m wire.ActionMessage) {
	// every direct child becomes a participant of time coordination
	for _, f := range b.federates {
		if !f.defunct && f.route == localRoute && !f.finalized {
			b.coord.ensure(fedKey(f.globalID)).participating = true
		}
	}
	for _, br := range b.brokers {
		if !br.defunct && br.direct && !br.finalized {
			b.coord.ensure(brokerKey(br.globalID)).participating = true
			b.transmit(br.route, m)
		}
	}
	if b.host != nil {
		b.host.execGranted()
	}
}

// ---- time coordination ----

func (b *Broker) handleTimeRequest(m wire.ActionMessage) {
	info, err := wire.UnmarshalTimeRequest(m.Data)
	if err != nil {
		b.log.Warnf("malformed time request from %d: %v", m.SourceID, err)
		return
	}
	var key childKey
	if m.Flags&wire.FlagBrokerOrigin != 0 {
		key = brokerKey(BrokerID(m.SourceID))
	} else {
		key = fedKey(FederateID(m.SourceID))
	}
	ct := b.coord.ensure(key)
	ct.participating = true
	ct.pending = true
	ct.requested = m.Time
	ct.minOutput = info.MinOutput
	ct.iteration = info.Iteration
	ct.iterating = m.Flags&wire.FlagIterative != 0
	ct.converged = m.Flags&wire.FlagIterationConverged != 0
	b.evaluateTime()
}

// evaluateTime advances the time-coordination state machine: the root
// grants when every participant has an outstanding request; other
// brokers forward the subtree aggregate toward the root.
func (b *Broker) evaluateTime() {
	ok, _ := b.coord.allPending()
	if !ok {
		return
	}
	if !b.isRoot {
		req, minOut, iterating, converged := b.coord.aggregate()
		up := wire.NewAction(wire.CmdTimeRequest)
		up.SourceID = int32(b.globalID)
		up.Flags = wire.FlagBrokerOrigin
		if iterating {
			up.Flags |= wire.FlagIterative
		}
		if converged {
			up.Flags |= wire.FlagIterationConverged
		}
		up.Time = req
		up.Data = wire.MarshalTimeRequest(wire.TimeRequestInfo{MinOutput: minOut})
		b.forwardUp(up)
		return
	}
	floor := b.coord.floor()
	b.issueGrants(floor)
}

// issueGrants answers every outstanding request with min(requested,
// limit). Requests satisfied below their asked time are partial grants;
// the child re-requests with an updated output bound until the floor
// catches up.
func (b *Broker) issueGrants(limit vtime.Time) {
	type grant struct {
		key       childKey
		ct        *childTime
		t         vtime.Time
		converged bool
	}
	// decide convergence for the whole round before any child's pending
	// flag is cleared, so every child is judged against the same set
	var grants []grant
	for key, ct := range b.coord.children {
		if !ct.participating || !ct.pending {
			continue
		}
		grantT := vtime.Min(ct.requested, limit)
		converged := false
		if grantT == ct.requested && ct.iterating {
			converged = b.coord.allConverged(grantT)
		}
		grants = append(grants, grant{key, ct, grantT, converged})
	}
	for _, g := range grants {
		g.ct.pending = false
		g.ct.minOutput = vtime.MaxOf(g.ct.minOutput, g.t)
		b.sendGrant(g.key, g.t, g.ct.iterating, g.converged)
	}
}

func (b *Broker) sendGrant(key childKey, t vtime.Time, iterative, converged bool) {
	b.metrics.countGrant()
	if key.broker {
		if idx, ok := b.brokerByID[BrokerID(key.id)]; ok {
			g := wire.NewAction(wire.CmdTimeGrant)
			g.DestID = key.id
			g.Time = t
			g.Flags = wire.FlagBrokerOrigin
			if iterative {
				g.Flags |= wire.FlagIterative
			}
			if converged {
				g.Flags |= wire.FlagIterationConverged
			}
			b.transmit(b.brokers[idx].route, g)
		}
		return
	}
	if b.host != nil {
		if f := b.host.hostedFederate(FederateID(key.id)); f != nil {
			b.host.deliverGrant(f, grantNotice{t: t, converged: converged})
		}
	}
}

func (b *Broker) handleTimeGrant(m wire.ActionMessage) {
	// a grant from the parent: satisfy local children up to the granted
	// time, then let them re-request
	limit := m.Time
	converged := m.Flags&wire.FlagIterationConverged != 0
	for key, ct := range b.coord.children {
		if !ct.participating || !ct.pending {
			continue
		}
		grantT := vtime.Min(ct.requested, limit)
		grantConverged := converged && grantT == ct.requested && ct.iterating
		ct.pending = false
		ct.minOutput = vtime.MaxOf(ct.minOutput, grantT)
		b.sendGrant(key, grantT, ct.iterating, grantConverged)
	}
}

// ---- payload routing ----

func (b *Broker) handleSendMessage(m wire.ActionMessage) {
	if FederateID(m.DestID) == InvalidFed {
		id, ok := lookupByName(b.reg, InvalidFed, KindEndpoint, m.Payload)
		if ok {
			if h, found := lookupByHandle(b.reg, id); found {
				m.DestID = int32(h.Fed)
				m.DestHandle = int32(id)
			}
		} else {
			if !b.isRoot {
				b.forwardUp(m)
				return
			}
			if _, hinted := b.knownRoutes[m.Payload]; hinted {
				// a communications hint promises the endpoint will appear
				b.deferred[m.Payload] = append(b.deferred[m.Payload], m)
				return
			}
			b.replyUnknownDestination(m)
			return
		}
	}
	b.routeToFederate(FederateID(m.DestID), m)
}

func (b *Broker) routeToFederate(fed FederateID, m wire.ActionMessage) {
	route := b.getRoute(fed)
	switch route {
	case localRoute:
		if b.host != nil {
			if f := b.host.hostedFederate(fed); f != nil {
				switch m.Cmd {
				case wire.CmdSendMessage:
					b.host.deliverMessage(f, m)
				case wire.CmdValueUpdate:
					b.host.deliverValue(f, m)
				}
			}
		}
	case InvalidRoute:
		b.replyUnknownDestination(m)
	default:
		b.transmit(route, m)
	}
}

func (b *Broker) replyUnknownDestination(m wire.ActionMessage) {
	reply := wire.NewAction(wire.CmdUnknownDestination)
	reply.DestID = m.SourceID
	reply.Payload = m.Payload
	b.routeBack(FederateID(m.SourceID), reply)
}

// routeBack sends a reply toward a federate by id, tolerating unknown
// origins by logging.
func (b *Broker) routeBack(fed FederateID, m wire.ActionMessage) {
	route := b.getRoute(fed)
	if route == InvalidRoute {
		b.log.Warnf("cannot route %s back to federate %d", m.Cmd, fed)
		return
	}
	if route == localRoute {
		if m.Cmd == wire.CmdUnknownDestination {
			b.log.Warnf("message to unknown destination %q from federate %d dropped", m.Payload, fed)
		}
		return
	}
	b.transmit(route, m)
}

// flushDeferred re-routes messages held for a destination that just
// registered.
func (b *Broker) flushDeferred(name string) {
	held := b.deferred[name]
	if len(held) == 0 {
		return
	}
	delete(b.deferred, name)
	b.log.Debugf("flushing %d deferred messages to %s", len(held), name)
	for _, m := range held {
		b.handleSendMessage(m)
	}
}

func (b *Broker) handleValueUpdate(m wire.ActionMessage) {
	if HandleID(m.DestHandle) != InvalidHandle && FederateID(m.DestID) != InvalidFed {
		// already targeted at one subscription
		b.routeToFederate(FederateID(m.DestID), m)
		return
	}
	if !b.isRoot {
		b.forwardUp(m)
		return
	}
	// fan out to every subscriber of the publication
	var subs []HandleID
	b.reg.Read(func(r *registryData) {
		subs = append(subs, r.subscribers[m.Payload]...)
	})
	for _, sub := range subs {
		h, ok := lookupByHandle(b.reg, sub)
		if !ok {
			continue
		}
		out := m
		out.DestID = int32(h.Fed)
		out.DestHandle = int32(sub)
		b.routeToFederate(h.Fed, out)
	}
}

func (b *Broker) handleRouteHint(m wire.ActionMessage) {
	b.knownRoutes[m.Payload] = struct{}{}
	if !b.isRoot {
		b.forwardUp(m)
	}
}

// ---- errors, logging, teardown ----

func (b *Broker) broadcastError(kind ErrorKind, text string) {
	m := wire.NewAction(wire.CmdError)
	m.DestHandle = int32(kind)
	m.Payload = text
	m.Flags = wire.FlagProcessingComplete
	b.handleError(m)
}

func (b *Broker) handleError(m wire.ActionMessage) {
	kind := ErrorKind(m.DestHandle)
	if m.Flags&wire.FlagProcessingComplete == 0 {
		// still traveling toward the root
		if !b.isRoot {
			b.forwardUp(m)
			return
		}
		m.Flags |= wire.FlagProcessingComplete
	}
	b.log.Errorf("federation error (%s): %s", kind, m.Payload)
	for _, br := range b.brokers {
		if br.direct && !br.defunct {
			b.transmit(br.route, m)
		}
	}
	if b.host != nil {
		b.host.federationError(kind, m.Payload)
	}
}

func (b *Broker) handleLog(m wire.ActionMessage) {
	b.log.WithField("federate", m.SourceID).Infof("federate log [%d]: %s", m.SourceHandle, m.Payload)
	if !b.isRoot {
		b.forwardUp(m)
	}
}

func (b *Broker) handleUnknownDestination(m wire.ActionMessage) {
	b.routeBack(FederateID(m.DestID), m)
}

func (b *Broker) handleDisconnect(m wire.ActionMessage) {
	if m.Flags&wire.FlagBrokerOrigin != 0 {
		idx, ok := b.brokerByID[BrokerID(m.SourceID)]
		if !ok || b.brokers[idx].finalized {
			return
		}
		b.brokers[idx].finalized = true
		b.coord.drop(brokerKey(BrokerID(m.SourceID)))
	} else {
		idx, ok := b.fedByID[FederateID(m.SourceID)]
		if !ok || b.federates[idx].finalized {
			return
		}
		b.federates[idx].finalized = true
		b.coord.drop(fedKey(FederateID(m.SourceID)))
	}
	b.finalizedKids.Add(1)
	// remaining participants may be unblocked by the departure
	b.evaluateTime()

	if b.allChildrenFinalized() && !b.disconnected {
		b.disconnected = true
		if !b.isRoot {
			up := wire.NewAction(wire.CmdDisconnect)
			up.SourceID = int32(b.globalID)
			up.Flags = wire.FlagBrokerOrigin
			b.forwardUp(up)
			return
		}
		b.log.Info("all children disconnected, federation complete")
	}
}

func (b *Broker) allChildrenFinalized() bool {
	n := 0
	for _, f := range b.federates {
		if f.defunct || f.route != localRoute {
			continue
		}
		n++
		if !f.finalized {
			return false
		}
	}
	for _, br := range b.brokers {
		if br.defunct || !br.direct {
			continue
		}
		n++
		if !br.finalized {
			return false
		}
	}
	return n > 0
}

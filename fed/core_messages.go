// Message and value exchange: the send paths invoked by federate caller
// threads and the delivery paths invoked by the router goroutine.

package fed

import (
	"github.com/federation-sim/federation-sim/fed/vtime"
	"github.com/federation-sim/federation-sim/fed/wire"
)

// Send transmits data from fed's endpoint at srcIndex to the endpoint
// named dest. The timestamp defaults to the federate's granted time plus
// its look-ahead.
func (c *Core) Send(fed FederateID, srcIndex int32, dest string, data []byte) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	t := f.grantedTime + f.lookAhead
	f.mu.Unlock()
	return c.sendAt(f, srcIndex, dest, data, t, false)
}

// SendEvent transmits data with an explicit timestamp, which must lie at
// or beyond the federate's look-ahead horizon.
func (c *Core) SendEvent(fed FederateID, t vtime.Time, srcIndex int32, dest string, data []byte) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	return c.sendAt(f, srcIndex, dest, data, t, true)
}

// SendMessage transmits a pre-built message. The source endpoint is
// resolved by name; a populated OriginalSource survives untouched.
func (c *Core) SendMessage(fed FederateID, m *wire.Message) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	index, ok := f.endpointNames[m.Source]
	f.mu.Unlock()
	if !ok {
		return errf(ErrInvalidIdentifier, "unknown source endpoint %s", m.Source)
	}
	out := *m
	if out.OriginalSource == "" {
		out.OriginalSource = out.Source
	}
	return c.transmitMessage(f, index, &out, out.Time != vtime.Zero)
}

func (c *Core) sendAt(f *FederateState, srcIndex int32, dest string, data []byte, t vtime.Time, explicit bool) error {
	f.mu.Lock()
	if srcIndex < 0 || int(srcIndex) >= len(f.endpoints) {
		f.mu.Unlock()
		return errf(ErrInvalidIdentifier, "endpoint index %d out of range", srcIndex)
	}
	src := f.endpoints[srcIndex].name
	f.mu.Unlock()
	msg := &wire.Message{
		Source:         src,
		Destination:    dest,
		OriginalSource: src,
		Time:           t,
		Data:           data,
	}
	return c.transmitMessage(f, srcIndex, msg, explicit)
}

func (c *Core) transmitMessage(f *FederateState, srcIndex int32, msg *wire.Message, explicit bool) error {
	f.mu.Lock()
	phase := f.phase
	granted := f.grantedTime
	lookAhead := f.lookAhead
	ep := f.endpoints[srcIndex]
	f.mu.Unlock()

	if phase != PhaseExecuting && phase != PhaseInitializing {
		return errf(ErrPhaseViolation, "send in phase %s", phase)
	}
	if !explicit && msg.Time == vtime.Zero {
		msg.Time = granted + lookAhead
	}
	if explicit && msg.Time < granted+lookAhead {
		return errf(ErrLookAheadViolation,
			"timestamp %s inside look-ahead horizon %s", msg.Time, granted+lookAhead)
	}

	// source filters targeting this endpoint act before transmission
	msg = c.applySourceFilters(f, ep.name, msg)
	if msg == nil {
		return nil
	}

	m := wire.NewAction(wire.CmdSendMessage)
	m.SourceID = int32(f.globalID)
	m.SourceHandle = int32(ep.handle)
	m.Payload = msg.Destination
	m.Time = msg.Time
	m.Data = wire.MarshalMessage(*msg)
	m.RouteID = int32(localRoute)
	c.AddMessage(m)
	return nil
}

// applySourceFilters runs fed-local source filters whose target is the
// sending endpoint. A filter with an operator transforms (or drops) the
// message; every matching filter also receives a copy on its queue.
func (c *Core) applySourceFilters(f *FederateState, srcName string, msg *wire.Message) *wire.Message {
	f.mu.Lock()
	var matched []*localFilter
	for _, flt := range f.filters {
		if flt.kind == KindSourceFilter && flt.target == srcName {
			matched = append(matched, flt)
		}
	}
	f.mu.Unlock()
	for _, flt := range matched {
		f.mu.Lock()
		cp := *msg
		flt.queue.Enqueue(&cp)
		op := flt.operator
		f.mu.Unlock()
		if op != nil {
			msg = op.Process(msg)
			if msg == nil {
				return nil
			}
		}
	}
	return msg
}

// deliverMessage is the router-side delivery hook: decode, run
// destination filters, and park the message in the any-endpoint buffer
// until the next grant.
func (c *Core) deliverMessage(f *FederateState, m wire.ActionMessage) {
	msg, err := wire.UnmarshalMessage(m.Data)
	if err != nil {
		c.log.Warnf("dropping undecodable message for federate %d: %v", f.globalID, err)
		return
	}
	out := c.applyDestinationFilters(f, msg.Destination, &msg)
	if out == nil {
		return
	}
	f.bufferMessage(out, HandleID(m.DestHandle), HandleID(m.SourceHandle))
}

// applyDestinationFilters runs fed-local destination filters whose
// target is the receiving endpoint.
func (c *Core) applyDestinationFilters(f *FederateState, destName string, msg *wire.Message) *wire.Message {
	f.mu.Lock()
	var matched []*localFilter
	for _, flt := range f.filters {
		if flt.kind == KindDestinationFilter && flt.target == destName {
			matched = append(matched, flt)
		}
	}
	f.mu.Unlock()
	for _, flt := range matched {
		f.mu.Lock()
		cp := *msg
		flt.queue.Enqueue(&cp)
		op := flt.operator
		f.mu.Unlock()
		if op != nil {
			msg = op.Process(msg)
			if msg == nil {
				return nil
			}
		}
	}
	return msg
}

// deliverValue is the router-side value-update hook.
func (c *Core) deliverValue(f *FederateState, m wire.ActionMessage) {
	f.bufferValue(HandleID(m.DestHandle), m.Payload, m.Data, m.Time)
}

// SetValue publishes data on a publication handle owned by a federate
// hosted here.
func (c *Core) SetValue(handle HandleID, data []byte) error {
	h, ok := lookupByHandle(c.reg, handle)
	if !ok {
		return errf(ErrInvalidIdentifier, "unknown handle %d", handle)
	}
	if h.Kind != KindPublication {
		return errf(ErrInvalidIdentifier, "handle %d is a %s, not a publication", handle, h.Kind)
	}
	f, err := c.federate(h.Fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if index, found := f.pubNames[h.Name]; found {
		f.publications[index].value = append([]byte(nil), data...)
	}
	granted := f.grantedTime
	f.mu.Unlock()

	m := wire.NewAction(wire.CmdValueUpdate)
	m.SourceID = int32(f.globalID)
	m.SourceHandle = int32(handle)
	m.Payload = h.Name
	m.Time = granted
	m.Data = append([]byte(nil), data...)
	m.RouteID = int32(localRoute)
	c.AddMessage(m)
	return nil
}

// GetValue reads the current value of a publication or subscription
// handle owned by a federate hosted here.
func (c *Core) GetValue(handle HandleID) ([]byte, error) {
	h, ok := lookupByHandle(c.reg, handle)
	if !ok {
		return nil, errf(ErrInvalidIdentifier, "unknown handle %d", handle)
	}
	f, err := c.federate(h.Fed)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch h.Kind {
	case KindPublication:
		if index, found := f.pubNames[h.Name]; found {
			return f.publications[index].value, nil
		}
	case KindSubscription:
		if index, found := f.subByHandle[handle]; found {
			return f.subscriptions[index].value, nil
		}
	}
	return nil, errf(ErrInvalidIdentifier, "handle %d has no value", handle)
}

// GetValueUpdates returns the subscription handles updated since the
// federate's previous time request.
func (c *Core) GetValueUpdates(fed FederateID) ([]HandleID, error) {
	f, err := c.federate(fed)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]HandleID(nil), f.pendingValues...), nil
}

// ---- receive ----

// Receive pops the oldest message on fed's endpoint at index, or nil
// when none is pending. Polling is the expected pattern; the call never
// blocks.
func (c *Core) Receive(fed FederateID, index int32) (*wire.Message, error) {
	f, err := c.federate(fed)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || int(index) >= len(f.endpoints) {
		return nil, errf(ErrInvalidIdentifier, "endpoint index %d out of range", index)
	}
	m := f.endpoints[index].queue.Dequeue()
	if m != nil {
		f.order.Remove(index)
	}
	return m, nil
}

// ReceiveAny pops the oldest pending message across all of fed's
// endpoints, returning the endpoint index it arrived on. Index -1 and a
// nil message mean nothing is pending.
func (c *Core) ReceiveAny(fed FederateID) (int32, *wire.Message, error) {
	f, err := c.federate(fed)
	if err != nil {
		return -1, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	index, ok := f.order.Next()
	if !ok {
		return -1, nil, nil
	}
	m := f.endpoints[index].queue.Dequeue()
	f.order.PopFront()
	return index, m, nil
}

// ReceiveCount returns the number of messages pending on one endpoint.
func (c *Core) ReceiveCount(fed FederateID, index int32) (int, error) {
	f, err := c.federate(fed)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || int(index) >= len(f.endpoints) {
		return 0, errf(ErrInvalidIdentifier, "endpoint index %d out of range", index)
	}
	return f.endpoints[index].queue.Len(), nil
}

// ReceiveCountAny returns the number of messages pending across all of
// fed's endpoints.
func (c *Core) ReceiveCountAny(fed FederateID) (int, error) {
	f, err := c.federate(fed)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, ep := range f.endpoints {
		total += ep.queue.Len()
	}
	return total, nil
}

// HasMessage reports whether any endpoint of fed has a pending message.
func (c *Core) HasMessage(fed FederateID) bool {
	n, err := c.ReceiveCountAny(fed)
	return err == nil && n > 0
}

// ReceiveFilterCount returns the number of messages pending across
// fed's filter queues.
func (c *Core) ReceiveFilterCount(fed FederateID) (int, error) {
	f, err := c.federate(fed)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, flt := range f.filters {
		total += flt.queue.Len()
	}
	return total, nil
}

// ReceiveAnyFilter pops the oldest message across fed's filter queues,
// returning the filter's local index.
func (c *Core) ReceiveAnyFilter(fed FederateID) (int32, *wire.Message, error) {
	f, err := c.federate(fed)
	if err != nil {
		return -1, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, flt := range f.filters {
		if flt.queue.Len() > 0 {
			return flt.index, flt.queue.Dequeue(), nil
		}
	}
	return -1, nil, nil
}

// SetFilterOperator installs op on fed's filter at index, replacing any
// previous operator.
func (c *Core) SetFilterOperator(fed FederateID, index int32, op FilterOperator) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || int(index) >= len(f.filters) {
		return errf(ErrInvalidIdentifier, "filter index %d out of range", index)
	}
	f.filters[index].operator = op
	return nil
}

// ---- callbacks ----

// RegisterEndpointCallback installs cb for one endpoint. Callback
// indices live in a shared list so replacing one never shifts another.
func (c *Core) RegisterEndpointCallback(fed FederateID, index int32, cb EndpointCallback) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || int(index) >= len(f.endpoints) {
		return errf(ErrInvalidIdentifier, "endpoint index %d out of range", index)
	}
	f.endpoints[index].callbackIndex = len(f.callbacks)
	f.callbacks = append(f.callbacks, cb)
	return nil
}

// RegisterAnyEndpointCallback installs cb for every endpoint without a
// dedicated callback. Re-registration replaces the previous callback in
// place.
func (c *Core) RegisterAnyEndpointCallback(fed FederateID, cb EndpointCallback) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allCallbackIndex < 0 {
		f.allCallbackIndex = len(f.callbacks)
		f.callbacks = append(f.callbacks, cb)
	} else {
		f.callbacks[f.allCallbackIndex] = cb
	}
	return nil
}

// RegisterEndpointsCallback installs one shared cb for several
// endpoints.
func (c *Core) RegisterEndpointsCallback(fed FederateID, indices []int32, cb EndpointCallback) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	slot := len(f.callbacks)
	f.callbacks = append(f.callbacks, cb)
	for _, index := range indices {
		if index >= 0 && int(index) < len(f.endpoints) {
			f.endpoints[index].callbackIndex = slot
		}
	}
	return nil
}

// LogMessage records a log line attributed to fed at the given level
// code and forwards it to the root broker.
func (c *Core) LogMessage(fed FederateID, logCode int, text string) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	c.log.WithField("federate", f.name).Infof("[%d] %s", logCode, text)
	m := wire.NewAction(wire.CmdLog)
	m.SourceID = int32(fed)
	m.SourceHandle = int32(logCode)
	m.Payload = text
	m.RouteID = int32(localRoute)
	c.AddMessage(m)
	return nil
}

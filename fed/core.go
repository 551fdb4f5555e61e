package fed

import (
	"sync"

	"github.com/federation-sim/federation-sim/fed/vtime"
	"github.com/federation-sim/federation-sim/fed/wire"
)

// FederateInfo carries the time-control parameters a federate registers
// with.
type FederateInfo struct {
	TimeDelta     vtime.Time // minimum advance step, raised to Epsilon if lower
	LookAhead     vtime.Time // output horizon
	ImpactWindow  vtime.Time // input horizon
	MaxIterations uint32     // iteration bound for iterative requests, 0 keeps the default
}

// Core is a leaf broker that hosts federate state machines directly and
// exposes the federate-facing API. Federates are driven by their own
// caller threads; the embedded broker's router goroutine hands state
// over through the federateHost hooks.
type Core struct {
	*Broker

	mu        sync.Mutex
	feds      []*FederateState
	fedByID   map[FederateID]*FederateState
	fedByName map[string]*FederateState
	regWait   map[pendKey]chan wire.ActionMessage
}

// NewCore constructs a core from cfg. cfg is used as given:
// DefaultBrokerConfig is not applied, so zero MinFederates/MinBrokers
// place no lower bound on the federation size.
func NewCore(cfg BrokerConfig) *Core {
	c := &Core{
		Broker:    NewBroker(cfg),
		fedByID:   make(map[FederateID]*FederateState),
		fedByName: make(map[string]*FederateState),
		regWait:   make(map[pendKey]chan wire.ActionMessage),
	}
	c.Broker.host = c
	return c
}

// ---- federateHost hooks (router goroutine) ----

func (c *Core) hostedFederate(id FederateID) *FederateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fedByID[id]
}

func (c *Core) completeRegistration(ack wire.ActionMessage) {
	var key pendKey
	switch ack.Cmd {
	case wire.CmdFederateAck:
		key = pendKey{kind: pendFederate, name: ack.Payload}
	case wire.CmdHandleAck:
		key = pendKey{
			kind: wire.KindFromFlags(ack.Flags &^ wire.FlagAckError),
			name: ack.Payload,
			fed:  FederateID(ack.SourceID),
		}
	default:
		return
	}
	c.mu.Lock()
	ch := c.regWait[key]
	delete(c.regWait, key)
	c.mu.Unlock()
	if ch != nil {
		ch <- ack
	}
}

func (c *Core) deliverGrant(f *FederateState, g grantNotice) {
	f.notifyGrant(g)
}

func (c *Core) initGranted() {
	c.mu.Lock()
	feds := append([]*FederateState(nil), c.feds...)
	c.mu.Unlock()
	for _, f := range feds {
		f.notifyGrant(grantNotice{initDone: true})
	}
}

func (c *Core) execGranted() {
	c.mu.Lock()
	feds := append([]*FederateState(nil), c.feds...)
	c.mu.Unlock()
	for _, f := range feds {
		f.notifyGrant(grantNotice{execute: true})
	}
}

func (c *Core) federationError(kind ErrorKind, msg string) {
	c.mu.Lock()
	feds := append([]*FederateState(nil), c.feds...)
	c.mu.Unlock()
	for _, f := range feds {
		f.enterTerminal(PhaseError)
	}
}

// ---- registration ----

// waitAck registers a waiter for key, enqueues req, and blocks until
// the acknowledgment arrives from the root.
func (c *Core) waitAck(key pendKey, req wire.ActionMessage) (wire.ActionMessage, error) {
	ch := make(chan wire.ActionMessage, 1)
	c.mu.Lock()
	if _, busy := c.regWait[key]; busy {
		c.mu.Unlock()
		return wire.ActionMessage{}, errf(ErrNameInUse, "registration of %q already in flight", key.name)
	}
	c.regWait[key] = ch
	c.mu.Unlock()

	c.AddMessage(req)
	ack := <-ch
	if ack.Flags&wire.FlagAckError != 0 {
		return ack, errf(ErrorKind(ack.DestHandle), "%s", string(ack.Data))
	}
	return ack, nil
}

// RegisterFederate creates a federate, obtains its global id from the
// root, and returns the id. The call blocks until the id is known.
func (c *Core) RegisterFederate(name string, info FederateInfo) (FederateID, error) {
	if !c.initialized.Load() {
		return InvalidFed, errf(ErrPhaseViolation, "core not started")
	}
	if c.operating.Load() {
		return InvalidFed, errf(ErrFrozen, "federate registration after initialization")
	}
	c.mu.Lock()
	if _, dup := c.fedByName[name]; dup {
		c.mu.Unlock()
		return InvalidFed, errf(ErrNameInUse, "federate name %s in use", name)
	}
	c.mu.Unlock()

	req := wire.NewAction(wire.CmdRegisterFederate)
	req.Payload = name
	req.RouteID = int32(localRoute)
	ack, err := c.waitAck(pendKey{kind: pendFederate, name: name}, req)
	if err != nil {
		return InvalidFed, err
	}

	f := newFederateState(name, FederateID(ack.DestID))
	if info.TimeDelta > f.timeDelta {
		f.timeDelta = info.TimeDelta
	}
	f.lookAhead = info.LookAhead
	f.impactWindow = info.ImpactWindow
	if info.MaxIterations > 0 {
		f.maxIterations = info.MaxIterations
	}
	c.mu.Lock()
	c.feds = append(c.feds, f)
	c.fedByID[f.globalID] = f
	c.fedByName[name] = f
	c.mu.Unlock()
	return f.globalID, nil
}

// federate resolves id or reports invalid-identifier.
func (c *Core) federate(id FederateID) (*FederateState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.fedByID[id]
	if f == nil {
		return nil, errf(ErrInvalidIdentifier, "unknown federate %d", id)
	}
	return f, nil
}

// GetFederateID resolves a federate name.
func (c *Core) GetFederateID(name string) (FederateID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.fedByName[name]; f != nil {
		return f.globalID, nil
	}
	return InvalidFed, errf(ErrInvalidIdentifier, "unknown federate %s", name)
}

// GetFederateName resolves a federate id.
func (c *Core) GetFederateName(id FederateID) (string, error) {
	f, err := c.federate(id)
	if err != nil {
		return "", err
	}
	return f.name, nil
}

// registerHandle runs the shared handle registration path: allocate the
// dense local index under the endpoint lock, obtain the global id from
// the root, bind the two, and return the local index.
func (c *Core) registerHandle(f *FederateState, cmd wire.Command, kind HandleKind,
	name, dataType, units, target string, flags uint32,
	allocate func(*FederateState) int32, bind func(*FederateState, int32, HandleID), rollback func(*FederateState, int32)) (int32, error) {

	if c.operating.Load() {
		return -1, errf(ErrFrozen, "%s registration after initialization", kind)
	}
	if f.Phase() != PhaseCreated {
		return -1, errf(ErrPhaseViolation, "%s registration in phase %s", kind, f.Phase())
	}

	f.mu.Lock()
	index := allocate(f)
	f.mu.Unlock()

	req := wire.NewAction(cmd)
	req.SourceID = int32(f.globalID)
	req.SourceHandle = index
	req.Payload = name
	req.Data = encodeHandleFields(dataType, units, target)
	req.Flags = flags
	req.RouteID = int32(localRoute)

	ack, err := c.waitAck(pendKey{kind: int(kind), name: name, fed: f.globalID}, req)
	if err != nil {
		f.mu.Lock()
		rollback(f, index)
		f.mu.Unlock()
		return -1, err
	}
	f.mu.Lock()
	bind(f, index, HandleID(ack.DestHandle))
	f.mu.Unlock()
	return index, nil
}

// RegisterEndpoint registers a named endpoint for fed and returns its
// dense local index.
func (c *Core) RegisterEndpoint(fed FederateID, name, dataType string) (int32, error) {
	f, err := c.federate(fed)
	if err != nil {
		return -1, err
	}
	f.mu.Lock()
	if _, dup := f.endpointNames[name]; dup {
		f.mu.Unlock()
		return -1, errf(ErrNameInUse, "endpoint name %s in use", name)
	}
	f.mu.Unlock()
	return c.registerHandle(f, wire.CmdRegisterEndpoint, KindEndpoint, name, dataType, "", "", 0,
		func(f *FederateState) int32 {
			index := int32(len(f.endpoints))
			f.endpoints = append(f.endpoints, &localEndpoint{
				index:         index,
				handle:        InvalidHandle,
				name:          name,
				dataType:      dataType,
				callbackIndex: -1,
			})
			f.endpointNames[name] = index
			return index
		},
		func(f *FederateState, index int32, id HandleID) {
			f.endpoints[index].handle = id
		},
		func(f *FederateState, index int32) {
			f.endpoints = f.endpoints[:index]
			delete(f.endpointNames, name)
		})
}

// RegisterPublication registers a named publication for fed and returns
// its dense local index.
func (c *Core) RegisterPublication(fed FederateID, key, dataType, units string) (int32, error) {
	f, err := c.federate(fed)
	if err != nil {
		return -1, err
	}
	f.mu.Lock()
	if _, dup := f.pubNames[key]; dup {
		f.mu.Unlock()
		return -1, errf(ErrNameInUse, "publication key %s in use", key)
	}
	f.mu.Unlock()
	return c.registerHandle(f, wire.CmdRegisterPublication, KindPublication, key, dataType, units, "", 0,
		func(f *FederateState) int32 {
			index := int32(len(f.publications))
			f.publications = append(f.publications, &localPublication{
				index:    index,
				handle:   InvalidHandle,
				name:     key,
				dataType: dataType,
				units:    units,
			})
			f.pubNames[key] = index
			return index
		},
		func(f *FederateState, index int32, id HandleID) {
			f.publications[index].handle = id
		},
		func(f *FederateState, index int32) {
			f.publications = f.publications[:index]
			delete(f.pubNames, key)
		})
}

// RegisterSubscription subscribes fed to the publication named key and
// returns the subscription's dense local index. Required subscriptions
// fail federation initialization when no matching publication exists.
func (c *Core) RegisterSubscription(fed FederateID, key, dataType, units string, required bool) (int32, error) {
	f, err := c.federate(fed)
	if err != nil {
		return -1, err
	}
	f.mu.Lock()
	if _, dup := f.subNames[key]; dup {
		f.mu.Unlock()
		return -1, errf(ErrNameInUse, "subscription key %s in use", key)
	}
	f.mu.Unlock()
	var flags uint32 = wire.FlagOptional
	if required {
		flags = wire.FlagRequired
	}
	return c.registerHandle(f, wire.CmdRegisterSubscription, KindSubscription, key, dataType, units, "", flags,
		func(f *FederateState) int32 {
			index := int32(len(f.subscriptions))
			f.subscriptions = append(f.subscriptions, &localSubscription{
				index:          index,
				handle:         InvalidHandle,
				name:           key,
				dataType:       dataType,
				units:          units,
				required:       required,
				linkedEndpoint: -1,
			})
			f.subNames[key] = index
			return index
		},
		func(f *FederateState, index int32, id HandleID) {
			f.subscriptions[index].handle = id
			f.subByHandle[id] = index
		},
		func(f *FederateState, index int32) {
			f.subscriptions = f.subscriptions[:index]
			delete(f.subNames, key)
		})
}

// RegisterSourceFilter registers a filter on messages leaving the target
// endpoint.
func (c *Core) RegisterSourceFilter(fed FederateID, name, target, inputType string) (int32, error) {
	return c.registerFilter(fed, wire.CmdRegisterSrcFilter, KindSourceFilter, name, target, inputType)
}

// RegisterDestinationFilter registers a filter on messages arriving at
// the target endpoint.
func (c *Core) RegisterDestinationFilter(fed FederateID, name, target, inputType string) (int32, error) {
	return c.registerFilter(fed, wire.CmdRegisterDstFilter, KindDestinationFilter, name, target, inputType)
}

func (c *Core) registerFilter(fed FederateID, cmd wire.Command, kind HandleKind, name, target, inputType string) (int32, error) {
	f, err := c.federate(fed)
	if err != nil {
		return -1, err
	}
	return c.registerHandle(f, cmd, kind, name, inputType, "", target, 0,
		func(f *FederateState) int32 {
			index := int32(len(f.filters))
			f.filters = append(f.filters, &localFilter{
				index:         index,
				handle:        InvalidHandle,
				kind:          kind,
				name:          name,
				target:        target,
				callbackIndex: -1,
			})
			return index
		},
		func(f *FederateState, index int32, id HandleID) {
			f.filters[index].handle = id
		},
		func(f *FederateState, index int32) {
			f.filters = f.filters[:index]
		})
}

// GetPublication resolves a publication key to its global handle.
func (c *Core) GetPublication(key string) (HandleID, error) {
	if id, ok := lookupByName(c.reg, InvalidFed, KindPublication, key); ok {
		return id, nil
	}
	return InvalidHandle, errf(ErrInvalidIdentifier, "unknown publication %s", key)
}

// GetSubscription resolves fed's subscription key to its global handle.
func (c *Core) GetSubscription(fed FederateID, key string) (HandleID, error) {
	if id, ok := lookupByName(c.reg, fed, KindSubscription, key); ok {
		return id, nil
	}
	return InvalidHandle, errf(ErrInvalidIdentifier, "unknown subscription %s", key)
}

// GetEndpointID resolves fed's endpoint name to its local index.
func (c *Core) GetEndpointID(fed FederateID, name string) (int32, error) {
	f, err := c.federate(fed)
	if err != nil {
		return -1, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if index, ok := f.endpointNames[name]; ok {
		return index, nil
	}
	return -1, errf(ErrInvalidIdentifier, "unknown endpoint %s", name)
}

// GetEndpointName returns the name of fed's endpoint at index.
func (c *Core) GetEndpointName(fed FederateID, index int32) (string, error) {
	f, err := c.federate(fed)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || int(index) >= len(f.endpoints) {
		return "", errf(ErrInvalidIdentifier, "endpoint index %d out of range", index)
	}
	return f.endpoints[index].name, nil
}

// GetEndpointType returns the data type of fed's endpoint at index.
func (c *Core) GetEndpointType(fed FederateID, index int32) (string, error) {
	f, err := c.federate(fed)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || int(index) >= len(f.endpoints) {
		return "", errf(ErrInvalidIdentifier, "endpoint index %d out of range", index)
	}
	return f.endpoints[index].dataType, nil
}

// GetEndpointCount returns how many endpoints fed has registered.
func (c *Core) GetEndpointCount(fed FederateID) (int, error) {
	f, err := c.federate(fed)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.endpoints), nil
}

// GetUnits returns the units string of a publication or subscription
// handle.
func (c *Core) GetUnits(handle HandleID) (string, error) {
	if h, ok := lookupByHandle(c.reg, handle); ok {
		return h.Units, nil
	}
	return "", errf(ErrInvalidIdentifier, "unknown handle %d", handle)
}

// GetType returns the data-type string of a handle.
func (c *Core) GetType(handle HandleID) (string, error) {
	if h, ok := lookupByHandle(c.reg, handle); ok {
		return h.Type, nil
	}
	return "", errf(ErrInvalidIdentifier, "unknown handle %d", handle)
}

// LinkSubscription attaches fed's subscription at subIndex to the
// endpoint at epIndex, so value updates synthesize messages on that
// endpoint's queue.
func (c *Core) LinkSubscription(fed FederateID, subIndex, epIndex int32) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if subIndex < 0 || int(subIndex) >= len(f.subscriptions) {
		return errf(ErrInvalidIdentifier, "subscription index %d out of range", subIndex)
	}
	if epIndex < 0 || int(epIndex) >= len(f.endpoints) {
		return errf(ErrInvalidIdentifier, "endpoint index %d out of range", epIndex)
	}
	f.subscriptions[subIndex].linkedEndpoint = epIndex
	return nil
}

// AddDependency records that fed waits on the named federate. The
// coordinator's federation-wide floor already covers every dependency;
// the set is kept for introspection.
func (c *Core) AddDependency(fed FederateID, federateName string) error {
	f, err := c.federate(fed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dependencies[federateName] = struct{}{}
	return nil
}

// RegisterFrequentCommunicationsPair hints the routing layer that
// source will talk to dest often; messages to dest sent before it
// registers are held instead of failing with unknown-destination.
func (c *Core) RegisterFrequentCommunicationsPair(source, dest string) {
	m := wire.NewAction(wire.CmdRouteHint)
	m.Payload = dest
	m.RouteID = int32(localRoute)
	c.AddMessage(m)
}

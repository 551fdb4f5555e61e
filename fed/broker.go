package fed

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/federation-sim/federation-sim/fed/guarded"
	"github.com/federation-sim/federation-sim/fed/transport"
	"github.com/federation-sim/federation-sim/fed/wire"
)

// queueDepth sizes the broker action queues. AddMessage is non-blocking
// up to this depth; beyond it producers block until the router catches
// up, which is the backpressure path.
const queueDepth = 4096

// basicFedInfo is the broker's record of one federate.
type basicFedInfo struct {
	name          string
	globalID      FederateID
	route         RouteID
	isBroker      bool
	defunct       bool // registration was rejected upstream
	initRequested bool
	execRequested bool
	finalized     bool
}

// basicBrokerInfo is the broker's record of one child broker.
type basicBrokerInfo struct {
	name          string
	globalID      BrokerID
	route         RouteID
	address       string
	direct        bool // attached straight to this broker, not via a child
	defunct       bool // registration was rejected upstream
	initRequested bool
	execRequested bool
	finalized     bool
}

// pendKey identifies a registration forwarded upstream and awaiting its
// global id assignment.
type pendKey struct {
	kind int // int(HandleKind), or pendFederate / pendBroker
	name string
	fed  FederateID
}

const (
	pendFederate = -1
	pendBroker   = -2
)

// federateHost is the hook a Core installs on its embedded broker so the
// router can hand off actions that concern locally hosted federates.
type federateHost interface {
	hostedFederate(id FederateID) *FederateState
	completeRegistration(ack wire.ActionMessage)
	deliverMessage(f *FederateState, m wire.ActionMessage)
	deliverValue(f *FederateState, m wire.ActionMessage)
	deliverGrant(f *FederateState, g grantNotice)
	initGranted()
	execGranted()
	federationError(kind ErrorKind, msg string)
}

// Broker routes action messages between locally attached federates,
// child brokers, and the parent. One router goroutine drains the two
// queues: all priority entries first, then one main entry, repeated, so
// registration never starves behind payload traffic.
type Broker struct {
	cfg        BrokerConfig
	identifier string
	globalID   BrokerID
	isRoot     bool
	gateway    bool

	trans   transport.Transmitter
	metrics *Collector
	log     *logrus.Entry

	priority chan wire.ActionMessage
	main     chan wire.ActionMessage
	done     chan struct{}

	operating   atomic.Bool
	initialized atomic.Bool

	reg *handleRegistry

	// router-goroutine-owned state below; no locks required
	federates   []*basicFedInfo
	fedNames    map[string]int
	fedByID     map[FederateID]int
	brokers     []*basicBrokerInfo
	brokerNames map[string]int
	brokerByID  map[BrokerID]int
	routing     map[FederateID]RouteID
	knownRoutes map[string]struct{} // frequent-communications destinations
	deferred    map[string][]wire.ActionMessage
	pending     map[pendKey]RouteID

	nextRoute  RouteID
	nextFed    FederateID
	nextHandle HandleID
	nextBroker BrokerID

	routeAtParent RouteID
	brokerReady   chan error
	initSentUp    bool
	execSentUp    bool
	disconnected  bool
	finalizedKids atomic.Int32

	coord *timeCoordinator
	host  federateHost

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBroker constructs a broker from cfg. Call SetTransmitter before
// Start on any broker that talks to peers; a root core in a
// single-process federation can run without one.
func NewBroker(cfg BrokerConfig) *Broker {
	b := &Broker{
		cfg:           cfg,
		identifier:    cfg.Name,
		isRoot:        cfg.Root,
		gateway:       cfg.Gateway,
		priority:      make(chan wire.ActionMessage, queueDepth),
		main:          make(chan wire.ActionMessage, queueDepth),
		done:          make(chan struct{}),
		reg:           newHandleRegistry(),
		fedNames:      make(map[string]int),
		fedByID:       make(map[FederateID]int),
		brokerNames:   make(map[string]int),
		brokerByID:    make(map[BrokerID]int),
		routing:       make(map[FederateID]RouteID),
		knownRoutes:   make(map[string]struct{}),
		deferred:      make(map[string][]wire.ActionMessage),
		pending:       make(map[pendKey]RouteID),
		nextRoute:     1,
		nextFed:       0,
		nextHandle:    0,
		nextBroker:    1,
		routeAtParent: InvalidRoute,
		brokerReady:   make(chan error, 1),
		coord:         newTimeCoordinator(),
		globalID:      InvalidBroker,
	}
	if b.isRoot {
		b.globalID = 0
	}
	b.log = logrus.WithField("broker", b.identifier)
	return b
}

// Initialize applies a key=value initialization string, replacing the
// construction-time configuration. Must precede Start.
func (b *Broker) Initialize(init string) error {
	cfg, err := ParseInitString(init)
	if err != nil {
		return err
	}
	if cfg.Name != "" {
		b.SetIdentifier(cfg.Name)
	}
	cfg.Name = b.identifier
	b.cfg = cfg
	b.isRoot = cfg.Root
	b.gateway = cfg.Gateway
	if b.isRoot {
		b.globalID = 0
	}
	return nil
}

// SetIdentifier sets the broker's local identification string.
func (b *Broker) SetIdentifier(name string) {
	b.identifier = name
	b.log = logrus.WithField("broker", name)
}

// GetIdentifier returns the broker's local identification string.
func (b *Broker) GetIdentifier() string {
	return b.identifier
}

// SetTransmitter installs the transport variant. Must precede Start.
func (b *Broker) SetTransmitter(t transport.Transmitter) {
	b.trans = t
}

// SetMetrics installs a Prometheus collector. Optional.
func (b *Broker) SetMetrics(c *Collector) {
	b.metrics = c
}

// IsRoot reports whether this broker has no parent.
func (b *Broker) IsRoot() bool {
	return b.isRoot
}

// IsInitialized reports whether the router goroutine is running.
func (b *Broker) IsInitialized() bool {
	return b.initialized.Load()
}

// Operating reports whether the federation has passed initialization;
// registries are frozen once true.
func (b *Broker) Operating() bool {
	return b.operating.Load()
}

// FinalizedChildren returns how many direct children have disconnected.
func (b *Broker) FinalizedChildren() int {
	return int(b.finalizedKids.Load())
}

// Start launches the router goroutine and brings the transport up.
func (b *Broker) Start() error {
	var err error
	b.startOnce.Do(func() {
		if b.trans != nil {
			if cerr := b.trans.Connect(); cerr != nil {
				err = errf(ErrTransportFailure, "connect: %v", cerr)
				return
			}
		}
		b.initialized.Store(true)
		go b.run()
	})
	return err
}

// Connect attaches this broker to its parent at parentAddr and blocks
// until the parent acknowledges the registration with a global id.
func (b *Broker) Connect(parentAddr string) error {
	if b.isRoot {
		return errf(ErrPhaseViolation, "root broker has no parent")
	}
	if err := b.Start(); err != nil {
		return err
	}
	if b.trans == nil {
		return errf(ErrTransportFailure, "no transmitter configured")
	}
	if err := b.trans.AddRoute(int32(ParentRoute), parentAddr); err != nil {
		return errf(ErrTransportFailure, "parent route: %v", err)
	}
	m := wire.NewAction(wire.CmdRegisterBroker)
	m.Payload = b.identifier
	m.Data = []byte(b.trans.Address())
	m.RouteID = int32(localRoute)
	b.transmit(ParentRoute, m)
	if err := <-b.brokerReady; err != nil {
		return err
	}
	return nil
}

// Stop shuts the router down and disconnects the transport. Idempotent.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		b.main <- wire.NewAction(wire.CmdStop)
		<-b.done
		if b.trans != nil {
			b.trans.Disconnect()
		}
	})
}

// AddMessage enqueues an action for the router goroutine. Priority
// commands bypass queued payload traffic.
func (b *Broker) AddMessage(m wire.ActionMessage) {
	if m.Cmd.IsPriority() {
		b.metrics.countMessage("priority", m.Cmd)
		b.priority <- m
		return
	}
	b.metrics.countMessage("main", m.Cmd)
	b.main <- m
	b.metrics.setQueueDepth(len(b.main))
}

// Receiver returns the transport inbound hook: transports deliver
// decoded action messages straight onto the broker queues.
func (b *Broker) Receiver() transport.Receiver {
	return func(m wire.ActionMessage) {
		b.AddMessage(m)
	}
}

// run is the router loop: drain every priority entry, then process one
// main entry, repeat.
func (b *Broker) run() {
	defer close(b.done)
	for {
		select {
		case m := <-b.priority:
			b.processPriorityCommand(m)
			continue
		default:
		}
		select {
		case m := <-b.priority:
			b.processPriorityCommand(m)
		case m := <-b.main:
			b.metrics.setQueueDepth(len(b.main))
			if m.Cmd == wire.CmdStop {
				return
			}
			b.processCommand(m)
		}
	}
}

// transmit hands m to the transport for route. Local routes never reach
// here.
func (b *Broker) transmit(route RouteID, m wire.ActionMessage) {
	if b.trans == nil {
		b.log.Errorf("no transport for route %d, dropping %s", route, m.Cmd)
		return
	}
	if err := b.trans.Transmit(int32(route), m); err != nil {
		b.log.Errorf("transmit on route %d: %v", route, err)
	}
}

// forwardUp stamps the sender's route at the parent and transmits toward
// the root.
func (b *Broker) forwardUp(m wire.ActionMessage) {
	m.RouteID = int32(b.routeAtParent)
	b.transmit(ParentRoute, m)
}

// getRoute locates the route for a federate. A miss returns the parent
// route on non-root brokers and InvalidRoute on the root.
func (b *Broker) getRoute(fed FederateID) RouteID {
	if r, ok := b.routing[fed]; ok {
		return r
	}
	if b.isRoot {
		return InvalidRoute
	}
	return ParentRoute
}

// processPriorityCommand handles registration, identifier negotiation,
// init requests, and disconnects.
func (b *Broker) processPriorityCommand(m wire.ActionMessage) {
	switch m.Cmd {
	case wire.CmdRegisterBroker:
		b.handleRegisterBroker(m)
	case wire.CmdBrokerAck:
		b.handleBrokerAck(m)
	case wire.CmdRegisterFederate:
		b.handleRegisterFederate(m)
	case wire.CmdFederateAck:
		b.handleFederateAck(m)
	case wire.CmdRegisterEndpoint, wire.CmdRegisterPublication,
		wire.CmdRegisterSubscription, wire.CmdRegisterSrcFilter,
		wire.CmdRegisterDstFilter:
		b.handleRegisterHandle(m)
	case wire.CmdHandleAck:
		b.handleHandleAck(m)
	case wire.CmdInitRequest:
		b.handleInitRequest(m)
	case wire.CmdDisconnect:
		b.handleDisconnect(m)
	default:
		b.log.Warnf("unexpected priority command %s", m.Cmd)
	}
}

// processCommand handles everything on the main queue.
func (b *Broker) processCommand(m wire.ActionMessage) {
	switch m.Cmd {
	case wire.CmdInitGrant:
		b.handleInitGrant(m)
	case wire.CmdExecRequest:
		b.handleExecRequest(m)
	case wire.CmdExecGrant:
		b.handleExecGrant(m)
	case wire.CmdTimeRequest:
		b.handleTimeRequest(m)
	case wire.CmdTimeGrant:
		b.handleTimeGrant(m)
	case wire.CmdSendMessage:
		b.handleSendMessage(m)
	case wire.CmdValueUpdate:
		b.handleValueUpdate(m)
	case wire.CmdRouteHint:
		b.handleRouteHint(m)
	case wire.CmdDependency:
		// dependencies are tracked by the hosting core; brokers forward
		if !b.isRoot {
			b.forwardUp(m)
		}
	case wire.CmdError:
		b.handleError(m)
	case wire.CmdLog:
		b.handleLog(m)
	case wire.CmdUnknownDestination:
		b.handleUnknownDestination(m)
	default:
		b.log.Warnf("unexpected command %s", m.Cmd)
	}
}

// ---- registration ----

func (b *Broker) handleRegisterBroker(m wire.ActionMessage) {
	if b.operating.Load() {
		b.replyRegError(m, pendBroker, ErrFrozen, "broker registration after initialization")
		return
	}
	name := m.Payload
	if _, exists := b.brokerNames[name]; exists {
		b.replyRegError(m, pendBroker, ErrNameInUse, "broker name "+name+" in use")
		return
	}
	originRoute := RouteID(m.RouteID)
	var route RouteID
	if originRoute == localRoute {
		// the broker registering is a direct child: establish its route
		route = b.nextRoute
		b.nextRoute++
		if b.trans != nil {
			if err := b.trans.AddRoute(int32(route), string(m.Data)); err != nil {
				b.log.Errorf("add route to %s: %v", name, err)
				return
			}
		}
	} else {
		// forwarded from a child broker: reach it through that child
		route = originRoute
	}
	info := &basicBrokerInfo{
		name:     name,
		globalID: InvalidBroker,
		route:    route,
		address:  string(m.Data),
		direct:   originRoute == localRoute,
	}
	b.brokers = append(b.brokers, info)
	b.brokerNames[name] = len(b.brokers) - 1

	if b.isRoot {
		info.globalID = b.nextBroker
		b.brokerByID[info.globalID] = len(b.brokers) - 1
		b.nextBroker++
		ack := wire.NewAction(wire.CmdBrokerAck)
		ack.Payload = name
		ack.DestID = int32(info.globalID)
		ack.RouteID = int32(route)
		b.transmit(route, ack)
		b.log.Infof("registered broker %s as %d", name, info.globalID)
		return
	}
	b.pending[pendKey{kind: pendBroker, name: name}] = route
	// the parent routes replies through us, so the forwarded registration
	// carries our address, not the grandchild's
	fwd := m
	fwd.Data = []byte(b.transAddress())
	b.forwardUp(fwd)
}

func (b *Broker) transAddress() string {
	if b.trans == nil {
		return b.identifier
	}
	return b.trans.Address()
}

func (b *Broker) handleBrokerAck(m wire.ActionMessage) {
	name := m.Payload
	if name == b.identifier {
		// our own registration completed
		var err error
		if m.Flags&wire.FlagAckError != 0 {
			err = errf(ErrorKind(m.DestHandle), "%s", string(m.Data))
		} else {
			b.globalID = BrokerID(m.DestID)
			b.routeAtParent = RouteID(m.RouteID)
		}
		select {
		case b.brokerReady <- err:
		default:
		}
		return
	}
	if idx, ok := b.brokerNames[name]; ok {
		if m.Flags&wire.FlagAckError != 0 {
			b.brokers[idx].defunct = true
			delete(b.brokerNames, name)
		} else {
			b.brokers[idx].globalID = BrokerID(m.DestID)
			b.brokerByID[BrokerID(m.DestID)] = idx
		}
	}
	if route, ok := b.pending[pendKey{kind: pendBroker, name: name}]; ok {
		delete(b.pending, pendKey{kind: pendBroker, name: name})
		m.RouteID = int32(route)
		b.transmit(route, m)
	}
}

func (b *Broker) handleRegisterFederate(m wire.ActionMessage) {
	if b.operating.Load() {
		b.replyReg(m, pendFederate, ErrFrozen, "federate registration after initialization")
		return
	}
	name := m.Payload
	if _, exists := b.fedNames[name]; exists {
		b.replyReg(m, pendFederate, ErrNameInUse, "federate name "+name+" in use")
		return
	}
	origin := RouteID(m.RouteID)
	info := &basicFedInfo{name: name, globalID: InvalidFed, route: origin}
	b.federates = append(b.federates, info)
	b.fedNames[name] = len(b.federates) - 1
	b.metrics.setFederates(len(b.federates))

	if !b.isRoot {
		b.pending[pendKey{kind: pendFederate, name: name}] = origin
		b.forwardUp(m)
		return
	}
	info.globalID = b.nextFed
	b.nextFed++
	b.fedByID[info.globalID] = len(b.federates) - 1
	b.routing[info.globalID] = origin

	ack := wire.NewAction(wire.CmdFederateAck)
	ack.Payload = name
	ack.DestID = int32(info.globalID)
	b.deliverDown(origin, ack)
	b.log.Infof("registered federate %s as %d", name, info.globalID)
}

// deliverDown sends an action toward a child: through the transport for
// remote routes, through the host for locally hosted federates.
func (b *Broker) deliverDown(route RouteID, m wire.ActionMessage) {
	if route == localRoute {
		if b.host != nil {
			b.localAck(m)
		}
		return
	}
	b.transmit(route, m)
}

// localAck dispatches a downward action that terminates at this broker.
func (b *Broker) localAck(m wire.ActionMessage) {
	switch m.Cmd {
	case wire.CmdFederateAck:
		if m.Flags&wire.FlagAckError == 0 {
			if idx, ok := b.fedNames[m.Payload]; ok {
				b.federates[idx].globalID = FederateID(m.DestID)
				b.fedByID[FederateID(m.DestID)] = idx
				b.routing[FederateID(m.DestID)] = localRoute
			}
		} else {
			b.discardFederate(m.Payload)
		}
		b.host.completeRegistration(m)
	case wire.CmdHandleAck:
		b.host.completeRegistration(m)
	default:
		b.host.completeRegistration(m)
	}
}

func (b *Broker) handleFederateAck(m wire.ActionMessage) {
	name := m.Payload
	key := pendKey{kind: pendFederate, name: name}
	route, ok := b.pending[key]
	if !ok {
		b.log.Warnf("federate ack for unknown pending name %s", name)
		return
	}
	delete(b.pending, key)
	if m.Flags&wire.FlagAckError == 0 {
		if idx, found := b.fedNames[name]; found {
			b.federates[idx].globalID = FederateID(m.DestID)
			b.fedByID[FederateID(m.DestID)] = idx
			b.routing[FederateID(m.DestID)] = route
		}
	} else {
		b.discardFederate(name)
	}
	b.deliverDown(route, m)
}

// encodeHandleFields packs type, units, and target for the wire.
func encodeHandleFields(dataType, units, target string) []byte {
	return []byte(dataType + "\x00" + units + "\x00" + target)
}

func decodeHandleFields(b []byte) (dataType, units, target string) {
	parts := strings.SplitN(string(b), "\x00", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}

func kindForCommand(cmd wire.Command) HandleKind {
	switch cmd {
	case wire.CmdRegisterEndpoint:
		return KindEndpoint
	case wire.CmdRegisterPublication:
		return KindPublication
	case wire.CmdRegisterSubscription:
		return KindSubscription
	case wire.CmdRegisterSrcFilter:
		return KindSourceFilter
	}
	return KindDestinationFilter
}

func (b *Broker) handleRegisterHandle(m wire.ActionMessage) {
	kind := kindForCommand(m.Cmd)
	fed := FederateID(m.SourceID)
	name := m.Payload

	if b.operating.Load() {
		b.replyReg(m, int(kind), ErrFrozen, "registration after initialization")
		return
	}
	if !b.isRoot {
		b.pending[pendKey{kind: int(kind), name: name, fed: fed}] = RouteID(m.RouteID)
		b.forwardUp(m)
		return
	}

	inUse := guarded.ModifyResult(b.reg, func(r *registryData) bool {
		return r.nameInUse(fed, kind, name)
	})
	if inUse {
		b.replyReg(m, int(kind), ErrNameInUse, kind.String()+" name "+name+" in use")
		return
	}

	id := b.nextHandle
	b.nextHandle++
	dataType, units, target := decodeHandleFields(m.Data)
	h := &HandleInfo{
		ID:       id,
		Fed:      fed,
		Kind:     kind,
		Name:     name,
		Type:     dataType,
		Units:    units,
		Target:   target,
		Required: m.Flags&wire.FlagRequired != 0,
		Optional: m.Flags&wire.FlagOptional != 0,
	}
	b.reg.Modify(func(r *registryData) {
		r.insert(h, m.SourceHandle)
		b.metrics.setHandles(len(r.handles))
	})

	ack := wire.NewAction(wire.CmdHandleAck)
	ack.SourceID = m.SourceID
	ack.SourceHandle = m.SourceHandle
	ack.DestHandle = int32(id)
	ack.Payload = name
	ack.Flags = (m.Flags & (wire.FlagRequired | wire.FlagOptional)) | uint32(kind)<<wire.KindShift
	ack.Data = m.Data
	b.deliverDown(b.getRoute(fed), ack)

	// a newly visible endpoint may satisfy messages held for it
	if kind == KindEndpoint {
		b.flushDeferred(name)
	}
}

func (b *Broker) handleHandleAck(m wire.ActionMessage) {
	kind := HandleKind(wire.KindFromFlags(m.Flags))
	fed := FederateID(m.SourceID)
	key := pendKey{kind: int(kind), name: m.Payload, fed: fed}
	route, ok := b.pending[key]
	if !ok {
		// acks also flow through brokers that never saw the request
		route = b.getRoute(fed)
	} else {
		delete(b.pending, key)
	}
	if m.Flags&wire.FlagAckError == 0 {
		dataType, units, target := decodeHandleFields(m.Data)
		h := &HandleInfo{
			ID:       HandleID(m.DestHandle),
			Fed:      fed,
			Kind:     kind,
			Name:     m.Payload,
			Type:     dataType,
			Units:    units,
			Target:   target,
			Required: m.Flags&wire.FlagRequired != 0,
			Optional: m.Flags&wire.FlagOptional != 0,
		}
		b.reg.Modify(func(r *registryData) {
			r.insert(h, m.SourceHandle)
		})
	}
	b.deliverDown(route, m)
}

// replyReg sends a failed-registration ack back toward the origin.
func (b *Broker) replyReg(m wire.ActionMessage, kind int, ek ErrorKind, text string) {
	var ack wire.ActionMessage
	if kind == pendFederate {
		ack = wire.NewAction(wire.CmdFederateAck)
	} else {
		ack = wire.NewAction(wire.CmdHandleAck)
		ack.Flags = uint32(kind) << wire.KindShift
	}
	ack.SourceID = m.SourceID
	ack.SourceHandle = m.SourceHandle
	ack.Payload = m.Payload
	ack.Flags |= wire.FlagAckError
	ack.DestHandle = int32(ek)
	ack.Data = []byte(text)
	b.deliverDown(RouteID(m.RouteID), ack)
}

func (b *Broker) replyRegError(m wire.ActionMessage, kind int, ek ErrorKind, text string) {
	if kind == pendBroker {
		ack := wire.NewAction(wire.CmdBrokerAck)
		ack.Payload = m.Payload
		ack.Flags = wire.FlagAckError
		ack.DestHandle = int32(ek)
		ack.Data = []byte(text)
		b.deliverDown(RouteID(m.RouteID), ack)
		return
	}
	b.replyReg(m, kind, ek, text)
}

// discardFederate drops the optimistic record of a registration the
// root rejected, so readiness checks never wait on it.
func (b *Broker) discardFederate(name string) {
	idx, ok := b.fedNames[name]
	if !ok || b.federates[idx].globalID != InvalidFed {
		return
	}
	b.federates[idx].defunct = true
	delete(b.fedNames, name)
	b.metrics.setFederates(len(b.fedNames))
}

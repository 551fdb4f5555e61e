package fed

import (
	"sync"

	"github.com/federation-sim/federation-sim/fed/vtime"
	"github.com/federation-sim/federation-sim/fed/wire"
)

// Phase is the lifecycle state of a federate.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseInitializing
	PhaseExecuting
	PhaseFinalized
	PhaseError
)

var phaseNames = [...]string{
	PhaseCreated:      "created",
	PhaseInitializing: "initializing",
	PhaseExecuting:    "executing",
	PhaseFinalized:    "finalized",
	PhaseError:        "error",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "phase(?)"
}

// terminal reports whether the phase ends all coordination for the
// federate.
func (p Phase) terminal() bool {
	return p == PhaseFinalized || p == PhaseError
}

// EndpointCallback is invoked when a message lands on an endpoint during
// a time update. No lock is held across the invocation.
type EndpointCallback func(endpoint int32, t vtime.Time)

// localEndpoint is one entry of a federate's dense endpoint table.
type localEndpoint struct {
	index         int32
	handle        HandleID
	name          string
	dataType      string
	queue         messageQueue
	callbackIndex int // -1 when unset
}

// localPublication is one entry of a federate's publication table.
type localPublication struct {
	index    int32
	handle   HandleID
	name     string
	dataType string
	units    string
	value    []byte // last published value, for GetValue on the publisher side
}

// localSubscription is one entry of a federate's subscription table.
type localSubscription struct {
	index          int32
	handle         HandleID
	name           string // key of the publication subscribed to
	dataType       string
	units          string
	required       bool
	value          []byte
	linkedEndpoint int32 // endpoint index receiving synthesized messages, -1 when unlinked
}

// localFilter is one entry of a federate's filter table.
type localFilter struct {
	index         int32
	handle        HandleID
	kind          HandleKind
	name          string
	target        string
	queue         messageQueue
	callbackIndex int
	operator      FilterOperator
}

// bufferedMessage sits in the any-endpoint transport buffer until the
// next time grant makes it eligible for delivery.
type bufferedMessage struct {
	msg          *wire.Message
	destHandle   HandleID
	sourceHandle HandleID // tie-breaker after timestamp
	seq          uint64   // arrival order, the final tie-breaker
}

// bufferedValue is a pending publication update awaiting the next grant.
type bufferedValue struct {
	handle HandleID // subscription handle
	source string   // publication name
	data   []byte
	t      vtime.Time
}

// grantNotice is the router-to-caller handoff for time grants.
type grantNotice struct {
	seq       uint64
	t         vtime.Time
	iteration uint32
	converged bool
	execute   bool // grant for the executing-state transition
	initDone  bool // grant for the initializing-state transition
}

// FederateState is the per-federate record held by its hosting core. The
// mutex is the endpoint lock of the design: it guards the tables,
// queues, and buffers. It is never held across a user callback.
type FederateState struct {
	name     string
	globalID FederateID

	mu   sync.Mutex
	cond *sync.Cond // signalled on every grant and terminal transition

	phase         Phase
	grantedTime   vtime.Time
	requestedTime vtime.Time
	iteration     uint32
	maxIterations uint32

	timeDelta    vtime.Time // minimum advance step, >= Epsilon
	lookAhead    vtime.Time // output horizon, >= 0
	impactWindow vtime.Time // input horizon, >= 0

	endpoints     []*localEndpoint
	endpointNames map[string]int32
	publications  []*localPublication
	pubNames      map[string]int32
	subscriptions []*localSubscription
	subNames      map[string]int32
	subByHandle   map[HandleID]int32
	filters       []*localFilter

	dependencies map[string]struct{}

	callbacks        []EndpointCallback
	allCallbackIndex int

	epBuffer    []bufferedMessage
	valueBuffer []bufferedValue
	bufferSeq   uint64

	pendingValues []HandleID
	order         pendingOrder

	grant     grantNotice
	grantSeq  uint64
	initReady bool
}

func newFederateState(name string, id FederateID) *FederateState {
	f := &FederateState{
		name:             name,
		globalID:         id,
		phase:            PhaseCreated,
		timeDelta:        vtime.Epsilon,
		maxIterations:    50,
		endpointNames:    make(map[string]int32),
		pubNames:         make(map[string]int32),
		subNames:         make(map[string]int32),
		subByHandle:      make(map[HandleID]int32),
		dependencies:     make(map[string]struct{}),
		allCallbackIndex: -1,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Name returns the federate's registration name.
func (f *FederateState) Name() string { return f.name }

// ID returns the federate's global id.
func (f *FederateState) ID() FederateID { return f.globalID }

// Phase returns the current lifecycle phase.
func (f *FederateState) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// GrantedTime returns the current granted time.
func (f *FederateState) GrantedTime() vtime.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grantedTime
}

// Iteration returns the current iteration counter.
func (f *FederateState) Iteration() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iteration
}

// bufferMessage inserts a delivered message into the any-endpoint buffer
// ordered by timestamp, then source handle, then arrival. Called from
// the router goroutine.
func (f *FederateState) bufferMessage(msg *wire.Message, dest, src HandleID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bufferSeq++
	entry := bufferedMessage{msg: msg, destHandle: dest, sourceHandle: src, seq: f.bufferSeq}
	i := len(f.epBuffer)
	for i > 0 {
		prev := f.epBuffer[i-1]
		if prev.msg.Time < entry.msg.Time ||
			(prev.msg.Time == entry.msg.Time && prev.sourceHandle <= entry.sourceHandle) {
			break
		}
		i--
	}
	f.epBuffer = append(f.epBuffer, bufferedMessage{})
	copy(f.epBuffer[i+1:], f.epBuffer[i:])
	f.epBuffer[i] = entry
}

// bufferValue records a pending publication update. Called from the
// router goroutine.
func (f *FederateState) bufferValue(handle HandleID, source string, data []byte, t vtime.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valueBuffer = append(f.valueBuffer, bufferedValue{handle: handle, source: source, data: data, t: t})
}

// notifyGrant hands a grant to the caller thread blocked in a time
// request. Called from the router goroutine.
func (f *FederateState) notifyGrant(g grantNotice) {
	f.mu.Lock()
	f.grantSeq++
	g.seq = f.grantSeq
	f.grant = g
	f.mu.Unlock()
	f.cond.Broadcast()
}

// enterTerminal moves the federate to a terminal phase and releases any
// blocked time request. Idempotent.
func (f *FederateState) enterTerminal(p Phase) {
	f.mu.Lock()
	if !f.phase.terminal() {
		f.phase = p
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

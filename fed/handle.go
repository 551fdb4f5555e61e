package fed

import (
	"github.com/federation-sim/federation-sim/fed/guarded"
)

// HandleKind discriminates the five registration namespaces.
type HandleKind int

const (
	KindPublication HandleKind = iota
	KindSubscription
	KindEndpoint
	KindSourceFilter
	KindDestinationFilter
)

var handleKindNames = [...]string{
	KindPublication:       "publication",
	KindSubscription:      "subscription",
	KindEndpoint:          "endpoint",
	KindSourceFilter:      "source-filter",
	KindDestinationFilter: "destination-filter",
}

func (k HandleKind) String() string {
	if int(k) < len(handleKindNames) {
		return handleKindNames[k]
	}
	return "handle-kind(?)"
}

// HandleInfo is the immutable record of a registered handle. Once
// registered it does not change until federation teardown.
type HandleInfo struct {
	ID       HandleID
	Fed      FederateID
	Kind     HandleKind
	Name     string
	Type     string
	Units    string // publications and subscriptions only
	Target   string // filters only
	Required bool
	Optional bool
}

// localKey addresses a handle by its owner, kind, and dense local
// index. Each kind has its own index space.
type localKey struct {
	fed   FederateID
	kind  HandleKind
	index int32
}

// registryData holds the broker's handle bookkeeping. It is always
// wrapped in a guarded cell: the router goroutine writes during
// registration, API threads read during lookups and delivery.
type registryData struct {
	handles map[HandleID]*HandleInfo

	// one name namespace per handle kind, each a plain map whose
	// iteration order is not defined; subscriptions are scoped per
	// federate and tracked separately
	endpoints    map[string]HandleID
	publications map[string]HandleID
	srcFilters   map[string]HandleID
	dstFilters   map[string]HandleID

	// subscription names collide only within the owning federate;
	// subscribers holds the pub-name -> subscription handle fan-out index
	subNames    map[FederateID]map[string]HandleID
	subscribers map[string][]HandleID

	localToGlobal map[localKey]HandleID
	globalToLocal map[HandleID]localKey
}

func newRegistryData() registryData {
	return registryData{
		handles:       make(map[HandleID]*HandleInfo),
		endpoints:     make(map[string]HandleID),
		publications:  make(map[string]HandleID),
		srcFilters:    make(map[string]HandleID),
		dstFilters:    make(map[string]HandleID),
		subNames:      make(map[FederateID]map[string]HandleID),
		subscribers:   make(map[string][]HandleID),
		localToGlobal: make(map[localKey]HandleID),
		globalToLocal: make(map[HandleID]localKey),
	}
}

// namespace returns the name map for kind, or nil for subscriptions,
// which are scoped per federate rather than federation-wide.
func (r *registryData) namespace(kind HandleKind) map[string]HandleID {
	switch kind {
	case KindEndpoint:
		return r.endpoints
	case KindPublication:
		return r.publications
	case KindSourceFilter:
		return r.srcFilters
	case KindDestinationFilter:
		return r.dstFilters
	}
	return nil
}

// insert records a fully-assigned handle. Collision checks happen before
// the global id is allocated; insert assumes they passed.
func (r *registryData) insert(h *HandleInfo, localIndex int32) {
	r.handles[h.ID] = h
	key := localKey{h.Fed, h.Kind, localIndex}
	r.localToGlobal[key] = h.ID
	r.globalToLocal[h.ID] = key
	switch h.Kind {
	case KindSubscription:
		byName := r.subNames[h.Fed]
		if byName == nil {
			byName = make(map[string]HandleID)
			r.subNames[h.Fed] = byName
		}
		byName[h.Name] = h.ID
		r.subscribers[h.Name] = append(r.subscribers[h.Name], h.ID)
	default:
		r.namespace(h.Kind)[h.Name] = h.ID
	}
}

// nameInUse reports whether registering (fed, kind, name) would collide.
func (r *registryData) nameInUse(fed FederateID, kind HandleKind, name string) bool {
	if kind == KindSubscription {
		_, ok := r.subNames[fed][name]
		return ok
	}
	_, ok := r.namespace(kind)[name]
	return ok
}

// handleRegistry is the shared-read wrapper used across the broker.
type handleRegistry = guarded.Guarded[registryData]

func newHandleRegistry() *handleRegistry {
	return guarded.New(newRegistryData())
}

// lookupByName resolves a name within a namespace. Subscription lookups
// additionally need the owning federate.
func lookupByName(reg *handleRegistry, fed FederateID, kind HandleKind, name string) (id HandleID, ok bool) {
	reg.Read(func(r *registryData) {
		if kind == KindSubscription {
			id, ok = r.subNames[fed][name]
			return
		}
		id, ok = r.namespace(kind)[name]
	})
	return id, ok
}

// lookupByHandle returns the handle record for a global id.
func lookupByHandle(reg *handleRegistry, id HandleID) (info HandleInfo, ok bool) {
	reg.Read(func(r *registryData) {
		if h, found := r.handles[id]; found {
			info, ok = *h, true
		}
	})
	return info, ok
}

// localToGlobal maps (fed, kind, local index) to the global handle id.
func localToGlobal(reg *handleRegistry, fed FederateID, kind HandleKind, index int32) (id HandleID, ok bool) {
	reg.Read(func(r *registryData) {
		id, ok = r.localToGlobal[localKey{fed, kind, index}]
	})
	return id, ok
}

// globalToLocal maps a global handle id back to its owner, kind, and
// local index.
func globalToLocal(reg *handleRegistry, id HandleID) (fed FederateID, kind HandleKind, index int32, ok bool) {
	reg.Read(func(r *registryData) {
		var key localKey
		key, ok = r.globalToLocal[id]
		fed, kind, index = key.fed, key.kind, key.index
	})
	return fed, kind, index, ok
}

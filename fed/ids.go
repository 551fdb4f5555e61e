package fed

// The runtime uses five disjoint 32-bit identifier spaces. Global ids
// (federates, handles, brokers) are assigned by the root broker; route
// ids are broker-local; local indices are assigned densely by each
// federate's manager in registration order.

// FederateID identifies a federate (or a broker acting as one) globally.
type FederateID int32

// HandleID identifies a registered publication, subscription, endpoint,
// or filter globally.
type HandleID int32

// BrokerID identifies a broker globally.
type BrokerID int32

// RouteID identifies an outbound route within a single broker.
type RouteID int32

const (
	// InvalidFed is the reserved sentinel for FederateID.
	InvalidFed FederateID = -1
	// InvalidHandle is the reserved sentinel for HandleID.
	InvalidHandle HandleID = -1
	// InvalidBroker is the reserved sentinel for BrokerID.
	InvalidBroker BrokerID = -1
	// InvalidRoute is the reserved sentinel for RouteID.
	InvalidRoute RouteID = -1

	// ParentRoute is the conventional route toward the parent broker.
	// getRoute falls back to it on a routing-table miss in non-root
	// brokers.
	ParentRoute RouteID = 0

	// localRoute marks a federate hosted directly by this core; delivery
	// short-circuits the transport.
	localRoute RouteID = -2
)

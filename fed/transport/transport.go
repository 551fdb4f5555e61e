// Package transport provides the pluggable layer below the broker: a
// Transmitter moves action messages along numbered routes. The routing
// logic above is transport-agnostic and composes with whichever variant
// a broker is built with.
package transport

import "github.com/federation-sim/federation-sim/fed/wire"

// Receiver accepts inbound action messages from the transport. Brokers
// pass their queue-append here; implementations must treat it as
// non-blocking.
type Receiver func(wire.ActionMessage)

// Transmitter is the per-broker transport variant. Route 0 conventionally
// leads to the parent broker.
type Transmitter interface {
	// Transmit sends one action message along an established route.
	Transmit(route int32, m wire.ActionMessage) error
	// AddRoute establishes a route to the peer identified by addr. The
	// meaning of addr is transport-specific.
	AddRoute(route int32, addr string) error
	// Connect brings the transport up and starts delivering inbound
	// messages to the receiver.
	Connect() error
	// Disconnect tears the transport down. Idempotent.
	Disconnect()
	// Address returns the string a peer would use to AddRoute to this
	// transmitter.
	Address() string
}

// Package fed implements the coordination core of the co-simulation
// runtime: the hierarchical broker fabric that registers federates and
// their handles, routes action messages, and enforces the federation
// lifecycle, plus the per-federate manager that owns inbound queues,
// pending value updates, and local/global handle mappings.
//
// # Reading Guide
//
// Start with these three files to understand the kernel:
//   - handle.go: handle records and the name registry (identifier spaces are in ids.go)
//   - broker.go: the router loop, priority vs. main queue, and command handling
//   - core.go: the leaf broker hosting federate state and the federate-facing API
//
// # Architecture
//
// Brokers form a tree. Every broker runs exactly one router goroutine
// draining two ordered queues: a priority queue for registration,
// identifier negotiation, init requests, and disconnects, and a main
// queue for everything else (time coordination and payload forwarding).
// A Core is a broker that additionally hosts federate state machines and
// exposes the federate API; a root broker is a broker with no parent.
//
// Data flow: a federate invokes a core operation, the core appends an
// action message to its queue, the router goroutine dequeues, updates
// registry or state, and either answers locally, forwards to a child, or
// forwards toward the root. Value and message delivery into a federate
// happen lazily at time-grant boundaries via the federate manager.
//
// Sub-packages hold the leaves:
//   - fed/vtime: the simulation clock scalar
//   - fed/wire: action messages and the broker-to-broker codec
//   - fed/transport: transmitter variants (in-process loopback, TCP)
//   - fed/guarded: the shared-read guarded cell protecting registries
package fed

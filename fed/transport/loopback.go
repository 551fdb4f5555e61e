package transport

import (
	"fmt"
	"sync"

	"github.com/federation-sim/federation-sim/fed/wire"
)

// Exchange is an in-process switchboard connecting loopback transmitters
// by address. One Exchange models one federation's interconnect; tests
// and single-process federations share it between all brokers.
type Exchange struct {
	mu    sync.RWMutex
	sinks map[string]Receiver
}

// NewExchange creates an empty switchboard.
func NewExchange() *Exchange {
	return &Exchange{sinks: make(map[string]Receiver)}
}

func (x *Exchange) attach(addr string, rx Receiver) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.sinks[addr]; ok {
		return fmt.Errorf("loopback: address %q already attached", addr)
	}
	x.sinks[addr] = rx
	return nil
}

func (x *Exchange) detach(addr string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.sinks, addr)
}

func (x *Exchange) deliver(addr string, m wire.ActionMessage) error {
	x.mu.RLock()
	rx := x.sinks[addr]
	x.mu.RUnlock()
	if rx == nil {
		return fmt.Errorf("loopback: no peer at %q", addr)
	}
	rx(m)
	return nil
}

// Loopback is the in-process Transmitter. Messages cross goroutine
// boundaries without serialization; routing happens by address through
// the shared Exchange.
type Loopback struct {
	exchange *Exchange
	addr     string
	rx       Receiver

	mu     sync.RWMutex
	routes map[int32]string
	up     bool
}

// NewLoopback creates a loopback transmitter attached to x under addr.
func NewLoopback(x *Exchange, addr string, rx Receiver) *Loopback {
	return &Loopback{
		exchange: x,
		addr:     addr,
		rx:       rx,
		routes:   make(map[int32]string),
	}
}

// Connect attaches this transmitter's receiver to the exchange.
func (l *Loopback) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.up {
		return nil
	}
	if err := l.exchange.attach(l.addr, l.rx); err != nil {
		return err
	}
	l.up = true
	return nil
}

// Disconnect detaches from the exchange. Idempotent.
func (l *Loopback) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.up {
		return
	}
	l.exchange.detach(l.addr)
	l.up = false
}

// AddRoute binds route to a peer address on the same exchange.
func (l *Loopback) AddRoute(route int32, addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routes[route] = addr
	return nil
}

// Transmit delivers m to the peer bound to route.
func (l *Loopback) Transmit(route int32, m wire.ActionMessage) error {
	l.mu.RLock()
	addr, ok := l.routes[route]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("loopback: no route %d from %q", route, l.addr)
	}
	return l.exchange.deliver(addr, m)
}

// Address returns the attach address.
func (l *Loopback) Address() string {
	return l.addr
}

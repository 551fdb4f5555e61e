package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/federation-sim/federation-sim/fed/wire"
)

// outboundDepth bounds the per-route send queue. Transmit stays
// non-blocking on the hot path; a full queue applies backpressure by
// blocking until the writer drains.
const outboundDepth = 1024

// TCP moves action messages over TCP/IP using the wire codec. Each
// established route owns one connection and one writer goroutine.
type TCP struct {
	listenAddr string
	rx         Receiver

	mu       sync.Mutex
	listener net.Listener
	routes   map[int32]*tcpRoute
	closed   bool
	wg       sync.WaitGroup
}

type tcpRoute struct {
	conn net.Conn
	out  chan wire.ActionMessage
}

// NewTCP creates a TCP transmitter that will listen on listenAddr.
func NewTCP(listenAddr string, rx Receiver) *TCP {
	return &TCP{
		listenAddr: listenAddr,
		rx:         rx,
		routes:     make(map[int32]*tcpRoute),
	}
}

// Connect starts the listener and the accept loop.
func (t *TCP) Connect() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("tcp transport: %w", err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

func (t *TCP) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		m, err := wire.ReadAction(r)
		if err != nil {
			if err != io.EOF {
				logrus.Debugf("tcp transport: read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		t.rx(m)
	}
}

// AddRoute dials addr and starts a writer goroutine for the route.
func (t *TCP) AddRoute(route int32, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp transport: dial %s: %w", addr, err)
	}
	tr := &tcpRoute{conn: conn, out: make(chan wire.ActionMessage, outboundDepth)}

	t.mu.Lock()
	if prev, ok := t.routes[route]; ok {
		close(prev.out)
	}
	t.routes[route] = tr
	t.mu.Unlock()

	t.wg.Add(1)
	go t.writeLoop(tr)
	return nil
}

func (t *TCP) writeLoop(tr *tcpRoute) {
	defer t.wg.Done()
	defer tr.conn.Close()
	w := bufio.NewWriter(tr.conn)
	for m := range tr.out {
		if err := wire.WriteAction(w, m); err != nil {
			logrus.Debugf("tcp transport: write: %v", err)
			return
		}
		// flush when the queue momentarily drains
		if len(tr.out) == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
	w.Flush()
}

// Transmit queues m on the route's writer.
func (t *TCP) Transmit(route int32, m wire.ActionMessage) error {
	t.mu.Lock()
	tr, ok := t.routes[route]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("tcp transport: transmit after disconnect")
	}
	if !ok {
		return fmt.Errorf("tcp transport: no route %d", route)
	}
	tr.out <- m
	return nil
}

// Disconnect closes the listener and all routes. Idempotent.
func (t *TCP) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.listener != nil {
		t.listener.Close()
	}
	for _, tr := range t.routes {
		close(tr.out)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// Address returns the bound listen address, which may differ from the
// configured one when the OS picked the port.
func (t *TCP) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}

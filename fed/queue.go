// Implements the inbound message queues owned by each federate: a FIFO
// per endpoint, plus the mutex-guarded pending-order list that tracks
// cross-endpoint arrival order.

package fed

import (
	"sync"

	"github.com/federation-sim/federation-sim/fed/wire"
)

// messageQueue is a FIFO of delivered messages for one endpoint.
type messageQueue struct {
	queue []*wire.Message
}

// Enqueue adds a message to the back of the queue.
func (mq *messageQueue) Enqueue(m *wire.Message) {
	mq.queue = append(mq.queue, m)
}

// Len returns the number of pending messages.
func (mq *messageQueue) Len() int {
	return len(mq.queue)
}

// Peek returns the front message without removing it, or nil when empty.
func (mq *messageQueue) Peek() *wire.Message {
	if len(mq.queue) == 0 {
		return nil
	}
	return mq.queue[0]
}

// Dequeue removes and returns the front message, or nil when empty.
func (mq *messageQueue) Dequeue() *wire.Message {
	if len(mq.queue) == 0 {
		return nil
	}
	m := mq.queue[0]
	mq.queue = mq.queue[1:]
	return m
}

// pendingOrder records the endpoint index of each delivered message in
// arrival order, so ReceiveAny can hand out messages across endpoints in
// the order they became visible.
type pendingOrder struct {
	mu    sync.Mutex
	order []int32
}

// Append records that the endpoint at index received a message.
func (p *pendingOrder) Append(index int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, index)
}

// Next returns the endpoint index of the oldest pending message.
func (p *pendingOrder) Next() (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return 0, false
	}
	return p.order[0], true
}

// PopFront removes the oldest entry.
func (p *pendingOrder) PopFront() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) > 0 {
		p.order = p.order[1:]
	}
}

// Remove drops one entry matching index. The common case removes the
// back element in O(1); otherwise a reverse scan finds the most recent
// match.
func (p *pendingOrder) Remove(index int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.order)
	if n == 0 {
		return
	}
	if p.order[n-1] == index {
		p.order = p.order[:n-1]
		return
	}
	for i := n - 2; i >= 0; i-- {
		if p.order[i] == index {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// Len returns the number of recorded entries.
func (p *pendingOrder) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

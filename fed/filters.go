package fed

import (
	"math/rand"

	"github.com/federation-sim/federation-sim/fed/vtime"
	"github.com/federation-sim/federation-sim/fed/wire"
)

// FilterOperator processes a message as it passes a filter point.
// Returning nil drops the message. The original source field of the
// input must be preserved by implementations.
type FilterOperator interface {
	Process(m *wire.Message) *wire.Message
}

// FilterFunc adapts a plain function to a FilterOperator.
type FilterFunc func(m *wire.Message) *wire.Message

// Process implements FilterOperator.
func (fn FilterFunc) Process(m *wire.Message) *wire.Message {
	return fn(m)
}

// NewDelayOperator returns an operator that shifts every message's
// timestamp forward by delay.
func NewDelayOperator(delay vtime.Time) FilterOperator {
	return FilterFunc(func(m *wire.Message) *wire.Message {
		out := *m
		out.Time += delay
		return &out
	})
}

// NewRandomDelayOperator returns an operator that shifts each message's
// timestamp forward by a uniform random amount in [0, maxDelay].
func NewRandomDelayOperator(maxDelay vtime.Time, rng *rand.Rand) FilterOperator {
	return FilterFunc(func(m *wire.Message) *wire.Message {
		out := *m
		if maxDelay > 0 {
			out.Time += vtime.Time(rng.Int63n(int64(maxDelay) + 1))
		}
		return &out
	})
}

// NewRandomDropOperator returns an operator that drops each message with
// probability p.
func NewRandomDropOperator(p float64, rng *rand.Rand) FilterOperator {
	return FilterFunc(func(m *wire.Message) *wire.Message {
		if rng.Float64() < p {
			return nil
		}
		return m
	})
}

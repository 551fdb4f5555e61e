// Time coordination state owned by the broker router goroutine. Each
// broker aggregates the (requested-time, minimum-output-time) stream of
// its direct children -- hosted federates and child brokers -- and either
// grants (root) or forwards the aggregate toward the root.

package fed

import (
	"github.com/federation-sim/federation-sim/fed/vtime"
)

// childKey identifies a direct child of a broker in the time graph.
type childKey struct {
	broker bool
	id     int32
}

// childTime is the last reported time state of one child.
type childTime struct {
	participating bool // entered executing and not terminal
	pending       bool // has an unanswered time request
	requested     vtime.Time
	minOutput     vtime.Time
	iterating     bool
	converged     bool
	iteration     uint32
}

// bound is the earliest time at which the child could still emit an
// event. A child blocked in a time request cannot act before that
// request is satisfied, so its own requested time also bounds its
// output.
func (c *childTime) bound() vtime.Time {
	if c.pending {
		return vtime.MaxOf(c.requested, c.minOutput)
	}
	return c.minOutput
}

// timeCoordinator aggregates child time state for one broker.
type timeCoordinator struct {
	children map[childKey]*childTime
	sentUp   bool // not set by the router; non-root brokers forward the aggregate whenever every child is pending
}

func newTimeCoordinator() *timeCoordinator {
	return &timeCoordinator{children: make(map[childKey]*childTime)}
}

func (tc *timeCoordinator) ensure(key childKey) *childTime {
	ct, ok := tc.children[key]
	if !ok {
		ct = &childTime{}
		tc.children[key] = ct
	}
	return ct
}

// drop removes a finalized or errored child from coordination.
func (tc *timeCoordinator) drop(key childKey) {
	delete(tc.children, key)
}

// allPending reports whether every participating child has an
// outstanding request. Only then can a floor be computed safely.
func (tc *timeCoordinator) allPending() (bool, int) {
	n := 0
	for _, ct := range tc.children {
		if !ct.participating {
			continue
		}
		if !ct.pending {
			return false, 0
		}
		n++
	}
	return n > 0, n
}

// floor returns the federation-visible lower bound on future event
// times across all participating children.
func (tc *timeCoordinator) floor() vtime.Time {
	f := vtime.Max
	for _, ct := range tc.children {
		if !ct.participating {
			continue
		}
		f = vtime.Min(f, ct.bound())
	}
	return f
}

// aggregate builds the upward request for a non-root broker: the
// subtree's minimum requested time, output bound, and the AND of the
// convergence flags.
func (tc *timeCoordinator) aggregate() (requested, minOutput vtime.Time, iterating, converged bool) {
	requested = vtime.Max
	minOutput = vtime.Max
	converged = true
	for _, ct := range tc.children {
		if !ct.participating {
			continue
		}
		minOutput = vtime.Min(minOutput, ct.bound())
		if ct.pending {
			requested = vtime.Min(requested, ct.requested)
			if ct.iterating {
				iterating = true
			}
			if !ct.converged {
				converged = false
			}
		}
	}
	return requested, minOutput, iterating, converged
}

// allConverged reports whether every pending iterative child granted at
// time t reported local convergence this round.
func (tc *timeCoordinator) allConverged(t vtime.Time) bool {
	for _, ct := range tc.children {
		if !ct.participating || !ct.pending {
			continue
		}
		if ct.requested == t && ct.iterating && !ct.converged {
			return false
		}
	}
	return true
}

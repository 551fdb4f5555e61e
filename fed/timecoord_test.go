package fed

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/federation-sim/federation-sim/fed/vtime"
)

func TestChildBoundBlockedVsIdle(t *testing.T) {
	// a blocked child cannot emit before its own requested time
	blocked := &childTime{pending: true, requested: 5, minOutput: 1}
	assert.Equal(t, vtime.Time(5), blocked.bound())

	idle := &childTime{pending: false, requested: 5, minOutput: 1}
	assert.Equal(t, vtime.Time(1), idle.bound())
}

func TestFloorAndAllPending(t *testing.T) {
	tc := newTimeCoordinator()
	a := tc.ensure(fedKey(1))
	b := tc.ensure(fedKey(2))
	a.participating = true
	b.participating = true

	ok, _ := tc.allPending()
	assert.False(t, ok)

	a.pending, a.requested, a.minOutput = true, 3, 1
	ok, _ = tc.allPending()
	assert.False(t, ok)

	b.pending, b.requested, b.minOutput = true, 7, 2
	ok, n := tc.allPending()
	assert.True(t, ok)
	assert.Equal(t, 2, n)
	assert.Equal(t, vtime.Time(3), tc.floor())
}

func TestAggregateTakesSubtreeMinimum(t *testing.T) {
	tc := newTimeCoordinator()
	a := tc.ensure(fedKey(1))
	b := tc.ensure(fedKey(2))
	a.participating, a.pending = true, true
	a.requested, a.minOutput = 4, 6
	a.iterating, a.converged = true, true
	b.participating, b.pending = true, true
	b.requested, b.minOutput = 9, 2
	b.iterating, b.converged = true, false

	req, minOut, iterating, converged := tc.aggregate()
	assert.Equal(t, vtime.Time(4), req)
	assert.Equal(t, vtime.Time(6), minOut) // min over bounds: a=6, b=9
	assert.True(t, iterating)
	assert.False(t, converged)
}

func TestAllConvergedScopedToTime(t *testing.T) {
	tc := newTimeCoordinator()
	a := tc.ensure(fedKey(1))
	b := tc.ensure(fedKey(2))
	a.participating, a.pending, a.iterating = true, true, true
	a.requested, a.converged = 2, true
	b.participating, b.pending, b.iterating = true, true, true
	b.requested, b.converged = 2, false

	assert.False(t, tc.allConverged(2))
	b.converged = true
	assert.True(t, tc.allConverged(2))

	// a non-iterating child never vetoes convergence
	c := tc.ensure(fedKey(3))
	c.participating, c.pending = true, true
	c.requested = 2
	assert.True(t, tc.allConverged(2))
}

func TestDropRemovesChild(t *testing.T) {
	tc := newTimeCoordinator()
	a := tc.ensure(fedKey(1))
	a.participating, a.pending = true, true
	a.requested, a.minOutput = 5, 5
	tc.drop(fedKey(1))
	ok, _ := tc.allPending()
	assert.False(t, ok)
}

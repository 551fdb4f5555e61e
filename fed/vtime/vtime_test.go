package vtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversions(t *testing.T) {
	assert.Equal(t, Time(1_500_000_000), FromSeconds(1.5))
	assert.Equal(t, 1.5, FromSeconds(1.5).Seconds())
	assert.Equal(t, Time(42), FromNanoseconds(42))
	assert.Equal(t, int64(42), Time(42).Nanoseconds())
}

func TestOrderingAndSentinels(t *testing.T) {
	assert.True(t, Zero < Epsilon)
	assert.True(t, Epsilon < Max)
	assert.Equal(t, Time(0), Zero+Zero)
	assert.Equal(t, Epsilon, Zero+Epsilon)

	assert.Equal(t, Time(3), Min(3, 5))
	assert.Equal(t, Time(5), MaxOf(3, 5))
	assert.Equal(t, Max, MaxOf(Max, 5))
}

func TestString(t *testing.T) {
	assert.Equal(t, "maxTime", Max.String())
	assert.Equal(t, "1e-09s", Epsilon.String())
}

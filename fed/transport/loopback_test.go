package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federation-sim/federation-sim/fed/wire"
)

func TestLoopbackRoundTrip(t *testing.T) {
	x := NewExchange()

	var got []wire.ActionMessage
	receiver := NewLoopback(x, "receiver", func(m wire.ActionMessage) {
		got = append(got, m)
	})
	require.NoError(t, receiver.Connect())
	defer receiver.Disconnect()

	sender := NewLoopback(x, "sender", nil)
	require.NoError(t, sender.Connect())
	defer sender.Disconnect()
	require.NoError(t, sender.AddRoute(0, "receiver"))

	m := wire.NewAction(wire.CmdInitRequest)
	m.SourceID = 4
	require.NoError(t, sender.Transmit(0, m))

	require.Len(t, got, 1)
	assert.Equal(t, int32(4), got[0].SourceID)
	assert.Equal(t, "sender", sender.Address())
}

func TestLoopbackUnknownRoute(t *testing.T) {
	x := NewExchange()
	l := NewLoopback(x, "solo", nil)
	require.NoError(t, l.Connect())
	defer l.Disconnect()

	err := l.Transmit(9, wire.NewAction(wire.CmdLog))
	assert.Error(t, err)

	require.NoError(t, l.AddRoute(9, "nobody"))
	err = l.Transmit(9, wire.NewAction(wire.CmdLog))
	assert.Error(t, err)
}

func TestLoopbackDuplicateAddress(t *testing.T) {
	x := NewExchange()
	first := NewLoopback(x, "same", func(wire.ActionMessage) {})
	require.NoError(t, first.Connect())
	defer first.Disconnect()

	second := NewLoopback(x, "same", func(wire.ActionMessage) {})
	assert.Error(t, second.Connect())
}

func TestLoopbackDisconnectIdempotent(t *testing.T) {
	x := NewExchange()
	l := NewLoopback(x, "here", func(wire.ActionMessage) {})
	require.NoError(t, l.Connect())
	l.Disconnect()
	l.Disconnect()

	// the address is free again
	again := NewLoopback(x, "here", func(wire.ActionMessage) {})
	require.NoError(t, again.Connect())
	again.Disconnect()
}

package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federation-sim/federation-sim/fed/wire"
)

func TestTCPRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var got []wire.ActionMessage

	server := NewTCP("127.0.0.1:0", func(m wire.ActionMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, server.Connect())
	defer server.Disconnect()

	client := NewTCP("127.0.0.1:0", func(wire.ActionMessage) {})
	require.NoError(t, client.Connect())
	defer client.Disconnect()
	require.NoError(t, client.AddRoute(0, server.Address()))

	m := wire.NewAction(wire.CmdSendMessage)
	m.Payload = "over-tcp"
	m.Data = []byte{1, 2, 3}
	require.NoError(t, client.Transmit(0, m))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message did not arrive over TCP")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "over-tcp", got[0].Payload)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Data)
}

func TestTCPUnknownRoute(t *testing.T) {
	tr := NewTCP("127.0.0.1:0", func(wire.ActionMessage) {})
	require.NoError(t, tr.Connect())
	defer tr.Disconnect()

	err := tr.Transmit(3, wire.NewAction(wire.CmdLog))
	assert.Error(t, err)
}

func TestTCPTransmitAfterDisconnect(t *testing.T) {
	tr := NewTCP("127.0.0.1:0", func(wire.ActionMessage) {})
	require.NoError(t, tr.Connect())
	tr.Disconnect()

	err := tr.Transmit(0, wire.NewAction(wire.CmdLog))
	assert.Error(t, err)
}

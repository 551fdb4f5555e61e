package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAction() ActionMessage {
	m := NewAction(CmdSendMessage)
	m.SourceID = 3
	m.DestID = 9
	m.SourceHandle = 12
	m.DestHandle = 14
	m.RouteID = 2
	m.Time = 1_000_000_001
	m.Flags = FlagIterative | FlagIterationConverged
	m.Payload = "dest-endpoint"
	m.Data = []byte{0xde, 0xad, 0xbe, 0xef}
	return m
}

func TestActionRoundTrip(t *testing.T) {
	m := sampleAction()
	got, err := Unmarshal(m.Marshal())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestActionWireLayout(t *testing.T) {
	// command byte first, then little-endian source id
	m := sampleAction()
	raw := m.Marshal()
	assert.Equal(t, byte(CmdSendMessage), raw[0])
	assert.Equal(t, byte(3), raw[1])
	assert.Equal(t, byte(0), raw[2])
}

func TestUnmarshalTruncated(t *testing.T) {
	raw := sampleAction().Marshal()
	for _, cut := range []int{0, 5, len(raw) - 1} {
		_, err := Unmarshal(raw[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}

func TestStreamReadWrite(t *testing.T) {
	var buf bytes.Buffer
	first := sampleAction()
	second := NewAction(CmdTimeRequest)
	second.Time = 77
	require.NoError(t, WriteAction(&buf, first))
	require.NoError(t, WriteAction(&buf, second))

	r := bufio.NewReader(&buf)
	got1, err := ReadAction(r)
	require.NoError(t, err)
	got2, err := ReadAction(r)
	require.NoError(t, err)
	assert.Equal(t, first, got1)
	assert.Equal(t, second, got2)

	_, err = ReadAction(r)
	assert.Error(t, err) // clean EOF surfaces as an error to the caller
}

func TestMessagePayloadRoundTrip(t *testing.T) {
	m := Message{
		Source:         "a",
		Destination:    "b",
		OriginalSource: "a",
		Time:           5,
		Data:           []byte("hello"),
	}
	got, err := UnmarshalMessage(MarshalMessage(m))
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = UnmarshalMessage([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestTimeRequestPayloadRoundTrip(t *testing.T) {
	info := TimeRequestInfo{MinOutput: 123, Iteration: 4}
	got, err := UnmarshalTimeRequest(MarshalTimeRequest(info))
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestPriorityClassification(t *testing.T) {
	assert.True(t, CmdRegisterFederate.IsPriority())
	assert.True(t, CmdInitRequest.IsPriority())
	assert.True(t, CmdDisconnect.IsPriority())
	assert.False(t, CmdTimeRequest.IsPriority())
	assert.False(t, CmdSendMessage.IsPriority())
	assert.False(t, CmdInitGrant.IsPriority())
}

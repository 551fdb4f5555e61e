package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/federation-sim/federation-sim/fed/vtime"
)

// The binary payload of a CmdSendMessage action carries a full Message;
// the payload of a CmdTimeRequest carries the auxiliary time-coordination
// fields that do not fit the fixed header.

// MarshalMessage encodes m for embedding in ActionMessage.Data.
func MarshalMessage(m Message) []byte {
	buf := make([]byte, 0, 8+12+len(m.Source)+len(m.Destination)+len(m.OriginalSource)+8+len(m.Data))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Time.Nanoseconds()))
	for _, s := range [3]string{m.Source, m.Destination, m.OriginalSource} {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(m.Data)))
	buf = append(buf, m.Data...)
	return buf
}

// UnmarshalMessage decodes a payload produced by MarshalMessage.
func UnmarshalMessage(b []byte) (Message, error) {
	var m Message
	if len(b) < 8 {
		return m, fmt.Errorf("wire: short message payload")
	}
	m.Time = vtime.FromNanoseconds(int64(binary.LittleEndian.Uint64(b)))
	off := 8
	strs := [3]*string{&m.Source, &m.Destination, &m.OriginalSource}
	for _, p := range strs {
		if off+4 > len(b) {
			return m, fmt.Errorf("wire: truncated message payload")
		}
		n := int(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		if off+n > len(b) {
			return m, fmt.Errorf("wire: truncated message payload")
		}
		*p = string(b[off : off+n])
		off += n
	}
	if off+8 > len(b) {
		return m, fmt.Errorf("wire: truncated message payload")
	}
	n := int(binary.LittleEndian.Uint64(b[off:]))
	off += 8
	if off+n > len(b) {
		return m, fmt.Errorf("wire: truncated message payload")
	}
	if n > 0 {
		m.Data = append([]byte(nil), b[off:off+n]...)
	}
	return m, nil
}

// TimeRequestInfo carries the fields of a time request beyond the
// requested time in the header: the sender's minimum possible output
// time and the iteration count.
type TimeRequestInfo struct {
	MinOutput vtime.Time
	Iteration uint32
}

// MarshalTimeRequest encodes info for ActionMessage.Data.
func MarshalTimeRequest(info TimeRequestInfo) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf, uint64(info.MinOutput.Nanoseconds()))
	binary.LittleEndian.PutUint32(buf[8:], info.Iteration)
	return buf
}

// UnmarshalTimeRequest decodes a payload produced by MarshalTimeRequest.
func UnmarshalTimeRequest(b []byte) (TimeRequestInfo, error) {
	if len(b) < 12 {
		return TimeRequestInfo{}, fmt.Errorf("wire: short time-request payload")
	}
	return TimeRequestInfo{
		MinOutput: vtime.FromNanoseconds(int64(binary.LittleEndian.Uint64(b))),
		Iteration: binary.LittleEndian.Uint32(b[8:]),
	}, nil
}

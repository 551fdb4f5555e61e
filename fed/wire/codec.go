package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/federation-sim/federation-sim/fed/vtime"
)

// Wire layout, all integers little-endian:
//
//	command   1 byte
//	source-fed-id, dest-fed-id, source-handle, dest-handle, route-id  5 × i32
//	time      i64, unit 1e-9 s of simulated time
//	flags     u32
//	payload   u32 length prefix + bytes (string)
//	data      u64 length prefix + bytes (binary)
const headerLen = 1 + 5*4 + 8 + 4

// Marshal encodes m into its transport representation.
func (m ActionMessage) Marshal() []byte {
	buf := make([]byte, 0, headerLen+4+len(m.Payload)+8+len(m.Data))
	buf = append(buf, byte(m.Cmd))
	for _, v := range [5]int32{m.SourceID, m.DestID, m.SourceHandle, m.DestHandle, m.RouteID} {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Time.Nanoseconds()))
	buf = binary.LittleEndian.AppendUint32(buf, m.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(m.Data)))
	buf = append(buf, m.Data...)
	return buf
}

// Unmarshal decodes a transport representation produced by Marshal.
// Truncated or oversized input yields an error, never a panic.
func Unmarshal(b []byte) (ActionMessage, error) {
	var m ActionMessage
	if len(b) < headerLen+4 {
		return m, fmt.Errorf("wire: short action message: %d bytes", len(b))
	}
	m.Cmd = Command(b[0])
	off := 1
	ints := [5]*int32{&m.SourceID, &m.DestID, &m.SourceHandle, &m.DestHandle, &m.RouteID}
	for _, p := range ints {
		*p = int32(binary.LittleEndian.Uint32(b[off:]))
		off += 4
	}
	m.Time = vtime.FromNanoseconds(int64(binary.LittleEndian.Uint64(b[off:])))
	off += 8
	m.Flags = binary.LittleEndian.Uint32(b[off:])
	off += 4

	strLen := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if off+strLen > len(b) {
		return m, fmt.Errorf("wire: payload length %d exceeds message size", strLen)
	}
	m.Payload = string(b[off : off+strLen])
	off += strLen

	if off+8 > len(b) {
		return m, fmt.Errorf("wire: missing data length prefix")
	}
	dataLen := binary.LittleEndian.Uint64(b[off:])
	off += 8
	if dataLen > uint64(len(b)-off) {
		return m, fmt.Errorf("wire: data length %d exceeds message size", dataLen)
	}
	if dataLen > 0 {
		m.Data = append([]byte(nil), b[off:off+int(dataLen)]...)
	}
	return m, nil
}

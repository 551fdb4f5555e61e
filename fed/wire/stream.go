package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/federation-sim/federation-sim/fed/vtime"
)

// maxPayload bounds decoded payload sizes when reading from a stream so
// a corrupt length prefix cannot drive an allocation of arbitrary size.
const maxPayload = 1 << 28

// WriteAction writes the transport representation of m to w.
func WriteAction(w io.Writer, m ActionMessage) error {
	_, err := w.Write(m.Marshal())
	return err
}

// ReadAction reads one action message from a stream written by
// WriteAction. It returns io.EOF cleanly at end of stream.
func ReadAction(r *bufio.Reader) (ActionMessage, error) {
	var m ActionMessage

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return m, fmt.Errorf("wire: truncated action header: %w", err)
		}
		return m, err
	}
	m.Cmd = Command(header[0])
	off := 1
	ints := [5]*int32{&m.SourceID, &m.DestID, &m.SourceHandle, &m.DestHandle, &m.RouteID}
	for _, p := range ints {
		*p = int32(binary.LittleEndian.Uint32(header[off:]))
		off += 4
	}
	m.Time = vtime.FromNanoseconds(int64(binary.LittleEndian.Uint64(header[off:])))
	off += 8
	m.Flags = binary.LittleEndian.Uint32(header[off:])

	strLen, err := readLen32(r)
	if err != nil {
		return m, err
	}
	payload := make([]byte, strLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return m, fmt.Errorf("wire: truncated string payload: %w", err)
	}
	m.Payload = string(payload)

	dataLen, err := readLen64(r)
	if err != nil {
		return m, err
	}
	if dataLen > 0 {
		m.Data = make([]byte, dataLen)
		if _, err := io.ReadFull(r, m.Data); err != nil {
			return m, fmt.Errorf("wire: truncated binary payload: %w", err)
		}
	}
	return m, nil
}

func readLen32(r *bufio.Reader) (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: truncated length prefix: %w", err)
	}
	n := binary.LittleEndian.Uint32(b[:])
	if n > maxPayload {
		return 0, fmt.Errorf("wire: payload length %d exceeds limit", n)
	}
	return int(n), nil
}

func readLen64(r *bufio.Reader) (int, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: truncated length prefix: %w", err)
	}
	n := binary.LittleEndian.Uint64(b[:])
	if n > maxPayload {
		return 0, fmt.Errorf("wire: payload length %d exceeds limit", n)
	}
	return int(n), nil
}

// internal/modbus/mbap.go
package modbus

import (
	"encoding/binary"

	mb "github.com/goburrow/modbus"
)

// MBAPHeaderLength is the size of the transaction header used on the
// TCP/UDP side: transaction id, protocol id and payload length, two bytes
// each, big endian.
const MBAPHeaderLength = 6

// MaxTCPFrameLength bounds a header plus payload on the network side.
const MaxTCPFrameLength = 260

// Header is the decoded network-side transaction header.
type Header struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
}

// ParseHeader decodes the first MBAPHeaderLength bytes of frame.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < MBAPHeaderLength {
		return Header{}, protocolErrorf("frame shorter than header: %d bytes", len(frame))
	}
	return Header{
		TransactionID: binary.BigEndian.Uint16(frame[0:]),
		ProtocolID:    binary.BigEndian.Uint16(frame[2:]),
		Length:        binary.BigEndian.Uint16(frame[4:]),
	}, nil
}

// TCPToRTU validates a network frame and returns its transaction id and the
// RTU payload (unit id, function code and data) without CRC. The protocol
// id must be zero and the length field must equal the payload length.
func TCPToRTU(frame []byte) (uint16, []byte, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return 0, nil, err
	}
	if h.ProtocolID != 0 {
		return 0, nil, protocolErrorf("protocol id %d", h.ProtocolID)
	}
	if len(frame) > MaxTCPFrameLength {
		return 0, nil, protocolErrorf("frame too long: %d bytes", len(frame))
	}
	if _, err := new(mb.TCPClientHandler).Decode(frame); err != nil {
		return 0, nil, protocolErrorf("%v", err)
	}
	out := make([]byte, len(frame)-MBAPHeaderLength)
	copy(out, frame[MBAPHeaderLength:])
	return h.TransactionID, out, nil
}

// RTUToTCP prepends the network header for transaction txid to an RTU
// payload (CRC already stripped). The payload must hold at least the unit
// id and function code.
func RTUToTCP(payload []byte, txid uint16) []byte {
	if len(payload) < 2 {
		return nil
	}
	h := new(mb.TCPClientHandler)
	h.SlaveId = payload[0]
	frame, _ := h.Encode(&mb.ProtocolDataUnit{FunctionCode: payload[1], Data: payload[2:]})
	// the packager numbers its own transactions
	binary.BigEndian.PutUint16(frame, txid)
	return frame
}

// FrameLength returns the total length of the network frame starting at
// buf, or 0 when the header is not complete yet.
func FrameLength(buf []byte) int {
	if len(buf) < MBAPHeaderLength {
		return 0
	}
	return MBAPHeaderLength + int(binary.BigEndian.Uint16(buf[4:]))
}

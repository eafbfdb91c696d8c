// internal/modbus/rtu.go
package modbus

import (
	mb "github.com/goburrow/modbus"
)

const (
	// RTUMinFrameLength is unit id, function code and the two CRC bytes.
	RTUMinFrameLength = 4
	// RTUMaxFrameLength is the largest RTU ADU.
	RTUMaxFrameLength = 256
	// RTUExceptionLength is the length of an exception reply.
	RTUExceptionLength = 5
)

// rtuPackager returns a goburrow RTU packager addressing unit. Only its
// Encode/Decode half is used; the serial transport stays ours.
func rtuPackager(unit byte) *mb.RTUClientHandler {
	h := &mb.RTUClientHandler{}
	h.SlaveId = unit
	return h
}

// EncodeRTU builds a complete RTU frame for unit and pdu.
func EncodeRTU(unit byte, pdu PDU) ([]byte, error) {
	frame, err := rtuPackager(unit).Encode(&mb.ProtocolDataUnit{
		FunctionCode: pdu.FunctionCode,
		Data:         pdu.Data,
	})
	if err != nil {
		return nil, serializeErrorf("%v", err)
	}
	return frame, nil
}

// DecodeRTU verifies the CRC and splits an RTU frame into unit id and PDU.
func DecodeRTU(frame []byte) (byte, PDU, error) {
	payload, err := StripCRC(frame)
	if err != nil {
		return 0, PDU{}, err
	}
	data := make([]byte, len(payload)-2)
	copy(data, payload[2:])
	return payload[0], PDU{FunctionCode: payload[1], Data: data}, nil
}

// AppendCRC returns payload (unit id, function code and data) followed by
// its CRC16 trailer, low byte first. A payload shorter than two bytes or
// longer than an RTU frame allows yields nil.
func AppendCRC(payload []byte) []byte {
	if len(payload) < 2 {
		return nil
	}
	frame, err := EncodeRTU(payload[0], PDU{FunctionCode: payload[1], Data: payload[2:]})
	if err != nil {
		return nil
	}
	return frame
}

// StripCRC verifies the CRC16 trailer of an RTU frame and returns the
// payload (unit id, function code and data) without it.
func StripCRC(frame []byte) ([]byte, error) {
	if len(frame) < RTUMinFrameLength {
		return nil, protocolErrorf("rtu frame too short: %d bytes", len(frame))
	}
	if len(frame) > RTUMaxFrameLength {
		return nil, protocolErrorf("rtu frame too long: %d bytes", len(frame))
	}
	if _, err := rtuPackager(frame[0]).Decode(frame); err != nil {
		return nil, protocolErrorf("%v", err)
	}
	return frame[:len(frame)-2], nil
}

// IsException reports whether an RTU payload or frame carries an exception
// function code.
func IsException(payload []byte) bool {
	return len(payload) >= 2 && payload[1]&ExceptionBit != 0
}

// FrameComplete reports whether buf holds a whole RTU reply to req. It is
// used to stop reading early instead of waiting for the byte gap.
func FrameComplete(req PDU, buf []byte) bool {
	if len(buf) >= 2 && buf[1] == req.FunctionCode|ExceptionBit {
		return len(buf) >= RTUExceptionLength
	}
	want := ExpectedResponseLength(req)
	return want > 0 && len(buf) >= want
}

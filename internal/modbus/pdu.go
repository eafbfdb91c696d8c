// internal/modbus/pdu.go
package modbus

import (
	"encoding/binary"

	mb "github.com/goburrow/modbus"
)

// PDU is a function code plus its data, without unit id or framing.
type PDU = mb.ProtocolDataUnit

const (
	// ExceptionBit is set on the function code of an exception response.
	ExceptionBit byte = 0x80

	// MaxReadRegisters is the largest register quantity one read may ask for.
	MaxReadRegisters = 125
	// MaxReadBits is the largest coil/discrete quantity one read may ask for.
	MaxReadBits = 2000
	// MaxWriteRegisters is the largest quantity for a write multiple registers.
	MaxWriteRegisters = 123
)

// IsReadFunction reports whether fc is one of the four read functions the
// poller supports.
func IsReadFunction(fc byte) bool {
	switch fc {
	case mb.FuncCodeReadCoils, mb.FuncCodeReadDiscreteInputs,
		mb.FuncCodeReadHoldingRegisters, mb.FuncCodeReadInputRegisters:
		return true
	}
	return false
}

// TableFunction returns the read function of the data table fc addresses,
// so a write can be matched with the nodes reading the same registers.
func TableFunction(fc byte) (byte, bool) {
	switch fc {
	case mb.FuncCodeReadCoils, mb.FuncCodeWriteSingleCoil, mb.FuncCodeWriteMultipleCoils:
		return mb.FuncCodeReadCoils, true
	case mb.FuncCodeReadDiscreteInputs:
		return mb.FuncCodeReadDiscreteInputs, true
	case mb.FuncCodeReadHoldingRegisters, mb.FuncCodeWriteSingleRegister, mb.FuncCodeWriteMultipleRegisters:
		return mb.FuncCodeReadHoldingRegisters, true
	case mb.FuncCodeReadInputRegisters:
		return mb.FuncCodeReadInputRegisters, true
	}
	return 0, false
}

// IsBitFunction reports whether fc reads single bits (coils or discrete inputs).
func IsBitFunction(fc byte) bool {
	return fc == mb.FuncCodeReadCoils || fc == mb.FuncCodeReadDiscreteInputs
}

// ReadRequest builds a read PDU for function 1, 2, 3 or 4.
func ReadRequest(fc byte, address, quantity uint16) (PDU, error) {
	if !IsReadFunction(fc) {
		return PDU{}, serializeErrorf("unsupported read function %d", fc)
	}
	limit := uint16(MaxReadRegisters)
	if IsBitFunction(fc) {
		limit = MaxReadBits
	}
	if quantity == 0 || quantity > limit {
		return PDU{}, serializeErrorf("quantity %d out of range 1..%d", quantity, limit)
	}
	return PDU{FunctionCode: fc, Data: dataBlock(address, quantity)}, nil
}

// WriteSingleCoilRequest builds a function 5 PDU.
func WriteSingleCoilRequest(address uint16, on bool) PDU {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	return PDU{FunctionCode: mb.FuncCodeWriteSingleCoil, Data: dataBlock(address, value)}
}

// WriteSingleRegisterRequest builds a function 6 PDU.
func WriteSingleRegisterRequest(address, value uint16) PDU {
	return PDU{FunctionCode: mb.FuncCodeWriteSingleRegister, Data: dataBlock(address, value)}
}

// WriteMultipleRegistersRequest builds a function 16 PDU.
func WriteMultipleRegistersRequest(address uint16, values []uint16) (PDU, error) {
	if len(values) == 0 || len(values) > MaxWriteRegisters {
		return PDU{}, serializeErrorf("register count %d out of range 1..%d", len(values), MaxWriteRegisters)
	}
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return PDU{FunctionCode: mb.FuncCodeWriteMultipleRegisters, Data: data}, nil
}

// CheckResponse verifies that resp answers req. Exception responses are
// returned as errors matching ErrProtocol.
func CheckResponse(req, resp PDU) error {
	if resp.FunctionCode == req.FunctionCode|ExceptionBit {
		if len(resp.Data) < 1 {
			return protocolErrorf("exception response without code")
		}
		return NewException(req.FunctionCode, resp.Data[0])
	}
	if resp.FunctionCode != req.FunctionCode {
		return protocolErrorf("function code mismatch: got %d, want %d", resp.FunctionCode, req.FunctionCode)
	}
	return nil
}

// ParseReadResponse validates a read response and unpacks it into quantity
// values. Register reads give one word per register. Bit reads give one
// entry per bit, 0 or 1.
func ParseReadResponse(req, resp PDU, quantity uint16) ([]uint16, error) {
	if err := CheckResponse(req, resp); err != nil {
		return nil, err
	}
	if len(resp.Data) < 1 {
		return nil, protocolErrorf("empty read response")
	}
	count := int(resp.Data[0])
	payload := resp.Data[1:]
	if len(payload) != count {
		return nil, protocolErrorf("byte count %d does not match payload length %d", count, len(payload))
	}

	out := make([]uint16, quantity)
	if IsBitFunction(req.FunctionCode) {
		if count != (int(quantity)+7)/8 {
			return nil, protocolErrorf("byte count %d for %d bits", count, quantity)
		}
		for i := range out {
			if payload[i/8]&(1<<(uint(i)%8)) != 0 {
				out[i] = 1
			}
		}
		return out, nil
	}

	if count != 2*int(quantity) {
		return nil, protocolErrorf("byte count %d for %d registers", count, quantity)
	}
	for i := range out {
		out[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return out, nil
}

// ParseWriteResponse validates the echo returned for functions 5, 6 and 16.
func ParseWriteResponse(req, resp PDU) error {
	if err := CheckResponse(req, resp); err != nil {
		return err
	}
	if len(resp.Data) != 4 {
		return protocolErrorf("write response length %d", len(resp.Data))
	}
	if len(req.Data) >= 4 && binary.BigEndian.Uint16(resp.Data) != binary.BigEndian.Uint16(req.Data) {
		return protocolErrorf("write response address mismatch")
	}
	return nil
}

// ExpectedResponseLength returns the RTU frame length (unit, function, data
// and CRC) of a normal reply to req, or 0 when it cannot be predicted.
func ExpectedResponseLength(req PDU) int {
	switch req.FunctionCode {
	case mb.FuncCodeReadCoils, mb.FuncCodeReadDiscreteInputs:
		if len(req.Data) < 4 {
			return 0
		}
		n := binary.BigEndian.Uint16(req.Data[2:])
		return 5 + int(n+7)/8
	case mb.FuncCodeReadHoldingRegisters, mb.FuncCodeReadInputRegisters:
		if len(req.Data) < 4 {
			return 0
		}
		n := binary.BigEndian.Uint16(req.Data[2:])
		return 5 + 2*int(n)
	case mb.FuncCodeWriteSingleCoil, mb.FuncCodeWriteSingleRegister, mb.FuncCodeWriteMultipleRegisters:
		return 8
	}
	return 0
}

func dataBlock(values ...uint16) []byte {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[2*i:], v)
	}
	return data
}

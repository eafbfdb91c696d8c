// internal/modbus/value.go
package modbus

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Value is a decoded node value tagged with its data type.
type Value struct {
	typ  DataType
	bits uint64
}

// BoolValue returns a bool value.
func BoolValue(b bool) Value {
	if b {
		return Value{typ: TypeBool, bits: 1}
	}
	return Value{typ: TypeBool}
}

// IntValue returns a signed value of dt, truncated to its width.
func IntValue(dt DataType, i int64) Value {
	switch dt {
	case TypeInt8:
		i = int64(int8(i))
	case TypeInt16:
		i = int64(int16(i))
	case TypeInt32ABCD, TypeInt32CDAB:
		i = int64(int32(i))
	}
	return Value{typ: dt, bits: uint64(i)}
}

// UintValue returns an unsigned value of dt, truncated to its width.
func UintValue(dt DataType, u uint64) Value {
	switch dt {
	case TypeUint8:
		u = uint64(uint8(u))
	case TypeUint16:
		u = uint64(uint16(u))
	case TypeUint32ABCD, TypeUint32CDAB:
		u = uint64(uint32(u))
	}
	return Value{typ: dt, bits: u}
}

// FloatValue returns a floating point value of dt. float32 types are
// rounded to single precision.
func FloatValue(dt DataType, f float64) Value {
	if dt == TypeFloat32ABCD || dt == TypeFloat32CDAB {
		f = float64(float32(f))
	}
	return Value{typ: dt, bits: math.Float64bits(f)}
}

// NumberValue converts f to a value of dt, truncating toward zero for
// integer types.
func NumberValue(dt DataType, f float64) Value {
	switch dt.Kind() {
	case KindBool:
		return BoolValue(f != 0)
	case KindInt:
		return IntValue(dt, int64(f))
	case KindUint:
		return UintValue(dt, uint64(f))
	default:
		return FloatValue(dt, f)
	}
}

func (v Value) Type() DataType { return v.typ }

func (v Value) Bool() bool { return v.bits != 0 }

func (v Value) Int() int64 { return int64(v.bits) }

func (v Value) Uint() uint64 { return v.bits }

// Float64 returns the value widened to float64, the representation used by
// the node value query.
func (v Value) Float64() float64 {
	switch v.typ.Kind() {
	case KindBool:
		if v.bits != 0 {
			return 1
		}
		return 0
	case KindInt:
		return float64(int64(v.bits))
	case KindUint:
		return float64(v.bits)
	default:
		return math.Float64frombits(v.bits)
	}
}

// Interface returns the value as a plain Go value.
func (v Value) Interface() interface{} {
	switch v.typ.Kind() {
	case KindBool:
		return v.bits != 0
	case KindInt:
		return int64(v.bits)
	case KindUint:
		return v.bits
	default:
		return math.Float64frombits(v.bits)
	}
}

// Equal reports whether both values have the same type and payload.
func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && v.bits == o.bits
}

func (v Value) String() string {
	switch v.typ.Kind() {
	case KindBool:
		return strconv.FormatBool(v.bits != 0)
	case KindInt:
		return strconv.FormatInt(int64(v.bits), 10)
	case KindUint:
		return strconv.FormatUint(v.bits, 10)
	default:
		return strconv.FormatFloat(math.Float64frombits(v.bits), 'g', -1, 64)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.typ.Kind() == KindFloat {
		f := math.Float64frombits(v.bits)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return []byte("null"), nil
		}
	}
	return json.Marshal(v.Interface())
}

// DecodeRegisters decodes the first RegisterWidth(dt) words of regs.
func DecodeRegisters(dt DataType, regs []uint16) (Value, error) {
	width := RegisterWidth(dt)
	if len(regs) < width {
		return Value{}, fmt.Errorf("%w: %s needs %d registers, have %d", ErrInvalid, dt, width, len(regs))
	}
	switch dt {
	case TypeBool:
		return BoolValue(regs[0] != 0), nil
	case TypeInt8:
		return IntValue(dt, int64(int8(regs[0]))), nil
	case TypeUint8:
		return UintValue(dt, uint64(uint8(regs[0]))), nil
	case TypeInt16:
		return IntValue(dt, int64(int16(regs[0]))), nil
	case TypeUint16:
		return UintValue(dt, uint64(regs[0])), nil
	case TypeInt32ABCD, TypeInt32CDAB:
		return IntValue(dt, int64(int32(join32(dt, regs)))), nil
	case TypeUint32ABCD, TypeUint32CDAB:
		return UintValue(dt, uint64(join32(dt, regs))), nil
	case TypeFloat32ABCD, TypeFloat32CDAB:
		return FloatValue(dt, float64(math.Float32frombits(join32(dt, regs)))), nil
	case TypeFloat64:
		u := uint64(regs[0])<<48 | uint64(regs[1])<<32 | uint64(regs[2])<<16 | uint64(regs[3])
		return FloatValue(dt, math.Float64frombits(u)), nil
	}
	return Value{}, fmt.Errorf("%w: unknown data type %d", ErrInvalid, uint8(dt))
}

// DecodeBit decodes a coil or discrete input entry. Any non-zero entry is
// true; non-bool types receive 0 or 1.
func DecodeBit(dt DataType, bit uint16) Value {
	on := bit != 0
	if dt == TypeBool {
		return BoolValue(on)
	}
	if on {
		return NumberValue(dt, 1)
	}
	return NumberValue(dt, 0)
}

// EncodeRegisters is the inverse of DecodeRegisters.
func EncodeRegisters(v Value) []uint16 {
	dt := v.typ
	switch dt {
	case TypeBool:
		if v.bits != 0 {
			return []uint16{1}
		}
		return []uint16{0}
	case TypeInt8, TypeUint8:
		return []uint16{uint16(uint8(v.bits))}
	case TypeInt16, TypeUint16:
		return []uint16{uint16(v.bits)}
	case TypeInt32ABCD, TypeInt32CDAB, TypeUint32ABCD, TypeUint32CDAB:
		return split32(dt, uint32(v.bits))
	case TypeFloat32ABCD, TypeFloat32CDAB:
		return split32(dt, math.Float32bits(float32(math.Float64frombits(v.bits))))
	case TypeFloat64:
		u := v.bits
		return []uint16{uint16(u >> 48), uint16(u >> 32), uint16(u >> 16), uint16(u)}
	}
	return nil
}

func join32(dt DataType, regs []uint16) uint32 {
	if dt.swapped() {
		return uint32(regs[1])<<16 | uint32(regs[0])
	}
	return uint32(regs[0])<<16 | uint32(regs[1])
}

func split32(dt DataType, u uint32) []uint16 {
	hi, lo := uint16(u>>16), uint16(u)
	if dt.swapped() {
		return []uint16{lo, hi}
	}
	return []uint16{hi, lo}
}

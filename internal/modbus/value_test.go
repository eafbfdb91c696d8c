package modbus

import (
	"errors"
	"math"
	"testing"
)

func TestRegisterWidth(t *testing.T) {
	tests := []struct {
		dt   DataType
		want int
	}{
		{TypeBool, 1},
		{TypeInt8, 1},
		{TypeUint8, 1},
		{TypeInt16, 1},
		{TypeUint16, 1},
		{TypeInt32ABCD, 2},
		{TypeUint32CDAB, 2},
		{TypeFloat32ABCD, 2},
		{TypeFloat32CDAB, 2},
		{TypeFloat64, 4},
	}
	for _, tt := range tests {
		if got := RegisterWidth(tt.dt); got != tt.want {
			t.Errorf("RegisterWidth(%s) = %d, want %d", tt.dt, got, tt.want)
		}
	}
}

func TestDecodeFloat32WordOrder(t *testing.T) {
	want := float64(float32(123.456))

	abcd, err := DecodeRegisters(TypeFloat32ABCD, []uint16{0x42F6, 0xE979})
	if err != nil {
		t.Fatalf("decode abcd: %v", err)
	}
	if abcd.Float64() != want {
		t.Fatalf("abcd = %v, want %v", abcd.Float64(), want)
	}

	cdab, err := DecodeRegisters(TypeFloat32CDAB, []uint16{0xE979, 0x42F6})
	if err != nil {
		t.Fatalf("decode cdab: %v", err)
	}
	if cdab.Float64() != want {
		t.Fatalf("cdab = %v, want %v", cdab.Float64(), want)
	}

	// Same words, wrong order: must not decode to the same number.
	wrong, _ := DecodeRegisters(TypeFloat32CDAB, []uint16{0x42F6, 0xE979})
	if wrong.Float64() == want {
		t.Fatalf("cdab decode ignored word order")
	}
}

func TestDecodeIntegers(t *testing.T) {
	tests := []struct {
		name string
		dt   DataType
		regs []uint16
		want float64
	}{
		{"bool zero", TypeBool, []uint16{0}, 0},
		{"bool nonzero", TypeBool, []uint16{0x0100}, 1},
		{"int8 low byte", TypeInt8, []uint16{0x12FF}, -1},
		{"uint8 low byte", TypeUint8, []uint16{0x12FF}, 255},
		{"int16 negative", TypeInt16, []uint16{0xFFFE}, -2},
		{"uint16", TypeUint16, []uint16{0xFFFE}, 65534},
		{"int32 abcd", TypeInt32ABCD, []uint16{0xFFFF, 0xFFFF}, -1},
		{"uint32 abcd", TypeUint32ABCD, []uint16{0x0001, 0x0002}, 65538},
		{"uint32 cdab", TypeUint32CDAB, []uint16{0x0002, 0x0001}, 65538},
		{"int32 cdab", TypeInt32CDAB, []uint16{0xFFF6, 0xFFFF}, -10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := DecodeRegisters(tt.dt, tt.regs)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if v.Float64() != tt.want {
				t.Fatalf("got %v, want %v", v.Float64(), tt.want)
			}
		})
	}
}

func TestDecodeFloat64(t *testing.T) {
	u := math.Float64bits(-1234.5678)
	regs := []uint16{uint16(u >> 48), uint16(u >> 32), uint16(u >> 16), uint16(u)}
	v, err := DecodeRegisters(TypeFloat64, regs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Float64() != -1234.5678 {
		t.Fatalf("got %v", v.Float64())
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := DecodeRegisters(TypeFloat64, []uint16{1, 2})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []Value{
		BoolValue(true),
		BoolValue(false),
		IntValue(TypeInt8, -100),
		IntValue(TypeInt8, math.MinInt8),
		UintValue(TypeUint8, math.MaxUint8),
		IntValue(TypeInt16, -30000),
		IntValue(TypeInt16, 0),
		UintValue(TypeUint16, math.MaxUint16),
		FloatValue(TypeFloat64, math.Pi),
		FloatValue(TypeFloat64, -math.MaxFloat64),
		FloatValue(TypeFloat64, 0),
	}

	// every 32-bit type in both word orders
	pairs := []struct {
		abcd, cdab DataType
		values     []Value
	}{
		{TypeInt32ABCD, TypeInt32CDAB, []Value{
			IntValue(TypeInt32ABCD, 0),
			IntValue(TypeInt32ABCD, -1),
			IntValue(TypeInt32ABCD, -2000000000),
			IntValue(TypeInt32ABCD, 123456789),
			IntValue(TypeInt32ABCD, math.MinInt32),
			IntValue(TypeInt32ABCD, math.MaxInt32),
		}},
		{TypeUint32ABCD, TypeUint32CDAB, []Value{
			UintValue(TypeUint32ABCD, 0),
			UintValue(TypeUint32ABCD, 7),
			UintValue(TypeUint32ABCD, 0x0001FFFF),
			UintValue(TypeUint32ABCD, math.MaxUint32),
		}},
		{TypeFloat32ABCD, TypeFloat32CDAB, []Value{
			FloatValue(TypeFloat32ABCD, 0),
			FloatValue(TypeFloat32ABCD, 123.456),
			FloatValue(TypeFloat32ABCD, -123.456),
			FloatValue(TypeFloat32ABCD, -0.5),
			FloatValue(TypeFloat32ABCD, math.MaxFloat32),
			FloatValue(TypeFloat32ABCD, -math.MaxFloat32),
			FloatValue(TypeFloat32ABCD, math.SmallestNonzeroFloat32),
		}},
	}
	for _, p := range pairs {
		for _, v := range p.values {
			values = append(values, v, Value{typ: p.cdab, bits: v.bits})
		}
	}

	for _, v := range values {
		t.Run(v.Type().String()+"/"+v.String(), func(t *testing.T) {
			regs := EncodeRegisters(v)
			if len(regs) != RegisterWidth(v.Type()) {
				t.Fatalf("encoded %d registers", len(regs))
			}
			got, err := DecodeRegisters(v.Type(), regs)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !got.Equal(v) {
				t.Fatalf("round trip got %s, want %s", got, v)
			}
		})
	}

	for _, p := range pairs {
		for _, v := range p.values {
			abcd := EncodeRegisters(v)
			cdab := EncodeRegisters(Value{typ: p.cdab, bits: v.bits})
			if abcd[0] != cdab[1] || abcd[1] != cdab[0] {
				t.Errorf("%s %s: abcd %04X %04X, cdab %04X %04X", p.cdab, v, abcd[0], abcd[1], cdab[0], cdab[1])
			}
		}
	}
}

func TestFloat32WordOrderEncoding(t *testing.T) {
	abcd := EncodeRegisters(FloatValue(TypeFloat32ABCD, 123.456))
	cdab := EncodeRegisters(FloatValue(TypeFloat32CDAB, 123.456))
	if abcd[0] != 0x42F6 || abcd[1] != 0xE979 {
		t.Fatalf("abcd = %04X %04X", abcd[0], abcd[1])
	}
	if cdab[0] != 0xE979 || cdab[1] != 0x42F6 {
		t.Fatalf("cdab = %04X %04X", cdab[0], cdab[1])
	}
}

func TestDecodeBit(t *testing.T) {
	if !DecodeBit(TypeBool, 1).Bool() {
		t.Fatal("bit 1 should decode true")
	}
	if DecodeBit(TypeBool, 0).Bool() {
		t.Fatal("bit 0 should decode false")
	}
	if DecodeBit(TypeUint16, 1).Float64() != 1 {
		t.Fatal("numeric bit should decode to 1")
	}
}

func TestParseDataType(t *testing.T) {
	dt, err := ParseDataType("Float32_CDAB")
	if err != nil || dt != TypeFloat32CDAB {
		t.Fatalf("got %v, %v", dt, err)
	}
	if _, err := ParseDataType("float16"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValueMarshalJSON(t *testing.T) {
	b, err := FloatValue(TypeFloat64, 1.5).MarshalJSON()
	if err != nil || string(b) != "1.5" {
		t.Fatalf("got %s, %v", b, err)
	}
	b, _ = FloatValue(TypeFloat64, math.NaN()).MarshalJSON()
	if string(b) != "null" {
		t.Fatalf("NaN should marshal as null, got %s", b)
	}
	b, _ = BoolValue(true).MarshalJSON()
	if string(b) != "true" {
		t.Fatalf("got %s", b)
	}
}

// internal/modbus/datatype.go
package modbus

import (
	"fmt"
	"strings"
)

// DataType is the interpretation applied to the registers behind a node.
type DataType uint8

const (
	TypeBool DataType = iota
	TypeInt8
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32ABCD
	TypeInt32CDAB
	TypeUint32ABCD
	TypeUint32CDAB
	TypeFloat32ABCD
	TypeFloat32CDAB
	TypeFloat64
)

// Kind groups data types by the Go value they decode into.
type Kind uint8

const (
	KindBool Kind = iota
	KindInt
	KindUint
	KindFloat
)

var dataTypeNames = map[DataType]string{
	TypeBool:        "bool",
	TypeInt8:        "int8",
	TypeUint8:       "uint8",
	TypeInt16:       "int16",
	TypeUint16:      "uint16",
	TypeInt32ABCD:   "int32_abcd",
	TypeInt32CDAB:   "int32_cdab",
	TypeUint32ABCD:  "uint32_abcd",
	TypeUint32CDAB:  "uint32_cdab",
	TypeFloat32ABCD: "float32_abcd",
	TypeFloat32CDAB: "float32_cdab",
	TypeFloat64:     "float64",
}

// ParseDataType resolves a configuration name such as "float32_cdab".
func ParseDataType(s string) (DataType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for dt, n := range dataTypeNames {
		if n == name {
			return dt, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown data type %q", ErrInvalid, s)
}

func (dt DataType) String() string {
	if n, ok := dataTypeNames[dt]; ok {
		return n
	}
	return fmt.Sprintf("datatype(%d)", uint8(dt))
}

// Valid reports whether dt is a known data type.
func (dt DataType) Valid() bool {
	_, ok := dataTypeNames[dt]
	return ok
}

func (dt DataType) MarshalText() ([]byte, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("%w: unknown data type %d", ErrInvalid, uint8(dt))
	}
	return []byte(dt.String()), nil
}

func (dt *DataType) UnmarshalText(text []byte) error {
	v, err := ParseDataType(string(text))
	if err != nil {
		return err
	}
	*dt = v
	return nil
}

// Kind returns the value family of dt.
func (dt DataType) Kind() Kind {
	switch dt {
	case TypeBool:
		return KindBool
	case TypeInt8, TypeInt16, TypeInt32ABCD, TypeInt32CDAB:
		return KindInt
	case TypeUint8, TypeUint16, TypeUint32ABCD, TypeUint32CDAB:
		return KindUint
	default:
		return KindFloat
	}
}

// RegisterWidth is the number of 16-bit registers a value of dt occupies.
// The group builder and the decoder both rely on it.
func RegisterWidth(dt DataType) int {
	switch dt {
	case TypeInt32ABCD, TypeInt32CDAB, TypeUint32ABCD, TypeUint32CDAB,
		TypeFloat32ABCD, TypeFloat32CDAB:
		return 2
	case TypeFloat64:
		return 4
	default:
		return 1
	}
}

// swapped reports CDAB word order.
func (dt DataType) swapped() bool {
	return dt == TypeInt32CDAB || dt == TypeUint32CDAB || dt == TypeFloat32CDAB
}

// internal/modbus/errors.go
package modbus

import (
	"errors"
	"fmt"

	mb "github.com/goburrow/modbus"
)

// Error classes shared by the poller, the gateway and the write path.
// Every failure is wrapped with one of these so callers can classify it
// with errors.Is and turn it into a node, group or connection status.
var (
	// ErrInvalid reports bad arguments or configuration. Never retried.
	ErrInvalid = errors.New("modbus: invalid argument")
	// ErrSerialize reports that a request frame could not be built.
	ErrSerialize = errors.New("modbus: cannot serialize request")
	// ErrTimeout reports no or partial response within the bound.
	ErrTimeout = errors.New("modbus: response timeout")
	// ErrProtocol reports a response that failed CRC, format or exception checks.
	ErrProtocol = errors.New("modbus: protocol error")
)

// exceptionError wraps a device exception so it matches ErrProtocol while
// still exposing the underlying *mb.ModbusError.
type exceptionError struct {
	err *mb.ModbusError
}

func (e *exceptionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProtocol.Error(), e.err.Error())
}

func (e *exceptionError) Is(target error) bool {
	return target == ErrProtocol
}

func (e *exceptionError) Unwrap() error {
	return e.err
}

// NewException builds the error returned when a device answers with an
// exception response.
func NewException(function, code byte) error {
	return &exceptionError{err: &mb.ModbusError{FunctionCode: function, ExceptionCode: code}}
}

// AsException extracts the device exception from err, if any.
func AsException(err error) (*mb.ModbusError, bool) {
	var me *mb.ModbusError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

func protocolErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrProtocol}, args...)...)
}

func serializeErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrSerialize}, args...)...)
}

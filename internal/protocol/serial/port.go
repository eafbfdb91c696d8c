// internal/protocol/serial/port.go
package serial

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

// Port is the part of a serial port handle the manager relies on.
// go.bug.st/serial ports satisfy it; tests substitute fakes.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	Drain() error
	ResetInputBuffer() error
}

// Opener creates a port handle for a serial configuration
type Opener func(cfg model.SerialConfig) (Port, error)

// OpenPort opens a real serial device in raw mode
func OpenPort(cfg model.SerialConfig) (Port, error) {
	mode, err := Mode(cfg)
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}
	return port, nil
}

// Mode converts the line settings into a go.bug.st/serial mode
func Mode(cfg model.SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}

	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", cfg.StopBits)
	}

	switch cfg.Parity {
	case "", "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", cfg.Parity)
	}

	// RTS/CTS handshaking is not switchable through the library; keep the
	// lines asserted so half-duplex adapters stay enabled.
	if cfg.FlowControl == "rtscts" {
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	}
	return mode, nil
}

// PortInfo describes a serial device found on the host
type PortInfo struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts returns the serial devices present on the host. USB adapters
// carry their vendor and product ids.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		names, listErr := serial.GetPortsList()
		if listErr != nil {
			return nil, fmt.Errorf("failed to list serial ports: %w", err)
		}
		out := make([]PortInfo, 0, len(names))
		for _, n := range names {
			out = append(out, PortInfo{Name: n})
		}
		return out, nil
	}

	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{Name: d.Name, USB: d.IsUSB}
		if d.IsUSB {
			info.VID = d.VID
			info.PID = d.PID
			info.SerialNumber = d.SerialNumber
			info.Product = d.Product
		}
		out = append(out, info)
	}
	return out, nil
}

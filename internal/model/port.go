// internal/model/port.go
package model

import (
	"fmt"
	"time"
)

// SerialConfig holds the line settings for one serial port index
type SerialConfig struct {
	Index        int    `json:"index"`
	Port         string `json:"port"`
	BaudRate     int    `json:"baud_rate"`
	DataBits     int    `json:"data_bits"`
	StopBits     int    `json:"stop_bits"`
	Parity       string `json:"parity"`        // none, odd, even, mark, space
	FlowControl  string `json:"flow_control"`  // none, rtscts
	BufferSize   int    `json:"buffer_size"`   // bytes
	WriteTimeout int    `json:"write_timeout"` // milliseconds
	ByteTimeout  int    `json:"byte_timeout"`  // milliseconds
}

func (c SerialConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Millisecond
}

func (c SerialConfig) ByteTimeoutDuration() time.Duration {
	return time.Duration(c.ByteTimeout) * time.Millisecond
}

// Validate checks the line settings
func (c SerialConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("serial port %d: device path is required", c.Index)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("serial port %d: invalid baud rate %d", c.Index, c.BaudRate)
	}
	switch c.DataBits {
	case 5, 6, 7, 8:
	default:
		return fmt.Errorf("serial port %d: invalid data bits %d", c.Index, c.DataBits)
	}
	switch c.StopBits {
	case 1, 2:
	default:
		return fmt.Errorf("serial port %d: invalid stop bits %d", c.Index, c.StopBits)
	}
	switch c.Parity {
	case "", "none", "odd", "even", "mark", "space":
	default:
		return fmt.Errorf("serial port %d: invalid parity %q", c.Index, c.Parity)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("serial port %d: buffer size must be positive", c.Index)
	}
	return nil
}

// WorkingMode selects how a socket treats serial traffic
type WorkingMode string

const (
	WorkingModeModbus      WorkingMode = "modbus"
	WorkingModeTransparent WorkingMode = "transparent"
)

// SocketMode is the network role of a gateway socket
type SocketMode string

const (
	SocketModeTCPServer SocketMode = "tcp_server"
	SocketModeTCPClient SocketMode = "tcp_client"
	SocketModeUDPServer SocketMode = "udp_server"
	SocketModeUDPClient SocketMode = "udp_client"
)

// ExceedMode decides what happens when a server socket is full
type ExceedMode string

const (
	// ExceedModeKeep rejects the new peer
	ExceedModeKeep ExceedMode = "KEEP"
	// ExceedModeKick evicts the oldest connection by connect time
	ExceedModeKick ExceedMode = "KICK"
)

// PayloadType selects the bytes sent as heartbeat or registration
type PayloadType string

const (
	PayloadNone  PayloadType = "none"
	PayloadASCII PayloadType = "ascii"
	PayloadHex   PayloadType = "hex"
	PayloadIMEI  PayloadType = "imei"
	PayloadSN    PayloadType = "sn"
	PayloadICCID PayloadType = "iccid"
	PayloadMAC   PayloadType = "mac"
)

// RegistrationLocation is where the registration packet is sent
type RegistrationLocation string

const (
	RegisterOnConnect RegistrationLocation = "connect"
	RegisterOnData    RegistrationLocation = "data"
)

// SocketConfig holds one gateway socket bound to a serial port
type SocketConfig struct {
	Index                int                  `json:"index"`
	Enabled              bool                 `json:"enabled"`
	SerialPort           int                  `json:"serial_port"`
	WorkingMode          WorkingMode          `json:"working_mode"`
	SocketMode           SocketMode           `json:"socket_mode"`
	LocalPort            int                  `json:"local_port"`
	RemoteHost           string               `json:"remote_host,omitempty"`
	RemotePort           int                  `json:"remote_port,omitempty"`
	MaxSockets           int                  `json:"max_sockets"`
	ExceedMode           ExceedMode           `json:"exceed_mode"`
	ResponseTimeout      int                  `json:"response_timeout"`   // milliseconds
	ReconnectInterval    int                  `json:"reconnect_interval"` // seconds
	HeartbeatType        PayloadType          `json:"heartbeat_type"`
	HeartbeatInterval    int                  `json:"heartbeat_interval"` // seconds
	HeartbeatPayload     string               `json:"heartbeat_payload,omitempty"`
	RegistrationType     PayloadType          `json:"registration_type"`
	RegistrationLocation RegistrationLocation `json:"registration_location"`
	RegistrationPayload  string               `json:"registration_payload,omitempty"`
	TCPException         bool                 `json:"tcp_exception"`
	AccessFilter         bool                 `json:"access_filter"`
	AccessIP             string               `json:"access_ip,omitempty"`
	AccessPort           int                  `json:"access_port,omitempty"`
}

func (c SocketConfig) ResponseTimeoutDuration() time.Duration {
	return time.Duration(c.ResponseTimeout) * time.Millisecond
}

func (c SocketConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c SocketConfig) ReconnectIntervalDuration() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Second
}

// HasHeartbeat checks if periodic heartbeats are configured
func (c SocketConfig) HasHeartbeat() bool {
	return c.HeartbeatType != "" && c.HeartbeatType != PayloadNone && c.HeartbeatInterval > 0
}

// HasRegistration checks if a registration packet is configured
func (c SocketConfig) HasRegistration() bool {
	return c.RegistrationType != "" && c.RegistrationType != PayloadNone
}

// Validate checks the socket settings
func (c SocketConfig) Validate() error {
	switch c.SocketMode {
	case SocketModeTCPServer, SocketModeUDPServer:
		if c.LocalPort <= 0 || c.LocalPort > 65535 {
			return fmt.Errorf("socket %d: invalid local port %d", c.Index, c.LocalPort)
		}
	case SocketModeTCPClient, SocketModeUDPClient:
		if c.RemoteHost == "" || c.RemotePort <= 0 || c.RemotePort > 65535 {
			return fmt.Errorf("socket %d: remote host and port are required", c.Index)
		}
	default:
		return fmt.Errorf("socket %d: unknown socket mode %q", c.Index, c.SocketMode)
	}
	switch c.WorkingMode {
	case WorkingModeModbus, WorkingModeTransparent:
	default:
		return fmt.Errorf("socket %d: unknown working mode %q", c.Index, c.WorkingMode)
	}
	switch c.ExceedMode {
	case ExceedModeKeep, ExceedModeKick:
	default:
		return fmt.Errorf("socket %d: unknown exceed mode %q", c.Index, c.ExceedMode)
	}
	if c.MaxSockets <= 0 {
		return fmt.Errorf("socket %d: max sockets must be positive", c.Index)
	}
	return nil
}

// Identity carries the modem and host identifiers usable as heartbeat or
// registration payloads
type Identity struct {
	IMEI  string `json:"imei" mapstructure:"imei"`
	SN    string `json:"sn" mapstructure:"sn"`
	ICCID string `json:"iccid" mapstructure:"iccid"`
	MAC   string `json:"mac" mapstructure:"mac"`
}

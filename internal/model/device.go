// internal/model/device.go
package model

import (
	"time"
)

// PortType selects the link a device is polled over
type PortType string

const (
	PortTypeSerial PortType = "serial"
	PortTypeTCP    PortType = "tcp"
)

// Protocol is the Modbus flavor spoken on a device link
type Protocol string

const (
	ProtocolRTU Protocol = "rtu"
	// ProtocolTCP frames requests with the transaction header on a TCP link
	ProtocolTCP Protocol = "tcp"
	// ProtocolRTUOverTCP sends plain RTU frames through a TCP link
	ProtocolRTUOverTCP Protocol = "rtu_over_tcp"
)

// Device is one Modbus slave and the data points read from it.
// Its structure is fixed once loaded; a reload replaces the whole list.
type Device struct {
	Name          string   `json:"name"`
	SlaveAddr     byte     `json:"slave_addr"`
	PollInterval  int      `json:"poll_interval"` // milliseconds
	PortType      PortType `json:"port_type"`
	PortIndex     int      `json:"port_index"`
	ServerAddress string   `json:"server_address,omitempty"`
	ServerPort    int      `json:"server_port,omitempty"`
	Protocol      Protocol `json:"protocol"`
	EnableMap     bool     `json:"enable_map"`
	MapAddress    byte     `json:"map_address"`
	GroupMode     bool     `json:"group_mode"`

	Nodes  []*Node      `json:"nodes"`
	Groups []*NodeGroup `json:"-"`
}

// PollingInterval is the pause after each group or node read
func (d *Device) PollingInterval() time.Duration {
	return time.Duration(d.PollInterval) * time.Millisecond
}

// UpstreamAddress is the unit id clients use to reach this device
func (d *Device) UpstreamAddress() byte {
	if d.EnableMap {
		return d.MapAddress
	}
	return d.SlaveAddr
}

// IsSerial checks if the device is polled over a serial port
func (d *Device) IsSerial() bool {
	return d.PortType != PortTypeTCP
}

// NodeGroup is a run of same-function nodes read with one request.
type NodeGroup struct {
	Function byte     `json:"function"`
	Start    uint16   `json:"start_address"`
	Count    uint16   `json:"register_count"`
	Members  []int    `json:"members"` // indices into Device.Nodes
	Buffer   []uint16 `json:"-"`
}

// DeviceStatus summarizes a device for the status API
type DeviceStatus struct {
	Name      string         `json:"name"`
	SlaveAddr byte           `json:"slave_addr"`
	UnitID    byte           `json:"unit_id"`
	PortType  PortType       `json:"port_type"`
	PortIndex int            `json:"port_index"`
	GroupMode bool           `json:"group_mode"`
	Groups    int            `json:"groups"`
	Nodes     []NodeSnapshot `json:"nodes"`
}

// Status builds the API view of the device
func (d *Device) Status() DeviceStatus {
	st := DeviceStatus{
		Name:      d.Name,
		SlaveAddr: d.SlaveAddr,
		UnitID:    d.UpstreamAddress(),
		PortType:  d.PortType,
		PortIndex: d.PortIndex,
		GroupMode: d.GroupMode,
		Groups:    len(d.Groups),
		Nodes:     make([]NodeSnapshot, 0, len(d.Nodes)),
	}
	for _, n := range d.Nodes {
		st.Nodes = append(st.Nodes, n.Snapshot())
	}
	return st
}

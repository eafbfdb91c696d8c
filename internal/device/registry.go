// internal/device/registry.go
package device

import (
	"fmt"
	"sync"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

// Registry owns the loaded device list for the lifetime of the process.
// The list itself is swapped as a whole on reload; node values are read
// through each node's snapshot without holding the registry lock.
type Registry struct {
	mu      sync.RWMutex
	devices []*model.Device
	byName  map[string]*model.Device
	nodes   map[string]nodeRef
}

type nodeRef struct {
	device *model.Device
	node   *model.Node
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*model.Device),
		nodes:  make(map[string]nodeRef),
	}
}

// Replace installs a new device list
func (r *Registry) Replace(devices []*model.Device) {
	byName := make(map[string]*model.Device, len(devices))
	nodes := make(map[string]nodeRef)
	for _, d := range devices {
		byName[d.Name] = d
		for _, n := range d.Nodes {
			if _, exists := nodes[n.Name]; !exists {
				nodes[n.Name] = nodeRef{device: d, node: n}
			}
		}
	}

	r.mu.Lock()
	r.devices = devices
	r.byName = byName
	r.nodes = nodes
	r.mu.Unlock()
}

// Devices returns the devices in configuration order
func (r *Registry) Devices() []*model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Device looks a device up by name
func (r *Registry) Device(name string) (*model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	return d, nil
}

// Node looks a node up by name and returns it with its owning device
func (r *Registry) Node(name string) (*model.Device, *model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.nodes[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	return ref.device, ref.node, nil
}

// NodeValue returns the current value of a node widened to float64
func (r *Registry) NodeValue(name string) (float64, error) {
	_, n, err := r.Node(name)
	if err != nil {
		return 0, err
	}
	return n.Reading().Value.Float64(), nil
}

// ResolveUnit maps an upstream unit id to the downstream slave address
// when a device has address mapping enabled for it.
func (r *Registry) ResolveUnit(unit byte) (byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.EnableMap && d.UpstreamAddress() == unit {
			return d.SlaveAddr, true
		}
	}
	return unit, false
}

// ResolveRegister maps an upstream register address to the address of the
// node mapped onto it. Only nodes of the device at slave on serial port
// are considered, and function must address the node's data table.
func (r *Registry) ResolveRegister(port int, slave, function byte, addr uint16) (uint16, bool) {
	table, ok := modbus.TableFunction(function)
	if !ok {
		return addr, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if !d.IsSerial() || d.PortIndex != port || d.SlaveAddr != slave {
			continue
		}
		for _, n := range d.Nodes {
			if n.EnableMap && n.MapAddress == addr && n.Function == table {
				return n.Address, true
			}
		}
	}
	return addr, false
}

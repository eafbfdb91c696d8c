// internal/device/loader.go
package device

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

var (
	// ErrNodeNotFound is returned when no device owns a node of that name
	ErrNodeNotFound = errors.New("node not found")
	// ErrDeviceNotFound is returned when no device has that name
	ErrDeviceNotFound = errors.New("device not found")
)

// Loader turns the device configuration document into devices.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{logger: logger.With(zap.String("component", "device_loader"))}
}

type deviceDocument struct {
	model.Device
	Nodes []json.RawMessage `json:"nodes"`
}

// LoadConfiguration parses a JSON array of devices. A malformed device or
// node is skipped with a warning; only a document that is not a JSON array
// fails. Groups are built for devices in group mode.
func (l *Loader) LoadConfiguration(data []byte) ([]*model.Device, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse device configuration: %w", err)
	}

	devices := make([]*model.Device, 0, len(raw))
	seenDevices := make(map[string]bool)
	seenNodes := make(map[string]bool)

	for i, item := range raw {
		var doc deviceDocument
		if err := json.Unmarshal(item, &doc); err != nil {
			l.logger.Warn("Skipping malformed device", zap.Int("index", i), zap.Error(err))
			continue
		}
		dev := doc.Device
		if err := validateDevice(&dev); err != nil {
			l.logger.Warn("Skipping invalid device", zap.Int("index", i), zap.Error(err))
			continue
		}
		if seenDevices[dev.Name] {
			l.logger.Warn("Skipping duplicate device", zap.String("device", dev.Name))
			continue
		}
		seenDevices[dev.Name] = true

		dev.Nodes = make([]*model.Node, 0, len(doc.Nodes))
		for j, rawNode := range doc.Nodes {
			node := &model.Node{}
			if err := json.Unmarshal(rawNode, node); err != nil {
				l.logger.Warn("Skipping malformed node",
					zap.String("device", dev.Name), zap.Int("index", j), zap.Error(err))
				continue
			}
			if err := validateNode(node); err != nil {
				l.logger.Warn("Skipping invalid node",
					zap.String("device", dev.Name), zap.String("node", node.Name), zap.Error(err))
				continue
			}
			if seenNodes[node.Name] {
				l.logger.Warn("Skipping duplicate node",
					zap.String("device", dev.Name), zap.String("node", node.Name))
				continue
			}
			seenNodes[node.Name] = true
			node.Group = -1
			dev.Nodes = append(dev.Nodes, node)
		}

		if dev.GroupMode {
			BuildGroups(&dev)
		}
		devices = append(devices, &dev)

		l.logger.Info("Device loaded",
			zap.String("device", dev.Name),
			zap.Int("nodes", len(dev.Nodes)),
			zap.Int("groups", len(dev.Groups)))
	}
	return devices, nil
}

func validateDevice(d *model.Device) error {
	if d.Name == "" {
		return fmt.Errorf("%w: device name is required", modbus.ErrInvalid)
	}
	if d.PollInterval < 0 {
		return fmt.Errorf("%w: negative polling interval", modbus.ErrInvalid)
	}
	switch d.PortType {
	case "":
		d.PortType = model.PortTypeSerial
	case model.PortTypeSerial:
	case model.PortTypeTCP:
		if d.ServerAddress == "" || d.ServerPort <= 0 || d.ServerPort > 65535 {
			return fmt.Errorf("%w: tcp device needs server address and port", modbus.ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown port type %q", modbus.ErrInvalid, d.PortType)
	}
	switch d.Protocol {
	case "":
		if d.PortType == model.PortTypeTCP {
			d.Protocol = model.ProtocolTCP
		} else {
			d.Protocol = model.ProtocolRTU
		}
	case model.ProtocolRTU, model.ProtocolTCP, model.ProtocolRTUOverTCP:
	default:
		return fmt.Errorf("%w: unknown protocol %q", modbus.ErrInvalid, d.Protocol)
	}
	return nil
}

func validateNode(n *model.Node) error {
	if n.Name == "" {
		return fmt.Errorf("%w: node name is required", modbus.ErrInvalid)
	}
	if !modbus.IsReadFunction(n.Function) {
		return fmt.Errorf("%w: unsupported function code %d", modbus.ErrInvalid, n.Function)
	}
	if !n.DataType.Valid() {
		return fmt.Errorf("%w: unknown data type", modbus.ErrInvalid)
	}
	if int(n.Address)+n.Width() > 0x10000 {
		return fmt.Errorf("%w: address %d overflows register space", modbus.ErrInvalid, n.Address)
	}
	if n.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", modbus.ErrInvalid)
	}
	return nil
}

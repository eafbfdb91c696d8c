// internal/device/groups.go
package device

import (
	"sort"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

// BuildGroups merges a device's nodes into as few read requests as
// possible. Nodes are stably sorted by function code and address, a new
// group starts whenever the function changes or the span would exceed
// modbus.MaxReadRegisters, and every node is given its fixed offset into
// the group buffer. Overlapping nodes share registers.
func BuildGroups(dev *model.Device) {
	dev.Groups = nil
	if len(dev.Nodes) == 0 {
		return
	}

	sort.SliceStable(dev.Nodes, func(i, j int) bool {
		a, b := dev.Nodes[i], dev.Nodes[j]
		if a.Function != b.Function {
			return a.Function < b.Function
		}
		return a.Address < b.Address
	})

	var current *model.NodeGroup
	for i, n := range dev.Nodes {
		width := n.Width()
		end := int(n.Address) + width
		if current == nil || current.Function != n.Function ||
			end-int(current.Start) > modbus.MaxReadRegisters {
			current = &model.NodeGroup{
				Function: n.Function,
				Start:    n.Address,
			}
			dev.Groups = append(dev.Groups, current)
		}
		n.Group = len(dev.Groups) - 1
		n.Offset = int(n.Address - current.Start)
		if span := end - int(current.Start); span > int(current.Count) {
			current.Count = uint16(span)
		}
		current.Members = append(current.Members, i)
	}

	for _, g := range dev.Groups {
		g.Buffer = make([]uint16, g.Count)
	}
}

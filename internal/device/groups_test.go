package device

import (
	"reflect"
	"strconv"
	"testing"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

func node(name string, fc byte, addr uint16, dt modbus.DataType) *model.Node {
	return &model.Node{Name: name, Function: fc, Address: addr, DataType: dt, Group: -1}
}

func checkGroupInvariants(t *testing.T, dev *model.Device) {
	t.Helper()
	seen := make(map[int]bool)
	for gi, g := range dev.Groups {
		if g.Count == 0 || g.Count > modbus.MaxReadRegisters {
			t.Errorf("group %d count %d out of range", gi, g.Count)
		}
		if len(g.Buffer) != int(g.Count) {
			t.Errorf("group %d buffer len %d, count %d", gi, len(g.Buffer), g.Count)
		}
		for _, idx := range g.Members {
			n := dev.Nodes[idx]
			seen[idx] = true
			if n.Group != gi {
				t.Errorf("node %s group %d, listed in %d", n.Name, n.Group, gi)
			}
			if n.Function != g.Function {
				t.Errorf("node %s function %d in group of function %d", n.Name, n.Function, g.Function)
			}
			if n.Offset != int(n.Address-g.Start) {
				t.Errorf("node %s offset %d, want %d", n.Name, n.Offset, n.Address-g.Start)
			}
			if n.Offset+n.Width() > int(g.Count) {
				t.Errorf("node %s does not fit group %d", n.Name, gi)
			}
		}
	}
	if len(seen) != len(dev.Nodes) {
		t.Errorf("%d of %d nodes placed in groups", len(seen), len(dev.Nodes))
	}
}

func TestBuildGroupsMerge(t *testing.T) {
	dev := &model.Device{
		Name:      "meter",
		GroupMode: true,
		Nodes: []*model.Node{
			node("voltage", 3, 10, modbus.TypeInt16),
			node("energy", 3, 200, modbus.TypeFloat64),
			node("status", 3, 0, modbus.TypeUint16),
			node("relay", 1, 5, modbus.TypeBool),
			node("current", 3, 1, modbus.TypeFloat32ABCD),
		},
	}
	BuildGroups(dev)

	if len(dev.Groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(dev.Groups))
	}
	want := []struct {
		fc    byte
		start uint16
		count uint16
	}{
		{1, 5, 1},
		{3, 0, 11},
		{3, 200, 4},
	}
	for i, w := range want {
		g := dev.Groups[i]
		if g.Function != w.fc || g.Start != w.start || g.Count != w.count {
			t.Errorf("group %d = fc %d start %d count %d, want %+v", i, g.Function, g.Start, g.Count, w)
		}
	}

	order := []string{"relay", "status", "current", "voltage", "energy"}
	for i, name := range order {
		if dev.Nodes[i].Name != name {
			t.Fatalf("node %d = %s, want %s", i, dev.Nodes[i].Name, name)
		}
	}
	checkGroupInvariants(t, dev)
}

func TestBuildGroupsSpanLimit(t *testing.T) {
	dev := &model.Device{
		GroupMode: true,
		Nodes: []*model.Node{
			node("first", 3, 0, modbus.TypeUint16),
			node("edge", 3, 124, modbus.TypeUint16),
		},
	}
	BuildGroups(dev)
	if len(dev.Groups) != 1 || dev.Groups[0].Count != 125 {
		t.Fatalf("span of exactly 125 should stay in one group, got %d groups", len(dev.Groups))
	}

	dev.Nodes[1] = node("wide", 3, 124, modbus.TypeFloat32CDAB)
	BuildGroups(dev)
	if len(dev.Groups) != 2 {
		t.Fatalf("span of 126 should split, got %d groups", len(dev.Groups))
	}
	if dev.Groups[1].Start != 124 || dev.Groups[1].Count != 2 {
		t.Fatalf("second group start %d count %d", dev.Groups[1].Start, dev.Groups[1].Count)
	}
	checkGroupInvariants(t, dev)
}

func TestBuildGroupsOverlap(t *testing.T) {
	dev := &model.Device{
		GroupMode: true,
		Nodes: []*model.Node{
			node("whole", 4, 20, modbus.TypeFloat64),
			node("part", 4, 21, modbus.TypeUint16),
		},
	}
	BuildGroups(dev)
	if len(dev.Groups) != 1 || dev.Groups[0].Count != 4 {
		t.Fatalf("overlapping nodes should share one group of 4, got %+v", dev.Groups)
	}
	checkGroupInvariants(t, dev)
}

func TestBuildGroupsLarge(t *testing.T) {
	dev := &model.Device{GroupMode: true}
	types := []modbus.DataType{modbus.TypeUint16, modbus.TypeInt32ABCD, modbus.TypeFloat64, modbus.TypeBool}
	addr := uint16(0)
	for i := 0; i < 300; i++ {
		dt := types[i%len(types)]
		fc := byte(3 + i%2)
		dev.Nodes = append(dev.Nodes, node("n"+strconv.Itoa(i), fc, addr, dt))
		addr += uint16(modbus.RegisterWidth(dt)) + uint16(i%3)
	}
	BuildGroups(dev)
	checkGroupInvariants(t, dev)
}

func TestBuildGroupsEmpty(t *testing.T) {
	dev := &model.Device{GroupMode: true}
	BuildGroups(dev)
	if len(dev.Groups) != 0 {
		t.Fatalf("device without nodes got %d groups", len(dev.Groups))
	}
}

type placement struct {
	Name   string
	Group  int
	Offset int
}

func placements(dev *model.Device) []placement {
	out := make([]placement, len(dev.Nodes))
	for i, n := range dev.Nodes {
		out[i] = placement{n.Name, n.Group, n.Offset}
	}
	return out
}

func TestBuildGroupsIsIdempotent(t *testing.T) {
	fresh := func() []*model.Node {
		return []*model.Node{
			node("energy", 3, 200, modbus.TypeFloat64),
			node("alarm", 2, 4, modbus.TypeBool),
			node("voltage", 3, 10, modbus.TypeInt16),
			node("status", 3, 0, modbus.TypeUint16),
			node("far", 3, 130, modbus.TypeUint32ABCD),
			node("current", 3, 1, modbus.TypeFloat32ABCD),
			node("shadow", 3, 1, modbus.TypeUint16),
			node("input", 4, 7, modbus.TypeInt32CDAB),
		}
	}

	first := &model.Device{Name: "meter", GroupMode: true, Nodes: fresh()}
	BuildGroups(first)
	checkGroupInvariants(t, first)

	// rebuild from the sorted order the first run produced
	sorted := make([]*model.Node, 0, len(first.Nodes))
	for _, n := range first.Nodes {
		sorted = append(sorted, node(n.Name, n.Function, n.Address, n.DataType))
	}
	second := &model.Device{Name: "meter", GroupMode: true, Nodes: sorted}
	BuildGroups(second)

	if !reflect.DeepEqual(first.Groups, second.Groups) {
		t.Errorf("groups differ:\n%+v\n%+v", first.Groups, second.Groups)
	}
	if !reflect.DeepEqual(placements(first), placements(second)) {
		t.Errorf("placements differ:\n%+v\n%+v", placements(first), placements(second))
	}

	// running again on the same device changes nothing
	groups, places := first.Groups, placements(first)
	BuildGroups(first)
	if !reflect.DeepEqual(groups, first.Groups) || !reflect.DeepEqual(places, placements(first)) {
		t.Error("second build of the same device changed its groups")
	}
}

func nodeNamed(dev *model.Device, name string) (*model.Node, bool) {
	for _, n := range dev.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

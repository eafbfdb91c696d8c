// internal/model/node.go
package model

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
)

// ReadStatus is the outcome of the last read of a node
type ReadStatus string

const (
	ReadStatusPending ReadStatus = "PENDING"
	ReadStatusSuccess ReadStatus = "SUCCESS"
	ReadStatusTimeout ReadStatus = "TIMEOUT"
	ReadStatusError   ReadStatus = "ERROR"
)

// Node is one configured data point.
type Node struct {
	Name            string          `json:"name"`
	Address         uint16          `json:"addr"`
	Function        byte            `json:"func"`
	DataType        modbus.DataType `json:"type"`
	Timeout         int             `json:"timeout"` // milliseconds
	EnableReporting bool            `json:"enable_reporting"`
	VariationRange  decimal.Decimal `json:"variation_range"`
	EnableMap       bool            `json:"enable_map"`
	MapAddress      uint16          `json:"map_addr"`
	Relay           *int            `json:"relay,omitempty"`

	// Set by the group builder
	Group  int `json:"-"`
	Offset int `json:"-"`

	reading atomic.Pointer[Reading]
}

// Reading is an immutable snapshot of a node's runtime state. The poller
// publishes a new one for every read; readers never see a torn value.
type Reading struct {
	Value     modbus.Value
	Previous  modbus.Value
	OK        bool
	Status    ReadStatus
	Err       string
	UpdatedAt time.Time
}

// NodeSnapshot is the JSON view of a node and its current reading
type NodeSnapshot struct {
	Name      string       `json:"name"`
	Address   uint16       `json:"addr"`
	Function  byte         `json:"func"`
	DataType  string       `json:"type"`
	Value     modbus.Value `json:"value"`
	OK        bool         `json:"is_ok"`
	Status    ReadStatus   `json:"status"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt *time.Time   `json:"updated_at,omitempty"`
}

// Width is the number of registers the node occupies
func (n *Node) Width() int {
	return modbus.RegisterWidth(n.DataType)
}

// TimeoutDuration is the per-node read bound used outside group mode
func (n *Node) TimeoutDuration() time.Duration {
	return time.Duration(n.Timeout) * time.Millisecond
}

// Reading returns the latest snapshot
func (n *Node) Reading() Reading {
	if r := n.reading.Load(); r != nil {
		return *r
	}
	return Reading{Value: modbus.NumberValue(n.DataType, 0), Previous: modbus.NumberValue(n.DataType, 0), Status: ReadStatusPending}
}

// SetValue publishes a successful read. The previous value is carried
// over untouched; CommitPrevious advances it.
func (n *Node) SetValue(v modbus.Value, at time.Time) Reading {
	for {
		old := n.reading.Load()
		next := &Reading{Value: v, OK: true, Status: ReadStatusSuccess, UpdatedAt: at}
		if old != nil {
			next.Previous = old.Previous
		} else {
			next.Previous = modbus.NumberValue(n.DataType, 0)
		}
		if n.reading.CompareAndSwap(old, next) {
			return *next
		}
	}
}

// SetFailed publishes a failed read, keeping the last good value
func (n *Node) SetFailed(status ReadStatus, err error, at time.Time) Reading {
	for {
		old := n.reading.Load()
		next := &Reading{Status: status, UpdatedAt: at}
		if err != nil {
			next.Err = err.Error()
		}
		if old != nil {
			next.Value = old.Value
			next.Previous = old.Previous
		} else {
			next.Value = modbus.NumberValue(n.DataType, 0)
			next.Previous = next.Value
		}
		if n.reading.CompareAndSwap(old, next) {
			return *next
		}
	}
}

// CommitPrevious records the current value as the previous one. It is
// called by the value consumer once it has handled the update.
func (n *Node) CommitPrevious() {
	for {
		old := n.reading.Load()
		if old == nil {
			return
		}
		next := *old
		next.Previous = old.Value
		if n.reading.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Changed reports whether the current value moved at least the variation
// range away from the previous one. A zero range reports any change.
func (r Reading) Changed(variation decimal.Decimal) bool {
	a, b := r.Value.Float64(), r.Previous.Float64()
	if !finite(a) || !finite(b) {
		return !r.Value.Equal(r.Previous)
	}
	cur := decimal.NewFromFloat(a)
	prev := decimal.NewFromFloat(b)
	diff := cur.Sub(prev).Abs()
	if variation.IsZero() {
		return !diff.IsZero()
	}
	return diff.GreaterThanOrEqual(variation.Abs())
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Snapshot builds the JSON view of the node
func (n *Node) Snapshot() NodeSnapshot {
	r := n.Reading()
	s := NodeSnapshot{
		Name:     n.Name,
		Address:  n.Address,
		Function: n.Function,
		DataType: n.DataType.String(),
		Value:    r.Value,
		OK:       r.OK,
		Status:   r.Status,
		Error:    r.Err,
	}
	if !r.UpdatedAt.IsZero() {
		at := r.UpdatedAt
		s.UpdatedAt = &at
	}
	return s
}

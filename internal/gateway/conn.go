// internal/gateway/conn.go
package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

// ErrTableFull is returned by Admit when a KEEP table has no free slot
var ErrTableFull = errors.New("connection table full")

const sendQueueSize = 64

// Conn is one upstream peer of a socket. Writes go through Send and are
// drained by a single writer goroutine.
type Conn struct {
	ID          string
	Slot        int
	ConnectTime time.Time

	send   chan []byte
	done   chan struct{}
	closer func() error
	once   sync.Once

	mu           sync.Mutex
	peer         string
	lastActivity time.Time
	bytesIn      uint64
	bytesOut     uint64
	txID         uint16
	waiting      bool
	registered   bool
}

// ConnInfo is a point in time view of a connection
type ConnInfo struct {
	ID           string    `json:"id"`
	Slot         int       `json:"slot"`
	Peer         string    `json:"peer"`
	ConnectTime  time.Time `json:"connect_time"`
	LastActivity time.Time `json:"last_activity"`
	BytesIn      uint64    `json:"bytes_in"`
	BytesOut     uint64    `json:"bytes_out"`
	LastTxID     uint16    `json:"last_txid"`
	Waiting      bool      `json:"waiting_response"`
}

func newConn(peer string, closer func() error) *Conn {
	now := time.Now()
	return &Conn{
		ID:           uuid.New().String(),
		Slot:         -1,
		ConnectTime:  now,
		send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
		closer:       closer,
		peer:         peer,
		lastActivity: now,
	}
}

// Send queues data for the writer. It returns false if the connection is
// closed or its queue is full.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the writer and releases the underlying socket
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.closer != nil {
			c.closer()
		}
	})
}

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Conn) setPeer(peer string) {
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
}

func (c *Conn) received(n int) {
	c.mu.Lock()
	c.bytesIn += uint64(n)
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) sent(n int) {
	c.mu.Lock()
	c.bytesOut += uint64(n)
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// await records an outstanding request
func (c *Conn) await(txID uint16) {
	c.mu.Lock()
	c.txID = txID
	c.waiting = true
	c.mu.Unlock()
}

// answered clears the outstanding request flag
func (c *Conn) answered() {
	c.mu.Lock()
	c.waiting = false
	c.mu.Unlock()
}

// takeRegistration reports whether the on-data registration prefix is
// still owed and marks it sent.
func (c *Conn) takeRegistration() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return false
	}
	c.registered = true
	return true
}

func (c *Conn) markRegistered() {
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
}

// Info returns a snapshot of the connection
func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{
		ID:           c.ID,
		Slot:         c.Slot,
		Peer:         c.peer,
		ConnectTime:  c.ConnectTime,
		LastActivity: c.lastActivity,
		BytesIn:      c.bytesIn,
		BytesOut:     c.bytesOut,
		LastTxID:     c.txID,
		Waiting:      c.waiting,
	}
}

// ConnTable is the fixed size slot table of a socket
type ConnTable struct {
	mu     sync.Mutex
	slots  []*Conn
	exceed model.ExceedMode
}

// NewConnTable creates a table with size slots. Anything but KICK keeps
// existing connections when full.
func NewConnTable(size int, exceed model.ExceedMode) *ConnTable {
	if size <= 0 {
		size = 1
	}
	return &ConnTable{slots: make([]*Conn, size), exceed: exceed}
}

// Admit places c in a free slot. When the table is full a KICK table
// evicts the connection with the oldest connect time and returns it so the
// caller can close it; a KEEP table returns ErrTableFull.
func (t *ConnTable) Admit(c *Conn) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, slot := range t.slots {
		if slot == nil {
			c.Slot = i
			t.slots[i] = c
			return nil, nil
		}
	}
	if t.exceed != model.ExceedModeKick {
		return nil, ErrTableFull
	}

	oldest := 0
	for i := 1; i < len(t.slots); i++ {
		if t.slots[i].ConnectTime.Before(t.slots[oldest].ConnectTime) {
			oldest = i
		}
	}
	evicted := t.slots[oldest]
	c.Slot = oldest
	t.slots[oldest] = c
	return evicted, nil
}

// Remove frees the slot held by c. It reports false if c was not in the
// table, e.g. because it was already evicted.
func (t *ConnTable) Remove(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.Slot < 0 || c.Slot >= len(t.slots) || t.slots[c.Slot] != c {
		return false
	}
	t.slots[c.Slot] = nil
	return true
}

// Contains checks if c still holds its slot
func (t *ConnTable) Contains(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return c.Slot >= 0 && c.Slot < len(t.slots) && t.slots[c.Slot] == c
}

// Conns returns the live connections in slot order
func (t *ConnTable) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, 0, len(t.slots))
	for _, c := range t.slots {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// List returns snapshots of the live connections
func (t *ConnTable) List() []ConnInfo {
	conns := t.Conns()
	out := make([]ConnInfo, len(conns))
	for i, c := range conns {
		out[i] = c.Info()
	}
	return out
}

func (t *ConnTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.slots {
		if c != nil {
			n++
		}
	}
	return n
}

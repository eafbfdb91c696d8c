// Package serialtest provides an in-memory serial port for tests.
package serialtest

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/serial"
)

// Port is a fake serial port. Bytes written to it are recorded and, when
// Respond is set, answered as if a slave were on the line.
type Port struct {
	// Respond receives each physical write and returns the bytes the
	// line sends back, or nil for silence.
	Respond func(written []byte) []byte

	mu      sync.Mutex
	writes  [][]byte
	in      []byte
	timeout time.Duration
	drains  int
	resets  int
	closed  bool
	notify  chan struct{}
}

// New creates an empty fake port
func New() *Port {
	return &Port{notify: make(chan struct{}, 1), timeout: 10 * time.Millisecond}
}

// Opener returns an opener that always hands out p
func (p *Port) Opener() serial.Opener {
	return func(model.SerialConfig) (serial.Port, error) {
		return p, nil
	}
}

func (p *Port) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, errors.New("port closed")
		}
		if len(p.in) > 0 {
			n := copy(b, p.in)
			p.in = p.in[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	chunk := append([]byte(nil), b...)
	p.writes = append(p.writes, chunk)
	respond := p.Respond
	p.mu.Unlock()

	if respond != nil {
		if reply := respond(chunk); len(reply) > 0 {
			p.Feed(reply)
		}
	}
	return len(b), nil
}

// Feed makes data available to readers
func (p *Port) Feed(data []byte) {
	p.mu.Lock()
	p.in = append(p.in, data...)
	p.mu.Unlock()
	p.signal()
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *Port) Drain() error {
	p.mu.Lock()
	p.drains++
	p.mu.Unlock()
	return nil
}

func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	p.in = nil
	p.resets++
	p.mu.Unlock()
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
	return nil
}

// Written returns everything written so far, concatenated
func (p *Port) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Join(p.writes, nil)
}

// Writes returns each physical write separately
func (p *Port) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Drains returns how many times Drain was called
func (p *Port) Drains() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drains
}

// Resets returns how many times the input buffer was discarded
func (p *Port) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// Closed reports whether Close was called
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

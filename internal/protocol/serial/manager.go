// internal/protocol/serial/manager.go
package serial

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/metrics"
	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

const (
	flushTick     = 2 * time.Millisecond
	writeBackoff  = time.Millisecond
	readQuantum   = 20 * time.Millisecond
	defaultBuffer = 256

	defaultByteGap = 20 * time.Millisecond
)

var (
	// ErrNotConfigured is returned for a port index with no configuration
	ErrNotConfigured = errors.New("serial port not configured")
	// ErrNotOpen is returned when the port index has not been opened
	ErrNotOpen = errors.New("serial port not open")
	// ErrClosed is returned to writers blocked on a port that is closing
	ErrClosed = errors.New("serial port closed")
)

// Manager owns every serial port of the gateway. Reads and writes use
// separate locks; a caller that needs a request/response pair to be atomic
// takes the port with Acquire first.
type Manager struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	opener  Opener

	cfgMu   sync.RWMutex
	configs map[int]model.SerialConfig

	mu    sync.Mutex
	ports map[int]*portState
}

type portState struct {
	index  int
	cfg    model.SerialConfig
	port   Port
	logger *zap.Logger

	exchange chan struct{}

	readMu sync.Mutex

	// ioMu serializes physical writes so buffered bytes leave in order
	ioMu      sync.Mutex
	writeMu   sync.Mutex
	buf       []byte
	size      int
	lastFlush time.Time
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a new serial port manager. A nil opener uses OpenPort.
func NewManager(opener Opener, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if opener == nil {
		opener = OpenPort
	}
	return &Manager{
		logger:  logger.With(zap.String("component", "serial")),
		metrics: m,
		opener:  opener,
		configs: make(map[int]model.SerialConfig),
		ports:   make(map[int]*portState),
	}
}

// Configure replaces the line settings. Ports already open keep running
// with their old settings until reopened.
func (m *Manager) Configure(configs []model.SerialConfig) {
	next := make(map[int]model.SerialConfig, len(configs))
	for _, c := range configs {
		next[c.Index] = c
	}
	m.cfgMu.Lock()
	m.configs = next
	m.cfgMu.Unlock()
}

// Config returns the line settings of a port index
func (m *Manager) Config(index int) (model.SerialConfig, bool) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	c, ok := m.configs[index]
	return c, ok
}

// Configs returns all line settings
func (m *Manager) Configs() []model.SerialConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	out := make([]model.SerialConfig, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	return out
}

// Open configures the line and starts the port's flush task. Opening an
// open port is a no-op.
func (m *Manager) Open(index int) error {
	cfg, ok := m.Config(index)
	if !ok {
		return fmt.Errorf("%w: index %d", ErrNotConfigured, index)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ports[index]; exists {
		return nil
	}

	port, err := m.opener(cfg)
	if err != nil {
		m.logger.Error("Failed to open serial port",
			zap.Int("index", index),
			zap.String("port", cfg.Port),
			zap.Error(err),
		)
		return fmt.Errorf("failed to open serial port %d: %w", index, err)
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := &portState{
		index:     index,
		cfg:       cfg,
		port:      port,
		logger:    m.logger.With(zap.Int("index", index), zap.String("port", cfg.Port)),
		exchange:  make(chan struct{}, 1),
		buf:       make([]byte, 0, size),
		size:      size,
		lastFlush: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.ports[index] = ps
	go m.flushLoop(ctx, ps)

	ps.logger.Info("Serial port opened",
		zap.Int("baud_rate", cfg.BaudRate),
		zap.Int("data_bits", cfg.DataBits),
		zap.Int("stop_bits", cfg.StopBits),
		zap.String("parity", cfg.Parity),
		zap.Int("buffer_size", size),
	)
	return nil
}

// IsOpen reports whether the port index is open
func (m *Manager) IsOpen(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ports[index]
	return ok
}

func (m *Manager) state(index int) (*portState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.ports[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNotOpen, index)
	}
	return ps, nil
}

// Acquire takes exclusive use of a port for one request/response
// exchange. The returned function releases it.
func (m *Manager) Acquire(ctx context.Context, index int) (func(), error) {
	ps, err := m.state(index)
	if err != nil {
		return nil, err
	}
	select {
	case ps.exchange <- struct{}{}:
		return func() { <-ps.exchange }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write queues data in the port's write buffer. When the buffer is full
// it backs off until the flush task has made room.
func (m *Manager) Write(ctx context.Context, index int, data []byte) error {
	ps, err := m.state(index)
	if err != nil {
		return err
	}

	var timer *time.Timer
	for len(data) > 0 {
		ps.writeMu.Lock()
		if ps.closed {
			ps.writeMu.Unlock()
			return ErrClosed
		}
		if space := ps.size - len(ps.buf); space > 0 {
			n := len(data)
			if n > space {
				n = space
			}
			ps.buf = append(ps.buf, data[:n]...)
			data = data[n:]
		}
		ps.writeMu.Unlock()

		if len(data) == 0 {
			break
		}
		if timer == nil {
			timer = time.NewTimer(writeBackoff)
			defer timer.Stop()
		} else {
			timer.Reset(writeBackoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

func (m *Manager) flushLoop(ctx context.Context, ps *portState) {
	defer close(ps.done)
	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()

	label := metrics.PortLabel(ps.index)
	for {
		select {
		case <-ctx.Done():
			if err := m.flush(ps, "close"); err != nil {
				ps.logger.Warn("Failed to drain write buffer on close", zap.Error(err))
			}
			return
		case now := <-ticker.C:
			ps.writeMu.Lock()
			pending := len(ps.buf)
			due := pending > 0 &&
				(pending >= ps.size || now.Sub(ps.lastFlush) >= ps.cfg.WriteTimeoutDuration())
			trigger := "timeout"
			if pending >= ps.size {
				trigger = "full"
			}
			ps.writeMu.Unlock()
			if !due {
				continue
			}
			if err := m.flush(ps, trigger); err != nil {
				ps.logger.Error("Failed to flush serial port", zap.Error(err))
				m.metrics.SerialFlushes.WithLabelValues(label, "error").Inc()
			}
		}
	}
}

// flush writes out everything buffered so far and waits for the driver to
// transmit it.
func (m *Manager) flush(ps *portState, trigger string) error {
	ps.ioMu.Lock()
	defer ps.ioMu.Unlock()

	ps.writeMu.Lock()
	if len(ps.buf) == 0 {
		ps.writeMu.Unlock()
		return nil
	}
	data := make([]byte, len(ps.buf))
	copy(data, ps.buf)
	ps.buf = ps.buf[:0]
	ps.lastFlush = time.Now()
	ps.writeMu.Unlock()

	for written := 0; written < len(data); {
		n, err := ps.port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("failed to write to serial port: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("failed to write to serial port: wrote 0 of %d bytes", len(data)-written)
		}
		written += n
	}
	if err := ps.port.Drain(); err != nil {
		return fmt.Errorf("failed to drain serial port: %w", err)
	}

	label := metrics.PortLabel(ps.index)
	m.metrics.SerialBytes.WithLabelValues(label, "out").Add(float64(len(data)))
	m.metrics.SerialFlushes.WithLabelValues(label, trigger).Inc()
	ps.logger.Debug("Serial buffer flushed",
		zap.String("trigger", trigger),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Read collects up to maxLen bytes. The first byte must arrive within
// overall; after that reading stops once no byte arrives for byteGap.
func (m *Manager) Read(ctx context.Context, index, maxLen int, overall, byteGap time.Duration) ([]byte, error) {
	return m.ReadFrame(ctx, index, maxLen, overall, byteGap, nil)
}

// ReadFrame is Read with an early stop: reading ends as soon as complete
// reports the accumulated bytes form a whole frame.
func (m *Manager) ReadFrame(ctx context.Context, index, maxLen int, overall, byteGap time.Duration, complete func([]byte) bool) ([]byte, error) {
	ps, err := m.state(index)
	if err != nil {
		return nil, err
	}
	if maxLen <= 0 {
		return nil, fmt.Errorf("%w: read size %d", modbus.ErrInvalid, maxLen)
	}

	ps.readMu.Lock()
	defer ps.readMu.Unlock()

	buf := make([]byte, 0, maxLen)
	chunk := make([]byte, maxLen)
	deadline := time.Now().Add(overall)
	var last time.Time

	for len(buf) < maxLen {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		limit := deadline
		if len(buf) > 0 {
			limit = last.Add(byteGap)
		}
		wait := time.Until(limit)
		if wait <= 0 {
			break
		}
		if wait > readQuantum {
			wait = readQuantum
		}
		if err := ps.port.SetReadTimeout(wait); err != nil {
			return nil, fmt.Errorf("failed to set read timeout: %w", err)
		}
		n, err := ps.port.Read(chunk[:maxLen-len(buf)])
		if err != nil {
			return nil, fmt.Errorf("failed to read from serial port: %w", err)
		}
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			last = time.Now()
			if complete != nil && complete(buf) {
				break
			}
		}
	}

	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: no data on serial port %d within %s", modbus.ErrTimeout, index, overall)
	}
	m.metrics.SerialBytes.WithLabelValues(metrics.PortLabel(index), "in").Add(float64(len(buf)))
	return buf, nil
}

// Transact performs one request/response pair while holding the port:
// stale input is discarded, frame is written out immediately and the
// reply is read within timeout.
func (m *Manager) Transact(ctx context.Context, index int, frame []byte, timeout time.Duration, complete func([]byte) bool) ([]byte, error) {
	release, err := m.Acquire(ctx, index)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.Flush(index); err != nil {
		return nil, err
	}
	if err := m.Write(ctx, index, frame); err != nil {
		return nil, err
	}
	if err := m.Sync(index); err != nil {
		return nil, err
	}

	gap := defaultByteGap
	if cfg, ok := m.Config(index); ok && cfg.ByteTimeout > 0 {
		gap = cfg.ByteTimeoutDuration()
	}
	return m.ReadFrame(ctx, index, modbus.RTUMaxFrameLength, timeout, gap, complete)
}

// Flush writes out pending bytes and discards unread input
func (m *Manager) Flush(index int) error {
	ps, err := m.state(index)
	if err != nil {
		return err
	}
	if err := m.flush(ps, "manual"); err != nil {
		return err
	}
	if err := ps.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}
	return nil
}

// Sync writes out pending bytes immediately without touching input.
func (m *Manager) Sync(index int) error {
	ps, err := m.state(index)
	if err != nil {
		return err
	}
	return m.flush(ps, "sync")
}

// Close stops the flush task, drains pending output and releases the port
func (m *Manager) Close(index int) error {
	m.mu.Lock()
	ps, ok := m.ports[index]
	if ok {
		delete(m.ports, index)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.closePort(ps)
}

func (m *Manager) closePort(ps *portState) error {
	ps.writeMu.Lock()
	ps.closed = true
	ps.writeMu.Unlock()

	ps.cancel()
	<-ps.done

	ps.readMu.Lock()
	defer ps.readMu.Unlock()
	if err := ps.port.Close(); err != nil {
		ps.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port %d: %w", ps.index, err)
	}
	ps.logger.Info("Serial port closed")
	return nil
}

// CloseAll closes every open port
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ports := make([]*portState, 0, len(m.ports))
	for idx, ps := range m.ports {
		ports = append(ports, ps)
		delete(m.ports, idx)
	}
	m.mu.Unlock()

	for _, ps := range ports {
		_ = m.closePort(ps)
	}
}

// PortStatus describes one configured port for the status API
type PortStatus struct {
	Index   int                `json:"index"`
	Open    bool               `json:"open"`
	Pending int                `json:"pending_bytes"`
	Config  model.SerialConfig `json:"config"`
}

// Status lists all configured ports
func (m *Manager) Status() []PortStatus {
	configs := m.Configs()
	out := make([]PortStatus, 0, len(configs))
	for _, c := range configs {
		st := PortStatus{Index: c.Index, Config: c}
		if ps, err := m.state(c.Index); err == nil {
			st.Open = true
			ps.writeMu.Lock()
			st.Pending = len(ps.buf)
			ps.writeMu.Unlock()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

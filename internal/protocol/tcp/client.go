// internal/protocol/tcp/client.go
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
)

// Framing selects how requests are wrapped on the TCP link
type Framing int

const (
	// FramingMBAP uses the 6-byte transaction header
	FramingMBAP Framing = iota
	// FramingRTU sends plain RTU frames with CRC through the socket
	FramingRTU
)

// ErrNotConnected is returned by I/O on a closed client
var ErrNotConnected = errors.New("tcp connection not open")

// Config represents TCP master configuration
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	KeepAlive      bool
}

// Stats provides link-level statistics
type Stats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}

// Client is a Modbus master on one TCP connection.
type Client struct {
	config Config
	logger *zap.Logger

	// exchangeMu keeps request/response pairs from interleaving
	exchangeMu sync.Mutex

	mutex   sync.RWMutex
	conn    net.Conn
	address string
	txid    uint16
	stats   Stats
}

// NewClient creates a new TCP master client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 3 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = time.Second
	}
	return &Client{
		config: config,
		logger: logger.With(zap.String("protocol", "tcp")),
	}
}

// Connect dials host:port bounded by the connect timeout. An existing
// connection is closed first.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	if c.config.KeepAlive {
		dialer.KeepAlive = 30 * time.Second
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		c.stats.ErrorCount++
		c.logger.Error("Failed to open TCP connection", zap.String("address", address), zap.Error(err))
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	c.conn = conn
	c.address = address
	c.stats.IsConnected = true
	c.stats.LastActivity = time.Now()

	c.logger.Info("TCP connection opened", zap.String("address", address))
	return nil
}

// IsConnected returns whether the connection is open
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.conn != nil
}

// Close closes the connection
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.stats.IsConnected = false
	if err != nil {
		return fmt.Errorf("failed to close TCP connection: %w", err)
	}
	c.logger.Info("TCP connection closed", zap.String("address", c.address))
	return nil
}

func (c *Client) current() (net.Conn, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Write sends data bounded by the write timeout
func (c *Client) Write(ctx context.Context, data []byte) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	n, err := conn.Write(data)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err != nil {
		c.stats.ErrorCount++
		return fmt.Errorf("failed to write to TCP connection: %w", err)
	}
	if n != len(data) {
		c.stats.ErrorCount++
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}
	c.stats.BytesWritten += int64(n)
	c.stats.LastActivity = time.Now()
	return nil
}

// Read has the same semantics as the serial read: the first byte must
// arrive within overall, then reading stops after byteGap of silence or
// at maxLen bytes.
func (c *Client) Read(ctx context.Context, maxLen int, overall, byteGap time.Duration) ([]byte, error) {
	return c.ReadFrame(ctx, maxLen, overall, byteGap, nil)
}

// ReadFrame is Read with an early stop once complete accepts the bytes
func (c *Client) ReadFrame(ctx context.Context, maxLen int, overall, byteGap time.Duration, complete func([]byte) bool) ([]byte, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	if maxLen <= 0 {
		return nil, fmt.Errorf("%w: read size %d", modbus.ErrInvalid, maxLen)
	}

	// Unblock the read when the context ends
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 0, maxLen)
	chunk := make([]byte, maxLen)
	deadline := time.Now().Add(overall)
	for len(buf) < maxLen {
		if len(buf) > 0 {
			deadline = time.Now().Add(byteGap)
		}
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(chunk[:maxLen-len(buf)])
		buf = append(buf, chunk[:n]...)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				break
			}
			c.recordError()
			return nil, fmt.Errorf("failed to read from TCP connection: %w", err)
		}
		if complete != nil && complete(buf) {
			break
		}
	}

	if len(buf) == 0 {
		c.recordError()
		return nil, fmt.Errorf("%w: no data from %s within %s", modbus.ErrTimeout, conn.RemoteAddr(), overall)
	}

	c.mutex.Lock()
	c.stats.BytesRead += int64(len(buf))
	c.stats.LastActivity = time.Now()
	c.mutex.Unlock()
	return buf, nil
}

// Exchange sends one request and waits up to timeout for its response.
// The connection is dropped after a transport failure so the next
// exchange starts clean.
func (c *Client) Exchange(ctx context.Context, unit byte, req modbus.PDU, framing Framing, timeout time.Duration) (modbus.PDU, error) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	start := time.Now()
	resp, err := c.exchange(ctx, unit, req, framing, timeout)
	if err != nil && !errors.Is(err, modbus.ErrProtocol) {
		c.Close()
	}

	c.mutex.Lock()
	c.stats.OperationCount++
	c.updateAverageLatency(time.Since(start))
	c.mutex.Unlock()
	return resp, err
}

func (c *Client) exchange(ctx context.Context, unit byte, req modbus.PDU, framing Framing, timeout time.Duration) (modbus.PDU, error) {
	payload := make([]byte, 0, 2+len(req.Data))
	payload = append(payload, unit, req.FunctionCode)
	payload = append(payload, req.Data...)

	var frame []byte
	var txid uint16
	switch framing {
	case FramingMBAP:
		c.mutex.Lock()
		c.txid++
		txid = c.txid
		c.mutex.Unlock()
		frame = modbus.RTUToTCP(payload, txid)
	case FramingRTU:
		var err error
		if frame, err = modbus.EncodeRTU(unit, req); err != nil {
			return modbus.PDU{}, err
		}
	default:
		return modbus.PDU{}, fmt.Errorf("%w: unknown framing %d", modbus.ErrInvalid, framing)
	}

	if err := c.Write(ctx, frame); err != nil {
		return modbus.PDU{}, err
	}

	const byteGap = 50 * time.Millisecond
	if framing == FramingRTU {
		raw, err := c.ReadFrame(ctx, modbus.RTUMaxFrameLength, timeout, byteGap,
			func(b []byte) bool { return modbus.FrameComplete(req, b) })
		if err != nil {
			return modbus.PDU{}, err
		}
		gotUnit, resp, err := modbus.DecodeRTU(raw)
		if err != nil {
			return modbus.PDU{}, err
		}
		if gotUnit != unit {
			return modbus.PDU{}, fmt.Errorf("%w: unit id %d, want %d", modbus.ErrProtocol, gotUnit, unit)
		}
		return resp, modbus.CheckResponse(req, resp)
	}

	raw, err := c.ReadFrame(ctx, modbus.MaxTCPFrameLength, timeout, byteGap, func(b []byte) bool {
		n := modbus.FrameLength(b)
		return n > 0 && len(b) >= n
	})
	if err != nil {
		return modbus.PDU{}, err
	}
	if n := modbus.FrameLength(raw); n > 0 && len(raw) > n {
		raw = raw[:n]
	}
	gotTxid, body, err := modbus.TCPToRTU(raw)
	if err != nil {
		return modbus.PDU{}, err
	}
	if gotTxid != txid {
		return modbus.PDU{}, fmt.Errorf("%w: transaction id %d, want %d", modbus.ErrProtocol, gotTxid, txid)
	}
	if body[0] != unit {
		return modbus.PDU{}, fmt.Errorf("%w: unit id %d, want %d", modbus.ErrProtocol, body[0], unit)
	}
	resp := modbus.PDU{FunctionCode: body[1], Data: body[2:]}
	return resp, modbus.CheckResponse(req, resp)
}

// Stats returns a copy of the link statistics
func (c *Client) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.stats
}

func (c *Client) recordError() {
	c.mutex.Lock()
	c.stats.ErrorCount++
	c.mutex.Unlock()
}

// updateAverageLatency updates the running average latency
func (c *Client) updateAverageLatency(latency time.Duration) {
	if c.stats.AverageLatency == 0 {
		c.stats.AverageLatency = latency
	} else {
		c.stats.AverageLatency = (c.stats.AverageLatency + latency) / 2
	}
}

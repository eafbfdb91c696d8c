// internal/poller/link.go
package poller

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/serial"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/tcp"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// Link performs one request/response exchange with a device. The
// returned error matches one of the modbus error classes.
type Link interface {
	Exchange(ctx context.Context, dev *model.Device, req modbus.PDU, timeout time.Duration) (modbus.PDU, error)
}

// SerialLink exchanges RTU frames over the serial manager. The manager
// holds the port for the whole request/response pair so the gateway and
// the write path cannot interleave.
type SerialLink struct {
	manager *serial.Manager
}

// NewSerialLink creates a link over the serial manager
func NewSerialLink(manager *serial.Manager) *SerialLink {
	return &SerialLink{manager: manager}
}

// Exchange implements Link. A port that failed to open at startup is
// opened again on use.
func (l *SerialLink) Exchange(ctx context.Context, dev *model.Device, req modbus.PDU, timeout time.Duration) (modbus.PDU, error) {
	if !l.manager.IsOpen(dev.PortIndex) {
		if err := l.manager.Open(dev.PortIndex); err != nil {
			return modbus.PDU{}, err
		}
	}
	frame, err := modbus.EncodeRTU(dev.SlaveAddr, req)
	if err != nil {
		return modbus.PDU{}, err
	}
	raw, err := l.manager.Transact(ctx, dev.PortIndex, frame, timeout, func(b []byte) bool {
		return modbus.FrameComplete(req, b)
	})
	if err != nil {
		return modbus.PDU{}, err
	}
	unit, resp, err := modbus.DecodeRTU(raw)
	if err != nil {
		return modbus.PDU{}, err
	}
	if unit != dev.SlaveAddr {
		return modbus.PDU{}, fmt.Errorf("%w: reply from unit %d, want %d", modbus.ErrProtocol, unit, dev.SlaveAddr)
	}
	return resp, modbus.CheckResponse(req, resp)
}

// TCPLink keeps one master connection per remote endpoint and reconnects
// on demand.
type TCPLink struct {
	config tcp.Config
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*tcp.Client
}

// NewTCPLink creates a pool of TCP master connections
func NewTCPLink(config tcp.Config, logger *zap.Logger) *TCPLink {
	return &TCPLink{
		config:  config,
		logger:  logger,
		clients: make(map[string]*tcp.Client),
	}
}

// Exchange implements Link
func (l *TCPLink) Exchange(ctx context.Context, dev *model.Device, req modbus.PDU, timeout time.Duration) (modbus.PDU, error) {
	client := l.client(dev)
	if !client.IsConnected() {
		dl := utils.NewDeviceLogger(l.logger, dev.Name, string(dev.PortType), dev.SlaveAddr)
		err := client.Connect(ctx, dev.ServerAddress, dev.ServerPort)
		dl.LogConnection("connect", err == nil, err)
		if err != nil {
			return modbus.PDU{}, err
		}
	}
	framing := tcp.FramingMBAP
	if dev.Protocol == model.ProtocolRTUOverTCP || dev.Protocol == model.ProtocolRTU {
		framing = tcp.FramingRTU
	}
	return client.Exchange(ctx, dev.SlaveAddr, req, framing, timeout)
}

func (l *TCPLink) client(dev *model.Device) *tcp.Client {
	key := net.JoinHostPort(dev.ServerAddress, strconv.Itoa(dev.ServerPort))
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[key]
	if !ok {
		c = tcp.NewClient(l.config, l.logger.With(zap.String("remote", key)))
		l.clients[key] = c
	}
	return c
}

// Stats returns the statistics of every remote endpoint
func (l *TCPLink) Stats() map[string]tcp.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]tcp.Stats, len(l.clients))
	for k, c := range l.clients {
		out[k] = c.Stats()
	}
	return out
}

// Close drops every connection
func (l *TCPLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.clients {
		c.Close()
	}
}

// Router sends each device to the link matching its port type
type Router struct {
	Serial Link
	TCP    Link
}

// Exchange implements Link
func (r *Router) Exchange(ctx context.Context, dev *model.Device, req modbus.PDU, timeout time.Duration) (modbus.PDU, error) {
	link := r.Serial
	if !dev.IsSerial() {
		link = r.TCP
	}
	if link == nil {
		return modbus.PDU{}, fmt.Errorf("%w: no link for port type %s", modbus.ErrInvalid, dev.PortType)
	}
	return link.Exchange(ctx, dev, req, timeout)
}

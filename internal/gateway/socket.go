// internal/gateway/socket.go
package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/metrics"
	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

const (
	defaultResponseTimeout   = time.Second
	defaultReconnectInterval = 5 * time.Second
	connectTimeout           = 5 * time.Second
	writeTimeout             = 5 * time.Second
	transparentPoll          = 100 * time.Millisecond
	transparentGap           = 20 * time.Millisecond
	serialRetryDelay         = time.Second
	requestQueueSize         = 32
)

// Serial is the part of the serial transport a socket drives
type Serial interface {
	Transact(ctx context.Context, index int, frame []byte, timeout time.Duration, complete func([]byte) bool) ([]byte, error)
	Write(ctx context.Context, index int, data []byte) error
	Read(ctx context.Context, index, maxLen int, overall, byteGap time.Duration) ([]byte, error)
}

// UnitResolver maps an upstream unit id to the downstream slave address
type UnitResolver interface {
	ResolveUnit(unit byte) (byte, bool)
}

// RegisterResolver maps an upstream register address to the address of
// the node presented there
type RegisterResolver interface {
	ResolveRegister(port int, slave, function byte, addr uint16) (uint16, bool)
}

// EventPublisher receives connection lifecycle events
type EventPublisher interface {
	PublishEvent(event model.GatewayEvent)
}

// Dependencies bundles what every socket of a gateway shares
type Dependencies struct {
	Serial    Serial
	Units     UnitResolver
	Registers RegisterResolver
	Events    EventPublisher
	Identity  model.Identity
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type inbound struct {
	conn *Conn
	data []byte
}

type request struct {
	conn    *Conn
	txID    uint16
	unit    byte
	payload []byte
	pdu     modbus.PDU
	at      time.Time

	// upstream register address when it was remapped downstream
	remapped bool
	address  uint16
}

type result struct {
	req   request
	reply []byte
	err   error
}

// Socket bridges one serial port to one network endpoint. Network
// readers feed a single event loop; in modbus mode one worker goroutine
// serves queued requests on the serial line in arrival order.
type Socket struct {
	cfg      model.SocketConfig
	deps     Dependencies
	label    string
	logger   *zap.Logger
	security *utils.SecurityLogger
	table    *ConnTable
	payloads sessionPayloads

	inbound  chan inbound
	requests chan request
	results  chan result
	serialIn chan []byte

	ready chan struct{}
	addr  net.Addr
	wg    sync.WaitGroup
}

// NewSocket creates a socket for cfg
func NewSocket(cfg model.SocketConfig, deps Dependencies) *Socket {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	logger = logger.With(
		zap.String("component", "gateway"),
		zap.Int("socket", cfg.Index),
		zap.String("mode", string(cfg.SocketMode)),
	)
	return &Socket{
		cfg:      cfg,
		deps:     deps,
		label:    metrics.SocketLabel(cfg.Index),
		logger:   logger,
		security: utils.NewSecurityLogger(logger),
		table:    NewConnTable(cfg.MaxSockets, cfg.ExceedMode),
		inbound:  make(chan inbound, requestQueueSize),
		requests: make(chan request, requestQueueSize),
		results:  make(chan result, requestQueueSize),
		serialIn: make(chan []byte, requestQueueSize),
		ready:    make(chan struct{}),
	}
}

// Config returns the socket configuration
func (s *Socket) Config() model.SocketConfig {
	return s.cfg
}

// Connections lists the live peers
func (s *Socket) Connections() []ConnInfo {
	return s.table.List()
}

// Ready is closed once the socket has bound or started dialing
func (s *Socket) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound local address of a server socket, valid after Ready
func (s *Socket) Addr() net.Addr {
	return s.addr
}

// Run serves the socket until ctx is cancelled. Only setup failures,
// such as a port that cannot be bound, are returned.
func (s *Socket) Run(ctx context.Context) error {
	payloads, err := buildPayloads(s.cfg, s.deps.Identity)
	if err != nil {
		return fmt.Errorf("socket %d: %w", s.cfg.Index, err)
	}
	s.payloads = payloads

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		for _, c := range s.table.Conns() {
			s.drop(c, "shutdown")
		}
		s.wg.Wait()
	}()

	if err := s.startTransport(ctx); err != nil {
		return fmt.Errorf("socket %d: %w", s.cfg.Index, err)
	}
	if s.transparent() {
		s.spawn(func() { s.serialReader(ctx) })
	} else {
		s.spawn(func() { s.serialWorker(ctx) })
	}

	s.logger.Info("Gateway socket started",
		zap.Int("serial_port", s.cfg.SerialPort),
		zap.String("working_mode", string(s.cfg.WorkingMode)),
	)
	s.loop(ctx)
	s.logger.Info("Gateway socket stopped")
	return nil
}

func (s *Socket) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Socket) startTransport(ctx context.Context) error {
	local := net.JoinHostPort("", strconv.Itoa(s.cfg.LocalPort))
	switch s.cfg.SocketMode {
	case model.SocketModeTCPServer:
		ln, err := net.Listen("tcp", local)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", local, err)
		}
		s.addr = ln.Addr()
		stop := context.AfterFunc(ctx, func() { ln.Close() })
		s.spawn(func() {
			defer stop()
			s.serveTCP(ctx, ln)
		})
	case model.SocketModeUDPServer:
		pc, err := net.ListenPacket("udp", local)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", local, err)
		}
		s.addr = pc.LocalAddr()
		stop := context.AfterFunc(ctx, func() { pc.Close() })
		s.spawn(func() {
			defer stop()
			s.serveUDP(ctx, pc)
		})
	case model.SocketModeTCPClient:
		s.spawn(func() { s.runClient(ctx, "tcp") })
	case model.SocketModeUDPClient:
		s.spawn(func() { s.runClient(ctx, "udp") })
	default:
		return fmt.Errorf("unknown socket mode %q", s.cfg.SocketMode)
	}
	close(s.ready)
	return nil
}

func (s *Socket) loop(ctx context.Context) {
	var heartbeat <-chan time.Time
	if len(s.payloads.heartbeat) > 0 {
		ticker := time.NewTicker(s.cfg.HeartbeatIntervalDuration())
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-s.inbound:
			if s.transparent() {
				s.forwardRaw(ctx, in)
			} else {
				s.handleFrame(in)
			}
		case res := <-s.results:
			s.handleResult(res)
		case data := <-s.serialIn:
			for _, c := range s.table.Conns() {
				s.sendUp(c, data)
			}
		case <-heartbeat:
			for _, c := range s.table.Conns() {
				if !c.Send(s.payloads.heartbeat) {
					s.evict(c, "send_queue")
				}
			}
		}
	}
}

// handleFrame translates one network frame to an RTU request and queues
// it for the serial worker. Malformed frames are dropped, the connection
// stays open.
func (s *Socket) handleFrame(in inbound) {
	txID, payload, err := modbus.TCPToRTU(in.data)
	if err != nil {
		s.logger.Debug("Dropping malformed frame",
			zap.String("conn_id", in.conn.ID),
			zap.Error(err),
		)
		return
	}

	unit := payload[0]
	if s.deps.Units != nil {
		if slave, ok := s.deps.Units.ResolveUnit(unit); ok {
			payload[0] = slave
		}
	}

	req := request{
		conn:    in.conn,
		txID:    txID,
		unit:    unit,
		payload: payload,
		pdu:     modbus.PDU{FunctionCode: payload[1], Data: payload[2:]},
		at:      time.Now(),
	}
	if s.deps.Registers != nil && len(payload) >= 4 {
		addr := binary.BigEndian.Uint16(payload[2:])
		if to, ok := s.deps.Registers.ResolveRegister(s.cfg.SerialPort, payload[0], payload[1], addr); ok && to != addr {
			binary.BigEndian.PutUint16(payload[2:], to)
			req.remapped, req.address = true, addr
		}
	}
	select {
	case s.requests <- req:
		in.conn.await(txID)
		s.deps.Metrics.Frames.WithLabelValues(s.label, "up").Inc()
	default:
		s.logger.Warn("Request queue full, dropping frame", zap.String("conn_id", in.conn.ID))
	}
}

func (s *Socket) handleResult(res result) {
	c := res.req.conn
	if !s.table.Contains(c) {
		return
	}
	c.answered()

	if res.err != nil {
		if errors.Is(res.err, modbus.ErrTimeout) {
			s.logger.Warn("No response from serial slave, evicting connection",
				zap.String("conn_id", c.ID),
				zap.String("peer", c.Peer()),
				zap.Uint8("unit", res.req.unit),
				zap.Duration("elapsed", time.Since(res.req.at)),
			)
			s.evict(c, "timeout")
			return
		}
		s.logger.Warn("Serial exchange failed", zap.String("conn_id", c.ID), zap.Error(res.err))
		return
	}

	payload, err := modbus.StripCRC(res.reply)
	if err != nil {
		s.logger.Warn("Dropping corrupt serial reply", zap.String("conn_id", c.ID), zap.Error(err))
		return
	}
	if payload[0] != res.req.payload[0] {
		s.logger.Warn("Dropping reply from unexpected unit",
			zap.Uint8("got", payload[0]),
			zap.Uint8("want", res.req.payload[0]),
		)
		return
	}
	if modbus.IsException(payload) && !s.cfg.TCPException {
		s.logger.Debug("Suppressing exception reply",
			zap.String("conn_id", c.ID),
			zap.Uint8("function", payload[1]),
		)
		return
	}

	body := make([]byte, len(payload))
	copy(body, payload)
	body[0] = res.req.unit
	// write replies echo the register address
	if res.req.remapped && len(body) >= 4 && !modbus.IsException(body) && !modbus.IsReadFunction(body[1]) {
		binary.BigEndian.PutUint16(body[2:], res.req.address)
	}
	s.sendUp(c, modbus.RTUToTCP(body, res.req.txID))
}

func (s *Socket) forwardRaw(ctx context.Context, in inbound) {
	if err := s.deps.Serial.Write(ctx, s.cfg.SerialPort, in.data); err != nil {
		s.logger.Warn("Failed to forward to serial port", zap.Error(err))
		return
	}
	s.deps.Metrics.Frames.WithLabelValues(s.label, "up").Inc()
}

// sendUp queues data towards the peer, prefixed with the registration
// packet when it is owed on first data.
func (s *Socket) sendUp(c *Conn, data []byte) {
	if s.registerOnData() && c.takeRegistration() {
		prefixed := make([]byte, 0, len(s.payloads.registration)+len(data))
		prefixed = append(prefixed, s.payloads.registration...)
		data = append(prefixed, data...)
	}
	if !c.Send(data) {
		s.evict(c, "send_queue")
		return
	}
	s.deps.Metrics.Frames.WithLabelValues(s.label, "down").Inc()
}

func (s *Socket) serialWorker(ctx context.Context) {
	timeout := s.cfg.ResponseTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultResponseTimeout
	}

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			if !s.table.Contains(req.conn) {
				continue
			}
			reply, err := s.deps.Serial.Transact(ctx, s.cfg.SerialPort, modbus.AppendCRC(req.payload), timeout,
				func(b []byte) bool { return modbus.FrameComplete(req.pdu, b) })
			select {
			case s.results <- result{req: req, reply: reply, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// serialReader feeds unsolicited serial data to the event loop in
// transparent mode. The socket owns the port in this mode.
func (s *Socket) serialReader(ctx context.Context) {
	for {
		data, err := s.deps.Serial.Read(ctx, s.cfg.SerialPort, modbus.RTUMaxFrameLength, transparentPoll, transparentGap)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			select {
			case s.serialIn <- data:
			case <-ctx.Done():
				return
			}
		case errors.Is(err, modbus.ErrTimeout):
		default:
			s.logger.Warn("Serial read failed", zap.Error(err))
			if !sleep(ctx, serialRetryDelay) {
				return
			}
		}
	}
}

// admit places c in the connection table. Rejected peers are closed.
func (s *Socket) admit(c *Conn) bool {
	evicted, err := s.table.Admit(c)
	if err != nil {
		s.security.LogRejectedPeer(s.cfg.Index, c.Peer(), err.Error())
		c.Close()
		return false
	}
	if evicted != nil {
		s.logger.Info("Evicting oldest connection",
			zap.String("conn_id", evicted.ID),
			zap.String("peer", evicted.Peer()),
		)
		s.deps.Metrics.Evictions.WithLabelValues(s.label, "kick").Inc()
		evicted.Close()
		s.closed(evicted, "kick")
	}

	s.deps.Metrics.Connections.WithLabelValues(s.label).Set(float64(s.table.Len()))
	s.logger.Info("Connection opened",
		zap.String("conn_id", c.ID),
		zap.String("peer", c.Peer()),
		zap.Int("slot", c.Slot),
	)
	s.publish(model.EventConnectionOpened, c, "")

	if len(s.payloads.registration) > 0 && !s.registerOnData() {
		c.Send(s.payloads.registration)
		c.markRegistered()
	}
	return true
}

// evict closes c on the gateway's initiative
func (s *Socket) evict(c *Conn, reason string) {
	if s.table.Contains(c) {
		s.deps.Metrics.Evictions.WithLabelValues(s.label, reason).Inc()
	}
	s.drop(c, reason)
}

// drop closes c and frees its slot. Safe to call more than once.
func (s *Socket) drop(c *Conn, reason string) {
	removed := s.table.Remove(c)
	c.Close()
	if removed {
		s.closed(c, reason)
	}
}

func (s *Socket) closed(c *Conn, reason string) {
	s.deps.Metrics.Connections.WithLabelValues(s.label).Set(float64(s.table.Len()))
	s.logger.Info("Connection closed",
		zap.String("conn_id", c.ID),
		zap.String("peer", c.Peer()),
		zap.String("reason", reason),
	)
	s.publish(model.EventConnectionClosed, c, reason)
}

func (s *Socket) publish(eventType model.EventType, c *Conn, reason string) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.PublishEvent(model.NewEvent(eventType, "gateway", model.ConnectionEventData{
		Socket:       s.cfg.Index,
		ConnectionID: c.ID,
		Peer:         c.Peer(),
		Reason:       reason,
	}))
}

// writePump drains the send queue of c
func (s *Socket) writePump(ctx context.Context, c *Conn, write func([]byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case data := <-c.send:
			if err := write(data); err != nil {
				s.logger.Warn("Write to peer failed", zap.String("conn_id", c.ID), zap.Error(err))
				s.drop(c, "write_error")
				return
			}
			c.sent(len(data))
		}
	}
}

// deliver hands data read from c to the event loop
func (s *Socket) deliver(ctx context.Context, c *Conn, data []byte) bool {
	select {
	case s.inbound <- inbound{conn: c, data: data}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Socket) transparent() bool {
	return s.cfg.WorkingMode == model.WorkingModeTransparent
}

func (s *Socket) registerOnData() bool {
	return s.cfg.RegistrationLocation == model.RegisterOnData
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

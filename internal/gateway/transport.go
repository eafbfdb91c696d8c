// internal/gateway/transport.go
package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
)

const readChunk = 2048

func (s *Socket) serveTCP(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			if !sleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		s.attach(ctx, nc, true)
	}
}

// attach admits a connected socket and starts its reader and writer
func (s *Socket) attach(ctx context.Context, nc net.Conn, stream bool) *Conn {
	c := newConn(nc.RemoteAddr().String(), nc.Close)
	if !s.admit(c) {
		return nil
	}
	s.spawn(func() {
		s.writePump(ctx, c, func(data []byte) error {
			if err := nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return err
			}
			_, err := nc.Write(data)
			return err
		})
	})
	s.spawn(func() { s.readConn(ctx, c, nc, stream) })
	return c
}

// readConn reads from nc until it fails. A stream is split into network
// frames in modbus mode; each datagram read is one frame.
func (s *Socket) readConn(ctx context.Context, c *Conn, nc net.Conn, stream bool) {
	reason := "read_error"
	defer func() { s.drop(c, reason) }()

	chunk := make([]byte, readChunk)
	var buf []byte
	for {
		n, err := nc.Read(chunk)
		if n > 0 {
			c.received(n)
			data := append([]byte(nil), chunk[:n]...)
			switch {
			case s.transparent() || !stream:
				if !s.deliver(ctx, c, data) {
					return
				}
			default:
				buf = append(buf, data...)
				if buf = s.splitFrames(ctx, c, buf); buf == nil {
					return
				}
			}
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				reason = "shutdown"
			case errors.Is(err, io.EOF):
				reason = "peer_closed"
			default:
				s.logger.Debug("Read from peer failed", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}

// splitFrames delivers every complete frame at the head of buf and returns
// the remainder, or nil once ctx is done. Data that cannot start a valid
// frame is discarded.
func (s *Socket) splitFrames(ctx context.Context, c *Conn, buf []byte) []byte {
	for len(buf) >= modbus.MBAPHeaderLength {
		n := modbus.FrameLength(buf)
		if n > modbus.MaxTCPFrameLength || n < modbus.MBAPHeaderLength+2 {
			s.logger.Debug("Discarding unframed data",
				zap.String("conn_id", c.ID),
				zap.Int("bytes", len(buf)),
			)
			return buf[:0]
		}
		if len(buf) < n {
			break
		}
		frame := append([]byte(nil), buf[:n]...)
		buf = buf[n:]
		if !s.deliver(ctx, c, frame) {
			return nil
		}
	}
	if len(buf) == 0 {
		return buf[:0]
	}
	return append([]byte(nil), buf...)
}

// udpPeer is the last seen remote of a UDP server socket
type udpPeer struct {
	mu   sync.Mutex
	addr net.Addr
}

func (p *udpPeer) set(addr net.Addr) {
	p.mu.Lock()
	p.addr = addr
	p.mu.Unlock()
}

func (p *udpPeer) get() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// serveUDP treats the last peer a datagram came from as the single
// logical connection of the socket.
func (s *Socket) serveUDP(ctx context.Context, pc net.PacketConn) {
	peer := &udpPeer{}
	var current *Conn
	buf := make([]byte, readChunk)

	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("UDP read failed", zap.Error(err))
			continue
		}
		if !s.accessAllowed(addr) {
			s.security.LogRejectedPeer(s.cfg.Index, addr.String(), "access filter")
			continue
		}

		peer.set(addr)
		if current == nil || !s.table.Contains(current) {
			c := newConn(addr.String(), nil)
			if !s.admit(c) {
				continue
			}
			s.spawn(func() {
				s.writePump(ctx, c, func(data []byte) error {
					to := peer.get()
					if err := pc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
						return err
					}
					_, err := pc.WriteTo(data, to)
					return err
				})
			})
			current = c
		}
		current.setPeer(addr.String())
		current.received(n)
		if !s.deliver(ctx, current, append([]byte(nil), buf[:n]...)) {
			return
		}
	}
}

// accessAllowed applies the UDP server source filter
func (s *Socket) accessAllowed(addr net.Addr) bool {
	if !s.cfg.AccessFilter {
		return true
	}
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	if s.cfg.AccessPort > 0 && ua.Port != s.cfg.AccessPort {
		return false
	}
	if s.cfg.AccessIP != "" && !ua.IP.Equal(net.ParseIP(s.cfg.AccessIP)) {
		return false
	}
	return true
}

// runClient keeps one outbound connection to the configured remote,
// redialing after the reconnect interval whenever it is lost.
func (s *Socket) runClient(ctx context.Context, network string) {
	remote := net.JoinHostPort(s.cfg.RemoteHost, strconv.Itoa(s.cfg.RemotePort))
	interval := s.cfg.ReconnectIntervalDuration()
	if interval <= 0 {
		interval = defaultReconnectInterval
	}
	dialer := &net.Dialer{Timeout: connectTimeout}

	for {
		nc, err := dialer.DialContext(ctx, network, remote)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Failed to connect to remote",
				zap.String("remote", remote),
				zap.Duration("retry_in", interval),
				zap.Error(err),
			)
		} else if c := s.attach(ctx, nc, network == "tcp"); c != nil {
			select {
			case <-c.Done():
			case <-ctx.Done():
				return
			}
		}
		if !sleep(ctx, interval) {
			return
		}
	}
}

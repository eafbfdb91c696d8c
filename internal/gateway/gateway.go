// internal/gateway/gateway.go
package gateway

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

// SocketStatus describes one running socket
type SocketStatus struct {
	Config      model.SocketConfig `json:"config"`
	Running     bool               `json:"running"`
	Error       string             `json:"error,omitempty"`
	Connections []ConnInfo         `json:"connections"`
}

// Gateway runs one Socket per enabled socket configuration
type Gateway struct {
	deps   Dependencies
	logger *zap.Logger

	mu      sync.RWMutex
	sockets []*Socket
	running map[int]bool
	errs    map[int]error
}

// New creates a gateway for the given socket configurations. Disabled
// and invalid entries are skipped.
func New(configs []model.SocketConfig, deps Dependencies) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		deps:    deps,
		logger:  logger.With(zap.String("component", "gateway")),
		running: make(map[int]bool),
		errs:    make(map[int]error),
	}

	transparentPorts := make(map[int]int)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := cfg.Validate(); err != nil {
			g.logger.Warn("Skipping invalid socket configuration", zap.Error(err))
			continue
		}
		if cfg.WorkingMode == model.WorkingModeTransparent {
			if other, taken := transparentPorts[cfg.SerialPort]; taken {
				g.logger.Warn("Serial port already owned by a transparent socket, skipping",
					zap.Int("socket", cfg.Index),
					zap.Int("owner", other),
					zap.Int("serial_port", cfg.SerialPort),
				)
				continue
			}
			transparentPorts[cfg.SerialPort] = cfg.Index
		}
		g.sockets = append(g.sockets, NewSocket(cfg, deps))
	}
	return g
}

// Run starts every socket and blocks until ctx is cancelled and all
// sockets have stopped. A socket that fails to start is logged and does
// not affect the others.
func (g *Gateway) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range g.sockets {
		wg.Add(1)
		go func(s *Socket) {
			defer wg.Done()
			index := s.Config().Index

			g.setRunning(index, true, nil)
			err := s.Run(ctx)
			g.setRunning(index, false, err)
			if err != nil {
				g.logger.Error("Gateway socket failed", zap.Int("socket", index), zap.Error(err))
			}
		}(s)
	}
	wg.Wait()
}

func (g *Gateway) setRunning(index int, running bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running[index] = running
	if err != nil {
		g.errs[index] = err
	}
}

// Sockets returns the managed sockets
func (g *Gateway) Sockets() []*Socket {
	return g.sockets
}

// Status reports every socket with its live connections, ordered by index
func (g *Gateway) Status() []SocketStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]SocketStatus, 0, len(g.sockets))
	for _, s := range g.sockets {
		cfg := s.Config()
		st := SocketStatus{
			Config:      cfg,
			Running:     g.running[cfg.Index],
			Connections: s.Connections(),
		}
		if err := g.errs[cfg.Index]; err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Index < out[j].Config.Index })
	return out
}

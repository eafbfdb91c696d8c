package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/config"
	"github.com/linhtrum/gateway-app-sub000/internal/gateway"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/serial"
	"github.com/linhtrum/gateway-app-sub000/internal/protocol/tcp"
)

type fakeSockets []gateway.SocketStatus

func (f fakeSockets) Status() []gateway.SocketStatus { return f }

type fakePorts []serial.PortStatus

func (f fakePorts) Status() []serial.PortStatus { return f }

type fakeLinks map[string]tcp.Stats

func (f fakeLinks) Stats() map[string]tcp.Stats { return f }

type fakePinger struct{ err error }

func (p fakePinger) HealthCheck(ctx context.Context) error { return p.err }

func get(engine *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestGatewayRoutes(t *testing.T) {
	sockets := fakeSockets{{
		Config:  model.SocketConfig{Index: 0, SocketMode: model.SocketModeTCPServer, LocalPort: 502},
		Running: true,
	}}
	ports := fakePorts{{Index: 0, Open: true, Config: model.SerialConfig{Port: "/dev/ttyS0", BaudRate: 9600}}}

	links := fakeLinks{"10.0.0.5:502": {OperationCount: 7, IsConnected: true}}

	h := NewGatewayHandler(sockets, ports, links, zap.NewNop())
	engine := gin.New()
	h.RegisterRoutes(engine.Group("/api/v1"))

	if w := get(engine, "/api/v1/gateway/sockets"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"running":true`) {
		t.Errorf("sockets: %d %s", w.Code, w.Body)
	}
	if w := get(engine, "/api/v1/serial/ports"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `/dev/ttyS0`) {
		t.Errorf("ports: %d %s", w.Code, w.Body)
	}

	if w := get(engine, "/api/v1/tcp/links"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"operation_count":7`) {
		t.Errorf("links: %d %s", w.Code, w.Body)
	}

	h.hostPort = func() ([]serial.PortInfo, error) {
		return []serial.PortInfo{{Name: "/dev/ttyUSB0", USB: true, VID: "0403", PID: "6001"}}, nil
	}
	if w := get(engine, "/api/v1/serial/available"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `/dev/ttyUSB0`) {
		t.Errorf("available: %d %s", w.Code, w.Body)
	}

	h.hostPort = func() ([]serial.PortInfo, error) { return nil, errors.New("no sysfs") }
	if w := get(engine, "/api/v1/serial/available"); w.Code != http.StatusInternalServerError {
		t.Errorf("enumeration failure: %d, want 500", w.Code)
	}
}

func TestGatewayRoutesWithoutComponents(t *testing.T) {
	engine := gin.New()
	NewGatewayHandler(nil, nil, nil, zap.NewNop()).RegisterRoutes(engine.Group("/api/v1"))

	if w := get(engine, "/api/v1/gateway/sockets"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"data":[]`) {
		t.Errorf("sockets: %d %s", w.Code, w.Body)
	}
}

func TestHealthRoutes(t *testing.T) {
	cfg := &config.Config{App: config.AppConfig{Name: "gateway", Version: "test"}}

	tests := []struct {
		name   string
		db     Pinger
		ports  PortLister
		health int
		ready  int
		want   string
	}{
		{"no database", nil, nil, http.StatusOK, http.StatusOK, `"status":"healthy"`},
		{"database up", fakePinger{}, fakePorts{{Open: true}}, http.StatusOK, http.StatusOK, `"database"`},
		{"database down", fakePinger{err: errors.New("refused")}, nil, http.StatusServiceUnavailable, http.StatusServiceUnavailable, `"status":"unhealthy"`},
		{"port closed", nil, fakePorts{{Open: true}, {Index: 1}}, http.StatusOK, http.StatusOK, `"degraded"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := gin.New()
			NewHealthHandler(tt.db, testRegistry(), tt.ports, cfg, zap.NewNop()).RegisterRoutes(&engine.RouterGroup)

			w := get(engine, "/health")
			if w.Code != tt.health {
				t.Errorf("health = %d, want %d", w.Code, tt.health)
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("health body missing %s: %s", tt.want, w.Body)
			}
			if w := get(engine, "/ready"); w.Code != tt.ready {
				t.Errorf("ready = %d, want %d", w.Code, tt.ready)
			}
			if w := get(engine, "/live"); w.Code != http.StatusOK {
				t.Errorf("live = %d", w.Code)
			}
		})
	}
}

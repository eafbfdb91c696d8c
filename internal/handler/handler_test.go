package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	mb "github.com/goburrow/modbus"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/config"
	"github.com/linhtrum/gateway-app-sub000/internal/device"
	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/repository"
	"github.com/linhtrum/gateway-app-sub000/internal/service"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// writeLink echoes writes, or fails them with err
type writeLink struct {
	err error
}

func (l *writeLink) Exchange(ctx context.Context, dev *model.Device, req modbus.PDU, timeout time.Duration) (modbus.PDU, error) {
	if l.err != nil {
		return modbus.PDU{}, l.err
	}
	return modbus.PDU{FunctionCode: req.FunctionCode, Data: append([]byte(nil), req.Data[:4]...)}, nil
}

func testRegistry() *device.Registry {
	reg := device.NewRegistry()
	reg.Replace([]*model.Device{{
		Name:      "meter",
		SlaveAddr: 1,
		Nodes: []*model.Node{
			{Name: "voltage", Function: mb.FuncCodeReadHoldingRegisters, Address: 0, DataType: modbus.TypeFloat32ABCD},
			{Name: "level", Function: mb.FuncCodeReadInputRegisters, Address: 8, DataType: modbus.TypeUint16},
		},
	}})
	return reg
}

type fixture struct {
	engine   *gin.Engine
	registry *device.Registry
	bus      *EventBus
	store    repository.KVStore
}

func newFixture(t *testing.T, link *writeLink) *fixture {
	t.Helper()
	logger := zap.NewNop()
	reg := testRegistry()
	bus := NewEventBus(logger)
	store := repository.NewMemoryStore()
	qs := service.NewQueryService(service.QueryConfig{Timeout: 50 * time.Millisecond}, reg, link, nil, bus, nil, logger)
	cs := service.NewConfigService(store, reg, &config.Config{}, bus, logger)

	engine := gin.New()
	api := engine.Group("/api/v1")
	NewDeviceHandler(reg, qs, logger).RegisterRoutes(api)
	NewOperationHandler(qs, logger).RegisterRoutes(api)
	NewConfigHandler(cs, logger).RegisterRoutes(api)
	return &fixture{engine: engine, registry: reg, bus: bus, store: store}
}

func (f *fixture) do(method, path, body string) (*httptest.ResponseRecorder, utils.APIResponse) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var resp utils.APIResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", device.ErrNodeNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", repository.ErrKeyNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", modbus.ErrInvalid), http.StatusBadRequest},
		{fmt.Errorf("x: %w", repository.ErrInvalidKey), http.StatusBadRequest},
		{fmt.Errorf("x: %w", modbus.ErrTimeout), http.StatusGatewayTimeout},
		{modbus.NewException(3, 2), http.StatusBadGateway},
		{service.ErrQueueFull, http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestDeviceRoutes(t *testing.T) {
	f := newFixture(t, &writeLink{})

	w, resp := f.do(http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("list devices: %d %s", w.Code, w.Body)
	}

	w, _ = f.do(http.MethodGet, "/api/v1/devices/meter", "")
	if w.Code != http.StatusOK {
		t.Errorf("get device: %d", w.Code)
	}
	w, _ = f.do(http.MethodGet, "/api/v1/devices/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing device: %d, want 404", w.Code)
	}

	w, _ = f.do(http.MethodGet, "/api/v1/nodes/voltage", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"device":"meter"`) {
		t.Errorf("get node: %d %s", w.Code, w.Body)
	}
}

func TestWriteNodeRoute(t *testing.T) {
	tests := []struct {
		name   string
		link   *writeLink
		node   string
		body   string
		status int
	}{
		{"success", &writeLink{}, "voltage", `{"value": 230.5}`, http.StatusOK},
		{"string value", &writeLink{}, "voltage", `{"value": "12"}`, http.StatusOK},
		{"bad body", &writeLink{}, "voltage", `{"value": }`, http.StatusBadRequest},
		{"read only", &writeLink{}, "level", `{"value": 1}`, http.StatusBadRequest},
		{"unknown node", &writeLink{}, "ghost", `{"value": 1}`, http.StatusNotFound},
		{"device timeout", &writeLink{err: fmt.Errorf("%w: silent", modbus.ErrTimeout)}, "voltage", `{"value": 1}`, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.link)
			w, _ := f.do(http.MethodPut, "/api/v1/nodes/"+tt.node, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body)
			}
		})
	}
}

func TestOperationRoutes(t *testing.T) {
	f := newFixture(t, &writeLink{})
	w, resp := f.do(http.MethodPut, "/api/v1/nodes/voltage", `{"value": 1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("write: %d", w.Code)
	}
	data, _ := resp.Data.(map[string]interface{})
	id, _ := data["id"].(string)
	if id == "" {
		t.Fatalf("write response has no operation id: %s", w.Body)
	}

	w, _ = f.do(http.MethodGet, "/api/v1/operations/"+id, "")
	if w.Code != http.StatusOK {
		t.Errorf("get operation: %d", w.Code)
	}
	w, _ = f.do(http.MethodGet, "/api/v1/operations/not-a-uuid", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id: %d, want 400", w.Code)
	}
	w, _ = f.do(http.MethodGet, "/api/v1/operations?node=voltage&status=SUCCESS", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total":1`) {
		t.Errorf("list operations: %d %s", w.Code, w.Body)
	}
	w, _ = f.do(http.MethodGet, "/api/v1/operations?limit=zero", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: %d, want 400", w.Code)
	}
}

func TestConfigRoutes(t *testing.T) {
	f := newFixture(t, &writeLink{})

	w, _ := f.do(http.MethodGet, "/api/v1/config/devices", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unset key: %d, want 404", w.Code)
	}

	doc := `[{"name": "pump", "slave_addr": 2, "nodes": [{"name": "speed", "addr": 1, "func": 3, "type": "uint16"}]}]`
	w, _ = f.do(http.MethodPut, "/api/v1/config/devices", doc)
	if w.Code != http.StatusOK {
		t.Fatalf("put devices: %d %s", w.Code, w.Body)
	}
	if _, _, err := f.registry.Node("speed"); err != nil {
		t.Errorf("devices not reloaded: %v", err)
	}

	w, _ = f.do(http.MethodGet, "/api/v1/config/devices", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"speed"`) {
		t.Errorf("get devices: %d %s", w.Code, w.Body)
	}

	w, _ = f.do(http.MethodPut, "/api/v1/config/sockets", `[{"index": 1}]`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid sockets: %d, want 400", w.Code)
	}
	w, _ = f.do(http.MethodPut, "/api/v1/config/bad.key!", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid key: %d, want 400", w.Code)
	}

	w, resp := f.do(http.MethodGet, "/api/v1/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list keys: %d", w.Code)
	}
	if keys, _ := resp.Data.([]interface{}); len(keys) != 1 || keys[0] != "devices" {
		t.Errorf("keys = %v", resp.Data)
	}
}

func TestConfigRouteRejectsLargeDocument(t *testing.T) {
	f := newFixture(t, &writeLink{})
	body := "[" + strings.Repeat(" ", maxDocumentSize) + "]"
	req := httptest.NewRequest(http.MethodPut, "/api/v1/config/notes", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestEventBusPublishReadings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewEventBus(zap.NewNop())
	go bus.Run(ctx)
	events, unsubscribe := bus.Subscribe(model.EventValueUpdate, model.EventNodeError)
	defer unsubscribe()

	dev := &model.Device{Name: "meter"}
	node := &model.Node{Name: "temp", DataType: modbus.TypeFloat32ABCD, VariationRange: decimal.NewFromInt(1)}

	next := func() model.GatewayEvent {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(time.Second):
			t.Fatal("no event")
		}
		return model.GatewayEvent{}
	}

	now := time.Now()
	bus.Publish(dev, node, node.SetValue(modbus.FloatValue(modbus.TypeFloat32ABCD, 20), now))
	if data := next().Data.(model.ValueUpdateEventData); !data.Changed {
		t.Errorf("first reading not reported as a change")
	}

	bus.Publish(dev, node, node.SetValue(modbus.FloatValue(modbus.TypeFloat32ABCD, 20.5), now))
	if data := next().Data.(model.ValueUpdateEventData); data.Changed {
		t.Errorf("drift below the variation range reported as a change")
	}

	bus.Publish(dev, node, node.SetValue(modbus.FloatValue(modbus.TypeFloat32ABCD, 21), now))
	data := next().Data.(model.ValueUpdateEventData)
	if !data.Changed || data.Previous.Float64() != 20 {
		t.Errorf("accumulated drift: changed=%v previous=%v", data.Changed, data.Previous)
	}

	bus.Publish(dev, node, node.SetFailed(model.ReadStatusTimeout, modbus.ErrTimeout, now))
	if ev := next(); ev.EventType != model.EventNodeError {
		t.Errorf("failure published as %s", ev.EventType)
	}
}

func TestEventBusFiltersAndUnsubscribes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewEventBus(zap.NewNop())
	go bus.Run(ctx)
	configs, unsubscribe := bus.Subscribe(model.EventConfigUpdate)

	bus.PublishEvent(model.NewEvent(model.EventWriteCompleted, "test", nil))
	bus.PublishEvent(model.NewEvent(model.EventConfigUpdate, "test", nil))

	select {
	case ev := <-configs:
		if ev.EventType != model.EventConfigUpdate {
			t.Errorf("got %s, want CONFIG_UPDATE", ev.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-configs; ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestValueWebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zap.NewNop()
	reg := testRegistry()
	bus := NewEventBus(logger)
	go bus.Run(ctx)
	ws := NewWebSocketHandler(reg, bus, logger)
	go ws.Run(ctx)

	engine := gin.New()
	ws.RegisterRoutes(engine.Group("/ws"))
	srv := httptest.NewServer(engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/values?device=meter"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() WebSocketMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Type != "initial_status" {
		t.Fatalf("first message = %s, want initial_status", msg.Type)
	}

	// Wait until the broadcaster is subscribed to the bus.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		bus.mutex.RLock()
		n := len(bus.subscribers)
		bus.mutex.RUnlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	dev, node, _ := reg.Node("voltage")
	bus.Publish(&model.Device{Name: "other"}, &model.Node{Name: "x"}, model.Reading{OK: true})
	bus.Publish(dev, node, node.SetValue(modbus.FloatValue(modbus.TypeFloat32ABCD, 230), time.Now()))

	msg := read()
	if msg.Type != string(model.EventValueUpdate) {
		t.Fatalf("message = %s, want VALUE_UPDATE", msg.Type)
	}
	body, _ := json.Marshal(msg.Data)
	if !strings.Contains(string(body), `"node":"voltage"`) {
		t.Errorf("event for another device leaked through: %s", body)
	}

	if err := conn.WriteJSON(WebSocketMessage{Type: "ping", RequestID: "r1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := read(); msg.Type != "pong" || msg.RequestID != "r1" {
		t.Errorf("reply = %+v, want pong r1", msg)
	}
}

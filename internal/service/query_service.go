// internal/service/query_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/device"
	"github.com/linhtrum/gateway-app-sub000/internal/metrics"
	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/poller"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"

	mb "github.com/goburrow/modbus"
)

// ErrOperationNotFound is returned for an id missing from the write history
var ErrOperationNotFound = errors.New("operation not found")

// EventPublisher receives gateway-wide events
type EventPublisher interface {
	PublishEvent(event model.GatewayEvent)
}

// QueryConfig holds the write path settings
type QueryConfig struct {
	// Timeout bounds a write to a node configured without its own timeout
	Timeout time.Duration
	// HistorySize is the number of completed writes kept for lookup
	HistorySize int
}

// QueryService performs writes to data points on behalf of API clients.
// Writes share the device links with the poller; the serial manager keeps
// a port locked for a whole request/response pair.
type QueryService struct {
	config   QueryConfig
	registry *device.Registry
	link     poller.Link
	relays   RelayQueue
	events   EventPublisher
	metrics  *metrics.Metrics

	logger      *utils.ServiceLogger
	auditLogger *utils.AuditLogger

	mu      sync.RWMutex
	history []*model.WriteOperation
	next    int
	byID    map[uuid.UUID]*model.WriteOperation
}

// NewQueryService creates a new query service instance
func NewQueryService(
	config QueryConfig,
	registry *device.Registry,
	link poller.Link,
	relays RelayQueue,
	events EventPublisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *QueryService {
	if config.Timeout <= 0 {
		config.Timeout = time.Second
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}
	if m == nil {
		m = metrics.New()
	}
	return &QueryService{
		config:      config,
		registry:    registry,
		link:        link,
		relays:      relays,
		events:      events,
		metrics:     m,
		logger:      utils.NewServiceLogger(logger, "query-service"),
		auditLogger: utils.NewAuditLogger(logger),
		history:     make([]*model.WriteOperation, config.HistorySize),
		byID:        make(map[uuid.UUID]*model.WriteOperation),
	}
}

// WriteNode writes value to the named node. A validation failure returns
// an error and no operation; a device failure returns the recorded
// operation together with the error.
func (qs *QueryService) WriteNode(ctx context.Context, name string, value decimal.Decimal, clientIP string) (*model.WriteOperation, error) {
	dev, node, err := qs.registry.Node(name)
	if err != nil {
		return nil, err
	}

	op := &model.WriteOperation{
		ID:        uuid.New(),
		Node:      node.Name,
		Device:    dev.Name,
		Value:     value,
		StartedAt: time.Now(),
	}

	opLogger := utils.NewOperationLogger(qs.logger.Logger, "write_node", op.ID.String())
	opLogger.Start(
		zap.String("node", node.Name),
		zap.String("device", dev.Name),
		zap.String("value", value.String()),
	)

	if node.Relay != nil {
		return qs.queueRelay(ctx, op, *node.Relay, value, clientIP, opLogger)
	}

	req, err := writeRequest(node, value)
	if err != nil {
		opLogger.Error(err)
		qs.auditLogger.LogNodeWrite(node.Name, value.String(), clientIP, false)
		return nil, err
	}
	op.Function = req.FunctionCode

	timeout := node.TimeoutDuration()
	if timeout <= 0 {
		timeout = qs.config.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	resp, err := qs.link.Exchange(reqCtx, dev, req, timeout)
	if err == nil {
		err = modbus.ParseWriteResponse(req, resp)
	} else if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %v", modbus.ErrTimeout, err)
	}

	op.DurationMs = time.Since(op.StartedAt).Milliseconds()
	switch {
	case err == nil:
		op.Status = model.OperationStatusSuccess
		opLogger.Success(zap.Uint8("function", req.FunctionCode))
	case errors.Is(err, modbus.ErrTimeout):
		op.Status = model.OperationStatusTimeout
		op.Error = err.Error()
		opLogger.Error(err)
	default:
		op.Status = model.OperationStatusFailed
		op.Error = err.Error()
		opLogger.Error(err)
	}
	qs.complete(op, clientIP)

	if err != nil {
		return op, fmt.Errorf("failed to write node %s: %w", node.Name, err)
	}
	return op, nil
}

func (qs *QueryService) queueRelay(ctx context.Context, op *model.WriteOperation, relay int, value decimal.Decimal, clientIP string, opLogger *utils.OperationLogger) (*model.WriteOperation, error) {
	if qs.relays == nil {
		err := fmt.Errorf("%w: no relay queue configured", modbus.ErrInvalid)
		opLogger.Error(err)
		return nil, err
	}
	cmd := model.RelayCommand{Relay: relay, On: !value.IsZero()}
	if err := qs.relays.Send(ctx, cmd); err != nil {
		op.Status = model.OperationStatusFailed
		op.Error = err.Error()
		op.DurationMs = time.Since(op.StartedAt).Milliseconds()
		opLogger.Error(err)
		qs.complete(op, clientIP)
		return op, fmt.Errorf("failed to queue relay %d: %w", relay, err)
	}

	op.Status = model.OperationStatusQueued
	op.DurationMs = time.Since(op.StartedAt).Milliseconds()
	opLogger.Success(zap.Int("relay", relay), zap.Bool("on", cmd.On))
	qs.complete(op, clientIP)
	return op, nil
}

func (qs *QueryService) complete(op *model.WriteOperation, clientIP string) {
	ok := op.Status == model.OperationStatusSuccess || op.Status == model.OperationStatusQueued
	qs.metrics.Writes.WithLabelValues(writeResult(op.Status)).Inc()
	qs.auditLogger.LogNodeWrite(op.Node, op.Value.String(), clientIP, ok)
	qs.remember(op)

	if qs.events != nil {
		qs.events.PublishEvent(model.NewEvent(model.EventWriteCompleted, "query-service", op))
	}
}

func writeResult(status model.OperationStatus) string {
	switch status {
	case model.OperationStatusSuccess:
		return "success"
	case model.OperationStatusQueued:
		return "queued"
	case model.OperationStatusTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// remember stores op in the history ring, evicting the oldest entry
func (qs *QueryService) remember(op *model.WriteOperation) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if old := qs.history[qs.next]; old != nil {
		delete(qs.byID, old.ID)
	}
	qs.history[qs.next] = op
	qs.byID[op.ID] = op
	qs.next = (qs.next + 1) % len(qs.history)
}

// GetOperation retrieves a recent write by id
func (qs *QueryService) GetOperation(id uuid.UUID) (*model.WriteOperation, error) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	op, ok := qs.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return op, nil
}

// ListOperations returns recent writes, newest first
func (qs *QueryService) ListOperations() []*model.WriteOperation {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	out := make([]*model.WriteOperation, 0, len(qs.byID))
	n := len(qs.history)
	for i := 1; i <= n; i++ {
		if op := qs.history[(qs.next-i+n)%n]; op != nil {
			out = append(out, op)
		}
	}
	return out
}

// writeRequest picks the write function for the node's read function and
// checks the value against the node's data type.
func writeRequest(node *model.Node, value decimal.Decimal) (modbus.PDU, error) {
	switch node.Function {
	case mb.FuncCodeReadCoils:
		if !value.Equal(decimal.Zero) && !value.Equal(decimal.NewFromInt(1)) {
			return modbus.PDU{}, fmt.Errorf("%w: coil value must be 0 or 1, got %s", modbus.ErrInvalid, value)
		}
		return modbus.WriteSingleCoilRequest(node.Address, !value.IsZero()), nil
	case mb.FuncCodeReadHoldingRegisters:
		v, err := toValue(node.DataType, value)
		if err != nil {
			return modbus.PDU{}, err
		}
		regs := modbus.EncodeRegisters(v)
		if len(regs) == 1 {
			return modbus.WriteSingleRegisterRequest(node.Address, regs[0]), nil
		}
		return modbus.WriteMultipleRegistersRequest(node.Address, regs)
	default:
		return modbus.PDU{}, fmt.Errorf("%w: function %d is read-only", modbus.ErrInvalid, node.Function)
	}
}

var typeLimits = map[modbus.DataType][2]int64{
	modbus.TypeBool:       {0, 1},
	modbus.TypeInt8:       {math.MinInt8, math.MaxInt8},
	modbus.TypeUint8:      {0, math.MaxUint8},
	modbus.TypeInt16:      {math.MinInt16, math.MaxInt16},
	modbus.TypeUint16:     {0, math.MaxUint16},
	modbus.TypeInt32ABCD:  {math.MinInt32, math.MaxInt32},
	modbus.TypeInt32CDAB:  {math.MinInt32, math.MaxInt32},
	modbus.TypeUint32ABCD: {0, math.MaxUint32},
	modbus.TypeUint32CDAB: {0, math.MaxUint32},
}

// toValue converts an API value into a typed value, rejecting fractions
// for integer types and anything outside the type's range.
func toValue(dt modbus.DataType, value decimal.Decimal) (modbus.Value, error) {
	if dt.Kind() == modbus.KindFloat {
		f, _ := value.Float64()
		if math.IsInf(f, 0) || math.IsNaN(f) ||
			((dt == modbus.TypeFloat32ABCD || dt == modbus.TypeFloat32CDAB) && math.Abs(f) > math.MaxFloat32) {
			return modbus.Value{}, fmt.Errorf("%w: %s out of range for %s", modbus.ErrInvalid, value, dt)
		}
		return modbus.FloatValue(dt, f), nil
	}

	if !value.IsInteger() {
		return modbus.Value{}, fmt.Errorf("%w: %s is not an integer", modbus.ErrInvalid, value)
	}
	limits, ok := typeLimits[dt]
	if !ok {
		return modbus.Value{}, fmt.Errorf("%w: unknown data type %s", modbus.ErrInvalid, dt)
	}
	if value.LessThan(decimal.NewFromInt(limits[0])) || value.GreaterThan(decimal.NewFromInt(limits[1])) {
		return modbus.Value{}, fmt.Errorf("%w: %s out of range for %s", modbus.ErrInvalid, value, dt)
	}

	i := value.IntPart()
	switch dt.Kind() {
	case modbus.KindBool:
		return modbus.BoolValue(i != 0), nil
	case modbus.KindUint:
		return modbus.UintValue(dt, uint64(i)), nil
	default:
		return modbus.IntValue(dt, i), nil
	}
}

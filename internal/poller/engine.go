// internal/poller/engine.go
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/device"
	"github.com/linhtrum/gateway-app-sub000/internal/metrics"
	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// Publisher receives every node reading the poller produces
type Publisher interface {
	Publish(dev *model.Device, node *model.Node, reading model.Reading)
}

// Config holds the polling engine settings
type Config struct {
	// GroupTimeout bounds every group read in group mode
	GroupTimeout time.Duration
	// NodeTimeout is used for nodes configured without a timeout
	NodeTimeout time.Duration
	// IdleInterval is the pause between cycles when nothing is polled or
	// no device answered. It is never shorter than minIdleInterval.
	IdleInterval time.Duration
}

const minIdleInterval = 100 * time.Millisecond

// Engine reads every configured node in a loop. One engine runs per
// process; it is the only writer of node readings and group buffers.
type Engine struct {
	config    Config
	registry  *device.Registry
	link      Link
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewEngine creates a new polling engine
func NewEngine(config Config, registry *device.Registry, link Link, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if config.GroupTimeout <= 0 {
		config.GroupTimeout = time.Second
	}
	if config.NodeTimeout <= 0 {
		config.NodeTimeout = time.Second
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = time.Second
	}
	return &Engine{
		config:    config,
		registry:  registry,
		link:      link,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With(zap.String("component", "poller")),
	}
}

// Run polls until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Polling engine started")
	defer e.logger.Info("Polling engine stopped")

	idle := e.config.IdleInterval
	if idle < minIdleInterval {
		idle = minIdleInterval
	}
	for {
		polled, answered, err := e.pollCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if polled == 0 || answered == 0 {
			if !sleep(ctx, idle) {
				return nil
			}
		}
	}
}

// PollOnce runs exactly one cycle over all devices
func (e *Engine) PollOnce(ctx context.Context) error {
	_, _, err := e.pollCycle(ctx)
	return err
}

// pollCycle reads every device once and reports how many requests were
// sent and how many of them were answered.
func (e *Engine) pollCycle(ctx context.Context) (polled, answered int, err error) {
	for _, dev := range e.registry.Devices() {
		if len(dev.Nodes) == 0 {
			continue
		}
		dl := utils.NewDeviceLogger(e.logger, dev.Name, string(dev.PortType), dev.SlaveAddr)

		if dev.GroupMode && len(dev.Groups) > 0 {
			for _, g := range dev.Groups {
				if e.pollGroup(ctx, dev, g, dl) {
					answered++
				}
				polled++
				if !sleep(ctx, dev.PollingInterval()) {
					return polled, answered, ctx.Err()
				}
			}
			continue
		}
		for _, n := range dev.Nodes {
			if e.pollNode(ctx, dev, n, dl) {
				answered++
			}
			polled++
			if !sleep(ctx, dev.PollingInterval()) {
				return polled, answered, ctx.Err()
			}
		}
	}
	e.metrics.PollCycles.Inc()
	return polled, answered, nil
}

func (e *Engine) pollGroup(ctx context.Context, dev *model.Device, g *model.NodeGroup, dl *utils.DeviceLogger) bool {
	regs, err := e.read(ctx, dev, g.Function, g.Start, g.Count, e.config.GroupTimeout, dl, "group")
	now := time.Now()
	if err != nil {
		for _, idx := range g.Members {
			e.fail(dev, dev.Nodes[idx], err, now)
		}
		return false
	}
	copy(g.Buffer, regs)

	for _, idx := range g.Members {
		n := dev.Nodes[idx]
		v, err := decode(n, g.Buffer[n.Offset:])
		if err != nil {
			e.fail(dev, n, err, now)
			continue
		}
		e.succeed(dev, n, v, now)
	}
	return true
}

func (e *Engine) pollNode(ctx context.Context, dev *model.Device, n *model.Node, dl *utils.DeviceLogger) bool {
	quantity := uint16(n.Width())
	if modbus.IsBitFunction(n.Function) {
		quantity = 1
	}
	timeout := n.TimeoutDuration()
	if timeout <= 0 {
		timeout = e.config.NodeTimeout
	}

	regs, err := e.read(ctx, dev, n.Function, n.Address, quantity, timeout, dl, n.Name)
	now := time.Now()
	if err != nil {
		e.fail(dev, n, err, now)
		return false
	}
	v, err := decode(n, regs)
	if err != nil {
		e.fail(dev, n, err, now)
		return true
	}
	e.succeed(dev, n, v, now)
	return true
}

func (e *Engine) read(ctx context.Context, dev *model.Device, fc byte, start, quantity uint16, timeout time.Duration, dl *utils.DeviceLogger, target string) ([]uint16, error) {
	begin := time.Now()
	regs, err := e.exchange(ctx, dev, fc, start, quantity, timeout)
	elapsed := time.Since(begin)

	dl.LogPoll(target, fc, start, quantity, elapsed, err)
	e.metrics.PollRequests.WithLabelValues(dev.Name, result(err)).Inc()
	e.metrics.PollDuration.WithLabelValues(dev.Name).Observe(elapsed.Seconds())
	return regs, err
}

func (e *Engine) exchange(ctx context.Context, dev *model.Device, fc byte, start, quantity uint16, timeout time.Duration) ([]uint16, error) {
	req, err := modbus.ReadRequest(fc, start, quantity)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	resp, err := e.link.Exchange(reqCtx, dev, req, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", modbus.ErrTimeout, err)
		}
		return nil, err
	}
	return modbus.ParseReadResponse(req, resp, quantity)
}

func decode(n *model.Node, regs []uint16) (modbus.Value, error) {
	if modbus.IsBitFunction(n.Function) {
		if len(regs) == 0 {
			return modbus.Value{}, fmt.Errorf("%w: empty bit buffer", modbus.ErrProtocol)
		}
		return modbus.DecodeBit(n.DataType, regs[0]), nil
	}
	return modbus.DecodeRegisters(n.DataType, regs)
}

func (e *Engine) succeed(dev *model.Device, n *model.Node, v modbus.Value, at time.Time) {
	r := n.SetValue(v, at)
	e.metrics.NodeValues.WithLabelValues(dev.Name, n.Name).Set(v.Float64())
	if e.publisher != nil {
		e.publisher.Publish(dev, n, r)
	}
}

func (e *Engine) fail(dev *model.Device, n *model.Node, err error, at time.Time) {
	status := model.ReadStatusError
	if errors.Is(err, modbus.ErrTimeout) {
		status = model.ReadStatusTimeout
	}
	r := n.SetFailed(status, err, at)
	if e.publisher != nil {
		e.publisher.Publish(dev, n, r)
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, modbus.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// sleep waits for d or until ctx ends; it reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

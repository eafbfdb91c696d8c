// internal/service/relay_queue.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/device"
	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/poller"
)

// ErrQueueFull is returned when a relay command cannot be queued
var ErrQueueFull = errors.New("relay queue full")

// RelayQueue carries relay commands to the IO driver
type RelayQueue interface {
	Send(ctx context.Context, cmd model.RelayCommand) error
}

// RelayDriver switches a relay output
type RelayDriver func(ctx context.Context, cmd model.RelayCommand) error

// CoilRelayDriver switches relay n by writing coil n of the named IO
// device through link
func CoilRelayDriver(registry *device.Registry, link poller.Link, deviceName string, timeout time.Duration) RelayDriver {
	return func(ctx context.Context, cmd model.RelayCommand) error {
		dev, err := registry.Device(deviceName)
		if err != nil {
			return err
		}
		if cmd.Relay > 0xFFFF {
			return fmt.Errorf("%w: relay %d out of range", modbus.ErrInvalid, cmd.Relay)
		}
		req := modbus.WriteSingleCoilRequest(uint16(cmd.Relay), cmd.On)
		ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
		defer cancel()
		resp, err := link.Exchange(ctx, dev, req, timeout)
		if err != nil {
			return err
		}
		return modbus.ParseWriteResponse(req, resp)
	}
}

// ChannelRelayQueue is a bounded in-process queue drained by one worker
type ChannelRelayQueue struct {
	commands chan model.RelayCommand
	driver   RelayDriver
	logger   *zap.Logger
}

// NewChannelRelayQueue creates a queue of the given capacity. A nil driver
// only logs the commands.
func NewChannelRelayQueue(size int, driver RelayDriver, logger *zap.Logger) *ChannelRelayQueue {
	if size <= 0 {
		size = 16
	}
	return &ChannelRelayQueue{
		commands: make(chan model.RelayCommand, size),
		driver:   driver,
		logger:   logger.With(zap.String("component", "relay_queue")),
	}
}

// Send queues cmd without waiting for the worker
func (q *ChannelRelayQueue) Send(ctx context.Context, cmd model.RelayCommand) error {
	if cmd.Relay < 0 {
		return fmt.Errorf("invalid relay %d", cmd.Relay)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled
func (q *ChannelRelayQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-q.commands:
			if q.driver == nil {
				q.logger.Info("Relay command", zap.Int("relay", cmd.Relay), zap.Bool("on", cmd.On))
				continue
			}
			if err := q.driver(ctx, cmd); err != nil {
				q.logger.Error("Relay command failed",
					zap.Int("relay", cmd.Relay), zap.Bool("on", cmd.On), zap.Error(err))
			}
		}
	}
}

// Len is the number of commands waiting
func (q *ChannelRelayQueue) Len() int {
	return len(q.commands)
}

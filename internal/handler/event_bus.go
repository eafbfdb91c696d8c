// internal/handler/event_bus.go
package handler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/model"
)

const (
	busQueueSize        = 1000
	subscriberQueueSize = 100
)

// EventBus fans gateway events out to subscribers. It is the value-update
// sink of the poller and the event sink of the gateway and services.
type EventBus struct {
	events      chan model.GatewayEvent
	mutex       sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	logger      *zap.Logger
}

type subscription struct {
	types map[model.EventType]bool // empty means every type
	ch    chan model.GatewayEvent
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		events:      make(chan model.GatewayEvent, busQueueSize),
		subscribers: make(map[int]*subscription),
		logger:      logger.With(zap.String("component", "event_bus")),
	}
}

// Run distributes events until ctx is cancelled
func (eb *EventBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eb.events:
			eb.distributeEvent(event)
		}
	}
}

// PublishEvent queues an event without blocking the caller
func (eb *EventBus) PublishEvent(event model.GatewayEvent) {
	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.EventType)),
		)
	}
}

// Publish turns a node reading into a VALUE_UPDATE or NODE_ERROR event.
// The previous value advances only when the change reaches the node's
// variation range, so small drifts accumulate until they are reported.
func (eb *EventBus) Publish(dev *model.Device, node *model.Node, reading model.Reading) {
	if !reading.OK {
		eb.PublishEvent(model.NewEvent(model.EventNodeError, dev.Name, model.NodeErrorEventData{
			Device: dev.Name,
			Node:   node.Name,
			Status: reading.Status,
			Error:  reading.Err,
		}))
		return
	}

	changed := reading.Changed(node.VariationRange)
	if changed {
		node.CommitPrevious()
	}
	eb.PublishEvent(model.NewEvent(model.EventValueUpdate, dev.Name, model.ValueUpdateEventData{
		Device:   dev.Name,
		Node:     node.Name,
		Value:    reading.Value,
		Previous: reading.Previous,
		Changed:  changed,
	}))
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given, and a function that cancels it.
func (eb *EventBus) Subscribe(types ...model.EventType) (<-chan model.GatewayEvent, func()) {
	sub := &subscription{
		types: make(map[model.EventType]bool, len(types)),
		ch:    make(chan model.GatewayEvent, subscriberQueueSize),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	eb.mutex.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subscribers[id] = sub
	eb.mutex.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			eb.mutex.Lock()
			delete(eb.subscribers, id)
			close(sub.ch)
			eb.mutex.Unlock()
		})
	}
}

// distributeEvent hands an event to every interested subscriber. Slow
// subscribers miss events instead of stalling the bus.
func (eb *EventBus) distributeEvent(event model.GatewayEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, sub := range eb.subscribers {
		if len(sub.types) > 0 && !sub.types[event.EventType] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

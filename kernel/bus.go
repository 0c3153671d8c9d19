package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/mindforge-ai/mindforge/core"
)

// Subscriber handles one published event. Subscribers run concurrently; a
// panic or error in one never affects the others.
type Subscriber func(ctx context.Context, topic string, data map[string]interface{})

// EventBus is the kernel's in-process pub/sub surface. Well-known topics:
// "component.improvement.success", "goal.aborted.<id>",
// "escalation.bdi_failure.<agent>"; arbitrary user topics are allowed.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	logger      core.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger core.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string][]Subscriber),
		logger:      core.ComponentLogger(logger, "kernel/bus"),
	}
}

// Subscribe registers a callback for a topic.
func (b *EventBus) Subscribe(topic string, callback Subscriber) {
	if topic == "" || callback == nil {
		return
	}
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], callback)
	b.mu.Unlock()

	b.logger.Debug("Subscriber added", map[string]interface{}{
		"operation": "bus_subscribe",
		"topic":     topic,
	})
}

// Publish invokes all subscribers of a topic concurrently and waits for
// them to finish. Panics are caught and logged per subscriber.
func (b *EventBus) Publish(ctx context.Context, topic string, data map[string]interface{}) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	b.logger.Info("Event published", map[string]interface{}{
		"operation":   "bus_publish",
		"topic":       topic,
		"subscribers": len(subs),
	})
	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for idx, sub := range subs {
		wg.Add(1)
		go func(idx int, sub Subscriber) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Subscriber panicked", map[string]interface{}{
						"operation":  "bus_publish",
						"topic":      topic,
						"subscriber": idx,
						"panic":      fmt.Sprintf("%v", r),
					})
				}
			}()
			sub(ctx, topic, data)
		}(idx, sub)
	}
	wg.Wait()
}

// Topics returns the topics that currently have subscribers.
func (b *EventBus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.subscribers))
	for topic := range b.subscribers {
		topics = append(topics, topic)
	}
	return topics
}

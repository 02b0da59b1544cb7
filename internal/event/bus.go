// Package event provides the in-process implementation of plugin.EventBus.
package event

import (
	"context"
	"slices"
	"sync"

	"github.com/HerbHall/carbonsight/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

// allTopics keys the handlers registered through SubscribeAll.
const allTopics = "*"

var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonsight_events_published_total",
			Help: "Events published on the in-process bus.",
		},
		[]string{"topic", "mode"},
	)
	handlerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonsight_event_handler_panics_total",
			Help: "Event handlers that panicked.",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(handlerPanics)
}

// Bus delivers events to subscribers in subscription order. Publish runs
// handlers on the caller's goroutine; PublishAsync gives each handler its own.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]plugin.EventHandler
	nextID uint64
	async  sync.WaitGroup
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[uint64]plugin.EventHandler),
		logger: logger,
	}
}

// Publish delivers event synchronously. It returns ctx.Err() without
// delivering if ctx is already done.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eventsPublished.WithLabelValues(event.Topic, "sync").Inc()
	for _, h := range b.handlersFor(event.Topic) {
		b.deliver(ctx, h, event)
	}
	return nil
}

// PublishAsync delivers event on background goroutines. Use Wait to block
// until in-flight deliveries finish.
func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	eventsPublished.WithLabelValues(event.Topic, "async").Inc()
	for _, h := range b.handlersFor(event.Topic) {
		b.async.Add(1)
		go func() {
			defer b.async.Done()
			b.deliver(ctx, h, event)
		}()
	}
}

// Wait blocks until every PublishAsync delivery started so far has returned.
func (b *Bus) Wait() {
	b.async.Wait()
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) (unsubscribe func()) {
	return b.add(topic, handler)
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) (unsubscribe func()) {
	return b.add(allTopics, handler)
}

func (b *Bus) add(key string, handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]plugin.EventHandler)
	}
	b.subs[key][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[key], id)
	}
}

// handlersFor snapshots the topic's handlers followed by the catch-all ones,
// each group in subscription order.
func (b *Bus) handlersFor(topic string) []plugin.EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []plugin.EventHandler
	for _, key := range []string{topic, allTopics} {
		ids := make([]uint64, 0, len(b.subs[key]))
		for id := range b.subs[key] {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			out = append(out, b.subs[key][id])
		}
	}
	return out
}

func (b *Bus) deliver(ctx context.Context, handler plugin.EventHandler, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanics.WithLabelValues(event.Topic).Inc()
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}

package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/crm/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// BusOption configures an InMemoryEventBus
type BusOption func(*InMemoryEventBus)

// WithAsyncWorkers dispatches events on n background workers once the bus is
// started. Publish then only blocks while the queue is full.
func WithAsyncWorkers(n, queueSize int) BusOption {
	return func(b *InMemoryEventBus) {
		if n <= 0 {
			return
		}
		if queueSize <= 0 {
			queueSize = n * 16
		}
		b.workers = n
		b.queue = make(chan envelope, queueSize)
	}
}

type envelope struct {
	ctx   context.Context
	event shared.DomainEvent
}

// InMemoryEventBus implements EventBus with in-memory pub/sub.
// Without async workers every handler runs inside Publish.
type InMemoryEventBus struct {
	registry *HandlerRegistry
	logger   *zap.Logger
	running  atomic.Bool
	wg       sync.WaitGroup

	workers int
	queue   chan envelope
	mu      sync.RWMutex
	stopped bool
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger, opts ...BusOption) *InMemoryEventBus {
	b := &InMemoryEventBus{
		registry: NewHandlerRegistry(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish hands events to every registered handler. Handler failures are
// logged and never returned; the next sweep repairs whatever they missed.
func (b *InMemoryEventBus) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	for _, event := range events {
		if b.enqueue(ctx, event) {
			continue
		}
		b.dispatch(ctx, event)
	}
	return nil
}

// enqueue queues the event for the workers. It returns false when the event
// must be dispatched inline.
func (b *InMemoryEventBus) enqueue(ctx context.Context, event shared.DomainEvent) bool {
	if b.queue == nil || !b.running.Load() {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return false
	}
	// Handlers outlive the publishing request.
	select {
	case b.queue <- envelope{ctx: context.WithoutCancel(ctx), event: event}:
		return true
	case <-ctx.Done():
		b.logger.Warn("event dropped, publisher context ended",
			zap.String("event_type", event.EventType()),
			zap.String("event_id", event.EventID().String()))
		return true
	}
}

func (b *InMemoryEventBus) dispatch(ctx context.Context, event shared.DomainEvent) {
	for _, handler := range b.registry.GetHandlers(event.EventType()) {
		if err := b.dispatchToHandler(ctx, handler, event); err != nil {
			b.logger.Error("handler failed to process event",
				zap.String("event_type", event.EventType()),
				zap.String("event_id", event.EventID().String()),
				zap.Error(err),
			)
		}
	}
}

// Subscribe registers a handler for specific event types
func (b *InMemoryEventBus) Subscribe(handler shared.EventHandler, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = handler.EventTypes()
	}
	b.registry.Register(handler, eventTypes...)
	b.logger.Debug("handler subscribed",
		zap.Strings("event_types", eventTypes),
	)
}

// Unsubscribe removes a handler
func (b *InMemoryEventBus) Unsubscribe(handler shared.EventHandler) {
	b.registry.Unregister(handler)
	b.logger.Debug("handler unsubscribed")
}

// Start starts the async workers, if any
func (b *InMemoryEventBus) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.work()
	}
	b.logger.Info("event bus started", zap.Int("workers", b.workers))
	return nil
}

func (b *InMemoryEventBus) work() {
	defer b.wg.Done()
	for env := range b.queue {
		b.dispatch(env.ctx, env.event)
	}
}

// Stop drains queued events and waits for the workers, bounded by ctx
func (b *InMemoryEventBus) Stop(ctx context.Context) error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	if b.queue != nil {
		b.mu.Lock()
		b.stopped = true
		close(b.queue)
		b.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("event bus stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus stop: %w", ctx.Err())
	}
}

// dispatchToHandler runs one handler and turns a panic into an error
func (b *InMemoryEventBus) dispatchToHandler(ctx context.Context, handler shared.EventHandler, event shared.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				zap.String("event_type", event.EventType()),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler.Handle(ctx, event)
}

// Ensure InMemoryEventBus implements EventBus
var _ shared.EventBus = (*InMemoryEventBus)(nil)

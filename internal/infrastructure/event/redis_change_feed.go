package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultChangeFeedChannel is the Pub/Sub channel CRM writers announce changes on
	DefaultChangeFeedChannel = "crm:entity-changed"

	defaultCloseTimeout = 5 * time.Second
)

// EntityChangeMessage is the wire format of a CRM record change.
// Producers should set EventID so redeliveries can be recognised.
type EntityChangeMessage struct {
	EventID    uuid.UUID       `json:"event_id,omitempty"`
	EntityType goal.EntityType `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
}

// RedisChangeFeed turns CRM change announcements on Redis Pub/Sub into
// EntityChangedEvents on the local bus
type RedisChangeFeed struct {
	client    *redis.Client
	channel   string
	publisher shared.EventPublisher
	logger    *zap.Logger

	mu        sync.Mutex
	isRunning bool
	cancelFn  context.CancelFunc
	doneCh    chan struct{}
	doneOnce  sync.Once
}

// NewRedisChangeFeed creates a change feed over an existing client.
// The caller keeps ownership of the client.
func NewRedisChangeFeed(client *redis.Client, channel string, publisher shared.EventPublisher, logger *zap.Logger) *RedisChangeFeed {
	if channel == "" {
		channel = DefaultChangeFeedChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisChangeFeed{
		client:    client,
		channel:   channel,
		publisher: publisher,
		logger:    logger,
		doneCh:    make(chan struct{}),
	}
}

// Announce publishes a change message on the channel
func (f *RedisChangeFeed) Announce(ctx context.Context, msg EntityChangeMessage) error {
	if msg.EventID == uuid.Nil {
		msg.EventID = uuid.New()
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal change message: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("publish change message: %w", err)
	}
	return nil
}

// Run subscribes and forwards messages until ctx ends or Close is called.
// It blocks; start it in a goroutine.
func (f *RedisChangeFeed) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.isRunning {
		f.mu.Unlock()
		return fmt.Errorf("change feed already running")
	}
	f.isRunning = true
	subCtx, cancel := context.WithCancel(ctx)
	f.cancelFn = cancel
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.isRunning = false
		f.mu.Unlock()
		cancel()
		f.markDone()
	}()

	pubsub := f.client.Subscribe(subCtx, f.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(subCtx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", f.channel, err)
	}
	f.logger.Info("Subscribed to CRM change feed", zap.String("channel", f.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			f.logger.Info("CRM change feed stopped")
			return subCtx.Err()
		case msg, ok := <-ch:
			if !ok {
				f.logger.Warn("CRM change feed channel closed")
				return nil
			}
			if err := f.forward(subCtx, msg.Payload); err != nil {
				f.logger.Warn("Dropping CRM change message",
					zap.String("payload", msg.Payload),
					zap.Error(err))
			}
		}
	}
}

// forward decodes one payload and publishes it on the bus
func (f *RedisChangeFeed) forward(ctx context.Context, payload string) error {
	var msg EntityChangeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if !msg.EntityType.IsValid() {
		return fmt.Errorf("unknown entity type %q", msg.EntityType)
	}
	if msg.EntityID == uuid.Nil {
		return fmt.Errorf("missing entity id")
	}

	event := goal.NewEntityChangedEvent(msg.EntityType, msg.EntityID)
	if msg.EventID != uuid.Nil {
		event.ID = msg.EventID
	}
	if !msg.OccurredAt.IsZero() {
		event.Timestamp = msg.OccurredAt
	}

	f.logger.Debug("Received CRM change",
		zap.String("entity_type", string(msg.EntityType)),
		zap.String("entity_id", msg.EntityID.String()),
		zap.String("event_id", event.ID.String()))

	return f.publisher.Publish(ctx, event)
}

func (f *RedisChangeFeed) markDone() {
	f.doneOnce.Do(func() {
		close(f.doneCh)
	})
}

// Close stops a running subscription
func (f *RedisChangeFeed) Close() error {
	f.mu.Lock()
	cancelFn := f.cancelFn
	f.mu.Unlock()

	if cancelFn == nil {
		return nil
	}
	cancelFn()
	select {
	case <-f.doneCh:
	case <-time.After(defaultCloseTimeout):
		f.logger.Warn("Timeout waiting for change feed to stop")
	}
	return nil
}

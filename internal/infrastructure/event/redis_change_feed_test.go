package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/crm/backend/internal/domain/goal"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisChangeFeed_Forward(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	handler := newTestHandler(goal.EventTypeDealChanged, goal.EventTypeTaskChanged)
	bus.Subscribe(handler)

	feed := NewRedisChangeFeed(unreachableClient(t), "", bus, nil)
	assert.Equal(t, DefaultChangeFeedChannel, feed.channel)
	ctx := context.Background()

	t.Run("keeps the producer's event id", func(t *testing.T) {
		msg := EntityChangeMessage{
			EventID:    uuid.New(),
			EntityType: goal.EntityTypeDeal,
			EntityID:   uuid.New(),
			OccurredAt: time.Date(2024, 2, 20, 12, 0, 0, 0, time.UTC),
		}
		payload, err := json.Marshal(msg)
		require.NoError(t, err)

		require.NoError(t, feed.forward(ctx, string(payload)))

		handled := handler.getHandled()
		require.Len(t, handled, 1)
		changed, ok := handled[0].(*goal.EntityChangedEvent)
		require.True(t, ok)
		assert.Equal(t, msg.EventID, changed.EventID())
		assert.Equal(t, msg.EntityID, changed.EntityID)
		assert.Equal(t, goal.EventTypeDealChanged, changed.EventType())
		assert.True(t, changed.OccurredAt().Equal(msg.OccurredAt))
	})

	t.Run("generates an id when none is sent", func(t *testing.T) {
		payload := `{"entity_type":"task","entity_id":"` + uuid.NewString() + `"}`
		require.NoError(t, feed.forward(ctx, payload))

		handled := handler.getHandled()
		require.Len(t, handled, 2)
		assert.NotEqual(t, uuid.Nil, handled[1].EventID())
		assert.Equal(t, goal.EventTypeTaskChanged, handled[1].EventType())
	})

	t.Run("rejects malformed messages", func(t *testing.T) {
		assert.Error(t, feed.forward(ctx, "not json"))
		assert.Error(t, feed.forward(ctx, `{"entity_type":"invoice","entity_id":"`+uuid.NewString()+`"}`))
		assert.Error(t, feed.forward(ctx, `{"entity_type":"deal"}`))
		assert.Len(t, handler.getHandled(), 2)
	})
}

func TestRedisChangeFeed_Unreachable(t *testing.T) {
	feed := NewRedisChangeFeed(unreachableClient(t), "changes", NewInMemoryEventBus(zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	err := feed.Announce(ctx, EntityChangeMessage{EntityType: goal.EntityTypeDeal, EntityID: uuid.New()})
	assert.Error(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.Error(t, feed.Run(runCtx))
	assert.NoError(t, feed.Close())
}

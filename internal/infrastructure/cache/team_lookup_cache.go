package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// TeamLookup resolves the team a user belongs to, nil when the user has none
type TeamLookup interface {
	TeamOf(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error)
}

// CachedTeamLookup keeps recent user → team answers in a bounded, expiring LRU.
// Bursts of change events for one owner then hit the database once.
type CachedTeamLookup struct {
	next   TeamLookup
	cache  *expirable.LRU[uuid.UUID, *uuid.UUID]
	logger *zap.Logger
}

// NewCachedTeamLookup wraps next with a cache of size entries living ttl each
func NewCachedTeamLookup(next TeamLookup, size int, ttl time.Duration, logger *zap.Logger) *CachedTeamLookup {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedTeamLookup{
		next:   next,
		cache:  expirable.NewLRU[uuid.UUID, *uuid.UUID](size, nil, ttl),
		logger: logger,
	}
}

// TeamOf returns the cached team of userID, loading it on a miss.
// Errors are not cached.
func (c *CachedTeamLookup) TeamOf(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error) {
	if team, ok := c.cache.Get(userID); ok {
		return team, nil
	}

	team, err := c.next.TeamOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(userID, team)
	c.logger.Debug("Cached team membership",
		zap.String("user_id", userID.String()),
		zap.Bool("has_team", team != nil))
	return team, nil
}

// Invalidate drops the cached team of userID, for membership changes
func (c *CachedTeamLookup) Invalidate(userID uuid.UUID) {
	c.cache.Remove(userID)
}

// Len returns the number of cached entries
func (c *CachedTeamLookup) Len() int {
	return c.cache.Len()
}

package goal

import (
	"bytes"
	"context"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
)

func leaseKey(id uuid.UUID) string {
	return "goal:" + id.String()
}

// acquirePair leases two goals in id-ascending order so concurrent link
// requests over the same pair cannot deadlock.
func acquirePair(ctx context.Context, leases shared.LeaseTable, a, b uuid.UUID, wait time.Duration) (func(), error) {
	if a == b {
		return leases.Acquire(ctx, leaseKey(a), wait)
	}
	first, second := a, b
	if bytes.Compare(b[:], a[:]) < 0 {
		first, second = b, a
	}

	releaseFirst, err := leases.Acquire(ctx, leaseKey(first), wait)
	if err != nil {
		return nil, err
	}
	releaseSecond, err := leases.Acquire(ctx, leaseKey(second), wait)
	if err != nil {
		releaseFirst()
		return nil, err
	}
	return func() {
		releaseSecond()
		releaseFirst()
	}, nil
}

package cache

import (
	"context"
	"time"

	"replenish/backend/internal/domain"
)

// QueueCache holds queue snapshots keyed by branch ID. Writers invalidate on every change to
// the branch's items or orders; readers treat a miss as "fetch from the store".
type QueueCache interface {
	Get(ctx context.Context, branchID string) (*domain.ReplacementQueue, bool, error)
	Set(ctx context.Context, queue *domain.ReplacementQueue, ttl time.Duration) error
	Invalidate(ctx context.Context, branchIDs ...string) error
}

type NoopQueueCache struct{}

func (NoopQueueCache) Get(_ context.Context, _ string) (*domain.ReplacementQueue, bool, error) {
	return nil, false, nil
}

func (NoopQueueCache) Set(_ context.Context, _ *domain.ReplacementQueue, _ time.Duration) error {
	return nil
}

func (NoopQueueCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}

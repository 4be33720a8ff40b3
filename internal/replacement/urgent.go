package replacement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
	"replenish/backend/internal/xid"
)

// Synthesizer turns the urgent pending items of a queue into a new order for the factory.
type Synthesizer struct {
	repo       store.Repository
	now        func() time.Time
	retryLimit int
}

// CreateUrgentOrder creates the order and returns its ID. The order is sent straight to the
// factory; the items it carries move to in_queue and point at it.
func (s *Synthesizer) CreateUrgentOrder(ctx context.Context, queueID string, actor domain.Actor) (string, error) {
	if !actor.CanActFor(queueID) {
		return "", fmt.Errorf("%w: %s on %s", ErrActorNotPermitted, actor.Username, queueID)
	}
	branch, err := s.repo.GetBranch(ctx, queueID)
	if err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		items, err := s.repo.ListReplacementItems(ctx, store.ReplacementItemFilter{
			BranchID: queueID,
			Priority: domain.PriorityUrgent,
			Statuses: []domain.ItemStatus{domain.ItemPending},
		})
		if err != nil {
			return "", err
		}
		selected := make([]domain.ReplacementItem, 0, len(items))
		for _, item := range items {
			if !item.Carried() {
				selected = append(selected, item)
			}
		}
		if len(selected) == 0 {
			return "", fmt.Errorf("%w: queue %s", ErrNoUrgentItems, queueID)
		}

		factory, err := s.repo.GetFactoryBranch(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve factory branch: %w", err)
		}

		now := s.now()
		sentAt := now
		order := domain.Order{
			ID:            xid.New("ord"),
			Kind:          domain.OrderKindUrgent,
			Status:        domain.OrderSent,
			FromBranchID:  branch.ID,
			ToBranchID:    factory.ID,
			Items:         urgentLines(selected),
			ParentOrderID: sharedSourceOrder(selected),
			Notes:         fmt.Sprintf("Urgent replenishment from queue %s (%s), %d item(s)", branch.ID, branch.Name, len(selected)),
			CreatedBy:     actor.Username,
			CreatedAt:     now,
			SentAt:        &sentAt,
		}
		ids := make([]string, 0, len(selected))
		for _, item := range selected {
			ids = append(ids, item.ID)
		}

		saved, err := s.repo.CommitUrgentOrder(ctx, order, ids, now)
		if errors.Is(err, store.ErrConflict) {
			if attempt < s.retryLimit {
				continue
			}
			return "", fmt.Errorf("urgent order for %s: %w", queueID, err)
		}
		if err != nil {
			return "", err
		}
		return saved.ID, nil
	}
}

// urgentLines aggregates items by product and unit, keeping first-seen order.
func urgentLines(items []domain.ReplacementItem) []domain.OrderLine {
	type key struct{ product, unit string }
	index := make(map[key]int, len(items))
	lines := make([]domain.OrderLine, 0, len(items))
	for _, item := range items {
		k := key{item.ProductID, item.Unit}
		if idx, ok := index[k]; ok {
			lines[idx].Quantity += item.Quantity
			lines[idx].SourceItemIDs = append(lines[idx].SourceItemIDs, item.ID)
			continue
		}
		index[k] = len(lines)
		lines = append(lines, domain.OrderLine{
			ProductID:     item.ProductID,
			ProductName:   item.ProductName,
			Quantity:      item.Quantity,
			Unit:          item.Unit,
			SourceItemIDs: []string{item.ID},
		})
	}
	return lines
}

func sharedSourceOrder(items []domain.ReplacementItem) string {
	parent := items[0].SourceOrderID
	for _, item := range items[1:] {
		if item.SourceOrderID != parent {
			return ""
		}
	}
	return parent
}

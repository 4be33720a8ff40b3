package replacement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
)

// Manager owns the per-branch replacement queues. A queue's ID is its branch ID.
type Manager struct {
	repo store.Repository
	now  func() time.Time
}

// GetAllQueues groups every item by branch. Branches without items are omitted.
func (m *Manager) GetAllQueues(ctx context.Context) ([]domain.ReplacementQueue, error) {
	items, err := m.repo.ListReplacementItems(ctx, store.ReplacementItemFilter{})
	if err != nil {
		return nil, err
	}
	branches, err := m.repo.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(branches))
	for _, b := range branches {
		names[b.ID] = b.Name
	}

	byBranch := make(map[string][]domain.ReplacementItem)
	for _, item := range items {
		byBranch[item.BranchID] = append(byBranch[item.BranchID], item)
	}
	queues := make([]domain.ReplacementQueue, 0, len(byBranch))
	for branchID, branchItems := range byBranch {
		slices.SortFunc(branchItems, domain.CompareReportOrder)
		queues = append(queues, domain.ReplacementQueue{
			ID:         branchID,
			BranchID:   branchID,
			BranchName: names[branchID],
			Items:      branchItems,
		})
	}
	slices.SortFunc(queues, func(a, b domain.ReplacementQueue) int { return strings.Compare(a.ID, b.ID) })
	return queues, nil
}

// GetQueue returns the queue of one known branch, possibly empty.
func (m *Manager) GetQueue(ctx context.Context, branchID string) (domain.ReplacementQueue, error) {
	branch, err := m.repo.GetBranch(ctx, branchID)
	if err != nil {
		return domain.ReplacementQueue{}, err
	}
	items, err := m.repo.ListReplacementItems(ctx, store.ReplacementItemFilter{BranchID: branchID})
	if err != nil {
		return domain.ReplacementQueue{}, err
	}
	slices.SortFunc(items, domain.CompareReportOrder)
	return domain.ReplacementQueue{
		ID:         branch.ID,
		BranchID:   branch.ID,
		BranchName: branch.Name,
		Items:      items,
	}, nil
}

// Enqueue appends an item to its branch queue as pending, whatever its priority.
func (m *Manager) Enqueue(ctx context.Context, item domain.ReplacementItem) (domain.ReplacementItem, error) {
	if item.Quantity <= 0 || item.BranchID == "" || item.ProductID == "" {
		return domain.ReplacementItem{}, fmt.Errorf("%w: item needs a branch, a product and a positive quantity", ErrInvalidDeficit)
	}
	if !item.Priority.Valid() {
		return domain.ReplacementItem{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidDeficit, item.Priority)
	}
	if _, err := m.repo.GetBranch(ctx, item.BranchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ReplacementItem{}, fmt.Errorf("%w: unknown branch %s", ErrInvalidDeficit, item.BranchID)
		}
		return domain.ReplacementItem{}, err
	}

	item.ID = ""
	item.Status = domain.ItemPending
	item.CarriedByOrderID = ""
	item.MergedIntoOrderID = ""
	item.MergedAt, item.CompletedAt, item.CancelledAt = nil, nil, nil
	if item.ReportedAt.IsZero() {
		item.ReportedAt = m.now()
	}

	saved, err := m.repo.CreateReplacementItem(ctx, item)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransaction) {
			return domain.ReplacementItem{}, fmt.Errorf("%w: %v", ErrInvalidDeficit, err)
		}
		return domain.ReplacementItem{}, err
	}
	return *saved, nil
}

// UpdateStatus moves an item forward through the state machine. Merged is reserved for the
// merge executor. The write is conditional on the status read here; a concurrent writer that
// got there first makes this call fail with ErrInvalidTransition.
func (m *Manager) UpdateStatus(ctx context.Context, itemID string, to domain.ItemStatus) (domain.ReplacementItem, error) {
	if !to.Valid() {
		return domain.ReplacementItem{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if to == domain.ItemMerged {
		return domain.ReplacementItem{}, fmt.Errorf("%w: items become merged only through a merge", ErrInvalidTransition)
	}
	item, err := m.repo.GetReplacementItem(ctx, itemID)
	if err != nil {
		return domain.ReplacementItem{}, err
	}
	if !domain.CanTransition(item.Status, to) {
		return domain.ReplacementItem{}, fmt.Errorf("%w: %s -> %s for item %s", ErrInvalidTransition, item.Status, to, itemID)
	}

	updated, err := m.repo.TransitionReplacementItem(ctx, itemID, item.Status, to, m.now())
	if errors.Is(err, store.ErrConflict) {
		current := item.Status
		if fresh, getErr := m.repo.GetReplacementItem(ctx, itemID); getErr == nil {
			current = fresh.Status
		}
		return domain.ReplacementItem{}, fmt.Errorf("%w: item %s changed concurrently (now %s)", ErrInvalidTransition, itemID, current)
	}
	if err != nil {
		return domain.ReplacementItem{}, err
	}
	return *updated, nil
}

// ListItems returns the items matching filter in report order.
func (m *Manager) ListItems(ctx context.Context, filter store.ReplacementItemFilter) ([]domain.ReplacementItem, error) {
	items, err := m.repo.ListReplacementItems(ctx, filter)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(items, domain.CompareReportOrder)
	return items, nil
}

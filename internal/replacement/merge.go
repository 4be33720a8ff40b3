package replacement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
)

// Merger folds replacement items into a draft order.
type Merger struct {
	repo       store.Repository
	now        func() time.Time
	retryLimit int
}

// Merge adds the items' quantities to targetOrderID and marks them merged in one commit.
//
// Items already merged into the target (their ID is in a line's SourceItemIDs) are skipped, so
// re-running a merge is a no-op. An item that is still open but already listed in the order's
// lines is marked merged without adding its quantity again.
func (m *Merger) Merge(ctx context.Context, queueID string, targetOrderID string, itemIDs []string, actor domain.Actor) (domain.MergeResult, error) {
	if !actor.CanActFor(queueID) {
		return domain.MergeResult{}, fmt.Errorf("%w: %s on %s", ErrActorNotPermitted, actor.Username, queueID)
	}
	ids := dedupe(itemIDs)
	if len(ids) == 0 {
		return domain.MergeResult{}, fmt.Errorf("%w: no items selected", ErrItemNotMergeable)
	}

	for attempt := 0; ; attempt++ {
		order, err := m.repo.GetOrder(ctx, targetOrderID)
		if err != nil {
			return domain.MergeResult{}, err
		}
		if order.FromBranchID != queueID {
			return domain.MergeResult{}, fmt.Errorf("%w: order %s does not belong to queue %s", ErrItemNotMergeable, order.ID, queueID)
		}

		items, err := m.repo.ListReplacementItems(ctx, store.ReplacementItemFilter{IDs: ids})
		if err != nil {
			return domain.MergeResult{}, err
		}
		byID := make(map[string]domain.ReplacementItem, len(items))
		for _, item := range items {
			byID[item.ID] = item
		}
		ordered := make([]domain.ReplacementItem, 0, len(ids))
		for _, id := range ids {
			item, ok := byID[id]
			if !ok {
				return domain.MergeResult{}, fmt.Errorf("%w: item %s not found", ErrItemNotMergeable, id)
			}
			ordered = append(ordered, item)
		}
		if order.Status != domain.OrderDraft {
			// a retry after the order left draft succeeds only if nothing is left to fold in
			if !alreadyMerged(*order, ordered) {
				return domain.MergeResult{}, fmt.Errorf("%w: order %s is %s", ErrItemNotMergeable, order.ID, order.Status)
			}
			return domain.MergeResult{OrderID: order.ID, MergedItemIDs: []string{}, SkippedItemIDs: ids, Order: order}, nil
		}

		plan, err := PlanMerge(*order, ordered)
		if err != nil {
			return domain.MergeResult{}, err
		}
		result := domain.MergeResult{
			OrderID:        order.ID,
			MergedItemIDs:  plan.ItemIDs,
			SkippedItemIDs: plan.Skipped,
			Order:          order,
		}
		if len(plan.ItemIDs) == 0 {
			return result, nil
		}

		saved, err := m.repo.CommitMerge(ctx, store.MergeCommit{
			OrderID:         order.ID,
			ExpectedVersion: order.Version,
			Lines:           plan.Lines,
			ItemIDs:         plan.ItemIDs,
			MergedAt:        m.now(),
		})
		if errors.Is(err, store.ErrConflict) {
			if attempt < m.retryLimit {
				continue
			}
			return domain.MergeResult{}, fmt.Errorf("merge into %s: %w", order.ID, err)
		}
		if err != nil {
			return domain.MergeResult{}, err
		}
		result.Order = saved
		return result, nil
	}
}

// MergePlan is the outcome of folding items into an order's lines.
type MergePlan struct {
	Lines   []domain.OrderLine
	ItemIDs []string
	Skipped []string
}

// PlanMerge computes the new lines of order with items folded in. It does not touch the store.
// Quantities of a product already present are summed into its line; a different unit for the
// same product makes the item not mergeable.
func PlanMerge(order domain.Order, items []domain.ReplacementItem) (MergePlan, error) {
	lines := make([]domain.OrderLine, len(order.Items))
	for i, line := range order.Items {
		lines[i] = line
		lines[i].SourceItemIDs = slices.Clone(line.SourceItemIDs)
	}
	plan := MergePlan{ItemIDs: make([]string, 0, len(items))}

	for _, item := range items {
		if item.BranchID != order.FromBranchID {
			return MergePlan{}, fmt.Errorf("%w: item %s belongs to %s", ErrItemNotMergeable, item.ID, item.BranchID)
		}
		recorded := order.Carries(item.ID)
		if item.Status == domain.ItemMerged {
			if recorded || item.MergedIntoOrderID == order.ID {
				plan.Skipped = append(plan.Skipped, item.ID)
				continue
			}
			return MergePlan{}, fmt.Errorf("%w: item %s already merged into %s", ErrItemNotMergeable, item.ID, item.MergedIntoOrderID)
		}
		if !item.Status.Mergeable() {
			return MergePlan{}, fmt.Errorf("%w: item %s is %s", ErrItemNotMergeable, item.ID, item.Status)
		}
		if item.Carried() {
			return MergePlan{}, fmt.Errorf("%w: item %s is carried by order %s", ErrItemNotMergeable, item.ID, item.CarriedByOrderID)
		}
		if recorded {
			plan.ItemIDs = append(plan.ItemIDs, item.ID)
			continue
		}

		idx := -1
		for i, line := range lines {
			if line.ProductID == item.ProductID {
				idx = i
				break
			}
		}
		if idx >= 0 {
			if lines[idx].Unit != item.Unit {
				return MergePlan{}, fmt.Errorf("%w: item %s is in %q but order line is in %q", ErrItemNotMergeable, item.ID, item.Unit, lines[idx].Unit)
			}
			lines[idx].Quantity += item.Quantity
			lines[idx].SourceItemIDs = append(lines[idx].SourceItemIDs, item.ID)
		} else {
			lines = append(lines, domain.OrderLine{
				ProductID:     item.ProductID,
				ProductName:   item.ProductName,
				Quantity:      item.Quantity,
				Unit:          item.Unit,
				SourceItemIDs: []string{item.ID},
			})
		}
		plan.ItemIDs = append(plan.ItemIDs, item.ID)
	}
	plan.Lines = lines
	return plan, nil
}

// alreadyMerged reports whether every item is merged into order.
func alreadyMerged(order domain.Order, items []domain.ReplacementItem) bool {
	for _, item := range items {
		if item.Status != domain.ItemMerged {
			return false
		}
		if item.MergedIntoOrderID != order.ID && !order.Carries(item.ID) {
			return false
		}
	}
	return true
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

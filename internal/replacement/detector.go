package replacement

import (
	"context"
	"errors"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
)

// Detector finds draft orders that a branch's outstanding items can be folded into.
type Detector struct {
	repo store.Repository
}

// FindOpportunities returns the IDs of valid merge targets for the branch, oldest first.
// It never creates an order; no draft means an empty result.
func (d *Detector) FindOpportunities(ctx context.Context, branchID string) ([]string, error) {
	suggestions, err := d.Suggestions(ctx, branchID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		ids = append(ids, s.OrderID)
	}
	return ids, nil
}

// Suggestions is FindOpportunities with the eligible items of each draft.
func (d *Detector) Suggestions(ctx context.Context, branchID string) ([]domain.MergeOpportunity, error) {
	items, err := d.repo.ListReplacementItems(ctx, store.ReplacementItemFilter{
		BranchID: branchID,
		Statuses: []domain.ItemStatus{domain.ItemPending, domain.ItemInQueue},
	})
	if err != nil {
		return nil, err
	}
	outstanding := items[:0]
	for _, item := range items {
		if !item.Carried() {
			outstanding = append(outstanding, item)
		}
	}
	if len(outstanding) == 0 {
		return []domain.MergeOpportunity{}, nil
	}

	drafts, err := d.repo.ListOrders(ctx, store.OrderFilter{
		FromBranchID: branchID,
		Statuses:     []domain.OrderStatus{domain.OrderDraft},
	})
	if err != nil {
		return nil, err
	}

	templates := make(map[string]*domain.Template)
	out := make([]domain.MergeOpportunity, 0, len(drafts))
	for _, order := range drafts {
		ok, err := d.validTarget(ctx, order, templates)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		eligible, quantity := eligibleItems(order, outstanding)
		if len(eligible) == 0 {
			continue
		}
		out = append(out, domain.MergeOpportunity{
			OrderID:          order.ID,
			CreatedAt:        order.CreatedAt,
			EligibleItemIDs:  eligible,
			EligibleQuantity: quantity,
		})
	}
	return out, nil
}

// validTarget checks the draft still honours its template: the destination must still be
// listed and every send day of the order must be allowed by the template.
func (d *Detector) validTarget(ctx context.Context, order domain.Order, templates map[string]*domain.Template) (bool, error) {
	if order.Status != domain.OrderDraft {
		return false, nil
	}
	if order.TemplateID == "" {
		return true, nil
	}
	tpl, cached := templates[order.TemplateID]
	if !cached {
		fetched, err := d.repo.GetTemplate(ctx, order.TemplateID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		tpl = fetched
		templates[order.TemplateID] = tpl
	}
	if tpl == nil || !tpl.AllowsDestination(order.ToBranchID) {
		return false, nil
	}
	for _, day := range order.AllowedSendDays {
		if !tpl.AllowsDay(day) {
			return false, nil
		}
	}
	return true, nil
}

// eligibleItems folds items into the order's lines in report order and keeps those that do not
// clash on unit with a line for the same product. The quantity excludes items the order
// already accounts for.
func eligibleItems(order domain.Order, items []domain.ReplacementItem) ([]string, int) {
	units := make(map[string]string, len(order.Items))
	for _, line := range order.Items {
		units[line.ProductID] = line.Unit
	}
	ids := make([]string, 0, len(items))
	quantity := 0
	for _, item := range items {
		if unit, present := units[item.ProductID]; present && unit != item.Unit {
			continue
		}
		units[item.ProductID] = item.Unit
		ids = append(ids, item.ID)
		if !order.Carries(item.ID) {
			quantity += item.Quantity
		}
	}
	return ids, quantity
}

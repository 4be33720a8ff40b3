package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/replacement"
	"replenish/backend/internal/store"
	"replenish/backend/internal/xid"
)

// CreateOrderFromTemplate opens a draft from a template. Quantities come from the template
// unless the request overrides them per product; zero-quantity lines are dropped.
func (s *Service) CreateOrderFromTemplate(ctx context.Context, req domain.OrderCreateRequest) (domain.Order, error) {
	actor, err := requireBranch(ctx, strings.TrimSpace(req.FromBranchID))
	if err != nil {
		return domain.Order{}, err
	}
	if _, err := s.repo.GetBranch(ctx, req.FromBranchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Order{}, fmt.Errorf("%w: unknown branch %s", ErrInvalidOrder, req.FromBranchID)
		}
		return domain.Order{}, err
	}
	tpl, err := s.repo.GetTemplate(ctx, strings.TrimSpace(req.TemplateID))
	if err != nil {
		return domain.Order{}, err
	}
	if !tpl.AllowsDestination(req.ToBranchID) {
		return domain.Order{}, fmt.Errorf("%w: template %s does not ship to %s", ErrInvalidOrder, tpl.ID, req.ToBranchID)
	}

	overrides := make(map[string]int, len(req.Items))
	for _, line := range req.Items {
		overrides[strings.TrimSpace(line.ProductID)] = line.Quantity
	}
	lines := make([]domain.OrderLine, 0, len(tpl.Items))
	for _, tl := range tpl.Items {
		qty := tl.Quantity
		if override, ok := overrides[tl.ProductID]; ok {
			qty = override
			delete(overrides, tl.ProductID)
		}
		if qty <= 0 {
			continue
		}
		lines = append(lines, domain.OrderLine{
			ProductID:   tl.ProductID,
			ProductName: tl.ProductName,
			Quantity:    qty,
			Unit:        tl.Unit,
		})
	}
	if len(overrides) > 0 {
		unknown := make([]string, 0, len(overrides))
		for productID := range overrides {
			unknown = append(unknown, productID)
		}
		slices.Sort(unknown)
		return domain.Order{}, fmt.Errorf("%w: products %s are not in template %s", ErrInvalidOrder, strings.Join(unknown, ","), tpl.ID)
	}

	created, err := s.repo.CreateOrder(ctx, domain.Order{
		ID:              xid.New("ord"),
		Kind:            domain.OrderKindRegular,
		Status:          domain.OrderDraft,
		FromBranchID:    req.FromBranchID,
		ToBranchID:      req.ToBranchID,
		Items:           lines,
		AllowedSendDays: slices.Clone(tpl.AllowedSendDays),
		TemplateID:      tpl.ID,
		Notes:           strings.TrimSpace(req.Notes),
		CreatedBy:       actor.Username,
		CreatedAt:       s.now(),
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, created.FromBranchID, "order_create", "order", created.ID,
		fmt.Sprintf("template=%s,to=%s,lines=%d", tpl.ID, created.ToBranchID, len(created.Items)))
	s.changed(ctx, domain.ChangeEvent{Type: domain.EventOrderChanged, BranchID: created.FromBranchID, OrderID: created.ID})
	return *created, nil
}

type OrderQuery struct {
	BranchID string
	Status   string
	Limit    int
}

func (s *Service) ListOrders(ctx context.Context, query OrderQuery) ([]domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	filter := store.OrderFilter{FromBranchID: strings.TrimSpace(query.BranchID), Limit: query.Limit}
	if actor.Role == domain.RoleBranch {
		filter.FromBranchID = actor.BranchID
	}
	if status := strings.TrimSpace(query.Status); status != "" {
		parsed, ok := domain.ParseOrderStatus(status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, status)
		}
		filter.Statuses = []domain.OrderStatus{parsed}
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListOrders(ctx, filter)
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	if !canSeeOrder(actor, *order) {
		return domain.Order{}, fmt.Errorf("%w: order %s", ErrForbidden, order.ID)
	}
	return *order, nil
}

// SendOrder submits a draft. The current weekday must be one of the order's send days.
func (s *Service) SendOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	if _, err := requireBranch(ctx, order.FromBranchID); err != nil {
		return domain.Order{}, err
	}
	now := s.now()
	if len(order.AllowedSendDays) > 0 && !slices.Contains(order.AllowedSendDays, now.Weekday()) {
		return domain.Order{}, fmt.Errorf("%w: %s is not a send day for order %s", ErrSendDayNotAllowed, now.Weekday(), order.ID)
	}
	if len(order.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order %s has no lines", ErrInvalidOrder, order.ID)
	}
	return s.advance(ctx, *order, domain.OrderSent, now, "order_send")
}

func (s *Service) StartAssembly(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := requireRole(ctx, domain.RoleFactory, domain.RoleAdmin); err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return s.advance(ctx, *order, domain.OrderAssembling, s.now(), "order_assemble")
}

func (s *Service) Dispatch(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := requireRole(ctx, domain.RoleDelivery, domain.RoleAdmin); err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return s.advance(ctx, *order, domain.OrderInTransit, s.now(), "order_dispatch")
}

func (s *Service) advance(ctx context.Context, order domain.Order, to domain.OrderStatus, at time.Time, action string) (domain.Order, error) {
	if !domain.CanAdvanceOrder(order.Status, to) {
		return domain.Order{}, fmt.Errorf("%w: %s -> %s for order %s", ErrInvalidOrderTransition, order.Status, to, order.ID)
	}
	updated, err := s.repo.UpdateOrderStatus(ctx, order.ID, order.Status, to, at)
	if errors.Is(err, store.ErrConflict) {
		return domain.Order{}, fmt.Errorf("%w: order %s changed concurrently: %w", ErrInvalidOrderTransition, order.ID, err)
	}
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, updated.FromBranchID, action, "order", updated.ID, fmt.Sprintf("from=%s,to=%s", order.Status, updated.Status))
	s.changed(ctx, domain.ChangeEvent{Type: domain.EventOrderChanged, BranchID: updated.FromBranchID, OrderID: updated.ID})
	return *updated, nil
}

// ReceiveOrder records what arrived. Missing lines count as fully received. Every short or
// denied line becomes a new replacement item and the items the order carried are completed.
func (s *Service) ReceiveOrder(ctx context.Context, orderID string, req domain.OrderReceiveRequest) (domain.OrderReceiveResponse, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.OrderReceiveResponse{}, err
	}
	actor, err := requireBranch(ctx, order.FromBranchID)
	if err != nil {
		return domain.OrderReceiveResponse{}, err
	}
	if !slices.Contains(store.ReceivableStatuses, order.Status) {
		return domain.OrderReceiveResponse{}, fmt.Errorf("%w: order %s is %s", ErrInvalidOrderTransition, order.ID, order.Status)
	}

	received := make(map[string]domain.ReceivedLine, len(req.Lines))
	for _, line := range req.Lines {
		productID := strings.TrimSpace(line.ProductID)
		if order.Line(productID) < 0 {
			return domain.OrderReceiveResponse{}, fmt.Errorf("%w: product %s is not on order %s", ErrInvalidOrder, productID, order.ID)
		}
		if line.ReceivedQty < 0 {
			return domain.OrderReceiveResponse{}, fmt.Errorf("%w: negative quantity for %s", ErrInvalidOrder, productID)
		}
		received[productID] = line
	}

	now := s.now()
	note := domain.DeliveryNote{
		ID:           xid.New("dn"),
		OrderID:      order.ID,
		FromBranchID: order.FromBranchID,
		ToBranchID:   order.ToBranchID,
		Lines:        make([]domain.DeliveryNoteLine, 0, len(order.Items)),
		ReceivedBy:   actor.Username,
		ReceivedAt:   now,
		Notes:        strings.TrimSpace(req.Notes),
	}
	newItems := make([]domain.ReplacementItem, 0)
	for _, line := range order.Items {
		got := line.Quantity
		reported, ok := received[line.ProductID]
		if ok {
			got = reported.ReceivedQty
			if reported.Denied {
				got = 0
			}
		}
		note.Lines = append(note.Lines, domain.DeliveryNoteLine{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Unit:        line.Unit,
			Ordered:     line.Quantity,
			Received:    got,
			Denied:      ok && reported.Denied,
		})
		if got >= line.Quantity {
			continue
		}
		item, err := replacement.Classify(domain.Deficit{
			BranchID:      order.FromBranchID,
			ProductID:     line.ProductID,
			ProductName:   line.ProductName,
			Unit:          line.Unit,
			Quantity:      line.Quantity - got,
			Reason:        shortfallReason(reported, ok),
			SourceOrderID: order.ID,
			Signal:        domain.UrgencySignal{Critical: ok && reported.Critical, NothingReceived: got == 0},
		})
		if err != nil {
			return domain.OrderReceiveResponse{}, err
		}
		item.ReportedAt = now
		newItems = append(newItems, item)
	}

	carried, err := s.repo.ListReplacementItems(ctx, store.ReplacementItemFilter{CarriedByOrderID: order.ID})
	if err != nil {
		return domain.OrderReceiveResponse{}, err
	}
	completeIDs := make([]string, 0, len(carried))
	for _, item := range carried {
		if !item.Status.Terminal() {
			completeIDs = append(completeIDs, item.ID)
		}
	}

	saved, created, err := s.repo.CommitReception(ctx, store.ReceptionCommit{
		OrderID:         order.ID,
		ExpectedVersion: order.Version,
		Note:            note,
		CompleteItemIDs: completeIDs,
		NewItems:        newItems,
		ReceivedAt:      now,
	})
	if errors.Is(err, store.ErrConflict) {
		return domain.OrderReceiveResponse{}, fmt.Errorf("%w: order %s changed concurrently: %w", ErrInvalidOrderTransition, order.ID, err)
	}
	if err != nil {
		return domain.OrderReceiveResponse{}, err
	}

	itemIDs := make([]string, 0, len(created))
	for _, item := range created {
		s.metrics.ItemsReported.WithLabelValues(string(item.Priority)).Inc()
		itemIDs = append(itemIDs, item.ID)
	}
	s.logAudit(ctx, saved.FromBranchID, "order_receive", "order", saved.ID,
		fmt.Sprintf("shortfall=%d,deficits=%d,completed=%d", note.Shortfall(), len(created), len(completeIDs)))
	s.changed(ctx, domain.ChangeEvent{Type: domain.EventOrderReceived, BranchID: saved.FromBranchID, OrderID: saved.ID, ItemIDs: itemIDs})
	return domain.OrderReceiveResponse{Order: *saved, DeliveryNote: note, ReplacementItems: created}, nil
}

func shortfallReason(line domain.ReceivedLine, reported bool) string {
	if reported && strings.TrimSpace(line.Reason) != "" {
		return strings.TrimSpace(line.Reason)
	}
	if reported && line.Denied {
		return "denied by factory"
	}
	return "short delivery"
}

// CancelOrder cancels a draft or sent order. The quantities it held for replacement items,
// whether merged into its lines or carried by it, go back to the queue as new pending items.
func (s *Service) CancelOrder(ctx context.Context, orderID string, req domain.OrderCancelRequest) (domain.OrderCancelResponse, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.OrderCancelResponse{}, err
	}
	if _, err := requireBranch(ctx, order.FromBranchID); err != nil {
		return domain.OrderCancelResponse{}, err
	}
	if !slices.Contains(store.CancellableStatuses, order.Status) {
		return domain.OrderCancelResponse{}, fmt.Errorf("%w: order %s is %s", ErrInvalidOrderTransition, order.ID, order.Status)
	}

	sourceIDs := make([]string, 0)
	for _, line := range order.Items {
		sourceIDs = append(sourceIDs, line.SourceItemIDs...)
	}
	merged := []domain.ReplacementItem{}
	if len(sourceIDs) > 0 {
		merged, err = s.repo.ListReplacementItems(ctx, store.ReplacementItemFilter{IDs: sourceIDs, Statuses: []domain.ItemStatus{domain.ItemMerged}})
		if err != nil {
			return domain.OrderCancelResponse{}, err
		}
	}
	carried, err := s.repo.ListReplacementItems(ctx, store.ReplacementItemFilter{CarriedByOrderID: order.ID})
	if err != nil {
		return domain.OrderCancelResponse{}, err
	}

	now := s.now()
	reason := fmt.Sprintf("re-issued after cancellation of order %s", order.ID)
	if r := strings.TrimSpace(req.Reason); r != "" {
		reason = fmt.Sprintf("%s: %s", reason, r)
	}
	reissued := make([]domain.ReplacementItem, 0, len(merged)+len(carried))
	for _, item := range merged {
		if item.MergedIntoOrderID == order.ID {
			reissued = append(reissued, reissue(item, reason, now))
		}
	}
	cancelIDs := make([]string, 0, len(carried))
	for _, item := range carried {
		if item.Status.Terminal() {
			continue
		}
		cancelIDs = append(cancelIDs, item.ID)
		reissued = append(reissued, reissue(item, reason, now))
	}

	saved, created, err := s.repo.CommitOrderCancellation(ctx, store.CancellationCommit{
		OrderID:         order.ID,
		ExpectedVersion: order.Version,
		CancelItemIDs:   cancelIDs,
		Reissued:        reissued,
		CancelledAt:     now,
	})
	if errors.Is(err, store.ErrConflict) {
		return domain.OrderCancelResponse{}, fmt.Errorf("%w: order %s changed concurrently: %w", ErrInvalidOrderTransition, order.ID, err)
	}
	if err != nil {
		return domain.OrderCancelResponse{}, err
	}

	itemIDs := make([]string, 0, len(created))
	for _, item := range created {
		itemIDs = append(itemIDs, item.ID)
	}
	s.logAudit(ctx, saved.FromBranchID, "order_cancel", "order", saved.ID,
		fmt.Sprintf("reissued=%d,cancelled=%d", len(created), len(cancelIDs)))
	s.changed(ctx, domain.ChangeEvent{Type: domain.EventOrderChanged, BranchID: saved.FromBranchID, OrderID: saved.ID, ItemIDs: itemIDs})
	return domain.OrderCancelResponse{Order: *saved, ReissuedItems: created, CancelledItemIDs: cancelIDs}, nil
}

func reissue(item domain.ReplacementItem, reason string, at time.Time) domain.ReplacementItem {
	return domain.ReplacementItem{
		BranchID:      item.BranchID,
		ProductID:     item.ProductID,
		ProductName:   item.ProductName,
		Unit:          item.Unit,
		Quantity:      item.Quantity,
		Priority:      item.Priority,
		Status:        domain.ItemPending,
		Reason:        reason,
		SourceOrderID: item.SourceOrderID,
		ReportedAt:    at,
	}
}

func (s *Service) CreateTemplate(ctx context.Context, req domain.TemplateCreateRequest) (domain.Template, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleFactory)
	if err != nil {
		return domain.Template{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(req.Items) == 0 || len(req.DestinationBranchIDs) == 0 {
		return domain.Template{}, fmt.Errorf("%w: name, items and destinations are required", ErrInvalidTemplate)
	}

	days := make([]time.Weekday, 0, len(req.AllowedSendDays))
	for _, raw := range req.AllowedSendDays {
		day, ok := domain.ParseWeekday(raw)
		if !ok {
			return domain.Template{}, fmt.Errorf("%w: unknown weekday %q", ErrInvalidTemplate, raw)
		}
		if !slices.Contains(days, day) {
			days = append(days, day)
		}
	}
	slices.Sort(days)

	seen := make(map[string]bool, len(req.Items))
	items := make([]domain.TemplateLine, 0, len(req.Items))
	for _, line := range req.Items {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" || line.Quantity < 0 || seen[line.ProductID] {
			return domain.Template{}, fmt.Errorf("%w: bad or duplicate line %q", ErrInvalidTemplate, line.ProductID)
		}
		seen[line.ProductID] = true
		items = append(items, line)
	}
	for _, dest := range req.DestinationBranchIDs {
		if _, err := s.repo.GetBranch(ctx, dest); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Template{}, fmt.Errorf("%w: unknown destination %s", ErrInvalidTemplate, dest)
			}
			return domain.Template{}, err
		}
	}

	created, err := s.repo.CreateTemplate(ctx, domain.Template{
		ID:                   xid.New("tpl"),
		Name:                 name,
		Items:                items,
		DestinationBranchIDs: slices.Clone(req.DestinationBranchIDs),
		AllowedSendDays:      days,
		CreatedBy:            actor.Username,
		CreatedAt:            s.now(),
	})
	if err != nil {
		return domain.Template{}, err
	}
	s.logAudit(ctx, actor.BranchID, "template_create", "template", created.ID, fmt.Sprintf("name=%s,lines=%d", created.Name, len(created.Items)))
	return *created, nil
}

func (s *Service) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListTemplates(ctx)
}

func (s *Service) ListDeliveryNotes(ctx context.Context, branchID string, limit int) ([]domain.DeliveryNote, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleBranch {
		branchID = actor.BranchID
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListDeliveryNotes(ctx, branchID, limit)
}

func canSeeOrder(actor domain.Actor, order domain.Order) bool {
	switch actor.Role {
	case domain.RoleAdmin, domain.RoleFactory, domain.RoleDelivery:
		return true
	case domain.RoleBranch:
		return actor.BranchID != "" && (order.FromBranchID == actor.BranchID || order.ToBranchID == actor.BranchID)
	}
	return false
}

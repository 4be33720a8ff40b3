package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/metrics"
	"replenish/backend/internal/replacement"
	"replenish/backend/internal/store"
	"replenish/backend/internal/store/memory"
)

var testNow = time.Date(2026, time.October, 13, 9, 0, 0, 0, time.UTC)

type recordingCache struct {
	mu          sync.Mutex
	invalidated []string
	stored      []string
}

func (c *recordingCache) Get(_ context.Context, _ string) (*domain.ReplacementQueue, bool, error) {
	return nil, false, nil
}

func (c *recordingCache) Set(_ context.Context, queue *domain.ReplacementQueue, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = append(c.stored, queue.BranchID)
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, branchIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, branchIDs...)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type testEnv struct {
	svc       *Service
	repo      *memory.Store
	cache     *recordingCache
	publisher *recordingPublisher
	metrics   *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := memory.NewSeeded()
	now := func() time.Time { return testNow }
	engine := replacement.New(repo, replacement.Config{Now: now})
	env := &testEnv{
		repo:      repo,
		cache:     &recordingCache{},
		publisher: &recordingPublisher{},
		metrics:   metrics.New(),
	}
	env.svc = New(repo, engine, Options{
		Cache:     env.cache,
		Publisher: env.publisher,
		Metrics:   env.metrics,
		Now:       now,
	})
	return env
}

func actorCtx(username string, role domain.Role, branchID string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: role, BranchID: branchID})
}

var (
	centroCtx   = actorCtx("centro", domain.RoleBranch, "sucursal-centro")
	factoryCtx  = actorCtx("fabrica", domain.RoleFactory, "fabrica")
	deliveryCtx = actorCtx("reparto", domain.RoleDelivery, "")
	adminCtx    = actorCtx("admin", domain.RoleAdmin, "")
)

func TestReportDeficitRequiresActorForBranch(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ReportDeficit(context.Background(), domain.DeficitReportRequest{
		BranchID: "sucursal-centro", ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 2,
	})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	_, err = env.svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
		BranchID: "sucursal-norte", ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 2,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for another branch, got %v", err)
	}
}

func TestReportDeficitInvalidatesCacheAndPublishes(t *testing.T) {
	env := newTestEnv(t)

	item, err := env.svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
		BranchID: "sucursal-centro", ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 3, Critical: true,
	})
	if err != nil {
		t.Fatalf("report deficit failed: %v", err)
	}
	if item.Priority != domain.PriorityUrgent || item.Status != domain.ItemPending {
		t.Fatalf("expected urgent pending item, got %s/%s", item.Priority, item.Status)
	}
	if len(env.cache.invalidated) != 1 || env.cache.invalidated[0] != "sucursal-centro" {
		t.Fatalf("expected cache invalidation for sucursal-centro, got %v", env.cache.invalidated)
	}
	if len(env.publisher.events) != 1 || env.publisher.events[0].Type != domain.EventItemReported {
		t.Fatalf("expected one item reported event, got %+v", env.publisher.events)
	}

	logs, err := env.svc.ListAuditLogs(adminCtx, "sucursal-centro", 10)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	if len(logs) == 0 || logs[0].Action != "deficit_report" || logs[0].ActorUsername != "centro" {
		t.Fatalf("expected deficit_report audit entry, got %+v", logs)
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.err = errors.New("broker down")

	if _, err := env.svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
		BranchID: "sucursal-centro", ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 1,
	}); err != nil {
		t.Fatalf("expected publish failure to be swallowed, got %v", err)
	}
}

func TestOrderLifecycleReceptionQueuesShortfalls(t *testing.T) {
	env := newTestEnv(t)

	order, err := env.svc.CreateOrderFromTemplate(centroCtx, domain.OrderCreateRequest{
		TemplateID: "tpl-semanal", FromBranchID: "sucursal-centro", ToBranchID: "fabrica",
		Items: []domain.OrderLineRequest{{ProductID: "TOR-01", Quantity: 0}},
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if len(order.Items) != 2 || order.Status != domain.OrderDraft {
		t.Fatalf("expected a draft with two lines, got %d lines status %s", len(order.Items), order.Status)
	}

	item, err := env.svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
		BranchID: "sucursal-centro", ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 5,
	})
	if err != nil {
		t.Fatalf("report deficit failed: %v", err)
	}
	merge, err := env.svc.Merge(centroCtx, "sucursal-centro", domain.MergeRequest{TargetOrderID: order.ID, ItemIDs: []string{item.ID}})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if merge.Order == nil || merge.Order.Items[merge.Order.Line("PAN-01")].Quantity != 25 {
		t.Fatalf("expected PAN-01 line to hold 25, got %+v", merge.Order)
	}

	if _, err := env.svc.SendOrder(centroCtx, order.ID); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if _, err := env.svc.StartAssembly(centroCtx, order.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected branch user to be refused assembly, got %v", err)
	}
	if _, err := env.svc.StartAssembly(factoryCtx, order.ID); err != nil {
		t.Fatalf("assembly failed: %v", err)
	}
	if _, err := env.svc.Dispatch(deliveryCtx, order.ID); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	resp, err := env.svc.ReceiveOrder(centroCtx, order.ID, domain.OrderReceiveRequest{
		Lines: []domain.ReceivedLine{
			{ProductID: "PAN-01", ReceivedQty: 20},
			{ProductID: "MED-01", Denied: true, Critical: true},
		},
	})
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if resp.Order.Status != domain.OrderReceived {
		t.Fatalf("expected received order, got %s", resp.Order.Status)
	}
	if resp.DeliveryNote.Shortfall() != 5+12 {
		t.Fatalf("expected shortfall of 17, got %d", resp.DeliveryNote.Shortfall())
	}
	if len(resp.ReplacementItems) != 2 {
		t.Fatalf("expected two new replacement items, got %d", len(resp.ReplacementItems))
	}
	byProduct := map[string]domain.ReplacementItem{}
	for _, it := range resp.ReplacementItems {
		byProduct[it.ProductID] = it
	}
	if got := byProduct["PAN-01"]; got.Quantity != 5 || got.Priority != domain.PriorityNormal || got.SourceOrderID != order.ID {
		t.Fatalf("unexpected PAN-01 deficit: %+v", got)
	}
	if got := byProduct["MED-01"]; got.Quantity != 12 || got.Priority != domain.PriorityUrgent || got.Reason != "denied by factory" {
		t.Fatalf("unexpected MED-01 deficit: %+v", got)
	}

	notes, err := env.svc.ListDeliveryNotes(centroCtx, "", 10)
	if err != nil {
		t.Fatalf("list delivery notes failed: %v", err)
	}
	if len(notes) != 1 || notes[0].OrderID != order.ID {
		t.Fatalf("expected one delivery note for the order, got %+v", notes)
	}
}

func TestReceiveOrderCompletesCarriedUrgentItems(t *testing.T) {
	env := newTestEnv(t)

	item, err := env.svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
		BranchID: "sucursal-centro", ProductID: "MED-01", ProductName: "Medialunas", Unit: "docena", Quantity: 2, Priority: "urgent",
	})
	if err != nil {
		t.Fatalf("report deficit failed: %v", err)
	}
	urgent, err := env.svc.CreateUrgentOrder(factoryCtx, "sucursal-centro")
	if err != nil {
		t.Fatalf("create urgent order failed: %v", err)
	}
	if _, err := env.svc.ReceiveOrder(centroCtx, urgent.OrderID, domain.OrderReceiveRequest{}); err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	got, err := env.repo.GetReplacementItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if got.Status != domain.ItemCompleted || got.CompletedAt == nil {
		t.Fatalf("expected carried item to be completed, got %s", got.Status)
	}
}

func TestCancelOrderReissuesMergedQuantities(t *testing.T) {
	env := newTestEnv(t)

	order, err := env.svc.CreateOrderFromTemplate(centroCtx, domain.OrderCreateRequest{
		TemplateID: "tpl-semanal", FromBranchID: "sucursal-centro", ToBranchID: "fabrica",
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	item, err := env.svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
		BranchID: "sucursal-centro", ProductID: "TOR-01", ProductName: "Torta de chocolate", Unit: "unidad", Quantity: 2, Priority: "high",
	})
	if err != nil {
		t.Fatalf("report deficit failed: %v", err)
	}
	summary, err := env.svc.AutoMerge(centroCtx, "sucursal-centro")
	if err != nil {
		t.Fatalf("auto merge failed: %v", err)
	}
	if summary.TargetOrderID != order.ID || summary.MergedCount != 1 {
		t.Fatalf("expected item merged into %s, got %+v", order.ID, summary)
	}

	resp, err := env.svc.CancelOrder(centroCtx, order.ID, domain.OrderCancelRequest{Reason: "wrong week"})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if resp.Order.Status != domain.OrderCancelled {
		t.Fatalf("expected cancelled order, got %s", resp.Order.Status)
	}
	if len(resp.ReissuedItems) != 1 {
		t.Fatalf("expected one reissued item, got %d", len(resp.ReissuedItems))
	}
	reissued := resp.ReissuedItems[0]
	if reissued.ID == item.ID || reissued.Quantity != 2 || reissued.Priority != domain.PriorityHigh || reissued.Status != domain.ItemPending {
		t.Fatalf("unexpected reissued item: %+v", reissued)
	}

	original, err := env.repo.GetReplacementItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if original.Status != domain.ItemMerged {
		t.Fatalf("merged item must stay merged, got %s", original.Status)
	}

	if _, err := env.svc.CancelOrder(centroCtx, order.ID, domain.OrderCancelRequest{}); !errors.Is(err, ErrInvalidOrderTransition) {
		t.Fatalf("expected second cancel to fail, got %v", err)
	}
}

func TestCancelUrgentOrderReissuesCarriedItems(t *testing.T) {
	env := newTestEnv(t)

	item, err := env.svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
		BranchID: "sucursal-centro", ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 4, Critical: true,
	})
	if err != nil {
		t.Fatalf("report deficit failed: %v", err)
	}
	urgent, err := env.svc.CreateUrgentOrder(centroCtx, "sucursal-centro")
	if err != nil {
		t.Fatalf("create urgent order failed: %v", err)
	}

	resp, err := env.svc.CancelOrder(centroCtx, urgent.OrderID, domain.OrderCancelRequest{})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if len(resp.CancelledItemIDs) != 1 || resp.CancelledItemIDs[0] != item.ID {
		t.Fatalf("expected carried item to be cancelled, got %v", resp.CancelledItemIDs)
	}
	if len(resp.ReissuedItems) != 1 || resp.ReissuedItems[0].Priority != domain.PriorityUrgent {
		t.Fatalf("expected the urgent quantity to be reissued, got %+v", resp.ReissuedItems)
	}

	// The reissued item is pending again, so a new urgent order can pick it up.
	again, err := env.svc.CreateUrgentOrder(centroCtx, "sucursal-centro")
	if err != nil {
		t.Fatalf("second urgent order failed: %v", err)
	}
	if again.OrderID == urgent.OrderID {
		t.Fatalf("expected a new urgent order")
	}
}

func TestSendOrderRespectsTemplateSendDays(t *testing.T) {
	env := newTestEnv(t)

	tomorrow := (testNow.Weekday() + 1) % 7
	tpl, err := env.svc.CreateTemplate(adminCtx, domain.TemplateCreateRequest{
		Name:                 "Pedido especial",
		Items:                []domain.TemplateLine{{ProductID: "PAN-01", ProductName: "Pan de molde", Quantity: 5, Unit: "unidad"}},
		DestinationBranchIDs: []string{"fabrica"},
		AllowedSendDays:      []string{tomorrow.String()},
	})
	if err != nil {
		t.Fatalf("create template failed: %v", err)
	}
	order, err := env.svc.CreateOrderFromTemplate(centroCtx, domain.OrderCreateRequest{
		TemplateID: tpl.ID, FromBranchID: "sucursal-centro", ToBranchID: "fabrica",
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	if _, err := env.svc.SendOrder(centroCtx, order.ID); !errors.Is(err, ErrSendDayNotAllowed) {
		t.Fatalf("expected send day error, got %v", err)
	}
}

func TestCreateOrderRejectsDestinationOutsideTemplate(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateOrderFromTemplate(centroCtx, domain.OrderCreateRequest{
		TemplateID: "tpl-semanal", FromBranchID: "sucursal-centro", ToBranchID: "sucursal-norte",
	})
	if !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected invalid order, got %v", err)
	}

	_, err = env.svc.CreateOrderFromTemplate(centroCtx, domain.OrderCreateRequest{
		TemplateID: "tpl-semanal", FromBranchID: "sucursal-centro", ToBranchID: "fabrica",
		Items: []domain.OrderLineRequest{{ProductID: "XXX-99", Quantity: 1}},
	})
	if !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected invalid order for unknown product, got %v", err)
	}
}

func TestAutoMergeAllRequiresAdminOrFactory(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.svc.AutoMergeAll(centroCtx); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	report, err := env.svc.AutoMergeAll(adminCtx)
	if err != nil {
		t.Fatalf("auto merge all failed: %v", err)
	}
	if report.MergedCount != 0 {
		t.Fatalf("expected nothing merged on empty queues, got %d", report.MergedCount)
	}
}

func TestListQueuesScopesBranchUsers(t *testing.T) {
	env := newTestEnv(t)

	for _, branchID := range []string{"sucursal-centro", "sucursal-norte"} {
		ctx := actorCtx("admin", domain.RoleAdmin, "")
		if _, err := env.svc.ReportDeficit(ctx, domain.DeficitReportRequest{
			BranchID: branchID, ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 1,
		}); err != nil {
			t.Fatalf("report deficit for %s failed: %v", branchID, err)
		}
	}

	all, err := env.svc.ListQueues(adminCtx)
	if err != nil {
		t.Fatalf("list queues failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected admin to see two queues, got %d", len(all))
	}
	own, err := env.svc.ListQueues(centroCtx)
	if err != nil {
		t.Fatalf("list queues failed: %v", err)
	}
	if len(own) != 1 || own[0].BranchID != "sucursal-centro" || !own[0].Pending {
		t.Fatalf("expected only sucursal-centro pending queue, got %+v", own)
	}

	if _, err := env.svc.GetQueue(centroCtx, "sucursal-norte"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for another branch queue, got %v", err)
	}
}

func TestUpdateItemStatusMapsConcurrentChange(t *testing.T) {
	env := newTestEnv(t)

	item, err := env.svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
		BranchID: "sucursal-centro", ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 1,
	})
	if err != nil {
		t.Fatalf("report deficit failed: %v", err)
	}
	if _, err := env.svc.UpdateItemStatus(centroCtx, item.ID, domain.ItemStatusUpdateRequest{Status: "completed"}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	_, err = env.svc.UpdateItemStatus(centroCtx, item.ID, domain.ItemStatusUpdateRequest{Status: "in_queue"})
	if !errors.Is(err, replacement.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.svc.UpdateItemStatus(centroCtx, "rep-missing", domain.ItemStatusUpdateRequest{Status: "completed"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListItemsScopesByRole(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
		BranchID: "sucursal-centro", ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 1,
	}); err != nil {
		t.Fatalf("report deficit failed: %v", err)
	}

	if _, err := env.svc.ListItems(deliveryCtx, "", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected delivery to be forbidden, got %v", err)
	}
	if _, err := env.svc.ListItems(deliveryCtx, "sucursal-centro", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected delivery to be forbidden for a branch, got %v", err)
	}

	norteCtx := actorCtx("norte", domain.RoleBranch, "sucursal-norte")
	items, err := env.svc.ListItems(norteCtx, "sucursal-centro", "")
	if err != nil {
		t.Fatalf("list items failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected branch user to see only its own branch, got %d items", len(items))
	}

	items, err = env.svc.ListItems(factoryCtx, "", "pending")
	if err != nil {
		t.Fatalf("list items failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected factory to see the pending item, got %d", len(items))
	}
}

func TestListItemsRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ListItems(adminCtx, "", "lost")
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected invalid query, got %v", err)
	}
	if errors.Is(err, replacement.ErrInvalidTransition) {
		t.Fatalf("bad filter input must not read as a transition error")
	}
}

type blockingPublisher struct {
	deadline chan bool
}

func (p *blockingPublisher) Publish(ctx context.Context, _ domain.ChangeEvent) error {
	_, hasDeadline := ctx.Deadline()
	<-ctx.Done()
	p.deadline <- hasDeadline
	return ctx.Err()
}

func (p *blockingPublisher) Close() error { return nil }

func TestSlowPublisherDoesNotHoldCommittedChange(t *testing.T) {
	repo := memory.NewSeeded()
	engine := replacement.New(repo, replacement.Config{Now: func() time.Time { return testNow }})
	publisher := &blockingPublisher{deadline: make(chan bool, 1)}
	svc := New(repo, engine, Options{Publisher: publisher, PublishTimeout: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
			BranchID: "sucursal-centro", ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 1,
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected the committed change to succeed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("report deficit blocked on the publisher")
	}
	if !<-publisher.deadline {
		t.Fatalf("expected publish to run under a deadline")
	}
}

// racingRepo reports a deficit the first time a queue's items are read, the way a concurrent
// request would between the read and the cache write.
type racingRepo struct {
	*memory.Store
	fired atomic.Bool
	racer func()
}

func (r *racingRepo) ListReplacementItems(ctx context.Context, filter store.ReplacementItemFilter) ([]domain.ReplacementItem, error) {
	items, err := r.Store.ListReplacementItems(ctx, filter)
	if r.racer != nil && r.fired.CompareAndSwap(false, true) {
		r.racer()
	}
	return items, err
}

func TestGetQueueDoesNotCacheSnapshotThatRacedAChange(t *testing.T) {
	repo := &racingRepo{Store: memory.NewSeeded()}
	engine := replacement.New(repo, replacement.Config{Now: func() time.Time { return testNow }})
	queueCache := &recordingCache{}
	svc := New(repo, engine, Options{Cache: queueCache, Now: func() time.Time { return testNow }})
	repo.racer = func() {
		if _, err := svc.ReportDeficit(centroCtx, domain.DeficitReportRequest{
			BranchID: "sucursal-centro", ProductID: "PAN-01", ProductName: "Pan de molde", Unit: "unidad", Quantity: 1,
		}); err != nil {
			t.Errorf("concurrent report failed: %v", err)
		}
	}

	view, err := svc.GetQueue(centroCtx, "sucursal-centro")
	if err != nil {
		t.Fatalf("get queue failed: %v", err)
	}
	if len(view.Items) != 0 {
		t.Fatalf("expected the snapshot taken before the report, got %d items", len(view.Items))
	}
	if len(queueCache.stored) != 0 {
		t.Fatalf("expected the stale snapshot not to be cached, got %v", queueCache.stored)
	}

	if _, err := svc.GetQueue(centroCtx, "sucursal-centro"); err != nil {
		t.Fatalf("second get queue failed: %v", err)
	}
	if len(queueCache.stored) != 1 {
		t.Fatalf("expected a quiet read to be cached, got %v", queueCache.stored)
	}
}

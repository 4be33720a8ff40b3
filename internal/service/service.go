package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"replenish/backend/internal/cache"
	"replenish/backend/internal/domain"
	"replenish/backend/internal/metrics"
	"replenish/backend/internal/notify"
	"replenish/backend/internal/replacement"
	"replenish/backend/internal/store"
	"replenish/backend/internal/xid"
)

var (
	ErrUnauthenticated        = errors.New("authentication required")
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidOrder           = errors.New("invalid order")
	ErrInvalidTemplate        = errors.New("invalid template")
	ErrInvalidOrderTransition = errors.New("invalid order transition")
	ErrSendDayNotAllowed      = errors.New("order cannot be sent today")
	ErrInvalidQuery           = errors.New("invalid query")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Cache     cache.QueueCache
	CacheTTL  time.Duration
	Publisher notify.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time

	// PublishTimeout bounds each change event publish; the change is already committed.
	PublishTimeout time.Duration
}

type Service struct {
	repo      store.Repository
	engine    *replacement.Engine
	cache     cache.QueueCache
	cacheTTL  time.Duration
	publisher notify.Publisher
	pubTTL    time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	// generations counts changes per branch so a queue read that raced a change is not cached.
	genMu       sync.Mutex
	generations map[string]uint64
}

func New(repo store.Repository, engine *replacement.Engine, opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.NoopQueueCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Noop{}
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:        repo,
		engine:      engine,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		publisher:   opts.Publisher,
		pubTTL:      opts.PublishTimeout,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
		generations: make(map[string]uint64),
	}
}

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListBranches(ctx)
}

// ListQueues returns every queue the actor may see, urgent and pending flags included.
func (s *Service) ListQueues(ctx context.Context) ([]domain.QueueView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	queues, err := s.engine.Queues.GetAllQueues(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]domain.QueueView, 0, len(queues))
	for _, q := range queues {
		if !actor.CanActFor(q.BranchID) {
			continue
		}
		views = append(views, q.View())
	}
	return views, nil
}

func (s *Service) GetQueue(ctx context.Context, branchID string) (domain.QueueView, error) {
	if _, err := requireBranch(ctx, branchID); err != nil {
		return domain.QueueView{}, err
	}
	if cached, ok, err := s.cache.Get(ctx, branchID); err != nil {
		s.logger.Warn("queue cache read failed", zap.String("branch_id", branchID), zap.Error(err))
	} else if ok {
		return cached.View(), nil
	}

	gen := s.generation(branchID)
	queue, err := s.engine.Queues.GetQueue(ctx, branchID)
	if err != nil {
		return domain.QueueView{}, err
	}
	if s.generation(branchID) != gen {
		return queue.View(), nil
	}
	if err := s.cache.Set(ctx, &queue, s.cacheTTL); err != nil {
		s.logger.Warn("queue cache write failed", zap.String("branch_id", branchID), zap.Error(err))
	}
	return queue.View(), nil
}

// ReportDeficit classifies a shortfall and enqueues it on the branch queue.
func (s *Service) ReportDeficit(ctx context.Context, req domain.DeficitReportRequest) (domain.ReplacementItem, error) {
	if _, err := requireBranch(ctx, strings.TrimSpace(req.BranchID)); err != nil {
		return domain.ReplacementItem{}, err
	}
	item, err := replacement.Classify(domain.Deficit{
		BranchID:      req.BranchID,
		ProductID:     req.ProductID,
		ProductName:   req.ProductName,
		Unit:          req.Unit,
		Quantity:      req.Quantity,
		Reason:        req.Reason,
		SourceOrderID: req.SourceOrderID,
		Priority:      domain.Priority(strings.ToLower(strings.TrimSpace(req.Priority))),
		Signal:        domain.UrgencySignal{Critical: req.Critical},
	})
	if err != nil {
		return domain.ReplacementItem{}, err
	}
	saved, err := s.engine.Queues.Enqueue(ctx, item)
	if err != nil {
		return domain.ReplacementItem{}, err
	}

	s.metrics.ItemsReported.WithLabelValues(string(saved.Priority)).Inc()
	s.logAudit(ctx, saved.BranchID, "deficit_report", "replacement_item", saved.ID,
		fmt.Sprintf("product=%s,qty=%d,priority=%s", saved.ProductID, saved.Quantity, saved.Priority))
	s.changed(ctx, domain.ChangeEvent{Type: domain.EventItemReported, BranchID: saved.BranchID, ItemIDs: []string{saved.ID}})
	return saved, nil
}

func (s *Service) UpdateItemStatus(ctx context.Context, itemID string, req domain.ItemStatusUpdateRequest) (domain.ReplacementItem, error) {
	item, err := s.repo.GetReplacementItem(ctx, strings.TrimSpace(itemID))
	if err != nil {
		return domain.ReplacementItem{}, err
	}
	if _, err := requireBranch(ctx, item.BranchID); err != nil {
		return domain.ReplacementItem{}, err
	}
	status, ok := domain.ParseItemStatus(req.Status)
	if !ok {
		return domain.ReplacementItem{}, fmt.Errorf("%w: unknown status %q", replacement.ErrInvalidTransition, req.Status)
	}
	updated, err := s.engine.Queues.UpdateStatus(ctx, item.ID, status)
	if err != nil {
		return domain.ReplacementItem{}, err
	}

	s.logAudit(ctx, updated.BranchID, "item_status", "replacement_item", updated.ID,
		fmt.Sprintf("from=%s,to=%s", item.Status, updated.Status))
	s.changed(ctx, domain.ChangeEvent{Type: domain.EventItemStatus, BranchID: updated.BranchID, ItemIDs: []string{updated.ID}})
	return updated, nil
}

func (s *Service) MergeSuggestions(ctx context.Context, branchID string) ([]domain.MergeOpportunity, error) {
	if _, err := requireBranch(ctx, branchID); err != nil {
		return nil, err
	}
	return s.engine.Detector.Suggestions(ctx, branchID)
}

func (s *Service) Merge(ctx context.Context, branchID string, req domain.MergeRequest) (domain.MergeResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.MergeResult{}, err
	}
	result, err := s.engine.Merger.Merge(ctx, branchID, req.TargetOrderID, req.ItemIDs, actor)
	if err != nil {
		return domain.MergeResult{}, err
	}
	if len(result.MergedItemIDs) == 0 {
		return result, nil
	}

	s.metrics.ItemsMerged.WithLabelValues("manual").Add(float64(len(result.MergedItemIDs)))
	s.logAudit(ctx, branchID, "merge", "order", result.OrderID,
		fmt.Sprintf("items=%s", strings.Join(result.MergedItemIDs, ",")))
	s.changed(ctx, domain.ChangeEvent{Type: domain.EventItemsMerged, BranchID: branchID, OrderID: result.OrderID, ItemIDs: result.MergedItemIDs})
	return result, nil
}

func (s *Service) CreateUrgentOrder(ctx context.Context, branchID string) (domain.UrgentOrderResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.UrgentOrderResponse{}, err
	}
	orderID, err := s.engine.Urgent.CreateUrgentOrder(ctx, branchID, actor)
	if err != nil {
		return domain.UrgentOrderResponse{}, err
	}

	s.metrics.UrgentOrders.Inc()
	s.logAudit(ctx, branchID, "urgent_order", "order", orderID, "")
	s.changed(ctx, domain.ChangeEvent{Type: domain.EventUrgentOrder, BranchID: branchID, OrderID: orderID})
	return domain.UrgentOrderResponse{OrderID: orderID}, nil
}

func (s *Service) AutoMerge(ctx context.Context, branchID string) (domain.MergeSummary, error) {
	if _, err := requireBranch(ctx, branchID); err != nil {
		return domain.MergeSummary{}, err
	}
	summary, err := s.engine.Auto.AutoMerge(ctx, branchID)
	if err != nil {
		return domain.MergeSummary{}, err
	}
	s.afterAutoMerge(ctx, summary)
	return summary, nil
}

// AutoMergeAll sweeps every queue. Individual branch failures are reported, not returned.
func (s *Service) AutoMergeAll(ctx context.Context) (domain.AutoMergeReport, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleFactory); err != nil {
		return domain.AutoMergeReport{}, err
	}
	report, err := s.engine.Auto.AutoMergeAll(ctx)
	if err != nil {
		return domain.AutoMergeReport{}, err
	}
	for _, summary := range report.Results {
		s.afterAutoMerge(ctx, summary)
	}
	for _, failure := range report.Failures {
		s.metrics.AutoMergeFailures.Inc()
		s.logger.Warn("auto-merge failed for branch",
			zap.String("branch_id", failure.BranchID),
			zap.String("error", failure.Error),
		)
	}
	return report, nil
}

func (s *Service) afterAutoMerge(ctx context.Context, summary domain.MergeSummary) {
	if summary.MergedCount == 0 {
		return
	}
	s.metrics.ItemsMerged.WithLabelValues("auto").Add(float64(summary.MergedCount))
	s.logAudit(ctx, summary.BranchID, "auto_merge", "order", summary.TargetOrderID,
		fmt.Sprintf("merged=%d", summary.MergedCount))
	s.changed(ctx, domain.ChangeEvent{Type: domain.EventItemsMerged, BranchID: summary.BranchID, OrderID: summary.TargetOrderID, ItemIDs: summary.MergedItemIDs})
}

func (s *Service) ListItems(ctx context.Context, branchID string, status string) ([]domain.ReplacementItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case domain.RoleDelivery:
		return nil, fmt.Errorf("%w: delivery users cannot read replacement items", ErrForbidden)
	case domain.RoleBranch:
		branchID = actor.BranchID
	}
	filter := store.ReplacementItemFilter{BranchID: strings.TrimSpace(branchID)}
	if filter.BranchID != "" && !actor.CanActFor(filter.BranchID) {
		return nil, fmt.Errorf("%w: branch %s", ErrForbidden, filter.BranchID)
	}
	if status = strings.TrimSpace(status); status != "" {
		parsed, ok := domain.ParseItemStatus(status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, status)
		}
		filter.Statuses = []domain.ItemStatus{parsed}
	}
	return s.engine.Queues.ListItems(ctx, filter)
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case domain.RoleAdmin:
	case domain.RoleBranch, domain.RoleFactory:
		branchID = actor.BranchID
	case domain.RoleDelivery:
		return nil, ErrForbidden
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListAuditLogs(ctx, branchID, limit)
}

// changed drops cached snapshots of the branch and publishes the event. Both are best effort.
func (s *Service) changed(ctx context.Context, event domain.ChangeEvent) {
	s.genMu.Lock()
	s.generations[event.BranchID]++
	s.genMu.Unlock()

	if err := s.cache.Invalidate(ctx, event.BranchID); err != nil {
		s.logger.Warn("queue cache invalidation failed", zap.String("branch_id", event.BranchID), zap.Error(err))
	}
	if event.At.IsZero() {
		event.At = s.now()
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.pubTTL)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, event); err != nil {
		s.logger.Warn("change event publish failed",
			zap.String("type", string(event.Type)),
			zap.String("branch_id", event.BranchID),
			zap.Error(err),
		)
	}
}

func (s *Service) generation(branchID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[branchID]
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     string(actor.Role),
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func requireRole(ctx context.Context, roles ...domain.Role) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if !slices.Contains(roles, actor.Role) {
		return domain.Actor{}, fmt.Errorf("%w: role %s", ErrForbidden, actor.Role)
	}
	return actor, nil
}

func requireBranch(ctx context.Context, branchID string) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if !actor.CanActFor(branchID) {
		return domain.Actor{}, fmt.Errorf("%w: branch %s", ErrForbidden, branchID)
	}
	return actor, nil
}

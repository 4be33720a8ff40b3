// Package breaker guards a store.Repository with a circuit breaker. Only infrastructure faults
// count as failures; not-found, conflicts and invalid writes pass through without tripping it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
)

type Config struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	// HalfOpenRequests is how many probes are let through once the open timeout elapses.
	HalfOpenRequests uint32
	OnStateChange    func(from string, to string)
}

type Repository struct {
	inner store.Repository
	cb    *gobreaker.CircuitBreaker
}

var _ store.Repository = (*Repository)(nil)

func New(inner store.Repository, cfg Config, logger *zap.Logger) *Repository {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !isInfrastructureFault(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from.String(), to.String())
			}
		},
	}
	return &Repository{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (r *Repository) State() string {
	return r.cb.State().String()
}

func isInfrastructureFault(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func call[T any](r *Repository, fn func() (T, error)) (T, error) {
	var zero T
	out, err := r.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if err != nil {
		return zero, err
	}
	value, ok := out.(T)
	if !ok {
		return zero, nil
	}
	return value, nil
}

func exec(r *Repository, fn func() error) error {
	_, err := call(r, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

type orderItems struct {
	order *domain.Order
	items []domain.ReplacementItem
}

func callPair(r *Repository, fn func() (*domain.Order, []domain.ReplacementItem, error)) (*domain.Order, []domain.ReplacementItem, error) {
	out, err := call(r, func() (orderItems, error) {
		order, items, err := fn()
		return orderItems{order: order, items: items}, err
	})
	return out.order, out.items, err
}

func (r *Repository) UpsertBranch(ctx context.Context, branch domain.Branch) error {
	return exec(r, func() error { return r.inner.UpsertBranch(ctx, branch) })
}

func (r *Repository) GetBranch(ctx context.Context, branchID string) (*domain.Branch, error) {
	return call(r, func() (*domain.Branch, error) { return r.inner.GetBranch(ctx, branchID) })
}

func (r *Repository) GetFactoryBranch(ctx context.Context) (*domain.Branch, error) {
	return call(r, func() (*domain.Branch, error) { return r.inner.GetFactoryBranch(ctx) })
}

func (r *Repository) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	return call(r, func() ([]domain.Branch, error) { return r.inner.ListBranches(ctx) })
}

func (r *Repository) CreateTemplate(ctx context.Context, tpl domain.Template) (*domain.Template, error) {
	return call(r, func() (*domain.Template, error) { return r.inner.CreateTemplate(ctx, tpl) })
}

func (r *Repository) GetTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	return call(r, func() (*domain.Template, error) { return r.inner.GetTemplate(ctx, templateID) })
}

func (r *Repository) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	return call(r, func() ([]domain.Template, error) { return r.inner.ListTemplates(ctx) })
}

func (r *Repository) CreateReplacementItem(ctx context.Context, item domain.ReplacementItem) (*domain.ReplacementItem, error) {
	return call(r, func() (*domain.ReplacementItem, error) { return r.inner.CreateReplacementItem(ctx, item) })
}

func (r *Repository) GetReplacementItem(ctx context.Context, itemID string) (*domain.ReplacementItem, error) {
	return call(r, func() (*domain.ReplacementItem, error) { return r.inner.GetReplacementItem(ctx, itemID) })
}

func (r *Repository) ListReplacementItems(ctx context.Context, filter store.ReplacementItemFilter) ([]domain.ReplacementItem, error) {
	return call(r, func() ([]domain.ReplacementItem, error) { return r.inner.ListReplacementItems(ctx, filter) })
}

func (r *Repository) TransitionReplacementItem(ctx context.Context, itemID string, from domain.ItemStatus, to domain.ItemStatus, at time.Time) (*domain.ReplacementItem, error) {
	return call(r, func() (*domain.ReplacementItem, error) {
		return r.inner.TransitionReplacementItem(ctx, itemID, from, to, at)
	})
}

func (r *Repository) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	return call(r, func() (*domain.Order, error) { return r.inner.CreateOrder(ctx, order) })
}

func (r *Repository) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return call(r, func() (*domain.Order, error) { return r.inner.GetOrder(ctx, orderID) })
}

func (r *Repository) ListOrders(ctx context.Context, filter store.OrderFilter) ([]domain.Order, error) {
	return call(r, func() ([]domain.Order, error) { return r.inner.ListOrders(ctx, filter) })
}

func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID string, from domain.OrderStatus, to domain.OrderStatus, at time.Time) (*domain.Order, error) {
	return call(r, func() (*domain.Order, error) { return r.inner.UpdateOrderStatus(ctx, orderID, from, to, at) })
}

func (r *Repository) CommitMerge(ctx context.Context, commit store.MergeCommit) (*domain.Order, error) {
	return call(r, func() (*domain.Order, error) { return r.inner.CommitMerge(ctx, commit) })
}

func (r *Repository) CommitUrgentOrder(ctx context.Context, order domain.Order, itemIDs []string, at time.Time) (*domain.Order, error) {
	return call(r, func() (*domain.Order, error) { return r.inner.CommitUrgentOrder(ctx, order, itemIDs, at) })
}

func (r *Repository) CommitReception(ctx context.Context, commit store.ReceptionCommit) (*domain.Order, []domain.ReplacementItem, error) {
	return callPair(r, func() (*domain.Order, []domain.ReplacementItem, error) { return r.inner.CommitReception(ctx, commit) })
}

func (r *Repository) CommitOrderCancellation(ctx context.Context, commit store.CancellationCommit) (*domain.Order, []domain.ReplacementItem, error) {
	return callPair(r, func() (*domain.Order, []domain.ReplacementItem, error) {
		return r.inner.CommitOrderCancellation(ctx, commit)
	})
}

func (r *Repository) ListDeliveryNotes(ctx context.Context, branchID string, limit int) ([]domain.DeliveryNote, error) {
	return call(r, func() ([]domain.DeliveryNote, error) { return r.inner.ListDeliveryNotes(ctx, branchID, limit) })
}

func (r *Repository) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	return exec(r, func() error { return r.inner.CreateAuditLog(ctx, entry) })
}

func (r *Repository) ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	return call(r, func() ([]domain.AuditLog, error) { return r.inner.ListAuditLogs(ctx, branchID, limit) })
}

func (r *Repository) CreateUser(ctx context.Context, user domain.UserAccount) error {
	return exec(r, func() error { return r.inner.CreateUser(ctx, user) })
}

func (r *Repository) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	return call(r, func() ([]domain.UserAccount, error) { return r.inner.ListUsers(ctx) })
}

func (r *Repository) UpdateUserPassword(ctx context.Context, username string, password string) error {
	return exec(r, func() error { return r.inner.UpdateUserPassword(ctx, username, password) })
}

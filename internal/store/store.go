package store

import (
	"context"
	"errors"
	"time"

	"replenish/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflicting concurrent update")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrUnavailable        = errors.New("store unavailable")
)

type ReplacementItemFilter struct {
	IDs              []string
	BranchID         string
	ProductID        string
	Priority         domain.Priority
	Statuses         []domain.ItemStatus
	CarriedByOrderID string
}

type OrderFilter struct {
	FromBranchID string
	ToBranchID   string
	Statuses     []domain.OrderStatus
	Limit        int
}

// MergeCommit replaces the lines of a draft order and marks items merged in one unit.
// Every item must still be pending or in_queue and not carried by any order.
type MergeCommit struct {
	OrderID         string
	ExpectedVersion int64
	Lines           []domain.OrderLine
	ItemIDs         []string
	MergedAt        time.Time
}

// ReceptionCommit closes an order on reception: the delivery note is stored, the items the
// order carried are completed and the freshly detected deficits are queued.
type ReceptionCommit struct {
	OrderID         string
	ExpectedVersion int64
	Note            domain.DeliveryNote
	CompleteItemIDs []string
	NewItems        []domain.ReplacementItem
	ReceivedAt      time.Time
}

// CancellationCommit cancels an order, cancels the items it carried and re-queues the
// quantities it held so nothing is lost.
type CancellationCommit struct {
	OrderID         string
	ExpectedVersion int64
	CancelItemIDs   []string
	Reissued        []domain.ReplacementItem
	CancelledAt     time.Time
}

type Repository interface {
	UpsertBranch(ctx context.Context, branch domain.Branch) error
	GetBranch(ctx context.Context, branchID string) (*domain.Branch, error)
	GetFactoryBranch(ctx context.Context) (*domain.Branch, error)
	ListBranches(ctx context.Context) ([]domain.Branch, error)

	CreateTemplate(ctx context.Context, tpl domain.Template) (*domain.Template, error)
	GetTemplate(ctx context.Context, templateID string) (*domain.Template, error)
	ListTemplates(ctx context.Context) ([]domain.Template, error)

	CreateReplacementItem(ctx context.Context, item domain.ReplacementItem) (*domain.ReplacementItem, error)
	GetReplacementItem(ctx context.Context, itemID string) (*domain.ReplacementItem, error)
	ListReplacementItems(ctx context.Context, filter ReplacementItemFilter) ([]domain.ReplacementItem, error)
	// TransitionReplacementItem moves an item to status `to` only if it is still in `from`.
	// A lost race returns ErrConflict.
	TransitionReplacementItem(ctx context.Context, itemID string, from domain.ItemStatus, to domain.ItemStatus, at time.Time) (*domain.ReplacementItem, error)

	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, from domain.OrderStatus, to domain.OrderStatus, at time.Time) (*domain.Order, error)

	CommitMerge(ctx context.Context, commit MergeCommit) (*domain.Order, error)
	CommitUrgentOrder(ctx context.Context, order domain.Order, itemIDs []string, at time.Time) (*domain.Order, error)
	CommitReception(ctx context.Context, commit ReceptionCommit) (*domain.Order, []domain.ReplacementItem, error)
	CommitOrderCancellation(ctx context.Context, commit CancellationCommit) (*domain.Order, []domain.ReplacementItem, error)

	ListDeliveryNotes(ctx context.Context, branchID string, limit int) ([]domain.DeliveryNote, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Matches reports whether an item satisfies the filter. Backends without a query engine use it
// directly; the others mirror it in their native query language.
func (f ReplacementItemFilter) Matches(item domain.ReplacementItem) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, item.ID) {
		return false
	}
	if f.BranchID != "" && item.BranchID != f.BranchID {
		return false
	}
	if f.ProductID != "" && item.ProductID != f.ProductID {
		return false
	}
	if f.Priority != "" && item.Priority != f.Priority {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, item.Status) {
		return false
	}
	if f.CarriedByOrderID != "" && item.CarriedByOrderID != f.CarriedByOrderID {
		return false
	}
	return true
}

func (f OrderFilter) Matches(order domain.Order) bool {
	if f.FromBranchID != "" && order.FromBranchID != f.FromBranchID {
		return false
	}
	if f.ToBranchID != "" && order.ToBranchID != f.ToBranchID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if order.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ApplyTransition sets the status of item and stamps the terminal timestamp once.
func ApplyTransition(item *domain.ReplacementItem, to domain.ItemStatus, at time.Time) {
	item.Status = to
	item.UpdatedAt = at
	switch to {
	case domain.ItemMerged:
		if item.MergedAt == nil {
			stamp := at
			item.MergedAt = &stamp
		}
	case domain.ItemCompleted:
		if item.CompletedAt == nil {
			stamp := at
			item.CompletedAt = &stamp
		}
	case domain.ItemCancelled:
		if item.CancelledAt == nil {
			stamp := at
			item.CancelledAt = &stamp
		}
	case domain.ItemPending, domain.ItemInQueue, domain.ItemUrgent:
	}
}

// ReceivableStatuses are the order states reception may close.
var ReceivableStatuses = []domain.OrderStatus{domain.OrderSent, domain.OrderAssembling, domain.OrderInTransit}

// CancellableStatuses are the order states that may still be cancelled.
var CancellableStatuses = []domain.OrderStatus{domain.OrderDraft, domain.OrderSent}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func containsStatus(values []domain.ItemStatus, target domain.ItemStatus) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

package domain

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type Branch struct {
	ID   string     `json:"id" bson:"_id"`
	Name string     `json:"name" bson:"name"`
	Kind BranchKind `json:"kind" bson:"kind"`
}

// ReplacementItem is one deficit unit of a product at a branch.
type ReplacementItem struct {
	ID                string     `json:"id" bson:"_id"`
	BranchID          string     `json:"branch_id" bson:"branch_id"`
	ProductID         string     `json:"product_id" bson:"product_id"`
	ProductName       string     `json:"product_name" bson:"product_name"`
	Unit              string     `json:"unit" bson:"unit"`
	Quantity          int        `json:"quantity" bson:"quantity"`
	Priority          Priority   `json:"priority" bson:"priority"`
	Status            ItemStatus `json:"status" bson:"status"`
	Reason            string     `json:"reason" bson:"reason"`
	SourceOrderID     string     `json:"source_order_id,omitempty" bson:"source_order_id,omitempty"`
	CarriedByOrderID  string     `json:"carried_by_order_id,omitempty" bson:"carried_by_order_id,omitempty"`
	MergedIntoOrderID string     `json:"merged_into_order_id,omitempty" bson:"merged_into_order_id,omitempty"`
	Seq               int64      `json:"seq" bson:"seq"`
	ReportedAt        time.Time  `json:"reported_at" bson:"reported_at"`
	MergedAt          *time.Time `json:"merged_at,omitempty" bson:"merged_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at" bson:"updated_at"`
}

// Carried reports whether another order already accounts for this item's quantity.
func (i ReplacementItem) Carried() bool {
	return i.CarriedByOrderID != ""
}

// ReplacementQueue groups the items of one branch in report order. Its ID is the branch ID.
type ReplacementQueue struct {
	ID         string            `json:"id"`
	BranchID   string            `json:"branch_id"`
	BranchName string            `json:"branch_name"`
	Items      []ReplacementItem `json:"items"`
}

// IsUrgent is true when any item is priority urgent and still pending.
func (q ReplacementQueue) IsUrgent() bool {
	for _, item := range q.Items {
		if item.Priority == PriorityUrgent && item.Status == ItemPending {
			return true
		}
	}
	return false
}

// IsPending is true when any item is pending or in_queue.
func (q ReplacementQueue) IsPending() bool {
	for _, item := range q.Items {
		if item.Status == ItemPending || item.Status == ItemInQueue {
			return true
		}
	}
	return false
}

// IsCompleted is true when every item is completed or merged. Empty queues are not completed.
func (q ReplacementQueue) IsCompleted() bool {
	if len(q.Items) == 0 {
		return false
	}
	for _, item := range q.Items {
		if item.Status != ItemCompleted && item.Status != ItemMerged {
			return false
		}
	}
	return true
}

// QueueView is the serialised form of a queue including its derived classes.
type QueueView struct {
	ReplacementQueue
	Urgent    bool `json:"urgent"`
	Pending   bool `json:"pending"`
	Completed bool `json:"completed"`
}

func (q ReplacementQueue) View() QueueView {
	return QueueView{
		ReplacementQueue: q,
		Urgent:           q.IsUrgent(),
		Pending:          q.IsPending(),
		Completed:        q.IsCompleted(),
	}
}

// TriageOrder sorts items by priority (urgent first) keeping report order between equals.
func TriageOrder(items []ReplacementItem) []ReplacementItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b ReplacementItem) int {
		if a.Priority.Rank() != b.Priority.Rank() {
			return b.Priority.Rank() - a.Priority.Rank()
		}
		return CompareReportOrder(a, b)
	})
	return out
}

func CompareReportOrder(a ReplacementItem, b ReplacementItem) int {
	if !a.ReportedAt.Equal(b.ReportedAt) {
		if a.ReportedAt.Before(b.ReportedAt) {
			return -1
		}
		return 1
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

type OrderLine struct {
	ProductID   string `json:"product_id" bson:"product_id"`
	ProductName string `json:"product_name" bson:"product_name"`
	Quantity    int    `json:"quantity" bson:"quantity"`
	Unit        string `json:"unit" bson:"unit"`
	// SourceItemIDs records every replacement item whose quantity is included in this line.
	SourceItemIDs []string `json:"source_item_ids,omitempty" bson:"source_item_ids,omitempty"`
}

type OrderKind string

const (
	OrderKindRegular     OrderKind = "regular"
	OrderKindUrgent      OrderKind = "urgent"
	OrderKindReplacement OrderKind = "replacement"
)

type Order struct {
	ID              string         `json:"id" bson:"_id"`
	Kind            OrderKind      `json:"kind" bson:"kind"`
	Status          OrderStatus    `json:"status" bson:"status"`
	FromBranchID    string         `json:"from_branch_id" bson:"from_branch_id"`
	ToBranchID      string         `json:"to_branch_id" bson:"to_branch_id"`
	Items           []OrderLine    `json:"items" bson:"items"`
	AllowedSendDays []time.Weekday `json:"allowed_send_days,omitempty" bson:"allowed_send_days,omitempty"`
	TemplateID      string         `json:"template_id,omitempty" bson:"template_id,omitempty"`
	ParentOrderID   string         `json:"parent_order_id,omitempty" bson:"parent_order_id,omitempty"`
	Notes           string         `json:"notes,omitempty" bson:"notes,omitempty"`
	CreatedBy       string         `json:"created_by" bson:"created_by"`
	CreatedAt       time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" bson:"updated_at"`
	SentAt          *time.Time     `json:"sent_at,omitempty" bson:"sent_at,omitempty"`
	ReceivedAt      *time.Time     `json:"received_at,omitempty" bson:"received_at,omitempty"`
	Version         int64          `json:"version" bson:"version"`
}

// Line returns the index of the line for productID, or -1.
func (o Order) Line(productID string) int {
	for idx, line := range o.Items {
		if line.ProductID == productID {
			return idx
		}
	}
	return -1
}

// Carries reports whether any line already accounts for the replacement item.
func (o Order) Carries(itemID string) bool {
	for _, line := range o.Items {
		if slices.Contains(line.SourceItemIDs, itemID) {
			return true
		}
	}
	return false
}

func (o Order) TotalQuantity() int {
	total := 0
	for _, line := range o.Items {
		total += line.Quantity
	}
	return total
}

type TemplateLine struct {
	ProductID   string `json:"product_id" bson:"product_id" validate:"required"`
	ProductName string `json:"product_name" bson:"product_name" validate:"required"`
	Quantity    int    `json:"quantity" bson:"quantity" validate:"gte=0"`
	Unit        string `json:"unit" bson:"unit" validate:"required"`
}

type Template struct {
	ID                   string         `json:"id" bson:"_id"`
	Name                 string         `json:"name" bson:"name"`
	Items                []TemplateLine `json:"items" bson:"items"`
	DestinationBranchIDs []string       `json:"destination_branch_ids" bson:"destination_branch_ids"`
	AllowedSendDays      []time.Weekday `json:"allowed_send_days" bson:"allowed_send_days"`
	CreatedBy            string         `json:"created_by" bson:"created_by"`
	CreatedAt            time.Time      `json:"created_at" bson:"created_at"`
}

func (t Template) AllowsDestination(branchID string) bool {
	return slices.Contains(t.DestinationBranchIDs, branchID)
}

// AllowsDay treats an empty day list as "any day".
func (t Template) AllowsDay(day time.Weekday) bool {
	return len(t.AllowedSendDays) == 0 || slices.Contains(t.AllowedSendDays, day)
}

type DeliveryNoteLine struct {
	ProductID   string `json:"product_id" bson:"product_id"`
	ProductName string `json:"product_name" bson:"product_name"`
	Unit        string `json:"unit" bson:"unit"`
	Ordered     int    `json:"ordered" bson:"ordered"`
	Received    int    `json:"received" bson:"received"`
	Denied      bool   `json:"denied" bson:"denied"`
}

type DeliveryNote struct {
	ID           string             `json:"id" bson:"_id"`
	OrderID      string             `json:"order_id" bson:"order_id"`
	FromBranchID string             `json:"from_branch_id" bson:"from_branch_id"`
	ToBranchID   string             `json:"to_branch_id" bson:"to_branch_id"`
	Lines        []DeliveryNoteLine `json:"lines" bson:"lines"`
	ReceivedBy   string             `json:"received_by" bson:"received_by"`
	ReceivedAt   time.Time          `json:"received_at" bson:"received_at"`
	Notes        string             `json:"notes,omitempty" bson:"notes,omitempty"`
}

// Shortfall is the difference between ordered and received quantities across all lines.
func (n DeliveryNote) Shortfall() int {
	total := 0
	for _, line := range n.Lines {
		if line.Received < line.Ordered {
			total += line.Ordered - line.Received
		}
	}
	return total
}

// UrgencySignal carries caller knowledge used to escalate a deficit.
type UrgencySignal struct {
	Critical        bool `json:"critical"`
	NothingReceived bool `json:"nothing_received"`
}

// Deficit is a shortfall reported by reception or a factory denial.
type Deficit struct {
	BranchID      string        `json:"branch_id" validate:"required"`
	ProductID     string        `json:"product_id" validate:"required"`
	ProductName   string        `json:"product_name"`
	Unit          string        `json:"unit"`
	Quantity      int           `json:"quantity"`
	Reason        string        `json:"reason"`
	SourceOrderID string        `json:"source_order_id"`
	Priority      Priority      `json:"priority,omitempty"`
	Signal        UrgencySignal `json:"signal"`
}

type MergeOpportunity struct {
	OrderID          string    `json:"order_id"`
	CreatedAt        time.Time `json:"created_at"`
	EligibleItemIDs  []string  `json:"eligible_item_ids"`
	EligibleQuantity int       `json:"eligible_quantity"`
}

type MergeResult struct {
	OrderID        string   `json:"order_id"`
	MergedItemIDs  []string `json:"merged_item_ids"`
	SkippedItemIDs []string `json:"skipped_item_ids,omitempty"`
	Order          *Order   `json:"order,omitempty"`
}

type MergeSummary struct {
	BranchID      string   `json:"branch_id"`
	TargetOrderID string   `json:"target_order_id,omitempty"`
	MergedCount   int      `json:"merged_count"`
	MergedItemIDs []string `json:"merged_item_ids,omitempty"`
}

type BranchFailure struct {
	BranchID string `json:"branch_id"`
	Error    string `json:"error"`
	err      error
}

func NewBranchFailure(branchID string, err error) BranchFailure {
	return BranchFailure{BranchID: branchID, Error: err.Error(), err: err}
}

func (f BranchFailure) Unwrap() error {
	return f.err
}

type AutoMergeReport struct {
	Results     []MergeSummary  `json:"results"`
	Failures    []BranchFailure `json:"failures,omitempty"`
	MergedCount int             `json:"merged_count"`
}

// Err joins the per-branch failures, or returns nil when every branch succeeded.
func (r AutoMergeReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, failure := range r.Failures {
		err := failure.err
		if err == nil {
			err = errors.New(failure.Error)
		}
		errs = append(errs, fmt.Errorf("branch %s: %w", failure.BranchID, err))
	}
	return errors.Join(errs...)
}

type Actor struct {
	Username string
	Role     Role
	BranchID string
}

// CanActFor reports whether the actor may operate on the given branch's queue and orders.
func (a Actor) CanActFor(branchID string) bool {
	switch a.Role {
	case RoleAdmin, RoleFactory:
		return true
	case RoleBranch:
		return a.BranchID != "" && a.BranchID == branchID
	case RoleDelivery:
		return false
	}
	return false
}

type UserAccount struct {
	Username  string    `json:"username" bson:"_id"`
	Password  string    `json:"-" bson:"password"`
	Role      Role      `json:"role" bson:"role"`
	BranchID  string    `json:"branch_id,omitempty" bson:"branch_id,omitempty"`
	Active    bool      `json:"active" bson:"active"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        Role   `json:"role"`
	BranchID    string `json:"branch_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type AuditLog struct {
	ID            string    `json:"id" bson:"_id"`
	BranchID      string    `json:"branch_id" bson:"branch_id"`
	ActorUsername string    `json:"actor_username" bson:"actor_username"`
	ActorRole     string    `json:"actor_role" bson:"actor_role"`
	Action        string    `json:"action" bson:"action"`
	EntityType    string    `json:"entity_type" bson:"entity_type"`
	EntityID      string    `json:"entity_id" bson:"entity_id"`
	Detail        string    `json:"detail" bson:"detail"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

type ChangeEventType string

const (
	EventItemReported  ChangeEventType = "replacement.item_reported"
	EventItemStatus    ChangeEventType = "replacement.item_status_changed"
	EventItemsMerged   ChangeEventType = "replacement.items_merged"
	EventUrgentOrder   ChangeEventType = "replacement.urgent_order_created"
	EventOrderChanged  ChangeEventType = "order.status_changed"
	EventOrderReceived ChangeEventType = "order.received"
)

type ChangeEvent struct {
	Type     ChangeEventType `json:"type"`
	BranchID string          `json:"branch_id"`
	OrderID  string          `json:"order_id,omitempty"`
	ItemIDs  []string        `json:"item_ids,omitempty"`
	At       time.Time       `json:"at"`
}

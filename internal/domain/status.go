package domain

import (
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func ParsePriority(raw string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	return p, p.Valid()
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank orders priorities from least (0) to most (3) pressing. Unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return -1
}

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemInQueue   ItemStatus = "in_queue"
	ItemUrgent    ItemStatus = "urgent"
	ItemMerged    ItemStatus = "merged"
	ItemCompleted ItemStatus = "completed"
	ItemCancelled ItemStatus = "cancelled"
)

func ParseItemStatus(raw string) (ItemStatus, bool) {
	s := ItemStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemPending, ItemInQueue, ItemUrgent, ItemMerged, ItemCompleted, ItemCancelled:
		return true
	}
	return false
}

// Terminal reports whether the item can no longer change.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemMerged, ItemCompleted, ItemCancelled:
		return true
	case ItemPending, ItemInQueue, ItemUrgent:
		return false
	}
	return false
}

// Mergeable reports whether an item in this status may be folded into a draft order.
func (s ItemStatus) Mergeable() bool {
	switch s {
	case ItemPending, ItemInQueue:
		return true
	case ItemUrgent, ItemMerged, ItemCompleted, ItemCancelled:
		return false
	}
	return false
}

// CanTransition is the replacement item state machine. Transitions only move forward and
// nothing ever returns to pending.
func CanTransition(from ItemStatus, to ItemStatus) bool {
	if !to.Valid() {
		return false
	}
	switch from {
	case ItemPending:
		switch to {
		case ItemInQueue, ItemUrgent, ItemMerged, ItemCompleted, ItemCancelled:
			return true
		case ItemPending:
			return false
		}
	case ItemUrgent:
		switch to {
		case ItemInQueue, ItemMerged, ItemCompleted, ItemCancelled:
			return true
		case ItemPending, ItemUrgent:
			return false
		}
	case ItemInQueue:
		switch to {
		case ItemMerged, ItemCompleted, ItemCancelled:
			return true
		case ItemPending, ItemInQueue, ItemUrgent:
			return false
		}
	case ItemMerged, ItemCompleted, ItemCancelled:
		return false
	}
	return false
}

// SourcesFor lists every status from which to is reachable.
func SourcesFor(to ItemStatus) []ItemStatus {
	all := []ItemStatus{ItemPending, ItemInQueue, ItemUrgent, ItemMerged, ItemCompleted, ItemCancelled}
	out := make([]ItemStatus, 0, len(all))
	for _, from := range all {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type OrderStatus string

const (
	OrderDraft      OrderStatus = "draft"
	OrderSent       OrderStatus = "sent"
	OrderAssembling OrderStatus = "assembling"
	OrderInTransit  OrderStatus = "in_transit"
	OrderReceived   OrderStatus = "received"
	OrderCancelled  OrderStatus = "cancelled"
)

func ParseOrderStatus(raw string) (OrderStatus, bool) {
	s := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderDraft, OrderSent, OrderAssembling, OrderInTransit, OrderReceived, OrderCancelled:
		return true
	}
	return false
}

// Active reports whether the order still carries goods that have not been received.
func (s OrderStatus) Active() bool {
	switch s {
	case OrderDraft, OrderSent, OrderAssembling, OrderInTransit:
		return true
	case OrderReceived, OrderCancelled:
		return false
	}
	return false
}

// CanAdvanceOrder is the order lifecycle used by the dashboard actions.
func CanAdvanceOrder(from OrderStatus, to OrderStatus) bool {
	switch from {
	case OrderDraft:
		return to == OrderSent || to == OrderCancelled
	case OrderSent:
		return to == OrderAssembling || to == OrderCancelled || to == OrderReceived
	case OrderAssembling:
		return to == OrderInTransit || to == OrderReceived
	case OrderInTransit:
		return to == OrderReceived
	case OrderReceived, OrderCancelled:
		return false
	}
	return false
}

type Role string

const (
	RoleFactory  Role = "factory"
	RoleBranch   Role = "branch"
	RoleDelivery Role = "delivery"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleFactory, RoleBranch, RoleDelivery, RoleAdmin:
		return true
	}
	return false
}

type BranchKind string

const (
	BranchFactory BranchKind = "factory"
	BranchStore   BranchKind = "store"
)

// ParseWeekday accepts english weekday names ("monday") or their three letter forms.
func ParseWeekday(raw string) (time.Weekday, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, true
		}
	}
	return 0, false
}

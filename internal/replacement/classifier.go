package replacement

import (
	"fmt"
	"strings"

	"replenish/backend/internal/domain"
)

// Classify builds a pending replacement item from a deficit. Priority defaults to normal; an
// explicit priority on the deficit is honoured and the urgency signal can only raise it.
// The reason text never affects priority.
func Classify(deficit domain.Deficit) (domain.ReplacementItem, error) {
	if deficit.Quantity <= 0 {
		return domain.ReplacementItem{}, fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidDeficit, deficit.Quantity)
	}
	branchID := strings.TrimSpace(deficit.BranchID)
	productID := strings.TrimSpace(deficit.ProductID)
	if branchID == "" || productID == "" {
		return domain.ReplacementItem{}, fmt.Errorf("%w: branch and product are required", ErrInvalidDeficit)
	}

	priority := domain.PriorityNormal
	if deficit.Priority != "" {
		if !deficit.Priority.Valid() {
			return domain.ReplacementItem{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidDeficit, deficit.Priority)
		}
		priority = deficit.Priority
	}
	if deficit.Signal.NothingReceived {
		priority = raise(priority, domain.PriorityHigh)
	}
	if deficit.Signal.Critical {
		priority = domain.PriorityUrgent
	}

	return domain.ReplacementItem{
		BranchID:      branchID,
		ProductID:     productID,
		ProductName:   strings.TrimSpace(deficit.ProductName),
		Unit:          strings.TrimSpace(deficit.Unit),
		Quantity:      deficit.Quantity,
		Priority:      priority,
		Status:        domain.ItemPending,
		Reason:        strings.TrimSpace(deficit.Reason),
		SourceOrderID: strings.TrimSpace(deficit.SourceOrderID),
	}, nil
}

func raise(current domain.Priority, floor domain.Priority) domain.Priority {
	if current.Rank() < floor.Rank() {
		return floor
	}
	return current
}

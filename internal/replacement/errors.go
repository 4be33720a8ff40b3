package replacement

import (
	"errors"

	"replenish/backend/internal/store"
)

var (
	ErrInvalidDeficit    = errors.New("invalid deficit")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrItemNotMergeable  = errors.New("item not mergeable")
	ErrNoUrgentItems     = errors.New("no urgent pending items")
	ErrActorNotPermitted = errors.New("actor not permitted for queue")
	ErrStoreUnavailable  = store.ErrUnavailable
)

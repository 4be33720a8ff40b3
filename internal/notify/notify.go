// Package notify pushes change events about queues and orders to optional listeners.
package notify

import (
	"context"
	"errors"

	"replenish/backend/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(_ context.Context, _ domain.ChangeEvent) error { return nil }

func (Noop) Close() error { return nil }

// Fanout delivers every event to all publishers and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event domain.ChangeEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

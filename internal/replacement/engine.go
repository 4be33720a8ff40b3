// Package replacement reconciles per-branch replacement queues with draft and urgent orders.
//
// Every mutation of replacement items and order lines goes through this package. Consistency
// between the two comes from the store's conditional commits; the package holds no locks.
package replacement

import (
	"time"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
)

const defaultRetryLimit = 3

// SystemActor performs the automatic sweeps.
var SystemActor = domain.Actor{Username: "auto-merge", Role: domain.RoleAdmin}

type Config struct {
	// RetryLimit bounds how many times a commit that lost an optimistic race is re-planned.
	RetryLimit int
	Now        func() time.Time
}

type Engine struct {
	Queues   *Manager
	Detector *Detector
	Merger   *Merger
	Urgent   *Synthesizer
	Auto     *AutoMerger
}

func New(repo store.Repository, cfg Config) *Engine {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = defaultRetryLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	queues := &Manager{repo: repo, now: cfg.Now}
	detector := &Detector{repo: repo}
	merger := &Merger{repo: repo, now: cfg.Now, retryLimit: cfg.RetryLimit}
	return &Engine{
		Queues:   queues,
		Detector: detector,
		Merger:   merger,
		Urgent:   &Synthesizer{repo: repo, now: cfg.Now, retryLimit: cfg.RetryLimit},
		Auto:     &AutoMerger{repo: repo, detector: detector, merger: merger},
	}
}

package replacement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
	"replenish/backend/internal/store/memory"
)

const (
	branchCentro = "sucursal-centro"
	branchNorte  = "sucursal-norte"
	factoryID    = "fabrica"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	repo   *memory.Store
	engine *Engine
	clock  *stepClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith builds the engine over wrap(repo) when wrap is set.
func newFixtureWith(t *testing.T, wrap func(store.Repository) store.Repository) *fixture {
	t.Helper()
	repo := memory.New()
	ctx := context.Background()
	for _, b := range []domain.Branch{
		{ID: factoryID, Name: "Fábrica", Kind: domain.BranchFactory},
		{ID: branchCentro, Name: "Sucursal Centro", Kind: domain.BranchStore},
		{ID: branchNorte, Name: "Sucursal Norte", Kind: domain.BranchStore},
	} {
		require.NoError(t, repo.UpsertBranch(ctx, b))
	}
	clock := &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	var engineRepo store.Repository = repo
	if wrap != nil {
		engineRepo = wrap(repo)
	}
	return &fixture{
		repo:   repo,
		engine: New(engineRepo, Config{Now: clock.Now}),
		clock:  clock,
	}
}

func (f *fixture) enqueue(t *testing.T, branchID, productID string, qty int, priority domain.Priority, unit string) domain.ReplacementItem {
	t.Helper()
	item, err := Classify(domain.Deficit{
		BranchID:    branchID,
		ProductID:   productID,
		ProductName: "Producto " + productID,
		Unit:        unit,
		Quantity:    qty,
		Priority:    priority,
		Reason:      "short shipped",
	})
	require.NoError(t, err)
	saved, err := f.engine.Queues.Enqueue(context.Background(), item)
	require.NoError(t, err)
	return saved
}

func (f *fixture) draft(t *testing.T, branchID string, lines ...domain.OrderLine) domain.Order {
	t.Helper()
	order, err := f.repo.CreateOrder(context.Background(), domain.Order{
		Kind:         domain.OrderKindRegular,
		Status:       domain.OrderDraft,
		FromBranchID: branchID,
		ToBranchID:   factoryID,
		Items:        lines,
		CreatedBy:    "tester",
		CreatedAt:    f.clock.Now(),
	})
	require.NoError(t, err)
	return *order
}

func (f *fixture) item(t *testing.T, id string) domain.ReplacementItem {
	t.Helper()
	item, err := f.repo.GetReplacementItem(context.Background(), id)
	require.NoError(t, err)
	return *item
}

func (f *fixture) order(t *testing.T, id string) domain.Order {
	t.Helper()
	order, err := f.repo.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return *order
}

func branchActor(branchID string) domain.Actor {
	return domain.Actor{Username: "user-" + branchID, Role: domain.RoleBranch, BranchID: branchID}
}

func lineFor(order domain.Order, productID string) (domain.OrderLine, bool) {
	idx := order.Line(productID)
	if idx < 0 {
		return domain.OrderLine{}, false
	}
	return order.Items[idx], true
}

func countLines(order domain.Order, productID string) int {
	n := 0
	for _, line := range order.Items {
		if line.ProductID == productID {
			n++
		}
	}
	return n
}

func orderFilterFrom(branchID string) store.OrderFilter {
	return store.OrderFilter{FromBranchID: branchID}
}

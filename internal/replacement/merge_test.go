package replacement

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
)

func TestMergeSumsIntoExistingLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.draft(t, branchCentro, domain.OrderLine{ProductID: "P1", ProductName: "Pan", Quantity: 10, Unit: "unidad"})
	a := f.enqueue(t, branchCentro, "P1", 3, domain.PriorityNormal, "unidad")
	b := f.enqueue(t, branchCentro, "P2", 2, domain.PriorityHigh, "docena")

	res, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{a.ID, b.ID}, branchActor(branchCentro))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.MergedItemIDs)

	saved := f.order(t, order.ID)
	assert.Equal(t, 1, countLines(saved, "P1"))
	p1, _ := lineFor(saved, "P1")
	assert.Equal(t, 13, p1.Quantity)
	assert.Equal(t, []string{a.ID}, p1.SourceItemIDs)
	p2, ok := lineFor(saved, "P2")
	require.True(t, ok)
	assert.Equal(t, 2, p2.Quantity)
	assert.Equal(t, "docena", p2.Unit)

	merged := f.item(t, a.ID)
	assert.Equal(t, domain.ItemMerged, merged.Status)
	assert.Equal(t, order.ID, merged.MergedIntoOrderID)
	require.NotNil(t, merged.MergedAt)
}

func TestMergeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.draft(t, branchCentro)
	item := f.enqueue(t, branchCentro, "P1", 5, domain.PriorityNormal, "unidad")
	actor := branchActor(branchCentro)

	_, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{item.ID}, actor)
	require.NoError(t, err)
	first := f.order(t, order.ID)
	mergedAt := f.item(t, item.ID).MergedAt

	res, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{item.ID}, actor)
	require.NoError(t, err)
	assert.Empty(t, res.MergedItemIDs)
	assert.Equal(t, []string{item.ID}, res.SkippedItemIDs)

	again := f.order(t, order.ID)
	assert.Equal(t, first.TotalQuantity(), again.TotalQuantity())
	assert.Equal(t, 1, countLines(again, "P1"))
	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, mergedAt, f.item(t, item.ID).MergedAt)
}

func TestMergeRetryAfterOrderSentIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.draft(t, branchCentro)
	merged := f.enqueue(t, branchCentro, "P1", 5, domain.PriorityNormal, "unidad")
	actor := branchActor(branchCentro)

	_, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{merged.ID}, actor)
	require.NoError(t, err)
	_, err = f.repo.UpdateOrderStatus(ctx, order.ID, domain.OrderDraft, domain.OrderSent, f.clock.Now())
	require.NoError(t, err)
	sent := f.order(t, order.ID)

	res, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{merged.ID}, actor)
	require.NoError(t, err)
	assert.Empty(t, res.MergedItemIDs)
	assert.Equal(t, []string{merged.ID}, res.SkippedItemIDs)
	assert.Equal(t, sent.Version, f.order(t, order.ID).Version)

	// an item that still needs folding in keeps the sent order closed
	fresh := f.enqueue(t, branchCentro, "P2", 1, domain.PriorityNormal, "unidad")
	_, err = f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{merged.ID, fresh.ID}, actor)
	require.ErrorIs(t, err, ErrItemNotMergeable)
	assert.Equal(t, domain.ItemPending, f.item(t, fresh.ID).Status)
}

func TestMergeRecoversItemAlreadyRecordedInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, branchCentro, "P1", 4, domain.PriorityNormal, "unidad")
	// Order line written but item never marked: the state a non-transactional store leaves
	// behind after a crash between the two writes.
	order := f.draft(t, branchCentro, domain.OrderLine{
		ProductID: "P1", Quantity: 4, Unit: "unidad", SourceItemIDs: []string{item.ID},
	})

	res, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{item.ID}, branchActor(branchCentro))
	require.NoError(t, err)
	assert.Equal(t, []string{item.ID}, res.MergedItemIDs)

	saved := f.order(t, order.ID)
	assert.Equal(t, 4, saved.TotalQuantity())
	assert.Equal(t, domain.ItemMerged, f.item(t, item.ID).Status)
}

func TestMergeConservesQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.draft(t, branchCentro, domain.OrderLine{ProductID: "P1", Quantity: 7, Unit: "unidad"})
	a := f.enqueue(t, branchCentro, "P1", 3, domain.PriorityNormal, "unidad")
	f.enqueue(t, branchCentro, "P1", 2, domain.PriorityLow, "unidad")
	c := f.enqueue(t, branchCentro, "P1", 6, domain.PriorityHigh, "unidad")

	openBefore := openQuantity(t, f, branchCentro, "P1")
	lineBefore, _ := lineFor(order, "P1")

	_, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{a.ID, c.ID}, branchActor(branchCentro))
	require.NoError(t, err)

	openAfter := openQuantity(t, f, branchCentro, "P1")
	lineAfter, _ := lineFor(f.order(t, order.ID), "P1")
	assert.Equal(t, openBefore, openAfter+(lineAfter.Quantity-lineBefore.Quantity))
	assert.Equal(t, 2, openAfter)
}

func openQuantity(t *testing.T, f *fixture, branchID, productID string) int {
	t.Helper()
	items, err := f.repo.ListReplacementItems(context.Background(), store.ReplacementItemFilter{
		BranchID:  branchID,
		ProductID: productID,
		Statuses:  []domain.ItemStatus{domain.ItemPending, domain.ItemInQueue},
	})
	require.NoError(t, err)
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

func TestMergeRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal item", func(t *testing.T) {
		f := newFixture(t)
		order := f.draft(t, branchCentro)
		item := f.enqueue(t, branchCentro, "P1", 1, domain.PriorityNormal, "unidad")
		_, err := f.engine.Queues.UpdateStatus(ctx, item.ID, domain.ItemCancelled)
		require.NoError(t, err)
		_, err = f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{item.ID}, branchActor(branchCentro))
		require.ErrorIs(t, err, ErrItemNotMergeable)
	})

	t.Run("item of another branch", func(t *testing.T) {
		f := newFixture(t)
		order := f.draft(t, branchCentro)
		item := f.enqueue(t, branchNorte, "P1", 1, domain.PriorityNormal, "unidad")
		_, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{item.ID}, branchActor(branchCentro))
		require.ErrorIs(t, err, ErrItemNotMergeable)
	})

	t.Run("order of another queue", func(t *testing.T) {
		f := newFixture(t)
		order := f.draft(t, branchNorte)
		item := f.enqueue(t, branchCentro, "P1", 1, domain.PriorityNormal, "unidad")
		_, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{item.ID}, branchActor(branchCentro))
		require.ErrorIs(t, err, ErrItemNotMergeable)
	})

	t.Run("order already sent", func(t *testing.T) {
		f := newFixture(t)
		order := f.draft(t, branchCentro)
		_, err := f.repo.UpdateOrderStatus(ctx, order.ID, domain.OrderDraft, domain.OrderSent, f.clock.Now())
		require.NoError(t, err)
		item := f.enqueue(t, branchCentro, "P1", 1, domain.PriorityNormal, "unidad")
		_, err = f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{item.ID}, branchActor(branchCentro))
		require.ErrorIs(t, err, ErrItemNotMergeable)
	})

	t.Run("unit clash", func(t *testing.T) {
		f := newFixture(t)
		order := f.draft(t, branchCentro, domain.OrderLine{ProductID: "P1", Quantity: 1, Unit: "docena"})
		item := f.enqueue(t, branchCentro, "P1", 1, domain.PriorityNormal, "unidad")
		_, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{item.ID}, branchActor(branchCentro))
		require.ErrorIs(t, err, ErrItemNotMergeable)
		assert.Equal(t, domain.ItemPending, f.item(t, item.ID).Status)
	})

	t.Run("actor of another branch", func(t *testing.T) {
		f := newFixture(t)
		order := f.draft(t, branchCentro)
		item := f.enqueue(t, branchCentro, "P1", 1, domain.PriorityNormal, "unidad")
		_, err := f.engine.Merger.Merge(ctx, branchCentro, order.ID, []string{item.ID}, branchActor(branchNorte))
		require.ErrorIs(t, err, ErrActorNotPermitted)
	})

	t.Run("merged into another order", func(t *testing.T) {
		f := newFixture(t)
		first := f.draft(t, branchCentro)
		second := f.draft(t, branchCentro)
		item := f.enqueue(t, branchCentro, "P1", 1, domain.PriorityNormal, "unidad")
		_, err := f.engine.Merger.Merge(ctx, branchCentro, first.ID, []string{item.ID}, branchActor(branchCentro))
		require.NoError(t, err)
		_, err = f.engine.Merger.Merge(ctx, branchCentro, second.ID, []string{item.ID}, branchActor(branchCentro))
		require.ErrorIs(t, err, ErrItemNotMergeable)
	})
}

func TestConcurrentMergesCountItemOnce(t *testing.T) {
	f := newFixture(t)
	item := f.enqueue(t, branchCentro, "P1", 5, domain.PriorityNormal, "unidad")
	orders := []domain.Order{f.draft(t, branchCentro), f.draft(t, branchCentro)}

	var wg sync.WaitGroup
	errs := make([]error, len(orders))
	for i, order := range orders {
		wg.Add(1)
		go func(i int, orderID string) {
			defer wg.Done()
			_, errs[i] = f.engine.Merger.Merge(context.Background(), branchCentro, orderID, []string{item.ID}, branchActor(branchCentro))
		}(i, order.ID)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ErrItemNotMergeable)
	}
	assert.Equal(t, 1, wins)

	total := 0
	for _, order := range orders {
		total += f.order(t, order.ID).TotalQuantity()
	}
	assert.Equal(t, 5, total)
}

func TestPlanMergeDoesNotMutateOrder(t *testing.T) {
	order := domain.Order{
		FromBranchID: branchCentro,
		Items:        []domain.OrderLine{{ProductID: "P1", Quantity: 1, Unit: "unidad", SourceItemIDs: []string{"x"}}},
	}
	plan, err := PlanMerge(order, []domain.ReplacementItem{
		{ID: "rep-1", BranchID: branchCentro, ProductID: "P1", Quantity: 2, Unit: "unidad", Status: domain.ItemPending},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Lines[0].Quantity)
	assert.Equal(t, 1, order.Items[0].Quantity)
	assert.Equal(t, []string{"x"}, order.Items[0].SourceItemIDs)
}

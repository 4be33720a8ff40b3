package replacement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replenish/backend/internal/domain"
)

func TestCreateUrgentOrderSucursalCentro(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, branchCentro, "P1", 5, domain.PriorityUrgent, "unidad")
	actor := branchActor(branchCentro)

	orderID, err := f.engine.Urgent.CreateUrgentOrder(ctx, branchCentro, actor)
	require.NoError(t, err)

	order := f.order(t, orderID)
	assert.Equal(t, domain.OrderKindUrgent, order.Kind)
	assert.Equal(t, domain.OrderSent, order.Status)
	assert.Equal(t, branchCentro, order.FromBranchID)
	assert.Equal(t, factoryID, order.ToBranchID)
	assert.Contains(t, order.Notes, "Sucursal Centro")
	require.Len(t, order.Items, 1)
	assert.Equal(t, "P1", order.Items[0].ProductID)
	assert.Equal(t, 5, order.Items[0].Quantity)

	carried := f.item(t, item.ID)
	assert.Equal(t, domain.ItemInQueue, carried.Status)
	assert.Equal(t, orderID, carried.CarriedByOrderID)

	_, err = f.engine.Urgent.CreateUrgentOrder(ctx, branchCentro, actor)
	require.ErrorIs(t, err, ErrNoUrgentItems)
}

func TestCreateUrgentOrderWithoutUrgentItemsCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, branchCentro, "P1", 2, domain.PriorityHigh, "unidad")

	_, err := f.engine.Urgent.CreateUrgentOrder(ctx, branchCentro, branchActor(branchCentro))
	require.ErrorIs(t, err, ErrNoUrgentItems)

	orders, err := f.repo.ListOrders(ctx, orderFilterFrom(branchCentro))
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateUrgentOrderAggregatesLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, branchCentro, "P1", 2, domain.PriorityUrgent, "unidad")
	b := f.enqueue(t, branchCentro, "P1", 3, domain.PriorityUrgent, "unidad")
	c := f.enqueue(t, branchCentro, "P1", 1, domain.PriorityUrgent, "docena")
	normal := f.enqueue(t, branchCentro, "P2", 4, domain.PriorityNormal, "unidad")

	orderID, err := f.engine.Urgent.CreateUrgentOrder(ctx, branchCentro, branchActor(branchCentro))
	require.NoError(t, err)

	order := f.order(t, orderID)
	require.Len(t, order.Items, 2)
	assert.Equal(t, 5, order.Items[0].Quantity)
	assert.Equal(t, []string{a.ID, b.ID}, order.Items[0].SourceItemIDs)
	assert.Equal(t, "docena", order.Items[1].Unit)
	assert.Equal(t, []string{c.ID}, order.Items[1].SourceItemIDs)
	assert.Equal(t, domain.ItemPending, f.item(t, normal.ID).Status)
}

func TestUrgentItemsAreNotMergedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, branchCentro, "P1", 5, domain.PriorityUrgent, "unidad")
	draft := f.draft(t, branchCentro)

	_, err := f.engine.Urgent.CreateUrgentOrder(ctx, branchCentro, branchActor(branchCentro))
	require.NoError(t, err)

	_, err = f.engine.Merger.Merge(ctx, branchCentro, draft.ID, []string{item.ID}, branchActor(branchCentro))
	require.ErrorIs(t, err, ErrItemNotMergeable)
	assert.Equal(t, 0, f.order(t, draft.ID).TotalQuantity())
}

package replacement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replenish/backend/internal/domain"
)

func TestFindOpportunitiesWithoutDraftIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, branchCentro, "P1", 1, domain.PriorityNormal, "unidad")

	ids, err := f.engine.Detector.FindOpportunities(context.Background(), branchCentro)
	require.NoError(t, err)
	assert.Empty(t, ids)

	orders, err := f.repo.ListOrders(context.Background(), orderFilterFrom(branchCentro))
	require.NoError(t, err)
	assert.Empty(t, orders, "detector must not create orders")
}

func TestFindOpportunitiesOldestDraftFirst(t *testing.T) {
	f := newFixture(t)
	older := f.draft(t, branchCentro)
	newer := f.draft(t, branchCentro)
	f.draft(t, branchNorte)
	f.enqueue(t, branchCentro, "P1", 1, domain.PriorityNormal, "unidad")

	ids, err := f.engine.Detector.FindOpportunities(context.Background(), branchCentro)
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID, newer.ID}, ids)
}

func TestSuggestionsSkipUnitClashAndCarriedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.draft(t, branchCentro, domain.OrderLine{ProductID: "P1", Quantity: 1, Unit: "docena"})
	clash := f.enqueue(t, branchCentro, "P1", 2, domain.PriorityNormal, "unidad")
	fits := f.enqueue(t, branchCentro, "P2", 3, domain.PriorityNormal, "unidad")
	urgent := f.enqueue(t, branchCentro, "P3", 1, domain.PriorityUrgent, "unidad")
	_, err := f.engine.Urgent.CreateUrgentOrder(ctx, branchCentro, branchActor(branchCentro))
	require.NoError(t, err)

	suggestions, err := f.engine.Detector.Suggestions(ctx, branchCentro)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, order.ID, suggestions[0].OrderID)
	assert.Equal(t, []string{fits.ID}, suggestions[0].EligibleItemIDs)
	assert.NotContains(t, suggestions[0].EligibleItemIDs, clash.ID)
	assert.NotContains(t, suggestions[0].EligibleItemIDs, urgent.ID)
	assert.Equal(t, 3, suggestions[0].EligibleQuantity)
}

func TestSuggestionsRespectTemplateConstraints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tpl, err := f.repo.CreateTemplate(ctx, domain.Template{
		Name:                 "Lunes y jueves",
		Items:                []domain.TemplateLine{{ProductID: "P1", ProductName: "Pan", Quantity: 1, Unit: "unidad"}},
		DestinationBranchIDs: []string{factoryID},
		AllowedSendDays:      []time.Weekday{time.Monday, time.Thursday},
	})
	require.NoError(t, err)

	mk := func(to string, days ...time.Weekday) domain.Order {
		order, err := f.repo.CreateOrder(ctx, domain.Order{
			Status:          domain.OrderDraft,
			FromBranchID:    branchCentro,
			ToBranchID:      to,
			TemplateID:      tpl.ID,
			AllowedSendDays: days,
			CreatedAt:       f.clock.Now(),
		})
		require.NoError(t, err)
		return *order
	}
	valid := mk(factoryID, time.Monday)
	mk(factoryID, time.Monday, time.Saturday)
	mk(branchNorte, time.Thursday)
	f.enqueue(t, branchCentro, "P1", 1, domain.PriorityNormal, "unidad")

	ids, err := f.engine.Detector.FindOpportunities(ctx, branchCentro)
	require.NoError(t, err)
	assert.Equal(t, []string{valid.ID}, ids)
}

package replacement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
)

// flakyRepo fails every order query of one branch with ErrUnavailable.
type flakyRepo struct {
	store.Repository
	failingBranch string
}

func (r flakyRepo) ListOrders(ctx context.Context, filter store.OrderFilter) ([]domain.Order, error) {
	if filter.FromBranchID == r.failingBranch {
		return nil, store.ErrUnavailable
	}
	return r.Repository.ListOrders(ctx, filter)
}

func TestAutoMergeUsesFirstDraftOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.draft(t, branchCentro, domain.OrderLine{ProductID: "P1", Quantity: 2, Unit: "unidad"})
	second := f.draft(t, branchCentro)
	f.enqueue(t, branchCentro, "P1", 3, domain.PriorityNormal, "unidad")
	f.enqueue(t, branchCentro, "P2", 4, domain.PriorityHigh, "unidad")
	clash := f.enqueue(t, branchCentro, "P1", 1, domain.PriorityNormal, "docena")

	summary, err := f.engine.Auto.AutoMerge(ctx, branchCentro)
	require.NoError(t, err)
	assert.Equal(t, first.ID, summary.TargetOrderID)
	assert.Equal(t, 2, summary.MergedCount)

	assert.Equal(t, 9, f.order(t, first.ID).TotalQuantity())
	assert.Equal(t, 0, f.order(t, second.ID).TotalQuantity(), "sweep must not split across drafts")
	assert.Equal(t, domain.ItemPending, f.item(t, clash.ID).Status)
}

func TestAutoMergeWithoutDraftMergesNothing(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, branchCentro, "P1", 3, domain.PriorityNormal, "unidad")

	summary, err := f.engine.Auto.AutoMerge(context.Background(), branchCentro)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.MergedCount)
	assert.Empty(t, summary.TargetOrderID)
}

func TestAutoMergeAllIsolatesBranchFailures(t *testing.T) {
	f := newFixtureWith(t, func(repo store.Repository) store.Repository {
		return flakyRepo{Repository: repo, failingBranch: branchNorte}
	})
	ctx := context.Background()
	centroDraft := f.draft(t, branchCentro)
	norteDraft := f.draft(t, branchNorte)
	centroItem := f.enqueue(t, branchCentro, "P1", 5, domain.PriorityNormal, "unidad")
	norteItem := f.enqueue(t, branchNorte, "P1", 2, domain.PriorityNormal, "unidad")

	report, err := f.engine.Auto.AutoMergeAll(ctx)
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, branchCentro, report.Results[0].BranchID)
	assert.Equal(t, 1, report.MergedCount)
	assert.Equal(t, domain.ItemMerged, f.item(t, centroItem.ID).Status)
	assert.Equal(t, 5, f.order(t, centroDraft.ID).TotalQuantity())

	require.Len(t, report.Failures, 1)
	assert.Equal(t, branchNorte, report.Failures[0].BranchID)
	assert.True(t, errors.Is(report.Failures[0].Unwrap(), ErrStoreUnavailable))
	require.ErrorIs(t, report.Err(), ErrStoreUnavailable)
	assert.Contains(t, report.Err().Error(), branchNorte)

	assert.Equal(t, domain.ItemPending, f.item(t, norteItem.ID).Status)
	assert.Equal(t, 0, f.order(t, norteDraft.ID).TotalQuantity())
}

func TestAutoMergeAllWithEmptyQueues(t *testing.T) {
	f := newFixture(t)
	report, err := f.engine.Auto.AutoMergeAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Empty(t, report.Failures)
	assert.NoError(t, report.Err())
}

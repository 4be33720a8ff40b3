package replacement

import (
	"context"
	"slices"

	"replenish/backend/internal/domain"
	"replenish/backend/internal/store"
)

// AutoMerger runs the detector and merge executor as one sweep.
type AutoMerger struct {
	repo     store.Repository
	detector *Detector
	merger   *Merger
}

// AutoMerge folds every eligible item of the branch into the first valid draft, oldest first.
// Items are never split across drafts. A branch without a valid draft merges nothing.
func (a *AutoMerger) AutoMerge(ctx context.Context, branchID string) (domain.MergeSummary, error) {
	summary := domain.MergeSummary{BranchID: branchID}
	suggestions, err := a.detector.Suggestions(ctx, branchID)
	if err != nil {
		return summary, err
	}
	if len(suggestions) == 0 {
		return summary, nil
	}
	target := suggestions[0]
	result, err := a.merger.Merge(ctx, branchID, target.OrderID, target.EligibleItemIDs, SystemActor)
	if err != nil {
		return summary, err
	}
	summary.TargetOrderID = target.OrderID
	summary.MergedCount = len(result.MergedItemIDs)
	summary.MergedItemIDs = result.MergedItemIDs
	return summary, nil
}

// AutoMergeAll sweeps every branch that has items in its queue, one after the other. A failing
// branch is recorded in the report and the sweep carries on. The returned error is only set
// when the branches themselves cannot be listed.
func (a *AutoMerger) AutoMergeAll(ctx context.Context) (domain.AutoMergeReport, error) {
	report := domain.AutoMergeReport{
		Results:  []domain.MergeSummary{},
		Failures: []domain.BranchFailure{},
	}
	items, err := a.repo.ListReplacementItems(ctx, store.ReplacementItemFilter{})
	if err != nil {
		return report, err
	}
	branchIDs := make([]string, 0)
	for _, item := range items {
		if !slices.Contains(branchIDs, item.BranchID) {
			branchIDs = append(branchIDs, item.BranchID)
		}
	}
	slices.Sort(branchIDs)

	for _, branchID := range branchIDs {
		if err := ctx.Err(); err != nil {
			report.Failures = append(report.Failures, domain.NewBranchFailure(branchID, err))
			continue
		}
		summary, err := a.AutoMerge(ctx, branchID)
		if err != nil {
			report.Failures = append(report.Failures, domain.NewBranchFailure(branchID, err))
			continue
		}
		report.Results = append(report.Results, summary)
		report.MergedCount += summary.MergedCount
	}
	return report, nil
}

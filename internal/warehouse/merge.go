package warehouse

import (
	"context"

	"github.com/nferch/spendscope/internal/models"
)

// MergeResult reports what one partition merge changed. Replaced slices hold
// the prior rows whose values differed, for audit logging by the merger.
type MergeResult struct {
	UsageWritten  int
	CostWritten   int
	ReplacedUsage []models.UsageFact
	ReplacedCost  []models.CostFact
}

// MergeFacts upserts both fact shapes inside one transaction. Either the
// whole partition commits or none of it does, which is what makes a run
// abortable between sources without corrupting committed partitions.
func (s *Store) MergeFacts(ctx context.Context, usage []models.UsageFact, cost []models.CostFact) (MergeResult, error) {
	var res MergeResult

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx)

	for _, fact := range usage {
		prior, err := s.UpsertUsageFact(ctx, tx, fact)
		if err != nil {
			return MergeResult{}, err
		}
		res.UsageWritten++
		if prior != nil {
			res.ReplacedUsage = append(res.ReplacedUsage, *prior)
		}
	}
	for _, fact := range cost {
		prior, err := s.UpsertCostFact(ctx, tx, fact)
		if err != nil {
			return MergeResult{}, err
		}
		res.CostWritten++
		if prior != nil {
			res.ReplacedCost = append(res.ReplacedCost, *prior)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return MergeResult{}, err
	}
	return res, nil
}

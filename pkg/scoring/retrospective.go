// retrospective.go implements a standalone rescoring pass over matches
// a prior run already persisted: when an analyst edits a Wing's
// scoring config (enables weighted scoring, changes weights, redraws
// score_interpretation bands) after a run completed, this recomputes
// match_score/normalized_score/score_label for every persisted match
// against the new config without re-querying any source database;
// confidence_score and confidence_band are left as persisted.
package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/forensiclab/wingcorrelate/pkg/model"
	"github.com/forensiclab/wingcorrelate/pkg/wing"
)

// MatchStore is the subset of persist.SQLiteStore this pass needs.
type MatchStore interface {
	MatchesForWing(ctx context.Context, wingID string) ([]model.CorrelationMatch, error)
	PersistMatch(ctx context.Context, wingID string, m model.CorrelationMatch) error
}

// RescoreResult summarizes one rescoring pass.
type RescoreResult struct {
	MatchesRescored int
	LabelsChanged   int
	Duration        time.Duration
}

// Rescore reads every match persisted for wingID, recomputes its
// match_score/normalized_score/score_label against w's current scoring
// configuration, and writes each back. It never re-queries source
// databases or recomputes candidate combinations: a match's Records
// set (already persisted in its JSON payload) is taken as given.
func Rescore(ctx context.Context, store MatchStore, w *wing.Wing, wingID string) (RescoreResult, error) {
	start := time.Now()
	matches, err := store.MatchesForWing(ctx, wingID)
	if err != nil {
		return RescoreResult{}, fmt.Errorf("scoring: rescore: %w", err)
	}

	var result RescoreResult
	for _, m := range matches {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		oldLabel := m.ScoreLabel
		raw, normalized := MatchScore(m.Records, w)
		label := Interpret(raw, normalized, w)

		invariantScore := raw
		if invariantScore > 1 {
			invariantScore = normalized
		}

		m.MatchScore = invariantScore
		m.NormalizedScore = normalized
		m.ScoreLabel = label
		m.WeightedScoreUsed = w.Scoring.Enabled
		if m.ScoreBreakdown == nil {
			m.ScoreBreakdown = map[string]float64{}
		}
		m.ScoreBreakdown["raw_score"] = raw

		if err := store.PersistMatch(ctx, wingID, m); err != nil {
			return result, fmt.Errorf("scoring: rescore: persist match %s: %w", m.MatchID, err)
		}

		result.MatchesRescored++
		if label != oldLabel {
			result.LabelsChanged++
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

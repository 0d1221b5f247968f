// Package windowquery fans a single time window's query out across
// every configured source concurrently, applies the Wing's apply_to
// target filters, and decides whether the window has "enough"
// contributing sources to be worth scoring in phase two.
package windowquery

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/forensiclab/wingcorrelate/pkg/model"
	"github.com/forensiclab/wingcorrelate/pkg/wing"
)

// Querier is the subset of source.Query the manager needs.
type Querier interface {
	CountInRange(ctx context.Context, r model.TimeRange) (int, error)
	QueryRange(ctx context.Context, r model.TimeRange) ([]model.Record, error)
}

// Manager coordinates per-window queries across all sources in a Wing.
type Manager struct {
	sources        map[string]Querier
	rules          wing.Rules
	quickEmptyCheck bool
}

// New creates a Manager over the given source set and Wing rules.
func New(sources map[string]Querier, rules wing.Rules, quickEmptyCheck bool) *Manager {
	return &Manager{sources: sources, rules: rules, quickEmptyCheck: quickEmptyCheck}
}

// Fill populates w.RecordsBySource by querying every source
// concurrently, applying apply_to target filters, and marks w.Empty
// when no source contributed a record.
func (m *Manager) Fill(ctx context.Context, w *model.TimeWindow) error {
	if m.quickEmptyCheck {
		empty, err := m.isLikelyEmpty(ctx, model.TimeRange{Start: w.Start, End: w.End})
		if err != nil {
			return err
		}
		if empty {
			w.Empty = true
			return nil
		}
	}

	type result struct {
		sourceID string
		records  []model.Record
	}
	results := make([]result, 0, len(m.sources))
	resultsCh := make(chan result, len(m.sources))

	g, gctx := errgroup.WithContext(ctx)
	for sourceID, q := range m.sources {
		sourceID, q := sourceID, q
		g.Go(func() error {
			recs, err := q.QueryRange(gctx, model.TimeRange{Start: w.Start, End: w.End})
			if err != nil {
				return fmt.Errorf("query source %s: %w", sourceID, err)
			}
			resultsCh <- result{sourceID: sourceID, records: m.applyTargetFilter(sourceID, recs)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	close(resultsCh)
	for r := range resultsCh {
		results = append(results, r)
	}

	w.RecordsBySource = make(map[string][]model.Record, len(results))
	total := 0
	for _, r := range results {
		w.RecordsBySource[r.sourceID] = r.records
		total += len(r.records)
	}
	w.Empty = total == 0
	return nil
}

// isLikelyEmpty runs a fast COUNT(*) against every source instead of a
// full record fetch, short-circuiting windows with no rows at all.
func (m *Manager) isLikelyEmpty(ctx context.Context, r model.TimeRange) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	counts := make([]int, 0, len(m.sources))
	countsMu := make(chan int, len(m.sources))

	for sourceID, q := range m.sources {
		sourceID, q := sourceID, q
		g.Go(func() error {
			n, err := q.CountInRange(gctx, r)
			if err != nil {
				return fmt.Errorf("count source %s: %w", sourceID, err)
			}
			countsMu <- n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	close(countsMu)
	for n := range countsMu {
		counts = append(counts, n)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return total == 0, nil
}

// applyTargetFilter restricts records to the Wing's apply_to=specific
// target when one is configured; apply_to=all (or unset) passes
// everything through.
func (m *Manager) applyTargetFilter(sourceID string, records []model.Record) []model.Record {
	if m.rules.ApplyTo != "specific" {
		return records
	}
	out := make([]model.Record, 0, len(records))
	for _, r := range records {
		if m.rules.TargetApplication != "" && fieldString(r, "application") != m.rules.TargetApplication {
			continue
		}
		if m.rules.TargetFilePath != "" && fieldString(r, "file_path") != m.rules.TargetFilePath {
			continue
		}
		if m.rules.TargetEventID != "" && fieldString(r, "event_id") != m.rules.TargetEventID {
			continue
		}
		out = append(out, r)
	}
	return out
}

func fieldString(r model.Record, key string) string {
	v, ok := r.Fields[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Sufficient reports whether w has enough non-empty source
// contributions to satisfy the Wing's minimum_matches rule, counting
// the anchor source itself as one of those contributions.
func Sufficient(w model.TimeWindow, minimumMatches int) bool {
	contributing := 0
	for _, recs := range w.RecordsBySource {
		if len(recs) > 0 {
			contributing++
		}
	}
	return contributing >= minimumMatches
}

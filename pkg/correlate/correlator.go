// Package correlate implements phase two of a run: replaying persisted
// windows, enumerating anchor records, generating record combinations
// (including alternates when a source contributed more than one
// candidate to a window), scoring each combination, and deduplicating
// the result against every other window's output.
package correlate

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forensiclab/wingcorrelate/pkg/identifier"
	"github.com/forensiclab/wingcorrelate/pkg/model"
	"github.com/forensiclab/wingcorrelate/pkg/scoring"
	"github.com/forensiclab/wingcorrelate/pkg/semantic"
	"github.com/forensiclab/wingcorrelate/pkg/wing"
)

// defaultMaxMatchesPerAnchor bounds the total number of combinations
// evaluated per anchor record, preventing a combinatorial blowup when
// sources contribute many records to one window. Overridable through
// the scanning config's max_matches_per_anchor.
const defaultMaxMatchesPerAnchor = 100

// dedupShards is the number of shards in the MatchSet dedup map,
// bounding mutex contention when many window workers check/insert
// concurrently.
const dedupShards = 32

// Correlator runs phase two over a Wing's replayed windows.
type Correlator struct {
	w            *wing.Wing
	semantic     *semantic.Engine
	dedup        *dedupMap
	windowSize   time.Duration
	maxPerAnchor int
	limitHits    int64
}

// New creates a Correlator for wing. sem may be nil when the Wing
// defines no semantic rules or mappings; maxPerAnchor <= 0 falls back
// to the default per-anchor combination cap.
func New(w *wing.Wing, sem *semantic.Engine, windowSize time.Duration, maxPerAnchor int) *Correlator {
	if maxPerAnchor <= 0 {
		maxPerAnchor = defaultMaxMatchesPerAnchor
	}
	return &Correlator{w: w, semantic: sem, dedup: newDedupMap(dedupShards), windowSize: windowSize, maxPerAnchor: maxPerAnchor}
}

// LimitHits reports how many times the per-anchor combination cap
// truncated candidate generation during this run.
func (c *Correlator) LimitHits() int64 {
	return atomic.LoadInt64(&c.limitHits)
}

// ProcessWindow enumerates every anchor record in w, builds scored
// candidate matches, deduplicates them against matches already emitted
// by other windows, and returns the matches (duplicates included,
// flagged with IsDuplicate and DuplicateOf) plus how many of them were
// flagged as duplicates and how many failed integrity validation and
// were dropped before emission.
func (c *Correlator) ProcessWindow(ctx context.Context, w model.TimeWindow) (matches []model.CorrelationMatch, duplicates int, failedValidation int, err error) {
	anchorSourceID := c.selectAnchorSource(w)
	if anchorSourceID == "" {
		return nil, 0, 0, nil
	}

	anchorRecords := w.RecordsBySource[anchorSourceID]
	for _, anchor := range anchorRecords {
		combos := c.buildCombinations(w, anchorSourceID, anchor)
		for _, combo := range combos {
			if len(combo)+1 < c.w.Rules.MinimumMatches {
				continue
			}

			records := make(map[string]model.Record, len(combo)+1)
			records[anchorSourceID] = anchor
			rowKeys := map[string]string{anchorSourceID + ":" + fmt.Sprint(anchor.ArrayIndex): anchor.RowKey}
			for sourceID, rec := range combo {
				records[sourceID] = rec
				rowKeys[sourceID+":"+fmt.Sprint(rec.ArrayIndex)] = rec.RowKey
			}

			hash := identifier.MatchSetHash(rowKeys)
			match := c.buildMatch(anchorSourceID, anchor, records)

			if err := Validate(match, len(records)); err != nil {
				failedValidation++
				continue
			}

			if dup, canonicalID := c.dedup.checkAndInsert(hash, match.MatchID); dup {
				match.IsDuplicate = true
				match.DuplicateOf = canonicalID
				duplicates++
			}
			matches = append(matches, match)
		}
	}

	return matches, duplicates, failedValidation, nil
}

// Validate checks the integrity invariants required of
// every match before emission: its record count matches the number of
// sources it claims to draw from, it carries an anchor, its score is
// in range, and its reported time spread is the actual max-min of its
// contained instants (within floating-point tolerance), catching a
// match whose fields were corrupted or hand-constructed inconsistently.
func Validate(m model.CorrelationMatch, declaredSourceCount int) error {
	if len(m.Records) != declaredSourceCount {
		return fmt.Errorf("correlate: record count %d does not match declared source count %d", len(m.Records), declaredSourceCount)
	}
	if _, ok := m.Records[m.AnchorSourceID]; !ok {
		return fmt.Errorf("correlate: anchor source %q missing from records", m.AnchorSourceID)
	}
	if m.MatchScore < 0 || m.MatchScore > 1 {
		return fmt.Errorf("correlate: match_score %.4f out of [0,1]", m.MatchScore)
	}
	var earliest, latest time.Time
	first := true
	for _, r := range m.Records {
		if first {
			earliest, latest = r.Instant, r.Instant
			first = false
			continue
		}
		if r.Instant.Before(earliest) {
			earliest = r.Instant
		}
		if r.Instant.After(latest) {
			latest = r.Instant
		}
	}
	wantSpread := latest.Sub(earliest).Seconds()
	if diff := wantSpread - m.TimeSpreadSeconds; diff > 0.01 || diff < -0.01 {
		return fmt.Errorf("correlate: time_spread_seconds %.4f does not match computed %.4f", m.TimeSpreadSeconds, wantSpread)
	}
	return nil
}

// selectAnchorSource picks the contributing source whose artifact type
// ranks highest in the Wing's anchor_priority list, ties broken by
// source ID order. Falls back to the first source (by ID) with records
// when the Wing declares no explicit priority.
func (c *Correlator) selectAnchorSource(w model.TimeWindow) string {
	for _, artifactType := range c.w.AnchorPriority {
		candidates := make([]string, 0, len(w.RecordsBySource))
		for sourceID, recs := range w.RecordsBySource {
			if len(recs) == 0 {
				continue
			}
			if c.w.ArtifactType(sourceID) == artifactType || sourceID == artifactType {
				candidates = append(candidates, sourceID)
			}
		}
		if len(candidates) > 0 {
			sort.Strings(candidates)
			return candidates[0]
		}
	}
	ids := make([]string, 0, len(w.RecordsBySource))
	for id, recs := range w.RecordsBySource {
		if len(recs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// buildCombinations generates candidate record combinations from every
// non-anchor source that contributed to w, ranking each source's
// candidates by time proximity to anchor (closest first) and taking
// their cartesian product, truncated at the per-anchor cap with a
// limit-hit recorded when truncation fires.
func (c *Correlator) buildCombinations(w model.TimeWindow, anchorSourceID string, anchor model.Record) []map[string]model.Record {
	type sourceCandidates struct {
		sourceID string
		records  []model.Record
	}

	var perSource []sourceCandidates
	for sourceID, records := range w.RecordsBySource {
		if sourceID == anchorSourceID || len(records) == 0 {
			continue
		}
		sorted := append([]model.Record(nil), records...)
		sort.Slice(sorted, func(i, j int) bool {
			return abs(sorted[i].Instant.Sub(anchor.Instant)) < abs(sorted[j].Instant.Sub(anchor.Instant))
		})
		if len(sorted) > c.maxPerAnchor {
			sorted = sorted[:c.maxPerAnchor]
			atomic.AddInt64(&c.limitHits, 1)
		}
		perSource = append(perSource, sourceCandidates{sourceID: sourceID, records: sorted})
	}

	if len(perSource) == 0 {
		return nil
	}

	combos := []map[string]model.Record{{}}
	for _, sc := range perSource {
		var next []map[string]model.Record
		for _, combo := range combos {
			for _, rec := range sc.records {
				if len(next) >= c.maxPerAnchor {
					atomic.AddInt64(&c.limitHits, 1)
					break
				}
				extended := make(map[string]model.Record, len(combo)+1)
				for k, v := range combo {
					extended[k] = v
				}
				extended[sc.sourceID] = rec
				next = append(next, extended)
			}
		}
		combos = next
		if len(combos) >= c.maxPerAnchor {
			break
		}
	}

	// Drop the empty combination (anchor alone never satisfies
	// minimum_matches > 1, and len check above filters it when it does).
	var out []map[string]model.Record
	for _, combo := range combos {
		if len(combo) > 0 {
			out = append(out, combo)
		}
	}
	return out
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// buildMatch scores records, computes confidence, evaluates semantic
// tags, and assembles the final CorrelationMatch.
func (c *Correlator) buildMatch(anchorSourceID string, anchor model.Record, records map[string]model.Record) model.CorrelationMatch {
	breakdown := scoring.Score(records, c.w, c.windowSize)

	var earliest, latest time.Time
	first := true
	merged := make(map[string]any)
	for sourceID, r := range records {
		if first {
			earliest, latest = r.Instant, r.Instant
		} else {
			if r.Instant.Before(earliest) {
				earliest = r.Instant
			}
			if r.Instant.After(latest) {
				latest = r.Instant
			}
		}
		first = false
		fields := r.Fields
		if c.semantic != nil {
			fields = c.semantic.ApplyMappings(sourceID, fields)
		}
		for k, v := range fields {
			merged[sourceID+"."+k] = v
		}
	}
	spread := latest.Sub(earliest)

	confScore, confBand := scoring.Confidence(records, spread.Seconds(), c.windowSize.Seconds())

	var tags []string
	if c.semantic != nil {
		tags = c.semantic.Tags(merged)
	}
	semanticData := make(map[string]string, len(tags))
	for i, t := range tags {
		semanticData[fmt.Sprintf("tag_%d", i)] = t
	}

	raw, normalized := scoring.MatchScore(records, c.w)
	label := scoring.Interpret(raw, normalized, c.w)

	// match_score must stay in [0,1]; the raw weighted sum can exceed
	// that when configured weights sum above 1, so the invariant-facing
	// field reports the normalized value in that case instead.
	invariantScore := raw
	if invariantScore > 1 {
		invariantScore = normalized
	}

	return model.CorrelationMatch{
		MatchID:            uuid.New().String(),
		AnchorSourceID:      anchorSourceID,
		AnchorArtifactType: c.w.ArtifactType(anchorSourceID),
		AnchorInstant:      anchor.Instant,
		Records:            records,
		MatchScore:         invariantScore,
		NormalizedScore:    normalized,
		ScoreBreakdown: map[string]float64{
			"coverage":         breakdown.Coverage,
			"time_proximity":   breakdown.TimeProximity,
			"field_similarity": breakdown.FieldSimilarity,
			"raw_score":        raw,
		},
		ScoreLabel:        label,
		ConfidenceScore:   confScore,
		ConfidenceBand:    confBand,
		WeightedScoreUsed: c.w.Scoring.Enabled,
		TimeSpreadSeconds: spread.Seconds(),
		FieldSimilarity:   map[string]float64{"overall": breakdown.FieldSimilarity},
		SemanticData:      semanticData,
	}
}

// Package scoring computes the composite match score and confidence
// band for a candidate correlation match, and re-scores an existing
// match when a Wing's scoring configuration changes and the caller
// wants to rescan without re-querying sources.
package scoring

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/forensiclab/wingcorrelate/pkg/model"
	"github.com/forensiclab/wingcorrelate/pkg/wing"
)

const (
	weightCoverage      = 0.4
	weightTimeProximity = 0.3
	weightFieldSimilarity = 0.3

	weightTimeTightness   = 0.5
	weightFieldConsistency = 0.5
)

// Breakdown holds each weighted scoring component for transparency in
// the emitted match: every match carries a breakdown, not just the
// final number.
type Breakdown struct {
	Coverage       float64
	TimeProximity  float64
	FieldSimilarity float64
	Final          float64
}

// evidenceFields are the two fields field_similarity and field_consistency
// compare across participants.
var evidenceFields = []string{"application", "file_path"}

// Score computes the composite match score for a set of records
// belonging to one candidate match, against the Wing's total source
// count (for coverage) and window size (for time-proximity decay),
// combined with the fixed 0.4/0.3/0.3 weighting.
func Score(records map[string]model.Record, w *wing.Wing, windowSize time.Duration) Breakdown {
	coverage := coverageScore(records, w)
	proximity := timeProximityScore(records, windowSize)
	similarity := fieldSimilarityScore(records)

	final := weightCoverage*coverage + weightTimeProximity*proximity + weightFieldSimilarity*similarity

	return Breakdown{
		Coverage:        coverage,
		TimeProximity:   proximity,
		FieldSimilarity: similarity,
		Final:           final,
	}
}

// coverageScore is the fraction of the Wing's total configured sources
// that actually contributed a record to this match (a plain count, not
// a weighted sum; weighted scoring is a separate mode, see MatchScore).
func coverageScore(records map[string]model.Record, w *wing.Wing) float64 {
	total := len(w.Sources)
	if total == 0 {
		return 0
	}
	score := float64(len(records)) / float64(total)
	if score > 1 {
		score = 1
	}
	return score
}

// timeProximityScore is the exponential proximity decay
// exp(-time_spread_seconds / (window_minutes*60)). 1.0 when every
// instant coincides, decaying toward 0 as the spread approaches and
// exceeds the window width.
func timeProximityScore(records map[string]model.Record, windowSize time.Duration) float64 {
	if len(records) < 2 || windowSize <= 0 {
		return 1
	}
	spread := instantSpread(records)
	return math.Exp(-spread.Seconds() / windowSize.Seconds())
}

// instantSpread returns the max-min instant span across records.
func instantSpread(records map[string]model.Record) time.Duration {
	var earliest, latest time.Time
	first := true
	for _, r := range records {
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
	return latest.Sub(earliest)
}

// fieldSimilarityScore is the plurality-agreement
// formula: (app_matches + path_matches) / (2*contributing_sources),
// where a field "matches" for a record when its lowercased value equals
// the plurality (most common) value among participants that have that
// field set.
func fieldSimilarityScore(records map[string]model.Record) float64 {
	contributing := len(records)
	if contributing == 0 {
		return 0
	}
	total := 0.0
	for _, field := range evidenceFields {
		total += float64(pluralityMatchCount(records, field))
	}
	return total / (2 * float64(contributing))
}

// pluralityMatchCount counts how many records carry field's plurality
// (most frequent, lowercased) value. Records missing the field never
// count toward the plurality and never match.
func pluralityMatchCount(records map[string]model.Record, field string) int {
	counts := map[string]int{}
	for _, r := range records {
		v, ok := fieldString(r, field)
		if !ok {
			continue
		}
		counts[v]++
	}
	if len(counts) == 0 {
		return 0
	}
	var plurality string
	best := -1
	for v, n := range counts {
		if n > best {
			best = n
			plurality = v
		}
	}
	return counts[plurality]
}

// fieldConsistency is the confidence field-consistency term: the
// fraction of comparable fields (application, file_path)
// whose plurality share is >= 80%. A field with no participant values
// is not comparable and is excluded from the denominator.
func fieldConsistency(records map[string]model.Record) float64 {
	comparable := 0
	consistent := 0
	for _, field := range evidenceFields {
		total := 0
		for _, r := range records {
			if _, ok := fieldString(r, field); ok {
				total++
			}
		}
		if total == 0 {
			continue
		}
		comparable++
		if float64(pluralityMatchCount(records, field))/float64(total) >= 0.8 {
			consistent++
		}
	}
	if comparable == 0 {
		return 1
	}
	return float64(consistent) / float64(comparable)
}

func fieldString(r model.Record, field string) (string, bool) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return "", false
	}
	s := strings.ToLower(strings.TrimSpace(toString(v)))
	if s == "" {
		return "", false
	}
	return s, true
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Confidence computes the confidence score and band:
// 0.5*time_tightness + 0.5*field_consistency, where time_tightness is
// the clamped linear inverse of spread relative to window width and
// field_consistency is fieldConsistency's plurality-share measure
// (distinct from fieldSimilarityScore, which composite scoring uses).
func Confidence(records map[string]model.Record, timeSpreadSeconds float64, windowSeconds float64) (score float64, band string) {
	tightness := 1 - timeSpreadSeconds/math.Max(windowSeconds, 1)
	if tightness < 0 {
		tightness = 0
	}
	if tightness > 1 {
		tightness = 1
	}
	score = weightTimeTightness*tightness + weightFieldConsistency*fieldConsistency(records)
	switch {
	case score > 0.8:
		band = "High"
	case score >= 0.5:
		band = "Medium"
	default:
		band = "Low"
	}
	return score, band
}

// MatchScore computes the two scoring modes: simple count (one
// point per contributing source) or weighted sum of the Wing's
// configured per-source weights. Returns the raw score compared against
// score_interpretation bands (which can exceed 1 in weighted mode when
// configured weights sum above 1) and the value normalized into [0,1]
// by dividing by the total possible weight/source count.
func MatchScore(records map[string]model.Record, w *wing.Wing) (raw, normalized float64) {
	if !w.Scoring.Enabled {
		total := float64(len(w.Sources))
		if total == 0 {
			return 0, 0
		}
		raw = float64(len(records))
		normalized = raw / total
		if normalized > 1 {
			normalized = 1
		}
		return raw, normalized
	}

	total := w.TotalWeight()
	for sourceID := range records {
		raw += w.SourceWeight(sourceID)
	}
	if total == 0 {
		return raw, 0
	}
	normalized = raw / total
	if normalized > 1 {
		normalized = 1
	}
	return raw, normalized
}

// Interpret maps a raw score against a Wing's configured
// score_interpretation bands (weighted mode), or the built-in
// Strong/Good/Partial/Weak contributor-fraction bands used in simple
// mode.
func Interpret(raw, normalized float64, w *wing.Wing) string {
	if w.Scoring.Enabled && len(w.Scoring.ScoreInterpretation) > 0 {
		for _, band := range w.Scoring.ScoreInterpretation {
			if raw >= band.Min {
				return band.Label
			}
		}
		return "Weak"
	}
	switch {
	case normalized >= 0.8:
		return "Strong"
	case normalized >= 0.5:
		return "Good"
	case normalized >= 0.25:
		return "Partial"
	default:
		return "Weak"
	}
}

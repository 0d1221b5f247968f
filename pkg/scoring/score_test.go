package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/forensiclab/wingcorrelate/pkg/model"
	"github.com/forensiclab/wingcorrelate/pkg/wing"
)

func twoSourceWing() *wing.Wing {
	return &wing.Wing{
		Sources: []wing.SourceRef{
			{SourceID: "A", ArtifactType: "Prefetch"},
			{SourceID: "B", ArtifactType: "Logs"},
		},
		Rules: wing.Rules{WindowMinutes: 5, MinimumMatches: 1},
	}
}

// A@10:00:00 joined with B@10:02:00 under a 5-minute window:
// time_spread_seconds=120, time_proximity = exp(-120/300) ~= 0.670.
func TestScore_S1TimeProximity(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	records := map[string]model.Record{
		"A": {SourceID: "A", Instant: base},
		"B": {SourceID: "B", Instant: base.Add(2 * time.Minute)},
	}
	breakdown := Score(records, twoSourceWing(), 5*time.Minute)

	assert.InDelta(t, 1.0, breakdown.Coverage, 1e-9)
	assert.InDelta(t, 0.670, breakdown.TimeProximity, 0.001)
}

func TestScore_CoverageIsUnweightedFraction(t *testing.T) {
	w := &wing.Wing{Sources: []wing.SourceRef{
		{SourceID: "A"}, {SourceID: "B"}, {SourceID: "C"},
	}}
	records := map[string]model.Record{
		"A": {SourceID: "A", Instant: time.Now()},
		"B": {SourceID: "B", Instant: time.Now()},
	}
	breakdown := Score(records, w, time.Hour)
	assert.InDelta(t, 2.0/3.0, breakdown.Coverage, 1e-9)
}

func TestFieldSimilarity_PluralityAgreement(t *testing.T) {
	base := time.Now()
	records := map[string]model.Record{
		"A": {SourceID: "A", Instant: base, Fields: map[string]any{"application": "chrome.exe", "file_path": "/a"}},
		"B": {SourceID: "B", Instant: base, Fields: map[string]any{"application": "chrome.exe", "file_path": "/b"}},
		"C": {SourceID: "C", Instant: base, Fields: map[string]any{"application": "notepad.exe", "file_path": "/a"}},
	}
	// application plurality = "chrome.exe" (2/3 records); file_path
	// plurality = "/a" (2/3 records). (2+2)/(2*3) = 4/6.
	score := fieldSimilarityScore(records)
	assert.InDelta(t, 4.0/6.0, score, 1e-9)
}

func TestConfidence_Bands(t *testing.T) {
	base := time.Now()
	records := map[string]model.Record{
		"A": {SourceID: "A", Instant: base, Fields: map[string]any{"application": "chrome.exe"}},
		"B": {SourceID: "B", Instant: base, Fields: map[string]any{"application": "chrome.exe"}},
	}
	score, band := Confidence(records, 0, 300)
	assert.Equal(t, "High", band)
	assert.Greater(t, score, 0.8)
}

func TestConfidence_LowBandOnWideSpreadAndDisagreement(t *testing.T) {
	records := map[string]model.Record{
		"A": {SourceID: "A", Fields: map[string]any{"application": "chrome.exe"}},
		"B": {SourceID: "B", Fields: map[string]any{"application": "notepad.exe"}},
	}
	score, band := Confidence(records, 290, 300)
	assert.Equal(t, "Low", band)
	assert.Less(t, score, 0.5)
}

func TestMatchScore_SimpleModeIsContributorCount(t *testing.T) {
	w := twoSourceWing()
	records := map[string]model.Record{"A": {}}
	raw, normalized := MatchScore(records, w)
	assert.Equal(t, 1.0, raw)
	assert.Equal(t, 0.5, normalized)
}

func TestMatchScore_WeightedModeSumsConfiguredWeights(t *testing.T) {
	w := &wing.Wing{
		Sources: []wing.SourceRef{
			{SourceID: "A", Weight: 0.7},
			{SourceID: "B", Weight: 0.6},
		},
		Scoring: wing.ScoringConfig{Enabled: true},
	}
	records := map[string]model.Record{"A": {}, "B": {}}
	raw, normalized := MatchScore(records, w)
	assert.InDelta(t, 1.3, raw, 1e-9)
	assert.Equal(t, 1.0, normalized) // all configured sources contributed
}

func TestInterpret_WeightedBandsSortedDescending(t *testing.T) {
	w := &wing.Wing{
		Scoring: wing.ScoringConfig{
			Enabled: true,
			ScoreInterpretation: []wing.ScoreBand{
				{Min: 0.8, Label: "Strong"},
				{Min: 0.4, Label: "Medium"},
				{Min: 0, Label: "Weak"},
			},
		},
	}
	assert.Equal(t, "Strong", Interpret(0.9, 0, w))
	assert.Equal(t, "Medium", Interpret(0.5, 0, w))
	assert.Equal(t, "Weak", Interpret(0.1, 0, w))
}

func TestInterpret_SimpleModeContributorFractionBands(t *testing.T) {
	w := &wing.Wing{}
	assert.Equal(t, "Strong", Interpret(0, 0.8, w))
	assert.Equal(t, "Good", Interpret(0, 0.5, w))
	assert.Equal(t, "Partial", Interpret(0, 0.25, w))
	assert.Equal(t, "Weak", Interpret(0, 0.1, w))
}

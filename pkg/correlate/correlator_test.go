package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensiclab/wingcorrelate/pkg/model"
	"github.com/forensiclab/wingcorrelate/pkg/wing"
)

func twoSourceWing() *wing.Wing {
	return &wing.Wing{
		Sources: []wing.SourceRef{
			{SourceID: "prefetch", ArtifactType: "Prefetch"},
			{SourceID: "events", ArtifactType: "Logs"},
		},
		Rules:          wing.Rules{WindowMinutes: 5, MinimumMatches: 2},
		AnchorPriority: []string{"prefetch", "events"},
	}
}

func TestProcessWindow_EmitsMatchAcrossTwoSources(t *testing.T) {
	w := twoSourceWing()
	c := New(w, nil, 5*time.Minute, 0)

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	window := model.TimeWindow{
		WindowID: 1,
		RecordsBySource: map[string][]model.Record{
			"prefetch": {{SourceID: "prefetch", RowKey: "1", Instant: base}},
			"events":   {{SourceID: "events", RowKey: "2", Instant: base.Add(30 * time.Second)}},
		},
	}

	matches, duplicates, failed, err := c.ProcessWindow(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 0, duplicates)
	assert.Equal(t, 0, failed)
	assert.Equal(t, "prefetch", matches[0].AnchorSourceID)
	assert.Len(t, matches[0].Records, 2)
}

func TestProcessWindow_NoAnchorContributorYieldsNoMatches(t *testing.T) {
	w := twoSourceWing()
	c := New(w, nil, 5*time.Minute, 0)

	window := model.TimeWindow{RecordsBySource: map[string][]model.Record{}}
	matches, _, _, err := c.ProcessWindow(context.Background(), window)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestProcessWindow_BelowMinimumMatchesIsSkipped(t *testing.T) {
	w := twoSourceWing()
	w.Rules.MinimumMatches = 3 // anchor + at most one other source present = 2, never enough
	c := New(w, nil, 5*time.Minute, 0)

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	window := model.TimeWindow{
		RecordsBySource: map[string][]model.Record{
			"prefetch": {{SourceID: "prefetch", Instant: base}},
			"events":   {{SourceID: "events", Instant: base}},
		},
	}
	matches, _, _, err := c.ProcessWindow(context.Background(), window)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestProcessWindow_SameMatchSetAcrossCallsIsFlaggedDuplicate(t *testing.T) {
	w := twoSourceWing()
	c := New(w, nil, 5*time.Minute, 0)

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	window := model.TimeWindow{
		RecordsBySource: map[string][]model.Record{
			"prefetch": {{SourceID: "prefetch", RowKey: "1", Instant: base}},
			"events":   {{SourceID: "events", RowKey: "2", Instant: base}},
		},
	}

	first, _, _, err := c.ProcessWindow(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.False(t, first[0].IsDuplicate)

	second, duplicates, _, err := c.ProcessWindow(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].IsDuplicate)
	assert.Equal(t, 1, duplicates)
	assert.Equal(t, first[0].MatchID, second[0].DuplicateOf)
}

func TestSelectAnchorSource_PrefersAnchorPriorityOrder(t *testing.T) {
	w := twoSourceWing()
	c := New(w, nil, 5*time.Minute, 0)

	window := model.TimeWindow{RecordsBySource: map[string][]model.Record{
		"events": {{SourceID: "events"}},
	}}
	assert.Equal(t, "events", c.selectAnchorSource(window))

	window.RecordsBySource["prefetch"] = []model.Record{{SourceID: "prefetch"}}
	assert.Equal(t, "prefetch", c.selectAnchorSource(window))
}

func TestSelectAnchorSource_NoContributorsReturnsEmpty(t *testing.T) {
	w := twoSourceWing()
	c := New(w, nil, 5*time.Minute, 0)
	assert.Equal(t, "", c.selectAnchorSource(model.TimeWindow{}))
}

func TestValidate_RejectsMismatchedRecordCount(t *testing.T) {
	m := model.CorrelationMatch{
		AnchorSourceID: "A",
		Records:        map[string]model.Record{"A": {}},
		MatchScore:     0.5,
	}
	err := Validate(m, 2)
	assert.Error(t, err)
}

func TestValidate_RejectsOutOfRangeScore(t *testing.T) {
	m := model.CorrelationMatch{
		AnchorSourceID: "A",
		Records:        map[string]model.Record{"A": {}},
		MatchScore:     1.5,
	}
	err := Validate(m, 1)
	assert.Error(t, err)
}

func TestValidate_AcceptsConsistentMatch(t *testing.T) {
	base := time.Now()
	m := model.CorrelationMatch{
		AnchorSourceID: "A",
		Records: map[string]model.Record{
			"A": {Instant: base},
			"B": {Instant: base.Add(10 * time.Second)},
		},
		MatchScore:        0.6,
		TimeSpreadSeconds: 10,
	}
	assert.NoError(t, Validate(m, 2))
}

func TestBuildCombinations_PerAnchorCapTruncatesAndCountsLimitHits(t *testing.T) {
	w := twoSourceWing()
	c := New(w, nil, 5*time.Minute, 4)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	var many []model.Record
	for i := 0; i < 10; i++ {
		many = append(many, model.Record{SourceID: "events", Instant: base.Add(time.Duration(i) * time.Second)})
	}
	window := model.TimeWindow{RecordsBySource: map[string][]model.Record{"events": many}}

	combos := c.buildCombinations(window, "prefetch", model.Record{Instant: base})
	assert.Len(t, combos, 4)
	assert.Greater(t, c.LimitHits(), int64(0))
	// Candidates are ranked closest-first, so the surviving combinations
	// hold the four records nearest the anchor.
	for _, combo := range combos {
		rec := combo["events"]
		assert.LessOrEqual(t, rec.Instant.Sub(base), 3*time.Second)
	}
}

func TestBuildCombinations_DefaultCapIsOneHundred(t *testing.T) {
	w := twoSourceWing()
	c := New(w, nil, 5*time.Minute, 0)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	var many []model.Record
	for i := 0; i < 150; i++ {
		many = append(many, model.Record{SourceID: "events", Instant: base.Add(time.Duration(i) * time.Millisecond)})
	}
	window := model.TimeWindow{RecordsBySource: map[string][]model.Record{"events": many}}

	combos := c.buildCombinations(window, "prefetch", model.Record{Instant: base})
	assert.Len(t, combos, 100)
}

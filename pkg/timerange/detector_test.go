package timerange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensiclab/wingcorrelate/pkg/model"
)

type fakeRanger struct {
	r model.TimeRange
}

func (f fakeRanger) TimestampRange(ctx context.Context) (model.TimeRange, error) {
	return f.r, nil
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

// Four sources' maxima {2024-10-01, 2024-10-02,
// 2024-10-03, 2045-01-01}; the far-future sentinel is an IQR high
// outlier and must be rejected, leaving the end at 2024-10-03.
func TestDetect_S5RejectsHighOutlier(t *testing.T) {
	start := date("2024-01-01")
	sources := map[string]Ranger{
		"a": fakeRanger{model.TimeRange{Start: start, End: date("2024-10-01")}},
		"b": fakeRanger{model.TimeRange{Start: start, End: date("2024-10-02")}},
		"c": fakeRanger{model.TimeRange{Start: start, End: date("2024-10-03")}},
		"d": fakeRanger{model.TimeRange{Start: start, End: date("2045-01-01")}},
	}

	d := New(20)
	result, err := d.Detect(context.Background(), sources, nil)
	require.NoError(t, err)
	assert.Equal(t, date("2024-10-03"), result.Range.End)
	assert.NotEmpty(t, result.Warnings)
}

// Start candidates {1999-01-01, 2024-{06..10}-01}, every source ending
// 2024-10-15; the detector's start must be 2024-06-01, not
// 1999 (a sentinel more than 20 years before the candidate end).
func TestDetect_Invariant11RejectsTwentyYearOutlierStart(t *testing.T) {
	end := date("2024-10-15")
	sources := map[string]Ranger{
		"sentinel": fakeRanger{model.TimeRange{Start: date("1999-01-01"), End: end}},
		"a":        fakeRanger{model.TimeRange{Start: date("2024-06-01"), End: end}},
		"b":        fakeRanger{model.TimeRange{Start: date("2024-07-01"), End: end}},
		"c":        fakeRanger{model.TimeRange{Start: date("2024-08-01"), End: end}},
		"d":        fakeRanger{model.TimeRange{Start: date("2024-09-01"), End: end}},
		"e":        fakeRanger{model.TimeRange{Start: date("2024-10-01"), End: end}},
	}

	d := New(20)
	result, err := d.Detect(context.Background(), sources, nil)
	require.NoError(t, err)
	assert.Equal(t, date("2024-06-01"), result.Range.Start)
}

func TestDetect_ExplicitOverrideBypassesDetection(t *testing.T) {
	override := &model.TimeRange{Start: date("2020-01-01"), End: date("2021-01-01")}
	d := New(20)
	result, err := d.Detect(context.Background(), map[string]Ranger{
		"a": fakeRanger{model.TimeRange{Start: date("1970-01-01"), End: date("2099-01-01")}},
	}, override)
	require.NoError(t, err)
	assert.Equal(t, *override, result.Range)
}

func TestDetect_ClampsToMaxRangeYears(t *testing.T) {
	d := New(1)
	override := &model.TimeRange{Start: date("2020-01-01"), End: date("2024-01-01")}
	result, err := d.Detect(context.Background(), map[string]Ranger{}, override)
	require.NoError(t, err)
	assert.Less(t, result.Range.End.Sub(result.Range.Start), 2*365*24*time.Hour)
	assert.NotEmpty(t, result.Warnings)
}

func TestDetect_NoSourcesErrors(t *testing.T) {
	d := New(20)
	_, err := d.Detect(context.Background(), map[string]Ranger{}, nil)
	assert.Error(t, err)
}

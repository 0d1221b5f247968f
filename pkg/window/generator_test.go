package window

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensiclab/wingcorrelate/pkg/model"
)

func drain(g *Generator) []model.TimeWindow {
	var out []model.TimeWindow
	for w := range g.Generate(context.Background()) {
		out = append(out, w)
	}
	return out
}

// Non-overlapping windows never share a boundary
// instant, so a record at that instant belongs to exactly one window.
func TestGenerate_NonOverlappingWindowsDoNotShareBoundary(t *testing.T) {
	scanRange := model.TimeRange{
		Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 1, 0, 15, 0, 0, time.UTC),
	}
	g := New(scanRange, 5*time.Minute, 5*time.Minute, false)
	windows := drain(g)
	require.Len(t, windows, 3)
	for i := 1; i < len(windows); i++ {
		assert.True(t, windows[i].Start.After(windows[i-1].End), "window %d start must be strictly after window %d end", i, i-1)
	}
}

func TestGenerate_OverlappingWindowsShareBoundary(t *testing.T) {
	scanRange := model.TimeRange{
		Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 1, 0, 10, 0, 0, time.UTC),
	}
	g := New(scanRange, 5*time.Minute, 2*time.Minute, true)
	windows := drain(g)
	require.Greater(t, len(windows), 2)
	assert.Equal(t, windows[0].Start.Add(2*time.Minute), windows[1].Start)
}

func TestGenerate_MonotonicIDs(t *testing.T) {
	scanRange := model.TimeRange{
		Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC),
	}
	g := New(scanRange, 10*time.Minute, 10*time.Minute, false)
	windows := drain(g)
	for i, w := range windows {
		assert.Equal(t, int64(i), w.WindowID)
	}
}

func TestGenerate_CancellationStopsEarly(t *testing.T) {
	scanRange := model.TimeRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2034, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	g := New(scanRange, time.Minute, time.Minute, false)
	ctx, cancel := context.WithCancel(context.Background())
	ch := g.Generate(ctx)
	<-ch
	cancel()

	closed := make(chan struct{})
	go func() {
		for range ch {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("generator did not stop within 2s of cancellation")
	}
}

func TestGenerate_LastWindowClampedToScanRangeEnd(t *testing.T) {
	scanRange := model.TimeRange{
		Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 1, 0, 7, 0, 0, time.UTC),
	}
	g := New(scanRange, 5*time.Minute, 5*time.Minute, false)
	windows := drain(g)
	last := windows[len(windows)-1]
	assert.Equal(t, scanRange.End, last.End)
}

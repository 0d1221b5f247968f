// Package window lazily generates the fixed-width time windows a run
// will scan, feeding them to the scheduler through a bounded channel so
// a multi-decade range never has to be materialized as a slice.
package window

import (
	"context"
	"time"

	"github.com/forensiclab/wingcorrelate/pkg/model"
)

// Generator produces sequential or overlapping TimeWindows across a
// scan range at a fixed interval.
type Generator struct {
	scanRange        model.TimeRange
	windowSize       time.Duration
	interval         time.Duration
	overlapping      bool
}

// New creates a Generator. interval equal to windowSize yields
// non-overlapping windows; a smaller interval yields overlapping ones
// when overlapping is true.
func New(scanRange model.TimeRange, windowSize, interval time.Duration, overlapping bool) *Generator {
	if interval <= 0 {
		interval = windowSize
	}
	return &Generator{scanRange: scanRange, windowSize: windowSize, interval: interval, overlapping: overlapping}
}

// Count returns the number of windows this Generator will produce,
// used by the ProgressTracker to size its ETA model up front.
func (g *Generator) Count() int {
	total := g.scanRange.Duration()
	if total <= 0 || g.interval <= 0 {
		return 0
	}
	step := g.windowSize
	if g.overlapping {
		step = g.interval
	}
	if step <= 0 {
		return 0
	}
	if !g.overlapping {
		// Generate starts each non-overlapping window one nanosecond
		// past the previous window's end.
		step += time.Nanosecond
	}
	n := int(total / step)
	if total%step != 0 {
		n++
	}
	return n
}

// Generate streams windows onto the returned channel in ascending
// start-time order, closing it when the scan range is exhausted or ctx
// is canceled. The caller must drain the channel to avoid leaking the
// generating goroutine.
func (g *Generator) Generate(ctx context.Context) <-chan model.TimeWindow {
	out := make(chan model.TimeWindow, 16)
	go func() {
		defer close(out)

		step := g.windowSize
		if g.overlapping {
			step = g.interval
		}
		if step <= 0 {
			return
		}

		var id int64
		start := g.scanRange.Start
		for start.Before(g.scanRange.End) {
			end := start.Add(g.windowSize)
			if end.After(g.scanRange.End) {
				end = g.scanRange.End
			}
			w := model.TimeWindow{
				WindowID: id,
				Start:    start,
				End:      end,
			}
			id++

			select {
			case out <- w:
			case <-ctx.Done():
				return
			}

			// A record at a shared boundary instant must appear in
			// both windows when overlapping is enabled, and exactly
			// once when it isn't. Windows are closed [start,end] on
			// both sides, so a non-overlapping next window starts one
			// nanosecond past this one's end instead of exactly on it,
			// leaving the boundary instant owned by this window alone.
			next := start.Add(step)
			if !g.overlapping {
				next = end.Add(time.Nanosecond)
			}
			start = next
		}
	}()
	return out
}

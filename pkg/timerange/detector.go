// Package timerange detects the effective time range a correlation run
// should scan when the scanning config leaves starting/ending epoch unset,
// discarding outlier source bounds so one corrupted artifact (a clock
// stuck in 1970, or in the far future) cannot force a multi-decade scan.
package timerange

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forensiclab/wingcorrelate/pkg/model"
)

// Ranger is the subset of source.Query the detector needs, declared
// locally so this package doesn't import pkg/source and create a
// cycle back from scheduler-level code.
type Ranger interface {
	TimestampRange(ctx context.Context) (model.TimeRange, error)
}

// Detector computes the scan range for a run from the per-source
// timestamp bounds, applying IQR-based outlier rejection and a
// hard ceiling on total scan width.
type Detector struct {
	maxRangeYears int
}

// New creates a Detector enforcing maxRangeYears as the absolute scan
// width ceiling.
func New(maxRangeYears int) *Detector {
	if maxRangeYears <= 0 {
		maxRangeYears = 20
	}
	return &Detector{maxRangeYears: maxRangeYears}
}

// twentyYears is the fixed sentinel-rejection window of the 20-year
// rule: a candidate start more than this far before the
// candidate end is treated as a stuck/sentinel clock, independent of
// the Wing's configurable max_time_range_years ceiling.
const twentyYears = 20 * 365 * 24 * time.Hour

// Result is the outcome of detection: the detected range,
// each source's raw contribution, and any warnings accrued while
// rejecting outliers or enforcing the max-range ceiling.
type Result struct {
	Range       model.TimeRange
	PerSource   map[string]model.TimeRange
	Warnings    []string
}

// Detect queries every source's timestamp range concurrently, rejects
// outlying bounds via the IQR and 20-year rules, and returns the union
// of the surviving bounds clamped to maxRangeYears. An explicit
// override range (from starting_epoch/ending_epoch) bypasses detection
// entirely when both start and end are provided.
func (d *Detector) Detect(ctx context.Context, sources map[string]Ranger, override *model.TimeRange) (Result, error) {
	if override != nil {
		r, warn := d.clamp(*override)
		var warnings []string
		if warn != "" {
			warnings = append(warnings, warn)
		}
		return Result{Range: r, Warnings: warnings}, nil
	}
	if len(sources) == 0 {
		return Result{}, fmt.Errorf("timerange: no sources to detect range from")
	}

	type bound struct {
		sourceID string
		r        model.TimeRange
	}
	bounds := make([]bound, len(sources))
	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			r, err := sources[id].TimestampRange(gctx)
			if err != nil {
				return fmt.Errorf("source %s: %w", id, err)
			}
			bounds[i] = bound{sourceID: id, r: r}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	perSource := make(map[string]model.TimeRange, len(bounds))
	starts := make([]float64, len(bounds))
	ends := make([]float64, len(bounds))
	for i, b := range bounds {
		perSource[b.sourceID] = b.r
		starts[i] = float64(b.r.Start.Unix())
		ends[i] = float64(b.r.End.Unix())
	}

	var warnings []string

	// High-outlier rejection on ends: drop sentinel future timestamps
	// via the IQR high fence.
	_, endHigh := iqrFence(ends)
	maxEnd, endRejected := maxBelow(ends, endHigh)
	if endRejected {
		warnings = append(warnings, "timerange: high-end outlier(s) rejected by IQR rule")
	}
	if maxEnd == nil {
		warnings = append(warnings, "timerange: IQR rejection emptied the end candidate set, falling back to unfiltered max")
		maxEnd = maxOf(ends)
	}
	maxEndTime := time.Unix(int64(*maxEnd), 0).UTC()

	// Low-outlier rejection on starts: the IQR low fence, AND the
	// fixed 20-year rule (a start more than 20 years before the
	// (already-filtered) end is a stuck/sentinel clock, not real data).
	startLow, _ := iqrFence(starts)
	twentyYearFloor := float64(maxEndTime.Add(-twentyYears).Unix())
	minStart, startRejected := minAboveBoth(starts, startLow, twentyYearFloor)
	if startRejected {
		warnings = append(warnings, "timerange: low-end outlier(s) rejected by IQR/20-year rule")
	}
	if minStart == nil {
		warnings = append(warnings, "timerange: outlier rejection emptied the start candidate set, falling back to unfiltered min")
		minStart = minOf(starts)
	}
	minStartTime := time.Unix(int64(*minStart), 0).UTC()

	clamped, clampWarn := d.clamp(model.TimeRange{Start: minStartTime, End: maxEndTime})
	if clampWarn != "" {
		warnings = append(warnings, clampWarn)
	}

	return Result{Range: clamped, PerSource: perSource, Warnings: warnings}, nil
}

func maxBelow(values []float64, high float64) (*float64, bool) {
	var best *float64
	rejected := false
	for _, v := range values {
		if v > high {
			rejected = true
			continue
		}
		v := v
		if best == nil || v > *best {
			best = &v
		}
	}
	return best, rejected
}

func minAboveBoth(values []float64, lowA, lowB float64) (*float64, bool) {
	floor := lowA
	if lowB > floor {
		floor = lowB
	}
	var best *float64
	rejected := false
	for _, v := range values {
		if v < floor {
			rejected = true
			continue
		}
		v := v
		if best == nil || v < *best {
			best = &v
		}
	}
	return best, rejected
}

func maxOf(values []float64) *float64 {
	best := values[0]
	for _, v := range values[1:] {
		if v > best {
			best = v
		}
	}
	return &best
}

func minOf(values []float64) *float64 {
	best := values[0]
	for _, v := range values[1:] {
		if v < best {
			best = v
		}
	}
	return &best
}

// clamp enforces the max-range-years ceiling by pulling Start forward
// when the detected range exceeds it, returning a warning message when
// it had to.
func (d *Detector) clamp(r model.TimeRange) (model.TimeRange, string) {
	maxDur := time.Duration(d.maxRangeYears) * 365 * 24 * time.Hour
	if r.End.Sub(r.Start) > maxDur {
		r.Start = r.End.Add(-maxDur)
		return r, fmt.Sprintf("timerange: scan range exceeded max_time_range_years (%d); shrunk start to %s", d.maxRangeYears, r.Start.Format(time.RFC3339))
	}
	return r, ""
}

// iqrFence returns the [Q1-1.5*IQR, Q3+1.5*IQR] fence for values. With
// fewer than 4 samples the fence collapses to [-inf,+inf] (no rejection)
// since a quartile needs at least 4 points to be meaningful.
func iqrFence(values []float64) (low, high float64) {
	if len(values) < 4 {
		return -1 << 62, 1 << 62
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	return q1 - 1.5*iqr, q3 + 1.5*iqr
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

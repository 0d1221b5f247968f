// Package windowproc implements the per-window pipeline the scheduler
// dispatches into: check memory pressure, fill the window from every
// source, persist its records for phase two, and report progress,
// translating any failure into the error taxonomy instead of letting
// one bad window abort the run.
package windowproc

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/forensiclab/wingcorrelate/pkg/errs"
	"github.com/forensiclab/wingcorrelate/pkg/memory"
	"github.com/forensiclab/wingcorrelate/pkg/model"
	"github.com/forensiclab/wingcorrelate/pkg/progress"
)

// Filler populates a window's records from every configured source.
// Implemented by pkg/windowquery.Manager.
type Filler interface {
	Fill(ctx context.Context, w *model.TimeWindow) error
}

// Store persists a filled window's records for phase two to replay.
// Implemented by pkg/persist.
type Store interface {
	PersistWindow(ctx context.Context, w model.TimeWindow) error
}

// Processor is the per-window pipeline: pressure-check, fill, persist,
// report.
type Processor struct {
	filler   Filler
	store    Store
	coord    *errs.Coordinator
	tracker  *progress.Tracker
	mem      *memory.Manager
	minimumSufficient func(model.TimeWindow) bool
}

// New creates a Processor. sufficient decides whether a filled window
// meets the minimum_matches threshold; windows that don't are dropped
// without being persisted, since phase two could never build a match
// from them. mem gates each window on current memory pressure and may
// be nil in tests.
func New(filler Filler, store Store, coord *errs.Coordinator, tracker *progress.Tracker, mem *memory.Manager, sufficient func(model.TimeWindow) bool) *Processor {
	return &Processor{filler: filler, store: store, coord: coord, tracker: tracker, mem: mem, minimumSufficient: sufficient}
}

// Process pressure-checks, fills, persists (when sufficient), and
// reports w. Errors are recorded into the coordinator and returned so
// the scheduler can count the failure, but a single window's failure
// never stops the run. Returns the number of records the window
// collected across all sources, so the caller can feed it to the
// memory manager's MB-per-1000-records efficiency metric.
func (p *Processor) Process(ctx context.Context, w model.TimeWindow) (recordCount int, err error) {
	if refused, reason := p.refusedByMemory(); refused {
		err := fmt.Errorf("window %d refused: %s", w.WindowID, reason)
		p.coord.Record(errs.Memory, errs.High, err.Error(), "", time.Now())
		p.tracker.ReportWindowFailed(w.WindowID, err)
		return 0, err
	}

	if err := p.filler.Fill(ctx, &w); err != nil {
		p.coord.Record(errs.Database, errs.Medium, err.Error(), "", time.Now())
		p.tracker.ReportWindowFailed(w.WindowID, err)
		return 0, err
	}

	for _, recs := range w.RecordsBySource {
		recordCount += len(recs)
	}
	if recordCount == 0 {
		w.Empty = true
	}

	// A window below the minimum_matches threshold is dropped here, not
	// persisted: phase two could never assemble a match from it.
	sufficient := !w.Empty && p.minimumSufficient(w)
	if sufficient {
		if err := p.store.PersistWindow(ctx, w); err != nil {
			p.coord.Record(errs.Database, errs.High, err.Error(), "", time.Now())
			p.tracker.ReportWindowFailed(w.WindowID, err)
			return recordCount, err
		}
	}

	p.tracker.ReportWindowDone(w.WindowID, w.Empty, sufficient)
	return recordCount, nil
}

// refusedByMemory runs the pre-window pressure check, forcing one GC
// and re-checking before refusing, so a window is only dropped when
// reclaiming garbage wasn't enough to restore headroom.
func (p *Processor) refusedByMemory() (bool, string) {
	if p.mem == nil {
		return false, ""
	}
	ok, reason := p.mem.CanStartWindow()
	if ok {
		return false, ""
	}
	runtime.GC()
	if ok, _ = p.mem.CanStartWindow(); ok {
		return false, ""
	}
	return true, reason
}

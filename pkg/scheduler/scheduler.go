// Package scheduler drives phase one of a run: pulling windows off the
// generator and dispatching each to a WindowProcessor, either
// sequentially or across a bounded worker pool, with adaptive batch
// sizing under memory pressure and a choice of load-balancing
// algorithms across worker slots.
package scheduler

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forensiclab/wingcorrelate/pkg/cancel"
	"github.com/forensiclab/wingcorrelate/pkg/memory"
	"github.com/forensiclab/wingcorrelate/pkg/model"
)

// Processor handles one window end to end: fill, persist, report
// progress. Implemented by pkg/windowproc.Processor.
type Processor interface {
	Process(ctx context.Context, w model.TimeWindow) (recordCount int, err error)
}

// LoadBalance selects how windows are distributed across the worker
// pool.
type LoadBalance string

const (
	RoundRobin  LoadBalance = "round_robin"
	LeastLoaded LoadBalance = "least_loaded"
	Adaptive    LoadBalance = "adaptive"
)

// WindowProcessingTask pairs a window with the scheduling metadata the
// adaptive balancer scores against.
type WindowProcessingTask struct {
	TaskID        int64
	Window        model.TimeWindow
	Priority      int
	EstComplexity float64
}

// Config holds the scheduler's tunables, mirroring
// TimeWindowScanningConfig's parallelism fields.
type Config struct {
	Parallel    bool
	MaxWorkers  int
	BatchSize   int
	BatchMin    int
	BatchMax    int
	LoadBalance LoadBalance
	// SourceCount feeds the task-complexity estimate; zero disables the
	// source term.
	SourceCount int
}

// workerState is one worker slot's recent history, read by the
// least-loaded and adaptive balancers.
type workerState struct {
	load      int64         // in-flight tasks
	completed int64
	errors    int64
	avgTime   time.Duration // EWMA of recent task durations
}

// balancerWeights are the adaptive score coefficients. They sum to 1
// and shift online toward whichever signal shows the most spread
// across workers.
type balancerWeights struct {
	load, perf, res, err float64
}

func defaultWeights() balancerWeights {
	return balancerWeights{load: 0.4, perf: 0.3, res: 0.2, err: 0.1}
}

// rebalanceInterval throttles online weight adjustment.
const rebalanceInterval = 30 * time.Second

// rebalanceVariationThreshold is the coefficient-of-variation above
// which a signal is considered spread enough to deserve more weight.
const rebalanceVariationThreshold = 0.5

// rebalanceShift is how much weight moves toward a dominant signal per
// adjustment, taken proportionally from the other three.
const rebalanceShift = 0.1

// avgTimeEWMAAlpha smooths per-worker task durations: recent tasks
// dominate without a single outlier swinging the average.
const avgTimeEWMAAlpha = 0.3

// Scheduler runs the phase-one window pipeline.
type Scheduler struct {
	cfg       Config
	processor Processor
	mem       *memory.Manager
	cancelMgr *cancel.Manager

	mu            sync.Mutex
	workers       []workerState
	weights       balancerWeights
	lastRebalance time.Time
	rr            int64   // round_robin cursor
	curBatch      int
	recentRecords float64 // EWMA of records per window, for complexity

	taskSeq   int64
	processed int64
	failed    int64
}

// New creates a Scheduler. An unset MaxWorkers sizes the pool to
// min(2*NumCPU, 16); an explicit MaxWorkers is kept, capped at 16.
// The batch range defaults to [10, 500].
func New(cfg Config, processor Processor, mem *memory.Manager, cancelMgr *cancel.Manager) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		ceiling := 2 * runtime.NumCPU()
		if ceiling > 16 {
			ceiling = 16
		}
		cfg.MaxWorkers = ceiling
	}
	if cfg.MaxWorkers > 16 {
		cfg.MaxWorkers = 16
	}
	if cfg.BatchMin <= 0 {
		cfg.BatchMin = 10
	}
	if cfg.BatchMax < cfg.BatchMin {
		cfg.BatchMax = 500
	}
	if cfg.BatchSize < cfg.BatchMin {
		cfg.BatchSize = cfg.BatchMin
	}
	if cfg.BatchSize > cfg.BatchMax {
		cfg.BatchSize = cfg.BatchMax
	}
	if cfg.LoadBalance == "" {
		cfg.LoadBalance = Adaptive
	}

	return &Scheduler{
		cfg:       cfg,
		processor: processor,
		mem:       mem,
		cancelMgr: cancelMgr,
		workers:   make([]workerState, cfg.MaxWorkers),
		weights:   defaultWeights(),
		curBatch:  cfg.BatchSize,
	}
}

// Run drains windows from in, processing each one according to the
// configured mode, and returns once the channel is closed, ctx is
// canceled, or the cancellation manager is tripped.
func (s *Scheduler) Run(ctx context.Context, in <-chan model.TimeWindow) error {
	if !s.cfg.Parallel {
		return s.runSequential(ctx, in)
	}
	return s.runParallel(ctx, in)
}

func (s *Scheduler) runSequential(ctx context.Context, in <-chan model.TimeWindow) error {
	for w := range in {
		if s.cancelMgr.Cancelled() {
			return nil
		}
		if err := s.processWindow(ctx, w, 0); err != nil {
			atomic.AddInt64(&s.failed, 1)
		}
	}
	return nil
}

func (s *Scheduler) runParallel(ctx context.Context, in <-chan model.TimeWindow) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxWorkers)

	for {
		if s.cancelMgr.Cancelled() {
			break
		}
		batch := collectBatch(in, s.adaptiveBatchSize())
		if len(batch) == 0 {
			break
		}
		for _, w := range batch {
			task := s.makeTask(w)
			worker := s.pickWorker(task)
			g.Go(func() error {
				atomic.AddInt64(&s.workers[worker].load, 1)
				defer atomic.AddInt64(&s.workers[worker].load, -1)

				if err := s.processWindow(gctx, task.Window, worker); err != nil {
					atomic.AddInt64(&s.failed, 1)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// collectBatch drains up to n windows from in, returning fewer only
// when the channel closes first.
func collectBatch(in <-chan model.TimeWindow, n int) []model.TimeWindow {
	batch := make([]model.TimeWindow, 0, n)
	for len(batch) < n {
		w, ok := <-in
		if !ok {
			break
		}
		batch = append(batch, w)
	}
	return batch
}

// makeTask wraps a window with its scheduling metadata. The complexity
// estimate is 1 + records/1000*0.1 + max(0, sources-2)*0.2, with the
// record term taken from the EWMA of recent window record counts since
// a window's own records aren't known until it has been queried.
func (s *Scheduler) makeTask(w model.TimeWindow) WindowProcessingTask {
	s.mu.Lock()
	records := s.recentRecords
	s.mu.Unlock()

	complexity := 1 + records/1000*0.1
	if s.cfg.SourceCount > 2 {
		complexity += float64(s.cfg.SourceCount-2) * 0.2
	}
	return WindowProcessingTask{
		TaskID:        atomic.AddInt64(&s.taskSeq, 1),
		Window:        w,
		EstComplexity: complexity,
	}
}

// adaptiveBatchSize shrinks the current batch size by 0.8x while memory
// usage sits above 80% of the configured limit, and grows it back by
// 1.2x while usage is below, clamped to [BatchMin, BatchMax].
func (s *Scheduler) adaptiveBatchSize() int {
	usage := s.mem.Sample()
	limit := s.mem.LimitBytes()

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit > 0 && float64(usage) > 0.8*float64(limit) {
		s.curBatch = int(float64(s.curBatch) * 0.8)
	} else {
		s.curBatch = int(float64(s.curBatch) * 1.2)
	}
	if s.curBatch < s.cfg.BatchMin {
		s.curBatch = s.cfg.BatchMin
	}
	if s.curBatch > s.cfg.BatchMax {
		s.curBatch = s.cfg.BatchMax
	}
	return s.curBatch
}

// pickWorker selects a worker slot per the configured load-balance
// algorithm. round_robin cycles slots; least_loaded picks the slot
// with the fewest in-flight windows; adaptive scores every slot as
//
//	w_load*load + w_perf*avg_time*complexity + w_res*usage + w_err*errors*0.1
//
// and picks the minimum, where usage is the worker's share of all
// completed tasks (the closest per-slot resource proxy available when
// workers are goroutines on a shared heap).
func (s *Scheduler) pickWorker(task WindowProcessingTask) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.cfg.LoadBalance {
	case RoundRobin:
		n := s.rr
		s.rr++
		return int(n) % len(s.workers)
	case LeastLoaded:
		best := 0
		for i := 1; i < len(s.workers); i++ {
			if atomic.LoadInt64(&s.workers[i].load) < atomic.LoadInt64(&s.workers[best].load) {
				best = i
			}
		}
		return best
	case Adaptive:
		s.maybeRebalanceLocked()
		totalCompleted := int64(0)
		for i := range s.workers {
			totalCompleted += s.workers[i].completed
		}
		best := 0
		bestScore := s.adaptiveScoreLocked(0, task, totalCompleted)
		for i := 1; i < len(s.workers); i++ {
			if score := s.adaptiveScoreLocked(i, task, totalCompleted); score < bestScore {
				best, bestScore = i, score
			}
		}
		return best
	default:
		return 0
	}
}

func (s *Scheduler) adaptiveScoreLocked(i int, task WindowProcessingTask, totalCompleted int64) float64 {
	w := &s.workers[i]
	usage := 0.0
	if totalCompleted > 0 {
		usage = float64(w.completed) / float64(totalCompleted)
	}
	return s.weights.load*float64(atomic.LoadInt64(&w.load)) +
		s.weights.perf*w.avgTime.Seconds()*task.EstComplexity +
		s.weights.res*usage +
		s.weights.err*float64(w.errors)*0.1
}

// maybeRebalanceLocked shifts weight toward the performance term when
// per-worker average times have spread out, and toward the load term
// when in-flight loads have, no more often than every 30 seconds.
// Weights keep summing to 1.
func (s *Scheduler) maybeRebalanceLocked() {
	now := time.Now()
	if now.Sub(s.lastRebalance) < rebalanceInterval {
		return
	}
	s.lastRebalance = now

	times := make([]float64, len(s.workers))
	loads := make([]float64, len(s.workers))
	for i := range s.workers {
		times[i] = s.workers[i].avgTime.Seconds()
		loads[i] = float64(atomic.LoadInt64(&s.workers[i].load))
	}

	if coefficientOfVariation(times) > rebalanceVariationThreshold {
		s.shiftWeightLocked(&s.weights.perf)
	} else if coefficientOfVariation(loads) > rebalanceVariationThreshold {
		s.shiftWeightLocked(&s.weights.load)
	}
}

// shiftWeightLocked moves rebalanceShift of total weight onto target,
// scaling the other three terms down so the four still sum to 1.
func (s *Scheduler) shiftWeightLocked(target *float64) {
	gain := rebalanceShift
	if *target+gain > 0.7 {
		gain = 0.7 - *target // keep every term represented
		if gain <= 0 {
			return
		}
	}
	rest := 1 - *target
	if rest <= 0 {
		return
	}
	scale := (rest - gain) / rest
	for _, w := range []*float64{&s.weights.load, &s.weights.perf, &s.weights.res, &s.weights.err} {
		if w != target {
			*w *= scale
		}
	}
	*target += gain
}

func coefficientOfVariation(values []float64) float64 {
	n := float64(len(values))
	if n == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= n
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= n
	return math.Sqrt(variance) / mean
}

func (s *Scheduler) processWindow(ctx context.Context, w model.TimeWindow, worker int) error {
	start := time.Now()
	recordCount, err := s.processor.Process(ctx, w)
	elapsed := time.Since(start)

	atomic.AddInt64(&s.processed, 1)
	s.mem.RecordWindowProcessed(recordCount)
	s.observe(worker, elapsed, recordCount, err)
	return err
}

// observe folds a completed task's duration, record count, and outcome
// into the worker's history and the shared complexity estimate.
func (s *Scheduler) observe(worker int, elapsed time.Duration, recordCount int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &s.workers[worker]
	w.completed++
	if err != nil {
		w.errors++
	}
	if w.avgTime == 0 {
		w.avgTime = elapsed
	} else {
		w.avgTime = time.Duration((1-avgTimeEWMAAlpha)*float64(w.avgTime) + avgTimeEWMAAlpha*float64(elapsed))
	}

	if s.recentRecords == 0 {
		s.recentRecords = float64(recordCount)
	} else {
		s.recentRecords = (1-avgTimeEWMAAlpha)*s.recentRecords + avgTimeEWMAAlpha*float64(recordCount)
	}
}

// Stats reports processed/failed window counts for a completed run.
func (s *Scheduler) Stats() (processed, failed int64) {
	return atomic.LoadInt64(&s.processed), atomic.LoadInt64(&s.failed)
}

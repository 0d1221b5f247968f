package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensiclab/wingcorrelate/pkg/cancel"
	"github.com/forensiclab/wingcorrelate/pkg/memory"
	"github.com/forensiclab/wingcorrelate/pkg/model"
)

type fakeProcessor struct {
	mu        sync.Mutex
	processed []int64
	failOn    map[int64]bool
}

func (f *fakeProcessor) Process(ctx context.Context, w model.TimeWindow) (int, error) {
	f.mu.Lock()
	f.processed = append(f.processed, w.WindowID)
	f.mu.Unlock()
	if f.failOn[w.WindowID] {
		return 0, errors.New("processing failed")
	}
	return 3, nil
}

func windowChannel(ids ...int64) <-chan model.TimeWindow {
	ch := make(chan model.TimeWindow, len(ids))
	for _, id := range ids {
		ch <- model.TimeWindow{WindowID: id}
	}
	close(ch)
	return ch
}

func TestRun_SequentialProcessesEveryWindow(t *testing.T) {
	proc := &fakeProcessor{}
	s := New(Config{Parallel: false}, proc, memory.NewManager(1024), cancel.NewManager())

	err := s.Run(context.Background(), windowChannel(1, 2, 3))
	require.NoError(t, err)

	processed, failed := s.Stats()
	assert.Equal(t, int64(3), processed)
	assert.Equal(t, int64(0), failed)
}

func TestRun_SequentialStopsAtCancellation(t *testing.T) {
	proc := &fakeProcessor{}
	cancelMgr := cancel.NewManager()
	cancelMgr.Cancel()
	s := New(Config{Parallel: false}, proc, memory.NewManager(1024), cancelMgr)

	err := s.Run(context.Background(), windowChannel(1, 2, 3))
	require.NoError(t, err)

	processed, _ := s.Stats()
	assert.Equal(t, int64(0), processed)
}

func TestRun_SequentialTracksFailedWindows(t *testing.T) {
	proc := &fakeProcessor{failOn: map[int64]bool{2: true}}
	s := New(Config{Parallel: false}, proc, memory.NewManager(1024), cancel.NewManager())

	err := s.Run(context.Background(), windowChannel(1, 2, 3))
	require.NoError(t, err)

	processed, failed := s.Stats()
	assert.Equal(t, int64(3), processed)
	assert.Equal(t, int64(1), failed)
}

func TestRun_ParallelProcessesEveryWindow(t *testing.T) {
	proc := &fakeProcessor{}
	s := New(Config{Parallel: true, MaxWorkers: 4}, proc, memory.NewManager(1024), cancel.NewManager())

	err := s.Run(context.Background(), windowChannel(1, 2, 3, 4, 5))
	require.NoError(t, err)

	processed, _ := s.Stats()
	assert.Equal(t, int64(5), processed)
	assert.Len(t, proc.processed, 5)
}

func TestNew_ClampsMaxWorkersToCeiling(t *testing.T) {
	s := New(Config{MaxWorkers: 999}, &fakeProcessor{}, memory.NewManager(1024), cancel.NewManager())
	assert.LessOrEqual(t, s.cfg.MaxWorkers, 16)
}

func TestNew_DefaultsBatchSizeAndLoadBalance(t *testing.T) {
	s := New(Config{}, &fakeProcessor{}, memory.NewManager(1024), cancel.NewManager())
	assert.Equal(t, 10, s.cfg.BatchSize)
	assert.Equal(t, Adaptive, s.cfg.LoadBalance)
}

func TestPickWorker_RoundRobinCyclesSlots(t *testing.T) {
	s := New(Config{MaxWorkers: 3, LoadBalance: RoundRobin}, &fakeProcessor{}, memory.NewManager(1024), cancel.NewManager())
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		seen[s.pickWorker(WindowProcessingTask{})] = true
	}
	assert.Len(t, seen, 3)
}

func TestPickWorker_LeastLoadedIgnoresWorkerHistory(t *testing.T) {
	s := New(Config{MaxWorkers: 2, LoadBalance: LeastLoaded}, &fakeProcessor{}, memory.NewManager(1024), cancel.NewManager())
	// Worker 0 is slow and error-prone but idle; least_loaded still
	// picks it on the lower-index tie-break.
	s.observe(0, time.Second, 10, errors.New("boom"))
	s.observe(1, time.Millisecond, 10, nil)
	assert.Equal(t, 0, s.pickWorker(s.makeTask(model.TimeWindow{})))
}

func TestPickWorker_AdaptivePrefersFasterWorkerAtEqualLoad(t *testing.T) {
	s := New(Config{MaxWorkers: 2, LoadBalance: Adaptive}, &fakeProcessor{}, memory.NewManager(1024), cancel.NewManager())
	// Same in-flight load, but worker 0's recent tasks were 1000x slower:
	// the weighted score sends the next task to worker 1, where
	// least_loaded would have tie-broken to worker 0.
	s.observe(0, time.Second, 10, nil)
	s.observe(1, time.Millisecond, 10, nil)
	assert.Equal(t, 1, s.pickWorker(s.makeTask(model.TimeWindow{})))
}

func TestPickWorker_AdaptivePenalizesErrorProneWorker(t *testing.T) {
	s := New(Config{MaxWorkers: 2, LoadBalance: Adaptive}, &fakeProcessor{}, memory.NewManager(1024), cancel.NewManager())
	s.observe(0, time.Millisecond, 10, errors.New("boom"))
	s.observe(0, time.Millisecond, 10, errors.New("boom"))
	s.observe(1, time.Millisecond, 10, nil)
	assert.Equal(t, 1, s.pickWorker(s.makeTask(model.TimeWindow{})))
}

func TestMakeTask_ComplexityGrowsWithSourcesAndRecords(t *testing.T) {
	s := New(Config{MaxWorkers: 2, SourceCount: 5}, &fakeProcessor{}, memory.NewManager(1024), cancel.NewManager())
	// max(0, 5-2)*0.2 with no record history yet.
	task := s.makeTask(model.TimeWindow{})
	assert.InDelta(t, 1.6, task.EstComplexity, 1e-9)

	s.observe(0, time.Millisecond, 2000, nil)
	task = s.makeTask(model.TimeWindow{})
	assert.Greater(t, task.EstComplexity, 1.6)
}

func TestRebalance_ShiftsWeightTowardPerfOnSpread(t *testing.T) {
	s := New(Config{MaxWorkers: 2, LoadBalance: Adaptive}, &fakeProcessor{}, memory.NewManager(1024), cancel.NewManager())
	s.observe(0, time.Second, 10, nil)
	s.observe(1, time.Millisecond, 10, nil)

	before := s.weights.perf
	s.mu.Lock()
	s.maybeRebalanceLocked()
	after := s.weights.perf
	sum := s.weights.load + s.weights.perf + s.weights.res + s.weights.err
	s.mu.Unlock()

	assert.Greater(t, after, before)
	assert.InDelta(t, 1.0, sum, 1e-9)

	// A second call inside the 30s throttle window changes nothing.
	s.mu.Lock()
	s.maybeRebalanceLocked()
	assert.Equal(t, after, s.weights.perf)
	s.mu.Unlock()
}

func TestAdaptiveBatchSize_ShrinksUnderMemoryPressure(t *testing.T) {
	mem := memory.NewManager(1) // 1MB limit, trivially exceeded
	s := New(Config{BatchSize: 100}, &fakeProcessor{}, mem, cancel.NewManager())
	assert.Less(t, s.adaptiveBatchSize(), 100)
}

func TestAdaptiveBatchSize_GrowsBackWhenFreeAndClampsToMax(t *testing.T) {
	mem := memory.NewManager(100000) // limit far above real usage
	s := New(Config{BatchSize: 400, BatchMax: 500}, &fakeProcessor{}, mem, cancel.NewManager())
	assert.Equal(t, 480, s.adaptiveBatchSize())
	assert.Equal(t, 500, s.adaptiveBatchSize()) // 576 clamped to BatchMax
}

func TestAdaptiveBatchSize_NeverShrinksBelowMin(t *testing.T) {
	mem := memory.NewManager(1)
	s := New(Config{BatchSize: 12, BatchMin: 10}, &fakeProcessor{}, mem, cancel.NewManager())
	for i := 0; i < 5; i++ {
		s.adaptiveBatchSize()
	}
	assert.Equal(t, 10, s.adaptiveBatchSize())
}

package windowproc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensiclab/wingcorrelate/pkg/errs"
	"github.com/forensiclab/wingcorrelate/pkg/memory"
	"github.com/forensiclab/wingcorrelate/pkg/model"
	"github.com/forensiclab/wingcorrelate/pkg/progress"
)

type fakeFiller struct {
	fillErr error
	fillFn  func(w *model.TimeWindow)
}

func (f *fakeFiller) Fill(ctx context.Context, w *model.TimeWindow) error {
	if f.fillErr != nil {
		return f.fillErr
	}
	if f.fillFn != nil {
		f.fillFn(w)
	}
	return nil
}

type fakeStore struct {
	persisted []model.TimeWindow
	persistErr error
}

func (f *fakeStore) PersistWindow(ctx context.Context, w model.TimeWindow) error {
	if f.persistErr != nil {
		return f.persistErr
	}
	f.persisted = append(f.persisted, w)
	return nil
}

func alwaysSufficient(model.TimeWindow) bool { return true }

func TestProcess_PersistsNonEmptyWindowAndReportsDone(t *testing.T) {
	filler := &fakeFiller{fillFn: func(w *model.TimeWindow) {
		w.RecordsBySource = map[string][]model.Record{"A": {{SourceID: "A"}, {SourceID: "A"}}}
	}}
	store := &fakeStore{}
	coord := errs.NewCoordinator()
	tracker := progress.New(1)

	p := New(filler, store, coord, tracker, nil, alwaysSufficient)
	count, err := p.Process(context.Background(), model.TimeWindow{WindowID: 1})

	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, store.persisted, 1)

	done, failed, sufficient, _ := tracker.Snapshot()
	assert.Equal(t, 1, done)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, sufficient)
}

func TestProcess_EmptyWindowIsNotPersisted(t *testing.T) {
	filler := &fakeFiller{}
	store := &fakeStore{}
	coord := errs.NewCoordinator()
	tracker := progress.New(1)

	p := New(filler, store, coord, tracker, nil, alwaysSufficient)
	_, err := p.Process(context.Background(), model.TimeWindow{WindowID: 1})

	require.NoError(t, err)
	assert.Empty(t, store.persisted)
}

func TestProcess_FillErrorRecordsAndReportsFailure(t *testing.T) {
	filler := &fakeFiller{fillErr: errors.New("source unreachable")}
	store := &fakeStore{}
	coord := errs.NewCoordinator()
	tracker := progress.New(1)

	p := New(filler, store, coord, tracker, nil, alwaysSufficient)
	_, err := p.Process(context.Background(), model.TimeWindow{WindowID: 1})

	assert.Error(t, err)
	assert.Equal(t, 1, coord.CountByCategory(errs.Database))

	_, failed, _, _ := tracker.Snapshot()
	assert.Equal(t, 1, failed)
}

func TestProcess_PersistErrorIsRecordedAndReturned(t *testing.T) {
	filler := &fakeFiller{fillFn: func(w *model.TimeWindow) {
		w.RecordsBySource = map[string][]model.Record{"A": {{SourceID: "A"}}}
	}}
	store := &fakeStore{persistErr: errors.New("disk full")}
	coord := errs.NewCoordinator()
	tracker := progress.New(1)

	p := New(filler, store, coord, tracker, nil, alwaysSufficient)
	_, err := p.Process(context.Background(), model.TimeWindow{WindowID: 1})

	assert.Error(t, err)
	assert.Equal(t, 1, coord.CountByCategory(errs.Database))
}

func TestProcess_InsufficientWindowIsDroppedNotPersisted(t *testing.T) {
	filler := &fakeFiller{fillFn: func(w *model.TimeWindow) {
		w.RecordsBySource = map[string][]model.Record{"A": {{SourceID: "A"}}}
	}}
	store := &fakeStore{}
	coord := errs.NewCoordinator()
	tracker := progress.New(1)

	never := func(model.TimeWindow) bool { return false }
	p := New(filler, store, coord, tracker, nil, never)
	count, err := p.Process(context.Background(), model.TimeWindow{WindowID: 1})

	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Empty(t, store.persisted)

	done, _, sufficient, _ := tracker.Snapshot()
	assert.Equal(t, 1, done)
	assert.Equal(t, 0, sufficient)
}

func TestProcess_MemoryRefusalFailsWindowWithoutQuerying(t *testing.T) {
	fillCalled := false
	filler := &fakeFiller{fillFn: func(w *model.TimeWindow) { fillCalled = true }}
	store := &fakeStore{}
	coord := errs.NewCoordinator()
	tracker := progress.New(1)

	mem := memory.NewManager(100000)
	mem.ForceSystemMemory(1<<30, 16<<30) // ~6% free, below the 20% buffer

	p := New(filler, store, coord, tracker, mem, alwaysSufficient)
	_, err := p.Process(context.Background(), model.TimeWindow{WindowID: 1})

	assert.Error(t, err)
	assert.False(t, fillCalled)
	assert.Equal(t, 1, coord.CountByCategory(errs.Memory))
	_, failed, _, _ := tracker.Snapshot()
	assert.Equal(t, 1, failed)
}

func TestProcess_SufficiencyIsFalseForEmptyWindowRegardlessOfPredicate(t *testing.T) {
	filler := &fakeFiller{}
	store := &fakeStore{}
	coord := errs.NewCoordinator()
	tracker := progress.New(1)

	p := New(filler, store, coord, tracker, nil, alwaysSufficient)
	_, err := p.Process(context.Background(), model.TimeWindow{WindowID: 1})
	require.NoError(t, err)

	_, _, sufficient, _ := tracker.Snapshot()
	assert.Equal(t, 0, sufficient)
}

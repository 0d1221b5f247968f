// Package driver wires every component of a correlation run together:
// detect the scan range, generate windows, fill and persist them across
// a worker pool, replay them for phase two, score and deduplicate
// matches, and assemble the final CorrelationResult.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/forensiclab/wingcorrelate/pkg/cancel"
	"github.com/forensiclab/wingcorrelate/pkg/correlate"
	"github.com/forensiclab/wingcorrelate/pkg/engineconfig"
	"github.com/forensiclab/wingcorrelate/pkg/errs"
	"github.com/forensiclab/wingcorrelate/pkg/estimate"
	"github.com/forensiclab/wingcorrelate/pkg/memory"
	"github.com/forensiclab/wingcorrelate/pkg/metrics"
	"github.com/forensiclab/wingcorrelate/pkg/model"
	"github.com/forensiclab/wingcorrelate/pkg/mtls"
	"github.com/forensiclab/wingcorrelate/pkg/persist"
	"github.com/forensiclab/wingcorrelate/pkg/progress"
	"github.com/forensiclab/wingcorrelate/pkg/registry"
	"github.com/forensiclab/wingcorrelate/pkg/scheduler"
	"github.com/forensiclab/wingcorrelate/pkg/semantic"
	"github.com/forensiclab/wingcorrelate/pkg/source"
	"github.com/forensiclab/wingcorrelate/pkg/timerange"
	"github.com/forensiclab/wingcorrelate/pkg/timestamp"
	"github.com/forensiclab/wingcorrelate/pkg/window"
	"github.com/forensiclab/wingcorrelate/pkg/windowproc"
	"github.com/forensiclab/wingcorrelate/pkg/windowquery"
	"github.com/forensiclab/wingcorrelate/pkg/wing"
)

// Driver owns every long-lived resource a single run needs, and is
// responsible for closing them all when the run ends.
type Driver struct {
	wing   *wing.Wing
	config *engineconfig.Config

	sources map[string]*source.Query
	store   *persist.SQLiteStore
	matchStore *persist.MatchStore
	clickhouse *persist.ClickHouseExporter

	mem       *memory.Manager
	cancelMgr *cancel.Manager
	coord     *errs.Coordinator
	tracker   *progress.Tracker
	estimator *estimate.Estimator
	semantic  *semantic.Engine

	recordCounts    map[string]int
	phase2LimitHits int
}

// Open loads the Wing and scanning config, opens every configured
// source database read-only, and opens the phase-one correlation
// database (and, when configured, the bbolt match store and ClickHouse
// exporter). The caller must call Close when the run completes.
func Open(ctx context.Context, wingPath, configPath string) (*Driver, error) {
	w, err := wing.Load(wingPath)
	if err != nil {
		return nil, err
	}
	cfg, err := engineconfig.Load(configPath)
	if err != nil {
		return nil, err
	}

	var typeRegistry registry.TypeRegistry = registry.NewStaticRegistry()
	if cfg.RegistryURL != "" {
		regCfg := &registry.Config{BaseURL: cfg.RegistryURL, Timeout: 10 * time.Second}
		if cfg.RegistryTLS != nil {
			regCfg.TLSConfig = &mtls.TLSConfig{
				CertFile:         cfg.RegistryTLS.CertFile,
				KeyFile:          cfg.RegistryTLS.KeyFile,
				CAFile:           cfg.RegistryTLS.CAFile,
				EnableAutoReload: cfg.RegistryTLS.AutoReload,
			}
		}
		client, err := registry.NewClient(regCfg)
		if err != nil {
			return nil, fmt.Errorf("driver: registry client: %w", err)
		}
		typeRegistry = client
	}

	sources := make(map[string]*source.Query, len(w.Sources))
	for _, s := range w.Sources {
		var opts []source.Option
		if defaults, ok := typeRegistry.Lookup(ctx, s.ArtifactType); ok {
			opts = append(opts, source.WithTimestampHint(defaults.TimestampColumn))
		}
		q, err := source.Open(ctx, model.Source{
			SourceID:     s.SourceID,
			ArtifactType: s.ArtifactType,
			DatabasePath: s.DatabasePath,
			Weight:       s.Weight,
			Tier:         s.Tier,
			TierName:     s.TierName,
		}, "", opts...)
		if err != nil {
			closeSources(sources)
			return nil, fmt.Errorf("driver: open source %s: %w", s.SourceID, err)
		}
		sources[s.SourceID] = q
	}

	store, err := persist.OpenSQLiteStore(ctx, cfg.CorrelationDBPath)
	if err != nil {
		closeSources(sources)
		return nil, err
	}

	var matchStore *persist.MatchStore
	if cfg.EnableStreamingMode && cfg.MatchStorePath != "" {
		matchStore, err = persist.OpenMatchStore(cfg.MatchStorePath)
		if err != nil {
			store.Close()
			closeSources(sources)
			return nil, err
		}
	}

	var chExporter *persist.ClickHouseExporter
	if cfg.ClickHouseDSN != "" {
		chExporter, err = persist.NewClickHouseExporter(persist.ClickHouseConfig{
			DSN:             cfg.ClickHouseDSN,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		})
		if err != nil {
			if matchStore != nil {
				matchStore.Close()
			}
			store.Close()
			closeSources(sources)
			return nil, err
		}
	}

	sem, err := semantic.New(w.SemanticRules, w.SemanticMappings)
	if err != nil {
		if chExporter != nil {
			chExporter.Close()
		}
		if matchStore != nil {
			matchStore.Close()
		}
		store.Close()
		closeSources(sources)
		return nil, err
	}

	return &Driver{
		wing:       w,
		config:     cfg,
		sources:    sources,
		store:      store,
		matchStore: matchStore,
		clickhouse: chExporter,
		mem:        memory.NewManager(cfg.MemoryLimitMB),
		cancelMgr:  cancel.NewManager(),
		coord:      errs.NewCoordinator(),
		estimator:  estimate.New(),
		semantic:   sem,
	}, nil
}

func closeSources(sources map[string]*source.Query) {
	for _, q := range sources {
		q.Close()
	}
}

// Close releases every resource opened by Open, running any registered
// cleanup hooks first.
func (d *Driver) Close() {
	d.cancelMgr.RunCleanup()
	if d.clickhouse != nil {
		d.clickhouse.Close()
	}
	if d.matchStore != nil {
		d.matchStore.Close()
	}
	d.store.Close()
	closeSources(d.sources)
}

// Cancel requests an early stop; in-flight windows finish, no new ones
// start.
func (d *Driver) Cancel() { d.cancelMgr.Cancel() }

// windowSizeMinutes resolves the Wing's declared tolerance window as
// canonical for both window width and scoring, falling back to the
// scanning config's window_size_minutes only when the Wing leaves it
// unset: Wing-level timing rules take precedence over the engine-level
// scanning defaults they're layered on top of.
func (d *Driver) windowSizeMinutes() int {
	if d.wing.Rules.WindowMinutes > 0 {
		return d.wing.Rules.WindowMinutes
	}
	return d.config.WindowSizeMinutes
}

// Run executes both phases of a correlation run against the opened Wing
// and returns the assembled CorrelationResult.
func (d *Driver) Run(ctx context.Context) (model.CorrelationResult, error) {
	start := time.Now()
	result := model.CorrelationResult{
		WingID:             d.wing.WingID,
		WingName:           d.wing.WingName,
		FilterStatistics:   map[string]int{},
		DuplicatesBySource: map[string]int{},
		Phase2Statistics:   map[string]int{},
	}

	windowSize := time.Duration(d.windowSizeMinutes()) * time.Minute
	interval := time.Duration(d.config.EffectiveIntervalMinutes()) * time.Minute

	rangeResult, err := d.detectScanRange(ctx)
	if err != nil {
		return result, fmt.Errorf("driver: detect scan range: %w", err)
	}
	result.Warnings = append(result.Warnings, rangeResult.Warnings...)

	gen := window.New(rangeResult.Range, windowSize, interval, d.config.EnableOverlappingWindows)
	d.tracker = progress.New(gen.Count())
	if d.config.NATSUrl != "" {
		nc, err := d.tracker.EnableNATS(d.config.NATSUrl, "wingcorrelate.progress."+d.wing.WingID)
		if err != nil {
			d.coord.Record(errs.System, errs.Low, err.Error(), "", time.Now())
		} else {
			d.cancelMgr.RegisterCleanup(nc.Close)
		}
	}
	d.tracker.Subscribe(func(ev progress.Event) {
		eta, _, confidence := d.estimator.Estimate(ev.WindowsTotal - ev.WindowsDone)
		if confidence > 0 {
			metrics.ETASeconds.Set(eta.Seconds())
		}
	})

	phase1Start := time.Now()
	if err := d.runPhaseOne(ctx, gen); err != nil {
		return result, fmt.Errorf("driver: phase one: %w", err)
	}
	result.PerformanceMetrics.Phase1Duration = time.Since(phase1Start)

	phase2Start := time.Now()
	matches, dupBySource, failedValidation, err := d.runPhaseTwo(ctx, windowSize)
	if err != nil {
		return result, fmt.Errorf("driver: phase two: %w", err)
	}
	result.PerformanceMetrics.Phase2Duration = time.Since(phase2Start)

	done, failed, sufficient, total := d.tracker.Snapshot()
	result.PerformanceMetrics.WindowsScanned = done
	result.PerformanceMetrics.WindowsSufficient = sufficient
	result.PerformanceMetrics.RecordsPerSource = d.recordsPerSource()
	hits, misses := d.cacheTotals()
	result.PerformanceMetrics.QueryCacheHits = int(hits)
	result.PerformanceMetrics.QueryCacheMisses = int(misses)
	metrics.QueryCacheHitsTotal.Add(float64(hits))
	metrics.QueryCacheMissesTotal.Add(float64(misses))

	result.FilterStatistics["windows_total"] = total
	result.FilterStatistics["windows_failed"] = failed
	result.Phase2Statistics["anchor_limit_hits"] = d.phase2LimitHits

	duplicates := 0
	totalRecords := 0
	for _, m := range matches {
		if m.IsDuplicate {
			duplicates++
		}
		totalRecords += len(m.Records)
	}
	result.Matches = matches
	result.FeathersProcessed = len(d.sources)
	result.TotalRecordsScanned = totalRecords
	result.DuplicatesPrevented = duplicates
	result.DuplicatesBySource = dupBySource
	result.MatchesFailedValidation = failedValidation
	result.Errors = d.coord.Errors()
	if d.cancelMgr.Cancelled() {
		// Cancellation produces a result with a distinguishing entry in
		// errors[] naming the cause, not a propagated error from Run
		// itself; best-effort partial results are still returned.
		result.Errors = append(result.Errors, "cancellation: run stopped early by cancellation request; results reflect windows processed before the request")
	}
	result.ExecutionDurationSeconds = time.Since(start).Seconds()

	metrics.HealthScore.Set(d.coord.HealthScore())
	for _, m := range matches {
		metrics.MatchesEmittedTotal.WithLabelValues(d.wing.WingID, m.ScoreLabel).Inc()
	}
	metrics.DuplicatesPreventedTotal.WithLabelValues(d.wing.WingID).Add(float64(duplicates))
	metrics.MatchesFailedValidationTotal.WithLabelValues(d.wing.WingID).Add(float64(failedValidation))

	if d.matchStore != nil {
		for _, m := range matches {
			if err := d.matchStore.Append(m); err != nil {
				d.coord.Record(errs.Database, errs.Medium, err.Error(), "", time.Now())
			}
		}
	}
	if d.clickhouse != nil {
		if err := d.clickhouse.WriteBatch(ctx, d.wing.WingID, matches); err != nil {
			d.coord.Record(errs.Database, errs.Medium, err.Error(), "", time.Now())
		}
	}

	return result, nil
}

// detectScanRange resolves the effective scan range: an explicit
// starting_epoch/ending_epoch override when both are set, otherwise
// automatic detection across every source. auto_detect_time_range is
// not consulted, and a single configured epoch is ignored.
func (d *Driver) detectScanRange(ctx context.Context) (timerange.Result, error) {
	var override *model.TimeRange
	if d.config.StartingEpoch != nil && d.config.EndingEpoch != nil {
		override = &model.TimeRange{Start: *d.config.StartingEpoch, End: *d.config.EndingEpoch}
	}

	maxYears := d.wing.Rules.MaxTimeRangeYears
	if maxYears <= 0 {
		maxYears = d.config.MaxTimeRangeYears
	}
	detector := timerange.New(maxYears)

	rangers := make(map[string]timerange.Ranger, len(d.sources))
	for id, q := range d.sources {
		rangers[id] = q
	}
	return detector.Detect(ctx, rangers, override)
}

// runPhaseOne scans every window in the run, filling and persisting
// each one via the scheduler's worker pool.
func (d *Driver) runPhaseOne(ctx context.Context, gen *window.Generator) error {
	queriers := make(map[string]windowquery.Querier, len(d.sources))
	for id, q := range d.sources {
		queriers[id] = q
	}
	wqMgr := windowquery.New(queriers, d.wing.Rules, d.config.EnableQuickEmptyCheck)

	sufficient := func(w model.TimeWindow) bool {
		return windowquery.Sufficient(w, d.wing.Rules.MinimumMatches)
	}
	proc := windowproc.New(wqMgr, d.store, d.coord, d.tracker, d.mem, sufficient)

	sched := scheduler.New(scheduler.Config{
		Parallel:      d.config.ParallelWindowProcessing,
		MaxWorkers:    d.config.MaxWorkers,
		BatchSize:     d.config.ParallelBatchSize,
		BatchMin:      d.config.ParallelBatchMin,
		BatchMax:      d.config.ParallelBatchMax,
		LoadBalance:   scheduler.Adaptive,
		SourceCount:   len(d.sources),
	}, timedProcessor{proc: proc, estimator: d.estimator}, d.mem, d.cancelMgr)

	windows := gen.Generate(ctx)
	if err := sched.Run(ctx, windows); err != nil {
		return err
	}

	metrics.WindowsScannedTotal.WithLabelValues(d.wing.WingID).Add(float64(gen.Count()))
	_, _, sufficientCount, _ := d.tracker.Snapshot()
	metrics.WindowsSufficientTotal.WithLabelValues(d.wing.WingID).Add(float64(sufficientCount))
	metrics.MemoryUsageBytes.Set(float64(d.mem.PeakBytes()))
	return nil
}

// timedProcessor wraps a windowproc.Processor to feed the time estimator
// and the query-latency histogram from real per-window durations.
type timedProcessor struct {
	proc      *windowproc.Processor
	estimator *estimate.Estimator
}

func (t timedProcessor) Process(ctx context.Context, w model.TimeWindow) (int, error) {
	start := time.Now()
	recordCount, err := t.proc.Process(ctx, w)
	elapsed := time.Since(start)
	t.estimator.Observe(elapsed)
	metrics.WindowQueryLatencySeconds.Observe(elapsed.Seconds())
	return recordCount, err
}

// runPhaseTwo replays every persisted window and runs the Phase-2
// Correlator over each, aggregating its matches, per-source duplicate
// counts, and validation failures across the whole run.
func (d *Driver) runPhaseTwo(ctx context.Context, windowSize time.Duration) ([]model.CorrelationMatch, map[string]int, int, error) {
	correlator := correlate.New(d.wing, d.semantic, windowSize, d.config.MaxMatchesPerAnchor)

	windowIDs, err := d.store.WindowIDs(ctx)
	if err != nil {
		return nil, nil, 0, err
	}

	var allMatches []model.CorrelationMatch
	dupBySource := make(map[string]int)
	failedValidation := 0
	d.recordCounts = make(map[string]int, len(d.sources))

	for _, id := range windowIDs {
		if d.cancelMgr.Cancelled() {
			break
		}

		w, err := d.store.ReplayWindow(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			d.coord.Record(errs.Database, errs.Medium, err.Error(), "", time.Now())
			continue
		}
		for sourceID, recs := range w.RecordsBySource {
			d.recordCounts[sourceID] += len(recs)
		}

		// ProcessWindow's own duplicate count is redundant with counting
		// m.IsDuplicate below (duplicates are flagged, not dropped), so
		// only failedValidation is taken from it directly.
		matches, _, invalid, err := correlator.ProcessWindow(ctx, w)
		if err != nil {
			d.coord.Record(errs.Processing, errs.Medium, err.Error(), "", time.Now())
			continue
		}
		failedValidation += invalid

		for _, m := range matches {
			if m.IsDuplicate {
				dupBySource[m.AnchorSourceID]++
			}
			if err := d.store.PersistMatch(ctx, d.wing.WingID, m); err != nil {
				d.coord.Record(errs.Database, errs.Medium, err.Error(), "", time.Now())
			}
		}
		allMatches = append(allMatches, matches...)
	}

	d.phase2LimitHits = int(correlator.LimitHits())
	return allMatches, dupBySource, failedValidation, nil
}

// recordsPerSource reports total records replayed from each source
// across every window during phase two, populated as a side effect of
// runPhaseTwo.
func (d *Driver) recordsPerSource() map[string]int {
	if d.recordCounts == nil {
		return map[string]int{}
	}
	return d.recordCounts
}

func (d *Driver) cacheTotals() (hits, misses int64) {
	for _, q := range d.sources {
		h, m := q.CacheStats()
		hits += h
		misses += m
	}
	return hits, misses
}

// DetectColumnCatalogue exposes pkg/timestamp's candidate detector for
// callers that want to preview a source's timestamp column choice before
// a full run (e.g. a CLI dry-run flag), without constructing a full
// Driver.
func DetectColumnCatalogue(samples []map[string]any) []timestamp.Candidate {
	return timestamp.DetectColumn(samples)
}

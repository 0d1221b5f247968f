// Package source wraps one sealed, read-only artifact database and
// exposes the bounded query surface the window pipeline needs:
// timestamp range discovery, windowed range queries, fast record
// counts, and a batched multi-range query.
//
// Every query goes through the retry shell (pkg/retry) so a locked or
// momentarily unreachable SQLite file does not fail a run outright.
// Connections are opened read-only through the DSN (mode=ro,
// query_only, busy_timeout); the file's journal mode is left as it is,
// since changing it is a write.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forensiclab/wingcorrelate/pkg/identifier"
	"github.com/forensiclab/wingcorrelate/pkg/model"
	"github.com/forensiclab/wingcorrelate/pkg/retry"
	"github.com/forensiclab/wingcorrelate/pkg/timestamp"
)

// tsEncoding classifies how the detected timestamp column stores its
// values, deciding how range bounds are bound into SQL. Lexically
// comparable encodings (uniform numeric or fixed-width ISO text) can be
// range-scanned on the column's index; everything else (locale strings,
// JSON arrays, mixed formats) is scanned in full and filtered on the
// parsed instant.
type tsEncoding int

const (
	encScan tsEncoding = iota // not comparable in SQL; scan and filter
	encUnixSeconds
	encUnixMillis
	encFiletime
	encISO   // 2006-01-02T15:04:05...
	encSpace // 2006-01-02 15:04:05
)

// Query executes bounded reads against a single sealed artifact
// database. Safe for concurrent use by multiple window workers.
type Query struct {
	source model.Source
	db     *sql.DB
	table  string
	tsCol  string
	tsEnc  tsEncoding

	retryCfg  retry.Config
	classify  retry.Classifier
	tsHint    string

	cache *lruCache

	hits   int64
	misses int64
}

// Option configures a Query at construction time.
type Option func(*Query)

// WithRetryConfig overrides the default retry shell configuration.
func WithRetryConfig(cfg retry.Config) Option {
	return func(q *Query) { q.retryCfg = cfg }
}

// WithCacheSize overrides the default LRU query-cache capacity.
func WithCacheSize(capacity int) Option {
	return func(q *Query) { q.cache = newLRUCache(capacity) }
}

// WithTimestampHint names the column a type registry (pkg/registry)
// declares as the conventional timestamp column for this source's
// artifact type. detectTimestampColumn tries it before falling back to
// C1's name-pattern-and-parse-rate detection: the 100-row sample is
// still read, but candidate ranking is skipped when the hinted column
// parses in it.
func WithTimestampHint(column string) Option {
	return func(q *Query) { q.tsHint = column }
}

// defaultCacheCapacity bounds the per-source LRU query cache, which
// keeps recently queried windows so overlapping windows or retries
// repeating a range don't re-scan the source.
const defaultCacheCapacity = 100

// Open connects to src.DatabasePath read-only, auto-detects the table
// and timestamp column to scan, and returns a ready Query.
func Open(ctx context.Context, src model.Source, table string, opts ...Option) (*Query, error) {
	dsn := fmt.Sprintf(
		"file:%s?mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(1)",
		src.DatabasePath,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", src.SourceID, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping source %s: %w", src.SourceID, err)
	}

	q := &Query{
		source:   src,
		db:       db,
		table:    table,
		retryCfg: retry.DefaultConfig(),
		classify: classifySQLiteError,
		cache:    newLRUCache(defaultCacheCapacity),
	}
	for _, opt := range opts {
		opt(q)
	}

	if q.table == "" {
		detected, err := detectTable(ctx, db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("detect table for source %s: %w", src.SourceID, err)
		}
		q.table = detected
	}

	col, samples, err := q.detectTimestampColumn(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	q.tsCol = col
	q.tsEnc = classifyEncoding(samples, col)

	return q, nil
}

// Close releases the underlying database handle.
func (q *Query) Close() error {
	return q.db.Close()
}

// classifySQLiteError distinguishes permanent failures (missing file,
// corrupt schema, permission denied) from transient ones (database
// locked, busy) so the retry shell only retries the latter.
func classifySQLiteError(err error) retry.Class {
	if err == nil {
		return retry.Transient
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "unable to open database file"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "file is not a database"),
		strings.Contains(msg, "syntax error"):
		return retry.Hard
	default:
		return retry.Transient
	}
}

// detectTable picks the table to scan when a Wing's SourceRef leaves
// database_path's table unspecified: the single non-system table in the
// schema, or the largest by row estimate when more than one exists.
func detectTable(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", err
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no user tables found")
	}
	if len(names) == 1 {
		return names[0], nil
	}

	best := names[0]
	bestCount := -1
	for _, name := range names {
		var count int
		row := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", name))
		if err := row.Scan(&count); err != nil {
			continue
		}
		if count > bestCount {
			bestCount = count
			best = name
		}
	}
	return best, nil
}

// detectTimestampColumn samples up to 100 rows from the table and runs
// them through pkg/timestamp.DetectColumn, picking the first candidate.
// The samples are returned so Open can classify the column's encoding
// without a second table scan.
func (q *Query) detectTimestampColumn(ctx context.Context) (string, []map[string]any, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 100", q.table))
	if err != nil {
		return "", nil, fmt.Errorf("sample %s: %w", q.table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", nil, err
	}

	var samples []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		samples = append(samples, row)
	}

	if q.tsHint != "" && columnParsesInSamples(samples, q.tsHint) {
		return q.tsHint, samples, nil
	}

	candidates := timestamp.DetectColumn(samples)
	if len(candidates) == 0 {
		return "", nil, fmt.Errorf("no timestamp column detected in table %s", q.table)
	}
	return candidates[0].Column, samples, nil
}

// classifyEncoding inspects the sampled values of column and returns
// the encoding every sampled value agrees on, or encScan when the
// values are mixed, array-valued, or in a form whose text ordering is
// not chronological (US/EU slash dates, RFC textual dates).
func classifyEncoding(samples []map[string]any, column string) tsEncoding {
	enc := encScan
	seen := false
	for _, row := range samples {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		e := classifyValue(v)
		if e == encScan {
			return encScan
		}
		if seen && e != enc {
			return encScan
		}
		enc, seen = e, true
	}
	if !seen {
		return encScan
	}
	return enc
}

func classifyValue(v any) tsEncoding {
	switch val := v.(type) {
	case int64:
		return classifyNumeric(float64(val))
	case float64:
		return classifyNumeric(val)
	case string:
		s := strings.TrimSpace(val)
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return classifyNumeric(n)
		}
		if len(s) >= 19 && s[4] == '-' && s[7] == '-' {
			switch s[10] {
			case 'T':
				return encISO
			case ' ':
				return encSpace
			}
		}
		return encScan
	default:
		return encScan
	}
}

func classifyNumeric(n float64) tsEncoding {
	switch {
	case n > 1e13:
		return encFiletime
	case n > 1e10:
		return encUnixMillis
	default:
		return encUnixSeconds
	}
}

// bindRange converts [r.Start, r.End] into the column's native
// encoding, widened by one second on each side so encoding-precision
// loss never excludes an in-range row; the caller filters exactly on
// the parsed instant.
func (q *Query) bindRange(r model.TimeRange) (lo, hi any) {
	start := r.Start.Add(-time.Second)
	end := r.End.Add(time.Second)
	switch q.tsEnc {
	case encUnixSeconds:
		return start.Unix(), end.Unix()
	case encUnixMillis:
		return start.UnixMilli(), end.UnixMilli()
	case encFiletime:
		return start.UnixNano()/100 + windowsFileTimeEpochOffset,
			end.UnixNano()/100 + windowsFileTimeEpochOffset
	case encISO:
		return start.UTC().Format("2006-01-02T15:04:05"), end.UTC().Format("2006-01-02T15:04:05") + "\uffff"
	case encSpace:
		return start.UTC().Format("2006-01-02 15:04:05"), end.UTC().Format("2006-01-02 15:04:05") + "\uffff"
	default:
		return nil, nil
	}
}

// windowsFileTimeEpochOffset is the number of 100ns ticks between the
// Windows FILETIME epoch (1601-01-01) and the Unix epoch.
const windowsFileTimeEpochOffset = int64(116444736000000000)

// columnParsesInSamples reports whether column is present in samples
// and at least one sampled value parses as a timestamp, the same bar
// C1's own candidate ranking requires before trusting a column.
func columnParsesInSamples(samples []map[string]any, column string) bool {
	for _, row := range samples {
		v, ok := row[column]
		if !ok {
			continue
		}
		if _, err := timestamp.ParseValue(v); err == nil {
			return true
		}
		if instants, _, ok := timestamp.ExpandArray(v); ok && len(instants) > 0 {
			return true
		}
	}
	return false
}

// TimestampRange returns the [min,max] instant observed in the table,
// used by the TimeRangeDetector to build its sample of source bounds.
// Comparable encodings resolve it with one indexed MIN/MAX query; a
// scan-only column is walked in full, since its text ordering does not
// agree with chronological ordering.
func (q *Query) TimestampRange(ctx context.Context) (model.TimeRange, error) {
	if q.tsEnc == encScan {
		return retry.Do(ctx, q.retryCfg, q.classify, q.timestampRangeScan)
	}
	return retry.Do(ctx, q.retryCfg, q.classify, func(ctx context.Context) (model.TimeRange, error) {
		row := q.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", q.tsCol, q.tsCol, q.table))
		var minRaw, maxRaw any
		if err := row.Scan(&minRaw, &maxRaw); err != nil {
			return model.TimeRange{}, err
		}
		minT, err := timestamp.ParseValue(minRaw)
		if err != nil {
			return model.TimeRange{}, fmt.Errorf("parse min timestamp: %w", err)
		}
		maxT, err := timestamp.ParseValue(maxRaw)
		if err != nil {
			return model.TimeRange{}, fmt.Errorf("parse max timestamp: %w", err)
		}
		return model.TimeRange{Start: minT, End: maxT}, nil
	})
}

// timestampRangeScan walks every value in the timestamp column, parsing
// each (expanding arrays) and tracking the earliest and latest instant.
func (q *Query) timestampRangeScan(ctx context.Context) (model.TimeRange, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", q.tsCol, q.table))
	if err != nil {
		return model.TimeRange{}, err
	}
	defer rows.Close()

	var r model.TimeRange
	found := false
	observe := func(t time.Time) {
		if !found {
			r.Start, r.End = t, t
			found = true
			return
		}
		if t.Before(r.Start) {
			r.Start = t
		}
		if t.After(r.End) {
			r.End = t
		}
	}
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return model.TimeRange{}, err
		}
		if instants, _, ok := timestamp.ExpandArray(v); ok {
			for _, t := range instants {
				observe(t)
			}
			continue
		}
		if t, err := timestamp.ParseValue(v); err == nil {
			observe(t)
		}
	}
	if !found {
		return model.TimeRange{}, fmt.Errorf("no parseable timestamps in %s.%s", q.table, q.tsCol)
	}
	return r, rows.Err()
}

// CountInRange returns the number of rows falling within [start,end]
// without materializing them, used by the empty-window quick check. The
// indexed count is over the widened encoded bounds, so it can slightly
// overcount at the window edges; a zero is always exact, which is all
// the empty check relies on. A scan-only column counts through
// QueryRange instead.
func (q *Query) CountInRange(ctx context.Context, r model.TimeRange) (int, error) {
	if cached, ok := q.cache.getCount(r); ok {
		atomic.AddInt64(&q.hits, 1)
		return cached, nil
	}
	if q.tsEnc == encScan {
		recs, err := q.QueryRange(ctx, r)
		if err != nil {
			return 0, err
		}
		q.cache.putCount(r, len(recs))
		return len(recs), nil
	}
	atomic.AddInt64(&q.misses, 1)
	lo, hi := q.bindRange(r)
	n, err := retry.Do(ctx, q.retryCfg, q.classify, func(ctx context.Context) (int, error) {
		row := q.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s >= ? AND %s <= ?", q.table, q.tsCol, q.tsCol),
			lo, hi)
		var n int
		if err := row.Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	})
	if err == nil {
		q.cache.putCount(r, n)
	}
	return n, err
}

// QueryRange returns every record whose timestamp falls within
// [start,end], expanding multi-valued timestamp columns into one
// Record per array element.
func (q *Query) QueryRange(ctx context.Context, r model.TimeRange) ([]model.Record, error) {
	if cached, ok := q.cache.getRecords(r); ok {
		atomic.AddInt64(&q.hits, 1)
		return cached, nil
	}
	atomic.AddInt64(&q.misses, 1)
	recs, err := retry.Do(ctx, q.retryCfg, q.classify, func(ctx context.Context) ([]model.Record, error) {
		return q.queryRangeOnce(ctx, r)
	})
	if err == nil {
		q.cache.putRecords(r, recs)
	}
	return recs, err
}

func (q *Query) queryRangeOnce(ctx context.Context, r model.TimeRange) ([]model.Record, error) {
	var rows *sql.Rows
	var err error
	if q.tsEnc == encScan {
		rows, err = q.db.QueryContext(ctx,
			fmt.Sprintf("SELECT rowid, * FROM %s ORDER BY rowid", q.table))
	} else {
		lo, hi := q.bindRange(r)
		rows, err = q.db.QueryContext(ctx,
			fmt.Sprintf("SELECT rowid, * FROM %s WHERE %s >= ? AND %s <= ? ORDER BY %s", q.table, q.tsCol, q.tsCol, q.tsCol),
			lo, hi)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []model.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		rowid := fmt.Sprintf("%v", row["rowid"])
		delete(row, "rowid")
		compositeKey := ""
		if rowid == "" || rowid == "<nil>" {
			compositeKey = identifier.RecordFallbackID(row, time.Time{})
		}

		tsVal := row[q.tsCol]
		if instants, _, ok := timestamp.ExpandArray(tsVal); ok {
			for idx, inst := range instants {
				if inst.Before(r.Start) || inst.After(r.End) {
					continue
				}
				key := compositeKey
				if key != "" {
					key = identifier.RecordFallbackID(row, inst)
				}
				out = append(out, model.Record{
					SourceID:     q.source.SourceID,
					RowKey:       rowid,
					CompositeKey: key,
					Instant:      inst,
					Fields:       row,
					ArrayIndex:   idx,
				})
			}
			continue
		}

		inst, err := timestamp.ParseValue(tsVal)
		if err != nil || inst.Before(r.Start) || inst.After(r.End) {
			continue
		}
		key := compositeKey
		if key != "" {
			key = identifier.RecordFallbackID(row, inst)
		}
		out = append(out, model.Record{
			SourceID:     q.source.SourceID,
			RowKey:       rowid,
			CompositeKey: key,
			Instant:      inst,
			Fields:       row,
			ArrayIndex:   -1,
		})
	}
	// The SQL bounds are widened (or absent for a scan-only column), so
	// the exact range filter above decides membership; re-sort to keep
	// the returned order chronological regardless of the SQL path taken.
	sort.Slice(out, func(i, j int) bool { return out[i].Instant.Before(out[j].Instant) })
	return out, rows.Err()
}

// BatchResult pairs a requested range with its resolved records, used
// by BatchQuery to report partial failures without losing successes.
type BatchResult struct {
	Range   model.TimeRange
	Records []model.Record
	Err     error
}

// contiguousGap is the maximum gap between one range's end and the
// next range's start for BatchQuery to treat them as adjacent and fold
// them into a single combined query spanning the union, partitioned
// back per-range locally.
const contiguousGap = time.Second

// BatchQuery resolves multiple ranges against this source. When more
// than one of the requested ranges are contiguous (the gap between a
// range's end and the next's start is ≤1s), it issues a single query
// spanning their union and partitions the result back out locally,
// saving a round trip per window; non-contiguous ranges fall back to
// one QueryRange call each.
func (q *Query) BatchQuery(ctx context.Context, ranges []model.TimeRange) []BatchResult {
	out := make([]BatchResult, len(ranges))
	if len(ranges) == 0 {
		return out
	}

	order := make([]int, len(ranges))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return ranges[order[i]].Start.Before(ranges[order[j]].Start) })

	i := 0
	for i < len(order) {
		j := i
		for j+1 < len(order) {
			cur := ranges[order[j]]
			next := ranges[order[j+1]]
			if next.Start.Sub(cur.End) > contiguousGap {
				break
			}
			j++
		}

		if j > i {
			union := model.TimeRange{Start: ranges[order[i]].Start, End: ranges[order[i]].End}
			for k := i; k <= j; k++ {
				if ranges[order[k]].End.After(union.End) {
					union.End = ranges[order[k]].End
				}
			}
			unionRecs, err := q.QueryRange(ctx, union)
			for k := i; k <= j; k++ {
				idx := order[k]
				if err != nil {
					out[idx] = BatchResult{Range: ranges[idx], Err: err}
					continue
				}
				out[idx] = BatchResult{Range: ranges[idx], Records: filterRange(unionRecs, ranges[idx])}
			}
		} else {
			recs, err := q.QueryRange(ctx, ranges[order[i]])
			out[order[i]] = BatchResult{Range: ranges[order[i]], Records: recs, Err: err}
		}

		i = j + 1
	}

	return out
}

// filterRange narrows records from a combined union query down to the
// subset that falls within one of the original sub-ranges.
func filterRange(records []model.Record, r model.TimeRange) []model.Record {
	out := make([]model.Record, 0, len(records))
	for _, rec := range records {
		if rec.Instant.Before(r.Start) || rec.Instant.After(r.End) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// TimestampColumn reports the column this Query resolved during Open.
func (q *Query) TimestampColumn() string { return q.tsCol }

// SourceID reports the configured source identifier.
func (q *Query) SourceID() string { return q.source.SourceID }

// CacheStats reports this Query's cumulative LRU cache hit/miss counts,
// surfaced in PerformanceMetrics.QueryCacheHits/QueryCacheMisses.
func (q *Query) CacheStats() (hits, misses int64) {
	return atomic.LoadInt64(&q.hits), atomic.LoadInt64(&q.misses)
}

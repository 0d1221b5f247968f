// Package persist implements the run's three-way storage split: a
// SQLite correlation database holding every window's raw records for
// phase two to replay, a bbolt append-only store for streamed
// finalized matches, and an optional ClickHouse analytics export.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forensiclab/wingcorrelate/pkg/model"
)

// SQLiteStore persists phase-one window records for phase-two replay.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and initializes, if new) the correlation
// database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: open correlation db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: ping correlation db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS window_records (
		window_id INTEGER NOT NULL,
		source_id TEXT NOT NULL,
		row_key TEXT NOT NULL,
		array_index INTEGER NOT NULL,
		instant_unix_nano INTEGER NOT NULL,
		fields_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_window_records_window ON window_records(window_id);
	CREATE INDEX IF NOT EXISTS idx_window_records_instant ON window_records(instant_unix_nano);

	CREATE TABLE IF NOT EXISTS matches (
		match_id TEXT PRIMARY KEY,
		wing_id TEXT NOT NULL,
		anchor_source_id TEXT NOT NULL,
		anchor_instant_unix_nano INTEGER NOT NULL,
		match_score REAL NOT NULL,
		normalized_score REAL NOT NULL,
		confidence_score REAL NOT NULL,
		confidence_band TEXT NOT NULL,
		is_duplicate INTEGER NOT NULL,
		duplicate_of TEXT,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_matches_wing ON matches(wing_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// PersistWindow writes every record in a filled window in one
// transaction.
func (s *SQLiteStore) PersistWindow(ctx context.Context, w model.TimeWindow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO window_records (window_id, source_id, row_key, array_index, instant_unix_nano, fields_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("persist: prepare insert: %w", err)
	}
	defer stmt.Close()

	for sourceID, records := range w.RecordsBySource {
		for _, r := range records {
			fieldsJSON, err := json.Marshal(r.Fields)
			if err != nil {
				return fmt.Errorf("persist: marshal fields: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, w.WindowID, sourceID, r.RowKey, r.ArrayIndex, r.Instant.UnixNano(), string(fieldsJSON)); err != nil {
				return fmt.Errorf("persist: insert record: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ReplayWindow reads back every record persisted for windowID, grouped
// by source, reconstructing the window for phase-two enumeration.
func (s *SQLiteStore) ReplayWindow(ctx context.Context, windowID int64, start, end time.Time) (model.TimeWindow, error) {
	// Ordered by instant so phase two enumerates anchors in ascending
	// timestamp order, with the same tie-break on every run.
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, row_key, array_index, instant_unix_nano, fields_json FROM window_records
		 WHERE window_id = ? ORDER BY instant_unix_nano, source_id, row_key, array_index`,
		windowID)
	if err != nil {
		return model.TimeWindow{}, fmt.Errorf("persist: replay window: %w", err)
	}
	defer rows.Close()

	w := model.TimeWindow{WindowID: windowID, Start: start, End: end, RecordsBySource: make(map[string][]model.Record)}
	for rows.Next() {
		var sourceID, rowKey, fieldsJSON string
		var arrayIndex int
		var instantNano int64
		if err := rows.Scan(&sourceID, &rowKey, &arrayIndex, &instantNano, &fieldsJSON); err != nil {
			return model.TimeWindow{}, err
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return model.TimeWindow{}, err
		}
		w.RecordsBySource[sourceID] = append(w.RecordsBySource[sourceID], model.Record{
			SourceID:   sourceID,
			RowKey:     rowKey,
			ArrayIndex: arrayIndex,
			Instant:    time.Unix(0, instantNano).UTC(),
			Fields:     fields,
		})
	}
	w.Empty = len(w.RecordsBySource) == 0
	return w, nil
}

// WindowIDs returns every distinct window_id persisted, in ascending
// order, for phase two to iterate over.
func (s *SQLiteStore) WindowIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT window_id FROM window_records ORDER BY window_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PersistMatch writes a finalized match row.
func (s *SQLiteStore) PersistMatch(ctx context.Context, wingID string, m model.CorrelationMatch) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("persist: marshal match: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO matches (
			match_id, wing_id, anchor_source_id, anchor_instant_unix_nano,
			match_score, normalized_score, confidence_score, confidence_band,
			is_duplicate, duplicate_of, payload_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.MatchID, wingID, m.AnchorSourceID, m.AnchorInstant.UnixNano(),
		m.MatchScore, m.NormalizedScore, m.ConfidenceScore, m.ConfidenceBand,
		m.IsDuplicate, m.DuplicateOf, string(payload), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("persist: insert match: %w", err)
	}
	return nil
}

// MatchesForWing reads back every match persisted under wingID, decoded
// from their full JSON payload, in insertion order. Used by a
// retrospective rescoring pass that needs the complete record set
// rather than just the summary columns.
func (s *SQLiteStore) MatchesForWing(ctx context.Context, wingID string) ([]model.CorrelationMatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM matches WHERE wing_id = ? ORDER BY created_at`, wingID)
	if err != nil {
		return nil, fmt.Errorf("persist: query matches for wing: %w", err)
	}
	defer rows.Close()

	var out []model.CorrelationMatch
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m model.CorrelationMatch
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("persist: unmarshal match payload: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

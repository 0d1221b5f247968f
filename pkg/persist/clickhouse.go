// clickhouse.go is an optional analytics-export sink for finalized
// correlation matches, batch-writing through one prepared statement
// per transaction.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"github.com/forensiclab/wingcorrelate/pkg/model"
)

// ClickHouseExporter writes finalized matches to a ClickHouse
// wide table for downstream dashboards.
type ClickHouseExporter struct {
	db *sql.DB
}

// ClickHouseConfig holds connection and pool tunables for the export
// sink.
type ClickHouseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewClickHouseExporter opens a pooled ClickHouse connection.
func NewClickHouseExporter(cfg ClickHouseConfig) (*ClickHouseExporter, error) {
	db, err := sql.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("persist: open clickhouse: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("persist: ping clickhouse: %w", err)
	}
	return &ClickHouseExporter{db: db}, nil
}

// Close releases the pooled connection.
func (c *ClickHouseExporter) Close() error { return c.db.Close() }

// WriteBatch exports a batch of finalized matches in a single
// transaction.
func (c *ClickHouseExporter) WriteBatch(ctx context.Context, wingID string, matches []model.CorrelationMatch) error {
	if len(matches) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist: begin clickhouse tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO correlation_matches (
			match_id, wing_id, anchor_source_id, anchor_artifact_type,
			anchor_timestamp, match_score, normalized_score,
			confidence_score, confidence_band, is_duplicate,
			source_ids, semantic_tags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("persist: prepare clickhouse insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range matches {
		matchID := m.MatchID
		if matchID == "" {
			matchID = uuid.New().String()
		}

		sourceIDs := make([]string, 0, len(m.Records))
		for sourceID := range m.Records {
			sourceIDs = append(sourceIDs, sourceID)
		}

		tags := make([]string, 0, len(m.SemanticData))
		for _, v := range m.SemanticData {
			tags = append(tags, v)
		}

		semanticJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("persist: marshal semantic tags: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			matchID, wingID, m.AnchorSourceID, m.AnchorArtifactType,
			m.AnchorInstant, m.MatchScore, m.NormalizedScore,
			m.ConfidenceScore, m.ConfidenceBand, m.IsDuplicate,
			sourceIDs, string(semanticJSON),
		); err != nil {
			return fmt.Errorf("persist: insert clickhouse match: %w", err)
		}
	}

	return tx.Commit()
}

// Package errs classifies run-time failures into the error taxonomy a
// run reports against, tracks a rolling health score, and retains a
// bounded history of recent errors for post-run diagnostics.
package errs

import (
	"sync"
	"time"

	"github.com/forensiclab/wingcorrelate/pkg/metrics"
)

// Category is the top-level bucket a failure is classified into.
type Category string

const (
	Database      Category = "database"
	Timestamp     Category = "timestamp"
	Memory        Category = "memory"
	Configuration Category = "configuration"
	Processing    Category = "processing"
	System        Category = "system"
)

// Severity ranks how much a single error should weigh against the
// run's health score.
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

var severityWeight = map[Severity]float64{
	Low:      1,
	Medium:   3,
	High:     7,
	Critical: 15,
}

// Entry is one recorded failure.
type Entry struct {
	Category  Category
	Severity  Severity
	Message   string
	SourceID  string
	Timestamp time.Time
}

// retentionWindow bounds how long entries are kept before aging out of
// the history.
const retentionWindow = 7 * 24 * time.Hour

// Coordinator aggregates errors across a run, computing a health score
// and picking a recovery strategy per category.
type Coordinator struct {
	mu      sync.Mutex
	history []Entry
	counts  map[Category]int
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{counts: make(map[Category]int)}
}

// Record appends an entry, classified by category and severity, and
// prunes entries older than the retention window.
func (c *Coordinator) Record(category Category, severity Severity, message, sourceID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, Entry{Category: category, Severity: severity, Message: message, SourceID: sourceID, Timestamp: at})
	c.counts[category]++
	metrics.ErrorsTotal.WithLabelValues(string(category), string(severity)).Inc()

	cutoff := at.Add(-retentionWindow)
	kept := c.history[:0]
	for _, e := range c.history {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.history = kept
}

// HealthScore returns a 0-100 score, 100 being error-free, derived from
// the weighted severity of all currently retained entries.
func (c *Coordinator) HealthScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0.0
	for _, e := range c.history {
		total += severityWeight[e.Severity]
	}
	score := 100 - total
	if score < 0 {
		score = 0
	}
	return score
}

// CountByCategory returns how many errors of category have been
// recorded across the coordinator's lifetime (not pruned by retention).
func (c *Coordinator) CountByCategory(category Category) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[category]
}

// RecoveryStrategy describes what the caller should do after an error
// in the given category: retry the operation, skip the offending unit
// of work, or abort the run entirely.
type RecoveryStrategy string

const (
	RecoveryRetry RecoveryStrategy = "retry"
	RecoverySkip  RecoveryStrategy = "skip"
	RecoveryAbort RecoveryStrategy = "abort"
)

// Strategy returns the default recovery posture for a category and
// severity pair: critical errors in any category abort,
// configuration errors never retry (they won't resolve on their own),
// and everything else retries before degrading to skip.
func Strategy(category Category, severity Severity) RecoveryStrategy {
	if severity == Critical {
		return RecoveryAbort
	}
	if category == Configuration {
		return RecoverySkip
	}
	return RecoveryRetry
}

// Errors renders the retained history's messages, used to populate
// CorrelationResult.Errors.
func (c *Coordinator) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.history))
	for _, e := range c.history {
		out = append(out, string(e.Category)+": "+e.Message)
	}
	return out
}

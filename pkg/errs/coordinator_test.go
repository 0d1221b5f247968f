package errs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoordinator_HealthScoreStartsAt100(t *testing.T) {
	c := NewCoordinator()
	assert.Equal(t, 100.0, c.HealthScore())
}

func TestCoordinator_HealthScoreDeductsWeightedSeverity(t *testing.T) {
	c := NewCoordinator()
	now := time.Now()
	c.Record(Database, Medium, "retry exhausted", "src1", now)
	c.Record(Processing, High, "combination build failed", "src2", now)
	assert.Equal(t, 100.0-3-7, c.HealthScore())
}

func TestCoordinator_HealthScoreClampsAtZero(t *testing.T) {
	c := NewCoordinator()
	now := time.Now()
	for i := 0; i < 10; i++ {
		c.Record(System, Critical, "fatal", "", now)
	}
	assert.Equal(t, 0.0, c.HealthScore())
}

func TestCoordinator_CountByCategoryNotPrunedByRetention(t *testing.T) {
	c := NewCoordinator()
	old := time.Now().Add(-30 * 24 * time.Hour)
	c.Record(Timestamp, Low, "parse failed", "src1", old)
	// history is pruned on the next Record call since it ages on write,
	// but the lifetime count must still reflect everything ever recorded.
	c.Record(Timestamp, Low, "parse failed again", "src1", time.Now())
	assert.Equal(t, 2, c.CountByCategory(Timestamp))
}

func TestCoordinator_RetentionWindowPrunesOldEntries(t *testing.T) {
	c := NewCoordinator()
	old := time.Now().Add(-8 * 24 * time.Hour)
	c.Record(Memory, High, "stale entry", "", old)
	c.Record(Memory, Low, "fresh entry", "", time.Now())

	errorsOut := c.Errors()
	assert.Len(t, errorsOut, 1)
	assert.Contains(t, errorsOut[0], "fresh entry")
}

func TestCoordinator_ErrorsFormatsCategoryAndMessage(t *testing.T) {
	c := NewCoordinator()
	c.Record(Configuration, Low, "missing source", "", time.Now())
	assert.Equal(t, []string{"configuration: missing source"}, c.Errors())
}

func TestStrategy_CriticalAlwaysAborts(t *testing.T) {
	assert.Equal(t, RecoveryAbort, Strategy(Database, Critical))
	assert.Equal(t, RecoveryAbort, Strategy(Configuration, Critical))
}

func TestStrategy_ConfigurationSkipsUnlessCritical(t *testing.T) {
	assert.Equal(t, RecoverySkip, Strategy(Configuration, Low))
	assert.Equal(t, RecoverySkip, Strategy(Configuration, High))
}

func TestStrategy_OthersRetry(t *testing.T) {
	assert.Equal(t, RecoveryRetry, Strategy(Database, Medium))
	assert.Equal(t, RecoveryRetry, Strategy(Processing, Low))
}

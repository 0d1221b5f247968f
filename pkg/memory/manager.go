// Package memory tracks process memory usage during a run and decides
// when the scheduler must fall back to streaming mode to stay under a
// configured ceiling.
package memory

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Manager samples RSS-equivalent memory (Go heap + sys memory via
// runtime.MemStats, the closest portable proxy available without a
// cgo/procfs dependency) and tracks whether streaming mode has been
// engaged.
type Manager struct {
	limitBytes uint64
	streaming  int32 // atomic bool

	// systemMemory reads (free, total) system memory; overridable in
	// tests. Returns zeros when the platform offers no readable source.
	systemMemory func() (free, total uint64)

	mu          sync.Mutex
	peakBytes   uint64
	sampleCount uint64
	totalWindowsProcessed uint64
	totalRecordsProcessed uint64
}

// streamingUsageFraction is the "usage > 85% of limit" trigger.
const streamingUsageFraction = 0.85

// efficiencyStreamingThresholdMB is the "efficiency > 10 MB per
// 1000 records" trigger: a run churning through memory faster than
// this per batch of records is flipped into streaming mode even before
// it breaches the hard limit.
const efficiencyStreamingThresholdMB = 10.0

// minSystemFreeBytes is the "system free < 500MB" trigger: streaming
// engages when the whole machine is short on memory even if this
// process is still under its own limit.
const minSystemFreeBytes = 500 * 1024 * 1024

// systemFreeBuffer is the window-refusal floor: a new window is refused
// while the system's free memory is below this fraction of total.
const systemFreeBuffer = 0.20

// NewManager creates a Manager enforcing limitMB as the soft ceiling.
func NewManager(limitMB int) *Manager {
	return &Manager{
		limitBytes:   uint64(limitMB) * 1024 * 1024,
		systemMemory: readSystemMemory,
	}
}

// LimitBytes returns the configured memory ceiling.
func (m *Manager) LimitBytes() uint64 { return m.limitBytes }

// ForceSystemMemory pins the system free/total reading to fixed values,
// replacing the /proc/meminfo reader. For tests and for callers that
// probe system memory through another channel.
func (m *Manager) ForceSystemMemory(free, total uint64) {
	m.systemMemory = func() (uint64, uint64) { return free, total }
}

// readSystemMemory parses MemAvailable/MemTotal out of /proc/meminfo.
// Returns zeros on platforms without it, which disables the
// system-level triggers rather than guessing.
func readSystemMemory() (free, total uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemAvailable:":
			free = kb * 1024
		case "MemTotal:":
			total = kb * 1024
		}
		if free > 0 && total > 0 {
			break
		}
	}
	return free, total
}

// Sample reads current memory usage, updates the peak, and returns the
// current usage in bytes.
func (m *Manager) Sample() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	usage := stats.Sys

	m.mu.Lock()
	if usage > m.peakBytes {
		m.peakBytes = usage
	}
	m.sampleCount++
	m.mu.Unlock()

	return usage
}

// ShouldStream reports whether any of the streaming triggers
// fired for the current sample: usage at or over the hard limit, usage
// at or over 85% of it, more than 10MB of peak memory per 1000 records
// processed, or system free memory under 500MB. Once any trigger fires
// the streaming state latches on (see IsStreaming).
func (m *Manager) ShouldStream(usage uint64) bool {
	over := usage >= m.limitBytes
	nearLimit := m.limitBytes > 0 && float64(usage) >= streamingUsageFraction*float64(m.limitBytes)
	poorEfficiency := m.perThousandRecordsMB() > efficiencyStreamingThresholdMB
	sysFree, _ := m.systemMemory()
	systemLow := sysFree > 0 && sysFree < minSystemFreeBytes
	if over || nearLimit || poorEfficiency || systemLow {
		atomic.StoreInt32(&m.streaming, 1)
		return true
	}
	return false
}

// CanStartWindow is the pre-window pressure check: a window is refused
// when current usage already exceeds the process limit or the system's
// free memory has fallen below the 20% buffer. The caller may force a
// GC and re-check once before giving up on the window.
func (m *Manager) CanStartWindow() (ok bool, reason string) {
	usage := m.Sample()
	if m.limitBytes > 0 && usage > m.limitBytes {
		return false, "memory usage over configured limit"
	}
	sysFree, sysTotal := m.systemMemory()
	if sysTotal > 0 && float64(sysFree) < systemFreeBuffer*float64(sysTotal) {
		return false, "system free memory below 20% buffer"
	}
	return true, ""
}

// IsStreaming reports the latched streaming-mode state. Once entered,
// a run does not leave streaming mode; the degradation is one-way.
func (m *Manager) IsStreaming() bool {
	return atomic.LoadInt32(&m.streaming) == 1
}

// RecordWindowProcessed increments the processed-window counter and
// accrues recordCount toward the MB-per-1000-records efficiency metric.
func (m *Manager) RecordWindowProcessed(recordCount int) {
	m.mu.Lock()
	m.totalWindowsProcessed++
	m.totalRecordsProcessed += uint64(recordCount)
	m.mu.Unlock()
}

// Efficiency reports windows processed per MB of peak memory observed,
// a rough throughput-per-resource metric surfaced in run statistics.
func (m *Manager) Efficiency() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peakBytes == 0 {
		return 0
	}
	peakMB := float64(m.peakBytes) / (1024 * 1024)
	return float64(m.totalWindowsProcessed) / peakMB
}

// perThousandRecordsMB is the rolling efficiency metric: MB of
// peak memory observed per 1000 records processed so far. Zero while
// no records have been counted yet (too early to judge).
func (m *Manager) perThousandRecordsMB() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalRecordsProcessed == 0 {
		return 0
	}
	peakMB := float64(m.peakBytes) / (1024 * 1024)
	return peakMB / (float64(m.totalRecordsProcessed) / 1000)
}

// PeakBytes returns the highest memory sample observed so far.
func (m *Manager) PeakBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakBytes
}

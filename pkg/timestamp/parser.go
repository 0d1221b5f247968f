// Package timestamp detects timestamp columns in heterogeneous forensic
// artifact tables and parses values in any of the encodings those
// artifacts use into a single UTC instant.
package timestamp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseError is returned when every parsing strategy rejects a value.
type ParseError struct {
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("timestamp: no strategy could parse %q", e.Value)
}

// namePatterns is the ordered list used by column detection: artifact-
// specific names are tried before the generic catch-alls.
var namePatterns = []string{
	"last_run_time", "install_date", "time_creation", "eventtimestamputc",
	"last_modified", "run_times", "created_time", "modified_time",
	"accessed_time", "execution_time", "first_run", "last_run",
	"time", "date", "ts", "timestamp",
}

// strptimeForms are the fixed catalogue of explicit layouts tried after
// ISO-8601 parsing fails, expressed as Go reference-time layouts.
var strptimeForms = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"02/01/2006 15:04:05",
	"01/02/2006",
	"02/01/2006",
	"20060102150405",
	"Mon Jan 02 15:04:05 2006",
	"Mon Jan 2 15:04:05 2006",
}

const (
	minYear = 1970
	maxYear = 2100
)

// windowsFileTimeEpochOffset is the number of 100ns ticks between the
// Windows FILETIME epoch (1601-01-01) and the Unix epoch (1970-01-01).
const windowsFileTimeEpochOffset = int64(116444736000000000)

// Candidate describes one detected timestamp column and its observed
// parse success rate.
type Candidate struct {
	Column      string
	SuccessRate float64
}

// DetectColumn inspects up to 100 sample rows (map[column]any) and
// returns candidate timestamp columns ranked by parse-success
// percentage, name-pattern priority first. Returns an empty slice when
// no column produces any valid parse.
func DetectColumn(samples []map[string]any) []Candidate {
	if len(samples) == 0 {
		return nil
	}
	if len(samples) > 100 {
		samples = samples[:100]
	}

	columns := map[string]bool{}
	for _, row := range samples {
		for col := range row {
			columns[col] = true
		}
	}

	type scored struct {
		column   string
		priority int
		success  float64
	}
	var results []scored

	for col := range columns {
		priority := namePriority(col)
		hits := 0
		total := 0
		for _, row := range samples {
			v, ok := row[col]
			if !ok || v == nil {
				continue
			}
			total++
			if _, err := ParseValue(v); err == nil {
				hits++
			} else if instants, _, ok := ExpandArray(v); ok && len(instants) > 0 {
				hits++
			}
		}
		if total == 0 || hits == 0 {
			continue
		}
		results = append(results, scored{column: col, priority: priority, success: float64(hits) / float64(total)})
	}

	// Sort by name-priority first (lower index = higher priority), then
	// by descending success rate.
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 {
			a, b := results[j-1], results[j]
			less := a.priority > b.priority || (a.priority == b.priority && a.success < b.success)
			if !less {
				break
			}
			results[j-1], results[j] = results[j], results[j-1]
			j--
		}
	}

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{Column: r.column, SuccessRate: r.success})
	}
	return out
}

// namePriority returns the index of col in namePatterns (case-insensitive
// substring match), or len(namePatterns) if no pattern matches.
func namePriority(col string) int {
	lc := strings.ToLower(col)
	for i, p := range namePatterns {
		if strings.Contains(lc, p) {
			return i
		}
	}
	return len(namePatterns)
}

// ParseValue parses a single raw column value into a UTC instant,
// trying numeric encodings, ISO-8601, then the strptime catalogue, in
// that order. Returns *ParseError when every strategy rejects the
// value.
func ParseValue(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case json.Number:
		return parseNumeric(string(val))
	case float64:
		return parseNumeric(strconv.FormatFloat(val, 'f', -1, 64))
	case int64:
		return parseNumeric(strconv.FormatInt(val, 10))
	case int:
		return parseNumeric(strconv.Itoa(val))
	case string:
		return parseString(val)
	default:
		return time.Time{}, &ParseError{Value: fmt.Sprintf("%v", v)}
	}
}

func parseString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, &ParseError{Value: s}
	}

	if t, err := parseNumeric(s); err == nil {
		return t, nil
	}

	isoLayouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return validateYear(t.UTC(), s)
		}
	}

	for _, layout := range strptimeForms {
		if t, err := time.Parse(layout, s); err == nil {
			return validateYear(t.UTC(), s)
		}
	}

	return time.Time{}, &ParseError{Value: s}
}

func parseNumeric(s string) (time.Time, error) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, &ParseError{Value: s}
	}

	var t time.Time
	switch {
	case n > 1e13:
		// Windows FILETIME: 100ns ticks since 1601-01-01.
		ticks := int64(n)
		unixNanos := (ticks - windowsFileTimeEpochOffset) * 100
		t = time.Unix(0, unixNanos).UTC()
	case n > 1e10:
		t = time.UnixMilli(int64(n)).UTC()
	default:
		t = time.Unix(int64(n), 0).UTC()
	}
	return validateYear(t, s)
}

func validateYear(t time.Time, original string) (time.Time, error) {
	y := t.Year()
	if y < minYear || y > maxYear {
		return time.Time{}, &ParseError{Value: original}
	}
	return t, nil
}

// ExpandArray checks whether v is a JSON array of timestamp values (e.g.
// Prefetch run_times) and, if so, parses each element, returning one
// instant per element plus a marker preserving the original array text.
// ok is false when v is not an array.
func ExpandArray(v any) (instants []time.Time, rawArray string, ok bool) {
	arr, isSlice := v.([]any)
	if !isSlice {
		// A source database column stores JSON as TEXT, so a SQL driver
		// hands back the array as its serialized string form rather than
		// a decoded []any; try that before giving up.
		s, isString := v.(string)
		if !isString {
			return nil, "", false
		}
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "[") {
			return nil, "", false
		}
		if err := json.Unmarshal([]byte(s), &arr); err != nil {
			return nil, "", false
		}
	}
	raw, _ := json.Marshal(arr)
	for _, elem := range arr {
		t, err := ParseValue(elem)
		if err != nil {
			continue
		}
		instants = append(instants, t)
	}
	return instants, string(raw), true
}

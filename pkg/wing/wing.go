// Package wing loads and validates Wing documents: the correlation
// recipes that bind artifact sources, timing rules, scoring, and
// semantic rules into a single run configuration.
package wing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Wing is the correlation recipe consumed by one engine run.
type Wing struct {
	WingID      string `yaml:"wing_id"`
	WingName    string `yaml:"wing_name"`
	Author      string `yaml:"author"`
	CreatedAt   string `yaml:"created_at"`
	Description string `yaml:"description"`
	Proves      string `yaml:"proves"`

	Sources []SourceRef `yaml:"sources"`
	Rules   Rules       `yaml:"rules"`

	AnchorPriority []string `yaml:"anchor_priority"`

	Scoring ScoringConfig `yaml:"scoring"`

	SemanticMappings []SemanticMapping `yaml:"semantic_mappings"`
	SemanticRules    []SemanticRule    `yaml:"semantic_rules"`
}

// SourceRef references one artifact database participating in the run.
type SourceRef struct {
	SourceID     string  `yaml:"source_id"`
	ArtifactType string  `yaml:"artifact_type"`
	DatabasePath string  `yaml:"database_path"`
	Weight       float64 `yaml:"weight"`
	Tier         int     `yaml:"tier"`
	TierName     string  `yaml:"tier_name"`
}

// Rules are the timing and applicability rules for the run.
type Rules struct {
	WindowMinutes     int    `yaml:"window_minutes"`
	MinimumMatches    int    `yaml:"minimum_matches"`
	MaxTimeRangeYears int    `yaml:"max_time_range_years"`
	ApplyTo           string `yaml:"apply_to"` // "all" | "specific"
	TargetApplication string `yaml:"target_application"`
	TargetFilePath    string `yaml:"target_file_path"`
	TargetEventID     string `yaml:"target_event_id"`
}

// ScoreBand is one entry of the score_interpretation list. Bands are
// sorted by descending Min; the first band whose Min <= raw_score wins.
type ScoreBand struct {
	Name  string  `yaml:"name"`
	Min   float64 `yaml:"min"`
	Label string  `yaml:"label"`
}

// ScoringConfig selects between simple-count scoring and weighted scoring
// with explicit interpretation bands.
type ScoringConfig struct {
	Enabled            bool        `yaml:"enabled"`
	ScoreInterpretation []ScoreBand `yaml:"score_interpretation"`
}

// SemanticMapping substitutes a technical field value with a semantic
// label for a given (source, field) pair before semantic rules run.
type SemanticMapping struct {
	SourceID      string `yaml:"source_id"`
	Field         string `yaml:"field"`
	TechnicalValue string `yaml:"technical_value"`
	SemanticValue string `yaml:"semantic_value"`
}

// SemanticRule is an AND/OR tree of wildcard field conditions that
// produces a normalized semantic tag when it matches a merged record.
type SemanticRule struct {
	Tag  string        `yaml:"tag"`
	Tree ConditionNode `yaml:"tree"`
}

// ConditionNode is either a leaf (Field/Pattern set) or an internal node
// (Op + Children set). Exactly one of the two forms is populated.
type ConditionNode struct {
	Op       string          `yaml:"op"` // "and" | "or"
	Children []ConditionNode `yaml:"children"`
	Field    string          `yaml:"field"`
	Pattern  string          `yaml:"pattern"` // glob-style wildcard
}

// IsLeaf reports whether this node is a field/pattern leaf rather than
// an AND/OR combinator.
func (c ConditionNode) IsLeaf() bool {
	return c.Op == "" && len(c.Children) == 0
}

// Load reads and parses a Wing document from path and validates it.
func Load(path string) (*Wing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wing file %s: %w", path, err)
	}
	var w Wing
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse wing file %s: %w", path, err)
	}
	if err := Validate(&w); err != nil {
		return nil, fmt.Errorf("invalid wing %s: %w", w.WingID, err)
	}
	return &w, nil
}

// Validate checks the structural invariants required before a run may
// begin. Configuration errors abort the run before loading any source.
func Validate(w *Wing) error {
	if w.WingID == "" {
		return fmt.Errorf("wing_id is required")
	}
	if len(w.Sources) == 0 {
		return fmt.Errorf("wing must reference at least one source")
	}
	seen := make(map[string]bool, len(w.Sources))
	for _, s := range w.Sources {
		if s.SourceID == "" {
			return fmt.Errorf("source missing source_id")
		}
		if seen[s.SourceID] {
			return fmt.Errorf("duplicate source_id %q", s.SourceID)
		}
		seen[s.SourceID] = true
		if s.DatabasePath == "" {
			return fmt.Errorf("source %q missing database_path", s.SourceID)
		}
		if s.Weight < 0 || s.Weight > 1 {
			return fmt.Errorf("source %q weight %.3f out of [0,1]", s.SourceID, s.Weight)
		}
	}
	if w.Rules.WindowMinutes <= 0 {
		return fmt.Errorf("rules.window_minutes must be > 0")
	}
	if w.Rules.MinimumMatches < 1 {
		return fmt.Errorf("rules.minimum_matches must be >= 1")
	}
	if w.Rules.MinimumMatches > len(w.Sources) {
		return fmt.Errorf("rules.minimum_matches (%d) exceeds source count (%d)", w.Rules.MinimumMatches, len(w.Sources))
	}
	if w.Rules.MaxTimeRangeYears <= 0 {
		return fmt.Errorf("rules.max_time_range_years must be > 0")
	}
	switch w.Rules.ApplyTo {
	case "", "all", "specific":
	default:
		return fmt.Errorf("rules.apply_to must be 'all' or 'specific', got %q", w.Rules.ApplyTo)
	}
	if w.Scoring.Enabled {
		bands := w.Scoring.ScoreInterpretation
		for i := 1; i < len(bands); i++ {
			if bands[i].Min > bands[i-1].Min {
				return fmt.Errorf("score_interpretation must be sorted by descending min")
			}
		}
	}
	return nil
}

// SourceWeight returns the configured weight for sourceID, defaulting to
// 1.0 when unspecified (unweighted participation).
func (w *Wing) SourceWeight(sourceID string) float64 {
	for _, s := range w.Sources {
		if s.SourceID == sourceID {
			if s.Weight == 0 {
				return 1.0
			}
			return s.Weight
		}
	}
	return 1.0
}

// ArtifactType returns the declared artifact type for sourceID, or ""
// if the Wing references no such source.
func (w *Wing) ArtifactType(sourceID string) string {
	for _, s := range w.Sources {
		if s.SourceID == sourceID {
			return s.ArtifactType
		}
	}
	return ""
}

// TotalWeight sums the configured weight of every source in the wing,
// used to normalize a raw weighted score for display.
func (w *Wing) TotalWeight() float64 {
	total := 0.0
	for _, s := range w.Sources {
		if s.Weight == 0 {
			total += 1.0
		} else {
			total += s.Weight
		}
	}
	return total
}

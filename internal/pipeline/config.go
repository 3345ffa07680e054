package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/trialops/ptd/internal/rules"
)

// Per-stage configuration. Every pattern, keyword, marker, and threshold the
// pipeline consults is injected through these structs; nothing is hardcoded.
// Each stage config file is optional on disk (defaults apply, with a logged
// warning, matching the behavior of the original generator), but semantic
// validation failures are fatal ConfigurationErrors.

// SoAConfig drives the Schedule-of-Activities extractor.
type SoAConfig struct {
	VisitPatterns        []string        `mapstructure:"visit_patterns"`
	MinVisitMatches      int             `mapstructure:"min_visit_matches"`
	SectionBreakKeywords []string        `mapstructure:"section_break_keywords"`
	CellMarkers          map[string]bool `mapstructure:"cell_markers"`
	ExcludePatterns      []string        `mapstructure:"exclude_patterns"`
	OnDuplicate          string          `mapstructure:"on_duplicate"`
}

// FormsConfig drives the eCRF form extractor.
type FormsConfig struct {
	TriggerPatterns []rules.Pattern `mapstructure:"trigger_patterns"`
	DefaultCategory string          `mapstructure:"default_category"`
	VisitPatterns   []string        `mapstructure:"visit_patterns"`
	FormNamePattern string          `mapstructure:"form_name_validation_pattern"`
}

// MatrixConfig drives the fuzzy cross-match between activities and forms.
type MatrixConfig struct {
	FuzzyThreshold  float64  `mapstructure:"fuzzy_threshold"`
	IncludeUnmapped bool     `mapstructure:"include_unmapped"`
	VisitOrdering   []string `mapstructure:"visit_ordering"`
}

// GroupDef names one configured visit group and its member visits.
type GroupDef struct {
	GroupID   string   `mapstructure:"group_id"`
	GroupName string   `mapstructure:"group_name"`
	VisitIDs  []string `mapstructure:"visit_ids"`
}

// OffsetRule assigns scheduling-window offsets to visits whose ID matches the
// rule's pattern. Rules are evaluated in order, first match wins.
type OffsetRule struct {
	Pattern     string `mapstructure:"pattern"`
	OffsetType  string `mapstructure:"offset_type"`
	OffsetDays  int    `mapstructure:"offset_days"`
	WindowStart int    `mapstructure:"window_start"`
	WindowEnd   int    `mapstructure:"window_end"`
}

// WindowDelta adjusts an inherited window for extension visits.
type WindowDelta struct {
	StartDelta int `mapstructure:"start_delta"`
	EndDelta   int `mapstructure:"end_delta"`
}

// EventsConfig drives visit grouping and window computation.
type EventsConfig struct {
	Groups            []GroupDef   `mapstructure:"event_groups"`
	ExtensionPatterns []string     `mapstructure:"extension_patterns"`
	OffsetRules       []OffsetRule `mapstructure:"offset_rules"`
	ExtensionWindow   WindowDelta  `mapstructure:"extension_window"`
}

// LayoutConfig drives the presentation grid.
type LayoutConfig struct {
	EventNameMapping map[string]string `mapstructure:"event_name_mapping"`
	LeftColumns      []string          `mapstructure:"left_columns"`
}

// StageConfigs bundles the validated configuration of every stage.
type StageConfigs struct {
	SoA    SoAConfig
	Forms  FormsConfig
	Matrix MatrixConfig
	Events EventsConfig
	Layout LayoutConfig
}

// Stage config file names inside the config directory. These are a stable
// contract with deployment tooling.
const (
	soaConfigFile    = "soa_parser.json"
	formsConfigFile  = "form_extractor.json"
	matrixConfigFile = "common_matrix.json"
	eventsConfigFile = "event_grouping.json"
	layoutConfigFile = "schedule_layout.json"
)

// DefaultStageConfigs returns the built-in configuration used when no config
// files are present.
func DefaultStageConfigs() StageConfigs {
	return StageConfigs{
		SoA: SoAConfig{
			VisitPatterns:        []string{`\bV\s*\d+\b`, `\bVisit\s*\d+\b`, `\bScreening\b`, `\bBaseline\b`, `\bEOT\b`, `\bFollow[- ]?up\b`},
			MinVisitMatches:      2,
			SectionBreakKeywords: []string{"procedures", "assessments", "laboratory", "questionnaires"},
			CellMarkers:          map[string]bool{"X": true, "x": true, "✓": true, "Yes": true},
			ExcludePatterns:      []string{`^\s*$`, `^(?:visit|week|day)\b`, `footnote`},
			OnDuplicate:          "last",
		},
		Forms: FormsConfig{
			TriggerPatterns: []rules.Pattern{
				{Pattern: `\blibrary\b`, Result: "Library"},
				{Pattern: `\blab\b|\blaboratory\b`, Result: "Central Lab"},
			},
			DefaultCategory: "Study Specific",
			VisitPatterns:   []string{`\bV\d+E\d+\b`, `\bV\d+\b`, `\bVisit\s*\d+\b`, `\bScreening\b`},
			FormNamePattern: `^[A-Za-z][\w\s\-/(),.]*$`,
		},
		Matrix: MatrixConfig{
			FuzzyThreshold:  0.6,
			IncludeUnmapped: true,
		},
		Events: EventsConfig{
			ExtensionPatterns: []string{`\b(V\d+)E\d+\b`},
		},
		Layout: LayoutConfig{
			EventNameMapping: map[string]string{
				"screening": "SCRN",
				"random":    "RAND",
				"rtsm":      "RTSM",
				"visit":     "V%d",
				"phone":     "P%d",
			},
			LeftColumns: []string{"Form Label", "Form Name", "Source"},
		},
	}
}

// LoadStageConfigs reads the per-stage JSON config files from dir, applying
// defaults for any file that is absent (logged, not fatal — the original
// generator behaves the same way) and validating the result.
func LoadStageConfigs(dir string, log zerolog.Logger) (*StageConfigs, error) {
	cfg := DefaultStageConfigs()

	files := []struct {
		name string
		dst  interface{}
	}{
		{soaConfigFile, &cfg.SoA},
		{formsConfigFile, &cfg.Forms},
		{matrixConfigFile, &cfg.Matrix},
		{eventsConfigFile, &cfg.Events},
		{layoutConfigFile, &cfg.Layout},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if _, err := os.Stat(path); err != nil {
			log.Warn().Str("file", path).Msg("stage config not found, using defaults")
			continue
		}
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read stage config %s: %w", path, err)
		}
		if err := v.Unmarshal(f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal stage config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every stage config for semantic errors. Validation runs
// before any document is read.
func (c *StageConfigs) Validate() error {
	if len(c.SoA.VisitPatterns) == 0 {
		return &ConfigurationError{Stage: "soa_parser", Key: "visit_patterns", Reason: "at least one pattern is required"}
	}
	if c.SoA.MinVisitMatches < 1 {
		return &ConfigurationError{Stage: "soa_parser", Key: "min_visit_matches", Reason: "must be >= 1"}
	}
	if len(c.SoA.CellMarkers) == 0 {
		return &ConfigurationError{Stage: "soa_parser", Key: "cell_markers", Reason: "at least one marker is required"}
	}
	switch c.SoA.OnDuplicate {
	case "", "last", "first":
	default:
		return &ConfigurationError{Stage: "soa_parser", Key: "on_duplicate", Reason: fmt.Sprintf("must be \"last\" or \"first\", got %q", c.SoA.OnDuplicate)}
	}

	if c.Forms.DefaultCategory == "" {
		return &ConfigurationError{Stage: "form_extractor", Key: "default_category", Reason: "is required"}
	}
	if c.Forms.FormNamePattern == "" {
		return &ConfigurationError{Stage: "form_extractor", Key: "form_name_validation_pattern", Reason: "is required"}
	}

	if c.Matrix.FuzzyThreshold < 0 || c.Matrix.FuzzyThreshold > 1 {
		return &ConfigurationError{Stage: "common_matrix", Key: "fuzzy_threshold", Reason: fmt.Sprintf("must be in [0,1], got %v", c.Matrix.FuzzyThreshold)}
	}

	seen := map[string]string{}
	for _, g := range c.Events.Groups {
		if g.GroupID == "" {
			return &ConfigurationError{Stage: "event_grouping", Key: "event_groups", Reason: "group_id is required"}
		}
		for _, v := range g.VisitIDs {
			if prev, ok := seen[v]; ok && prev != g.GroupID {
				return &ConfigurationError{Stage: "event_grouping", Key: "event_groups",
					Reason: fmt.Sprintf("visit %q listed in groups %q and %q", v, prev, g.GroupID)}
			}
			seen[v] = g.GroupID
		}
	}
	for _, r := range c.Events.OffsetRules {
		if r.WindowEnd < r.WindowStart {
			return &ConfigurationError{Stage: "event_grouping", Key: "offset_rules",
				Reason: fmt.Sprintf("pattern %q: window_end (%d) < window_start (%d)", r.Pattern, r.WindowEnd, r.WindowStart)}
		}
	}
	return nil
}

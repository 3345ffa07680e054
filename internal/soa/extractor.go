// Package soa extracts the protocol's Schedule of Activities into a
// normalized long-form activities-by-visit table.
package soa

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/trialops/ptd/internal/document"
	"github.com/trialops/ptd/internal/pipeline"
	"github.com/trialops/ptd/internal/rules"
)

// ActivityRow is one (procedure, visit) cell of the Schedule of Activities.
// Rows are immutable once emitted.
type ActivityRow struct {
	ProcedureName string
	VisitID       string
	Performed     bool
	RawMarker     string
	Category      string
}

// Result is the extractor's output: the ordered visit header plus the
// long-form activity rows.
type Result struct {
	Visits []string
	Rows   []ActivityRow
}

// Extractor parses SoA tables out of a hierarchical protocol document.
type Extractor struct {
	visitRes   []*regexp.Regexp
	minMatches int
	breaks     []string
	markers    map[string]bool
	excludes   []*regexp.Regexp
	onDup      string
	log        zerolog.Logger
}

// NewExtractor compiles the stage configuration. Pattern compilation errors
// are configuration errors.
func NewExtractor(cfg pipeline.SoAConfig, log zerolog.Logger) (*Extractor, error) {
	visitRes, err := rules.CompileList(cfg.VisitPatterns)
	if err != nil {
		return nil, &pipeline.ConfigurationError{Stage: "soa_parser", Key: "visit_patterns", Reason: err.Error()}
	}
	excludes, err := rules.CompileList(cfg.ExcludePatterns)
	if err != nil {
		return nil, &pipeline.ConfigurationError{Stage: "soa_parser", Key: "exclude_patterns", Reason: err.Error()}
	}
	breaks := make([]string, 0, len(cfg.SectionBreakKeywords))
	for _, k := range cfg.SectionBreakKeywords {
		breaks = append(breaks, strings.ToLower(strings.TrimSpace(k)))
	}
	onDup := cfg.OnDuplicate
	if onDup == "" {
		onDup = "last"
	}
	return &Extractor{
		visitRes:   visitRes,
		minMatches: cfg.MinVisitMatches,
		breaks:     breaks,
		markers:    cfg.CellMarkers,
		excludes:   excludes,
		onDup:      onDup,
		log:        log,
	}, nil
}

// Extract walks every table in the document, adopts the first row in each
// that clears the visit-header threshold, and emits one ActivityRow per
// marked cell. Tables with no detectable header are skipped; a document with
// no usable table at all is a structure error.
func (e *Extractor) Extract(doc *document.Document) (*Result, error) {
	res := &Result{}
	seenVisit := map[string]bool{}
	rowIdx := map[string]int{}      // (procedure|visit) -> index in res.Rows
	firstCat := map[string]string{} // procedure -> category it was first seen under
	firstSection := ""
	found := false

	for _, table := range doc.Tables() {
		if firstSection == "" {
			firstSection = table.Section
		}
		header, visitCols := e.findHeader(table.Rows)
		if header < 0 {
			e.log.Debug().Str("section", table.Section).Msg("no visit header in table, skipping")
			continue
		}
		found = true
		for _, v := range visitCols {
			if !seenVisit[v.id] {
				seenVisit[v.id] = true
				res.Visits = append(res.Visits, v.id)
			}
		}

		category := ""
		for i := header + 1; i < len(table.Rows); i++ {
			row := table.Rows[i]
			if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
				e.log.Warn().Str("section", table.Section).Int("row", i).Msg("skipping row with empty procedure cell")
				continue
			}
			name := strings.TrimSpace(row[0])
			if e.isSectionBreak(name, row, visitCols) {
				category = name
				continue
			}
			if e.isExcluded(name) {
				e.log.Debug().Str("procedure", name).Msg("excluded procedure row")
				continue
			}
			emitted := name
			if cat, ok := firstCat[name]; ok {
				if cat != category && category != "" {
					// Same procedure name under a new category: qualify it so
					// the row key stays unambiguous.
					emitted = category + " - " + name
				}
			} else {
				firstCat[name] = category
			}
			for _, v := range visitCols {
				if v.col >= len(row) {
					continue
				}
				marker := strings.TrimSpace(row[v.col])
				if marker == "" {
					continue
				}
				e.emit(res, rowIdx, ActivityRow{
					ProcedureName: emitted,
					VisitID:       v.id,
					Performed:     e.markers[marker],
					RawMarker:     marker,
					Category:      category,
				})
			}
		}
	}

	if !found {
		if firstSection == "" {
			firstSection = "schedule of activities"
		}
		return nil, &pipeline.StructureNotFoundError{Stage: "soa_parser", Section: firstSection}
	}
	return res, nil
}

type visitCol struct {
	col int
	id  string
}

// findHeader returns the index of the first row where at least minMatches
// cells match a visit pattern, along with the visit columns it defines.
// Returns -1 when no row qualifies.
func (e *Extractor) findHeader(tableRows [][]string) (int, []visitCol) {
	for i, row := range tableRows {
		var cols []visitCol
		for c, cell := range row {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			for _, re := range e.visitRes {
				if re.MatchString(cell) {
					cols = append(cols, visitCol{col: c, id: cell})
					break
				}
			}
		}
		if len(cols) >= e.minMatches {
			return i, cols
		}
	}
	return -1, nil
}

// isSectionBreak reports whether a row starts a new logical sub-table. A
// break row names a procedure category and carries no visit markers.
func (e *Extractor) isSectionBreak(name string, row []string, visitCols []visitCol) bool {
	lower := strings.ToLower(name)
	matched := false
	for _, k := range e.breaks {
		if strings.Contains(lower, k) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, v := range visitCols {
		if v.col < len(row) && strings.TrimSpace(row[v.col]) != "" {
			return false
		}
	}
	return true
}

func (e *Extractor) isExcluded(name string) bool {
	for _, re := range e.excludes {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// emit appends a row, resolving duplicate (procedure, visit) keys per the
// configured policy. Both overwrite and skip are logged.
func (e *Extractor) emit(res *Result, rowIdx map[string]int, row ActivityRow) {
	key := row.ProcedureName + "\x00" + row.VisitID
	if i, ok := rowIdx[key]; ok {
		if e.onDup == "first" {
			e.log.Warn().Str("procedure", row.ProcedureName).Str("visit", row.VisitID).
				Msg("duplicate activity row, keeping first occurrence")
			return
		}
		e.log.Warn().Str("procedure", row.ProcedureName).Str("visit", row.VisitID).
			Msg("duplicate activity row, overwriting with later occurrence")
		res.Rows[i] = row
		return
	}
	rowIdx[key] = len(res.Rows)
	res.Rows = append(res.Rows, row)
}

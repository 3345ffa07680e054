// Package layout assembles the presentation-ready schedule grid from the
// grouped common matrix. Styling concerns live with whatever consumes the
// grid; this package only decides row and column content.
package layout

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/trialops/ptd/internal/events"
	"github.com/trialops/ptd/internal/matrix"
	"github.com/trialops/ptd/internal/pipeline"
)

// Grid is the final schedule grid as ordered rows of string cells, ready for
// delimited-text serialization.
type Grid struct {
	Rows [][]string
}

var (
	visitNumRe = regexp.MustCompile(`(?i)\bV\s*?(\d+)\b`)
	namedNumRe = regexp.MustCompile(`(?i)\bVisit\s*?(\d+)\b`)
	phoneNumRe = regexp.MustCompile(`\bP(\d+)\b`)
)

// EventName derives the short event code for a visit from its group and
// label: explicit mapping overrides first, then visit/phone numbering, then a
// positional fallback.
func EventName(group, label string, idx int, mapping map[string]string) string {
	g := strings.ToLower(strings.TrimSpace(group))
	s := strings.TrimSpace(label)

	if strings.Contains(g, "screen") {
		return orDefault(mapping["screening"], "SCRN")
	}
	if strings.Contains(g, "random") {
		return orDefault(mapping["random"], "RAND")
	}
	if strings.Contains(g, "rtsm") {
		return orDefault(mapping["rtsm"], "RTSM")
	}

	if m := phoneNumRe.FindStringSubmatch(s); m != nil {
		return fmt.Sprintf(orDefault(mapping["phone"], "P%d"), atoi(m[1]))
	}
	if m := visitNumRe.FindStringSubmatch(s); m != nil {
		return fmt.Sprintf(orDefault(mapping["visit"], "V%d"), atoi(m[1]))
	}
	if m := namedNumRe.FindStringSubmatch(s); m != nil {
		return fmt.Sprintf(orDefault(mapping["visit"], "V%d"), atoi(m[1]))
	}
	return fmt.Sprintf("V%d", idx+1)
}

// BuildGrid renders the grouped matrix: three header rows (event group,
// event label, short event name), the window-configuration rows, then one
// row per matrix row. Columns: the configured left columns, one column per
// visit, then match metadata.
func BuildGrid(m *matrix.Matrix, g *events.Grouping, cfg pipeline.LayoutConfig) *Grid {
	left := cfg.LeftColumns
	if len(left) == 0 {
		left = []string{"Form Label", "Form Name", "Source"}
	}
	metaCols := []string{"Matched", "Confidence"}
	width := len(left) + len(m.Visits) + len(metaCols)

	blank := func() []string { return make([]string, width) }
	grid := &Grid{}

	names := make([]string, len(m.Visits))
	groups := make([]string, len(m.Visits))
	for i, v := range m.Visits {
		vs, _ := g.ScheduleFor(v)
		groups[i] = vs.GroupName
		names[i] = EventName(vs.GroupName, v, i, cfg.EventNameMapping)
	}

	// Row 1: event groups.
	row := blank()
	row[0] = "Event Group:"
	for i, gn := range groups {
		row[len(left)+i] = gn
	}
	grid.Rows = append(grid.Rows, row)

	// Row 2: column headings and visit labels.
	row = blank()
	copy(row, left)
	for i, v := range m.Visits {
		row[len(left)+i] = v
	}
	copy(row[len(left)+len(m.Visits):], metaCols)
	grid.Rows = append(grid.Rows, row)

	// Row 3: short event names.
	row = blank()
	row[0] = "Event Name:"
	for i, n := range names {
		row[len(left)+i] = n
	}
	grid.Rows = append(grid.Rows, row)

	// Window-configuration rows.
	windowRows := []struct {
		label string
		value func(events.VisitSchedule) string
	}{
		{"Offset Type", func(vs events.VisitSchedule) string { return vs.OffsetType }},
		{"Offset Days", func(vs events.VisitSchedule) string { return strconv.Itoa(vs.OffsetDays) }},
		{"Day Range - Early", func(vs events.VisitSchedule) string { return strconv.Itoa(vs.WindowStart) }},
		{"Day Range - Late", func(vs events.VisitSchedule) string { return strconv.Itoa(vs.WindowEnd) }},
	}
	for _, wr := range windowRows {
		row = blank()
		row[0] = wr.label
		for i, v := range m.Visits {
			if vs, ok := g.ScheduleFor(v); ok {
				row[len(left)+i] = wr.value(vs)
			}
		}
		grid.Rows = append(grid.Rows, row)
	}

	// One row per matrix identity.
	for _, mr := range m.Rows {
		row = blank()
		row[0] = displayLabel(mr)
		if len(left) > 1 {
			row[1] = mr.FormName
		}
		if len(left) > 2 {
			row[2] = mr.Source
		}
		for i, v := range m.Visits {
			row[len(left)+i] = mr.Cells[v]
		}
		row[len(left)+len(m.Visits)] = strconv.FormatBool(mr.Matched)
		if mr.Matched {
			row[len(left)+len(m.Visits)+1] = strconv.FormatFloat(mr.MatchConfidence, 'f', 2, 64)
		}
		grid.Rows = append(grid.Rows, row)
	}

	return grid
}

func displayLabel(r matrix.Row) string {
	if r.FormLabel != "" {
		return r.FormLabel
	}
	return r.DisplayName
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

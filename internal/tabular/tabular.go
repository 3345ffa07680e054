// Package tabular reads and writes the pipeline's intermediate and final
// artifacts as CSV files with stable column contracts, so every stage can be
// run, inspected, and resumed independently.
package tabular

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/trialops/ptd/internal/events"
	"github.com/trialops/ptd/internal/forms"
	"github.com/trialops/ptd/internal/layout"
	"github.com/trialops/ptd/internal/matrix"
	"github.com/trialops/ptd/internal/soa"
)

var (
	activityHeader = []string{"procedure", "visit", "performed", "marker", "category"}
	formsHeader    = []string{"form_label", "form_name", "source", "visit"}
	matrixHeader   = []string{"row_key", "display_name", "form_label", "form_name", "source", "matched", "confidence"}
	scheduleHeader = []string{"visit", "group_id", "group_name", "offset_type", "offset_days", "window_start", "window_end", "is_extension"}
)

func writeAll(path string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func readAll(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return records, nil
}

// WriteActivities writes the long-form activity table of the first stage.
func WriteActivities(path string, res *soa.Result) error {
	records := [][]string{activityHeader}
	for _, r := range res.Rows {
		records = append(records, []string{
			r.ProcedureName,
			r.VisitID,
			strconv.FormatBool(r.Performed),
			r.RawMarker,
			r.Category,
		})
	}
	return writeAll(path, records)
}

// ReadActivities reloads a long-form activity table. The visit order is
// recovered first-seen from the rows.
func ReadActivities(path string) (*soa.Result, error) {
	records, err := readAll(path)
	if err != nil {
		return nil, err
	}
	res := &soa.Result{}
	seen := map[string]bool{}
	for i, rec := range records {
		if i == 0 {
			continue
		}
		if len(rec) < len(activityHeader) {
			return nil, fmt.Errorf("%s: row %d has %d columns, want %d", path, i+1, len(rec), len(activityHeader))
		}
		performed, _ := strconv.ParseBool(rec[2])
		res.Rows = append(res.Rows, soa.ActivityRow{
			ProcedureName: rec[0],
			VisitID:       rec[1],
			Performed:     performed,
			RawMarker:     rec[3],
			Category:      rec[4],
		})
		if !seen[rec[1]] {
			seen[rec[1]] = true
			res.Visits = append(res.Visits, rec[1])
		}
	}
	return res, nil
}

// WriteForms writes the classified eCRF form table.
func WriteForms(path string, rows []forms.FormRow) error {
	records := [][]string{formsHeader}
	for _, r := range rows {
		records = append(records, []string{r.FormLabel, r.FormName, r.Source, r.VisitID})
	}
	return writeAll(path, records)
}

// ReadForms reloads a classified form table.
func ReadForms(path string) ([]forms.FormRow, error) {
	records, err := readAll(path)
	if err != nil {
		return nil, err
	}
	var out []forms.FormRow
	for i, rec := range records {
		if i == 0 {
			continue
		}
		if len(rec) < len(formsHeader) {
			return nil, fmt.Errorf("%s: row %d has %d columns, want %d", path, i+1, len(rec), len(formsHeader))
		}
		out = append(out, forms.FormRow{
			FormLabel: rec[0],
			FormName:  rec[1],
			Source:    rec[2],
			VisitID:   rec[3],
		})
	}
	return out, nil
}

// WriteMatrix writes the common matrix: fixed identity columns followed by
// one column per visit, in matrix visit order.
func WriteMatrix(path string, m *matrix.Matrix) error {
	header := append(append([]string{}, matrixHeader...), m.Visits...)
	records := [][]string{header}
	for _, r := range m.Rows {
		rec := []string{
			r.RowKey,
			r.DisplayName,
			r.FormLabel,
			r.FormName,
			r.Source,
			strconv.FormatBool(r.Matched),
			strconv.FormatFloat(r.MatchConfidence, 'f', 4, 64),
		}
		for _, v := range m.Visits {
			rec = append(rec, r.Cells[v])
		}
		records = append(records, rec)
	}
	return writeAll(path, records)
}

// ReadMatrix reloads a common matrix written by WriteMatrix.
func ReadMatrix(path string) (*matrix.Matrix, error) {
	records, err := readAll(path)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || len(records[0]) < len(matrixHeader) {
		return nil, fmt.Errorf("%s: missing matrix header", path)
	}
	m := &matrix.Matrix{Visits: append([]string{}, records[0][len(matrixHeader):]...)}
	for i, rec := range records[1:] {
		if len(rec) != len(records[0]) {
			return nil, fmt.Errorf("%s: row %d has %d columns, want %d", path, i+2, len(rec), len(records[0]))
		}
		matched, _ := strconv.ParseBool(rec[5])
		conf, _ := strconv.ParseFloat(rec[6], 64)
		row := matrix.Row{
			RowKey:          rec[0],
			DisplayName:     rec[1],
			FormLabel:       rec[2],
			FormName:        rec[3],
			Source:          rec[4],
			Matched:         matched,
			MatchConfidence: conf,
			Cells:           map[string]string{},
		}
		for j, v := range m.Visits {
			if cell := rec[len(matrixHeader)+j]; cell != "" {
				row.Cells[v] = cell
			}
		}
		m.Rows = append(m.Rows, row)
	}
	return m, nil
}

// WriteSchedule writes the per-visit grouping and window table.
func WriteSchedule(path string, g *events.Grouping) error {
	records := [][]string{scheduleHeader}
	for _, vs := range g.Schedule {
		records = append(records, []string{
			vs.VisitID,
			vs.GroupID,
			vs.GroupName,
			vs.OffsetType,
			strconv.Itoa(vs.OffsetDays),
			strconv.Itoa(vs.WindowStart),
			strconv.Itoa(vs.WindowEnd),
			strconv.FormatBool(vs.IsExtension),
		})
	}
	return writeAll(path, records)
}

// WriteGrid writes the final schedule grid.
func WriteGrid(path string, g *layout.Grid) error {
	return writeAll(path, g.Rows)
}

package layout

import (
	"reflect"
	"testing"

	"github.com/trialops/ptd/internal/events"
	"github.com/trialops/ptd/internal/matrix"
	"github.com/trialops/ptd/internal/pipeline"
)

func TestEventName(t *testing.T) {
	mapping := map[string]string{
		"screening": "SCRN",
		"random":    "RAND",
		"rtsm":      "RTSM",
		"visit":     "V%d",
		"phone":     "P%d",
	}
	tests := []struct {
		group, label string
		idx          int
		want         string
	}{
		{"Screening", "V1", 0, "SCRN"},
		{"Randomization", "V2", 1, "RAND"},
		{"RTSM Events", "anything", 2, "RTSM"},
		{"Treatment", "V3", 2, "V3"},
		{"Treatment", "Visit 12", 5, "V12"},
		{"Treatment", "P2 Call", 3, "P2"},
		{"Treatment", "End of Treatment", 6, "V7"},
	}
	for _, tt := range tests {
		if got := EventName(tt.group, tt.label, tt.idx, mapping); got != tt.want {
			t.Errorf("EventName(%q, %q, %d) = %q, want %q", tt.group, tt.label, tt.idx, got, tt.want)
		}
	}
}

func TestEventNameMappingOverride(t *testing.T) {
	got := EventName("Screening Period", "V1", 0, map[string]string{"screening": "SC"})
	if got != "SC" {
		t.Errorf("EventName = %q, want configured override", got)
	}
	// Missing mapping entries fall back to built-in codes.
	if got := EventName("Screening Period", "V1", 0, nil); got != "SCRN" {
		t.Errorf("EventName = %q, want SCRN fallback", got)
	}
}

func testGrouping() *events.Grouping {
	return &events.Grouping{
		Groups: []events.VisitGroup{
			{GroupID: "screening", GroupName: "Screening", VisitIDs: []string{"V1"}},
			{GroupID: "treatment", GroupName: "Treatment", VisitIDs: []string{"V2"}},
		},
		Schedule: []events.VisitSchedule{
			{VisitID: "V1", GroupID: "screening", GroupName: "Screening", OffsetType: "fixed", OffsetDays: -14, WindowStart: -14, WindowEnd: -1},
			{VisitID: "V2", GroupID: "treatment", GroupName: "Treatment", OffsetType: "relative", OffsetDays: 28, WindowStart: -3, WindowEnd: 3},
		},
	}
}

func TestBuildGrid(t *testing.T) {
	m := &matrix.Matrix{
		Visits: []string{"V1", "V2"},
		Rows: []matrix.Row{
			{
				RowKey: "vital_signs", DisplayName: "Vital Signs",
				FormLabel: "Vital Signs", FormName: "VS_001", Source: "Library",
				Matched: true, MatchConfidence: 0.97,
				Cells: map[string]string{"V1": "X", "V2": "X"},
			},
			{
				RowKey: "pk_sample", DisplayName: "PK Sample",
				Matched: false, MatchConfidence: 0.41,
				Cells: map[string]string{"V2": "X"},
			},
		},
	}
	cfg := pipeline.LayoutConfig{LeftColumns: []string{"Form Label", "Form Name", "Source"}}
	grid := BuildGrid(m, testGrouping(), cfg)

	// 3 header rows + 4 window rows + 2 data rows.
	if len(grid.Rows) != 9 {
		t.Fatalf("rows = %d, want 9", len(grid.Rows))
	}
	width := 3 + 2 + 2
	for i, r := range grid.Rows {
		if len(r) != width {
			t.Fatalf("row %d width = %d, want %d", i, len(r), width)
		}
	}

	if grid.Rows[0][0] != "Event Group:" || grid.Rows[0][3] != "Screening" || grid.Rows[0][4] != "Treatment" {
		t.Errorf("group row = %v", grid.Rows[0])
	}
	wantHeader := []string{"Form Label", "Form Name", "Source", "V1", "V2", "Matched", "Confidence"}
	if !reflect.DeepEqual(grid.Rows[1], wantHeader) {
		t.Errorf("header row = %v, want %v", grid.Rows[1], wantHeader)
	}
	// Screening group short name wins over the visit number.
	if grid.Rows[2][0] != "Event Name:" || grid.Rows[2][3] != "SCRN" || grid.Rows[2][4] != "V2" {
		t.Errorf("event name row = %v", grid.Rows[2])
	}

	window := map[string][2]string{}
	for _, r := range grid.Rows[3:7] {
		window[r[0]] = [2]string{r[3], r[4]}
	}
	if window["Offset Type"] != [2]string{"fixed", "relative"} {
		t.Errorf("offset type = %v", window["Offset Type"])
	}
	if window["Offset Days"] != [2]string{"-14", "28"} {
		t.Errorf("offset days = %v", window["Offset Days"])
	}
	if window["Day Range - Early"] != [2]string{"-14", "-3"} {
		t.Errorf("early = %v", window["Day Range - Early"])
	}
	if window["Day Range - Late"] != [2]string{"-1", "3"} {
		t.Errorf("late = %v", window["Day Range - Late"])
	}

	matched := grid.Rows[7]
	if matched[0] != "Vital Signs" || matched[1] != "VS_001" || matched[2] != "Library" {
		t.Errorf("matched identity = %v", matched[:3])
	}
	if matched[3] != "X" || matched[4] != "X" || matched[5] != "true" || matched[6] != "0.97" {
		t.Errorf("matched row = %v", matched)
	}

	unmapped := grid.Rows[8]
	if unmapped[0] != "PK Sample" || unmapped[1] != "" {
		t.Errorf("unmapped identity = %v, want display name with blank form columns", unmapped[:3])
	}
	if unmapped[3] != "" || unmapped[4] != "X" || unmapped[5] != "false" || unmapped[6] != "" {
		t.Errorf("unmapped row = %v, want no confidence printed", unmapped)
	}
}

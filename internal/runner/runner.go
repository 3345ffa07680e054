// Package runner drives the five pipeline stages end to end, leaving every
// intermediate artifact on disk next to the final grid.
package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/trialops/ptd/internal/document"
	"github.com/trialops/ptd/internal/events"
	"github.com/trialops/ptd/internal/forms"
	"github.com/trialops/ptd/internal/layout"
	"github.com/trialops/ptd/internal/matrix"
	"github.com/trialops/ptd/internal/pipeline"
	"github.com/trialops/ptd/internal/soa"
	"github.com/trialops/ptd/internal/tabular"
)

// Artifact file names inside the run's output directory. A stable contract:
// downstream tooling and the review workflow read these by name.
const (
	ActivitiesFile = "schedule.csv"
	FormsFile      = "extracted_forms.csv"
	MatrixFile     = "soa_matrix.csv"
	ScheduleFile   = "visits_with_groups.csv"
	GridFile       = "schedule_grid.csv"
)

// Summary reports what a completed run produced.
type Summary struct {
	ArtifactDir   string `json:"artifact_dir"`
	VisitCount    int    `json:"visit_count"`
	RowCount      int    `json:"row_count"`
	UnmappedCount int    `json:"unmapped_count"`
	GridPath      string `json:"grid_path"`
}

// Runner executes the pipeline with a fixed, validated configuration.
type Runner struct {
	cfg *pipeline.StageConfigs
	log zerolog.Logger
}

func New(cfg *pipeline.StageConfigs, log zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, log: log}
}

// RunFiles loads the protocol and eCRF documents from disk and runs the
// pipeline, writing artifacts under outDir.
func (r *Runner) RunFiles(protocolPath, ecrfPath, outDir string) (*Summary, error) {
	protocol, err := document.Load(protocolPath)
	if err != nil {
		return nil, fmt.Errorf("load protocol: %w", err)
	}
	ecrf, err := document.Load(ecrfPath)
	if err != nil {
		return nil, fmt.Errorf("load ecrf: %w", err)
	}
	return r.Run(protocol, ecrf, outDir)
}

// Run executes all five stages on in-memory documents. Each stage's output is
// written before the next stage starts, so a failed run leaves the artifacts
// of every completed stage behind for inspection.
func (r *Runner) Run(protocol, ecrf *document.Document, outDir string) (*Summary, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	soaRes, err := r.extractActivities(protocol, outDir)
	if err != nil {
		return nil, err
	}
	formRows, err := r.extractForms(ecrf, outDir)
	if err != nil {
		return nil, err
	}
	m, err := r.buildMatrix(soaRes, formRows, outDir)
	if err != nil {
		return nil, err
	}
	grouping, err := r.groupVisits(m, outDir)
	if err != nil {
		return nil, err
	}
	gridPath, err := r.renderGrid(m, grouping, outDir)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		ArtifactDir:   outDir,
		VisitCount:    len(m.Visits),
		RowCount:      len(m.Rows),
		UnmappedCount: m.CountUnmapped(),
		GridPath:      gridPath,
	}
	r.log.Info().
		Int("visits", s.VisitCount).
		Int("rows", s.RowCount).
		Int("unmapped", s.UnmappedCount).
		Str("grid", s.GridPath).
		Msg("pipeline complete")
	return s, nil
}

func (r *Runner) extractActivities(protocol *document.Document, outDir string) (*soa.Result, error) {
	ex, err := soa.NewExtractor(r.cfg.SoA, r.log)
	if err != nil {
		return nil, &pipeline.StageError{Stage: "soa_parser", Err: err}
	}
	res, err := ex.Extract(protocol)
	if err != nil {
		return nil, &pipeline.StageError{Stage: "soa_parser", Err: err}
	}
	r.log.Info().Int("visits", len(res.Visits)).Int("rows", len(res.Rows)).Msg("activities extracted")
	if err := tabular.WriteActivities(filepath.Join(outDir, ActivitiesFile), res); err != nil {
		return nil, &pipeline.StageError{Stage: "soa_parser", Err: err}
	}
	return res, nil
}

func (r *Runner) extractForms(ecrf *document.Document, outDir string) ([]forms.FormRow, error) {
	ex, err := forms.NewExtractor(r.cfg.Forms, r.log)
	if err != nil {
		return nil, &pipeline.StageError{Stage: "form_extractor", Err: err}
	}
	rows, err := ex.Extract(ecrf)
	if err != nil {
		return nil, &pipeline.StageError{Stage: "form_extractor", Err: err}
	}
	r.log.Info().Int("forms", len(rows)).Msg("forms extracted")
	if err := tabular.WriteForms(filepath.Join(outDir, FormsFile), rows); err != nil {
		return nil, &pipeline.StageError{Stage: "form_extractor", Err: err}
	}
	return rows, nil
}

func (r *Runner) buildMatrix(soaRes *soa.Result, formRows []forms.FormRow, outDir string) (*matrix.Matrix, error) {
	m, err := matrix.NewBuilder(r.cfg.Matrix, r.log).Build(soaRes, formRows)
	if err != nil {
		return nil, &pipeline.StageError{Stage: "common_matrix", Err: err}
	}
	r.log.Info().Stringer("matrix", m).Msg("common matrix built")
	if err := tabular.WriteMatrix(filepath.Join(outDir, MatrixFile), m); err != nil {
		return nil, &pipeline.StageError{Stage: "common_matrix", Err: err}
	}
	return m, nil
}

func (r *Runner) groupVisits(m *matrix.Matrix, outDir string) (*events.Grouping, error) {
	eng, err := events.NewEngine(r.cfg.Events, r.log)
	if err != nil {
		return nil, &pipeline.StageError{Stage: "event_grouping", Err: err}
	}
	grouping, err := eng.Group(m.Visits)
	if err != nil {
		return nil, &pipeline.StageError{Stage: "event_grouping", Err: err}
	}
	r.log.Info().Int("groups", len(grouping.Groups)).Msg("visits grouped")
	if err := tabular.WriteSchedule(filepath.Join(outDir, ScheduleFile), grouping); err != nil {
		return nil, &pipeline.StageError{Stage: "event_grouping", Err: err}
	}
	return grouping, nil
}

func (r *Runner) renderGrid(m *matrix.Matrix, g *events.Grouping, outDir string) (string, error) {
	grid := layout.BuildGrid(m, g, r.cfg.Layout)
	path := filepath.Join(outDir, GridFile)
	if err := tabular.WriteGrid(path, grid); err != nil {
		return "", &pipeline.StageError{Stage: "schedule_layout", Err: err}
	}
	return path, nil
}

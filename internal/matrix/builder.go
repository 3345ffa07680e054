// Package matrix fuzzy-joins the extracted Schedule-of-Activities table
// against the extracted eCRF forms table into a single ordered common matrix.
package matrix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/trialops/ptd/internal/forms"
	"github.com/trialops/ptd/internal/pipeline"
	"github.com/trialops/ptd/internal/soa"
)

// Row is one procedure/form identity in the common matrix. Cells holds the
// per-visit marker for every visit in Matrix.Visits (missing key = blank).
type Row struct {
	RowKey          string
	DisplayName     string
	FormLabel       string
	FormName        string
	Source          string
	Matched         bool
	MatchConfidence float64
	Cells           map[string]string
}

// Matrix is the ordered common matrix: the visit union in presentation order
// plus one row per identity.
type Matrix struct {
	Visits []string
	Rows   []Row
}

// Builder performs the fuzzy cross-match.
type Builder struct {
	cfg pipeline.MatrixConfig
	log zerolog.Logger
}

func NewBuilder(cfg pipeline.MatrixConfig, log zerolog.Logger) *Builder {
	return &Builder{cfg: cfg, log: log}
}

// activity aggregates the long-form rows of one procedure.
type activity struct {
	name   string
	cells  map[string]string
	visits map[string]bool
}

// candidate is one scored (activity, form) pair awaiting greedy assignment.
type candidate struct {
	score float64
	dist  int
	ai    int
	fi    int
}

// Build produces the ordered common matrix. Assignment is global greedy
// highest-score-first over every candidate pair, so each form is consumed by
// at most one activity and results do not depend on per-row evaluation order.
func (b *Builder) Build(soaRes *soa.Result, formRows []forms.FormRow) (*Matrix, error) {
	m := &Matrix{Visits: b.visitUnion(soaRes, formRows)}

	// Distinct activities in first-seen order.
	var acts []*activity
	actIdx := map[string]int{}
	for _, r := range soaRes.Rows {
		i, ok := actIdx[r.ProcedureName]
		if !ok {
			i = len(acts)
			actIdx[r.ProcedureName] = i
			acts = append(acts, &activity{
				name:   r.ProcedureName,
				cells:  map[string]string{},
				visits: map[string]bool{},
			})
		}
		acts[i].cells[r.VisitID] = r.RawMarker
		acts[i].visits[r.VisitID] = true
	}

	// Score every eligible pair. A form is eligible for an activity when it
	// is visit-independent or shares at least one visit with it.
	var cands []candidate
	for ai, a := range acts {
		for fi, f := range formRows {
			if f.VisitID != "" && !a.visits[f.VisitID] {
				continue
			}
			score, against := bestScore(a.name, f)
			if score < b.cfg.FuzzyThreshold {
				continue
			}
			cands = append(cands, candidate{
				score: score,
				dist:  editDistance(a.name, against),
				ai:    ai,
				fi:    fi,
			})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		if cands[i].ai != cands[j].ai {
			return cands[i].ai < cands[j].ai
		}
		return cands[i].fi < cands[j].fi
	})

	assigned := make(map[int]int, len(acts)) // activity index -> form index
	scores := make(map[int]float64, len(acts))
	usedForm := make([]bool, len(formRows))
	usedAct := make([]bool, len(acts))
	for _, c := range cands {
		if usedAct[c.ai] || usedForm[c.fi] {
			continue
		}
		usedAct[c.ai] = true
		usedForm[c.fi] = true
		assigned[c.ai] = c.fi
		scores[c.ai] = c.score
	}

	for ai, a := range acts {
		if fi, ok := assigned[ai]; ok {
			f := formRows[fi]
			m.Rows = append(m.Rows, Row{
				RowKey:          rowKey(a.name),
				DisplayName:     a.name,
				FormLabel:       f.FormLabel,
				FormName:        f.FormName,
				Source:          f.Source,
				Matched:         true,
				MatchConfidence: scores[ai],
				Cells:           a.cells,
			})
			continue
		}
		best := bestRejected(a, formRows)
		b.log.Info().Str("procedure", a.name).Float64("best_score", best).
			Float64("threshold", b.cfg.FuzzyThreshold).Msg("activity below fuzzy threshold, unmapped")
		if !b.cfg.IncludeUnmapped {
			continue
		}
		m.Rows = append(m.Rows, Row{
			RowKey:          rowKey(a.name),
			DisplayName:     a.name,
			Matched:         false,
			MatchConfidence: best,
			Cells:           a.cells,
		})
	}

	// The matrix covers the union of identities: forms no activity consumed
	// appear as form-only rows, governed by the same include_unmapped flag.
	for fi, f := range formRows {
		if usedForm[fi] {
			continue
		}
		b.log.Info().Str("form", f.FormLabel).Msg("form not matched by any activity")
		if !b.cfg.IncludeUnmapped {
			continue
		}
		cells := map[string]string{}
		if f.VisitID != "" {
			cells[f.VisitID] = "X"
		}
		m.Rows = append(m.Rows, Row{
			RowKey:      rowKey("form " + f.FormName),
			DisplayName: f.FormLabel,
			FormLabel:   f.FormLabel,
			FormName:    f.FormName,
			Source:      f.Source,
			Matched:     false,
			Cells:       cells,
		})
	}

	return m, nil
}

// visitUnion orders the distinct visit IDs: explicitly configured ordering
// first, then first-seen order across the SoA header, SoA rows, and forms.
func (b *Builder) visitUnion(soaRes *soa.Result, formRows []forms.FormRow) []string {
	present := map[string]bool{}
	note := func(v string) {
		if v != "" {
			present[v] = true
		}
	}
	for _, v := range soaRes.Visits {
		note(v)
	}
	for _, r := range soaRes.Rows {
		note(r.VisitID)
	}
	for _, f := range formRows {
		note(f.VisitID)
	}

	var out []string
	taken := map[string]bool{}
	for _, v := range b.cfg.VisitOrdering {
		if present[v] && !taken[v] {
			taken[v] = true
			out = append(out, v)
		}
	}
	appendSeen := func(v string) {
		if v != "" && present[v] && !taken[v] {
			taken[v] = true
			out = append(out, v)
		}
	}
	for _, v := range soaRes.Visits {
		appendSeen(v)
	}
	for _, r := range soaRes.Rows {
		appendSeen(r.VisitID)
	}
	for _, f := range formRows {
		appendSeen(f.VisitID)
	}
	return out
}

// bestScore scores an activity name against both of a form's identifiers and
// returns the higher score plus the identifier it was computed against.
func bestScore(name string, f forms.FormRow) (float64, string) {
	sLabel := Similarity(name, f.FormLabel)
	sName := Similarity(name, f.FormName)
	if sName > sLabel {
		return sName, f.FormName
	}
	return sLabel, f.FormLabel
}

// bestRejected returns the best sub-threshold score an unmapped activity saw,
// recorded on the row so the near-miss is explainable.
func bestRejected(a *activity, formRows []forms.FormRow) float64 {
	best := 0.0
	for _, f := range formRows {
		if f.VisitID != "" && !a.visits[f.VisitID] {
			continue
		}
		if s, _ := bestScore(a.name, f); s > best {
			best = s
		}
	}
	return best
}

func rowKey(name string) string {
	return strings.ReplaceAll(normalizeName(name), " ", "_")
}

// CountUnmapped returns the number of rows below the match threshold.
func (m *Matrix) CountUnmapped() int {
	n := 0
	for _, r := range m.Rows {
		if !r.Matched {
			n++
		}
	}
	return n
}

// String summarizes the matrix for logs.
func (m *Matrix) String() string {
	return fmt.Sprintf("matrix{visits=%d rows=%d unmapped=%d}", len(m.Visits), len(m.Rows), m.CountUnmapped())
}

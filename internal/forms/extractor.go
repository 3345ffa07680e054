// Package forms extracts the eCRF's form inventory into a normalized
// (label, name, source, visit) table using pattern-based classification.
package forms

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/trialops/ptd/internal/document"
	"github.com/trialops/ptd/internal/pipeline"
	"github.com/trialops/ptd/internal/rules"
)

// FormRow is one classified eCRF form. VisitID is empty when the form is
// visit-independent.
type FormRow struct {
	FormLabel string
	FormName  string
	Source    string
	VisitID   string
}

// Extractor classifies form nodes from a hierarchical eCRF document.
type Extractor struct {
	classifier rules.Set
	defaultCat string
	visitRes   []*regexp.Regexp
	nameRe     *regexp.Regexp
	log        zerolog.Logger
}

// NewExtractor compiles the stage configuration.
func NewExtractor(cfg pipeline.FormsConfig, log zerolog.Logger) (*Extractor, error) {
	classifier, err := rules.Compile(cfg.TriggerPatterns)
	if err != nil {
		return nil, &pipeline.ConfigurationError{Stage: "form_extractor", Key: "trigger_patterns", Reason: err.Error()}
	}
	visitRes, err := rules.CompileList(cfg.VisitPatterns)
	if err != nil {
		return nil, &pipeline.ConfigurationError{Stage: "form_extractor", Key: "visit_patterns", Reason: err.Error()}
	}
	nameRe, err := regexp.Compile(cfg.FormNamePattern)
	if err != nil {
		return nil, &pipeline.ConfigurationError{Stage: "form_extractor", Key: "form_name_validation_pattern", Reason: err.Error()}
	}
	return &Extractor{
		classifier: classifier,
		defaultCat: cfg.DefaultCategory,
		visitRes:   visitRes,
		nameRe:     nameRe,
		log:        log,
	}, nil
}

// Extract walks every form node in document order. Malformed nodes are
// skipped with a warning; the stage never aborts on a single bad node.
func (e *Extractor) Extract(doc *document.Document) ([]FormRow, error) {
	var out []FormRow
	for _, node := range doc.Forms() {
		label := strings.TrimSpace(node.Label)
		name := strings.TrimSpace(node.Name)
		if label == "" && name == "" {
			e.log.Warn().Msg("skipping form node with no label or name")
			continue
		}
		if label == "" {
			label = name
		}
		if !e.nameRe.MatchString(label) {
			// Structural noise (page artifacts, separators), not data.
			e.log.Debug().Str("label", label).Msg("form label failed validation pattern, dropping")
			continue
		}

		source := e.classifier.MatchOrDefault(node.MetadataText(), e.defaultCat)
		visit := e.associateVisit(label, name)

		out = append(out, FormRow{
			FormLabel: label,
			FormName:  name,
			Source:    source,
			VisitID:   visit,
		})
	}
	return out, nil
}

// associateVisit derives the form's visit from its label and name. Patterns
// are tested in configuration order; when several match, the first by
// pattern-list order wins and the ambiguity is logged.
func (e *Extractor) associateVisit(label, name string) string {
	text := label + " " + name
	chosen := ""
	matches := 0
	for _, re := range e.visitRes {
		if m := re.FindString(text); m != "" {
			matches++
			if chosen == "" {
				chosen = strings.TrimSpace(m)
			}
		}
	}
	if matches > 1 {
		e.log.Warn().Str("form", label).Str("visit", chosen).Int("matches", matches).
			Msg("form matches multiple visit patterns, keeping first by pattern order")
	}
	return chosen
}

// Package events clusters the matrix's visits into named event groups and
// computes each visit's scheduling window.
package events

import (
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/trialops/ptd/internal/pipeline"
)

// VisitSchedule is the derived scheduling metadata of a single visit.
type VisitSchedule struct {
	VisitID     string
	GroupID     string
	GroupName   string
	OffsetType  string
	OffsetDays  int
	WindowStart int
	WindowEnd   int
	IsExtension bool
	BaseVisitID string
}

// VisitGroup is one named cluster of visits with its aggregate window.
type VisitGroup struct {
	GroupID     string
	GroupName   string
	VisitIDs    []string
	WindowStart int
	WindowEnd   int
	IsExtension bool
}

// Grouping is the engine's output: the group set plus per-visit schedules in
// matrix visit order.
type Grouping struct {
	Groups   []VisitGroup
	Schedule []VisitSchedule
}

// The implicit group for visits no configuration claims.
const (
	UngroupedID   = "ungrouped"
	UngroupedName = "Unscheduled"
)

// Engine assigns visits to groups and computes windows.
type Engine struct {
	cfg        pipeline.EventsConfig
	extensions []*regexp.Regexp
	offsets    []offsetRule
	log        zerolog.Logger
}

type offsetRule struct {
	re   *regexp.Regexp
	rule pipeline.OffsetRule
}

// NewEngine compiles the stage configuration. Every extension pattern must
// carry a capture group naming the base visit.
func NewEngine(cfg pipeline.EventsConfig, log zerolog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, log: log}
	for _, p := range cfg.ExtensionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &pipeline.ConfigurationError{Stage: "event_grouping", Key: "extension_patterns", Reason: err.Error()}
		}
		if re.NumSubexp() < 1 {
			return nil, &pipeline.ConfigurationError{Stage: "event_grouping", Key: "extension_patterns",
				Reason: fmt.Sprintf("pattern %q needs a capture group for the base visit", p)}
		}
		e.extensions = append(e.extensions, re)
	}
	for _, r := range cfg.OffsetRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, &pipeline.ConfigurationError{Stage: "event_grouping", Key: "offset_rules", Reason: err.Error()}
		}
		e.offsets = append(e.offsets, offsetRule{re: re, rule: r})
	}
	return e, nil
}

// Group assigns every visit to at most one group and computes its window.
// Visits are processed in the order given (matrix visit order), so output is
// deterministic.
func (e *Engine) Group(visits []string) (*Grouping, error) {
	explicit := map[string]pipeline.GroupDef{}
	for _, g := range e.cfg.Groups {
		for _, v := range g.VisitIDs {
			explicit[v] = g
		}
	}

	g := &Grouping{}
	groupIdx := map[string]int{}
	addToGroup := func(id, name string, vs VisitSchedule) {
		i, ok := groupIdx[id]
		if !ok {
			i = len(g.Groups)
			groupIdx[id] = i
			g.Groups = append(g.Groups, VisitGroup{GroupID: id, GroupName: name, IsExtension: true})
		}
		grp := &g.Groups[i]
		grp.VisitIDs = append(grp.VisitIDs, vs.VisitID)
		if len(grp.VisitIDs) == 1 || vs.WindowStart < grp.WindowStart {
			grp.WindowStart = vs.WindowStart
		}
		if len(grp.VisitIDs) == 1 || vs.WindowEnd > grp.WindowEnd {
			grp.WindowEnd = vs.WindowEnd
		}
		if !vs.IsExtension {
			grp.IsExtension = false
		}
	}

	for _, visit := range visits {
		vs := VisitSchedule{VisitID: visit}

		if def, ok := explicit[visit]; ok {
			vs.GroupID = def.GroupID
			vs.GroupName = def.GroupName
		} else if base := e.baseVisit(visit); base != "" {
			vs.IsExtension = true
			vs.BaseVisitID = base
			if def, ok := explicit[base]; ok {
				vs.GroupID = def.GroupID
				vs.GroupName = def.GroupName
			} else {
				vs.GroupID = UngroupedID
				vs.GroupName = UngroupedName
			}
		} else {
			vs.GroupID = UngroupedID
			vs.GroupName = UngroupedName
		}

		window := visit
		if vs.IsExtension {
			// Extension visits inherit the base visit's window, adjusted by
			// the configured deltas.
			window = vs.BaseVisitID
		}
		if rule, ok := e.findOffset(window); ok {
			vs.OffsetType = rule.OffsetType
			vs.OffsetDays = rule.OffsetDays
			vs.WindowStart = rule.WindowStart
			vs.WindowEnd = rule.WindowEnd
			if vs.IsExtension {
				vs.WindowStart += e.cfg.ExtensionWindow.StartDelta
				vs.WindowEnd += e.cfg.ExtensionWindow.EndDelta
			}
		}
		if vs.WindowEnd < vs.WindowStart {
			return nil, &pipeline.ConfigurationError{Stage: "event_grouping", Key: "extension_window",
				Reason: fmt.Sprintf("visit %q: window_end (%d) < window_start (%d)", visit, vs.WindowEnd, vs.WindowStart)}
		}

		g.Schedule = append(g.Schedule, vs)
		addToGroup(vs.GroupID, vs.GroupName, vs)
	}

	return g, nil
}

// baseVisit returns the base visit an extension visit is tied to, or "" when
// the visit matches no extension pattern.
func (e *Engine) baseVisit(visit string) string {
	for _, re := range e.extensions {
		if m := re.FindStringSubmatch(visit); m != nil && m[1] != "" && m[1] != visit {
			return m[1]
		}
	}
	return ""
}

func (e *Engine) findOffset(visit string) (pipeline.OffsetRule, bool) {
	for _, r := range e.offsets {
		if r.re.MatchString(visit) {
			return r.rule, true
		}
	}
	return pipeline.OffsetRule{}, false
}

// ScheduleFor returns the schedule entry of a visit, if present.
func (g *Grouping) ScheduleFor(visit string) (VisitSchedule, bool) {
	for _, vs := range g.Schedule {
		if vs.VisitID == visit {
			return vs, true
		}
	}
	return VisitSchedule{}, false
}

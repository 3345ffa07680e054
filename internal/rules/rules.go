// Package rules implements the ordered first-match-wins rule engine used for
// pattern-driven classification: each rule pairs a compiled regular expression
// with the label to assign when it matches.
package rules

import (
	"fmt"
	"regexp"
)

// Pattern is the uncompiled form of a rule, as it appears in configuration.
type Pattern struct {
	Pattern string `mapstructure:"pattern" json:"pattern"`
	Result  string `mapstructure:"result" json:"result"`
}

// Rule is a single compiled predicate→result pair.
type Rule struct {
	re     *regexp.Regexp
	Result string
}

// Source returns the rule's original pattern text.
func (r Rule) Source() string { return r.re.String() }

// Set is an ordered list of rules evaluated first-match-wins.
type Set []Rule

// Compile builds a Set from configuration patterns. Patterns are compiled
// case-insensitively; a malformed pattern fails the whole set.
func Compile(patterns []Pattern) (Set, error) {
	set := make(Set, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rules: compile %q: %w", p.Pattern, err)
		}
		set = append(set, Rule{re: re, Result: p.Result})
	}
	return set, nil
}

// Match returns the result of the first rule matching s.
func (s Set) Match(text string) (string, bool) {
	for _, r := range s {
		if r.re.MatchString(text) {
			return r.Result, true
		}
	}
	return "", false
}

// MatchOrDefault returns the first matching rule's result, or fallback when no
// rule matches.
func (s Set) MatchOrDefault(text, fallback string) string {
	if res, ok := s.Match(text); ok {
		return res
	}
	return fallback
}

// CompileList compiles a plain list of patterns (no results attached),
// case-insensitively. Used where configuration supplies bare pattern lists
// such as visit or exclusion patterns.
func CompileList(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("rules: compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

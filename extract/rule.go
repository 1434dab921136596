// CLAUDE:SUMMARY Ordered first-match-wins extraction rules: Rule (source+pattern+post), versioned RuleSet, Attribute.
// CLAUDE:EXPORTS Rule, RuleSet, Source, Post, Hit, Match, Attribute
//
// Package extract derives attributes (author identity, embedded links, image
// URLs) from pages of unknown and drifting markup. Each platform and
// attribute kind has a statically registered RuleSet whose order is a
// contract: the first rule producing a non-empty value wins and later rules
// are never consulted.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/fanart/preview"
)

// Source selects the texts a rule matches against.
type Source func(d *Document) []string

// Post transforms a raw capture. An empty result means "no yield".
type Post func(s string) string

// Rule is one extraction step. Pattern's first non-empty capture group is
// the value (the whole match when it has no groups). A nil Pattern takes the
// source text as is.
type Rule struct {
	Name    string
	Source  Source
	Pattern *regexp.Regexp
	Post    []Post
}

// Values returns every value the rule yields on d, in document order,
// without duplicates.
func (r *Rule) Values(d *Document) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(v string) {
		for _, p := range r.Post {
			v = p(v)
		}
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}

	for _, text := range r.Source(d) {
		if r.Pattern == nil {
			add(text)
			continue
		}
		for _, m := range r.Pattern.FindAllStringSubmatch(text, -1) {
			add(capture(m))
		}
	}
	return out
}

func capture(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return ""
}

// RuleSet is the ordered rule chain for one platform and attribute kind.
// Changing the order or membership of Rules requires bumping Version.
type RuleSet struct {
	Platform preview.Platform
	Kind     Kind
	Version  string
	Rules    []Rule
}

// Hit is a value produced by a rule of a set.
type Hit struct {
	Value     string
	Rule      string
	RuleIndex int
}

// First runs the chain front to back and returns the values of the first
// rule that yields. ok is false when no rule yields.
func (rs *RuleSet) First(d *Document) (values []string, ruleIndex int, ok bool) {
	for i := range rs.Rules {
		if v := rs.Rules[i].Values(d); len(v) > 0 {
			return v, i, true
		}
	}
	return nil, -1, false
}

// Collect returns the values of every rule, in rule order then document
// order. A value already produced by an earlier rule is not repeated.
func (rs *RuleSet) Collect(d *Document) []Hit {
	var out []Hit
	seen := make(map[string]bool)
	for i := range rs.Rules {
		for _, v := range rs.Rules[i].Values(d) {
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, Hit{Value: v, Rule: rs.Rules[i].Name, RuleIndex: i})
		}
	}
	return out
}

// Match is the outcome of an attribute extraction.
type Match struct {
	Platform  preview.Platform `json:"platform"`
	Kind      Kind             `json:"kind"`
	Value     string           `json:"value"`
	Values    []string         `json:"values,omitempty"`
	Rule      string           `json:"rule"`
	RuleIndex int              `json:"rule_index"`
	Version   string           `json:"version"`
}

// Attribute extracts kind from body using the platform's chain. The first
// yielding rule wins; preview.ErrNotFound is returned when none yields.
func Attribute(body []byte, platform preview.Platform, kind Kind) (*Match, error) {
	rs, err := Lookup(platform, kind)
	if err != nil {
		return nil, err
	}
	return rs.Extract(Parse(body))
}

// Extract runs the chain on an already parsed document.
func (rs *RuleSet) Extract(d *Document) (*Match, error) {
	values, idx, ok := rs.First(d)
	if !ok {
		return nil, fmt.Errorf("extract: %s %s: %w", rs.Platform, rs.Kind, preview.ErrNotFound)
	}
	return &Match{
		Platform:  rs.Platform,
		Kind:      rs.Kind,
		Value:     values[0],
		Values:    values,
		Rule:      rs.Rules[idx].Name,
		RuleIndex: idx,
		Version:   rs.Version,
	}, nil
}

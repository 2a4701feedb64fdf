// Package filter compiles include/exclude rule sets for datasets and
// snapshots into pure predicates, per spec.md §4.1.
//
// Rule semantics: last matching rule wins; the default verdict for an
// unmatched name is exclude, unless the rule set contains no include rule at
// all, in which case the default is include (SPEC_FULL.md §4.1). An inverted
// pattern (leading "!") matches the complement of the underlying pattern. An
// empty pattern matches nothing.
package filter

import (
	"fmt"
	"regexp"
)

// Rule is one include/exclude rule, literal or regex.
type Rule struct {
	Include bool
	Regex   bool
	Pattern string
}

type compiledRule struct {
	include bool
	negate  bool
	literal string
	re      *regexp.Regexp
}

func (r compiledRule) matches(name string) bool {
	var hit bool
	switch {
	case r.re != nil:
		hit = r.re.MatchString(name)
	default:
		hit = r.literal != "" && name == r.literal
	}
	if r.negate {
		return !hit
	}
	return hit
}

// Predicate is a pure, side-effect free membership test compiled from a
// rule set.
type Predicate func(name string) bool

// Compile builds a Predicate from rules. Regex patterns are rewritten with
// RewriteNonCapturing before being compiled, so capturing groups in
// user-supplied patterns never affect matching semantics.
func Compile(rules []Rule) (Predicate, error) {
	compiled := make([]compiledRule, 0, len(rules))
	hasInclude := false
	for _, r := range rules {
		if r.Include {
			hasInclude = true
		}
		pattern := r.Pattern
		negate := false
		if len(pattern) > 0 && pattern[0] == '!' {
			negate = true
			pattern = pattern[1:]
		}
		cr := compiledRule{include: r.Include, negate: negate}
		if pattern == "" {
			// An empty pattern matches nothing (and, negated, everything) --
			// spec.md §4.1. Keep it inert rather than special-casing match().
			cr.literal = "\x00unmatchable\x00"
			compiled = append(compiled, cr)
			continue
		}
		if r.Regex {
			re, err := regexp.Compile(RewriteNonCapturing(pattern))
			if err != nil {
				return nil, fmt.Errorf("filter: invalid regex %q: %w", r.Pattern, err)
			}
			cr.re = re
		} else {
			cr.literal = pattern
		}
		compiled = append(compiled, cr)
	}

	return func(name string) bool {
		matched := false
		result := false
		for _, cr := range compiled {
			if cr.matches(name) {
				matched = true
				result = cr.include
			}
		}
		if !matched {
			return !hasInclude
		}
		return result
	}, nil
}

// PropertyRule excludes a dataset whose property Name has Value (or, if
// Value is empty, whose property Name is merely set to a non-empty value).
// This is the "--exclude-dataset-property NAME" input from spec.md §6;
// evaluating it requires the Catalog, so it is kept separate from the pure
// name Predicate above.
type PropertyRule struct {
	Name  string
	Value string
}

// ExcludedByProperty reports whether props triggers any PropertyRule.
func ExcludedByProperty(rules []PropertyRule, props map[string]string) bool {
	for _, r := range rules {
		v, ok := props[r.Name]
		if !ok {
			continue
		}
		if r.Value == "" && v != "" {
			return true
		}
		if r.Value != "" && v == r.Value {
			return true
		}
	}
	return false
}

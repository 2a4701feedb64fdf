package filter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ondisk/zreplicate/internal/filter"
)

func TestCompile_ExcludeHourlies(t *testing.T) {
	// Scenario 1 from spec.md §8: include d.*, exclude h.*
	pred, err := filter.Compile([]filter.Rule{
		{Include: true, Regex: true, Pattern: "d.*"},
		{Include: false, Regex: true, Pattern: "h.*"},
	})
	require.NoError(t, err)

	assert.True(t, pred("d1"))
	assert.True(t, pred("d2"))
	assert.False(t, pred("h1"))
	assert.False(t, pred("x1")) // unmatched, hasInclude=true -> default exclude
}

func TestCompile_NoIncludeRuleDefaultsToInclude(t *testing.T) {
	pred, err := filter.Compile([]filter.Rule{
		{Include: false, Regex: false, Pattern: "bar"},
	})
	require.NoError(t, err)

	assert.True(t, pred("zoo"))
	assert.False(t, pred("bar"))
}

func TestCompile_LastMatchWins(t *testing.T) {
	pred, err := filter.Compile([]filter.Rule{
		{Include: false, Regex: true, Pattern: ".*"},
		{Include: true, Regex: false, Pattern: "tank/keep"},
	})
	require.NoError(t, err)

	assert.True(t, pred("tank/keep"))
	assert.False(t, pred("tank/other"))
}

func TestCompile_NegatedPattern(t *testing.T) {
	pred, err := filter.Compile([]filter.Rule{
		{Include: true, Regex: false, Pattern: "!bar"},
	})
	require.NoError(t, err)

	assert.True(t, pred("anything"))
	assert.False(t, pred("bar"))
}

func TestCompile_EmptyPatternMatchesNothing(t *testing.T) {
	pred, err := filter.Compile([]filter.Rule{
		{Include: true, Regex: false, Pattern: ""},
	})
	require.NoError(t, err)

	assert.False(t, pred("anything"))
}

func TestExcludedByProperty(t *testing.T) {
	rules := []filter.PropertyRule{{Name: "zreplicate:ignore", Value: "true"}}
	assert.True(t, filter.ExcludedByProperty(rules, map[string]string{"zreplicate:ignore": "true"}))
	assert.False(t, filter.ExcludedByProperty(rules, map[string]string{"zreplicate:ignore": "false"}))
	assert.False(t, filter.ExcludedByProperty(rules, map[string]string{}))
}

func TestNaturalLess(t *testing.T) {
	cases := []struct{ a, b string }{
		{"s2", "s10"},
		{"d1", "d2"},
		{"a", "b"},
		{"s1", "s1a"},
	}
	for _, c := range cases {
		assert.True(t, filter.NaturalLess(c.a, c.b), "%q < %q", c.a, c.b)
		assert.False(t, filter.NaturalLess(c.b, c.a), "%q !< %q", c.b, c.a)
	}
}

func TestRewriteNonCapturing(t *testing.T) {
	cases := map[string]string{
		`(abc)`:          `(?:abc)`,
		`(?P<name>abc)`:  `(?P<name>abc)`,
		`(?=abc)`:        `(?=abc)`,
		`(?<=abc)`:       `(?<=abc)`,
		`\(abc\)`:        `\(abc\)`,
		`(a)(b)`:         `(?:a)(?:b)`,
		`(a(b)c)`:        `(?:a(?:b)c)`,
	}
	for in, want := range cases {
		assert.Equal(t, want, filter.RewriteNonCapturing(in), "input %q", in)
	}
}

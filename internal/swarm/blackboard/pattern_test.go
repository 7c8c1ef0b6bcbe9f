package blackboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"scout.*", "scout.competitors.new", true},
		{"scout.*", "scout.tech", true},
		{"scout.*", "analyst.performance", false},
		{"scout.*", "scout", false},
		{"scout.tech", "scout.tech", true},
		{"scout.tech", "scout.technology", false},
		{"*.summary", "guardian.summary", true},
		{"*.summary", "guardian.summary.v2", false},
		{"*", "anything.at.all", true},
		{"a.b.c", "a.b.c", true},
		{"a.b", "axb", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPattern(tc.pattern, tc.key),
			"pattern %q vs key %q", tc.pattern, tc.key)
	}
}

func TestCompilePatternCached(t *testing.T) {
	re1, err := compilePattern("cache.*")
	assert.NoError(t, err)
	re2, err := compilePattern("cache.*")
	assert.NoError(t, err)
	assert.Same(t, re1, re2)
}

package stringutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "trun", TruncateString("truncated", 4))
	assert.Equal(t, "", TruncateString("", 5))
}

func TestTruncateStringWithEllipsis(t *testing.T) {
	assert.Equal(t, "short", TruncateStringWithEllipsis("short", 10))
	assert.Equal(t, "a long...", TruncateStringWithEllipsis("a long error chain", 9))
	// Budgets under four bytes cannot fit the marker.
	assert.Equal(t, "abc", TruncateStringWithEllipsis("abcdef", 3))
}

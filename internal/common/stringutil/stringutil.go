// Package stringutil holds small string helpers shared across the transport
// layer.
package stringutil

// TruncateString cuts s down to at most maxLen bytes.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis cuts s down to at most maxLen bytes, marking the
// cut with "...". Budgets too small to fit the marker fall back to a plain
// cut.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

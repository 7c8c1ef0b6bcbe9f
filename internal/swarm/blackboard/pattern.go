package blackboard

import (
	"regexp"
	"strings"
	"sync"
)

// Key patterns are globs over dotted keys: `.` is literal and `*` matches any
// run of characters, so "a.*" matches both "a.b" and "a.b.c". Patterns are
// compiled to anchored regexes once and cached for the life of the process.
var patternCache sync.Map // pattern string -> *regexp.Regexp

// compilePattern returns the anchored regex for a glob pattern.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil, err
	}

	patternCache.Store(pattern, re)
	return re, nil
}

// matchPattern reports whether key matches the glob pattern. An uncompilable
// pattern matches nothing.
func matchPattern(pattern, key string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == key
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(key)
}

// Package matching implements DICOM C-FIND style attribute matching.
package matching

import (
	"strings"
	"unicode"
)

// Wildcard reports whether value matches pattern, where '*' matches any run
// of characters (including none) and '?' exactly one. An empty pattern
// matches everything.
func Wildcard(pattern, value string, foldCase bool) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if foldCase {
		pattern = strings.ToUpper(pattern)
		value = strings.ToUpper(value)
	}
	p := []rune(pattern)
	v := []rune(value)

	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == v[vi]):
			pi++
			vi++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = vi
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// HasWildcard reports whether s contains '*' or '?'.
func HasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?")
}

// DateRange matches YYYYMMDD values against "A-B", "A-", "-B" or a single
// date. Legacy "YYYY.MM.DD" values are accepted.
func DateRange(pattern, value string) bool {
	return rangeMatch(pattern, value, NormalizeDate)
}

// TimeRange matches HHMMSS[.frac] values against the same range forms.
// Shorter values are padded, so "10" equals "100000".
func TimeRange(pattern, value string) bool {
	return rangeMatch(pattern, value, normalizeTime)
}

func rangeMatch(pattern, value string, norm func(string) string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	lo, hi, isRange := strings.Cut(pattern, "-")
	if !isRange {
		if HasWildcard(pattern) {
			return Wildcard(pattern, value, false)
		}
		return norm(pattern) == norm(value)
	}
	v := norm(value)
	if v == "" {
		return false
	}
	if lo = norm(lo); lo != "" && v < lo {
		return false
	}
	if hi = norm(hi); hi != "" && v > hi {
		return false
	}
	return true
}

// NormalizeDate turns legacy "YYYY.MM.DD" into YYYYMMDD.
func NormalizeDate(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ".", "")
}

func normalizeTime(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, ":", "")
	if s == "" {
		return ""
	}
	for len(s) < 6 {
		s += "0"
	}
	return s
}

// UIDList matches value against a backslash separated list of UIDs.
func UIDList(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	for _, uid := range strings.Split(pattern, `\`) {
		if strings.TrimSpace(uid) == value {
			return true
		}
	}
	return false
}

// TrimPadding strips DICOM space padding.
func TrimPadding(s string) string {
	return strings.TrimRightFunc(s, func(r rune) bool { return r == 0 || unicode.IsSpace(r) })
}

// Package natural orders filenames so that embedded numbers compare by value,
// e.g. "img2.png" before "img10.png".
package natural

import "strings"

// run is a maximal substring of either all ASCII digits or no ASCII digits.
type run struct {
	text    string
	numeric bool
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// splitRuns breaks s into alternating digit / non-digit runs.
func splitRuns(s string) []run {
	var runs []run
	for i := 0; i < len(s); {
		numeric := isDigit(s[i])
		j := i + 1
		for j < len(s) && isDigit(s[j]) == numeric {
			j++
		}
		runs = append(runs, run{text: s[i:j], numeric: numeric})
		i = j
	}
	return runs
}

// compareNumeric compares two digit strings by integer value without parsing,
// so runs longer than any machine integer still order correctly.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// compareFold compares with ASCII-only case folding. Other bytes compare raw.
func compareFold(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		ca, cb := lowerASCII(a[i]), lowerASCII(b[i])
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// compareRuns orders a and b by their runs alone.
//
// Runs are compared pairwise from the start of both names: two numeric runs
// by value, anything else case-insensitively. When one name runs out of runs
// with every compared pair equal, the shorter name sorts first.
func compareRuns(a, b string) int {
	ra, rb := splitRuns(a), splitRuns(b)
	for i := 0; i < len(ra) && i < len(rb); i++ {
		var c int
		if ra[i].numeric && rb[i].numeric {
			c = compareNumeric(ra[i].text, rb[i].text)
		} else {
			c = compareFold(ra[i].text, rb[i].text)
		}
		if c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Compare returns -1, 0 or +1 ordering a before, equal to, or after b in
// natural order. Names that differ only in letter case fall back to byte
// order, so Compare is 0 only for identical names and sorting with it does
// not depend on the input order.
func Compare(a, b string) int {
	if c := compareRuns(a, b); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// Package strseg provides the small set of byte-slice primitives the rest
// of the supervisor uses to avoid allocating strings for protocol framing:
// lexicographic comparison, tab/NUL tokenizing, and integer/size parsing.
package strseg

import "fmt"

// Compare orders two byte slices the way the control protocol orders
// names: byte-by-byte, with the shorter slice sorting first when one is a
// prefix of the other.
func Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
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
	default:
		return 0
	}
}

// Equal reports whether a and b hold the same bytes.
func Equal(a, b []byte) bool {
	return Compare(a, b) == 0
}

// NextToken splits off the leading token of s up to and not including the
// next occurrence of sep, and returns the remainder of s after that
// separator. If sep does not occur, the whole of s is returned as the
// token and the remainder is nil. Mirrors original_source's
// strseg_tok_next, which always "consumes" the separator even at the end
// of the string.
func NextToken(s []byte, sep byte) (tok, rest []byte) {
	for i, c := range s {
		if c == sep {
			return s[:i], s[i+1:]
		}
	}
	return s, nil
}

// Tokens splits s on sep into a slice of tokens, with the same semantics
// as repeatedly calling NextToken: an empty input yields a single empty
// token, and a trailing separator yields a trailing empty token.
func Tokens(s []byte, sep byte) [][]byte {
	if len(s) == 0 {
		return [][]byte{nil}
	}
	var out [][]byte
	for {
		tok, rest := NextToken(s, sep)
		out = append(out, tok)
		if rest == nil {
			break
		}
		s = rest
	}
	return out
}

// ParseInt parses a leading decimal integer (with optional '-' sign) off
// the front of s, returning the value and the unconsumed remainder. ok is
// false if no digit was present.
func ParseInt(s []byte) (val int64, rest []byte, ok bool) {
	i := 0
	sign := int64(1)
	if i < len(s) && s[i] == '-' {
		sign = -1
		i++
	}
	start := i
	var accum int64
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		accum = accum*10 + int64(s[i]-'0')
		i++
	}
	if i == start {
		return 0, s, false
	}
	return accum * sign, s[i:], true
}

// ParseSize parses a positive integer with an optional size suffix: K,
// M, G or T alone or followed by "iB" scales by a power of 1024, and
// followed by "B" alone (KB, MB, GB, TB) by a power of 1000, e.g.
// "4096", "64K", "128MiB", "1KB". Ported from original_source's strseg_parse_size: a bare
// "B"/"b" suffix is accepted as a no-op multiplier, and an unrecognized
// suffix byte is left unconsumed (the plain numeric value is returned).
func ParseSize(s []byte) (val int64, rest []byte, ok bool) {
	n, rest, ok := ParseInt(s)
	if !ok {
		return 0, s, false
	}
	if len(rest) < 1 {
		return n, rest, true
	}

	mul := int64(1)
	factor := int64(1024)
	suffixLen := 1
	if len(rest) >= 3 && rest[1] == 'i' && rest[2] == 'B' {
		suffixLen = 3
	} else if len(rest) >= 2 && rest[1] == 'B' {
		suffixLen = 2
		factor = 1000
	}

	switch rest[0] {
	case 't', 'T':
		mul *= factor * factor * factor * factor
	case 'g', 'G':
		mul *= factor * factor * factor
	case 'm', 'M':
		mul *= factor * factor
	case 'k', 'K':
		mul *= factor
	case 'b', 'B':
		// no-op multiplier
	default:
		return n, rest, true
	}

	rest = rest[suffixLen:]
	if n < 0 {
		return 0, rest, false
	}
	scaled := n * mul
	if mul != 0 && scaled/mul != n {
		return 0, rest, false
	}
	return scaled, rest, true
}

// FormatTSV joins fields with tabs the way controller event records are
// rendered; empty fields are preserved as empty columns.
func FormatTSV(fields ...string) string {
	out := make([]byte, 0, 64)
	for i, f := range fields {
		if i > 0 {
			out = append(out, '\t')
		}
		out = append(out, f...)
	}
	return string(out)
}

// Errorf is a thin wrapper kept for symmetry with callers that build
// strseg-flavored parse errors; it exists so parse failures in this
// package and its callers read the same way.
func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

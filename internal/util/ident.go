package util

import "strings"

// QuoteIdent wraps name in double quotes for use as a SQLite identifier,
// doubling any embedded quote characters.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Chunk splits keys into slices of at most n members. SQLite caps the
// number of bound parameters per statement, so IN(...) lists are issued
// in batches.
func Chunk(keys []string, n int) [][]string {
	if n <= 0 || len(keys) <= n {
		return [][]string{keys}
	}
	out := make([][]string, 0, (len(keys)+n-1)/n)
	for len(keys) > n {
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

// Placeholders returns "?,?,...,?" with n members.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(2*n - 1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
	}
	return b.String()
}

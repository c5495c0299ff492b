// Package sqlguard validates caller-supplied SQL clause fragments before
// they are spliced into a statement. It is a pure function layer: no I/O,
// no shared state.
//
// Validation is context-sensitive. A fragment destined for an ORDER BY
// clause may use ASC/DESC and a small set of scalar functions; a column
// list may use aggregates. Anything resembling a statement boundary,
// a comment, or DDL/DML leaks is rejected regardless of context.
//
// The length bound is enforced before any pattern matching so adversarial
// input cannot buy quadratic scanning time.
package sqlguard

import (
	"fmt"
	"strings"
)

// Context names the single-clause position a fragment is intended for.
type Context int

const (
	OrderBy Context = iota
	GroupBy
	ColumnList
)

func (c Context) String() string {
	switch c {
	case OrderBy:
		return "order-by"
	case GroupBy:
		return "group-by"
	case ColumnList:
		return "column-list"
	default:
		return "unknown"
	}
}

// DefaultMaxLength bounds fragments when Options.MaxLength is zero.
const DefaultMaxLength = 256

// Error reports a rejected fragment or identifier.
type Error struct {
	Fragment string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sqlguard: %s in %q", e.Reason, e.Fragment)
}

// Options tune Validate. The zero value is a strict validator with the
// built-in allow and deny lists and DefaultMaxLength.
type Options struct {
	// AllowedExtra are function names permitted in addition to the
	// context's built-in set. Compared case-insensitively.
	AllowedExtra []string
	// Forbidden are function or keyword names rejected even if the
	// context would otherwise allow them.
	Forbidden []string
	// MaxLength bounds the fragment. 0 means DefaultMaxLength.
	MaxLength int
	// Strict turns violations into an error. When false, violations are
	// returned as warnings and the caller owns the consequences.
	Strict bool
}

// statement separators and comment markers, rejected in every context
var separators = []string{";", "--", "/*", "*/"}

// DDL/DML and other statement-level keywords that have no business inside
// a single clause fragment.
var forbiddenKeywords = map[string]struct{}{
	"select": {}, "insert": {}, "update": {}, "delete": {},
	"drop": {}, "create": {}, "alter": {}, "truncate": {},
	"attach": {}, "detach": {}, "pragma": {}, "vacuum": {},
	"reindex": {}, "replace": {}, "union": {}, "exec": {},
	"execute": {}, "grant": {}, "revoke": {},
}

var orderByWords = map[string]struct{}{
	"asc": {}, "desc": {}, "collate": {}, "nocase": {}, "binary": {},
	"rtrim": {}, "nulls": {}, "first": {}, "last": {},
}

var scalarFuncs = map[string]struct{}{
	"lower": {}, "upper": {}, "length": {}, "abs": {}, "round": {},
	"coalesce": {}, "ifnull": {}, "substr": {}, "trim": {}, "ltrim": {},
	"rtrim": {}, "random": {}, "date": {}, "time": {}, "datetime": {},
	"julianday": {}, "hex": {}, "typeof": {},
}

var aggregateFuncs = map[string]struct{}{
	"count": {}, "sum": {}, "avg": {}, "min": {}, "max": {},
	"total": {}, "group_concat": {},
}

var columnListWords = map[string]struct{}{
	"distinct": {}, "as": {},
}

// Validate checks a single-clause fragment for the given context. On
// success it returns (nil, nil). Violations either become an *Error
// (Strict) or are collected into the returned warnings (non-strict).
func Validate(fragment string, ctx Context, opts Options) ([]string, error) {
	maxLen := opts.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	// length first: everything below is linear in len(fragment)
	if len(fragment) > maxLen {
		return fail(fragment, fmt.Sprintf("fragment exceeds %d bytes", maxLen), opts, nil)
	}
	if strings.TrimSpace(fragment) == "" {
		return fail(fragment, "empty fragment", opts, nil)
	}

	lower := strings.ToLower(fragment)
	for _, sep := range separators {
		if strings.Contains(lower, sep) {
			return fail(fragment, fmt.Sprintf("contains separator or comment %q", sep), opts, nil)
		}
	}

	forbidden := make(map[string]struct{}, len(opts.Forbidden))
	for _, f := range opts.Forbidden {
		forbidden[strings.ToLower(f)] = struct{}{}
	}
	extra := make(map[string]struct{}, len(opts.AllowedExtra))
	for _, a := range opts.AllowedExtra {
		extra[strings.ToLower(a)] = struct{}{}
	}

	var warnings []string
	toks, bad := tokenize(lower)
	if bad != "" {
		w, err := fail(fragment, bad, opts, warnings)
		if err != nil {
			return nil, err
		}
		warnings = w
	}

	for i, t := range toks {
		if t.kind != tokWord {
			continue
		}
		if _, ok := forbiddenKeywords[t.text]; ok {
			w, err := fail(fragment, fmt.Sprintf("forbidden keyword %q", t.text), opts, warnings)
			if err != nil {
				return nil, err
			}
			warnings = w
			continue
		}
		if _, ok := forbidden[t.text]; ok {
			w, err := fail(fragment, fmt.Sprintf("forbidden function %q", t.text), opts, warnings)
			if err != nil {
				return nil, err
			}
			warnings = w
			continue
		}
		// a word followed by "(" is a function call and must be allow-listed
		if i+1 < len(toks) && toks[i+1].kind == tokOpen {
			if !funcAllowed(t.text, ctx, extra) {
				w, err := fail(fragment, fmt.Sprintf("function %q not allowed in %s context", t.text, ctx), opts, warnings)
				if err != nil {
					return nil, err
				}
				warnings = w
			}
			continue
		}
		// bare words: identifiers, or the context's clause vocabulary
		if !wordAllowed(t.text, ctx) {
			// plain identifiers are fine; only reject words that collide
			// with another context's vocabulary to catch clause smuggling
			if isClauseWord(t.text) {
				w, err := fail(fragment, fmt.Sprintf("keyword %q not valid in %s context", t.text, ctx), opts, warnings)
				if err != nil {
					return nil, err
				}
				warnings = w
			}
		}
	}
	return warnings, nil
}

// ValidIdent reports whether name is usable as a bare SQL identifier:
// a letter or underscore followed by letters, digits, or underscores.
func ValidIdent(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	lower := strings.ToLower(name)
	if _, ok := forbiddenKeywords[lower]; ok {
		return false
	}
	return true
}

func funcAllowed(name string, ctx Context, extra map[string]struct{}) bool {
	if _, ok := extra[name]; ok {
		return true
	}
	if _, ok := scalarFuncs[name]; ok {
		return true
	}
	if ctx == ColumnList {
		if _, ok := aggregateFuncs[name]; ok {
			return true
		}
	}
	return false
}

func wordAllowed(name string, ctx Context) bool {
	switch ctx {
	case OrderBy:
		_, ok := orderByWords[name]
		return ok
	case ColumnList:
		_, ok := columnListWords[name]
		return ok
	default:
		return false
	}
}

// isClauseWord reports whether the word belongs to some clause vocabulary.
func isClauseWord(name string) bool {
	if _, ok := orderByWords[name]; ok {
		return true
	}
	if _, ok := columnListWords[name]; ok {
		return true
	}
	if _, ok := scalarFuncs[name]; ok {
		return false // scalar names double as column names often enough
	}
	return false
}

type tokKind int

const (
	tokWord tokKind = iota
	tokOpen
	tokOther
)

type token struct {
	kind tokKind
	text string
}

// tokenize splits a lowercase fragment into word and punctuation tokens.
// Returns a non-empty reason when an unexpected character is found.
func tokenize(s string) ([]token, string) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '_' || (c >= 'a' && c <= 'z'):
			j := i + 1
			for j < len(s) && (s[j] == '_' || (s[j] >= 'a' && s[j] <= 'z') || (s[j] >= '0' && s[j] <= '9')) {
				j++
			}
			toks = append(toks, token{tokWord, s[i:j]})
			i = j
		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(s) && ((s[j] >= '0' && s[j] <= '9') || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokOther, s[i:j]})
			i = j
		case c == '\'':
			// string literal; separators inside were already rejected raw
			j := i + 1
			for j < len(s) && s[j] != '\'' {
				j++
			}
			if j >= len(s) {
				return toks, "unterminated string literal"
			}
			toks = append(toks, token{tokOther, s[i : j+1]})
			i = j + 1
		case c == '(':
			toks = append(toks, token{tokOpen, "("})
			i++
		case c == ')' || c == ',' || c == '.' || c == '*' || c == '"':
			toks = append(toks, token{tokOther, string(c)})
			i++
		default:
			return toks, fmt.Sprintf("unexpected character %q", c)
		}
	}
	return toks, ""
}

func fail(fragment, reason string, opts Options, warnings []string) ([]string, error) {
	if opts.Strict {
		return nil, &Error{Fragment: fragment, Reason: reason}
	}
	return append(warnings, reason), nil
}

// Package query parses search expressions and answers them from the
// published generations of one or more repositories, fusing lexical, symbol
// and semantic matches into ranked snippets.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/DeusData/codebase-search-mcp/internal/fqn"
	"github.com/DeusData/codebase-search-mcp/internal/fulltext"
	"github.com/DeusData/codebase-search-mcp/internal/lang"
	"github.com/DeusData/codebase-search-mcp/internal/parser"
)

// ErrEmptyQuery is returned for an expression without terms or filters.
var ErrEmptyQuery = errors.New("empty query")

// Expression is a parsed query. Lexical parts (Terms, Phrases, Prefixes,
// Regex) are ANDed; Paths and Repos are alternatives. In limits the lexical
// parts to code, comments or string literals.
//
//	symbol:add  path:src/**/*.py  lang:python  repo:api  regex:TODO\(\w+\)
//	in:comment
//	semantic:"where are retries configured"  "exact phrase"  pars*  word
type Expression struct {
	Terms    []string         `json:"terms,omitempty"`
	Phrases  []string         `json:"phrases,omitempty"`
	Prefixes []string         `json:"prefixes,omitempty"`
	Symbols  []string         `json:"symbols,omitempty"`
	Paths    []string         `json:"paths,omitempty"`
	Language lang.Language    `json:"language,omitempty"`
	Repos    []string         `json:"repos,omitempty"`
	Regex    string           `json:"regex,omitempty"`
	Semantic string           `json:"semantic,omitempty"`
	In       fulltext.Context `json:"in,omitempty"`
}

// Parse reads a query string.
func Parse(input string) (Expression, error) {
	var e Expression
	toks, err := split(input)
	if err != nil {
		return e, err
	}
	for _, t := range toks {
		if t.quoted {
			e.Phrases = append(e.Phrases, t.text)
			continue
		}
		if key, val, ok := strings.Cut(t.text, ":"); ok && isFilter(key) {
			if val == "" {
				return e, fmt.Errorf("%s: missing value", key)
			}
			if err := e.setFilter(strings.ToLower(key), val); err != nil {
				return e, err
			}
			continue
		}
		if p, ok := strings.CutSuffix(t.text, "*"); ok && p != "" && !strings.HasSuffix(p, "*") {
			e.Prefixes = append(e.Prefixes, p)
			continue
		}
		e.Terms = append(e.Terms, t.text)
	}
	if e.Empty() {
		return e, ErrEmptyQuery
	}
	return e, nil
}

func (e *Expression) setFilter(key, val string) error {
	switch key {
	case "symbol", "sym":
		e.Symbols = append(e.Symbols, val)
	case "path", "file":
		if _, err := fulltext.NewPathFilter(val); err != nil {
			return err
		}
		e.Paths = append(e.Paths, val)
	case "lang", "language":
		e.Language = lang.Normalize(val)
	case "repo":
		e.Repos = append(e.Repos, val)
	case "regex", "re":
		if e.Regex != "" {
			return errors.New("regex: only one pattern per query")
		}
		if _, err := regexp.Compile(val); err != nil {
			return fmt.Errorf("regex: %w", err)
		}
		e.Regex = val
	case "in":
		in, err := fulltext.ParseContext(val)
		if err != nil {
			return err
		}
		e.In = in
	case "semantic":
		e.Semantic = strings.TrimSpace(strings.Join([]string{e.Semantic, val}, " "))
	}
	return nil
}

func isFilter(key string) bool {
	switch strings.ToLower(key) {
	case "symbol", "sym", "path", "file", "lang", "language", "repo", "regex", "re", "semantic", "in":
		return true
	}
	return false
}

// Empty reports whether the expression asks for nothing.
func (e Expression) Empty() bool {
	return !e.Lexical() && len(e.Symbols) == 0 && e.Semantic == "" &&
		len(e.Paths) == 0 && e.Language == ""
}

// Lexical reports whether the expression has a full-text part.
func (e Expression) Lexical() bool {
	return len(e.Terms) > 0 || len(e.Phrases) > 0 || len(e.Prefixes) > 0 || e.Regex != ""
}

// FreeText is the text embedded for semantic search: the explicit semantic
// text, or else the free terms and phrases.
func (e Expression) FreeText() string {
	if e.Semantic != "" {
		return e.Semantic
	}
	return strings.Join(append(slices.Clone(e.Terms), e.Phrases...), " ")
}

// clauses turns the lexical part into full-text queries that must all match.
func (e Expression) clauses() []fulltext.Query {
	var out []fulltext.Query
	var words []string
	for _, t := range e.Terms {
		ws := wordsOf(t)
		if len(ws) > 1 {
			// "pkg.Name" has to appear as written.
			out = append(out, fulltext.Query{Terms: ws, Phrase: true})
			continue
		}
		words = append(words, ws...)
	}
	if len(words) > 0 {
		out = append(out, fulltext.Query{Terms: words})
	}
	for _, p := range e.Phrases {
		if ws := wordsOf(p); len(ws) > 0 {
			out = append(out, fulltext.Query{Terms: ws, Phrase: len(ws) > 1})
		}
	}
	for _, p := range e.Prefixes {
		if ws := wordsOf(p); len(ws) > 0 {
			out = append(out, fulltext.Query{Terms: ws, Phrase: len(ws) > 1, Prefix: true})
		}
	}
	if e.Regex != "" {
		out = append(out, fulltext.Query{Regex: e.Regex})
	}
	for i := range out {
		out[i].Language = e.Language
		out[i].Context = e.In
		if len(e.Paths) == 1 {
			out[i].PathGlob = e.Paths[0]
		}
	}
	return out
}

// String renders the expression back into query syntax.
func (e Expression) String() string {
	var parts []string
	parts = append(parts, e.Terms...)
	for _, p := range e.Phrases {
		parts = append(parts, `"`+p+`"`)
	}
	for _, p := range e.Prefixes {
		parts = append(parts, p+"*")
	}
	for _, s := range e.Symbols {
		parts = append(parts, "symbol:"+s)
	}
	for _, p := range e.Paths {
		parts = append(parts, "path:"+quoteIfSpaced(p))
	}
	if e.Language != "" {
		parts = append(parts, "lang:"+string(e.Language))
	}
	for _, r := range e.Repos {
		parts = append(parts, "repo:"+r)
	}
	if e.Regex != "" {
		parts = append(parts, "regex:"+quoteIfSpaced(e.Regex))
	}
	if e.Semantic != "" {
		parts = append(parts, "semantic:"+quoteIfSpaced(e.Semantic))
	}
	if e.In != fulltext.AnyContext {
		parts = append(parts, "in:"+e.In.String())
	}
	return strings.Join(parts, " ")
}

// symbolName splits "Scope.name" into the lookup name and its scope hint.
func symbolName(s string) (name, hint string) {
	hint, name = fqn.Split(fqn.Normalize(s))
	return name, hint
}

func wordsOf(s string) []string {
	toks := parser.Tokenize([]byte(s))
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.Text
	}
	return out
}

type token struct {
	text   string
	quoted bool
}

// split breaks input on whitespace. A double-quoted section is one token;
// inside a key:value token it becomes the value.
func split(input string) ([]token, error) {
	var out []token
	var cur strings.Builder
	quoted, inQuote, started := false, false, false
	flush := func() {
		if started {
			out = append(out, token{text: cur.String(), quoted: quoted})
		}
		cur.Reset()
		quoted, started = false, false
	}
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(input) && input[i+1] == '"':
			cur.WriteByte('"')
			i++
		case c == '"':
			if !inQuote && !started {
				quoted = true
			}
			inQuote = !inQuote
			started = true
		case !inQuote && (c == ' ' || c == '\t' || c == '\n' || c == '\r'):
			flush()
		default:
			cur.WriteByte(c)
			started = true
		}
	}
	if inQuote {
		return nil, errors.New("unterminated quote")
	}
	flush()
	// An empty quoted token carries nothing.
	kept := out[:0]
	for _, t := range out {
		if strings.TrimSpace(t.text) != "" {
			kept = append(kept, t)
		}
	}
	return kept, nil
}

func quoteIfSpaced(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

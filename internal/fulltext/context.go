package fulltext

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DeusData/codebase-search-mcp/internal/parser"
)

// Context restricts matches to tokens of one syntactic role. Token kinds
// come from tree-sitter leaves, or from a chroma lexer for files without a
// grammar.
type Context uint8

const (
	AnyContext Context = iota
	// InCode excludes comments and string literals.
	InCode
	InComment
	InString
)

// ParseContext reads an in: filter value.
func ParseContext(s string) (Context, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return AnyContext, nil
	case "code":
		return InCode, nil
	case "comment", "comments":
		return InComment, nil
	case "string", "strings":
		return InString, nil
	}
	return AnyContext, fmt.Errorf("in: unknown context %q (want code, comment or string)", s)
}

func (c Context) String() string {
	switch c {
	case InCode:
		return "code"
	case InComment:
		return "comment"
	case InString:
		return "string"
	}
	return "any"
}

func (c Context) accepts(k parser.TokenKind) bool {
	switch c {
	case InCode:
		return k != parser.TokenComment && k != parser.TokenString
	case InComment:
		return k == parser.TokenComment
	case InString:
		return k == parser.TokenString
	}
	return true
}

// keep drops the positions whose token is outside c.
func (c Context) keep(d *Document, positions []int32) []int32 {
	if c == AnyContext {
		return positions
	}
	out := positions[:0:0]
	for _, p := range positions {
		if int(p) < len(d.Tokens) && c.accepts(d.Tokens[p].Kind) {
			out = append(out, p)
		}
	}
	return out
}

// kindAt returns the kind of the first token overlapping [start, end), and
// false when the range holds no token.
func (d *Document) kindAt(start, end int) (parser.TokenKind, bool) {
	i := sort.Search(len(d.Tokens), func(i int) bool { return d.Tokens[i].End > start })
	if i < len(d.Tokens) && d.Tokens[i].Start < end {
		return d.Tokens[i].Kind, true
	}
	return parser.TokenText, false
}

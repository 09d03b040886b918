package parser

import (
	"fmt"

	"github.com/DeusData/codebase-search-mcp/internal/lang"
)

// EdgeKind is the relationship a SymbolEdge expresses.
type EdgeKind string

const (
	EdgeCalls      EdgeKind = "calls"
	EdgeImports    EdgeKind = "imports"
	EdgeReferences EdgeKind = "references"
	EdgeDefines    EdgeKind = "defines"
)

// Span locates a range in a file. Lines are 1-based and inclusive,
// bytes are half-open.
type Span struct {
	StartByte int `json:"start_byte"`
	EndByte   int `json:"end_byte"`
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Overlaps reports whether two spans share at least one line.
func (s Span) Overlaps(o Span) bool {
	return s.StartLine <= o.EndLine && o.StartLine <= s.EndLine
}

// Symbol is a definition found in one file.
type Symbol struct {
	Name          string
	QualifiedName string
	Kind          lang.SymbolKind
	Span          Span
	// Parent indexes the enclosing symbol in ParseResult.Symbols; -1 for the
	// module symbol.
	Parent int
}

// Edge is a relationship from a symbol in this file to a target. Target is
// an index into ParseResult.Symbols for local edges (defines) and -1 for
// name-based edges that the symbol graph resolves.
type Edge struct {
	From      int
	Kind      EdgeKind
	Target    int
	Name      string
	ScopeHint string
	Site      Span
}

// TokenKind is the syntactic role of a token.
type TokenKind uint8

const (
	TokenText TokenKind = iota
	TokenIdentifier
	TokenKeyword
	TokenString
	TokenComment
)

func (k TokenKind) String() string {
	switch k {
	case TokenIdentifier:
		return "identifier"
	case TokenKeyword:
		return "keyword"
	case TokenString:
		return "string"
	case TokenComment:
		return "comment"
	}
	return "text"
}

// Token is a word in the file content.
type Token struct {
	Text  string
	Start int
	End   int
	Line  int
	Kind  TokenKind
}

// ParseResult is everything extracted from one Snapshot.
type ParseResult struct {
	Language lang.Language
	Symbols  []Symbol
	Edges    []Edge
	Tokens   []Token
	// TokenOnly is set when no grammar was applied to the file.
	TokenOnly bool
}

// ParseError records a file whose syntax could not be parsed. The file is
// still indexed lexically.
type ParseError struct {
	Path     string
	Language lang.Language
	Line     int
	Err      error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s (%s) line %d: %v", e.Path, e.Language, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s (%s): %v", e.Path, e.Language, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

package parser

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

// maxTokenLen drops base64 blobs, hashes and other unsearchable runs.
const maxTokenLen = 128

// kindSpan assigns a TokenKind to a byte range. Spans are sorted and
// non-overlapping.
type kindSpan struct {
	start, end int
	kind       TokenKind
}

// Tokenize splits content into word tokens (letters, digits, underscore)
// without syntactic kinds.
func Tokenize(content []byte) []Token {
	return tokenize(content, nil)
}

func tokenize(content []byte, spans []kindSpan) []Token {
	tokens := make([]Token, 0, len(content)/6)
	line := 1
	si := 0
	for i := 0; i < len(content); {
		r, size := utf8.DecodeRune(content[i:])
		if !isWordRune(r) {
			if r == '\n' {
				line++
			}
			i += size
			continue
		}
		start := i
		for i < len(content) {
			r, size = utf8.DecodeRune(content[i:])
			if !isWordRune(r) {
				break
			}
			i += size
		}
		if i-start > maxTokenLen {
			continue
		}
		kind := TokenText
		for si < len(spans) && spans[si].end <= start {
			si++
		}
		if si < len(spans) && spans[si].start <= start {
			kind = spans[si].kind
		}
		tokens = append(tokens, Token{
			Text:  string(content[start:i]),
			Start: start,
			End:   i,
			Line:  line,
			Kind:  kind,
		})
	}
	return tokens
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// leafSpans classifies the leaves of a syntax tree.
func leafSpans(root *tree_sitter.Node) []kindSpan {
	var spans []kindSpan
	Walk(root, func(n *tree_sitter.Node) bool {
		if n.ChildCount() > 0 {
			k := n.Kind()
			// string and comment nodes with children still classify their whole range
			if strings.Contains(k, "comment") {
				spans = append(spans, kindSpan{int(n.StartByte()), int(n.EndByte()), TokenComment})
				return false
			}
			if strings.Contains(k, "string") && !strings.Contains(k, "interpolation") {
				spans = append(spans, kindSpan{int(n.StartByte()), int(n.EndByte()), TokenString})
				return false
			}
			return true
		}
		if kind := leafKind(n); kind != TokenText {
			spans = append(spans, kindSpan{int(n.StartByte()), int(n.EndByte()), kind})
		}
		return false
	})
	return spans
}

func leafKind(n *tree_sitter.Node) TokenKind {
	k := n.Kind()
	switch {
	case strings.Contains(k, "comment"):
		return TokenComment
	case strings.Contains(k, "string"), k == "char_literal", k == "character_literal":
		return TokenString
	}
	if !n.IsNamed() {
		if isAlphaWord(k) {
			return TokenKeyword
		}
		return TokenText
	}
	if isIdentifierKind(k) {
		return TokenIdentifier
	}
	return TokenText
}

func isIdentifierKind(k string) bool {
	return strings.Contains(k, "identifier") || k == "name" || k == "constant" ||
		k == "word" || k == "variable_name" || k == "command_name"
}

func isAlphaWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && r != '_' {
			return false
		}
	}
	return true
}

// lexerSpans classifies content with a chroma lexer chosen by file name.
// Returns nil when no lexer matches.
func lexerSpans(relPath string, content []byte) []kindSpan {
	lexer := lexers.Match(relPath)
	if lexer == nil {
		return nil
	}
	it, err := lexer.Tokenise(&chroma.TokeniseOptions{State: "root"}, string(content))
	if err != nil {
		return nil
	}
	var spans []kindSpan
	offset := 0
	for _, tok := range it.Tokens() {
		end := offset + len(tok.Value)
		if kind := chromaKind(tok.Type); kind != TokenText {
			spans = append(spans, kindSpan{offset, end, kind})
		}
		offset = end
	}
	return spans
}

func chromaKind(t chroma.TokenType) TokenKind {
	switch {
	case t.InCategory(chroma.Comment):
		return TokenComment
	case t.InSubCategory(chroma.LiteralString):
		return TokenString
	case t.InCategory(chroma.Keyword):
		return TokenKeyword
	case t.InCategory(chroma.Name):
		return TokenIdentifier
	}
	return TokenText
}

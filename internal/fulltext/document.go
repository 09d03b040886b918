// Package fulltext is a positional inverted index over the files of one
// repository generation.
package fulltext

import (
	"sort"
	"strings"
	"time"

	"github.com/DeusData/codebase-search-mcp/internal/lang"
	"github.com/DeusData/codebase-search-mcp/internal/parser"
)

// minifiedLineLen is the average line length above which a file is treated
// as minified or generated.
const minifiedLineLen = 200

// Document is the lexical view of one file. It is immutable and shared by
// every generation that contains the same snapshot.
type Document struct {
	Repo     string
	Path     string
	Hash     string
	Language lang.Language
	Content  []byte
	Tokens   []parser.Token
	// LineEnds holds the byte offset of each line terminator; the last line
	// ends at len(Content).
	LineEnds   []int
	AvgLineLen float64
	// Symbols are the names defined in the file.
	Symbols []string
	ModTime time.Time
}

// NewDocument builds a Document from a snapshot and its parse result.
func NewDocument(snap *parser.Snapshot, res *parser.ParseResult) *Document {
	d := &Document{
		Repo:     snap.Repo,
		Path:     snap.Path,
		Hash:     snap.Hash,
		Language: snap.Language,
		Content:  snap.Content,
		ModTime:  snap.ModTime,
	}
	if res != nil {
		d.Tokens = res.Tokens
		seen := make(map[string]bool)
		for i, s := range res.Symbols {
			if i == 0 && s.Kind == lang.KindModule {
				continue
			}
			if !seen[s.Name] {
				seen[s.Name] = true
				d.Symbols = append(d.Symbols, s.Name)
			}
		}
	} else {
		d.Tokens = parser.Tokenize(snap.Content)
	}
	d.LineEnds = lineEnds(snap.Content)
	if n := d.LineCount(); n > 0 {
		d.AvgLineLen = float64(len(snap.Content)) / float64(n)
	}
	return d
}

func lineEnds(content []byte) []int {
	var ends []int
	for i, b := range content {
		if b == '\n' {
			ends = append(ends, i)
		}
	}
	return ends
}

// LineCount is the number of lines; a trailing newline does not start a new
// line.
func (d *Document) LineCount() int {
	n := len(d.LineEnds)
	if len(d.Content) > 0 && (n == 0 || d.LineEnds[n-1] != len(d.Content)-1) {
		n++
	}
	return n
}

// LineOf returns the 1-based line containing byte offset.
func (d *Document) LineOf(offset int) int {
	return sort.SearchInts(d.LineEnds, offset) + 1
}

// LineRange returns the byte range of line n (1-based) without its
// terminator.
func (d *Document) LineRange(n int) (start, end int) {
	if n < 1 {
		n = 1
	}
	if n > 1 {
		if n-2 >= len(d.LineEnds) {
			return len(d.Content), len(d.Content)
		}
		start = d.LineEnds[n-2] + 1
	}
	if n-1 < len(d.LineEnds) {
		end = d.LineEnds[n-1]
	} else {
		end = len(d.Content)
	}
	return start, end
}

// Lines returns lines [from, to] (1-based, inclusive) joined by newlines,
// clamped to the document.
func (d *Document) Lines(from, to int) string {
	if count := d.LineCount(); to > count {
		to = count
	}
	if from < 1 {
		from = 1
	}
	if from > to {
		return ""
	}
	start, _ := d.LineRange(from)
	_, end := d.LineRange(to)
	return string(d.Content[start:end])
}

// Minified reports whether the file looks machine-generated.
func (d *Document) Minified() bool {
	return d.AvgLineLen > minifiedLineLen
}

// DefinesSymbol reports whether the file defines name, ignoring case.
func (d *Document) DefinesSymbol(name string) bool {
	for _, s := range d.Symbols {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

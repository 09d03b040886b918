package query

import (
	"cmp"
	"slices"

	"github.com/DeusData/codebase-search-mcp/internal/fulltext"
	"github.com/DeusData/codebase-search-mcp/internal/generation"
	"github.com/DeusData/codebase-search-mcp/internal/lang"
	"github.com/DeusData/codebase-search-mcp/internal/parser"
)

// Result is one ranked file with its rendered snippets.
type Result struct {
	Repo     string    `json:"repo"`
	Path     string    `json:"path"`
	Language string    `json:"language,omitempty"`
	Score    float64   `json:"score"`
	Exact    bool      `json:"exact"`
	Matches  int       `json:"matches"`
	Snippets []Snippet `json:"snippets"`
}

// Snippet is a window of code around a match. Lines are 1-based.
type Snippet struct {
	LineStart  int                `json:"line_start"`
	LineEnd    int                `json:"line_end"`
	Code       string             `json:"code"`
	Highlights []Highlight        `json:"highlights"`
	Symbols    []SymbolAnnotation `json:"symbols,omitempty"`
}

// Highlight marks a match inside Snippet.Code; Start and End are byte
// offsets into Code. Highlights of different kinds may overlap.
type Highlight struct {
	Kind      Kind `json:"kind"`
	StartLine int  `json:"start_line"`
	EndLine   int  `json:"end_line"`
	Start     int  `json:"start"`
	End       int  `json:"end"`
}

// Relations of a symbol annotation to its snippet.
const (
	RelDefinition = "definition"
	RelEnclosing  = "enclosing"
	RelReferences = "references"
)

// SymbolAnnotation describes a symbol defined in, enclosing, or referenced
// from a snippet.
type SymbolAnnotation struct {
	Name          string          `json:"name"`
	QualifiedName string          `json:"qualified_name"`
	Kind          lang.SymbolKind `json:"kind"`
	Relation      string          `json:"relation"`
	EdgeKind      parser.EdgeKind `json:"edge_kind,omitempty"`
	StartLine     int             `json:"start_line"`
	EndLine       int             `json:"end_line"`
	Target        *Location       `json:"target,omitempty"`
}

// Location points at a definition.
type Location struct {
	Path          string `json:"path"`
	QualifiedName string `json:"qualified_name"`
	Line          int    `json:"line"`
}

// render builds the detailed result of a file from its best regions.
func render(gen *generation.Generation, fr *fileResult, opts Options) Result {
	res := Result{
		Repo:    fr.key.repo,
		Path:    fr.key.path,
		Score:   fr.score,
		Exact:   fr.exact,
		Matches: fr.matches,
	}
	if gen == nil {
		return res
	}
	if f, ok := gen.Manifest[fr.key.path]; ok {
		res.Language = f.Language
	}
	doc, ok := gen.Fulltext.ByPath(fr.key.path)
	if !ok {
		return res
	}

	regions := slices.Clone(fr.regions)
	slices.SortStableFunc(regions, func(a, b *region) int {
		if a.exact != b.exact {
			if a.exact {
				return -1
			}
			return 1
		}
		return cmp.Compare(b.score, a.score)
	})
	if len(regions) > opts.MaxSnippets {
		regions = regions[:opts.MaxSnippets]
	}
	slices.SortFunc(regions, func(a, b *region) int { return cmp.Compare(a.startLine, b.startLine) })

	for _, r := range regions {
		res.Snippets = append(res.Snippets, snippet(gen, doc, r, opts.ContextLines))
	}
	return res
}

func snippet(gen *generation.Generation, doc *fulltext.Document, r *region, contextLines int) Snippet {
	from, to := r.startLine, r.endLine
	if r.exact {
		from -= contextLines
		to += contextLines
	}
	from = max(from, 1)
	to = min(to, max(doc.LineCount(), 1))
	base, _ := doc.LineRange(from)

	sn := Snippet{LineStart: from, LineEnd: to, Code: doc.Lines(from, to)}
	type hlKey struct {
		kind       Kind
		start, end int
	}
	seen := make(map[hlKey]bool)
	for _, h := range r.hits {
		hl := Highlight{Kind: h.kind, StartLine: max(h.startLine, from), EndLine: min(h.endLine, to)}
		if hl.StartLine > hl.EndLine {
			continue
		}
		if h.start >= 0 {
			hl.Start, hl.End = h.start-base, h.end-base
		} else {
			s, _ := doc.LineRange(hl.StartLine)
			_, e := doc.LineRange(hl.EndLine)
			hl.Start, hl.End = s-base, e-base
		}
		hl.Start = min(max(hl.Start, 0), len(sn.Code))
		hl.End = min(max(hl.End, hl.Start), len(sn.Code))
		k := hlKey{hl.Kind, hl.Start, hl.End}
		if seen[k] {
			continue
		}
		seen[k] = true
		sn.Highlights = append(sn.Highlights, hl)
	}
	slices.SortFunc(sn.Highlights, func(a, b Highlight) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	sn.Symbols = annotate(gen, doc.Path, from, to)
	return sn
}

// annotate lists the symbols defined in or enclosing lines [from, to] and
// the resolved references made from them.
func annotate(gen *generation.Generation, path string, from, to int) []SymbolAnnotation {
	var out []SymbolAnnotation
	for _, s := range gen.Graph.SymbolsInFile(path) {
		if s.Kind == lang.KindModule || s.Span.StartLine > to || s.Span.EndLine < from {
			continue
		}
		rel := RelDefinition
		if s.Span.StartLine < from {
			rel = RelEnclosing
		}
		out = append(out, SymbolAnnotation{
			Name:          s.Name,
			QualifiedName: s.QualifiedName,
			Kind:          s.Kind,
			Relation:      rel,
			StartLine:     s.Span.StartLine,
			EndLine:       s.Span.EndLine,
		})
	}

	type refKey struct {
		name string
		line int
		to   string
	}
	seen := make(map[refKey]bool)
	for _, e := range gen.Graph.EdgesInFile(path) {
		if e.Kind == parser.EdgeDefines || !e.Resolved() || e.Site.StartLine > to || e.Site.EndLine < from {
			continue
		}
		target, ok := gen.Graph.Symbol(e.To)
		if !ok {
			continue
		}
		k := refKey{e.Name, e.Site.StartLine, target.QualifiedName}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, SymbolAnnotation{
			Name:          e.Name,
			QualifiedName: target.QualifiedName,
			Kind:          target.Kind,
			Relation:      RelReferences,
			EdgeKind:      e.Kind,
			StartLine:     e.Site.StartLine,
			EndLine:       e.Site.EndLine,
			Target:        &Location{Path: target.Path, QualifiedName: target.QualifiedName, Line: target.Span.StartLine},
		})
	}
	slices.SortStableFunc(out, func(a, b SymbolAnnotation) int {
		if c := cmp.Compare(a.StartLine, b.StartLine); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

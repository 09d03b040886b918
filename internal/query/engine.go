package query

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DeusData/codebase-search-mcp/internal/embedding"
	"github.com/DeusData/codebase-search-mcp/internal/fulltext"
	"github.com/DeusData/codebase-search-mcp/internal/generation"
	"github.com/DeusData/codebase-search-mcp/internal/lang"
)

// ErrTimeout marks a sub-query that ran out of time. Its results are
// dropped and the response is flagged degraded.
var ErrTimeout = errors.New("sub-query timed out")

// Kind tags where a match came from.
type Kind string

const (
	Lexical  Kind = "lexical"
	Semantic Kind = "semantic"
	Symbol   Kind = "symbol"
)

// Source provides the published generations to search. *generation.Controller
// implements it.
type Source interface {
	Current(repo string) (*generation.Generation, bool)
	Repositories() []string
	Embedder(repo string) (*embedding.Indexer, bool)
}

// Options tunes ranking and result shape.
type Options struct {
	PreviewCount    int
	ContextLines    int
	SubQueryTimeout time.Duration
	// SemanticK is how many chunks each repository contributes.
	SemanticK int
	// MinSimilarity drops semantic chunks scoring below it.
	MinSimilarity float64
	// MaxSnippets caps the snippets rendered per file.
	MaxSnippets int

	LexicalWeight  float64
	SemanticWeight float64
	SymbolBonus    float64
}

// DefaultOptions returns the ranking defaults.
func DefaultOptions() Options {
	return Options{
		PreviewCount:    10,
		ContextLines:    2,
		SubQueryTimeout: 5 * time.Second,
		SemanticK:       20,
		MaxSnippets:     5,
		LexicalWeight:   1.0,
		SemanticWeight:  0.6,
		SymbolBonus:     0.5,
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.PreviewCount <= 0 {
		o.PreviewCount = d.PreviewCount
	}
	if o.ContextLines < 0 {
		o.ContextLines = 0
	}
	if o.SubQueryTimeout <= 0 {
		o.SubQueryTimeout = d.SubQueryTimeout
	}
	if o.SemanticK <= 0 {
		o.SemanticK = d.SemanticK
	}
	if o.MaxSnippets <= 0 {
		o.MaxSnippets = d.MaxSnippets
	}
	if o.LexicalWeight == 0 && o.SemanticWeight == 0 && o.SymbolBonus == 0 {
		o.LexicalWeight, o.SemanticWeight, o.SymbolBonus = d.LexicalWeight, d.SemanticWeight, d.SymbolBonus
	}
}

// Scope selects the repositories to search and the preview size.
type Scope struct {
	// Repos limits the search; empty means every registered repository.
	Repos []string
	// PreviewCount overrides Options.PreviewCount when positive.
	PreviewCount int
}

// Response is a ranked answer. Results holds the first PreviewCount files
// in detail; the rest are counted in Collapsed.
type Response struct {
	Query       string           `json:"query"`
	Results     []Result         `json:"results"`
	Total       int              `json:"total"`
	Remaining   int              `json:"remaining"`
	Collapsed   []Collapsed      `json:"collapsed,omitempty"`
	Degraded    bool             `json:"degraded,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Generations map[string]int64 `json:"generations"`
}

// Collapsed is a ranked file beyond the preview.
type Collapsed struct {
	Repo    string  `json:"repo"`
	Path    string  `json:"path"`
	Matches int     `json:"matches"`
	Score   float64 `json:"score"`
}

// Engine answers queries against the generations a Source publishes.
type Engine struct {
	src  Source
	opts Options
}

// New creates an engine.
func New(src Source, opts Options) *Engine {
	opts.normalize()
	return &Engine{src: src, opts: opts}
}

// target is a repository pinned for one query.
type target struct {
	gen      *generation.Generation
	embedder *embedding.Indexer
	keep     func(path string) bool
}

// outcome collects sub-query results. Sub-query failures are recorded, not
// returned, so one slow index cannot fail the query.
type outcome struct {
	mu       sync.Mutex
	hits     []hit
	lexical  map[fileKey]*lexFile
	warnings []string
	degraded bool
	// exactQuery is set when lexical or symbol clauses define the matches.
	exactQuery bool
}

func (o *outcome) add(hs []hit) {
	o.mu.Lock()
	o.hits = append(o.hits, hs...)
	o.mu.Unlock()
}

func (o *outcome) fail(repo string, kind Kind, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.degraded = true
	o.warnings = append(o.warnings, fmt.Sprintf("%s %s: %v", repo, kind, err))
}

// Search runs expr over scope. Every repository is read from one generation
// pinned at the start, so a publish during the query is not observed.
func (e *Engine) Search(ctx context.Context, expr Expression, scope Scope) (*Response, error) {
	if expr.Empty() {
		return nil, ErrEmptyQuery
	}
	start := time.Now()
	opts := e.opts
	if scope.PreviewCount > 0 {
		opts.PreviewCount = scope.PreviewCount
	}

	keep, err := pathFilter(expr)
	if err != nil {
		return nil, err
	}
	repos, err := e.repos(expr, scope)
	if err != nil {
		return nil, err
	}

	resp := &Response{Query: expr.String(), Generations: make(map[string]int64)}
	var targets []target
	for _, name := range repos {
		gen, ok := e.src.Current(name)
		if !ok {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("%s: not indexed yet", name))
			continue
		}
		t := target{gen: gen, keep: keep}
		t.embedder, _ = e.src.Embedder(name)
		targets = append(targets, t)
		resp.Generations[name] = gen.ID
	}

	out := &outcome{
		lexical:    make(map[fileKey]*lexFile),
		exactQuery: expr.Lexical() || len(expr.Symbols) > 0,
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		if expr.Lexical() || (len(expr.Symbols) == 0 && expr.Semantic == "") {
			e.spawn(g, gctx, out, t, Lexical, func(ctx context.Context) error {
				return e.lexical(ctx, t, expr, out)
			})
		}
		if len(expr.Symbols) > 0 {
			e.spawn(g, gctx, out, t, Symbol, func(ctx context.Context) error {
				return e.symbols(ctx, t, expr, out)
			})
		}
		if text := expr.FreeText(); text != "" {
			e.spawn(g, gctx, out, t, Semantic, func(ctx context.Context) error {
				return e.semantic(ctx, t, expr, text, out)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp.Degraded = out.degraded
	resp.Warnings = append(resp.Warnings, out.warnings...)
	slices.Sort(resp.Warnings)
	e.fuse(resp, targets, out, opts)

	slog.Debug("query.done", "query", resp.Query, "repos", len(targets), "results", len(resp.Results),
		"total", resp.Total, "degraded", resp.Degraded, "elapsed", time.Since(start))
	return resp, nil
}

// spawn runs one sub-query under its own deadline. Only cancellation of the
// whole query fails the group.
func (e *Engine) spawn(g *errgroup.Group, ctx context.Context, out *outcome, t target, kind Kind, fn func(context.Context) error) {
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(ctx, e.opts.SubQueryTimeout)
		defer cancel()
		err := fn(sctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded):
			err = ErrTimeout
		}
		slog.Warn("query.subquery", "repo", t.gen.Repo, "kind", kind, "err", err)
		out.fail(t.gen.Repo, kind, err)
		return nil
	})
}

func (e *Engine) repos(expr Expression, scope Scope) ([]string, error) {
	known := e.src.Repositories()
	names := known
	if len(scope.Repos) > 0 {
		for _, r := range scope.Repos {
			if !slices.Contains(known, r) {
				return nil, fmt.Errorf("%q: %w", r, generation.ErrUnknownRepository)
			}
		}
		names = scope.Repos
	}
	if len(expr.Repos) > 0 {
		var kept []string
		for _, r := range names {
			if slices.Contains(expr.Repos, r) {
				kept = append(kept, r)
			}
		}
		names = kept
	}
	slices.Sort(names)
	return slices.Compact(slices.Clone(names)), nil
}

// pathFilter accepts a path when any path: glob matches it.
func pathFilter(expr Expression) (func(string) bool, error) {
	if len(expr.Paths) == 0 {
		return func(string) bool { return true }, nil
	}
	filters := make([]func(string) bool, 0, len(expr.Paths))
	for _, p := range expr.Paths {
		f, err := fulltext.NewPathFilter(p)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return func(path string) bool {
		for _, f := range filters {
			if f(path) {
				return true
			}
		}
		return false
	}, nil
}

// allowed applies the path and language filters to a file of t.
func (t target) allowed(path string, language lang.Language) bool {
	if !t.keep(path) {
		return false
	}
	if language == "" {
		return true
	}
	f, ok := t.gen.Manifest[path]
	return ok && lang.Language(f.Language) == language
}

// lexFile is the combined lexical match of one file across clauses.
type lexFile struct {
	score       float64
	occurrences int
}

// lexical runs every clause and keeps files matching all of them.
func (e *Engine) lexical(ctx context.Context, t target, expr Expression, out *outcome) error {
	clauses := expr.clauses()
	if len(clauses) == 0 {
		// Filters alone list the matching files.
		clauses = []fulltext.Query{{Language: expr.Language}}
	}
	type fileHits struct {
		score float64
		occ   int
		spans []fulltext.Match
	}
	var merged map[string]*fileHits
	for i, q := range clauses {
		hits, err := t.gen.Fulltext.Search(ctx, q)
		if err != nil {
			return err
		}
		next := make(map[string]*fileHits, len(hits))
		for _, h := range hits {
			if !t.keep(h.Path) {
				continue
			}
			if i > 0 && merged[h.Path] == nil {
				continue
			}
			fh := merged[h.Path]
			if fh == nil {
				fh = &fileHits{}
			}
			fh.score += h.Score
			fh.occ += max(h.Occurrences, len(h.Matches))
			fh.spans = append(fh.spans, h.Matches...)
			next[h.Path] = fh
		}
		merged = next
		if len(merged) == 0 {
			return nil
		}
	}

	var hs []hit
	for path, fh := range merged {
		k := fileKey{repo: t.gen.Repo, path: path}
		out.mu.Lock()
		out.lexical[k] = &lexFile{score: fh.score, occurrences: max(fh.occ, 1)}
		out.mu.Unlock()
		if len(fh.spans) == 0 {
			hs = append(hs, hit{file: k, kind: Lexical, startLine: 1, endLine: 1, start: -1, end: -1, score: fh.score})
			continue
		}
		for _, m := range fh.spans {
			hs = append(hs, hit{
				file: k, kind: Lexical,
				startLine: m.StartLine, endLine: m.EndLine,
				start: m.Start, end: m.End,
				score: fh.score,
			})
		}
	}
	out.add(hs)
	return nil
}

// symbols finds the definitions of every symbol: name and the sites that
// reference them.
func (e *Engine) symbols(ctx context.Context, t target, expr Expression, out *outcome) error {
	var hs []hit
	for _, s := range expr.Symbols {
		name, hint := symbolName(s)
		for _, def := range t.gen.Graph.DefinitionsOf(name, hint) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if t.allowed(def.Path, expr.Language) {
				start, end, line := nameSite(t.gen, def.Path, def.Name, def.Span.StartByte, def.Span.EndByte, def.Span.StartLine)
				hs = append(hs, hit{
					file: fileKey{repo: t.gen.Repo, path: def.Path}, kind: Symbol,
					startLine: line, endLine: line, start: start, end: end,
					score: 1,
				})
			}
			for _, ref := range t.gen.Graph.ReferencesTo(def.ID) {
				site := ref.Edge.Site
				if !t.allowed(ref.Edge.Path, expr.Language) {
					continue
				}
				hs = append(hs, hit{
					file: fileKey{repo: t.gen.Repo, path: ref.Edge.Path}, kind: Symbol,
					startLine: site.StartLine, endLine: site.EndLine,
					start: site.StartByte, end: site.EndByte,
					score: 1,
				})
			}
		}
	}
	out.add(hs)
	return nil
}

// nameSite locates name inside a definition span, falling back to the first
// line of the span.
func nameSite(gen *generation.Generation, path, name string, from, to, line int) (start, end, atLine int) {
	doc, ok := gen.Fulltext.ByPath(path)
	if !ok || from < 0 || to > len(doc.Content) || from >= to {
		return -1, -1, line
	}
	if i := bytes.Index(doc.Content[from:to], []byte(name)); i >= 0 {
		start = from + i
		return start, start + len(name), doc.LineOf(start)
	}
	return -1, -1, line
}

// semantic embeds text with the repository's model and ranks its chunks.
func (e *Engine) semantic(ctx context.Context, t target, expr Expression, text string, out *outcome) error {
	if t.embedder == nil || !t.embedder.Enabled() || t.gen.Vectors.Len() == 0 {
		return nil
	}
	if t.gen.Vectors.Model() != t.embedder.Model() {
		// Vectors of another model are not comparable; the next build re-embeds.
		return fmt.Errorf("index built with %q, backend is %q", t.gen.Vectors.Model(), t.embedder.Model())
	}
	vec, err := t.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return err
	}
	neighbors := t.gen.Vectors.Nearest(vec, e.opts.SemanticK, func(c embedding.Chunk) bool {
		return t.allowed(c.Path, expr.Language)
	})
	var hs []hit
	for _, n := range neighbors {
		if n.Score < e.opts.MinSimilarity {
			continue
		}
		hs = append(hs, hit{
			file: fileKey{repo: t.gen.Repo, path: n.Chunk.Path}, kind: Semantic,
			startLine: n.Chunk.StartLine, endLine: n.Chunk.EndLine,
			start: -1, end: -1,
			score: n.Score,
		})
	}
	out.add(hs)
	return nil
}

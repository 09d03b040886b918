package query

import (
	"cmp"
	"slices"

	"github.com/DeusData/codebase-search-mcp/internal/generation"
)

type fileKey struct {
	repo string
	path string
}

// hit is one sub-query match. start and end are byte offsets in the file,
// or -1 when the match covers whole lines.
type hit struct {
	file      fileKey
	kind      Kind
	startLine int
	endLine   int
	start     int
	end       int
	score     float64
}

func (h hit) exact() bool { return h.kind != Semantic }

// region is a merged line range of one file.
type region struct {
	startLine int
	endLine   int
	hits      []hit
	lex       float64
	sem       float64
	symbol    bool
	exact     bool
	score     float64
}

func (r *region) overlaps(h hit) bool {
	return h.startLine <= r.endLine && r.startLine <= h.endLine
}

func (r *region) absorb(h hit) {
	r.hits = append(r.hits, h)
	if !r.exact || h.exact() {
		r.startLine = min(r.startLine, h.startLine)
		r.endLine = max(r.endLine, h.endLine)
	}
}

// fileResult is every region of one file before rendering.
type fileResult struct {
	key     fileKey
	regions []*region
	exact   bool
	score   float64
	matches int
}

// fuse groups hits by file, merges them into regions, scores and ranks
// them, and renders the preview.
func (e *Engine) fuse(resp *Response, targets []target, out *outcome, opts Options) {
	gens := make(map[string]*generation.Generation, len(targets))
	for _, t := range targets {
		gens[t.gen.Repo] = t.gen
	}

	var maxLex, maxSem float64
	byFile := make(map[fileKey][]hit)
	for _, h := range out.hits {
		byFile[h.file] = append(byFile[h.file], h)
		switch h.kind {
		case Lexical:
			maxLex = max(maxLex, h.score)
		case Semantic:
			maxSem = max(maxSem, h.score)
		}
	}
	norm := func(v, top float64) float64 {
		if top <= 0 {
			return 0
		}
		return v / top
	}

	files := make([]*fileResult, 0, len(byFile))
	for key, hs := range byFile {
		fr := &fileResult{key: key, regions: mergeRegions(hs, opts.ContextLines)}
		symbolHits, semanticRegions := 0, 0
		for _, h := range hs {
			if h.kind == Symbol {
				symbolHits++
			}
		}
		for _, r := range fr.regions {
			for _, h := range r.hits {
				switch h.kind {
				case Lexical:
					r.lex = max(r.lex, norm(h.score, maxLex))
				case Semantic:
					r.sem = max(r.sem, norm(h.score, maxSem))
				case Symbol:
					r.symbol = true
				}
			}
			r.score = opts.LexicalWeight*r.lex + opts.SemanticWeight*r.sem
			if r.symbol {
				r.score += opts.SymbolBonus
			}
			if !r.exact {
				semanticRegions++
			}
			fr.exact = fr.exact || r.exact
			fr.score = max(fr.score, r.score)
		}
		if lf, ok := out.lexical[key]; ok {
			fr.matches += lf.occurrences
		}
		fr.matches += symbolHits
		if fr.matches == 0 && !out.exactQuery {
			// Semantic-only queries count regions. Next to exact clauses a
			// similar chunk is listed but is not a match.
			fr.matches = semanticRegions
		}
		files = append(files, fr)
	}

	// Exact files form a tier above semantic-only ones.
	slices.SortFunc(files, func(a, b *fileResult) int {
		if a.exact != b.exact {
			if a.exact {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.key.repo, b.key.repo); c != 0 {
			return c
		}
		return cmp.Compare(a.key.path, b.key.path)
	})

	resp.Results = make([]Result, 0, min(len(files), opts.PreviewCount))
	for i, fr := range files {
		resp.Total += fr.matches
		if i < opts.PreviewCount {
			resp.Results = append(resp.Results, render(gens[fr.key.repo], fr, opts))
			continue
		}
		resp.Remaining += fr.matches
		resp.Collapsed = append(resp.Collapsed, Collapsed{
			Repo:    fr.key.repo,
			Path:    fr.key.path,
			Matches: fr.matches,
			Score:   fr.score,
		})
	}
}

// mergeRegions builds the regions of one file. Exact hits whose context
// windows touch are merged; a semantic chunk joins every exact region it
// overlaps and only forms its own region where no exact hit lies.
func mergeRegions(hs []hit, contextLines int) []*region {
	slices.SortFunc(hs, func(a, b hit) int {
		if c := cmp.Compare(a.startLine, b.startLine); c != 0 {
			return c
		}
		return cmp.Compare(a.start, b.start)
	})

	var exact []*region
	for _, h := range hs {
		if !h.exact() {
			continue
		}
		if n := len(exact); n > 0 && h.startLine <= exact[n-1].endLine+2*contextLines+1 {
			exact[n-1].absorb(h)
			continue
		}
		exact = append(exact, &region{startLine: h.startLine, endLine: h.endLine, hits: []hit{h}, exact: true})
	}

	var semantic []*region
	for _, h := range hs {
		if h.exact() {
			continue
		}
		joined := false
		for _, r := range exact {
			if r.overlaps(h) {
				r.absorb(h)
				joined = true
			}
		}
		if joined {
			continue
		}
		if n := len(semantic); n > 0 && semantic[n-1].overlaps(h) {
			semantic[n-1].absorb(h)
			continue
		}
		semantic = append(semantic, &region{startLine: h.startLine, endLine: h.endLine, hits: []hit{h}})
	}
	return append(exact, semantic...)
}

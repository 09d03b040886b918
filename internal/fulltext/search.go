package fulltext

import (
	"context"
	"fmt"
	"math"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/DeusData/codebase-search-mcp/internal/lang"
)

// Scoring constants.
const (
	bm25K1 = 1.2
	bm25B  = 0.75

	symbolBoost      = 2.0
	minifiedPenalty  = 0.1
	maxMatchesPerDoc = 1000
	// checkEvery is how many documents a scan handles between context checks.
	checkEvery = 256
)

// Query is a lexical search. Terms are ANDed; with Phrase they must appear
// consecutively. Prefix makes the last term a prefix. Regex, when set, is
// matched against content instead of Terms. With neither, every document
// passing the filters is returned without matches. Context limits term and
// regex matches to code, comments or strings.
type Query struct {
	Terms    []string
	Phrase   bool
	Prefix   bool
	Regex    string
	PathGlob string
	Language lang.Language
	Context  Context
	Limit    int
}

// Match is one occurrence in a file.
type Match struct {
	Start     int `json:"start"`
	End       int `json:"end"`
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Hit is a matching file.
type Hit struct {
	Path        string
	Language    lang.Language
	Score       float64
	Matches     []Match
	Occurrences int
	// SymbolMatch is set when a query term names a symbol the file defines.
	SymbolMatch bool
}

// Search runs q against the index.
func (idx *Index) Search(ctx context.Context, q Query) ([]Hit, error) {
	filter, err := NewPathFilter(q.PathGlob)
	if err != nil {
		return nil, err
	}
	keep := func(d *Document) bool {
		return (q.Language == "" || d.Language == q.Language) && filter(d.Path)
	}

	var hits []Hit
	switch {
	case q.Regex != "":
		hits, err = idx.searchRegex(ctx, q.Regex, q.Context, keep)
	case len(q.Terms) > 0:
		hits, err = idx.searchTerms(ctx, q, keep)
	default:
		for _, d := range idx.ByRepo(q.Language) {
			if filter(d.Path) {
				hits = append(hits, Hit{Path: d.Path, Language: d.Language, Score: 1})
			}
		}
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Path < hits[j].Path
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// termGroup is one query term and the dictionary terms it expands to.
type termGroup struct {
	word  string
	terms []string
}

func (idx *Index) searchTerms(ctx context.Context, q Query, keep func(*Document) bool) ([]Hit, error) {
	groups := make([]termGroup, 0, len(q.Terms))
	for i, t := range q.Terms {
		t = strings.ToLower(t)
		g := termGroup{word: t}
		if q.Prefix && i == len(q.Terms)-1 {
			g.terms = idx.termsWithPrefix(t)
		} else if _, ok := idx.postings[t]; ok {
			g.terms = []string{t}
		}
		if len(g.terms) == 0 {
			return nil, nil
		}
		groups = append(groups, g)
	}

	// positions[path][group] holds the token positions of that group.
	positions := make(map[string][][]int32)
	for gi, g := range groups {
		for _, term := range g.terms {
			for _, p := range idx.postings[term] {
				if gi > 0 && positions[p.Path] == nil {
					continue
				}
				slots := positions[p.Path]
				if slots == nil {
					slots = make([][]int32, len(groups))
					positions[p.Path] = slots
				}
				slots[gi] = append(slots[gi], p.Positions...)
			}
		}
		for path, slots := range positions {
			if len(slots[gi]) == 0 {
				delete(positions, path)
			}
		}
	}

	n := float64(len(idx.docs))
	avgdl := idx.avgDocLen()
	idf := func(g termGroup) float64 {
		df := 0
		for _, term := range g.terms {
			df += len(idx.postings[term])
		}
		return math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
	}
	idfs := make([]float64, len(groups))
	for i, g := range groups {
		idfs[i] = idf(g)
	}

	var hits []Hit
	scanned := 0
	for path, slots := range positions {
		if scanned++; scanned%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		d := idx.docs[path]
		if d == nil || !keep(d) {
			continue
		}
		inContext := true
		for gi, s := range slots {
			sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
			slots[gi] = q.Context.keep(d, s)
			inContext = inContext && len(slots[gi]) > 0
		}
		if !inContext {
			continue
		}
		dl := float64(len(d.Tokens))
		bm25 := func(tf float64, idf float64) float64 {
			return idf * tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*dl/math.Max(avgdl, 1)))
		}

		hit := Hit{Path: path, Language: d.Language}
		if q.Phrase && len(groups) > 1 {
			starts := phraseStarts(slots)
			if len(starts) == 0 {
				continue
			}
			var idfSum float64
			for _, v := range idfs {
				idfSum += v
			}
			hit.Occurrences = len(starts)
			hit.Score = bm25(float64(len(starts)), idfSum)
			for _, p := range starts {
				hit.Matches = append(hit.Matches, d.tokenMatch(int(p), int(p)+len(groups)-1))
			}
		} else {
			var all []int32
			for gi, s := range slots {
				hit.Occurrences += len(s)
				hit.Score += bm25(float64(len(s)), idfs[gi])
				all = append(all, s...)
			}
			sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
			for _, p := range all {
				hit.Matches = append(hit.Matches, d.tokenMatch(int(p), int(p)))
			}
		}
		if len(hit.Matches) > maxMatchesPerDoc {
			hit.Matches = hit.Matches[:maxMatchesPerDoc]
		}
		for _, g := range groups {
			if d.DefinesSymbol(g.word) {
				hit.SymbolMatch = true
				break
			}
		}
		hits = append(hits, idx.adjust(d, hit))
	}
	return hits, nil
}

// phraseStarts returns positions p where group i occurs at p+i for every i.
func phraseStarts(slots [][]int32) []int32 {
	sets := make([]map[int32]bool, len(slots))
	for i := 1; i < len(slots); i++ {
		sets[i] = make(map[int32]bool, len(slots[i]))
		for _, p := range slots[i] {
			sets[i][p] = true
		}
	}
	var out []int32
	for _, p := range slots[0] {
		ok := true
		for i := 1; i < len(slots) && ok; i++ {
			ok = sets[i][p+int32(i)]
		}
		if ok {
			out = append(out, p)
		}
	}
	return out
}

func (idx *Index) searchRegex(ctx context.Context, expr string, within Context, keep func(*Document) bool) ([]Hit, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("regex %q: %w", expr, err)
	}
	var hits []Hit
	for i, d := range idx.ByRepo("") {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !keep(d) {
			continue
		}
		hit := Hit{Path: d.Path, Language: d.Language}
		for _, loc := range re.FindAllIndex(d.Content, maxMatchesPerDoc) {
			if loc[0] == loc[1] {
				continue
			}
			if within != AnyContext {
				if k, ok := d.kindAt(loc[0], loc[1]); !ok || !within.accepts(k) {
					continue
				}
			}
			hit.Matches = append(hit.Matches, Match{
				Start:     loc[0],
				End:       loc[1],
				StartLine: d.LineOf(loc[0]),
				EndLine:   d.LineOf(loc[1] - 1),
			})
		}
		for _, s := range d.Symbols {
			if re.MatchString(s) {
				hit.SymbolMatch = true
				break
			}
		}
		if len(hit.Matches) == 0 {
			continue
		}
		hit.Occurrences = len(hit.Matches)
		hit.Score = math.Log1p(float64(hit.Occurrences))
		hits = append(hits, idx.adjust(d, hit))
	}
	return hits, nil
}

func (idx *Index) adjust(d *Document, h Hit) Hit {
	if h.SymbolMatch {
		h.Score *= symbolBoost
	}
	if d.Minified() {
		h.Score *= minifiedPenalty
	}
	return h
}

// tokenMatch spans tokens first..last.
func (d *Document) tokenMatch(first, last int) Match {
	a, b := d.Tokens[first], d.Tokens[last]
	return Match{Start: a.Start, End: b.End, StartLine: a.Line, EndLine: b.Line}
}

// NewPathFilter compiles a path filter. A pattern without glob
// metacharacters matches as a substring; a glob without a slash matches the
// base name; otherwise the glob must match the whole path, with ** crossing
// directories.
func NewPathFilter(pattern string) (func(string) bool, error) {
	if pattern == "" {
		return func(string) bool { return true }, nil
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return func(p string) bool { return strings.Contains(p, pattern) }, nil
	}
	// Shell globs negate a class with [!...]; path.Match and RE2 use [^...].
	pattern = strings.ReplaceAll(pattern, "[!", "[^")
	if !strings.Contains(pattern, "/") {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("path glob %q: %w", pattern, err)
		}
		return func(p string) bool {
			ok, _ := path.Match(pattern, path.Base(p))
			return ok
		}, nil
	}
	re, err := globRegexp(pattern)
	if err != nil {
		return nil, fmt.Errorf("path glob %q: %w", pattern, err)
	}
	return re.MatchString, nil
}

func globRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					b.WriteString("(?:.*/)?")
				} else {
					b.WriteString(".*")
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			j := strings.IndexByte(pattern[i:], ']')
			if j < 0 {
				return nil, fmt.Errorf("unterminated character class")
			}
			b.WriteString(pattern[i : i+j+1])
			i += j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

package fulltext

import (
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/DeusData/codebase-search-mcp/internal/lang"
)

// Posting lists the token positions of a term in one file.
type Posting struct {
	Path      string
	Positions []int32
}

// Index is an immutable inverted index. Apply derives a new Index; the
// previous one stays valid for readers that pinned it.
type Index struct {
	docs        map[string]*Document
	postings    map[string][]Posting
	terms       []string // sorted term dictionary
	totalTokens int64
}

// New returns an empty index.
func New() *Index {
	return &Index{
		docs:     make(map[string]*Document),
		postings: make(map[string][]Posting),
	}
}

// Apply retracts removed paths and the previous versions of docs, then
// inserts docs. prev is not modified; a nil prev is an empty index.
func Apply(prev *Index, removed []string, docs []*Document) *Index {
	if prev == nil {
		prev = New()
	}
	idx := &Index{
		docs:        maps.Clone(prev.docs),
		postings:    maps.Clone(prev.postings),
		totalTokens: prev.totalTokens,
	}
	dropped := make(map[string]bool)
	added := make(map[string]bool)

	retract := func(path string) {
		old, ok := idx.docs[path]
		if !ok {
			return
		}
		for term := range termPositions(old) {
			list := idx.postings[term]
			out := make([]Posting, 0, len(list))
			for _, p := range list {
				if p.Path != path {
					out = append(out, p)
				}
			}
			if len(out) == 0 {
				delete(idx.postings, term)
				dropped[term] = true
				continue
			}
			idx.postings[term] = out
		}
		idx.totalTokens -= int64(len(old.Tokens))
		delete(idx.docs, path)
	}
	for _, path := range removed {
		retract(path)
	}
	for _, d := range docs {
		retract(d.Path)
	}

	for _, d := range docs {
		for term, positions := range termPositions(d) {
			list, ok := idx.postings[term]
			if !ok {
				added[term] = true
				delete(dropped, term)
			}
			idx.postings[term] = append(list[:len(list):len(list)], Posting{Path: d.Path, Positions: positions})
		}
		idx.totalTokens += int64(len(d.Tokens))
		idx.docs[d.Path] = d
	}

	idx.terms = mergeTerms(prev.terms, added, dropped)
	return idx
}

// termPositions groups a document's token positions by lower-cased term.
func termPositions(d *Document) map[string][]int32 {
	out := make(map[string][]int32)
	for i, tok := range d.Tokens {
		term := strings.ToLower(tok.Text)
		out[term] = append(out[term], int32(i))
	}
	return out
}

func mergeTerms(prev []string, added, dropped map[string]bool) []string {
	if len(added) == 0 && len(dropped) == 0 {
		return prev
	}
	fresh := slices.Sorted(maps.Keys(added))
	out := make([]string, 0, len(prev)+len(fresh))
	i, j := 0, 0
	for i < len(prev) || j < len(fresh) {
		switch {
		case j == len(fresh) || (i < len(prev) && prev[i] < fresh[j]):
			if !dropped[prev[i]] {
				out = append(out, prev[i])
			}
			i++
		case i == len(prev) || fresh[j] < prev[i]:
			out = append(out, fresh[j])
			j++
		default:
			out = append(out, fresh[j])
			i++
			j++
		}
	}
	return out
}

// Len is the number of indexed files.
func (idx *Index) Len() int { return len(idx.docs) }

// TermCount is the size of the term dictionary.
func (idx *Index) TermCount() int { return len(idx.terms) }

// ByPath returns the document for path.
func (idx *Index) ByPath(path string) (*Document, bool) {
	d, ok := idx.docs[path]
	return d, ok
}

// FileBody returns the content of path.
func (idx *Index) FileBody(path string) ([]byte, bool) {
	d, ok := idx.docs[path]
	if !ok {
		return nil, false
	}
	return d.Content, true
}

// ByRepo returns every document sorted by path, restricted to language
// unless it is empty.
func (idx *Index) ByRepo(language lang.Language) []*Document {
	out := make([]*Document, 0, len(idx.docs))
	for _, d := range idx.docs {
		if language == "" || d.Language == language {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Paths returns the indexed paths, sorted.
func (idx *Index) Paths() []string {
	return slices.Sorted(maps.Keys(idx.docs))
}

// termsWithPrefix returns dictionary terms starting with prefix.
func (idx *Index) termsWithPrefix(prefix string) []string {
	i := sort.SearchStrings(idx.terms, prefix)
	var out []string
	for ; i < len(idx.terms) && strings.HasPrefix(idx.terms[i], prefix); i++ {
		out = append(out, idx.terms[i])
	}
	return out
}

func (idx *Index) avgDocLen() float64 {
	if len(idx.docs) == 0 {
		return 0
	}
	return float64(idx.totalTokens) / float64(len(idx.docs))
}

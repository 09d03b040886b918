// Package graph holds the resolved symbol graph of one repository.
//
// A Graph is immutable once built. Apply derives the next graph from the
// previous one; map entries are copied on write, so both graphs stay valid
// for readers that pinned them.
package graph

import (
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/DeusData/codebase-search-mcp/internal/fqn"
	"github.com/DeusData/codebase-search-mcp/internal/lang"
	"github.com/DeusData/codebase-search-mcp/internal/parser"
)

// SymbolID addresses a symbol in the arena. IDs are stable within a graph
// and its descendants until compaction.
type SymbolID int32

// EdgeID addresses an edge in the arena.
type EdgeID int32

// NoSymbol marks an unresolved edge target or a root symbol's parent.
const NoSymbol SymbolID = -1

// Symbol is a definition placed in the graph.
type Symbol struct {
	ID            SymbolID        `json:"id"`
	Name          string          `json:"name"`
	QualifiedName string          `json:"qualified_name"`
	Kind          lang.SymbolKind `json:"kind"`
	Path          string          `json:"path"`
	Span          parser.Span     `json:"span"`
	Parent        SymbolID        `json:"parent"`
	ModTime       time.Time       `json:"-"`
	dead          bool
}

// Edge is a directed relationship. To is NoSymbol while unresolved.
type Edge struct {
	ID        EdgeID          `json:"id"`
	Kind      parser.EdgeKind `json:"kind"`
	From      SymbolID        `json:"from"`
	To        SymbolID        `json:"to"`
	Name      string          `json:"name"`
	ScopeHint string          `json:"scope_hint,omitempty"`
	Path      string          `json:"path"`
	Site      parser.Span     `json:"site"`
	dead      bool
}

// Resolved reports whether the edge is bound to a symbol.
func (e Edge) Resolved() bool { return e.To != NoSymbol }

// FileResult is a parsed file ready for insertion.
type FileResult struct {
	Path    string
	ModTime time.Time
	Result  *parser.ParseResult
}

// Reference is an edge pointing at a symbol, with its source symbol.
type Reference struct {
	Edge Edge   `json:"edge"`
	From Symbol `json:"from"`
}

// Stats summarises a graph.
type Stats struct {
	Symbols    int                     `json:"symbols"`
	Edges      int                     `json:"edges"`
	Unresolved int                     `json:"unresolved"`
	Files      int                     `json:"files"`
	ByKind     map[lang.SymbolKind]int `json:"by_kind"`
}

// Graph is an immutable symbol graph.
type Graph struct {
	symbols []Symbol
	edges   []Edge

	liveSymbols int
	liveEdges   int

	byFile      map[string][]SymbolID
	edgesByFile map[string][]EdgeID
	byName      map[string][]SymbolID
	byQN        map[string][]SymbolID
	incoming    map[SymbolID][]EdgeID
	outgoing    map[SymbolID][]EdgeID
	// unresolved is keyed by name, then scope hint.
	unresolved      map[string]map[string][]EdgeID
	unresolvedCount int
	modTimes        map[string]time.Time

	// owned is set while Apply builds the graph.
	owned map[ownedKey]bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		byFile:      make(map[string][]SymbolID),
		edgesByFile: make(map[string][]EdgeID),
		byName:      make(map[string][]SymbolID),
		byQN:        make(map[string][]SymbolID),
		incoming:    make(map[SymbolID][]EdgeID),
		outgoing:    make(map[SymbolID][]EdgeID),
		unresolved:  make(map[string]map[string][]EdgeID),
		modTimes:    make(map[string]time.Time),
	}
}

// Symbol returns the live symbol with id.
func (g *Graph) Symbol(id SymbolID) (Symbol, bool) {
	if id < 0 || int(id) >= len(g.symbols) || g.symbols[id].dead {
		return Symbol{}, false
	}
	return g.symbols[id], true
}

// Edge returns the live edge with id.
func (g *Graph) Edge(id EdgeID) (Edge, bool) {
	if id < 0 || int(id) >= len(g.edges) || g.edges[id].dead {
		return Edge{}, false
	}
	return g.edges[id], true
}

// SymbolsInFile returns the symbols defined in path, in source order.
func (g *Graph) SymbolsInFile(path string) []Symbol {
	ids := g.byFile[path]
	out := make([]Symbol, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.symbols[id])
	}
	return out
}

// EdgesInFile returns the edges whose site lies in path.
func (g *Graph) EdgesInFile(path string) []Edge {
	ids := g.edgesByFile[path]
	out := make([]Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.edges[id])
	}
	return out
}

// Lookup returns the symbols with an exact qualified name.
func (g *Graph) Lookup(qn string) []Symbol {
	return g.collect(g.byQN[qn])
}

// DefinitionsOf returns the symbols named name, best match first. hint is an
// optional dotted scope such as a receiver type or module path.
func (g *Graph) DefinitionsOf(name, hint string) []Symbol {
	return g.collect(g.candidates(name, hint, ""))
}

// ReferencesTo returns every non-defines edge bound to id.
func (g *Graph) ReferencesTo(id SymbolID) []Reference {
	var out []Reference
	for _, eid := range g.incoming[id] {
		e := g.edges[eid]
		if e.Kind == parser.EdgeDefines {
			continue
		}
		out = append(out, Reference{Edge: e, From: g.symbols[e.From]})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Edge, out[j].Edge
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Site.StartByte < b.Site.StartByte
	})
	return out
}

// Neighbors returns the symbols connected to id in either direction by edges
// of the given kinds, or of any kind when none are given.
func (g *Graph) Neighbors(id SymbolID, kinds ...parser.EdgeKind) []Symbol {
	seen := make(map[SymbolID]bool)
	visit := func(eid EdgeID, other func(Edge) SymbolID) {
		e := g.edges[eid]
		if len(kinds) > 0 && !slices.Contains(kinds, e.Kind) {
			return
		}
		if o := other(e); o != NoSymbol && o != id {
			seen[o] = true
		}
	}
	for _, eid := range g.outgoing[id] {
		visit(eid, func(e Edge) SymbolID { return e.To })
	}
	for _, eid := range g.incoming[id] {
		visit(eid, func(e Edge) SymbolID { return e.From })
	}
	ids := make([]SymbolID, 0, len(seen))
	for sid := range seen {
		ids = append(ids, sid)
	}
	slices.Sort(ids)
	return g.collect(ids)
}

// UnresolvedCount is the number of live edges without a target.
func (g *Graph) UnresolvedCount() int { return g.unresolvedCount }

// Stats counts live entries.
func (g *Graph) Stats() Stats {
	s := Stats{
		Symbols:    g.liveSymbols,
		Edges:      g.liveEdges,
		Unresolved: g.unresolvedCount,
		Files:      len(g.byFile),
		ByKind:     make(map[lang.SymbolKind]int),
	}
	for _, ids := range g.byFile {
		for _, id := range ids {
			s.ByKind[g.symbols[id].Kind]++
		}
	}
	return s
}

// Files returns the paths with symbols, sorted.
func (g *Graph) Files() []string {
	return slices.Sorted(maps.Keys(g.byFile))
}

func (g *Graph) collect(ids []SymbolID) []Symbol {
	out := make([]Symbol, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.symbols[id])
	}
	return out
}

// candidates orders the definitions of name: exact scope match, same file,
// most recently modified file, then path and position.
func (g *Graph) candidates(name, hint, fromPath string) []SymbolID {
	ids := g.byName[name]
	if len(ids) == 0 {
		return nil
	}
	ids = slices.Clone(ids)
	scopeMatch := func(id SymbolID) bool {
		if hint == "" {
			return false
		}
		scope, _ := fqn.Split(g.symbols[id].QualifiedName)
		return fqn.HasSuffix(scope, hint)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := g.symbols[ids[i]], g.symbols[ids[j]]
		if sa, sb := scopeMatch(a.ID), scopeMatch(b.ID); sa != sb {
			return sa
		}
		if fromPath != "" {
			if fa, fb := a.Path == fromPath, b.Path == fromPath; fa != fb {
				return fa
			}
		}
		if ma, mb := g.modTimes[a.Path], g.modTimes[b.Path]; !ma.Equal(mb) {
			return ma.After(mb)
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Span.StartByte < b.Span.StartByte
	})
	if hint != "" && scopeMatch(ids[0]) {
		n := 0
		for n < len(ids) && scopeMatch(ids[n]) {
			n++
		}
		return ids[:n]
	}
	return ids
}

// resolve picks the target for a name-based edge. Imports with a module hint
// only bind inside that module.
func (g *Graph) resolve(e Edge) SymbolID {
	ids := g.candidates(e.Name, e.ScopeHint, e.Path)
	if len(ids) == 0 {
		return NoSymbol
	}
	if e.Kind == parser.EdgeImports && e.ScopeHint != "" {
		scope, _ := fqn.Split(g.symbols[ids[0]].QualifiedName)
		if !fqn.HasSuffix(scope, e.ScopeHint) && !fqn.HasSuffix(g.symbols[ids[0]].QualifiedName, fqn.Join(e.ScopeHint, e.Name)) {
			return NoSymbol
		}
	}
	return ids[0]
}

// FindSymbols returns live symbols whose name or qualified name contains
// substr (case-insensitive), ordered by name then path.
func (g *Graph) FindSymbols(substr string, limit int) []Symbol {
	substr = strings.ToLower(substr)
	var out []Symbol
	for name, ids := range g.byName {
		if !strings.Contains(strings.ToLower(name), substr) {
			continue
		}
		out = append(out, g.collect(ids)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Span.StartByte < out[j].Span.StartByte
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

package graph

import (
	"maps"
	"slices"
	"sort"
)

// compactMinArena is the arena size below which tombstones are kept.
const compactMinArena = 1024

// Apply returns the graph that results from retracting removed paths and
// inserting results on top of prev. prev is not modified; a nil prev is an
// empty graph. A path in results replaces any earlier version of that file.
func Apply(prev *Graph, removed []string, results []FileResult) *Graph {
	if prev == nil {
		prev = New()
	}
	g := prev.clone()
	g.owned = make(map[ownedKey]bool)
	defer func() { g.owned = nil }()

	for _, path := range removed {
		g.retract(path)
	}
	sorted := slices.Clone(results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for _, fr := range sorted {
		g.retract(fr.Path)
	}

	newNames := make(map[string]bool)
	var pending []EdgeID
	for _, fr := range sorted {
		if fr.Result == nil {
			continue
		}
		pending = append(pending, g.insert(fr, newNames)...)
	}

	// Deferred binding runs before this batch's failures join the side
	// index so each edge is tried once against the final symbol set.
	g.rebind(newNames)
	for _, eid := range pending {
		if to := g.resolve(g.edges[eid]); to != NoSymbol {
			g.bind(eid, to)
		} else {
			g.addUnresolved(eid)
		}
	}

	if g.shouldCompact() {
		return g.compact()
	}
	return g
}

func (g *Graph) clone() *Graph {
	c := &Graph{
		symbols:         slices.Clone(g.symbols),
		edges:           slices.Clone(g.edges),
		liveSymbols:     g.liveSymbols,
		liveEdges:       g.liveEdges,
		byFile:          maps.Clone(g.byFile),
		edgesByFile:     maps.Clone(g.edgesByFile),
		byName:          maps.Clone(g.byName),
		byQN:            maps.Clone(g.byQN),
		incoming:        maps.Clone(g.incoming),
		outgoing:        maps.Clone(g.outgoing),
		unresolved:      maps.Clone(g.unresolved),
		unresolvedCount: g.unresolvedCount,
		modTimes:        maps.Clone(g.modTimes),
	}
	if c.unresolved == nil {
		c.unresolved = make(map[string]map[string][]EdgeID)
	}
	return c
}

// retract tombstones the symbols and edges of path. Edges from other files
// that pointed into it become unresolved again.
func (g *Graph) retract(path string) {
	for _, id := range g.byFile[path] {
		s := &g.symbols[id]
		s.dead = true
		g.liveSymbols--
		drop(g, idxByName, g.byName, s.Name, id)
		drop(g, idxByQN, g.byQN, s.QualifiedName, id)
		for _, eid := range g.incoming[id] {
			e := &g.edges[eid]
			if e.dead || e.Path == path {
				continue
			}
			e.To = NoSymbol
			g.addUnresolved(eid)
		}
		delete(g.incoming, id)
	}
	for _, eid := range g.edgesByFile[path] {
		e := &g.edges[eid]
		if e.dead {
			continue
		}
		e.dead = true
		g.liveEdges--
		if e.To == NoSymbol {
			g.removeUnresolved(eid)
		} else {
			drop(g, idxIncoming, g.incoming, e.To, eid)
		}
		drop(g, idxOutgoing, g.outgoing, e.From, eid)
	}
	delete(g.byFile, path)
	delete(g.edgesByFile, path)
	delete(g.modTimes, path)
}

// insert adds one file and returns its name-based edges, still unbound.
func (g *Graph) insert(fr FileResult, newNames map[string]bool) []EdgeID {
	res := fr.Result
	ids := make([]SymbolID, len(res.Symbols))
	for i, ps := range res.Symbols {
		id := SymbolID(len(g.symbols))
		parent := NoSymbol
		if ps.Parent >= 0 && ps.Parent < i {
			parent = ids[ps.Parent]
		}
		g.symbols = append(g.symbols, Symbol{
			ID:            id,
			Name:          ps.Name,
			QualifiedName: ps.QualifiedName,
			Kind:          ps.Kind,
			Path:          fr.Path,
			Span:          ps.Span,
			Parent:        parent,
			ModTime:       fr.ModTime,
		})
		ids[i] = id
		g.liveSymbols++
		push(g, idxByFile, g.byFile, fr.Path, id)
		push(g, idxByName, g.byName, ps.Name, id)
		push(g, idxByQN, g.byQN, ps.QualifiedName, id)
		newNames[ps.Name] = true
	}
	g.modTimes[fr.Path] = fr.ModTime

	var pending []EdgeID
	for _, pe := range res.Edges {
		if pe.From < 0 || pe.From >= len(ids) {
			continue
		}
		eid := EdgeID(len(g.edges))
		e := Edge{
			ID:        eid,
			Kind:      pe.Kind,
			From:      ids[pe.From],
			To:        NoSymbol,
			Name:      pe.Name,
			ScopeHint: pe.ScopeHint,
			Path:      fr.Path,
			Site:      pe.Site,
		}
		g.edges = append(g.edges, e)
		g.liveEdges++
		push(g, idxEdgesByFile, g.edgesByFile, fr.Path, eid)
		push(g, idxOutgoing, g.outgoing, e.From, eid)
		if pe.Target >= 0 && pe.Target < len(ids) {
			g.edges[eid].To = ids[pe.Target]
			push(g, idxIncoming, g.incoming, ids[pe.Target], eid)
			continue
		}
		pending = append(pending, eid)
	}
	return pending
}

// rebind retries unresolved edges whose name was just defined.
func (g *Graph) rebind(names map[string]bool) {
	for name := range names {
		byHint, ok := g.unresolved[name]
		if !ok {
			continue
		}
		for _, eids := range byHint {
			for _, eid := range eids {
				if to := g.resolve(g.edges[eid]); to != NoSymbol {
					g.removeUnresolved(eid)
					g.bind(eid, to)
				}
			}
		}
	}
}

func (g *Graph) bind(eid EdgeID, to SymbolID) {
	g.edges[eid].To = to
	push(g, idxIncoming, g.incoming, to, eid)
}

func (g *Graph) addUnresolved(eid EdgeID) {
	e := g.edges[eid]
	byHint := g.ownHints(e.Name)
	k := ownedKey{idxUnresolved, [2]string{e.Name, e.ScopeHint}}
	list := byHint[e.ScopeHint]
	if !g.owned[k] {
		list = slices.Clip(list)
		g.owned[k] = true
	}
	byHint[e.ScopeHint] = append(list, eid)
	g.unresolvedCount++
}

func (g *Graph) removeUnresolved(eid EdgeID) {
	e := g.edges[eid]
	list, ok := g.unresolved[e.Name][e.ScopeHint]
	if !ok || !slices.Contains(list, eid) {
		return
	}
	byHint := g.ownHints(e.Name)
	out := make([]EdgeID, 0, len(list)-1)
	for _, x := range list {
		if x != eid {
			out = append(out, x)
		}
	}
	g.unresolvedCount--
	if len(out) > 0 {
		byHint[e.ScopeHint] = out
		g.owned[ownedKey{idxUnresolved, [2]string{e.Name, e.ScopeHint}}] = true
		return
	}
	delete(byHint, e.ScopeHint)
	if len(byHint) == 0 {
		delete(g.unresolved, e.Name)
		delete(g.owned, ownedKey{idxUnresolvedName, e.Name})
	}
}

// ownHints returns the hint map for name, copied if it is still shared
// with the previous graph.
func (g *Graph) ownHints(name string) map[string][]EdgeID {
	k := ownedKey{idxUnresolvedName, name}
	if !g.owned[k] {
		byHint := maps.Clone(g.unresolved[name])
		if byHint == nil {
			byHint = make(map[string][]EdgeID)
		}
		g.unresolved[name] = byHint
		g.owned[k] = true
	}
	return g.unresolved[name]
}

func (g *Graph) shouldCompact() bool {
	if len(g.symbols) < compactMinArena && len(g.edges) < compactMinArena {
		return false
	}
	return g.liveSymbols*2 < len(g.symbols) || g.liveEdges*2 < len(g.edges)
}

// compact rebuilds the arena from live entries. IDs are renumbered.
func (g *Graph) compact() *Graph {
	out := New()
	out.owned = make(map[ownedKey]bool)
	defer func() { out.owned = nil }()
	remap := make([]SymbolID, len(g.symbols))
	for i, s := range g.symbols {
		remap[i] = NoSymbol
		if s.dead {
			continue
		}
		s.ID = SymbolID(len(out.symbols))
		remap[i] = s.ID
		out.symbols = append(out.symbols, s)
	}
	for i := range out.symbols {
		s := &out.symbols[i]
		if s.Parent != NoSymbol {
			s.Parent = remap[s.Parent]
		}
		out.byFile[s.Path] = append(out.byFile[s.Path], s.ID)
		out.byName[s.Name] = append(out.byName[s.Name], s.ID)
		out.byQN[s.QualifiedName] = append(out.byQN[s.QualifiedName], s.ID)
	}
	out.liveSymbols = len(out.symbols)

	for _, e := range g.edges {
		if e.dead {
			continue
		}
		e.ID = EdgeID(len(out.edges))
		e.From = remap[e.From]
		if e.To != NoSymbol {
			e.To = remap[e.To]
		}
		out.edges = append(out.edges, e)
		out.edgesByFile[e.Path] = append(out.edgesByFile[e.Path], e.ID)
		out.outgoing[e.From] = append(out.outgoing[e.From], e.ID)
		if e.To != NoSymbol {
			out.incoming[e.To] = append(out.incoming[e.To], e.ID)
		} else {
			out.addUnresolved(e.ID)
		}
	}
	out.liveEdges = len(out.edges)
	out.modTimes = maps.Clone(g.modTimes)
	return out
}

// Index ids for ownership tracking.
const (
	idxByFile uint8 = iota
	idxEdgesByFile
	idxByName
	idxByQN
	idxIncoming
	idxOutgoing
	idxUnresolved
	idxUnresolvedName
)

type ownedKey struct {
	index uint8
	key   any
}

// push appends v to m[key]. The first write to a key during an Apply copies
// the slice, since its backing array may belong to the previous graph.
func push[K comparable, T SymbolID | EdgeID](g *Graph, index uint8, m map[K][]T, key K, v T) {
	k := ownedKey{index, any(key)}
	s := m[key]
	if !g.owned[k] {
		s = slices.Clip(s)
		g.owned[k] = true
	}
	m[key] = append(s, v)
}

// drop removes v from m[key] into a fresh slice.
func drop[K comparable, T SymbolID | EdgeID](g *Graph, index uint8, m map[K][]T, key K, v T) {
	s, ok := m[key]
	if !ok {
		return
	}
	out := make([]T, 0, len(s))
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		delete(m, key)
		return
	}
	m[key] = out
	g.owned[ownedKey{index, any(key)}] = true
}

// Unresolved returns the live unbound edges, ordered by path and position.
func (g *Graph) Unresolved() []Edge {
	var out []Edge
	for _, byHint := range g.unresolved {
		for _, eids := range byHint {
			for _, eid := range eids {
				out = append(out, g.edges[eid])
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Site.StartByte < out[j].Site.StartByte
	})
	return out
}

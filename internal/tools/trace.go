package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/codebase-search-mcp/internal/fqn"
	"github.com/DeusData/codebase-search-mcp/internal/generation"
	"github.com/DeusData/codebase-search-mcp/internal/graph"
	"github.com/DeusData/codebase-search-mcp/internal/parser"
)

// maxTraceNodes bounds a call path trace.
const maxTraceNodes = 200

func (s *Server) handleFindSymbol(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	name := getStringArg(args, "name")
	if name == "" {
		return errResult("name is required"), nil
	}
	withRefs := getBoolArg(args, "references", true)

	gens, err := s.generations(getStringArg(args, "repo"))
	if err != nil {
		return errResult(err.Error()), nil
	}

	hint, base := fqn.Split(fqn.Normalize(name))
	var defs []map[string]any
	for _, gen := range gens {
		for _, sym := range gen.Graph.DefinitionsOf(base, hint) {
			info := buildSymbolInfo(gen.Repo, sym)
			if withRefs {
				info["references"] = buildReferenceList(gen.Graph.ReferencesTo(sym.ID))
			}
			var neighbors []string
			for _, n := range gen.Graph.Neighbors(sym.ID, parser.EdgeCalls, parser.EdgeImports) {
				neighbors = append(neighbors, n.QualifiedName)
			}
			if len(neighbors) > 0 {
				info["neighbors"] = neighbors
			}
			defs = append(defs, info)
		}
	}
	if len(defs) == 0 {
		return notFound("symbol", name, gens), nil
	}
	return jsonResult(map[string]any{
		"name":        name,
		"definitions": defs,
	}), nil
}

func (s *Server) handleTraceCallPath(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	funcName := getStringArg(args, "function_name")
	if funcName == "" {
		return errResult("function_name is required"), nil
	}

	depth := getIntArg(args, "depth", 3)
	if depth < 1 {
		depth = 1
	}
	if depth > 5 {
		depth = 5
	}

	direction := getStringArg(args, "direction")
	if direction == "" {
		direction = "outbound"
	}
	if direction != "outbound" && direction != "inbound" && direction != "both" {
		return errResult(fmt.Sprintf("invalid direction: %s", direction)), nil
	}

	gens, err := s.generations(getStringArg(args, "repo"))
	if err != nil {
		return errResult(err.Error()), nil
	}

	// Find the function node
	hint, base := fqn.Split(fqn.Normalize(funcName))
	var gen *generation.Generation
	var root graph.Symbol
	for _, g := range gens {
		if defs := g.Graph.DefinitionsOf(base, hint); len(defs) > 0 {
			gen, root = g, defs[0]
			break
		}
	}
	if gen == nil {
		return notFound("function", funcName, gens), nil
	}

	var visited []nodeHop
	var edges []graph.Edge
	if direction == "outbound" || direction == "both" {
		v, e := traceBFS(gen.Graph, root.ID, "outbound", depth)
		visited, edges = append(visited, v...), append(edges, e...)
	}
	if direction == "inbound" || direction == "both" {
		v, e := traceBFS(gen.Graph, root.ID, "inbound", depth)
		visited, edges = append(visited, v...), append(edges, e...)
	}

	return jsonResult(map[string]any{
		"repo":          gen.Repo,
		"generation":    gen.ID,
		"root":          buildSymbolInfo(gen.Repo, root),
		"hops":          buildHops(visited),
		"edges":         buildEdgeList(gen.Graph, edges),
		"total_results": len(visited),
	}), nil
}

type nodeHop struct {
	sym graph.Symbol
	hop int
}

// traceBFS walks resolved call edges from root.
func traceBFS(g *graph.Graph, root graph.SymbolID, direction string, depth int) ([]nodeHop, []graph.Edge) {
	seen := map[graph.SymbolID]bool{root: true}
	frontier := []graph.SymbolID{root}
	var visited []nodeHop
	var edges []graph.Edge
	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var next []graph.SymbolID
		for _, id := range frontier {
			for _, e := range callEdges(g, id, direction) {
				edges = append(edges, e)
				other := e.To
				if direction == "inbound" {
					other = e.From
				}
				if seen[other] || len(visited) >= maxTraceNodes {
					continue
				}
				seen[other] = true
				if sym, ok := g.Symbol(other); ok {
					visited = append(visited, nodeHop{sym: sym, hop: hop})
					next = append(next, other)
				}
			}
		}
		frontier = next
	}
	return visited, edges
}

func callEdges(g *graph.Graph, id graph.SymbolID, direction string) []graph.Edge {
	var out []graph.Edge
	if direction == "inbound" {
		for _, ref := range g.ReferencesTo(id) {
			if ref.Edge.Kind == parser.EdgeCalls && ref.Edge.From != graph.NoSymbol {
				out = append(out, ref.Edge)
			}
		}
		return out
	}
	sym, ok := g.Symbol(id)
	if !ok {
		return nil
	}
	for _, e := range g.EdgesInFile(sym.Path) {
		if e.From == id && e.Kind == parser.EdgeCalls && e.Resolved() {
			out = append(out, e)
		}
	}
	return out
}

type hopEntry struct {
	Hop   int              `json:"hop"`
	Nodes []map[string]any `json:"nodes"`
}

func buildHops(visited []nodeHop) []hopEntry {
	hopMap := map[int][]map[string]any{}
	maxHop := 0
	for _, nh := range visited {
		hopMap[nh.hop] = append(hopMap[nh.hop], map[string]any{
			"name":           nh.sym.Name,
			"qualified_name": nh.sym.QualifiedName,
			"kind":           nh.sym.Kind,
			"file_path":      nh.sym.Path,
		})
		maxHop = max(maxHop, nh.hop)
	}

	var hops []hopEntry
	for h := 1; h <= maxHop; h++ {
		if nodes, ok := hopMap[h]; ok {
			hops = append(hops, hopEntry{Hop: h, Nodes: nodes})
		}
	}
	return hops
}

func buildSymbolInfo(repo string, sym graph.Symbol) map[string]any {
	return map[string]any{
		"repo":           repo,
		"name":           sym.Name,
		"qualified_name": sym.QualifiedName,
		"kind":           sym.Kind,
		"file_path":      sym.Path,
		"start_line":     sym.Span.StartLine,
		"end_line":       sym.Span.EndLine,
	}
}

func buildReferenceList(refs []graph.Reference) []map[string]any {
	result := make([]map[string]any, 0, len(refs))
	for _, r := range refs {
		entry := map[string]any{
			"file_path": r.Edge.Path,
			"line":      r.Edge.Site.StartLine,
			"type":      r.Edge.Kind,
		}
		if r.Edge.From != graph.NoSymbol {
			entry["from"] = r.From.QualifiedName
		}
		result = append(result, entry)
	}
	return result
}

func buildEdgeList(g *graph.Graph, edges []graph.Edge) []map[string]any {
	name := func(id graph.SymbolID) string {
		if sym, ok := g.Symbol(id); ok {
			return sym.QualifiedName
		}
		return ""
	}
	result := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		result = append(result, map[string]any{
			"from": name(e.From),
			"to":   name(e.To),
			"type": e.Kind,
			"line": e.Site.StartLine,
		})
	}
	return result
}

// notFound answers a failed lookup with similarly named symbols.
func notFound(what, name string, gens []*generation.Generation) *mcp.CallToolResult {
	_, base := fqn.Split(fqn.Normalize(name))
	var suggestions []map[string]string
	for _, gen := range gens {
		for _, sym := range gen.Graph.FindSymbols(base, 5) {
			suggestions = append(suggestions, map[string]string{
				"repo":           gen.Repo,
				"name":           sym.Name,
				"qualified_name": sym.QualifiedName,
				"kind":           string(sym.Kind),
			})
		}
	}
	if len(suggestions) == 0 {
		return errResult(fmt.Sprintf("%s not found: %s", what, name))
	}
	return jsonResult(map[string]any{
		"error":       fmt.Sprintf("%s not found: %s", what, name),
		"suggestions": suggestions,
	})
}

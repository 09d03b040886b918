package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/codebase-search-mcp/internal/gitrepo"
	"github.com/DeusData/codebase-search-mcp/internal/graph"
	"github.com/DeusData/codebase-search-mcp/internal/lang"
)

// Risk grades an impacted symbol by its call distance from a change.
type Risk string

const (
	RiskCritical Risk = "CRITICAL"
	RiskHigh     Risk = "HIGH"
	RiskMedium   Risk = "MEDIUM"
	RiskLow      Risk = "LOW"
)

// riskOf maps hop 1 (direct callers) to CRITICAL, 2 to HIGH, 3 to MEDIUM
// and anything further to LOW.
func riskOf(hop int) Risk {
	switch hop {
	case 1:
		return RiskCritical
	case 2:
		return RiskHigh
	case 3:
		return RiskMedium
	}
	return RiskLow
}

func (s *Server) handleDetectChanges(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	repo := getStringArg(args, "repo")
	if repo == "" {
		return errResult("repo is required"), nil
	}
	depth := getIntArg(args, "depth", 3)
	if depth < 1 {
		depth = 1
	}
	if depth > 5 {
		depth = 5
	}

	gens, err := s.generations(repo)
	if err != nil {
		return errResult(err.Error()), nil
	}
	gen := gens[0]

	git, err := gitrepo.Open(gen.Root)
	if err != nil {
		if errors.Is(err, gitrepo.ErrNotRepository) {
			return errResult(fmt.Sprintf("%s is not a git checkout", gen.Root)), nil
		}
		return errResult(err.Error()), nil
	}
	base := getStringArg(args, "base")
	if base == "" {
		base = "HEAD~1"
	}
	head := getStringArg(args, "head")
	if head == "" {
		head = gen.Commit
	}
	if head == "" {
		head = "HEAD"
	}

	files, err := git.ChangedPaths(ctx, base, head)
	if err != nil {
		return errResult(fmt.Sprintf("git diff: %v", err)), nil
	}
	lines, err := git.ChangedLines(ctx, base, head)
	if err != nil {
		slog.Warn("detect_changes.lines.err", "repo", repo, "err", err)
	}

	changed := changedSymbols(gen.Graph, files, lines)
	if len(changed) == 0 && len(files) > 0 {
		slog.Warn("detect_changes.zero_symbols", "repo", repo, "files", len(files))
	}
	impacted := traceImpact(gen.Graph, changed, depth)

	return jsonResult(map[string]any{
		"repo":             repo,
		"generation":       gen.ID,
		"base":             base,
		"head":             head,
		"changed_files":    buildChangedFileList(files),
		"changed_symbols":  buildChangedSymbolList(gen.Repo, changed),
		"impacted_symbols": buildImpactList(impacted),
		"summary":          buildDetectSummary(files, changed, impacted),
	}), nil
}

// changedSymbols finds the symbols of the pinned generation that a diff
// touched. Files with line ranges resolve to the symbols overlapping them;
// deleted, renamed-away and binary files resolve to every symbol they hold.
func changedSymbols(g *graph.Graph, files []gitrepo.ChangedFile, lines map[string][]gitrepo.LineRange) []graph.Symbol {
	seen := make(map[graph.SymbolID]bool)
	var out []graph.Symbol
	add := func(sym graph.Symbol) {
		if !seen[sym.ID] {
			seen[sym.ID] = true
			out = append(out, sym)
		}
	}
	for _, f := range files {
		if f.OldPath != "" {
			for _, sym := range g.SymbolsInFile(f.OldPath) {
				add(sym)
			}
		}
		ranges := lines[f.Path]
		for _, sym := range g.SymbolsInFile(f.Path) {
			if len(ranges) == 0 {
				add(sym)
				continue
			}
			if sym.Kind == lang.KindModule {
				continue
			}
			for _, r := range ranges {
				if sym.Span.StartLine <= r.End && r.Start <= sym.Span.EndLine {
					add(sym)
					break
				}
			}
		}
	}
	return out
}

type impactedSymbol struct {
	sym       graph.Symbol
	hop       int
	changedBy string
}

// traceImpact walks callers inbound from each changed symbol, keeping the
// nearest hop per impacted symbol.
func traceImpact(g *graph.Graph, changed []graph.Symbol, depth int) []impactedSymbol {
	changedIDs := make(map[graph.SymbolID]bool, len(changed))
	for _, sym := range changed {
		changedIDs[sym.ID] = true
	}
	best := make(map[graph.SymbolID]*impactedSymbol)
	for _, sym := range changed {
		visited, _ := traceBFS(g, sym.ID, "inbound", depth)
		for _, nh := range visited {
			if changedIDs[nh.sym.ID] {
				continue
			}
			if cur, ok := best[nh.sym.ID]; !ok || nh.hop < cur.hop {
				best[nh.sym.ID] = &impactedSymbol{sym: nh.sym, hop: nh.hop, changedBy: sym.QualifiedName}
			}
		}
	}

	out := make([]impactedSymbol, 0, len(best))
	for _, is := range best {
		out = append(out, *is)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].hop != out[j].hop {
			return out[i].hop < out[j].hop
		}
		return out[i].sym.QualifiedName < out[j].sym.QualifiedName
	})
	return out
}

func buildChangedFileList(files []gitrepo.ChangedFile) []map[string]any {
	result := make([]map[string]any, len(files))
	for i, f := range files {
		entry := map[string]any{"status": f.Status, "path": f.Path}
		if f.OldPath != "" {
			entry["old_path"] = f.OldPath
		}
		result[i] = entry
	}
	return result
}

func buildChangedSymbolList(repo string, symbols []graph.Symbol) []map[string]any {
	result := make([]map[string]any, len(symbols))
	for i, sym := range symbols {
		result[i] = buildSymbolInfo(repo, sym)
	}
	return result
}

func buildImpactList(impacted []impactedSymbol) []map[string]any {
	result := make([]map[string]any, len(impacted))
	for i, is := range impacted {
		result[i] = map[string]any{
			"name":           is.sym.Name,
			"qualified_name": is.sym.QualifiedName,
			"kind":           is.sym.Kind,
			"file_path":      is.sym.Path,
			"risk":           riskOf(is.hop),
			"hop":            is.hop,
			"changed_by":     is.changedBy,
		}
	}
	return result
}

func buildDetectSummary(files []gitrepo.ChangedFile, changed []graph.Symbol, impacted []impactedSymbol) map[string]any {
	counts := map[Risk]int{}
	for _, is := range impacted {
		counts[riskOf(is.hop)]++
	}
	return map[string]any{
		"changed_files":   len(files),
		"changed_symbols": len(changed),
		"critical":        counts[RiskCritical],
		"high":            counts[RiskHigh],
		"medium":          counts[RiskMedium],
		"low":             counts[RiskLow],
		"total":           len(impacted),
	}
}

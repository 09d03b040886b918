package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/codebase-search-mcp/internal/fulltext"
)

// maxLineLen truncates minified lines in file output.
const maxLineLen = 500

func (s *Server) handleGetFile(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	repo := getStringArg(args, "repo")
	filePath := getStringArg(args, "path")
	if repo == "" || filePath == "" {
		return errResult("repo and path are required"), nil
	}
	startLine := getIntArg(args, "start_line", 0)
	endLine := getIntArg(args, "end_line", 0)

	gens, err := s.generations(repo)
	if err != nil {
		return errResult(err.Error()), nil
	}
	gen := gens[0]
	doc, ok := gen.Fulltext.ByPath(strings.TrimPrefix(filePath, "./"))
	if !ok {
		return errResult(fmt.Sprintf("file not indexed: %s", filePath)), nil
	}

	total := doc.LineCount()
	from, to := max(startLine, 1), total
	if endLine > 0 {
		to = min(endLine, total)
	}
	var lines []string
	if from <= to {
		for i, line := range strings.Split(doc.Lines(from, to), "\n") {
			if len(line) > maxLineLen {
				line = line[:maxLineLen] + "..."
			}
			lines = append(lines, fmt.Sprintf("%4d | %s", from+i, line))
		}
	}

	result := map[string]any{
		"repo":        gen.Repo,
		"path":        doc.Path,
		"language":    doc.Language,
		"generation":  gen.ID,
		"total_lines": total,
		"content":     strings.Join(lines, "\n"),
	}
	if reason, failed := gen.Failures[doc.Path]; failed {
		result["index_warning"] = reason
	}
	if startLine > 0 || endLine > 0 {
		result["range"] = fmt.Sprintf("%d-%d", from, to)
	}
	return jsonResult(result), nil
}

func (s *Server) handleListFiles(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	repo := getStringArg(args, "repo")
	if repo == "" {
		return errResult("repo is required"), nil
	}
	keep, err := fulltext.NewPathFilter(getStringArg(args, "pattern"))
	if err != nil {
		return errResult(err.Error()), nil
	}
	limit := getIntArg(args, "limit", 200)

	gens, err := s.generations(repo)
	if err != nil {
		return errResult(err.Error()), nil
	}
	gen := gens[0]

	type entry struct {
		Path     string `json:"path"`
		Language string `json:"language"`
		Failed   bool   `json:"failed,omitempty"`
	}
	var entries []entry
	matched := 0
	for _, p := range gen.Paths() {
		if !keep(p) {
			continue
		}
		matched++
		if limit > 0 && len(entries) >= limit {
			continue
		}
		_, failed := gen.Failures[p]
		entries = append(entries, entry{Path: p, Language: gen.Manifest[p].Language, Failed: failed})
	}

	return jsonResult(map[string]any{
		"repo":       gen.Repo,
		"generation": gen.ID,
		"count":      matched,
		"entries":    entries,
	}), nil
}

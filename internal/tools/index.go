package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/codebase-search-mcp/internal/generation"
)

func (s *Server) handleIndexRepository(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	repoPath := getStringArg(args, "repo_path")
	if repoPath == "" {
		return errResult("repo_path is required"), nil
	}

	// Resolve to absolute path
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return errResult(fmt.Sprintf("invalid path: %v", err)), nil
	}
	if info, err := os.Stat(absPath); err != nil || !info.IsDir() {
		return errResult(fmt.Sprintf("not a directory: %s", absPath)), nil
	}

	name := getStringArg(args, "name")
	if name == "" {
		name = generation.RepoNameFromPath(absPath)
	}

	if err := s.ctrl.AddRepository(ctx, name, absPath); err != nil {
		return errResult(fmt.Sprintf("indexing failed: %v", err)), nil
	}
	if getBoolArg(args, "wait", true) {
		if err := s.ctrl.WaitIdle(ctx, name); err != nil {
			return errResult(fmt.Sprintf("wait: %v", err)), nil
		}
	}

	st, err := s.ctrl.Status(name)
	if err != nil {
		return errResult(err.Error()), nil
	}
	return jsonResult(st), nil
}

func (s *Server) handleIndexStatus(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	names := s.ctrl.Repositories()
	if repo := getStringArg(args, "repo"); repo != "" {
		names = []string{repo}
	}
	out := make([]generation.Status, 0, len(names))
	for _, name := range names {
		st, err := s.ctrl.Status(name)
		if err != nil {
			return errResult(err.Error()), nil
		}
		out = append(out, st)
	}
	return jsonResult(out), nil
}

func (s *Server) handleListRepositories(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type repoInfo struct {
		Name       string `json:"name"`
		RootPath   string `json:"root_path"`
		Generation int64  `json:"generation"`
		Commit     string `json:"commit,omitempty"`
		Files      int    `json:"files"`
		Symbols    int    `json:"symbols"`
		State      string `json:"state"`
	}

	names := s.ctrl.Repositories()
	result := make([]repoInfo, 0, len(names))
	for _, name := range names {
		st, err := s.ctrl.Status(name)
		if err != nil {
			continue
		}
		result = append(result, repoInfo{
			Name:       st.Repo,
			RootPath:   st.Root,
			Generation: st.Generation,
			Commit:     st.Commit,
			Files:      st.Files,
			Symbols:    st.Symbols,
			State:      string(st.State),
		})
	}
	return jsonResult(result), nil
}

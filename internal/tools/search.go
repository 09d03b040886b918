package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/codebase-search-mcp/internal/query"
)

func (s *Server) handleSearchCode(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	q := getStringArg(args, "query")
	if q == "" {
		return errResult("query is required"), nil
	}
	expr, err := query.Parse(q)
	if err != nil {
		return errResult(fmt.Sprintf("invalid query: %v", err)), nil
	}

	scope := query.Scope{
		Repos:        getStringsArg(args, "repos"),
		PreviewCount: getIntArg(args, "preview_count", 0),
	}
	resp, err := s.engine.Search(ctx, expr, scope)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return errResult(fmt.Sprintf("search: %v", err)), nil
	}
	return jsonResult(resp), nil
}

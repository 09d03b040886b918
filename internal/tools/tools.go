package tools

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/codebase-search-mcp/internal/generation"
	"github.com/DeusData/codebase-search-mcp/internal/query"
)

// Server wraps the MCP server with tool handlers.
type Server struct {
	mcp    *mcp.Server
	ctrl   *generation.Controller
	engine *query.Engine
}

// NewServer creates a new MCP server with all tools registered.
func NewServer(ctrl *generation.Controller, opts query.Options, version string) *Server {
	srv := &Server{
		ctrl:   ctrl,
		engine: query.New(ctrl, opts),
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    "codebase-search-mcp",
				Version: version,
			},
			nil,
		),
	}
	srv.registerTools()
	return srv
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Engine returns the query engine the tools answer from.
func (s *Server) Engine() *query.Engine {
	return s.engine
}

func (s *Server) registerTools() {
	s.mcp.AddTool(&mcp.Tool{
		Name: "search_code",
		Description: "Hybrid code search over indexed repositories. Combines exact full-text matches, symbol definitions and references, and semantic (embedding) similarity into ranked snippets with highlights. " +
			"Query syntax: free terms, \"exact phrase\", prefix*, symbol:Name or symbol:Type.method, path:glob, lang:python, repo:name, regex:pattern, semantic:\"natural language\", in:code|comment|string. " +
			"Only preview_count files are returned in detail; total and remaining report the matches beyond the preview.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "Query expression, e.g. 'symbol:add', 'retry backoff lang:go', 'semantic:\"where are sessions expired\"'"
				},
				"repos": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Repositories to search. Defaults to all."
				},
				"preview_count": {
					"type": "integer",
					"description": "Number of files returned with snippets (default 10)"
				}
			},
			"required": ["query"]
		}`),
	}, s.handleSearchCode)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "index_repository",
		Description: "Register a repository and index it. Files are parsed for symbols, indexed for full-text search and embedded for semantic search. Later changes are picked up incrementally by the file watcher.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"repo_path": {
					"type": "string",
					"description": "Absolute path to the repository checkout"
				},
				"name": {
					"type": "string",
					"description": "Repository name. Derived from the path when omitted."
				},
				"wait": {
					"type": "boolean",
					"description": "Wait for the first generation to publish (default true)"
				}
			},
			"required": ["repo_path"]
		}`),
	}, s.handleIndexRepository)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "index_status",
		Description: "Index status per repository: current generation id, last synced commit, build state, unresolved symbol edges, embedding-degraded chunks and the last build error.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"repo": {
					"type": "string",
					"description": "Repository name. Omit for all repositories."
				}
			}
		}`),
	}, s.handleIndexStatus)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "list_repositories",
		Description: "List indexed repositories with their root path, generation and file counts.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}, s.handleListRepositories)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "get_file",
		Description: "Read a file as of the repository's current index generation. Supports line range selection for large files.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"repo": {
					"type": "string",
					"description": "Repository name"
				},
				"path": {
					"type": "string",
					"description": "File path relative to the repository root"
				},
				"start_line": {
					"type": "integer",
					"description": "Start reading from this line (1-based, optional)"
				},
				"end_line": {
					"type": "integer",
					"description": "Stop reading at this line (inclusive, optional)"
				}
			},
			"required": ["repo", "path"]
		}`),
	}, s.handleGetFile)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "list_files",
		Description: "List the files of a repository's current index generation. Supports glob patterns ('*.go', 'src/**/*.py') or plain substrings.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"repo": {
					"type": "string",
					"description": "Repository name"
				},
				"pattern": {
					"type": "string",
					"description": "Glob pattern or substring to filter paths"
				},
				"limit": {
					"type": "integer",
					"description": "Max entries (default 200)"
				}
			},
			"required": ["repo"]
		}`),
	}, s.handleListFiles)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "find_symbol",
		Description: "Find the definitions of a symbol and every site that references, calls or imports it. Accepts a plain name ('add') or a scoped one ('Order.total'). Suggests similar names when nothing matches.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {
					"type": "string",
					"description": "Symbol name, optionally qualified"
				},
				"repo": {
					"type": "string",
					"description": "Repository name. Omit to search all."
				},
				"references": {
					"type": "boolean",
					"description": "Include reference sites (default true)"
				}
			},
			"required": ["name"]
		}`),
	}, s.handleFindSymbol)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "trace_call_path",
		Description: "Trace call paths from/to a function using BFS over resolved call edges. Returns hop-by-hop callees or callers and the call edges between them.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"function_name": {
					"type": "string",
					"description": "Name of the function to trace (e.g. 'ProcessOrder')"
				},
				"repo": {
					"type": "string",
					"description": "Repository name. Omit to search all."
				},
				"depth": {
					"type": "integer",
					"description": "Maximum BFS depth (1-5, default 3)"
				},
				"direction": {
					"type": "string",
					"description": "Traversal direction: 'outbound' (what it calls), 'inbound' (what calls it), or 'both'",
					"enum": ["outbound", "inbound", "both"]
				}
			},
			"required": ["function_name"]
		}`),
	}, s.handleTraceCallPath)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "detect_changes",
		Description: "Map the commits between base and head to the symbols they touched and the callers affected. Changed hunks are matched to functions and classes of the current index generation, then inbound call edges are traced with a risk grade per hop: 1=CRITICAL (direct callers), 2=HIGH, 3=MEDIUM, 4+=LOW.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"repo": {
					"type": "string",
					"description": "Repository name"
				},
				"base": {
					"type": "string",
					"description": "Base revision: commit hash, branch, tag or expression like HEAD~3 (default HEAD~1)"
				},
				"head": {
					"type": "string",
					"description": "Head revision (default: the commit the current generation was built from)"
				},
				"depth": {
					"type": "integer",
					"description": "Maximum caller depth (1-5, default 3)"
				}
			},
			"required": ["repo"]
		}`),
	}, s.handleDetectChanges)
}

// jsonResult marshals data to JSON and returns as tool result.
func jsonResult(data any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errResult("json marshal err=" + err.Error())
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(b)},
		},
	}
}

// errResult returns a tool result indicating an error.
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}

// parseArgs unmarshals the raw JSON arguments into a map.
func parseArgs(req *mcp.CallToolRequest) (map[string]any, error) {
	if len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &m); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return m, nil
}

// getStringArg extracts a string argument from parsed args.
func getStringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// getStringsArg extracts a string array argument.
func getStringsArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getIntArg extracts an integer argument with a default value.
func getIntArg(args map[string]any, key string, defaultVal int) int {
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	f, ok := v.(float64) // JSON numbers decode as float64
	if !ok {
		return defaultVal
	}
	return int(f)
}

// getBoolArg extracts a boolean argument, or defaultVal when absent.
func getBoolArg(args map[string]any, key string, defaultVal bool) bool {
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

// generations pins the current generation of repo, or of every repository
// when repo is empty.
func (s *Server) generations(repo string) ([]*generation.Generation, error) {
	names := s.ctrl.Repositories()
	if repo != "" {
		names = []string{repo}
	}
	var out []*generation.Generation
	for _, name := range names {
		gen, ok := s.ctrl.Current(name)
		if !ok {
			if repo != "" {
				return nil, fmt.Errorf("repository not indexed: %s", repo)
			}
			continue
		}
		out = append(out, gen)
	}
	return out, nil
}

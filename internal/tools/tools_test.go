package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/codebase-search-mcp/internal/generation"
	"github.com/DeusData/codebase-search-mcp/internal/query"
	"github.com/DeusData/codebase-search-mcp/internal/store"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	var stores []*store.Store
	t.Cleanup(func() {
		for _, st := range stores {
			st.Close()
		}
	})
	ctrl := generation.New(generation.Options{
		Open: func(string) (generation.Persister, error) {
			st, err := store.OpenMemory()
			if err != nil {
				return nil, err
			}
			stores = append(stores, st)
			return st, nil
		},
	})
	t.Cleanup(ctrl.Close)
	return NewServer(ctrl, query.DefaultOptions(), "test")
}

type handler func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error)

func call(t *testing.T, h handler, args map[string]any) (string, bool) {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	res, err := h(context.Background(), &mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Arguments: raw}})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content %T", res.Content[0])
	}
	return text.Text, res.IsError
}

func indexDemo(t *testing.T, s *Server) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", "def add(a, b):\n    return a + b\n")
	writeFile(t, dir, "bar.py", "from foo import add\n\ndef total():\n    return add(1, 2)\n")

	out, isErr := call(t, s.handleIndexRepository, map[string]any{"repo_path": dir, "name": "demo"})
	if isErr {
		t.Fatalf("index_repository: %s", out)
	}
	var st generation.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Generation != 1 || st.Files != 2 {
		t.Fatalf("unexpected status after indexing: %+v", st)
	}
}

func TestIndexAndSearch(t *testing.T) {
	s := newTestServer(t)
	indexDemo(t, s)

	out, isErr := call(t, s.handleSearchCode, map[string]any{"query": "symbol:add", "preview_count": 5})
	if isErr {
		t.Fatalf("search_code: %s", out)
	}
	var resp query.Response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected foo.py and bar.py, got %+v", resp.Results)
	}
	if resp.Generations["demo"] != 1 {
		t.Errorf("expected generation 1 pinned, got %v", resp.Generations)
	}

	if out, isErr := call(t, s.handleSearchCode, map[string]any{"query": `"unterminated`}); !isErr {
		t.Errorf("expected invalid query error, got %s", out)
	}
	if out, isErr := call(t, s.handleSearchCode, map[string]any{"query": "add", "repos": []string{"nope"}}); !isErr {
		t.Errorf("expected unknown repository error, got %s", out)
	}
}

func TestIndexStatusAndList(t *testing.T) {
	s := newTestServer(t)
	indexDemo(t, s)

	out, isErr := call(t, s.handleIndexStatus, map[string]any{})
	if isErr {
		t.Fatalf("index_status: %s", out)
	}
	var statuses []generation.Status
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(statuses) != 1 || statuses[0].State != generation.Idle || statuses[0].Symbols == 0 {
		t.Errorf("unexpected statuses: %+v", statuses)
	}

	if out, isErr := call(t, s.handleIndexStatus, map[string]any{"repo": "missing"}); !isErr {
		t.Errorf("expected error for unknown repository, got %s", out)
	}

	out, _ = call(t, s.handleListRepositories, nil)
	if !strings.Contains(out, `"name": "demo"`) {
		t.Errorf("list_repositories: %s", out)
	}
}

func TestGetFileAndListFiles(t *testing.T) {
	s := newTestServer(t)
	indexDemo(t, s)

	out, isErr := call(t, s.handleGetFile, map[string]any{"repo": "demo", "path": "bar.py", "start_line": 3, "end_line": 4})
	if isErr {
		t.Fatalf("get_file: %s", out)
	}
	var file map[string]any
	if err := json.Unmarshal([]byte(out), &file); err != nil {
		t.Fatal(err)
	}
	content, _ := file["content"].(string)
	if !strings.Contains(content, "   3 | def total():") || strings.Contains(content, "from foo") {
		t.Errorf("unexpected content:\n%s", content)
	}
	if file["total_lines"].(float64) != 4 {
		t.Errorf("total_lines = %v", file["total_lines"])
	}

	if out, isErr := call(t, s.handleGetFile, map[string]any{"repo": "demo", "path": "absent.py"}); !isErr {
		t.Errorf("expected error for unindexed file, got %s", out)
	}

	out, _ = call(t, s.handleListFiles, map[string]any{"repo": "demo", "pattern": "b*.py"})
	if !strings.Contains(out, "bar.py") || strings.Contains(out, "foo.py") {
		t.Errorf("list_files: %s", out)
	}
}

func TestFindSymbolAndTrace(t *testing.T) {
	s := newTestServer(t)
	indexDemo(t, s)

	out, isErr := call(t, s.handleFindSymbol, map[string]any{"name": "add"})
	if isErr {
		t.Fatalf("find_symbol: %s", out)
	}
	if !strings.Contains(out, `"file_path": "foo.py"`) || !strings.Contains(out, `"file_path": "bar.py"`) {
		t.Errorf("expected definition and reference sites: %s", out)
	}
	if !strings.Contains(out, `"neighbors"`) {
		t.Errorf("expected the caller of add among its neighbors: %s", out)
	}

	out, _ = call(t, s.handleFindSymbol, map[string]any{"name": "ad"})
	if !strings.Contains(out, "suggestions") {
		t.Errorf("expected suggestions for a near miss: %s", out)
	}

	out, isErr = call(t, s.handleTraceCallPath, map[string]any{"function_name": "add", "direction": "inbound"})
	if isErr {
		t.Fatalf("trace_call_path: %s", out)
	}
	if !strings.Contains(out, "total") {
		t.Errorf("expected total as a caller of add: %s", out)
	}

	if out, isErr := call(t, s.handleTraceCallPath, map[string]any{"function_name": "add", "direction": "sideways"}); !isErr {
		t.Errorf("expected invalid direction error, got %s", out)
	}
}

func commitAll(t *testing.T, wt *git.Worktree, msg string) {
	t.Helper()
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestDetectChanges(t *testing.T) {
	dir := t.TempDir()
	raw, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := raw.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "foo.py", "def add(a, b):\n    return a + b\n\n\ndef mul(a, b):\n    return a * b\n")
	writeFile(t, dir, "bar.py", "from foo import add\n\ndef total():\n    return add(1, 2)\n")
	writeFile(t, dir, "baz.py", "from bar import total\n\ndef report():\n    return total()\n")
	commitAll(t, wt, "first")
	writeFile(t, dir, "foo.py", "def add(a, b):\n    return b + a\n\n\ndef mul(a, b):\n    return a * b\n")
	commitAll(t, wt, "second")

	s := newTestServer(t)
	if out, isErr := call(t, s.handleIndexRepository, map[string]any{"repo_path": dir, "name": "calc"}); isErr {
		t.Fatalf("index_repository: %s", out)
	}

	out, isErr := call(t, s.handleDetectChanges, map[string]any{"repo": "calc"})
	if isErr {
		t.Fatalf("detect_changes: %s", out)
	}
	var resp struct {
		ChangedFiles []struct {
			Status string `json:"status"`
			Path   string `json:"path"`
		} `json:"changed_files"`
		ChangedSymbols []struct {
			Name string `json:"name"`
		} `json:"changed_symbols"`
		Impacted []struct {
			Name      string `json:"name"`
			Risk      string `json:"risk"`
			Hop       int    `json:"hop"`
			ChangedBy string `json:"changed_by"`
		} `json:"impacted_symbols"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.ChangedFiles) != 1 || resp.ChangedFiles[0].Path != "foo.py" || resp.ChangedFiles[0].Status != "M" {
		t.Errorf("changed files = %+v", resp.ChangedFiles)
	}
	if len(resp.ChangedSymbols) != 1 || resp.ChangedSymbols[0].Name != "add" {
		t.Errorf("changed symbols = %+v, want only add", resp.ChangedSymbols)
	}
	want := []struct {
		name string
		risk Risk
		hop  int
	}{
		{"total", RiskCritical, 1},
		{"report", RiskHigh, 2},
	}
	if len(resp.Impacted) != len(want) {
		t.Fatalf("impacted = %+v", resp.Impacted)
	}
	for i, w := range want {
		got := resp.Impacted[i]
		if got.Name != w.name || got.Risk != string(w.risk) || got.Hop != w.hop {
			t.Errorf("impacted[%d] = %+v, want %s %s hop %d", i, got, w.name, w.risk, w.hop)
		}
	}

	// An empty range changes nothing.
	out, _ = call(t, s.handleDetectChanges, map[string]any{"repo": "calc", "base": "HEAD", "head": "HEAD"})
	if !strings.Contains(out, `"total": 0`) {
		t.Errorf("expected no impact for an empty range: %s", out)
	}

	if out, isErr := call(t, s.handleDetectChanges, map[string]any{"repo": "calc", "base": "no-such-branch"}); !isErr {
		t.Errorf("expected an error for an unknown revision, got %s", out)
	}
	if out, isErr := call(t, s.handleDetectChanges, map[string]any{}); !isErr {
		t.Errorf("expected repo is required, got %s", out)
	}
}

func TestDetectChangesOutsideGit(t *testing.T) {
	s := newTestServer(t)
	indexDemo(t, s)
	out, isErr := call(t, s.handleDetectChanges, map[string]any{"repo": "demo"})
	if !isErr || !strings.Contains(out, "not a git checkout") {
		t.Errorf("expected a not-a-checkout error, got %s", out)
	}
}

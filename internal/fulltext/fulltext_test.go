package fulltext

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/DeusData/codebase-search-mcp/internal/lang"
	"github.com/DeusData/codebase-search-mcp/internal/parser"
)

func doc(t *testing.T, path, content string) *Document {
	t.Helper()
	snap := parser.NewSnapshot("r", path, []byte(content), time.Unix(100, 0))
	res, _ := parser.Parse(snap)
	return NewDocument(snap, res)
}

func search(t *testing.T, idx *Index, q Query) []Hit {
	t.Helper()
	hits, err := idx.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("Search(%+v): %v", q, err)
	}
	return hits
}

func paths(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Path
	}
	return out
}

func TestDocumentLines(t *testing.T) {
	d := doc(t, "notes.txt", "alpha\nbeta\n\ngamma")
	if d.LineCount() != 4 {
		t.Fatalf("LineCount = %d, want 4", d.LineCount())
	}
	tests := []struct {
		offset int
		line   int
	}{
		{0, 1}, {5, 1}, {6, 2}, {11, 3}, {12, 4}, {16, 4},
	}
	for _, tt := range tests {
		if got := d.LineOf(tt.offset); got != tt.line {
			t.Errorf("LineOf(%d) = %d, want %d", tt.offset, got, tt.line)
		}
	}
	if got := d.Lines(2, 4); got != "beta\n\ngamma" {
		t.Errorf("Lines(2,4) = %q", got)
	}
	if got := d.Lines(4, 9); got != "gamma" {
		t.Errorf("Lines clamps to the end: %q", got)
	}

	trailing := doc(t, "t.txt", "one\ntwo\n")
	if trailing.LineCount() != 2 {
		t.Errorf("trailing newline LineCount = %d, want 2", trailing.LineCount())
	}
}

func TestTermSearch(t *testing.T) {
	idx := Apply(nil, nil, []*Document{
		doc(t, "a.py", "def parse_config(path):\n    return load(path)\n"),
		doc(t, "b.py", "def load(path):\n    return open(path).read()\n"),
		doc(t, "c.md", "Nothing relevant here.\n"),
	})
	if idx.Len() != 3 {
		t.Fatalf("Len = %d", idx.Len())
	}

	hits := search(t, idx, Query{Terms: []string{"load"}})
	if got := strings.Join(paths(hits), ","); got != "b.py,a.py" {
		t.Errorf("load hits = %s, want b.py (defines load) first", got)
	}
	if !hits[0].SymbolMatch || hits[1].SymbolMatch {
		t.Errorf("symbol match flags = %v, %v", hits[0].SymbolMatch, hits[1].SymbolMatch)
	}

	// Terms are ANDed and case-insensitive.
	hits = search(t, idx, Query{Terms: []string{"LOAD", "parse_config"}})
	if len(hits) != 1 || hits[0].Path != "a.py" {
		t.Fatalf("AND hits = %v", paths(hits))
	}
	if hits[0].Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", hits[0].Occurrences)
	}
	m := hits[0].Matches[0]
	if m.StartLine != 1 || m.Start != 4 || m.End != 16 {
		t.Errorf("first match = %+v, want parse_config at 4..16 on line 1", m)
	}

	if hits := search(t, idx, Query{Terms: []string{"missing"}}); len(hits) != 0 {
		t.Errorf("unknown term matched %v", paths(hits))
	}
}

func TestPhraseAndPrefix(t *testing.T) {
	idx := Apply(nil, nil, []*Document{
		doc(t, "a.txt", "open the file now\n"),
		doc(t, "b.txt", "the file was opened\n"),
		doc(t, "c.txt", "file the open\n"),
	})

	hits := search(t, idx, Query{Terms: []string{"open", "the"}, Phrase: true})
	if len(hits) != 1 || hits[0].Path != "a.txt" {
		t.Fatalf("phrase hits = %v", paths(hits))
	}
	if m := hits[0].Matches[0]; m.Start != 0 || m.End != 8 {
		t.Errorf("phrase match = %+v, want 0..8", m)
	}

	hits = search(t, idx, Query{Terms: []string{"ope"}, Prefix: true})
	if got := len(hits); got != 3 {
		t.Errorf("prefix hits = %v, want all three", paths(hits))
	}
}

func TestRegexSearch(t *testing.T) {
	idx := Apply(nil, nil, []*Document{
		doc(t, "a.go", "package a\n\n// TODO: fix\nfunc A() {}\n"),
		doc(t, "b.go", "package b\n"),
	})
	hits := search(t, idx, Query{Regex: `TODO:\s+\w+`})
	if len(hits) != 1 || hits[0].Path != "a.go" {
		t.Fatalf("regex hits = %v", paths(hits))
	}
	if m := hits[0].Matches[0]; m.StartLine != 3 || m.EndLine != 3 {
		t.Errorf("regex match lines = %d..%d, want 3", m.StartLine, m.EndLine)
	}

	if _, err := idx.Search(context.Background(), Query{Regex: "("}); err == nil {
		t.Error("invalid regex should fail")
	}
}

func TestFilters(t *testing.T) {
	idx := Apply(nil, nil, []*Document{
		doc(t, "src/app/main.go", "package main // handler\n"),
		doc(t, "src/lib/util.py", "# handler\n"),
		doc(t, "docs/handler.md", "handler\n"),
	})
	tests := []struct {
		name string
		q    Query
		want string
	}{
		{"substring", Query{Terms: []string{"handler"}, PathGlob: "src/"}, "src/app/main.go,src/lib/util.py"},
		{"base glob", Query{Terms: []string{"handler"}, PathGlob: "*.py"}, "src/lib/util.py"},
		{"double star", Query{Terms: []string{"handler"}, PathGlob: "src/**/*.go"}, "src/app/main.go"},
		{"language", Query{Terms: []string{"handler"}, Language: lang.Python}, "src/lib/util.py"},
		{"path only", Query{PathGlob: "docs/**"}, "docs/handler.md"},
		{"negated class", Query{Terms: []string{"handler"}, PathGlob: "[!s]*/**"}, "docs/handler.md"},
		{"negated base", Query{Terms: []string{"handler"}, PathGlob: "src/[!a]*/*"}, "src/lib/util.py"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits := search(t, idx, tt.q)
			got := paths(hits)
			sort.Strings(got)
			if strings.Join(got, ",") != tt.want {
				t.Errorf("got %v, want %s", got, tt.want)
			}
		})
	}
}

func TestContextFilter(t *testing.T) {
	idx := Apply(nil, nil, []*Document{
		doc(t, "ident.py", "widget = 1\n"),
		doc(t, "comment.py", "# widget goes here\nx = 1\n"),
		doc(t, "string.py", "x = \"widget\"\n"),
	})
	tests := []struct {
		in   Context
		want string
	}{
		{AnyContext, "comment.py,ident.py,string.py"},
		{InCode, "ident.py"},
		{InComment, "comment.py"},
		{InString, "string.py"},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			got := paths(search(t, idx, Query{Terms: []string{"widget"}, Context: tt.in}))
			sort.Strings(got)
			if strings.Join(got, ",") != tt.want {
				t.Errorf("terms: got %v, want %s", got, tt.want)
			}
			got = paths(search(t, idx, Query{Regex: `widg\w+`, Context: tt.in}))
			sort.Strings(got)
			if strings.Join(got, ",") != tt.want {
				t.Errorf("regex: got %v, want %s", got, tt.want)
			}
		})
	}

	// Every term of a query has to occur in the context.
	if hits := search(t, idx, Query{Terms: []string{"widget", "goes"}, Context: InComment}); len(hits) != 1 {
		t.Errorf("comment AND hits = %v", paths(hits))
	}
	if hits := search(t, idx, Query{Terms: []string{"widget", "x"}, Context: InComment}); len(hits) != 0 {
		t.Errorf("x is code, got %v", paths(hits))
	}

	for in, want := range map[string]Context{"": AnyContext, "code": InCode, "Comments": InComment, "string": InString} {
		if got, err := ParseContext(in); err != nil || got != want {
			t.Errorf("ParseContext(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseContext("docstring"); err == nil {
		t.Error("unknown context should fail")
	}
}

func TestMinifiedPenalty(t *testing.T) {
	long := "var x = widget;" + strings.Repeat(" a", 300) + "\n"
	idx := Apply(nil, nil, []*Document{
		doc(t, "bundle.js", long),
		doc(t, "small.js", "var y = widget;\n"+strings.Repeat("a\n", 150)),
	})
	hits := search(t, idx, Query{Terms: []string{"widget"}})
	if len(hits) != 2 || hits[0].Path != "small.js" {
		t.Errorf("minified file should rank last: %v", paths(hits))
	}
}

func TestApplyIsCopyOnWrite(t *testing.T) {
	v1 := Apply(nil, nil, []*Document{
		doc(t, "a.txt", "apple banana\n"),
		doc(t, "b.txt", "banana cherry\n"),
	})
	v2 := Apply(v1, []string{"b.txt"}, []*Document{doc(t, "a.txt", "apple durian\n")})

	if got := paths(search(t, v1, Query{Terms: []string{"cherry"}})); len(got) != 1 {
		t.Errorf("v1 lost cherry: %v", got)
	}
	if got := paths(search(t, v2, Query{Terms: []string{"cherry"}})); len(got) != 0 {
		t.Errorf("v2 still has cherry: %v", got)
	}
	if got := paths(search(t, v2, Query{Terms: []string{"banana"}})); len(got) != 0 {
		t.Errorf("v2 still has banana: %v", got)
	}
	if got := paths(search(t, v2, Query{Terms: []string{"dur"}, Prefix: true})); len(got) != 1 {
		t.Errorf("v2 prefix dictionary missing durian: %v", got)
	}
	if got := paths(search(t, v2, Query{Terms: []string{"cher"}, Prefix: true})); len(got) != 0 {
		t.Errorf("v2 prefix dictionary kept cherry: %v", got)
	}
	if v2.Len() != 1 || v1.Len() != 2 {
		t.Errorf("Len v1=%d v2=%d", v1.Len(), v2.Len())
	}
	body, ok := v2.FileBody("a.txt")
	if !ok || string(body) != "apple durian\n" {
		t.Errorf("FileBody = %q", body)
	}
	if _, ok := v2.ByPath("b.txt"); ok {
		t.Error("removed path still addressable")
	}
}

func TestByRepoLanguage(t *testing.T) {
	idx := Apply(nil, nil, []*Document{
		doc(t, "z.go", "package z\n"),
		doc(t, "a.go", "package a\n"),
		doc(t, "a.py", "x = 1\n"),
	})
	got := idx.ByRepo(lang.Go)
	if len(got) != 2 || got[0].Path != "a.go" || got[1].Path != "z.go" {
		t.Errorf("ByRepo(go) = %v", got)
	}
	if all := idx.ByRepo(""); len(all) != 3 {
		t.Errorf("ByRepo(all) = %d docs", len(all))
	}
}

func TestSearchHonoursCancellation(t *testing.T) {
	var docs []*Document
	for i := 0; i < 600; i++ {
		docs = append(docs, doc(t, fmt.Sprintf("f%03d.txt", i), "needle\n"))
	}
	idx := Apply(nil, nil, docs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := idx.Search(ctx, Query{Regex: "needle"}); err == nil {
		t.Error("expected context error")
	}
}

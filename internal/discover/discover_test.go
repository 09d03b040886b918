package discover

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
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

func relPaths(files []FileInfo) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.RelPath)
	}
	sort.Strings(out)
	return out
}

func TestDiscoverBasic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")
	writeFile(t, dir, "app.py", "def main(): pass\n")
	writeFile(t, dir, "docs/README.md", "# docs\n")

	files, err := Discover(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	got := relPaths(files)
	want := []string{"app.py", "docs/README.md", "main.go"}
	if len(got) != len(want) {
		t.Fatalf("files = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	for _, f := range files {
		if f.Path == "" || f.Size == 0 || f.ModTime.IsZero() {
			t.Errorf("incomplete FileInfo %+v", f)
		}
	}
}

func TestDiscoverIgnores(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".gitignore", "generated/\n*.log\n")
	writeFile(t, dir, "src/app.go", "package src\n")
	writeFile(t, dir, "generated/out.go", "package gen\n")
	writeFile(t, dir, "node_modules/x/index.js", "x\n")
	writeFile(t, dir, "vendor/lib/lib.go", "package lib\n")
	writeFile(t, dir, "debug.log", "noise\n")
	writeFile(t, dir, "image.png", "\x89PNG")
	writeFile(t, dir, ".git/HEAD", "ref: refs/heads/main\n")

	files, err := Discover(context.Background(), dir, &Options{Patterns: []string{"*.tmp.go"}})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	got := relPaths(files)
	want := []string{".gitignore", "src/app.go"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("files = %v, want %v", got, want)
	}
}

func TestDiscoverMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "small.go", "package a\n")
	writeFile(t, dir, "big.go", string(make([]byte, 64)))

	files, err := Discover(context.Background(), dir, &Options{MaxFileSize: 32})
	if err != nil {
		t.Fatal(err)
	}
	if got := relPaths(files); len(got) != 1 || got[0] != "small.go" {
		t.Errorf("files = %v", got)
	}
}

func TestFilterSkipFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".cbsignore", "secret/\n")
	f := NewFilter(dir, nil)

	tests := []struct {
		rel  string
		skip bool
	}{
		{"src/main.go", false},
		{"secret/key.go", true},
		{"node_modules/a/b.js", true},
		{"web/app.min.js", true},
		{"go.sum", true},
	}
	for _, tt := range tests {
		if got := f.SkipFile(tt.rel, 10); got != tt.skip {
			t.Errorf("SkipFile(%s) = %v, want %v", tt.rel, got, tt.skip)
		}
	}
}

func TestFilterRel(t *testing.T) {
	dir := t.TempDir()
	f := NewFilter(dir, nil)
	if rel, ok := f.Rel(filepath.Join(dir, "a", "b.go")); !ok || rel != "a/b.go" {
		t.Errorf("Rel = %q, %v", rel, ok)
	}
	if _, ok := f.Rel(filepath.Dir(dir)); ok {
		t.Error("path outside root should not resolve")
	}
}

func TestDiscoverCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Discover(ctx, dir, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

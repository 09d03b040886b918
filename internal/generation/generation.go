// Package generation builds and publishes immutable index generations for
// each repository and keeps them current as ChangeSets arrive.
package generation

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/DeusData/codebase-search-mcp/internal/embedding"
	"github.com/DeusData/codebase-search-mcp/internal/fulltext"
	"github.com/DeusData/codebase-search-mcp/internal/graph"
	"github.com/DeusData/codebase-search-mcp/internal/store"
)

var (
	// ErrNoChanges is returned by Build when a ChangeSet changes nothing.
	ErrNoChanges = errors.New("no effective changes")
	// ErrUnknownRepository is returned for names never added to the controller.
	ErrUnknownRepository = errors.New("unknown repository")
)

// IndexCommitFailure means a built generation could not be persisted and
// was not published.
type IndexCommitFailure struct {
	Repo       string
	Generation int64
	Err        error
}

func (e *IndexCommitFailure) Error() string {
	return fmt.Sprintf("commit %s generation %d: %v", e.Repo, e.Generation, e.Err)
}

func (e *IndexCommitFailure) Unwrap() error { return e.Err }

// FileEntry is a manifest row: the snapshot of a path in a generation.
type FileEntry struct {
	Hash     string    `json:"hash"`
	Language string    `json:"language"`
	ModTime  time.Time `json:"mod_time"`
}

// Generation is one consistent, immutable view of a repository. Every
// index in it was built from the same file manifest.
type Generation struct {
	ID        int64
	BuildID   string
	Repo      string
	Root      string
	Commit    string
	CreatedAt time.Time
	Summary   store.Summary

	Fulltext *fulltext.Index
	Vectors  *embedding.Index
	Graph    *graph.Graph
	Manifest map[string]FileEntry
	// Failures maps paths that failed to read or parse to the error text.
	// A parse failure still leaves the file indexed lexically.
	Failures map[string]string

	readErrs  map[string]string
	parseErrs map[string]string
	// blobs holds content new in this generation, by content hash.
	blobs map[string][]byte
}

// empty returns generation zero of repo.
func empty(repo, root string) *Generation {
	return &Generation{
		Repo:     repo,
		Root:     root,
		Fulltext: fulltext.New(),
		Vectors:  embedding.NewIndex(""),
		Graph:    graph.New(),
		Manifest: map[string]FileEntry{},
		Failures: map[string]string{},

		readErrs:  map[string]string{},
		parseErrs: map[string]string{},
	}
}

// failures merges read and parse failures; a read failure wins.
func failures(readErrs, parseErrs map[string]string) map[string]string {
	out := make(map[string]string, len(readErrs)+len(parseErrs))
	maps.Copy(out, parseErrs)
	maps.Copy(out, readErrs)
	return out
}

// Paths returns the manifest paths in order.
func (g *Generation) Paths() []string {
	out := make([]string, 0, len(g.Manifest))
	for p := range g.Manifest {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Baseline returns the manifest as a path set, for the tracker's initial scan.
func (g *Generation) Baseline() map[string]bool {
	out := make(map[string]bool, len(g.Manifest))
	for p := range g.Manifest {
		out[p] = true
	}
	return out
}

func (g *Generation) manifestEntries() []store.ManifestEntry {
	out := make([]store.ManifestEntry, 0, len(g.Manifest))
	for _, p := range g.Paths() {
		f := g.Manifest[p]
		out = append(out, store.ManifestEntry{Path: p, Hash: f.Hash, Language: f.Language, ModTime: f.ModTime})
	}
	return out
}

func (g *Generation) record() store.Generation {
	return store.Generation{
		Repo:      g.Repo,
		ID:        g.ID,
		BuildID:   g.BuildID,
		Commit:    g.Commit,
		CreatedAt: g.CreatedAt,
		Summary:   g.Summary,
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// RepoNameFromPath derives a repository name from an absolute path by
// replacing path separators with dashes and trimming the leading dash.
func RepoNameFromPath(absPath string) string {
	cleaned := filepath.ToSlash(filepath.Clean(absPath))
	name := unsafeName.ReplaceAllString(strings.ReplaceAll(cleaned, "/", "-"), "_")
	name = strings.TrimLeft(name, "-._")
	if name == "" {
		return "root"
	}
	return name
}

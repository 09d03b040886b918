package generation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/go-enry/go-enry/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DeusData/codebase-search-mcp/internal/discover"
	"github.com/DeusData/codebase-search-mcp/internal/embedding"
	"github.com/DeusData/codebase-search-mcp/internal/fulltext"
	"github.com/DeusData/codebase-search-mcp/internal/graph"
	"github.com/DeusData/codebase-search-mcp/internal/parser"
	"github.com/DeusData/codebase-search-mcp/internal/store"
	"github.com/DeusData/codebase-search-mcp/internal/watcher"
)

// binarySniffLen is how much of a file go-enry inspects for binary content.
const binarySniffLen = 8000

// Builder derives a new generation from the previous one and a ChangeSet.
type Builder struct {
	Repo     string
	Root     string
	Embedder *embedding.Indexer
	// Parallelism bounds concurrent file parses; zero means NumCPU.
	Parallelism int
	MaxFileSize int64
}

// parsed is a changed file ready for the indexes.
type parsed struct {
	snap *parser.Snapshot
	res  *parser.ParseResult
	err  error
}

func (b *Builder) workers(n int) int {
	w := b.Parallelism
	if w <= 0 {
		w = runtime.NumCPU()
	}
	return max(1, min(w, n))
}

func (b *Builder) indexer() *embedding.Indexer {
	if b.Embedder == nil {
		b.Embedder = embedding.NewIndexer(nil, nil, embedding.IndexerOptions{})
	}
	return b.Embedder
}

// Build applies cs on top of prev. Unchanged files (same content hash) are
// skipped; when nothing effective changes it returns ErrNoChanges. prev is
// never modified, and the returned generation is not visible to anyone
// until published.
func (b *Builder) Build(ctx context.Context, prev *Generation, cs watcher.ChangeSet) (*Generation, error) {
	if prev == nil {
		prev = empty(b.Repo, b.Root)
	}
	start := time.Now()

	readErrs := maps.Clone(prev.readErrs)
	parseErrs := maps.Clone(prev.parseErrs)
	for _, f := range cs.Failures {
		readErrs[f.Path] = f.Err
	}

	removed := make(map[string]bool)
	drop := func(rel string) {
		if _, ok := prev.Manifest[rel]; ok {
			removed[rel] = true
		}
		delete(readErrs, rel)
		delete(parseErrs, rel)
	}
	for _, p := range cs.Removed {
		drop(p)
	}

	var snaps []*parser.Snapshot
	for _, rel := range cs.Upserts() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := b.read(rel)
		switch {
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, errSkipped):
			drop(rel)
			continue
		case err != nil:
			// Keep the previous version of an unreadable file.
			readErrs[rel] = err.Error()
			slog.Warn("build.read", "repo", b.Repo, "path", rel, "err", err)
			continue
		}
		delete(readErrs, rel)
		if old, ok := prev.Manifest[rel]; ok && old.Hash == snap.Hash {
			continue
		}
		delete(parseErrs, rel)
		snaps = append(snaps, snap)
	}

	reembed := b.indexer().Enabled() && prev.Vectors.Model() != b.indexer().Model() && len(prev.Manifest) > 0
	if len(snaps) == 0 && len(removed) == 0 && !reembed && maps.Equal(readErrs, prev.readErrs) {
		return nil, ErrNoChanges
	}

	next, err := b.apply(ctx, prev, sortedKeys(removed), snaps, readErrs, parseErrs, reembed)
	if err != nil {
		return nil, err
	}
	next.ID = prev.ID + 1
	next.Commit = cs.Commit
	if next.Commit == "" {
		next.Commit = prev.Commit
	}
	next.Summary = summarize(prev, removed, snaps, next.Failures, cs.FullRescan)

	slog.Info("build.done", "repo", b.Repo, "gen", next.ID, "changed", len(snaps), "removed", len(removed),
		"failed", len(next.Failures), "elapsed", time.Since(start))
	return next, nil
}

// Restore rebuilds a persisted generation from its manifest and stored
// blobs. Vectors come from the embedding cache where present.
func (b *Builder) Restore(ctx context.Context, rec *store.Generation, manifest []store.ManifestEntry, blob func(ctx context.Context, hash string) ([]byte, error)) (*Generation, error) {
	prev := empty(b.Repo, b.Root)
	var snaps []*parser.Snapshot
	for _, f := range manifest {
		content, err := blob(ctx, f.Hash)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", f.Path, err)
		}
		snap := parser.NewSnapshot(b.Repo, f.Path, content, f.ModTime)
		if snap.Hash != f.Hash {
			return nil, fmt.Errorf("restore %s: content hash mismatch", f.Path)
		}
		snaps = append(snaps, snap)
	}
	readErrs := make(map[string]string)
	for _, p := range rec.Summary.Failures {
		readErrs[p] = "unreadable at last build"
	}
	next, err := b.apply(ctx, prev, nil, snaps, readErrs, map[string]string{}, false)
	if err != nil {
		return nil, err
	}
	for p := range readErrs {
		if _, ok := next.parseErrs[p]; ok {
			delete(next.readErrs, p)
		}
	}
	next.Failures = failures(next.readErrs, next.parseErrs)
	next.ID = rec.ID
	next.BuildID = rec.BuildID
	next.Commit = rec.Commit
	next.CreatedAt = rec.CreatedAt
	next.Summary = rec.Summary
	next.blobs = nil
	return next, nil
}

// apply parses snaps and updates the three indexes concurrently.
func (b *Builder) apply(ctx context.Context, prev *Generation, removed []string, snaps []*parser.Snapshot, readErrs, parseErrs map[string]string, reembed bool) (*Generation, error) {
	results, err := b.parseAll(ctx, snaps)
	if err != nil {
		return nil, err
	}

	next := &Generation{
		BuildID:   uuid.NewString(),
		Repo:      b.Repo,
		Root:      b.Root,
		CreatedAt: time.Now(),
		Manifest:  maps.Clone(prev.Manifest),
		readErrs:  readErrs,
		parseErrs: parseErrs,
		blobs:     make(map[string][]byte, len(snaps)),
	}
	for _, p := range removed {
		delete(next.Manifest, p)
	}

	docs := make([]*fulltext.Document, 0, len(results))
	files := make([]graph.FileResult, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			next.parseErrs[r.snap.Path] = r.err.Error()
		}
		docs = append(docs, fulltext.NewDocument(r.snap, r.res))
		files = append(files, graph.FileResult{Path: r.snap.Path, ModTime: r.snap.ModTime, Result: r.res})
		next.Manifest[r.snap.Path] = FileEntry{
			Hash:     r.snap.Hash,
			Language: string(r.snap.Language),
			ModTime:  r.snap.ModTime,
		}
		next.blobs[r.snap.Hash] = r.snap.Content
	}
	next.Failures = failures(readErrs, parseErrs)

	embedSnaps := snaps
	if reembed {
		// A new model makes every stored vector unusable.
		embedSnaps = slicesWith(snaps, unchangedSnapshots(prev, removed, snaps))
		slog.Info("build.reembed", "repo", b.Repo, "model", b.indexer().Model(), "files", len(embedSnaps))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		next.Fulltext = fulltext.Apply(prev.Fulltext, removed, docs)
		return nil
	})
	g.Go(func() error {
		next.Graph = graph.Apply(prev.Graph, removed, files)
		return nil
	})
	g.Go(func() error {
		vecs, err := b.indexer().Apply(gctx, prev.Vectors, removed, embedSnaps)
		if err != nil {
			return err
		}
		next.Vectors = vecs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return next, nil
}

// parseAll parses snaps in a bounded pool. Parse errors are kept with the
// token-only result they come with.
func (b *Builder) parseAll(ctx context.Context, snaps []*parser.Snapshot) ([]parsed, error) {
	results := make([]parsed, len(snaps))
	if len(snaps) == 0 {
		return results, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers(len(snaps)))
	for i, snap := range snaps {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res, err := parser.Parse(snap)
			if err != nil {
				slog.Debug("build.parse", "repo", b.Repo, "path", snap.Path, "err", err)
			}
			if res == nil {
				res = &parser.ParseResult{Language: snap.Language, Tokens: parser.Tokenize(snap.Content), TokenOnly: true}
			}
			results[i] = parsed{snap: snap, res: res, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

var errSkipped = errors.New("skipped")

// read loads one file. Binary and oversized files yield errSkipped.
func (b *Builder) read(rel string) (*parser.Snapshot, error) {
	abs := filepath.Join(b.Root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errSkipped
	}
	limit := b.MaxFileSize
	if limit <= 0 {
		limit = discover.DefaultMaxFileSize
	}
	if info.Size() > limit {
		return nil, errSkipped
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	if enry.IsBinary(content[:min(len(content), binarySniffLen)]) {
		return nil, errSkipped
	}
	return parser.NewSnapshot(b.Repo, rel, content, info.ModTime()), nil
}

// unchangedSnapshots recreates snapshots for files of prev that are neither
// removed nor replaced, from the documents prev already holds.
func unchangedSnapshots(prev *Generation, removed []string, changed []*parser.Snapshot) []*parser.Snapshot {
	skip := make(map[string]bool, len(removed)+len(changed))
	for _, p := range removed {
		skip[p] = true
	}
	for _, s := range changed {
		skip[s.Path] = true
	}
	var out []*parser.Snapshot
	for _, p := range prev.Paths() {
		if skip[p] {
			continue
		}
		d, ok := prev.Fulltext.ByPath(p)
		if !ok {
			continue
		}
		out = append(out, &parser.Snapshot{
			Repo:     d.Repo,
			Path:     d.Path,
			Hash:     d.Hash,
			Language: d.Language,
			Content:  d.Content,
			ModTime:  d.ModTime,
		})
	}
	return out
}

func summarize(prev *Generation, removed map[string]bool, snaps []*parser.Snapshot, failures map[string]string, full bool) store.Summary {
	sum := store.Summary{Removed: len(removed), Failed: len(failures), FullRescan: full}
	for _, s := range snaps {
		if _, ok := prev.Manifest[s.Path]; ok {
			sum.Modified++
		} else {
			sum.Added++
		}
	}
	sum.Failures = sortedKeys(failures)
	return sum
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func slicesWith(a, b []*parser.Snapshot) []*parser.Snapshot {
	out := make([]*parser.Snapshot, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

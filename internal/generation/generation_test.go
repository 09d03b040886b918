package generation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DeusData/codebase-search-mcp/internal/embedding"
	"github.com/DeusData/codebase-search-mcp/internal/fulltext"
	"github.com/DeusData/codebase-search-mcp/internal/store"
	"github.com/DeusData/codebase-search-mcp/internal/watcher"
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

const fooPy = "def add(a, b):\n    return a + b\n"
const barPy = "from foo import add\n\ndef total(xs):\n    return add(xs[0], xs[1])\n"

// fakeBackend embeds texts by letter frequencies. When gate is set, the
// first call blocks until its context ends.
type fakeBackend struct {
	calls   atomic.Int32
	gate    bool
	started chan struct{}
}

func (f *fakeBackend) Model() string { return "fake" }

func (f *fakeBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.calls.Add(1) == 1 && f.gate {
		close(f.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 4)
		for _, r := range strings.ToLower(text) {
			v[int(r)%4]++
		}
		out[i] = v
	}
	return out, nil
}

func newBuilder(root string, backend embedding.Backend) *Builder {
	return &Builder{
		Repo:     "demo",
		Root:     root,
		Embedder: embedding.NewIndexer(backend, nil, embedding.IndexerOptions{}),
	}
}

func TestBuildFromChangeSet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", fooPy)
	writeFile(t, dir, "bar.py", barPy)

	b := newBuilder(dir, &fakeBackend{})
	gen, err := b.Build(context.Background(), nil, watcher.ChangeSet{Repo: "demo", Added: []string{"bar.py", "foo.py"}, Commit: "c1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if gen.ID != 1 || gen.Commit != "c1" {
		t.Errorf("unexpected generation %d commit %q", gen.ID, gen.Commit)
	}
	if len(gen.Manifest) != 2 || gen.Fulltext.Len() != 2 {
		t.Errorf("expected 2 files, manifest=%d fulltext=%d", len(gen.Manifest), gen.Fulltext.Len())
	}
	if gen.Vectors.Len() == 0 {
		t.Error("expected embedded chunks")
	}
	defs := gen.Graph.DefinitionsOf("add", "")
	if len(defs) != 1 || defs[0].Path != "foo.py" {
		t.Fatalf("expected add defined in foo.py, got %+v", defs)
	}
	if refs := gen.Graph.ReferencesTo(defs[0].ID); len(refs) == 0 {
		t.Error("expected bar.py to reference add")
	}
	if gen.Summary.Added != 2 {
		t.Errorf("expected 2 added in summary, got %+v", gen.Summary)
	}
	if len(gen.blobs) != 2 {
		t.Errorf("expected 2 new blobs, got %d", len(gen.blobs))
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", fooPy)

	b := newBuilder(dir, &fakeBackend{})
	ctx := context.Background()
	gen, err := b.Build(ctx, nil, watcher.ChangeSet{Repo: "demo", Added: []string{"foo.py"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, err = b.Build(ctx, gen, watcher.ChangeSet{Repo: "demo", Modified: []string{"foo.py"}})
	if !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
	_, err = b.Build(ctx, gen, watcher.ChangeSet{Repo: "demo", Removed: []string{"never-indexed.py"}})
	if !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges for unknown removal, got %v", err)
	}
}

func TestBuildLeavesPreviousGenerationIntact(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", fooPy)
	writeFile(t, dir, "bar.py", barPy)

	b := newBuilder(dir, &fakeBackend{})
	ctx := context.Background()
	gen1, err := b.Build(ctx, nil, watcher.ChangeSet{Repo: "demo", Added: []string{"bar.py", "foo.py"}})
	if err != nil {
		t.Fatalf("Build 1: %v", err)
	}

	writeFile(t, dir, "foo.py", "def plus(a, b):\n    return a + b\n")
	if err := os.Remove(filepath.Join(dir, "bar.py")); err != nil {
		t.Fatal(err)
	}
	gen2, err := b.Build(ctx, gen1, watcher.ChangeSet{Repo: "demo", Modified: []string{"foo.py"}, Removed: []string{"bar.py"}})
	if err != nil {
		t.Fatalf("Build 2: %v", err)
	}

	if gen2.ID != 2 || len(gen2.Manifest) != 1 {
		t.Fatalf("unexpected gen2: id=%d files=%d", gen2.ID, len(gen2.Manifest))
	}
	if len(gen2.Graph.DefinitionsOf("add", "")) != 0 || len(gen2.Graph.DefinitionsOf("plus", "")) != 1 {
		t.Error("gen2 graph does not reflect the edit")
	}

	// gen1 still answers with the old content.
	if len(gen1.Graph.DefinitionsOf("add", "")) != 1 {
		t.Error("gen1 graph was mutated")
	}
	if _, ok := gen1.Fulltext.ByPath("bar.py"); !ok {
		t.Error("gen1 full-text index lost bar.py")
	}
	hits, err := gen1.Fulltext.Search(ctx, fulltext.Query{Terms: []string{"add"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("expected 2 hits in gen1, got %d", len(hits))
	}
	if len(gen1.Vectors.ChunksInFile("bar.py")) == 0 {
		t.Error("gen1 vector index lost bar.py")
	}
	if gen2.Summary.Modified != 1 || gen2.Summary.Removed != 1 {
		t.Errorf("unexpected summary: %+v", gen2.Summary)
	}
}

func TestBuildRecordsFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.py", fooPy)
	writeFile(t, dir, "broken.py", "def broken(:\n    pass\n")
	writeFile(t, dir, "blob.bin", "\x00\x01\x02\x03binary")

	b := newBuilder(dir, nil)
	cs := watcher.ChangeSet{
		Repo:     "demo",
		Added:    []string{"blob.bin", "broken.py", "ok.py"},
		Failures: []watcher.FileFailure{{Path: "locked.py", Err: "permission denied"}},
	}
	gen, err := b.Build(context.Background(), nil, cs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := gen.Manifest["blob.bin"]; ok {
		t.Error("binary file should be skipped")
	}
	if _, ok := gen.Fulltext.ByPath("broken.py"); !ok {
		t.Error("file with syntax errors should still be indexed lexically")
	}
	if _, ok := gen.Failures["broken.py"]; !ok {
		t.Error("expected a parse failure for broken.py")
	}
	if gen.Failures["locked.py"] != "permission denied" {
		t.Errorf("expected read failure for locked.py, got %v", gen.Failures)
	}
	if gen.Summary.Failed != 2 {
		t.Errorf("expected 2 failures in summary, got %d", gen.Summary.Failed)
	}

	// Unchanged content keeps its parse failure without a rebuild.
	if _, err := b.Build(context.Background(), gen, watcher.ChangeSet{Repo: "demo", Modified: []string{"broken.py"}}); !errors.Is(err, ErrNoChanges) {
		t.Errorf("expected ErrNoChanges, got %v", err)
	}
}

func TestBuildReembedsOnModelChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", fooPy)
	ctx := context.Background()

	gen, err := newBuilder(dir, nil).Build(ctx, nil, watcher.ChangeSet{Repo: "demo", Added: []string{"foo.py"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if gen.Vectors.Len() != 0 {
		t.Fatalf("disabled backend produced %d chunks", gen.Vectors.Len())
	}

	next, err := newBuilder(dir, &fakeBackend{}).Build(ctx, gen, watcher.ChangeSet{Repo: "demo", Modified: []string{"foo.py"}})
	if err != nil {
		t.Fatalf("Build with new model: %v", err)
	}
	if next.Vectors.Model() != "fake" || next.Vectors.Len() == 0 {
		t.Errorf("expected unchanged files re-embedded, model=%q chunks=%d", next.Vectors.Model(), next.Vectors.Len())
	}
}

func TestBuildCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", fooPy)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newBuilder(dir, nil).Build(ctx, nil, watcher.ChangeSet{Repo: "demo", Added: []string{"foo.py"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// flakyStore fails the first n publishes.
type flakyStore struct {
	*store.Store
	mu   sync.Mutex
	fail int
}

func (f *flakyStore) PublishGeneration(ctx context.Context, gen store.Generation, manifest []store.ManifestEntry, blobs map[string][]byte) error {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.Store.PublishGeneration(ctx, gen, manifest, blobs)
}

func newController(t *testing.T, p Persister, backend embedding.Backend, attempts int) *Controller {
	t.Helper()
	c := New(Options{
		Open: func(string) (Persister, error) { return p, nil },
		NewIndexer: func(cache embedding.Cache) *embedding.Indexer {
			return embedding.NewIndexer(backend, cache, embedding.IndexerOptions{})
		},
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxAttempts:    attempts,
	})
	t.Cleanup(c.Close)
	return c
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitIdle(t *testing.T, c *Controller, repo string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.WaitIdle(ctx, repo); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestControllerPublishAndRestore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", fooPy)
	writeFile(t, dir, "bar.py", barPy)
	st := openStore(t)
	ctx := context.Background()

	backend := &fakeBackend{}
	c := newController(t, st, backend, 3)
	if err := c.AddRepository(ctx, "demo", dir); err != nil {
		t.Fatalf("AddRepository: %v", err)
	}
	waitIdle(t, c, "demo")

	gen, ok := c.Current("demo")
	if !ok || gen.ID != 1 || len(gen.Manifest) != 2 {
		t.Fatalf("expected generation 1 with 2 files, got %+v", gen)
	}
	status, err := c.Status("demo")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != Idle || status.Generation != 1 || status.Files != 2 || status.Chunks == 0 {
		t.Errorf("unexpected status: %+v", status)
	}
	rec, err := st.CurrentGeneration(ctx, "demo")
	if err != nil || rec.ID != 1 {
		t.Fatalf("durable generation not recorded: %v %+v", err, rec)
	}
	c.Close()

	// A fresh controller restores from the store; the rescan finds nothing
	// new and cached vectors spare the backend.
	calls := backend.calls.Load()
	c2 := newController(t, st, backend, 3)
	if err := c2.AddRepository(ctx, "demo", dir); err != nil {
		t.Fatalf("AddRepository after restart: %v", err)
	}
	gen2, ok := c2.Current("demo")
	if !ok || gen2.ID != 1 {
		t.Fatalf("expected restored generation 1, got %+v", gen2)
	}
	waitIdle(t, c2, "demo")
	if gen3, _ := c2.Current("demo"); gen3.ID != 1 {
		t.Errorf("rescan of unchanged tree published generation %d", gen3.ID)
	}
	if backend.calls.Load() != calls {
		t.Errorf("restore called the backend %d times", backend.calls.Load()-calls)
	}
	if gen2.Vectors.Len() != gen.Vectors.Len() {
		t.Errorf("restored %d chunks, want %d", gen2.Vectors.Len(), gen.Vectors.Len())
	}
}

func TestControllerSubmitAppliesChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", fooPy)
	ctx := context.Background()
	c := newController(t, openStore(t), nil, 3)
	if err := c.AddRepository(ctx, "demo", dir); err != nil {
		t.Fatalf("AddRepository: %v", err)
	}
	waitIdle(t, c, "demo")

	writeFile(t, dir, "bar.py", barPy)
	if err := c.Submit(ctx, watcher.ChangeSet{Repo: "demo", Added: []string{"bar.py"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitIdle(t, c, "demo")
	gen, _ := c.Current("demo")
	if gen.ID != 2 || len(gen.Manifest) != 2 {
		t.Errorf("expected generation 2 with 2 files, got id=%d files=%d", gen.ID, len(gen.Manifest))
	}

	if err := c.Submit(ctx, watcher.ChangeSet{Repo: "other"}); !errors.Is(err, ErrUnknownRepository) {
		t.Errorf("expected ErrUnknownRepository, got %v", err)
	}
	if names := c.Repositories(); len(names) != 1 || names[0] != "demo" {
		t.Errorf("unexpected repositories: %v", names)
	}
}

func TestControllerSupersedesInFlightBuild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", fooPy)
	ctx := context.Background()

	backend := &fakeBackend{gate: true, started: make(chan struct{})}
	c := newController(t, openStore(t), backend, 3)
	if err := c.AddRepository(ctx, "demo", dir); err != nil {
		t.Fatalf("AddRepository: %v", err)
	}
	select {
	case <-backend.started:
	case <-time.After(10 * time.Second):
		t.Fatal("build never reached the backend")
	}
	if _, ok := c.Current("demo"); ok {
		t.Fatal("nothing may be published while the first build runs")
	}

	writeFile(t, dir, "bar.py", barPy)
	if err := c.Submit(ctx, watcher.ChangeSet{Repo: "demo", Added: []string{"bar.py"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitIdle(t, c, "demo")

	gen, ok := c.Current("demo")
	if !ok {
		t.Fatal("expected a published generation")
	}
	if gen.ID != 1 {
		t.Errorf("cancelled build must not consume a generation id, got %d", gen.ID)
	}
	if len(gen.Manifest) != 2 {
		t.Errorf("expected merged ChangeSet with 2 files, got %d", len(gen.Manifest))
	}
}

func TestControllerCommitFailureKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", fooPy)
	ctx := context.Background()

	fs := &flakyStore{Store: openStore(t)}
	c := newController(t, fs, nil, 2)
	if err := c.AddRepository(ctx, "demo", dir); err != nil {
		t.Fatalf("AddRepository: %v", err)
	}
	waitIdle(t, c, "demo")
	good, _ := c.Current("demo")
	if good == nil || good.ID != 1 {
		t.Fatalf("expected generation 1, got %+v", good)
	}

	fs.mu.Lock()
	fs.fail = 2
	fs.mu.Unlock()
	writeFile(t, dir, "bar.py", barPy)
	if err := c.Submit(ctx, watcher.ChangeSet{Repo: "demo", Added: []string{"bar.py"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitIdle(t, c, "demo")

	gen, _ := c.Current("demo")
	if gen != good {
		t.Errorf("failed commit replaced the current generation with %d", gen.ID)
	}
	status, _ := c.Status("demo")
	if !strings.Contains(status.LastError, "disk full") {
		t.Errorf("expected commit failure in status, got %q", status.LastError)
	}

	// The next ChangeSet succeeds and clears the error.
	if err := c.Submit(ctx, watcher.ChangeSet{Repo: "demo", Added: []string{"bar.py"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitIdle(t, c, "demo")
	gen, _ = c.Current("demo")
	if gen.ID != 2 || len(gen.Manifest) != 2 {
		t.Errorf("expected generation 2 with 2 files, got id=%d files=%d", gen.ID, len(gen.Manifest))
	}
	if status, _ := c.Status("demo"); status.LastError != "" {
		t.Errorf("expected error cleared, got %q", status.LastError)
	}
}

func TestControllerRetriesChangesOfAbandonedBuild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "foo.py", fooPy)
	ctx := context.Background()

	fs := &flakyStore{Store: openStore(t)}
	c := newController(t, fs, nil, 2)
	if err := c.AddRepository(ctx, "demo", dir); err != nil {
		t.Fatalf("AddRepository: %v", err)
	}
	waitIdle(t, c, "demo")

	fs.mu.Lock()
	fs.fail = 2
	fs.mu.Unlock()
	writeFile(t, dir, "bar.py", barPy)
	if err := c.Submit(ctx, watcher.ChangeSet{Repo: "demo", Added: []string{"bar.py"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitIdle(t, c, "demo")
	if status, _ := c.Status("demo"); status.PendingChanges != 1 {
		t.Errorf("expected bar.py pending after the build gave up, got %+v", status)
	}

	// An unrelated change must carry bar.py along with it.
	writeFile(t, dir, "baz.py", "def baz():\n    return 3\n")
	if err := c.Submit(ctx, watcher.ChangeSet{Repo: "demo", Added: []string{"baz.py"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitIdle(t, c, "demo")

	gen, _ := c.Current("demo")
	for _, p := range []string{"foo.py", "bar.py", "baz.py"} {
		if _, ok := gen.Manifest[p]; !ok {
			t.Errorf("generation %d is missing %s: %v", gen.ID, p, gen.Paths())
		}
	}
	status, _ := c.Status("demo")
	if status.PendingChanges != 0 || status.LastError != "" {
		t.Errorf("expected a clean status after publishing, got %+v", status)
	}
}

func TestIndexCommitFailureUnwraps(t *testing.T) {
	cause := errors.New("locked")
	err := error(&IndexCommitFailure{Repo: "demo", Generation: 3, Err: cause})
	var icf *IndexCommitFailure
	if !errors.As(err, &icf) || icf.Generation != 3 {
		t.Errorf("errors.As failed: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to unwrap")
	}
}

func TestRepoNameFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/home/user/my project", "home-user-my_project"},
		{"/srv/app", "srv-app"},
		{"/", "root"},
	}
	for _, tt := range tests {
		if got := RepoNameFromPath(tt.path); got != tt.want {
			t.Errorf("RepoNameFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

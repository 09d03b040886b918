// Package watcher turns filesystem and commit activity in a repository into
// debounced ChangeSets.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/DeusData/codebase-search-mcp/internal/discover"
	"github.com/DeusData/codebase-search-mcp/internal/gitrepo"
)

const (
	baseInterval = 1 * time.Second
	maxInterval  = 60 * time.Second

	DefaultDebounce  = 500 * time.Millisecond
	DefaultHeadCheck = 2 * time.Second
)

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

// Options configures a Tracker.
type Options struct {
	// Debounce is the quiet period after the last event before a ChangeSet
	// is emitted. Every event restarts it.
	Debounce time.Duration
	// HeadCheck is how often HEAD is compared with the last seen commit.
	HeadCheck time.Duration
	// Polling disables fsnotify and uses snapshot polling from the start.
	Polling bool
	Filter  *discover.Filter
	Git     *gitrepo.Repo
}

// Tracker watches one repository. Observe may be called once.
type Tracker struct {
	repo   string
	root   string
	filter *discover.Filter
	git    *gitrepo.Repo
	opts   Options

	mu       sync.Mutex
	known    map[string]fileSnapshot
	pending  map[string]bool
	lastHead string
}

// New creates a tracker for the repository rooted at root.
func New(repo, root string, opts Options) *Tracker {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.HeadCheck <= 0 {
		opts.HeadCheck = DefaultHeadCheck
	}
	filter := opts.Filter
	if filter == nil {
		filter = discover.NewFilter(root, nil)
	}
	return &Tracker{
		repo:    repo,
		root:    filter.Root(),
		filter:  filter,
		git:     opts.Git,
		opts:    opts,
		known:   make(map[string]fileSnapshot),
		pending: make(map[string]bool),
	}
}

// Root returns the absolute repository root.
func (t *Tracker) Root() string { return t.root }

// Scan walks the whole tree and classifies every file against baseline,
// the set of paths in the currently published generation. Unchanged files
// are reported as modified; consumers skip them by content hash.
func (t *Tracker) Scan(ctx context.Context, baseline map[string]bool) (ChangeSet, error) {
	snap, err := captureSnapshot(ctx, t.filter)
	if err != nil {
		return ChangeSet{}, err
	}
	cs := ChangeSet{Repo: t.repo, FullRescan: true, At: time.Now()}
	for rel := range snap {
		if baseline[rel] {
			cs.Modified = append(cs.Modified, rel)
		} else {
			cs.Added = append(cs.Added, rel)
		}
	}
	for rel := range baseline {
		if _, ok := snap[rel]; !ok {
			cs.Removed = append(cs.Removed, rel)
		}
	}
	cs.Commit = t.head()
	cs.sort()

	t.mu.Lock()
	t.known = snap
	t.lastHead = cs.Commit
	t.mu.Unlock()
	return cs, nil
}

// Observe starts watching and returns the stream of ChangeSets. The channel
// is closed when ctx is done.
func (t *Tracker) Observe(ctx context.Context) <-chan ChangeSet {
	out := make(chan ChangeSet, 1)
	go t.run(ctx, out)
	return out
}

func (t *Tracker) run(ctx context.Context, out chan<- ChangeSet) {
	defer close(out)

	if t.opts.Polling {
		t.poll(ctx, out)
		return
	}
	w, err := fsnotify.NewWatcher()
	if err == nil {
		err = t.addTree(w, t.root)
	}
	if err != nil {
		if w != nil {
			w.Close()
		}
		t.watchLost(ctx, out, err)
		t.poll(ctx, out)
		return
	}

	if !t.watch(ctx, w, out) {
		w.Close()
		return
	}
	w.Close()
	t.poll(ctx, out)
}

// watch consumes fsnotify events until ctx is done (false) or watching is
// no longer possible (true).
func (t *Tracker) watch(ctx context.Context, w *fsnotify.Watcher, out chan<- ChangeSet) bool {
	debounce := time.NewTimer(t.opts.Debounce)
	debounce.Stop()
	defer debounce.Stop()
	headTick := time.NewTicker(t.opts.HeadCheck)
	defer headTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false

		case ev, ok := <-w.Events:
			if !ok {
				t.watchLost(ctx, out, errors.New("event stream closed"))
				return true
			}
			if ev.Name == t.root && ev.Has(fsnotify.Remove|fsnotify.Rename) {
				t.watchLost(ctx, out, errors.New("repository root removed"))
				return true
			}
			if t.handleEvent(w, ev) {
				debounce.Reset(t.opts.Debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				err = errors.New("error stream closed")
			}
			t.watchLost(ctx, out, err)
			return true

		case <-headTick.C:
			if t.checkHead(ctx) {
				debounce.Reset(t.opts.Debounce)
			}

		case <-debounce.C:
			if !t.emit(ctx, out, t.flush()) {
				return false
			}
		}
	}
}

// handleEvent records the paths touched by ev. It returns true when
// something was queued.
func (t *Tracker) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	rel, ok := t.filter.Rel(ev.Name)
	if !ok || rel == "." {
		return false
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if t.filter.SkipDir(rel) {
				return false
			}
			if err := t.addTree(w, ev.Name); err != nil {
				slog.Warn("watcher.add_dir", "repo", t.repo, "path", rel, "err", err)
			}
			return t.queueTree(ev.Name)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	queued := false
	if ev.Has(fsnotify.Remove | fsnotify.Rename) {
		prefix := rel + "/"
		for known := range t.known {
			if strings.HasPrefix(known, prefix) {
				t.pending[known] = true
				queued = true
			}
		}
	}
	if _, known := t.known[rel]; known || !t.filter.SkipFile(rel, -1) {
		t.pending[rel] = true
		queued = true
	}
	return queued
}

// addTree registers dir and every non-skipped directory below it.
func (t *Tracker) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := t.filter.Rel(path); ok && t.filter.SkipDir(rel) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// queueTree queues files already present in a new directory, which were
// created before its watch existed.
func (t *Tracker) queueTree(dir string) bool {
	var rels []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, ok := t.filter.Rel(path)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if path != dir && t.filter.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !t.filter.SkipFile(rel, -1) {
			rels = append(rels, rel)
		}
		return nil
	})
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rel := range rels {
		t.pending[rel] = true
	}
	return len(rels) > 0
}

// checkHead queues the paths changed between the last seen commit and HEAD.
func (t *Tracker) checkHead(ctx context.Context) bool {
	if t.git == nil {
		return false
	}
	head := t.head()
	t.mu.Lock()
	last := t.lastHead
	if head != "" {
		t.lastHead = head
	}
	t.mu.Unlock()
	if head == "" || head == last || last == "" {
		return false
	}
	changed, err := t.git.ChangedPaths(ctx, last, head)
	if err != nil {
		slog.Warn("watcher.head_diff", "repo", t.repo, "from", last, "to", head, "err", err)
		return false
	}
	slog.Info("watcher.head_moved", "repo", t.repo, "from", last, "to", head, "files", len(changed))

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range changed {
		t.pending[c.Path] = true
		if c.OldPath != "" {
			t.pending[c.OldPath] = true
		}
	}
	return len(changed) > 0
}

func (t *Tracker) head() string {
	if t.git == nil {
		return ""
	}
	c, err := t.git.Head()
	if err != nil {
		return ""
	}
	return c.Hash
}

// flush classifies pending paths against the known table and clears them.
func (t *Tracker) flush() ChangeSet {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]bool)
	t.mu.Unlock()

	cs := ChangeSet{Repo: t.repo, At: time.Now()}
	t.mu.Lock()
	defer t.mu.Unlock()
	for rel := range pending {
		prev, known := t.known[rel]
		abs := filepath.Join(t.root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		switch {
		case err == nil && info.IsDir():
			continue
		case err == nil:
			if !info.Mode().IsRegular() || t.filter.SkipFile(rel, info.Size()) {
				if known {
					cs.Removed = append(cs.Removed, rel)
					delete(t.known, rel)
				}
				continue
			}
			f, openErr := os.Open(abs)
			if openErr != nil {
				cs.Failures = append(cs.Failures, FileFailure{Path: rel, Err: openErr.Error()})
				continue
			}
			f.Close()
			cur := fileSnapshot{modTime: info.ModTime(), size: info.Size()}
			switch {
			case !known:
				cs.Added = append(cs.Added, rel)
			case !prev.modTime.Equal(cur.modTime) || prev.size != cur.size:
				cs.Modified = append(cs.Modified, rel)
			}
			t.known[rel] = cur
		case errors.Is(err, fs.ErrNotExist):
			if known {
				cs.Removed = append(cs.Removed, rel)
				delete(t.known, rel)
			}
		default:
			cs.Failures = append(cs.Failures, FileFailure{Path: rel, Err: err.Error()})
		}
	}
	cs.Commit = t.lastHead
	cs.sort()
	return cs
}

// watchLost reports the loss of live watching and queues a full rescan.
func (t *Tracker) watchLost(ctx context.Context, out chan<- ChangeSet, cause error) {
	slog.Warn("watcher.lost", "repo", t.repo, "err", cause)
	cs := ChangeSet{Repo: t.repo, WatchLost: true, FullRescan: true, At: time.Now()}
	if _, err := os.Stat(t.root); err == nil {
		if snap, err := captureSnapshot(ctx, t.filter); err == nil {
			cs = t.diffSnapshot(snap, true)
			cs.WatchLost = true
			cs.FullRescan = true
		}
	}
	t.emit(ctx, out, cs)
}

// poll compares snapshots at an adaptive interval until ctx is done.
func (t *Tracker) poll(ctx context.Context, out chan<- ChangeSet) {
	t.mu.Lock()
	interval := pollInterval(len(t.known))
	t.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := os.Stat(t.root); err != nil {
			slog.Warn("watcher.root_gone", "repo", t.repo, "path", t.root)
			timer.Reset(maxInterval)
			continue
		}
		snap, err := captureSnapshot(ctx, t.filter)
		if err != nil {
			slog.Warn("watcher.snapshot", "repo", t.repo, "err", err)
			timer.Reset(interval)
			continue
		}
		moved := t.checkHead(ctx)
		t.mu.Lock()
		same := !moved && snapshotsEqual(t.known, snap)
		t.mu.Unlock()
		if same {
			interval = pollInterval(len(snap))
			timer.Reset(interval)
			continue
		}

		cs := t.diffSnapshot(snap, false)
		t.mu.Lock()
		for rel := range t.pending {
			if _, ok := snap[rel]; ok && !contains(cs.Added, rel) {
				cs.Modified = appendUnique(cs.Modified, rel)
			}
		}
		t.pending = make(map[string]bool)
		t.mu.Unlock()
		cs.sort()

		if !cs.Empty() {
			slog.Info("watcher.changed", "repo", t.repo, "files", cs.Len())
			if !t.emit(ctx, out, cs) {
				return
			}
		}
		interval = pollInterval(len(snap))
		timer.Reset(interval)
	}
}

// diffSnapshot replaces the known table with snap and reports the
// difference. With all set, every surviving file is reported.
func (t *Tracker) diffSnapshot(snap map[string]fileSnapshot, all bool) ChangeSet {
	cs := ChangeSet{Repo: t.repo, At: time.Now()}
	t.mu.Lock()
	defer t.mu.Unlock()
	for rel, cur := range snap {
		prev, ok := t.known[rel]
		switch {
		case !ok:
			cs.Added = append(cs.Added, rel)
		case all || !prev.modTime.Equal(cur.modTime) || prev.size != cur.size:
			cs.Modified = append(cs.Modified, rel)
		}
	}
	for rel := range t.known {
		if _, ok := snap[rel]; !ok {
			cs.Removed = append(cs.Removed, rel)
		}
	}
	t.known = snap
	cs.Commit = t.lastHead
	cs.sort()
	return cs
}

func (t *Tracker) emit(ctx context.Context, out chan<- ChangeSet, cs ChangeSet) bool {
	if cs.Empty() {
		return true
	}
	slog.Debug("watcher.emit", "repo", t.repo, "added", len(cs.Added), "modified", len(cs.Modified),
		"removed", len(cs.Removed), "failures", len(cs.Failures), "watch_lost", cs.WatchLost)
	select {
	case out <- cs:
		return true
	case <-ctx.Done():
		return false
	}
}

// captureSnapshot walks the tree and records mtime+size for each file.
func captureSnapshot(ctx context.Context, filter *discover.Filter) (map[string]fileSnapshot, error) {
	files, err := discover.Walk(ctx, filter)
	if err != nil {
		return nil, err
	}
	snap := make(map[string]fileSnapshot, len(files))
	for _, f := range files {
		snap[f.RelPath] = fileSnapshot{modTime: f.ModTime, size: f.Size}
	}
	return snap, nil
}

// snapshotsEqual returns true if two snapshots have identical files with same mtime+size.
func snapshotsEqual(a, b map[string]fileSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for path, aSnap := range a {
		bSnap, ok := b[path]
		if !ok {
			return false
		}
		if !aSnap.modTime.Equal(bSnap.modTime) || aSnap.size != bSnap.size {
			return false
		}
	}
	return true
}

// pollInterval computes the adaptive interval from file count.
// 1s base + 1s per 500 files, capped at 60s.
func pollInterval(fileCount int) time.Duration {
	d := baseInterval + time.Duration(fileCount/500)*time.Second
	if d > maxInterval {
		d = maxInterval
	}
	return d
}

func contains(list []string, s string) bool {
	i := sort.SearchStrings(list, s)
	return i < len(list) && list[i] == s
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeusData/codebase-search-mcp/internal/discover"
	"github.com/DeusData/codebase-search-mcp/internal/embedding"
	"github.com/DeusData/codebase-search-mcp/internal/gitrepo"
	"github.com/DeusData/codebase-search-mcp/internal/store"
	"github.com/DeusData/codebase-search-mcp/internal/watcher"
)

// State is where a repository's supervisor is in its cycle.
type State string

const (
	Idle       State = "idle"
	Building   State = "building"
	Publishing State = "publishing"
)

// Persister is the durable side of a repository. *store.Store implements it.
type Persister interface {
	embedding.Cache
	UpsertRepository(ctx context.Context, name, rootPath, remote string) error
	CurrentGeneration(ctx context.Context, repo string) (*store.Generation, error)
	Manifest(ctx context.Context, repo string, id int64) ([]store.ManifestEntry, error)
	GetBlob(ctx context.Context, hash string) ([]byte, error)
	PublishGeneration(ctx context.Context, gen store.Generation, manifest []store.ManifestEntry, blobs map[string][]byte) error
}

// Options configures a Controller.
type Options struct {
	// Open returns the persister for a repository.
	Open func(repo string) (Persister, error)
	// NewIndexer builds the embedding indexer of a repository over its
	// cache. Nil disables embeddings.
	NewIndexer func(cache embedding.Cache) *embedding.Indexer

	Parallelism    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int

	// Watch starts a change tracker for every added repository.
	Watch    bool
	Tracker  watcher.Options
	Discover *discover.Options
}

func (o *Options) normalize() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
}

// Status is the index status of one repository. PendingChanges counts the
// paths of a build that gave up; they are retried with the next ChangeSet.
type Status struct {
	Repo            string    `json:"repo"`
	Root            string    `json:"root"`
	State           State     `json:"state"`
	Generation      int64     `json:"generation"`
	Commit          string    `json:"commit,omitempty"`
	Files           int       `json:"files"`
	Symbols         int       `json:"symbols"`
	UnresolvedEdges int       `json:"unresolved_edges"`
	Chunks          int       `json:"chunks"`
	DegradedChunks  int       `json:"degraded_chunks"`
	Failures        int       `json:"failures"`
	PublishedAt     time.Time `json:"published_at,omitzero"`
	Watching        bool      `json:"watching"`
	WatchLost       bool      `json:"watch_lost,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	PendingChanges  int       `json:"pending_changes,omitempty"`
}

// Controller owns the current generation of every repository and the
// supervisor goroutines that replace them.
type Controller struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	repos map[string]*repoState
}

type repoState struct {
	name    string
	root    string
	store   Persister
	builder *Builder
	current atomic.Pointer[Generation]
	in      chan watcher.ChangeSet

	mu        sync.Mutex
	state     State
	queued    int
	idle      chan struct{} // closed while idle with nothing queued
	lastErr   string
	watching  bool
	watchLost bool

	// retry holds the ChangeSet of a build that gave up. It is folded into
	// the next ChangeSet so its paths are not lost.
	retry *watcher.ChangeSet
}

// New creates a controller. Close stops every supervisor.
func New(opts Options) *Controller {
	opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		repos:  make(map[string]*repoState),
	}
}

// Close cancels in-flight builds and waits for supervisors to exit.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// AddRepository registers a repository, restores its last durable
// generation, and queues a full scan against it. It is a no-op for a name
// already added with the same root.
func (c *Controller) AddRepository(ctx context.Context, name, root string) error {
	c.mu.Lock()
	if rs, ok := c.repos[name]; ok {
		c.mu.Unlock()
		if rs.root != root {
			return fmt.Errorf("repository %q already registered at %s", name, rs.root)
		}
		return nil
	}
	c.mu.Unlock()

	if c.opts.Open == nil {
		return errors.New("no persister configured")
	}
	st, err := c.opts.Open(name)
	if err != nil {
		return err
	}
	git, err := gitrepo.Open(root)
	if err != nil && !errors.Is(err, gitrepo.ErrNotRepository) {
		slog.Warn("controller.git", "repo", name, "err", err)
	}
	remote := ""
	if git != nil {
		remote = git.Remote()
	}
	if err := st.UpsertRepository(ctx, name, root, remote); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	var indexer *embedding.Indexer
	if c.opts.NewIndexer != nil {
		indexer = c.opts.NewIndexer(st)
	}
	rs := &repoState{
		name:  name,
		root:  root,
		store: st,
		builder: &Builder{
			Repo:        name,
			Root:        root,
			Embedder:    indexer,
			Parallelism: c.opts.Parallelism,
		},
		in:    make(chan watcher.ChangeSet, 16),
		state: Idle,
		idle:  make(chan struct{}),
	}
	if c.opts.Discover != nil {
		rs.builder.MaxFileSize = c.opts.Discover.MaxFileSize
	}
	close(rs.idle)
	rs.builder.indexer()

	if gen, err := c.restore(ctx, rs); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("controller.restore", "repo", name, "err", err)
		}
	} else {
		rs.current.Store(gen)
		slog.Info("controller.restored", "repo", name, "gen", gen.ID, "files", len(gen.Manifest))
	}

	c.mu.Lock()
	if _, ok := c.repos[name]; ok {
		c.mu.Unlock()
		return nil
	}
	c.repos[name] = rs
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.supervise(rs)
	}()

	topts := c.opts.Tracker
	topts.Filter = discover.NewFilter(root, c.opts.Discover)
	topts.Git = git
	tracker := watcher.New(name, root, topts)
	var baseline map[string]bool
	if gen := rs.current.Load(); gen != nil {
		baseline = gen.Baseline()
	}
	cs, err := tracker.Scan(ctx, baseline)
	if err != nil {
		return fmt.Errorf("scan %s: %w", name, err)
	}
	if err := c.Submit(ctx, cs); err != nil {
		return err
	}

	if c.opts.Watch {
		rs.mu.Lock()
		rs.watching = true
		rs.mu.Unlock()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.follow(rs, tracker.Observe(c.ctx))
		}()
	}
	return nil
}

// restore loads the durable current generation of rs.
func (c *Controller) restore(ctx context.Context, rs *repoState) (*Generation, error) {
	rec, err := rs.store.CurrentGeneration(ctx, rs.name)
	if err != nil {
		return nil, err
	}
	manifest, err := rs.store.Manifest(ctx, rs.name, rec.ID)
	if err != nil {
		return nil, err
	}
	return rs.builder.Restore(ctx, rec, manifest, rs.store.GetBlob)
}

// follow forwards tracker output to the supervisor.
func (c *Controller) follow(rs *repoState, changes <-chan watcher.ChangeSet) {
	for cs := range changes {
		if cs.WatchLost {
			rs.mu.Lock()
			rs.watchLost = true
			rs.mu.Unlock()
		}
		if err := c.Submit(c.ctx, cs); err != nil {
			return
		}
	}
	rs.mu.Lock()
	rs.watching = false
	rs.mu.Unlock()
}

// Submit queues a ChangeSet for its repository. ChangeSets of one
// repository are applied in arrival order.
func (c *Controller) Submit(ctx context.Context, cs watcher.ChangeSet) error {
	rs, err := c.lookup(cs.Repo)
	if err != nil {
		return err
	}
	if cs.Empty() {
		return nil
	}
	rs.enqueue()
	select {
	case rs.in <- cs:
		return nil
	case <-ctx.Done():
		rs.dequeue()
		return ctx.Err()
	case <-c.ctx.Done():
		rs.dequeue()
		return c.ctx.Err()
	}
}

// Current returns the published generation of repo; it never changes
// under the caller.
func (c *Controller) Current(repo string) (*Generation, bool) {
	rs, err := c.lookup(repo)
	if err != nil {
		return nil, false
	}
	gen := rs.current.Load()
	return gen, gen != nil
}

// Embedder returns the embedding indexer that builds repo's vectors.
func (c *Controller) Embedder(repo string) (*embedding.Indexer, bool) {
	rs, err := c.lookup(repo)
	if err != nil {
		return nil, false
	}
	return rs.builder.indexer(), true
}

// Repositories returns the registered repository names.
func (c *Controller) Repositories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.repos))
	for name := range c.repos {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Status reports the index state of repo.
func (c *Controller) Status(repo string) (Status, error) {
	rs, err := c.lookup(repo)
	if err != nil {
		return Status{}, err
	}
	rs.mu.Lock()
	st := Status{
		Repo:      rs.name,
		Root:      rs.root,
		State:     rs.state,
		Watching:  rs.watching,
		WatchLost: rs.watchLost,
		LastError: rs.lastErr,
	}
	if rs.retry != nil {
		st.PendingChanges = rs.retry.Len()
	}
	rs.mu.Unlock()
	if gen := rs.current.Load(); gen != nil {
		st.Generation = gen.ID
		st.Commit = gen.Commit
		st.Files = len(gen.Manifest)
		stats := gen.Graph.Stats()
		st.Symbols = stats.Symbols
		st.UnresolvedEdges = gen.Graph.UnresolvedCount()
		st.Chunks = gen.Vectors.Len()
		st.DegradedChunks = gen.Vectors.DegradedCount()
		st.Failures = len(gen.Failures)
		st.PublishedAt = gen.CreatedAt
	}
	return st, nil
}

// WaitIdle blocks until repo has no queued or running build.
func (c *Controller) WaitIdle(ctx context.Context, repo string) error {
	rs, err := c.lookup(repo)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	idle := rs.idle
	rs.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) lookup(repo string) (*repoState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rs, ok := c.repos[repo]
	if !ok {
		return nil, fmt.Errorf("%q: %w", repo, ErrUnknownRepository)
	}
	return rs, nil
}

// supervise applies ChangeSets for one repository until the controller
// closes.
func (c *Controller) supervise(rs *repoState) {
	for {
		var cs watcher.ChangeSet
		select {
		case <-c.ctx.Done():
			return
		case cs = <-rs.in:
			rs.setState(Building)
			rs.dequeue()
		}
		cs = rs.drain(cs)
		rs.mu.Lock()
		if rs.retry != nil {
			cs = rs.retry.Merge(cs)
			rs.retry = nil
		}
		rs.mu.Unlock()
		c.run(rs, cs)
		rs.setState(Idle)
	}
}

// drain merges everything already queued into cs.
func (rs *repoState) drain(cs watcher.ChangeSet) watcher.ChangeSet {
	for {
		select {
		case next := <-rs.in:
			rs.dequeue()
			cs = cs.Merge(next)
		default:
			return cs
		}
	}
}

type buildResult struct {
	gen *Generation
	err error
}

// run builds and publishes cs, restarting with the merged set when a newer
// ChangeSet arrives mid-build and retrying failures with backoff.
func (c *Controller) run(rs *repoState, cs watcher.ChangeSet) {
	backoff := c.opts.InitialBackoff
	for attempt := 1; ; attempt++ {
		rs.setState(Building)
		ctx, cancel := context.WithCancel(c.ctx)
		done := make(chan buildResult, 1)
		go func() {
			gen, err := rs.builder.Build(ctx, rs.current.Load(), cs)
			done <- buildResult{gen, err}
		}()

		var res buildResult
		select {
		case next := <-rs.in:
			rs.dequeue()
			cancel()
			<-done
			cs = rs.drain(cs.Merge(next))
			slog.Info("build.superseded", "repo", rs.name, "changes", cs.Len())
			attempt = 0
			backoff = c.opts.InitialBackoff
			continue
		case res = <-done:
			cancel()
		case <-c.ctx.Done():
			cancel()
			<-done
			return
		}

		err := res.err
		if errors.Is(err, ErrNoChanges) {
			slog.Debug("build.noop", "repo", rs.name)
			rs.setError("")
			return
		}
		if err == nil {
			err = c.publish(rs, res.gen)
			if err == nil {
				rs.setError("")
				return
			}
		}
		if c.ctx.Err() != nil {
			return
		}

		slog.Warn("build.failed", "repo", rs.name, "attempt", attempt, "err", err)
		if attempt >= c.opts.MaxAttempts {
			slog.Error("build.gave_up", "repo", rs.name, "attempts", attempt, "changes", cs.Len(), "err", err)
			rs.setError(err.Error())
			rs.mu.Lock()
			rs.retry = &cs
			rs.mu.Unlock()
			return
		}
		rs.setState(Building)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case next := <-rs.in:
			timer.Stop()
			rs.dequeue()
			cs = rs.drain(cs.Merge(next))
			attempt = 0
			backoff = c.opts.InitialBackoff
			continue
		case <-c.ctx.Done():
			timer.Stop()
			return
		}
		backoff = min(2*backoff, c.opts.MaxBackoff)
	}
}

// publish persists gen and swaps it in. The pointer only moves once the
// durable record is committed.
func (c *Controller) publish(rs *repoState, gen *Generation) error {
	rs.setState(Publishing)
	if err := rs.store.PublishGeneration(c.ctx, gen.record(), gen.manifestEntries(), gen.blobs); err != nil {
		return &IndexCommitFailure{Repo: rs.name, Generation: gen.ID, Err: err}
	}
	rs.current.Store(gen)
	slog.Info("generation.published", "repo", rs.name, "gen", gen.ID, "files", len(gen.Manifest),
		"commit", gen.Commit, "build", gen.BuildID)
	return nil
}

func (rs *repoState) enqueue() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.queued == 0 && rs.state == Idle {
		rs.idle = make(chan struct{})
	}
	rs.queued++
}

func (rs *repoState) dequeue() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.queued--
	rs.maybeIdle()
}

func (rs *repoState) setState(s State) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if s != Idle && rs.state == Idle && rs.queued == 0 {
		rs.idle = make(chan struct{})
	}
	rs.state = s
	rs.maybeIdle()
}

// maybeIdle closes the idle channel once nothing is queued or running.
// Callers hold rs.mu.
func (rs *repoState) maybeIdle() {
	if rs.state != Idle || rs.queued != 0 {
		return
	}
	select {
	case <-rs.idle:
	default:
		close(rs.idle)
	}
}

func (rs *repoState) setError(msg string) {
	rs.mu.Lock()
	rs.lastErr = msg
	rs.mu.Unlock()
}

package embedding

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/DeusData/codebase-search-mcp/internal/parser"
)

// entry is an indexed chunk. Entries are shared between index versions and
// never modified.
type entry struct {
	chunk Chunk
	vec   []float32 // unit length; nil when degraded
}

// Neighbor is a chunk ranked by cosine similarity.
type Neighbor struct {
	Chunk Chunk
	Score float64
}

// Index is an immutable vector index for one repository.
type Index struct {
	model    string
	dims     int
	byPath   map[string][]*entry
	count    int
	degraded int
}

// NewIndex returns an empty index.
func NewIndex(model string) *Index {
	return &Index{model: model, byPath: make(map[string][]*entry)}
}

// Len is the number of chunks, embedded or not.
func (ix *Index) Len() int { return ix.count }

// DegradedCount is the number of chunks without a vector.
func (ix *Index) DegradedCount() int { return ix.degraded }

// Model names the model that produced the vectors.
func (ix *Index) Model() string { return ix.model }

// Dims is the vector length, zero before the first vector.
func (ix *Index) Dims() int { return ix.dims }

// ChunksInFile returns the chunks of path in line order.
func (ix *Index) ChunksInFile(path string) []Chunk {
	entries := ix.byPath[path]
	out := make([]Chunk, len(entries))
	for i, e := range entries {
		out[i] = e.chunk
	}
	return out
}

// Nearest returns the k chunks most similar to query. filter may be nil.
func (ix *Index) Nearest(query []float32, k int, filter func(Chunk) bool) []Neighbor {
	if k <= 0 || len(query) == 0 || len(query) != ix.dims {
		return nil
	}
	q := normalize(query)
	var out []Neighbor
	for _, entries := range ix.byPath {
		for _, e := range entries {
			if e.vec == nil || (filter != nil && !filter(e.chunk)) {
				continue
			}
			out = append(out, Neighbor{Chunk: e.chunk, Score: dot(q, e.vec)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Chunk.Path != out[j].Chunk.Path {
			return out[i].Chunk.Path < out[j].Chunk.Path
		}
		return out[i].Chunk.StartLine < out[j].Chunk.StartLine
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Vectors calls fn for every embedded chunk.
func (ix *Index) Vectors(fn func(Chunk, []float32)) {
	for _, entries := range ix.byPath {
		for _, e := range entries {
			if e.vec != nil {
				fn(e.chunk, e.vec)
			}
		}
	}
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// Cache persists vectors by chunk key and model.
type Cache interface {
	GetEmbeddings(ctx context.Context, model string, keys []string) (map[string][]float32, error)
	PutEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error
}

// IndexerOptions tunes embedding throughput.
type IndexerOptions struct {
	Chunk       ChunkOptions
	BatchSize   int
	Parallelism int
	// RetryDegraded bounds how many degraded chunks from untouched files are
	// retried per Apply.
	RetryDegraded int
}

// Indexer maintains vector indexes through a backend and an optional cache.
type Indexer struct {
	backend Backend
	cache   Cache
	opts    IndexerOptions
}

// NewIndexer creates an indexer. cache may be nil.
func NewIndexer(backend Backend, cache Cache, opts IndexerOptions) *Indexer {
	if backend == nil {
		backend = Disabled{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.RetryDegraded < 0 {
		opts.RetryDegraded = 0
	}
	opts.Chunk = opts.Chunk.normalize()
	return &Indexer{backend: backend, cache: cache, opts: opts}
}

// Enabled reports whether the indexer produces vectors at all.
func (x *Indexer) Enabled() bool { return !IsDisabled(x.backend) }

// Model names the backend model.
func (x *Indexer) Model() string { return x.backend.Model() }

// EmbedQuery embeds a search text.
func (x *Indexer) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := x.backend.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, ErrInferenceUnavailable
	}
	return vecs[0], nil
}

// Apply retracts the chunks of removed paths and of snaps, then chunks and
// embeds snaps. Vectors are reused from prev and from the cache by chunk
// key; chunks the backend fails to embed are kept as degraded. Only
// cancellation of ctx fails the call.
func (x *Indexer) Apply(ctx context.Context, prev *Index, removed []string, snaps []*parser.Snapshot) (*Index, error) {
	if prev == nil || prev.model != x.Model() {
		prev = NewIndex(x.Model())
	}
	if !x.Enabled() {
		return prev, nil
	}
	next := &Index{
		model:    prev.model,
		dims:     prev.dims,
		byPath:   maps.Clone(prev.byPath),
		count:    prev.count,
		degraded: prev.degraded,
	}

	reuse := make(map[string][]float32)
	retract := func(path string) {
		for _, e := range next.byPath[path] {
			if e.vec != nil {
				reuse[e.chunk.Key] = e.vec
			} else {
				next.degraded--
			}
			next.count--
		}
		delete(next.byPath, path)
	}
	for _, path := range removed {
		retract(path)
	}
	for _, snap := range snaps {
		retract(snap.Path)
	}

	fresh := make(map[string][]Chunk, len(snaps))
	need := make(map[string]bool)
	vecs := make(map[string][]float32)
	for _, snap := range snaps {
		chunks := Split(snap, x.opts.Chunk)
		fresh[snap.Path] = chunks
		for _, c := range chunks {
			if v, ok := reuse[c.Key]; ok {
				vecs[c.Key] = v
			} else {
				need[c.Key] = true
			}
		}
	}

	// Degraded chunks in untouched files get another chance.
	retry := make(map[string]bool)
	if x.opts.RetryDegraded > 0 && next.degraded > 0 {
		budget := x.opts.RetryDegraded
		for _, path := range slices.Sorted(maps.Keys(next.byPath)) {
			for _, e := range next.byPath[path] {
				if e.vec == nil && budget > 0 {
					retry[path] = true
					need[e.chunk.Key] = true
					budget--
				}
			}
		}
	}

	texts := make(map[string]string, len(need))
	for _, chunks := range fresh {
		for _, c := range chunks {
			texts[c.Key] = c.Text
		}
	}
	for path := range retry {
		for _, e := range next.byPath[path] {
			texts[e.chunk.Key] = e.chunk.Text
		}
	}

	if x.cache != nil && len(need) > 0 {
		cached, err := x.cache.GetEmbeddings(ctx, x.Model(), slices.Sorted(maps.Keys(need)))
		if err != nil {
			slog.Warn("embed.cache_get", "model", x.Model(), "err", err)
		}
		for k, v := range cached {
			vecs[k] = v
			delete(need, k)
		}
	}

	embedded, failed, err := x.embed(ctx, need, texts)
	if err != nil {
		return nil, err
	}
	if failed > 0 {
		slog.Warn("embed.degraded", "model", x.Model(), "chunks", failed)
	}
	if x.cache != nil && len(embedded) > 0 {
		if err := x.cache.PutEmbeddings(ctx, x.Model(), embedded); err != nil {
			slog.Warn("embed.cache_put", "model", x.Model(), "err", err)
		}
	}
	maps.Copy(vecs, embedded)

	place := func(c Chunk) *entry {
		e := &entry{chunk: c}
		if v, ok := vecs[c.Key]; ok && len(v) > 0 {
			if next.dims == 0 {
				next.dims = len(v)
			}
			if len(v) == next.dims {
				e.vec = normalize(v)
			}
		}
		if e.vec == nil {
			next.degraded++
		}
		next.count++
		return e
	}
	for path := range retry {
		old := next.byPath[path]
		entries := make([]*entry, 0, len(old))
		for _, e := range old {
			if e.vec != nil {
				entries = append(entries, e)
				continue
			}
			next.count--
			next.degraded--
			entries = append(entries, place(e.chunk))
		}
		next.byPath[path] = entries
	}
	for path, chunks := range fresh {
		if len(chunks) == 0 {
			continue
		}
		entries := make([]*entry, 0, len(chunks))
		for _, c := range chunks {
			entries = append(entries, place(c))
		}
		next.byPath[path] = entries
	}
	return next, nil
}

// embed calls the backend for keys in bounded parallel batches. It returns
// the vectors obtained and the number of chunks that failed.
func (x *Indexer) embed(ctx context.Context, need map[string]bool, texts map[string]string) (map[string][]float32, int, error) {
	keys := slices.Sorted(maps.Keys(need))
	out := make(map[string][]float32, len(keys))
	if len(keys) == 0 {
		return out, 0, nil
	}

	var (
		mu     sync.Mutex
		failed int
	)
	var g errgroup.Group
	g.SetLimit(x.opts.Parallelism)
	for start := 0; start < len(keys); start += x.opts.BatchSize {
		batch := keys[start:min(start+x.opts.BatchSize, len(keys))]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			in := make([]string, len(batch))
			for i, k := range batch {
				in[i] = texts[k]
			}
			vecs, err := x.backend.Embed(ctx, in)
			if err == nil && len(vecs) != len(batch) {
				err = ErrInferenceUnavailable
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !errors.Is(err, ErrInferenceUnavailable) {
					slog.Debug("embed.batch", "model", x.Model(), "size", len(batch), "err", err)
				}
				failed += len(batch)
				return nil
			}
			for i, k := range batch {
				out[k] = vecs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return out, failed, nil
}

package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DeusData/codebase-search-mcp/internal/parser"
)

// wordBackend embeds text as counts of three marker words.
type wordBackend struct {
	calls atomic.Int32
	texts atomic.Int32
	fail  atomic.Bool
}

func (b *wordBackend) Model() string { return "words" }

func (b *wordBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	b.calls.Add(1)
	if b.fail.Load() {
		return nil, errors.New("connection refused")
	}
	b.texts.Add(int32(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{
			0.01 + float32(strings.Count(t, "alpha")),
			0.01 + float32(strings.Count(t, "beta")),
			0.01 + float32(strings.Count(t, "gamma")),
		}
	}
	return out, nil
}

type memCache struct {
	mu   sync.Mutex
	vecs map[string][]float32
}

func (c *memCache) GetEmbeddings(_ context.Context, model string, keys []string) (map[string][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]float32)
	for _, k := range keys {
		if v, ok := c.vecs[model+"/"+k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (c *memCache) PutEmbeddings(_ context.Context, model string, vecs map[string][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vecs == nil {
		c.vecs = make(map[string][]float32)
	}
	for k, v := range vecs {
		c.vecs[model+"/"+k] = v
	}
	return nil
}

func numbered(n int, line func(i int) string) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		b.WriteString(line(i))
		b.WriteByte('\n')
	}
	return b.String()
}

func snapshot(path, content string) *parser.Snapshot {
	return parser.NewSnapshot("r", path, []byte(content), time.Unix(100, 0))
}

func TestSplitWindows(t *testing.T) {
	content := numbered(70, func(i int) string { return fmt.Sprintf("line %d", i) })
	chunks := Split(snapshot("a.txt", content), DefaultChunkOptions())
	want := [][2]int{{1, 30}, {26, 55}, {51, 70}}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %d, want %d", len(chunks), len(want))
	}
	for i, c := range chunks {
		if c.StartLine != want[i][0] || c.EndLine != want[i][1] {
			t.Errorf("chunk %d = %d-%d, want %d-%d", i, c.StartLine, c.EndLine, want[i][0], want[i][1])
		}
	}
	if !strings.HasPrefix(chunks[1].Text, "line 26\n") || !strings.HasSuffix(chunks[1].Text, "line 55\n") {
		t.Errorf("chunk text = %q", chunks[1].Text)
	}
	if chunks[0].ID != "a.txt:1-30" {
		t.Errorf("ID = %q", chunks[0].ID)
	}
}

func TestSplitBoundaryMatchIsCovered(t *testing.T) {
	const lines = 47
	content := numbered(lines, func(i int) string { return fmt.Sprintf("l%d", i) })
	opts := ChunkOptions{Lines: 10, Overlap: 2}
	chunks := Split(snapshot("a.txt", content), opts)

	// Any match spanning up to Overlap+1 lines sits inside one chunk.
	for span := 1; span <= opts.Overlap+1; span++ {
		for start := 1; start+span-1 <= lines; start++ {
			end := start + span - 1
			covered := false
			for _, c := range chunks {
				if c.StartLine <= start && end <= c.EndLine {
					covered = true
					break
				}
			}
			if !covered {
				t.Errorf("lines %d-%d not inside any chunk", start, end)
			}
		}
	}
}

func TestSplitSkipsBlankWindows(t *testing.T) {
	content := "func a() {}\n" + strings.Repeat("\n", 40) + "func b() {}\n"
	chunks := Split(snapshot("a.go", content), ChunkOptions{Lines: 10, Overlap: 1})
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			t.Errorf("blank chunk %s", c.ID)
		}
	}
	if len(chunks) != 2 {
		t.Errorf("chunks = %d, want 2", len(chunks))
	}
}

func TestSplitTruncatedChunkLines(t *testing.T) {
	content := numbered(20, func(i int) string { return fmt.Sprintf("row %03d", i) })
	tests := []struct {
		maxBytes int
		text     string
		end      int
	}{
		{20, "row 001\nrow 002\nrow ", 3},
		{16, "row 001\nrow 002\n", 2},
		{5, "row 0", 1},
	}
	for _, tt := range tests {
		chunks := Split(snapshot("a.txt", content), ChunkOptions{Lines: 10, Overlap: 2, MaxBytes: tt.maxBytes})
		c := chunks[0]
		if c.Text != tt.text {
			t.Errorf("MaxBytes %d: text = %q, want %q", tt.maxBytes, c.Text, tt.text)
		}
		if c.StartLine != 1 || c.EndLine != tt.end {
			t.Errorf("MaxBytes %d: lines %d-%d, want 1-%d", tt.maxBytes, c.StartLine, c.EndLine, tt.end)
		}
		if want := fmt.Sprintf("a.txt:1-%d", tt.end); c.ID != want {
			t.Errorf("MaxBytes %d: ID = %q, want %q", tt.maxBytes, c.ID, want)
		}
	}
}

func TestCacheKeyStableAcrossEdits(t *testing.T) {
	head := numbered(30, func(i int) string { return fmt.Sprintf("stable %d", i) })
	v1 := Split(snapshot("a.txt", head+"tail one\n"), DefaultChunkOptions())
	v2 := Split(snapshot("a.txt", head+"tail two\n"), DefaultChunkOptions())
	if v1[0].Key != v2[0].Key {
		t.Error("unchanged window changed key")
	}
	if v1[len(v1)-1].Key == v2[len(v2)-1].Key {
		t.Error("edited window kept key")
	}
	if CacheKey("r", "a.txt", "x") == CacheKey("r", "b.txt", "x") {
		t.Error("key should depend on path")
	}
}

func TestIndexerApplyAndNearest(t *testing.T) {
	b := &wordBackend{}
	x := NewIndexer(b, nil, IndexerOptions{Chunk: ChunkOptions{Lines: 4, Overlap: 1}, BatchSize: 2})
	ctx := context.Background()

	idx, err := x.Apply(ctx, nil, nil, []*parser.Snapshot{
		snapshot("a.txt", "alpha alpha\n"),
		snapshot("b.txt", "beta beta beta\n"),
		snapshot("c.txt", "gamma\n"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 3 || idx.DegradedCount() != 0 || idx.Dims() != 3 {
		t.Fatalf("len=%d degraded=%d dims=%d", idx.Len(), idx.DegradedCount(), idx.Dims())
	}

	got := idx.Nearest([]float32{0, 1, 0}, 2, nil)
	if len(got) != 2 || got[0].Chunk.Path != "b.txt" {
		t.Fatalf("nearest = %+v", got)
	}
	if got[0].Score < 0.99 {
		t.Errorf("cosine of near-identical vectors = %f", got[0].Score)
	}
	filtered := idx.Nearest([]float32{0, 1, 0}, 5, func(c Chunk) bool { return c.Path != "b.txt" })
	for _, n := range filtered {
		if n.Chunk.Path == "b.txt" {
			t.Error("filter ignored")
		}
	}

	next, err := x.Apply(ctx, idx, []string{"c.txt"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next.Len() != 2 || len(next.ChunksInFile("c.txt")) != 0 {
		t.Errorf("removal not applied: len=%d", next.Len())
	}
	if idx.Len() != 3 {
		t.Error("Apply mutated its input index")
	}
}

func TestIndexerReusesUnchangedChunks(t *testing.T) {
	b := &wordBackend{}
	x := NewIndexer(b, nil, IndexerOptions{Chunk: ChunkOptions{Lines: 4, Overlap: 1}})
	ctx := context.Background()

	body := numbered(12, func(i int) string { return fmt.Sprintf("alpha %d", i) })
	idx, err := x.Apply(ctx, nil, nil, []*parser.Snapshot{snapshot("a.txt", body)})
	if err != nil {
		t.Fatal(err)
	}
	first := b.texts.Load()

	edited := strings.Replace(body, "alpha 12", "beta 12", 1)
	if _, err := x.Apply(ctx, idx, nil, []*parser.Snapshot{snapshot("a.txt", edited)}); err != nil {
		t.Fatal(err)
	}
	if again := b.texts.Load() - first; again != 1 {
		t.Errorf("re-embedded %d chunks, want only the edited one", again)
	}
}

func TestIndexerDegradesAndRecovers(t *testing.T) {
	b := &wordBackend{}
	b.fail.Store(true)
	x := NewIndexer(b, nil, IndexerOptions{RetryDegraded: 10})
	ctx := context.Background()

	idx, err := x.Apply(ctx, nil, nil, []*parser.Snapshot{
		snapshot("a.txt", "alpha\n"),
		snapshot("b.txt", "beta\n"),
	})
	if err != nil {
		t.Fatalf("inference failure must not fail Apply: %v", err)
	}
	if idx.DegradedCount() != 2 || idx.Len() != 2 {
		t.Fatalf("degraded=%d len=%d", idx.DegradedCount(), idx.Len())
	}
	if got := idx.Nearest([]float32{1, 0, 0}, 5, nil); len(got) != 0 {
		t.Errorf("degraded chunks returned by Nearest: %+v", got)
	}

	b.fail.Store(false)
	idx, err = x.Apply(ctx, idx, nil, []*parser.Snapshot{snapshot("c.txt", "gamma\n")})
	if err != nil {
		t.Fatal(err)
	}
	if idx.DegradedCount() != 0 || idx.Len() != 3 {
		t.Errorf("after recovery degraded=%d len=%d", idx.DegradedCount(), idx.Len())
	}
}

func TestIndexerUsesCache(t *testing.T) {
	cache := &memCache{}
	snaps := []*parser.Snapshot{snapshot("a.txt", "alpha\n"), snapshot("b.txt", "beta\n")}

	warm := &wordBackend{}
	if _, err := NewIndexer(warm, cache, IndexerOptions{}).Apply(context.Background(), nil, nil, snaps); err != nil {
		t.Fatal(err)
	}

	cold := &wordBackend{}
	idx, err := NewIndexer(cold, cache, IndexerOptions{}).Apply(context.Background(), nil, nil, snaps)
	if err != nil {
		t.Fatal(err)
	}
	if cold.calls.Load() != 0 {
		t.Errorf("backend called %d times with a warm cache", cold.calls.Load())
	}
	if idx.DegradedCount() != 0 || idx.Len() != 2 {
		t.Errorf("degraded=%d len=%d", idx.DegradedCount(), idx.Len())
	}
}

func TestIndexerDisabled(t *testing.T) {
	x := NewIndexer(Disabled{}, nil, IndexerOptions{})
	if x.Enabled() {
		t.Fatal("Disabled backend reported enabled")
	}
	idx, err := x.Apply(context.Background(), nil, nil, []*parser.Snapshot{snapshot("a.txt", "alpha\n")})
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 0 || idx.DegradedCount() != 0 {
		t.Errorf("disabled index len=%d degraded=%d", idx.Len(), idx.DegradedCount())
	}
	if _, err := x.EmbedQuery(context.Background(), "q"); !errors.Is(err, ErrInferenceUnavailable) {
		t.Errorf("EmbedQuery err = %v", err)
	}
}

func TestIndexerCancelled(t *testing.T) {
	x := NewIndexer(&wordBackend{}, nil, IndexerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := x.Apply(ctx, nil, nil, []*parser.Snapshot{snapshot("a.txt", "alpha\n")}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

type flakyBackend struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyBackend) Model() string { return "flaky" }

func (f *flakyBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("503")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

func TestRetrying(t *testing.T) {
	opts := RetryOptions{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}

	ok := &flakyBackend{failures: 2}
	if _, err := NewRetrying(ok, opts).Embed(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if ok.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", ok.calls.Load())
	}

	down := &flakyBackend{failures: 100}
	_, err := NewRetrying(down, opts).Embed(context.Background(), []string{"x"})
	if !errors.Is(err, ErrInferenceUnavailable) {
		t.Fatalf("err = %v, want ErrInferenceUnavailable", err)
	}
	if down.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", down.calls.Load())
	}

	limited := NewRetrying(&flakyBackend{}, RetryOptions{RequestsPerSecond: 1000, Burst: 1})
	for i := 0; i < 3; i++ {
		if _, err := limited.Embed(context.Background(), []string{"x"}); err != nil {
			t.Fatal(err)
		}
	}
	if !IsDisabled(NewRetrying(Disabled{}, opts)) {
		t.Error("wrapped Disabled should be disabled")
	}
}

func TestOllama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model == "broken" {
			http.Error(w, "model not found", http.StatusInternalServerError)
			return
		}
		resp := ollamaResponse{}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0.5, 0.5})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	vecs, err := NewOllama(srv.URL+"/", "nomic-embed-text").Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 2 {
		t.Errorf("vecs = %v", vecs)
	}

	if _, err := NewOllama(srv.URL, "broken").Embed(context.Background(), []string{"a"}); err == nil ||
		!strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want status 500", err)
	}
}

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"
)

// ErrInferenceUnavailable is returned when the backend could not produce
// embeddings. Affected chunks are indexed without vectors.
var ErrInferenceUnavailable = errors.New("inference unavailable")

// Backend turns texts into vectors. The result has the same length and
// order as texts.
type Backend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Disabled is the backend used when semantic search is turned off.
type Disabled struct{}

func (Disabled) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: embeddings disabled", ErrInferenceUnavailable)
}

func (Disabled) Model() string { return "disabled" }

// IsDisabled reports whether b never produces vectors.
func IsDisabled(b Backend) bool {
	if b == nil {
		return true
	}
	_, ok := b.(Disabled)
	if r, isRetrying := b.(*Retrying); isRetrying {
		return IsDisabled(r.next)
	}
	return ok
}

// Ollama calls the /api/embed endpoint of an Ollama server.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a backend for the Ollama server at baseURL.
func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *Ollama) Model() string { return o.model }

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(ollamaRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama embed returned %d: %s", resp.StatusCode, string(respBody))
	}
	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "text-embedding-3-small"

// OpenAI calls the embeddings API of OpenAI or a compatible server.
type OpenAI struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewOpenAI creates an OpenAI backend. baseURL may be empty.
func NewOpenAI(apiKey, baseURL, model string, dimensions int) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model, dimensions: dimensions}
}

func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(o.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if o.dimensions > 0 {
		params.Dimensions = openai.Int(int64(o.dimensions))
	}
	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// RetryOptions bounds calls to a backend.
type RetryOptions struct {
	Timeout        time.Duration
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RequestsPerSecond limits call rate; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
}

// DefaultRetryOptions returns the retry policy used by the server.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Timeout:        30 * time.Second,
		Attempts:       3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Retrying wraps a backend with per-call timeouts, exponential backoff and
// rate limiting. Exhausted retries return ErrInferenceUnavailable.
type Retrying struct {
	next    Backend
	opts    RetryOptions
	limiter *rate.Limiter
}

// NewRetrying wraps next.
func NewRetrying(next Backend, opts RetryOptions) *Retrying {
	def := DefaultRetryOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(def.MaxBackoff, opts.InitialBackoff)
	}
	r := &Retrying{next: next, opts: opts}
	if opts.RequestsPerSecond > 0 {
		burst := max(opts.Burst, 1)
		r.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return r
}

func (r *Retrying) Model() string { return r.next.Model() }

func (r *Retrying) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	backoff := r.opts.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		vecs, err := r.next.Embed(callCtx, texts)
		cancel()
		if err == nil {
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, ErrInferenceUnavailable) {
			break
		}
		if attempt == r.opts.Attempts {
			break
		}
		slog.Debug("embed.retry", "model", r.next.Model(), "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff = min(backoff*2, r.opts.MaxBackoff)
	}
	if errors.Is(lastErr, ErrInferenceUnavailable) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %w", ErrInferenceUnavailable, lastErr)
}

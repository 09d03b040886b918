// Package embedding splits files into overlapping line windows, embeds them
// through an inference backend and answers nearest-neighbour queries.
package embedding

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/DeusData/codebase-search-mcp/internal/parser"
)

// Default chunk window.
const (
	DefaultChunkLines   = 30
	DefaultChunkOverlap = 5
	// DefaultChunkBytes caps chunk text sent to the backend.
	DefaultChunkBytes = 8 << 10
)

// ChunkOptions sizes the line windows.
type ChunkOptions struct {
	Lines    int
	Overlap  int
	MaxBytes int
}

// DefaultChunkOptions returns 30-line windows overlapping by 5 lines.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{Lines: DefaultChunkLines, Overlap: DefaultChunkOverlap, MaxBytes: DefaultChunkBytes}
}

// normalize clamps the options so that windows advance and any range of at
// most Overlap+1 lines lies inside one window.
func (o ChunkOptions) normalize() ChunkOptions {
	if o.Lines <= 0 {
		o.Lines = DefaultChunkLines
	}
	if o.Lines == 1 {
		o.Overlap = 0
	}
	if o.Overlap < 1 && o.Lines > 1 {
		o.Overlap = 1
	}
	if o.Overlap > o.Lines/2 {
		o.Overlap = o.Lines / 2
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultChunkBytes
	}
	return o
}

// Chunk is a line window of one file, the unit of embedding.
type Chunk struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Repo      string `json:"repo"`
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Text      string `json:"-"`
}

// Split cuts a snapshot into overlapping line windows. Windows containing
// only whitespace are skipped.
func Split(snap *parser.Snapshot, opts ChunkOptions) []Chunk {
	opts = opts.normalize()
	lines := bytes.SplitAfter(snap.Content, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	step := opts.Lines - opts.Overlap

	var out []Chunk
	for start := 0; start < len(lines); start += step {
		end := min(start+opts.Lines, len(lines))
		text := string(bytes.Join(lines[start:end], nil))
		if strings.TrimSpace(text) != "" {
			last := end
			if len(text) > opts.MaxBytes {
				cut := opts.MaxBytes
				for cut > 0 && !utf8.RuneStart(text[cut]) {
					cut--
				}
				text = text[:cut]
				// The window ends on the last line the cut kept any of.
				last = start + 1 + strings.Count(strings.TrimSuffix(text, "\n"), "\n")
			}
			out = append(out, Chunk{
				ID:        fmt.Sprintf("%s:%d-%d", snap.Path, start+1, last),
				Key:       CacheKey(snap.Repo, snap.Path, text),
				Repo:      snap.Repo,
				Path:      snap.Path,
				StartLine: start + 1,
				EndLine:   last,
				Text:      text,
			})
		}
		if end == len(lines) {
			break
		}
	}
	return out
}

// CacheKey identifies chunk text at a path. An edit elsewhere in the file
// leaves the key of an unchanged window intact.
func CacheKey(repo, path, text string) string {
	h := xxh3.New()
	_, _ = h.WriteString(repo)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(path)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(text)
	b := h.Sum128().Bytes()
	id, _ := uuid.FromBytes(b[:])
	return id.String()
}

package parser

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-enry/go-enry/v2"
	"github.com/zeebo/xxh3"

	"github.com/DeusData/codebase-search-mcp/internal/lang"
)

// SchemaVersion is mixed into content hashes so that a change to extraction
// invalidates every cached file.
const SchemaVersion = "cbs-1"

// Snapshot is the immutable content of one file at one point in time.
// A modification produces a new Snapshot.
type Snapshot struct {
	Repo     string
	Path     string // slash-separated, relative to the repository root
	Hash     string
	Language lang.Language
	Content  []byte
	ModTime  time.Time
}

// NewSnapshot hashes content and detects its language.
func NewSnapshot(repo, relPath string, content []byte, modTime time.Time) *Snapshot {
	content = stripBOM(content)
	return &Snapshot{
		Repo:     repo,
		Path:     relPath,
		Hash:     ContentHash(content),
		Language: DetectLanguage(relPath, content),
		Content:  content,
		ModTime:  modTime,
	}
}

// ContentHash returns the hex xxh3-128 of SchemaVersion and content.
func ContentHash(content []byte) string {
	h := xxh3.New()
	_, _ = h.WriteString(SchemaVersion)
	_, _ = h.Write(content)
	b := h.Sum128().Bytes()
	return hex.EncodeToString(b[:])
}

// DetectLanguage selects a language by file name and extension, falling back
// to content heuristics for files the registry doesn't know. Files no
// heuristic recognises are Text.
func DetectLanguage(relPath string, content []byte) lang.Language {
	if l, ok := lang.ForPath(relPath); ok {
		return l
	}
	name := enry.GetLanguage(relPath, content)
	if name == "" {
		return lang.Text
	}
	return lang.Normalize(strings.ReplaceAll(name, " ", "-"))
}

func stripBOM(source []byte) []byte {
	if len(source) >= 3 && source[0] == 0xEF && source[1] == 0xBB && source[2] == 0xBF {
		return source[3:]
	}
	return source
}

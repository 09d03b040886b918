// Package discover walks a repository checkout and decides which files are
// indexed.
package discover

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-enry/go-enry/v2"
	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultMaxFileSize skips generated bundles and data dumps.
const DefaultMaxFileSize = 1 << 20

// IgnoredDirs are directory names never descended into.
var IgnoredDirs = map[string]bool{
	".cache": true, ".eggs": true, ".git": true, ".gradle": true, ".hg": true,
	".idea": true, ".mypy_cache": true, ".nox": true, ".npm": true,
	".pytest_cache": true, ".ruff_cache": true, ".svn": true, ".tox": true,
	".venv": true, ".vs": true, ".vscode": true, ".yarn": true,
	"__pycache__": true, "bower_components": true, "coverage": true,
	"dist": true, "htmlcov": true, "node_modules": true, "obj": true,
	"Pods": true, "site-packages": true, "target": true, "venv": true,
}

// IgnoredSuffixes are binary or derived file suffixes.
var IgnoredSuffixes = []string{
	".tmp", "~", ".pyc", ".pyo", ".o", ".a", ".so", ".dll", ".dylib", ".exe",
	".class", ".jar", ".png", ".jpg", ".jpeg", ".gif", ".ico", ".pdf",
	".zip", ".gz", ".tar", ".woff", ".woff2", ".ttf", ".wasm", ".min.js",
	".min.css", ".map", ".lock", ".sum",
}

// ignoreFiles are read from the repository root, in order.
var ignoreFiles = []string{".gitignore", ".cbsignore"}

// FileInfo represents a discovered file.
type FileInfo struct {
	Path    string // absolute path
	RelPath string // slash-separated, relative to repo root
	Size    int64
	ModTime time.Time
}

// Options configures file discovery.
type Options struct {
	// IgnoreFile adds patterns from a file outside the repository.
	IgnoreFile string
	// Patterns are extra gitignore-style patterns.
	Patterns    []string
	MaxFileSize int64
}

// Filter decides whether a path is indexed. It is shared by the walker and
// the filesystem watcher.
type Filter struct {
	root        string
	matcher     *gitignore.GitIgnore
	maxFileSize int64
}

// NewFilter loads ignore patterns for the repository at root.
func NewFilter(root string, opts *Options) *Filter {
	var patterns []string
	for _, name := range ignoreFiles {
		lines, _ := readLines(filepath.Join(root, name))
		patterns = append(patterns, lines...)
	}
	f := &Filter{root: root, maxFileSize: DefaultMaxFileSize}
	if opts != nil {
		if opts.IgnoreFile != "" {
			lines, _ := readLines(opts.IgnoreFile)
			patterns = append(patterns, lines...)
		}
		patterns = append(patterns, opts.Patterns...)
		if opts.MaxFileSize > 0 {
			f.maxFileSize = opts.MaxFileSize
		}
	}
	if len(patterns) > 0 {
		f.matcher = gitignore.CompileIgnoreLines(patterns...)
	}
	return f
}

// Root returns the absolute repository root.
func (f *Filter) Root() string { return f.root }

// SkipDir reports whether a directory (relative, slash-separated) is skipped.
func (f *Filter) SkipDir(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	if IgnoredDirs[filepath.Base(rel)] {
		return true
	}
	if enry.IsVendor(rel + "/") {
		return true
	}
	return f.matcher != nil && f.matcher.MatchesPath(rel+"/")
}

// SkipFile reports whether a file (relative, slash-separated) is skipped.
// size < 0 skips the size check.
func (f *Filter) SkipFile(rel string, size int64) bool {
	if size > f.maxFileSize {
		return true
	}
	lower := strings.ToLower(rel)
	for _, suffix := range IgnoredSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	for dir := filepath.Dir(filepath.FromSlash(rel)); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
		if f.SkipDir(filepath.ToSlash(dir)) {
			return true
		}
	}
	return f.matcher != nil && f.matcher.MatchesPath(rel)
}

// Rel converts an absolute path under root to a slash-separated relative path.
func (f *Filter) Rel(path string) (string, bool) {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Discover walks a repository and returns every indexable file.
func Discover(ctx context.Context, repoPath string, opts *Options) ([]FileInfo, error) {
	repoPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Walk(ctx, NewFilter(repoPath, opts))
}

// Walk lists the files accepted by filter.
func Walk(ctx context.Context, filter *Filter) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(filter.root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == filter.root {
				return walkErr
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, ok := filter.Rel(path)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if filter.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if filter.SkipFile(rel, info.Size()) {
			return nil
		}
		files = append(files, FileInfo{
			Path:    path,
			RelPath: rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	return files, err
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

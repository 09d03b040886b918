package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// validName restricts repository names to safe file names.
var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Router manages per-repository SQLite databases.
// Each repository gets its own .db file in the cache directory.
type Router struct {
	dir    string            // ~/.cache/codebase-search-mcp/
	stores map[string]*Store // repository name → open Store (lazy)
	mu     sync.Mutex
}

// NewRouter creates a Router over dir, ensuring it exists.
func NewRouter(dir string) (*Router, error) {
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &Router{
		dir:    dir,
		stores: make(map[string]*Store),
	}, nil
}

// ForRepository returns the Store for the given repository, opening it lazily.
func (r *Router) ForRepository(name string) (*Store, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("invalid repository name: %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[name]; ok {
		return s, nil
	}
	s, err := OpenInDir(r.dir, name)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", name, err)
	}
	r.stores[name] = s
	return s, nil
}

// Names scans the cache directory for repository databases.
func (r *Router) Names() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("readdir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".db")
		if validName.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteRepository closes the Store connection and removes the .db + WAL/SHM files.
func (r *Router) DeleteRepository(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[name]; ok {
		s.Close()
		delete(r.stores, name)
	}

	dbPath := filepath.Join(r.dir, name+".db")
	for _, suffix := range []string{"", "-wal", "-shm"} {
		p := dbPath + suffix
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	slog.Info("router.delete", "repo", name)
	return nil
}

// Dir returns the cache directory path.
func (r *Router) Dir() string {
	return r.dir
}

// CloseAll closes all open Store connections.
func (r *Router) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, s := range r.stores {
		if err := s.Close(); err != nil {
			slog.Warn("router.close", "repo", name, "err", err)
		}
	}
	r.stores = make(map[string]*Store)
}

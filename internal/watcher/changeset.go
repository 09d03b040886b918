package watcher

import (
	"sort"
	"time"
)

// FileFailure is a path that could not be read. It does not fail the
// ChangeSet it belongs to.
type FileFailure struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// ChangeSet is a debounced, deduplicated batch of file changes for one
// repository. Paths are relative to the repository root and sorted.
type ChangeSet struct {
	Repo     string
	Added    []string
	Modified []string
	Removed  []string
	Failures []FileFailure
	// Commit is HEAD when the set was emitted, empty outside git.
	Commit string
	// FullRescan marks a set built by walking the whole tree.
	FullRescan bool
	// WatchLost reports that live watching stopped and the tracker fell
	// back to polling.
	WatchLost bool
	At        time.Time
}

// Empty reports whether the set carries nothing to apply or report.
func (cs ChangeSet) Empty() bool {
	return len(cs.Added) == 0 && len(cs.Modified) == 0 && len(cs.Removed) == 0 &&
		len(cs.Failures) == 0 && !cs.WatchLost
}

// Len is the number of changed paths.
func (cs ChangeSet) Len() int {
	return len(cs.Added) + len(cs.Modified) + len(cs.Removed)
}

// Upserts returns added and modified paths.
func (cs ChangeSet) Upserts() []string {
	out := make([]string, 0, len(cs.Added)+len(cs.Modified))
	out = append(out, cs.Added...)
	return append(out, cs.Modified...)
}

type status uint8

const (
	statusAdded status = iota + 1
	statusModified
	statusRemoved
)

// Merge folds next into cs as if both had been observed as one burst.
// The later status of a path wins, except that a file added and then
// modified stays added, and a file removed and then re-created is modified.
func (cs ChangeSet) Merge(next ChangeSet) ChangeSet {
	paths := make(map[string]status, cs.Len()+next.Len())
	apply := func(set ChangeSet) {
		for _, p := range set.Added {
			if paths[p] == statusRemoved {
				paths[p] = statusModified
			} else {
				paths[p] = statusAdded
			}
		}
		for _, p := range set.Modified {
			if paths[p] != statusAdded {
				paths[p] = statusModified
			}
		}
		for _, p := range set.Removed {
			paths[p] = statusRemoved
		}
	}
	apply(cs)
	apply(next)

	out := ChangeSet{
		Repo:       next.Repo,
		Commit:     next.Commit,
		FullRescan: cs.FullRescan || next.FullRescan,
		WatchLost:  cs.WatchLost || next.WatchLost,
		At:         next.At,
	}
	if out.Repo == "" {
		out.Repo = cs.Repo
	}
	if out.Commit == "" {
		out.Commit = cs.Commit
	}
	for p, s := range paths {
		switch s {
		case statusAdded:
			out.Added = append(out.Added, p)
		case statusModified:
			out.Modified = append(out.Modified, p)
		case statusRemoved:
			out.Removed = append(out.Removed, p)
		}
	}

	failed := make(map[string]string)
	for _, f := range cs.Failures {
		failed[f.Path] = f.Err
	}
	for _, p := range next.Upserts() {
		delete(failed, p)
	}
	for _, p := range next.Removed {
		delete(failed, p)
	}
	for _, f := range next.Failures {
		failed[f.Path] = f.Err
	}
	for p, e := range failed {
		out.Failures = append(out.Failures, FileFailure{Path: p, Err: e})
	}
	out.sort()
	return out
}

func (cs *ChangeSet) sort() {
	sort.Strings(cs.Added)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Removed)
	sort.Slice(cs.Failures, func(i, j int) bool { return cs.Failures[i].Path < cs.Failures[j].Path })
}

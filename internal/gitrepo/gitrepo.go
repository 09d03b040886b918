// Package gitrepo reads commit state from a local checkout.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	fdiff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// ErrNotRepository is returned by Open when root is not inside a git checkout.
var ErrNotRepository = errors.New("not a git repository")

// Commit identifies a commit.
type Commit struct {
	Hash string
	Time time.Time
}

// ChangedFile is a path touched between two commits.
type ChangedFile struct {
	Status  string // A, M, D or R
	Path    string
	OldPath string // set for renames
}

// LineRange is an inclusive 1-based line range.
type LineRange struct {
	Start int
	End   int
}

// Repo is a checkout opened with go-git.
type Repo struct {
	repo *git.Repository
}

// Open finds the repository containing root.
func Open(root string) (*Repo, error) {
	r, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNotRepository
		}
		return nil, fmt.Errorf("open git %s: %w", root, err)
	}
	return &Repo{repo: r}, nil
}

// Head returns the commit HEAD points to.
func (r *Repo) Head() (Commit, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return Commit{}, fmt.Errorf("head: %w", err)
	}
	c, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return Commit{}, fmt.Errorf("head commit: %w", err)
	}
	return Commit{Hash: c.Hash.String(), Time: c.Committer.When}, nil
}

// Remote returns the first URL of the origin remote, or "".
func (r *Repo) Remote() string {
	remote, err := r.repo.Remote("origin")
	if err != nil {
		return ""
	}
	if urls := remote.Config().URLs; len(urls) > 0 {
		return urls[0]
	}
	return ""
}

// ChangedPaths diffs the trees of two commits. Paths are sorted.
func (r *Repo) ChangedPaths(ctx context.Context, from, to string) ([]ChangedFile, error) {
	fromTree, err := r.tree(from)
	if err != nil {
		return nil, err
	}
	toTree, err := r.tree(to)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", short(from), short(to), err)
	}

	files := make([]ChangedFile, 0, len(changes))
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			continue
		}
		switch action {
		case merkletrie.Insert:
			files = append(files, ChangedFile{Status: "A", Path: ch.To.Name})
		case merkletrie.Delete:
			files = append(files, ChangedFile{Status: "D", Path: ch.From.Name})
		case merkletrie.Modify:
			if ch.From.Name != ch.To.Name {
				files = append(files, ChangedFile{Status: "R", Path: ch.To.Name, OldPath: ch.From.Name})
			} else {
				files = append(files, ChangedFile{Status: "M", Path: ch.To.Name})
			}
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ChangedLines maps each file modified or added between two commits to the
// line ranges of the target version that the diff touched. A deletion marks
// the lines around the point where text was removed. Deleted and binary
// files have no entry.
func (r *Repo) ChangedLines(ctx context.Context, from, to string) (map[string][]LineRange, error) {
	fromTree, err := r.tree(from)
	if err != nil {
		return nil, err
	}
	toTree, err := r.tree(to)
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", short(from), short(to), err)
	}
	patch, err := changes.PatchContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("patch %s..%s: %w", short(from), short(to), err)
	}

	out := make(map[string][]LineRange)
	for _, fp := range patch.FilePatches() {
		_, toFile := fp.Files()
		if toFile == nil || fp.IsBinary() {
			continue
		}
		if ranges := hunkLines(fp.Chunks()); len(ranges) > 0 {
			out[toFile.Path()] = ranges
		}
	}
	return out, nil
}

func hunkLines(chunks []fdiff.Chunk) []LineRange {
	var out []LineRange
	line := 1
	for _, c := range chunks {
		n := countLines(c.Content())
		switch c.Type() {
		case fdiff.Equal:
			line += n
		case fdiff.Add:
			if n > 0 {
				out = append(out, LineRange{Start: line, End: line + n - 1})
			}
			line += n
		case fdiff.Delete:
			out = append(out, LineRange{Start: max(line-1, 1), End: line})
		}
	}
	return out
}

func countLines(s string) int {
	n := strings.Count(s, "\n")
	if s != "" && !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// Resolve turns a revision (hash, abbreviated hash, branch, tag or an
// expression such as HEAD~1) into a full commit hash.
func (r *Repo) Resolve(rev string) (string, error) {
	h, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rev, err)
	}
	return h.String(), nil
}

func (r *Repo) tree(rev string) (*object.Tree, error) {
	hash, err := r.Resolve(rev)
	if err != nil {
		return nil, err
	}
	c, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", short(hash), err)
	}
	t, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree %s: %w", short(hash), err)
	}
	return t, nil
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

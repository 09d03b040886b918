package watcher

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotsEqual(t *testing.T) {
	now := time.Now()

	a := map[string]fileSnapshot{
		"main.go": {modTime: now, size: 100},
		"util.go": {modTime: now, size: 200},
	}
	b := map[string]fileSnapshot{
		"main.go": {modTime: now, size: 100},
		"util.go": {modTime: now, size: 200},
	}
	if !snapshotsEqual(a, b) {
		t.Error("identical snapshots should be equal")
	}

	c := map[string]fileSnapshot{
		"main.go": {modTime: now, size: 101},
		"util.go": {modTime: now, size: 200},
	}
	if snapshotsEqual(a, c) {
		t.Error("different size should not be equal")
	}

	d := map[string]fileSnapshot{
		"main.go": {modTime: now.Add(time.Second), size: 100},
		"util.go": {modTime: now, size: 200},
	}
	if snapshotsEqual(a, d) {
		t.Error("different mtime should not be equal")
	}

	e := map[string]fileSnapshot{
		"main.go": {modTime: now, size: 100},
	}
	if snapshotsEqual(a, e) {
		t.Error("different file count should not be equal")
	}

	if !snapshotsEqual(map[string]fileSnapshot{}, map[string]fileSnapshot{}) {
		t.Error("both empty should be equal")
	}
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		files    int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{499, 1 * time.Second},
		{500, 2 * time.Second},
		{2000, 5 * time.Second},
		{10000, 21 * time.Second},
		{50000, 60 * time.Second},
	}
	for _, tt := range tests {
		got := pollInterval(tt.files)
		if got != tt.expected {
			t.Errorf("pollInterval(%d) = %v, want %v", tt.files, got, tt.expected)
		}
	}
}

func TestChangeSetMerge(t *testing.T) {
	tests := []struct {
		name     string
		a, b     ChangeSet
		added    []string
		modified []string
		removed  []string
	}{
		{
			name:  "added then modified stays added",
			a:     ChangeSet{Added: []string{"a.go"}},
			b:     ChangeSet{Modified: []string{"a.go"}},
			added: []string{"a.go"},
		},
		{
			name:    "modified then removed",
			a:       ChangeSet{Modified: []string{"a.go"}},
			b:       ChangeSet{Removed: []string{"a.go"}},
			removed: []string{"a.go"},
		},
		{
			name:     "removed then recreated",
			a:        ChangeSet{Removed: []string{"a.go"}},
			b:        ChangeSet{Added: []string{"a.go"}},
			modified: []string{"a.go"},
		},
		{
			name:     "union",
			a:        ChangeSet{Added: []string{"b.go"}, Modified: []string{"c.go"}},
			b:        ChangeSet{Added: []string{"a.go"}, Removed: []string{"d.go"}},
			added:    []string{"a.go", "b.go"},
			modified: []string{"c.go"},
			removed:  []string{"d.go"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Merge(tt.b)
			if !reflect.DeepEqual(got.Added, tt.added) {
				t.Errorf("added = %v, want %v", got.Added, tt.added)
			}
			if !reflect.DeepEqual(got.Modified, tt.modified) {
				t.Errorf("modified = %v, want %v", got.Modified, tt.modified)
			}
			if !reflect.DeepEqual(got.Removed, tt.removed) {
				t.Errorf("removed = %v, want %v", got.Removed, tt.removed)
			}
		})
	}
}

func TestChangeSetMergeFailuresAndFlags(t *testing.T) {
	a := ChangeSet{
		Repo:     "r",
		Commit:   "c1",
		Failures: []FileFailure{{Path: "x.go", Err: "denied"}, {Path: "y.go", Err: "denied"}},
	}
	b := ChangeSet{Modified: []string{"x.go"}, WatchLost: true}
	got := a.Merge(b)
	if len(got.Failures) != 1 || got.Failures[0].Path != "y.go" {
		t.Errorf("failures = %+v, want only y.go", got.Failures)
	}
	if got.Repo != "r" || got.Commit != "c1" {
		t.Errorf("repo/commit = %q/%q", got.Repo, got.Commit)
	}
	if !got.WatchLost {
		t.Error("WatchLost should carry over")
	}
	if got.Empty() {
		t.Error("merged set should not be empty")
	}
	if !(ChangeSet{}).Empty() {
		t.Error("zero ChangeSet should be empty")
	}
}

func TestScanAgainstBaseline(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")
	writeFile(t, dir, "util/util.go", "package util\n")
	writeFile(t, dir, "node_modules/x/index.js", "module.exports = 1\n")

	tr := New("r", dir, Options{Polling: true})
	cs, err := tr.Scan(context.Background(), map[string]bool{"main.go": true, "gone.go": true})
	if err != nil {
		t.Fatal(err)
	}
	if !cs.FullRescan {
		t.Error("Scan should mark FullRescan")
	}
	if !reflect.DeepEqual(cs.Added, []string{"util/util.go"}) {
		t.Errorf("added = %v", cs.Added)
	}
	if !reflect.DeepEqual(cs.Modified, []string{"main.go"}) {
		t.Errorf("modified = %v", cs.Modified)
	}
	if !reflect.DeepEqual(cs.Removed, []string{"gone.go"}) {
		t.Errorf("removed = %v", cs.Removed)
	}
}

func TestDiffSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	writeFile(t, dir, "b.go", "package b\n")

	tr := New("r", dir, Options{Polling: true})
	if _, err := tr.Scan(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	now := time.Now().Add(time.Second)
	if err := os.Chtimes(filepath.Join(dir, "a.go"), now, now); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "b.go")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "c.go", "package c\n")

	snap, err := captureSnapshot(context.Background(), tr.filter)
	if err != nil {
		t.Fatal(err)
	}
	cs := tr.diffSnapshot(snap, false)
	if !reflect.DeepEqual(cs.Added, []string{"c.go"}) ||
		!reflect.DeepEqual(cs.Modified, []string{"a.go"}) ||
		!reflect.DeepEqual(cs.Removed, []string{"b.go"}) {
		t.Errorf("diff = +%v ~%v -%v", cs.Added, cs.Modified, cs.Removed)
	}

	cs = tr.diffSnapshot(snap, false)
	if !cs.Empty() {
		t.Errorf("second diff should be empty, got %+v", cs)
	}
}

func TestFlushClassifiesPending(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.go", "package keep\n")
	writeFile(t, dir, "drop.go", "package drop\n")

	tr := New("r", dir, Options{Polling: true})
	if _, err := tr.Scan(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "drop.go")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "new.go", "package fresh\n")

	tr.pending = map[string]bool{"keep.go": true, "drop.go": true, "new.go": true, "never.go": true}
	cs := tr.flush()
	if !reflect.DeepEqual(cs.Added, []string{"new.go"}) {
		t.Errorf("added = %v", cs.Added)
	}
	if len(cs.Modified) != 0 {
		t.Errorf("unchanged file reported modified: %v", cs.Modified)
	}
	if !reflect.DeepEqual(cs.Removed, []string{"drop.go"}) {
		t.Errorf("removed = %v", cs.Removed)
	}
	if len(tr.pending) != 0 {
		t.Error("flush should clear pending")
	}
}

func TestFlushReportsUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	dir := t.TempDir()
	writeFile(t, dir, "secret.go", "package secret\n")
	if err := os.Chmod(filepath.Join(dir, "secret.go"), 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(dir, "secret.go"), 0o600) })

	tr := New("r", dir, Options{Polling: true})
	tr.pending["secret.go"] = true
	cs := tr.flush()
	if len(cs.Failures) != 1 || cs.Failures[0].Path != "secret.go" {
		t.Fatalf("failures = %+v", cs.Failures)
	}
	if len(cs.Added) != 0 {
		t.Errorf("unreadable file should not be added: %v", cs.Added)
	}
}

func nextChangeSet(t *testing.T, ch <-chan ChangeSet) ChangeSet {
	t.Helper()
	select {
	case cs, ok := <-ch:
		if !ok {
			t.Fatal("change stream closed")
		}
		return cs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change set")
	}
	return ChangeSet{}
}

func TestObserveCoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")

	tr := New("r", dir, Options{Debounce: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := tr.Scan(ctx, nil); err != nil {
		t.Fatal(err)
	}
	ch := tr.Observe(ctx)
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "a.go", "package a\n")
	writeFile(t, dir, "b.go", "package b\n")
	writeFile(t, dir, "pkg/c.go", "package pkg\n")

	cs := nextChangeSet(t, ch)
	for len(cs.Added) < 3 {
		cs = cs.Merge(nextChangeSet(t, ch))
	}
	want := []string{"a.go", "b.go", "pkg/c.go"}
	if !reflect.DeepEqual(cs.Added, want) {
		t.Errorf("added = %v, want %v", cs.Added, want)
	}
}

func TestObserveRemoval(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")
	writeFile(t, dir, "old.go", "package main\n")

	tr := New("r", dir, Options{Debounce: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := tr.Scan(ctx, nil); err != nil {
		t.Fatal(err)
	}
	ch := tr.Observe(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(filepath.Join(dir, "old.go")); err != nil {
		t.Fatal(err)
	}
	cs := nextChangeSet(t, ch)
	if !reflect.DeepEqual(cs.Removed, []string{"old.go"}) {
		t.Errorf("removed = %v", cs.Removed)
	}
}

func TestObserveRootRemovedReportsWatchLost(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "repo")
	writeFile(t, dir, "main.go", "package main\n")

	tr := New("r", dir, Options{Debounce: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := tr.Scan(ctx, nil); err != nil {
		t.Fatal(err)
	}
	ch := tr.Observe(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cs := <-ch:
			if cs.WatchLost {
				return
			}
		case <-deadline:
			t.Fatal("expected a WatchLost change set")
		}
	}
}

func TestObserveCancellation(t *testing.T) {
	dir := t.TempDir()
	tr := New("r", dir, Options{Polling: true})
	ctx, cancel := context.WithCancel(context.Background())
	ch := tr.Observe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tracker did not stop after context cancellation")
	}
}

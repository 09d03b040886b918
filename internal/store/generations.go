package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Summary describes the ChangeSet a generation was built from.
type Summary struct {
	Added      int      `json:"added"`
	Modified   int      `json:"modified"`
	Removed    int      `json:"removed"`
	Failed     int      `json:"failed"`
	FullRescan bool     `json:"full_rescan,omitempty"`
	Failures   []string `json:"failures,omitempty"`
}

// Generation is the durable record of a published generation.
type Generation struct {
	Repo      string    `json:"repo"`
	ID        int64     `json:"id"`
	BuildID   string    `json:"build_id"`
	Commit    string    `json:"commit,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Summary   Summary   `json:"summary"`
}

// ManifestEntry is one file of a generation.
type ManifestEntry struct {
	Path     string
	Hash     string
	Language string
	ModTime  time.Time
}

// PublishGeneration records gen with its complete manifest and makes it the
// repository's current generation, all in one transaction. blobs holds the
// content of files new to this generation, keyed by content hash; blobs
// already stored are kept. Generations older than gen.ID-1 are pruned along
// with blobs nothing references anymore.
func (s *Store) PublishGeneration(ctx context.Context, gen Generation, manifest []ManifestEntry, blobs map[string][]byte) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		var current int64
		err := tx.q.QueryRowContext(ctx, "SELECT current_generation FROM repositories WHERE name=?", gen.Repo).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("repository %q: %w", gen.Repo, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if gen.ID <= current {
			return fmt.Errorf("generation %d not after current %d", gen.ID, current)
		}

		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO generations (repo, id, build_id, commit_hash, created_at, summary) VALUES (?, ?, ?, ?, ?, ?)`,
			gen.Repo, gen.ID, gen.BuildID, gen.Commit, gen.CreatedAt.UTC().Format(time.RFC3339Nano), marshalSummary(gen.Summary)); err != nil {
			return fmt.Errorf("insert generation: %w", err)
		}
		for hash, content := range blobs {
			if _, err := tx.q.ExecContext(ctx,
				"INSERT OR IGNORE INTO file_blobs (content_hash, content) VALUES (?, ?)", hash, content); err != nil {
				return fmt.Errorf("insert blob: %w", err)
			}
		}
		for _, f := range manifest {
			if _, err := tx.q.ExecContext(ctx, `
				INSERT INTO generation_files (repo, generation_id, rel_path, content_hash, language, mod_time)
				VALUES (?, ?, ?, ?, ?, ?)`,
				gen.Repo, gen.ID, f.Path, f.Hash, f.Language, f.ModTime.UnixNano()); err != nil {
				return fmt.Errorf("insert manifest %s: %w", f.Path, err)
			}
		}
		if _, err := tx.q.ExecContext(ctx, `
			UPDATE repositories SET current_generation=?, last_commit=?, updated_at=? WHERE name=?`,
			gen.ID, gen.Commit, Now(), gen.Repo); err != nil {
			return fmt.Errorf("update repository: %w", err)
		}
		if _, err := tx.q.ExecContext(ctx,
			"DELETE FROM generations WHERE repo=? AND id < ?", gen.Repo, gen.ID-1); err != nil {
			return fmt.Errorf("prune generations: %w", err)
		}
		return tx.pruneBlobs(ctx)
	})
}

// CurrentGeneration returns the durable current generation of repo.
func (s *Store) CurrentGeneration(ctx context.Context, repo string) (*Generation, error) {
	r, err := s.GetRepository(ctx, repo)
	if err != nil {
		return nil, err
	}
	if r.CurrentGeneration == 0 {
		return nil, fmt.Errorf("repository %q has no generation: %w", repo, ErrNotFound)
	}
	return s.GetGeneration(ctx, repo, r.CurrentGeneration)
}

// GetGeneration returns one generation record.
func (s *Store) GetGeneration(ctx context.Context, repo string, id int64) (*Generation, error) {
	var (
		g         Generation
		createdAt string
		summary   string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT repo, id, build_id, commit_hash, created_at, summary
		FROM generations WHERE repo=? AND id=?`, repo, id).
		Scan(&g.Repo, &g.ID, &g.BuildID, &g.Commit, &createdAt, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("generation %s/%d: %w", repo, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	g.Summary = unmarshalSummary(summary)
	return &g, nil
}

// ListGenerations returns the retained generations of repo, oldest first.
func (s *Store) ListGenerations(ctx context.Context, repo string) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT id FROM generations WHERE repo=? ORDER BY id", repo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Manifest returns the files of a generation ordered by path.
func (s *Store) Manifest(ctx context.Context, repo string, id int64) ([]ManifestEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT rel_path, content_hash, language, mod_time
		FROM generation_files WHERE repo=? AND generation_id=? ORDER BY rel_path`, repo, id)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	defer rows.Close()
	var result []ManifestEntry
	for rows.Next() {
		var (
			f   ManifestEntry
			mod int64
		)
		if err := rows.Scan(&f.Path, &f.Hash, &f.Language, &mod); err != nil {
			return nil, err
		}
		f.ModTime = time.Unix(0, mod)
		result = append(result, f)
	}
	return result, rows.Err()
}

// GetBlob returns the content stored for a hash.
func (s *Store) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := s.q.QueryRowContext(ctx, "SELECT content FROM file_blobs WHERE content_hash=?", hash).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	return content, err
}

func (s *Store) pruneBlobs(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM file_blobs
		WHERE content_hash NOT IN (SELECT content_hash FROM generation_files)`)
	if err != nil {
		return fmt.Errorf("prune blobs: %w", err)
	}
	return nil
}

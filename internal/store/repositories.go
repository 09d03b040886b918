package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository is a registered repository and its durable current generation.
type Repository struct {
	Name              string `json:"name"`
	RootPath          string `json:"root_path"`
	Remote            string `json:"remote,omitempty"`
	CurrentGeneration int64  `json:"current_generation"`
	LastCommit        string `json:"last_commit,omitempty"`
	UpdatedAt         string `json:"updated_at"`
}

// UpsertRepository creates or updates a repository record. The current
// generation is left untouched on update.
func (s *Store) UpsertRepository(ctx context.Context, name, rootPath, remote string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO repositories (name, root_path, remote, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET root_path=excluded.root_path, remote=excluded.remote, updated_at=excluded.updated_at`,
		name, rootPath, remote, Now())
	return err
}

// GetRepository returns a repository by name.
func (s *Store) GetRepository(ctx context.Context, name string) (*Repository, error) {
	var r Repository
	err := s.q.QueryRowContext(ctx, `
		SELECT name, root_path, remote, current_generation, last_commit, updated_at
		FROM repositories WHERE name=?`, name).
		Scan(&r.Name, &r.RootPath, &r.Remote, &r.CurrentGeneration, &r.LastCommit, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repository %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRepositories returns all registered repositories.
func (s *Store) ListRepositories(ctx context.Context) ([]*Repository, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT name, root_path, remote, current_generation, last_commit, updated_at
		FROM repositories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*Repository
	for rows.Next() {
		var r Repository
		if err := rows.Scan(&r.Name, &r.RootPath, &r.Remote, &r.CurrentGeneration, &r.LastCommit, &r.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// DeleteRepository deletes a repository and its generations (CASCADE).
// Blobs no longer referenced are pruned.
func (s *Store) DeleteRepository(ctx context.Context, name string) error {
	return s.WithTransaction(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, "DELETE FROM repositories WHERE name=?", name); err != nil {
			return err
		}
		return tx.pruneBlobs(ctx)
	})
}

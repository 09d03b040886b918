package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// maxQueryParams keeps IN lists well below SQLite's variable limit.
const maxQueryParams = 500

// GetEmbeddings returns the cached vectors for the keys that have one.
func (s *Store) GetEmbeddings(ctx context.Context, model string, keys []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(keys))
	for start := 0; start < len(keys); start += maxQueryParams {
		batch := keys[start:min(start+maxQueryParams, len(keys))]
		args := make([]any, 0, len(batch)+1)
		args = append(args, model)
		for _, k := range batch {
			args = append(args, k)
		}
		rows, err := s.q.QueryContext(ctx,
			"SELECT chunk_key, dims, vector FROM chunk_embeddings WHERE model=? AND chunk_key IN (?"+
				strings.Repeat(",?", len(batch)-1)+")", args...)
		if err != nil {
			return nil, fmt.Errorf("get embeddings: %w", err)
		}
		for rows.Next() {
			var (
				key  string
				dims int
				blob []byte
			)
			if err := rows.Scan(&key, &dims, &blob); err != nil {
				rows.Close()
				return nil, err
			}
			if v := decodeVector(blob); len(v) == dims {
				out[key] = v
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PutEmbeddings stores vectors in one transaction, replacing existing ones.
func (s *Store) PutEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	return s.WithTransaction(ctx, func(tx *Store) error {
		for key, v := range vectors {
			if _, err := tx.q.ExecContext(ctx, `
				INSERT INTO chunk_embeddings (chunk_key, model, dims, vector) VALUES (?, ?, ?, ?)
				ON CONFLICT(chunk_key, model) DO UPDATE SET dims=excluded.dims, vector=excluded.vector`,
				key, model, len(v), encodeVector(v)); err != nil {
				return fmt.Errorf("put embedding: %w", err)
			}
		}
		return nil
	})
}

// CountEmbeddings returns the number of cached vectors for model.
func (s *Store) CountEmbeddings(ctx context.Context, model string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunk_embeddings WHERE model=?", model).Scan(&n)
	return n, err
}

// encodeVector packs v as little-endian float32.
func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

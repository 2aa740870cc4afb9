package store

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// APIKey is a stored API credential. KeyHash holds the bcrypt hash of the
// raw key; the raw key is never persisted.
type APIKey struct {
	ID      string
	Name    string
	KeyHash string
}

// ListActiveAPIKeys returns all active API keys. The set is expected to be
// small (a handful of integration keys), so callers iterate it for
// verification.
func (s *Store) ListActiveAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, name, key_hash FROM api_keys WHERE is_active ORDER BY created_at",
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// EnsureAPIKey creates a named API key with the given hash if no key with
// that name exists yet. Used at startup to bootstrap the configured key.
func (s *Store) EnsureAPIKey(ctx context.Context, name, keyHash string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (name) DO NOTHING`,
		ulid.Make().String(), name, keyHash,
	)
	if err != nil {
		return fmt.Errorf("ensure api key: %w", err)
	}
	return nil
}

// TouchAPIKey records the last successful use of a key. Failures are
// returned but callers may treat them as non-fatal.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE api_keys SET last_used_at = now() WHERE id = $1", id,
	)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

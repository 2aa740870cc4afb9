// Package auth provides API key hashing and verification plus request rate
// limiting for the SCIM surface.
package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

// HashAPIKey returns the bcrypt hash of a raw API key, suitable for storage.
func HashAPIKey(rawKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// KeyStore is the subset of the store needed to verify API keys.
type KeyStore interface {
	ListActiveAPIKeys(ctx context.Context) ([]store.APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error
}

// VerifyAPIKey checks a raw key against all active stored keys and returns
// the matching key. The active set is small, so a linear bcrypt comparison
// is acceptable. Returns store.ErrNotFound when no key matches.
func VerifyAPIKey(ctx context.Context, ks KeyStore, rawKey string) (store.APIKey, error) {
	keys, err := ks.ListActiveAPIKeys(ctx)
	if err != nil {
		return store.APIKey{}, fmt.Errorf("load api keys: %w", err)
	}
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) == nil {
			// Usage timestamps are best effort.
			_ = ks.TouchAPIKey(ctx, k.ID)
			return k, nil
		}
	}
	return store.APIKey{}, store.ErrNotFound
}

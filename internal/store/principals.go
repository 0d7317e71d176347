package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Principal is a row in the principals table: one API key holder allowed to
// call the authenticated endpoints.
type Principal struct {
	ID           string
	Name         string
	APIKeyHash   string
	APIKeyPrefix string
	Disabled     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GenerateAPIKey creates a new bsk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the
// operator once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "bsk_" + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	prefix := fullKey[:8] // "bsk_abcd"
	return fullKey, string(hashBytes), prefix, nil
}

// CreatePrincipal inserts a new principal. Returns the principal and the
// plaintext API key (shown once).
func (s *Store) CreatePrincipal(ctx context.Context, name string) (*Principal, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreatePrincipal: %w", err)
	}

	var p Principal
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO principals (name, api_key_hash, api_key_prefix)
		VALUES ($1, $2, $3)
		RETURNING id, name, api_key_hash, api_key_prefix, disabled, created_at, updated_at`,
		name, keyHash, keyPrefix,
	).Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.Disabled, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreatePrincipal: %w", err)
	}
	return &p, fullKey, nil
}

// LookupByPrefix finds a principal by API key prefix (first 8 chars).
// Used by auth to narrow candidates before bcrypt verify. Returns nil when
// no principal matches.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*Principal, error) {
	var p Principal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, disabled, created_at, updated_at
		FROM principals WHERE api_key_prefix = $1`, prefix,
	).Scan(&p.ID, &p.Name, &p.APIKeyHash, &p.APIKeyPrefix, &p.Disabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return &p, nil
}

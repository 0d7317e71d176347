// Package store provides access to the PostgreSQL database holding API
// principals for the authenticated endpoints.
package store

import "database/sql"

// Store provides access to the PostgreSQL database for principal lookups.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

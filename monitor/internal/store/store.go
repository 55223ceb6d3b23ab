// Package store provides the data access layer for the marketwatch database.
//
// The monitor receives an already-opened *sql.DB (see dbopen) and wraps it.
// All timestamps are milliseconds since epoch. Listings are insert-only:
// a row is an immutable observation of "we saw this external id".
package store

import "database/sql"

// Store wraps the marketwatch database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

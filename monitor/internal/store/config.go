package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// GetConfig returns the value for key. ok is false when the key is absent.
func (s *Store) GetConfig(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// SetConfig upserts a config key. An empty description keeps the existing one.
func (s *Store) SetConfig(ctx context.Context, key, value, description string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO config (key, value, description) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		  value = excluded.value,
		  description = CASE WHEN excluded.description = '' THEN config.description ELSE excluded.description END`,
		key, value, description)
	return err
}

// AllConfig returns every config row ordered by key.
func (s *Store) AllConfig(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT key, value, description FROM config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Description); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ConfigString reads a string config value, returning def when absent.
func (s *Store) ConfigString(ctx context.Context, key, def string) string {
	v, ok, err := s.GetConfig(ctx, key)
	if err != nil || !ok {
		return def
	}
	return v
}

// ConfigInt reads an integer config value, returning def when the key is
// absent or malformed.
func (s *Store) ConfigInt(ctx context.Context, key string, def int64) int64 {
	v, ok, err := s.GetConfig(ctx, key)
	if err != nil || !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// ConfigBool reads a boolean config value ("true"/"false"/"1"/"0").
func (s *Store) ConfigBool(ctx context.Context, key string, def bool) bool {
	v, ok, err := s.GetConfig(ctx, key)
	if err != nil || !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// ConfigDuration reads a millisecond config value as a time.Duration.
func (s *Store) ConfigDuration(ctx context.Context, key string, def time.Duration) time.Duration {
	ms := s.ConfigInt(ctx, key, int64(def/time.Millisecond))
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// SeedConfig inserts default config rows without overwriting operator edits.
func (s *Store) SeedConfig(ctx context.Context, defaults []ConfigEntry) error {
	for _, e := range defaults {
		_, err := s.DB.ExecContext(ctx,
			`INSERT OR IGNORE INTO config (key, value, description) VALUES (?, ?, ?)`,
			e.Key, e.Value, e.Description)
		if err != nil {
			return err
		}
	}
	return nil
}

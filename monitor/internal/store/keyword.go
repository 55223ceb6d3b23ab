package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertKeyword adds a new search term.
func (s *Store) InsertKeyword(ctx context.Context, k *Keyword) error {
	if k.CreatedAt == 0 {
		k.CreatedAt = time.Now().UnixMilli()
	}
	if k.CheckInterval == 0 {
		k.CheckInterval = 120000
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO keywords (id, term, active, check_interval, last_check,
		total_checks, total_found, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Term, k.Active, k.CheckInterval, k.LastCheck,
		k.TotalChecks, k.TotalFound, k.CreatedAt,
	)
	return err
}

// GetKeyword retrieves a keyword by ID. Returns nil when absent.
func (s *Store) GetKeyword(ctx context.Context, id string) (*Keyword, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, term, active, check_interval, last_check,
		total_checks, total_found, created_at
		FROM keywords WHERE id = ?`, id)
	return scanKeyword(row)
}

// GetKeywordByTerm retrieves a keyword by its (case-normalized) term.
func (s *Store) GetKeywordByTerm(ctx context.Context, term string) (*Keyword, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, term, active, check_interval, last_check,
		total_checks, total_found, created_at
		FROM keywords WHERE term = ?`, term)
	return scanKeyword(row)
}

// ListKeywords returns keywords ordered by term.
func (s *Store) ListKeywords(ctx context.Context, activeOnly bool) ([]*Keyword, error) {
	q := `SELECT id, term, active, check_interval, last_check,
		total_checks, total_found, created_at FROM keywords`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY term`

	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keywords []*Keyword
	for rows.Next() {
		k, err := scanKeywordRows(rows)
		if err != nil {
			return nil, err
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

// SetKeywordActive activates or deactivates a keyword. Keywords are never
// deleted, only deactivated.
func (s *Store) SetKeywordActive(ctx context.Context, id string, active bool) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE keywords SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	return requireRow(res, "keyword", id)
}

// SetKeywordInterval updates a keyword's check interval (milliseconds).
func (s *Store) SetKeywordInterval(ctx context.Context, id string, intervalMs int64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE keywords SET check_interval = ? WHERE id = ?`, intervalMs, id)
	if err != nil {
		return err
	}
	return requireRow(res, "keyword", id)
}

// TouchKeywordTx advances a keyword's last_check and counters inside the
// task transaction, so counters can never run ahead of persisted listings.
func (s *Store) TouchKeywordTx(tx *sql.Tx, id string, checkedAt int64, foundDelta int64) error {
	_, err := tx.Exec(
		`UPDATE keywords SET last_check = ?,
		total_checks = total_checks + 1,
		total_found = total_found + ?
		WHERE id = ?`, checkedAt, foundDelta, id)
	return err
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s not found: %s", kind, id)
	}
	return nil
}

func scanKeyword(row *sql.Row) (*Keyword, error) {
	var k Keyword
	var active int
	err := row.Scan(&k.ID, &k.Term, &active, &k.CheckInterval, &k.LastCheck,
		&k.TotalChecks, &k.TotalFound, &k.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan keyword: %w", err)
	}
	k.Active = active != 0
	return &k, nil
}

func scanKeywordRows(rows *sql.Rows) (*Keyword, error) {
	var k Keyword
	var active int
	err := rows.Scan(&k.ID, &k.Term, &active, &k.CheckInterval, &k.LastCheck,
		&k.TotalChecks, &k.TotalFound, &k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan keyword: %w", err)
	}
	k.Active = active != 0
	return &k, nil
}

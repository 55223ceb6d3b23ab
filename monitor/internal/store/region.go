package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertRegion adds a new marketplace region.
func (s *Store) InsertRegion(ctx context.Context, r *Region) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO regions (id, name, slug, active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Slug, r.Active, r.CreatedAt,
	)
	return err
}

// GetRegion retrieves a region by ID. Returns nil when absent.
func (s *Store) GetRegion(ctx context.Context, id string) (*Region, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, slug, active, created_at FROM regions WHERE id = ?`, id)
	return scanRegion(row)
}

// GetRegionBySlug retrieves a region by its URL slug.
func (s *Store) GetRegionBySlug(ctx context.Context, slug string) (*Region, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, slug, active, created_at FROM regions WHERE slug = ?`, slug)
	return scanRegion(row)
}

// ListRegions returns regions ordered by name.
func (s *Store) ListRegions(ctx context.Context, activeOnly bool) ([]*Region, error) {
	q := `SELECT id, name, slug, active, created_at FROM regions`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY name`

	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regions []*Region
	for rows.Next() {
		var r Region
		var active int
		if err := rows.Scan(&r.ID, &r.Name, &r.Slug, &active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		r.Active = active != 0
		regions = append(regions, &r)
	}
	return regions, rows.Err()
}

// SetRegionActive activates or deactivates a region.
func (s *Store) SetRegionActive(ctx context.Context, id string, active bool) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE regions SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	return requireRow(res, "region", id)
}

func scanRegion(row *sql.Row) (*Region, error) {
	var r Region
	var active int
	err := row.Scan(&r.ID, &r.Name, &r.Slug, &active, &r.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan region: %w", err)
	}
	r.Active = active != 0
	return &r, nil
}

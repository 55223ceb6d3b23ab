package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertListingTx persists one discovered listing inside the task
// transaction. The UNIQUE index on external_id is the last line of defense
// against concurrent discovery of the same item; callers treat a unique
// violation as "already known", not as failure.
func (s *Store) InsertListingTx(tx *sql.Tx, l *Listing) error {
	if l.FoundAt == 0 {
		l.FoundAt = time.Now().UnixMilli()
	}
	_, err := tx.Exec(
		`INSERT INTO listings (id, external_id, title, price, url, description,
		location, image_url, region_id, keyword_id, found_at, notified, notified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
		l.ID, l.ExternalID, l.Title, l.Price, l.URL, l.Description,
		l.Location, l.ImageURL, l.RegionID, l.KeywordID, l.FoundAt,
	)
	return err
}

// ListingExists reports whether a listing with the given external ID is
// already persisted. The dedup index falls back to this on memory misses.
func (s *Store) ListingExists(ctx context.Context, externalID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM listings WHERE external_id = ?`, externalID).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("listing exists: %w", err)
	}
	return true, nil
}

// RecentListings returns listings found at or after since (UnixMilli, 0
// for no lower bound) joined with their keyword term and region name,
// newest first.
func (s *Store) RecentListings(ctx context.Context, since int64, limit int) ([]*ListingDetail, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT l.id, l.external_id, l.title, l.price, l.url, l.description,
		l.location, l.image_url, l.region_id, l.keyword_id, l.found_at,
		l.notified, l.notified_at, k.term, r.name
		FROM listings l
		JOIN keywords k ON k.id = l.keyword_id
		JOIN regions r ON r.id = l.region_id
		WHERE l.found_at >= ?
		ORDER BY l.found_at DESC, l.id DESC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []*ListingDetail
	for rows.Next() {
		var d ListingDetail
		var notified int
		err := rows.Scan(&d.ID, &d.ExternalID, &d.Title, &d.Price, &d.URL,
			&d.Description, &d.Location, &d.ImageURL, &d.RegionID, &d.KeywordID,
			&d.FoundAt, &notified, &d.NotifiedAt, &d.KeywordTerm, &d.RegionName)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		d.Notified = notified != 0
		listings = append(listings, &d)
	}
	return listings, rows.Err()
}

// RecentExternalIDs returns the external IDs of listings found at or after
// the cutoff, for warming the in-memory dedup index at startup.
func (s *Store) RecentExternalIDs(ctx context.Context, since int64) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT external_id, found_at FROM listings WHERE found_at >= ?`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]int64)
	for rows.Next() {
		var id string
		var foundAt int64
		if err := rows.Scan(&id, &foundAt); err != nil {
			return nil, fmt.Errorf("scan external id: %w", err)
		}
		ids[id] = foundAt
	}
	return ids, rows.Err()
}

// MarkListingNotified flips a listing's notified flag once its notification
// has been accepted by the dispatcher. Forward-only: never cleared.
func (s *Store) MarkListingNotified(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE listings SET notified = 1, notified_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "listing", id)
}

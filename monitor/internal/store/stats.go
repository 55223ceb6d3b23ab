package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertStatTx records one completed check inside the task transaction.
func (s *Store) InsertStatTx(tx *sql.Tx, st *ExecutionStat) error {
	_, err := tx.Exec(
		`INSERT INTO execution_stats (id, keyword_id, region_id, duration_ms,
		listings_found, new_listings, errors, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.KeywordID, st.RegionID, st.DurationMs,
		st.ListingsFound, st.NewListings, st.Errors, st.ExecutedAt,
	)
	return err
}

// InsertStat records one completed check outside any transaction. Used for
// errored checks, which persist no listings.
func (s *Store) InsertStat(ctx context.Context, st *ExecutionStat) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO execution_stats (id, keyword_id, region_id, duration_ms,
		listings_found, new_listings, errors, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.KeywordID, st.RegionID, st.DurationMs,
		st.ListingsFound, st.NewListings, st.Errors, st.ExecutedAt,
	)
	return err
}

// Summarize aggregates execution stats recorded at or after since,
// with a per-(keyword, region) breakdown.
func (s *Store) Summarize(ctx context.Context, since int64) (*StatsSummary, error) {
	var sum StatsSummary
	var avg sql.NullFloat64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(listings_found), 0),
		COALESCE(SUM(new_listings), 0), COALESCE(SUM(errors), 0),
		AVG(duration_ms)
		FROM execution_stats WHERE executed_at >= ?`, since).
		Scan(&sum.TotalChecks, &sum.TotalFound, &sum.TotalNew,
			&sum.TotalErrors, &avg)
	if err != nil {
		return nil, fmt.Errorf("summarize stats: %w", err)
	}
	sum.AvgDurationMs = avg.Float64

	rows, err := s.DB.QueryContext(ctx,
		`SELECT k.term, r.name, COUNT(*),
		COALESCE(SUM(e.listings_found), 0),
		COALESCE(SUM(e.new_listings), 0),
		COALESCE(SUM(e.errors), 0)
		FROM execution_stats e
		JOIN keywords k ON k.id = e.keyword_id
		JOIN regions r ON r.id = e.region_id
		WHERE e.executed_at >= ?
		GROUP BY k.term, r.name
		ORDER BY k.term, r.name`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p PairStats
		err := rows.Scan(&p.KeywordTerm, &p.RegionName, &p.Checks,
			&p.Found, &p.New, &p.Errors)
		if err != nil {
			return nil, fmt.Errorf("scan pair stats: %w", err)
		}
		sum.ByPair = append(sum.ByPair, p)
	}
	return &sum, rows.Err()
}

// PruneStats deletes execution stats older than the cutoff and returns the
// number of rows removed.
func (s *Store) PruneStats(ctx context.Context, before int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM execution_stats WHERE executed_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

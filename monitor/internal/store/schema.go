package store

import "database/sql"

// Schema is the marketwatch core schema. The notifications table lives in
// the notify package (same database, own schema constant), mirroring how
// each component owns the tables it writes.
const Schema = `
-- Operator-tunable engine settings
CREATE TABLE IF NOT EXISTS config (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT ''
);

-- Monitored areas on the marketplace site
CREATE TABLE IF NOT EXISTS regions (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    slug       TEXT NOT NULL UNIQUE,
    active     INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);

-- Search terms
CREATE TABLE IF NOT EXISTS keywords (
    id             TEXT PRIMARY KEY,
    term           TEXT NOT NULL UNIQUE,
    active         INTEGER NOT NULL DEFAULT 1,
    check_interval INTEGER NOT NULL DEFAULT 120000,
    last_check     INTEGER,
    total_checks   INTEGER NOT NULL DEFAULT 0,
    total_found    INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_keywords_active ON keywords(active, last_check);

-- Discovered items. external_id is the site's own identifier and the
-- dedup key; the UNIQUE index is the final arbiter of the dedup race.
CREATE TABLE IF NOT EXISTS listings (
    id          TEXT PRIMARY KEY,
    external_id TEXT NOT NULL UNIQUE,
    title       TEXT NOT NULL DEFAULT '',
    price       TEXT NOT NULL DEFAULT '',
    url         TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    location    TEXT NOT NULL DEFAULT '',
    image_url   TEXT NOT NULL DEFAULT '',
    region_id   TEXT NOT NULL REFERENCES regions(id),
    keyword_id  TEXT NOT NULL REFERENCES keywords(id),
    found_at    INTEGER NOT NULL,
    notified    INTEGER NOT NULL DEFAULT 0,
    notified_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_listings_found ON listings(found_at DESC);
CREATE INDEX IF NOT EXISTS idx_listings_keyword ON listings(keyword_id);

-- Per-check metrics, append-only
CREATE TABLE IF NOT EXISTS execution_stats (
    id             TEXT PRIMARY KEY,
    keyword_id     TEXT NOT NULL REFERENCES keywords(id),
    region_id      TEXT NOT NULL REFERENCES regions(id),
    duration_ms    INTEGER NOT NULL DEFAULT 0,
    listings_found INTEGER NOT NULL DEFAULT 0,
    new_listings   INTEGER NOT NULL DEFAULT 0,
    errors         INTEGER NOT NULL DEFAULT 0,
    executed_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stats_time ON execution_stats(executed_at DESC);
`

// ApplySchema creates all core tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

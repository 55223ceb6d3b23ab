package notify

import "database/sql"

// Schema defines the notifications table that tracks delivery attempts.
// One row per (listing, channel); status transitions are forward-only.
//
// The payload column holds the JSON-encoded Event so a pending record can
// be re-delivered after a restart without joining back to listings.
// Deleting a listing cascades to its notification records.
const Schema = `
CREATE TABLE IF NOT EXISTS notifications (
    id         TEXT PRIMARY KEY,
    listing_id TEXT NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
    channel    TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','sent','failed')),
    message    TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT '{}',
    error      TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    sent_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status, created_at);
CREATE INDEX IF NOT EXISTS idx_notifications_listing ON notifications(listing_id);
`

// Init creates the notifications table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Package notify delivers messages about newly discovered listings through
// configurable channels (console, file, webhook), tracking every delivery
// attempt in the notifications table.
//
// The Dispatcher is the integration point between the monitoring engine and
// the channels: callers hand it an Event, it synchronously records one
// pending row per enabled channel, then delivery proceeds asynchronously
// with bounded retry. A channel failure never blocks other channels or
// other listings.
//
//	d := notify.NewDispatcher(db, notify.WithLogger(logger))
//	d.Register(notify.NewConsole(os.Stdout))
//	d.SetEnabled([]string{"console", "webhook"})
//	d.Dispatch(ctx, ev)
//
// The notifications table in SQLite records status transitions
// pending → sent | failed, forward-only.
package notify

import (
	"context"
	"time"
)

// Event is a new-listing notification payload, self-contained so a pending
// record can be re-delivered after a restart without another table lookup.
type Event struct {
	ListingID   string `json:"listing_id"`
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	Price       string `json:"price"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	KeywordTerm string `json:"keyword_term"`
	RegionName  string `json:"region_name"`
	FoundAt     int64  `json:"found_at"`
}

// Notifier is one delivery channel. Implementations must be safe for
// concurrent Send calls.
type Notifier interface {
	// Type identifies the channel ("console", "file", "webhook").
	Type() string

	// Send delivers one rendered message. A returned error triggers the
	// dispatcher's retry policy.
	Send(ctx context.Context, message string, ev Event) error
}

// Record is one row of the notifications table.
type Record struct {
	ID        string `json:"id"`
	ListingID string `json:"listing_id"`
	Channel   string `json:"channel"`
	Status    string `json:"status"` // "pending", "sent", "failed"
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
	SentAt    *int64 `json:"sent_at,omitempty"`
}

// Delivery statuses. Transitions are forward-only: pending may become sent
// or failed; neither sent nor failed ever changes again.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Config tunes the delivery policy.
type Config struct {
	// MaxRetries is the total number of Send attempts per record.
	// Default: 3.
	MaxRetries int
	// BaseBackoff is the delay before the second attempt; each further
	// attempt doubles it. Default: 1 second.
	BaseBackoff time.Duration
	// QueueSize bounds each channel's pending delivery queue.
	// Default: 256.
	QueueSize int
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

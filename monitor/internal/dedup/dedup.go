// Package dedup keeps an in-memory index of listing external IDs already
// seen, backed by the listings table for misses. The index is an
// optimization: the UNIQUE constraint on listings.external_id remains the
// source of truth, so false negatives here cost a query, never a duplicate.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Lookup answers whether an external ID is already persisted. Wired to
// store.ListingExists so this package stays independent of the store.
type Lookup func(ctx context.Context, externalID string) (bool, error)

// Warmer returns recently persisted external IDs with their found_at
// timestamps, for seeding the index at startup.
type Warmer func(ctx context.Context, since int64) (map[string]int64, error)

// Index is safe for concurrent use by all task runners.
type Index struct {
	lookup Lookup
	logger *slog.Logger

	mu   sync.RWMutex
	seen map[string]int64 // external ID -> seenAt (UnixMilli)
}

func New(lookup Lookup, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		lookup: lookup,
		logger: logger,
		seen:   make(map[string]int64),
	}
}

// WarmUp seeds the index from listings found within the horizon.
func (x *Index) WarmUp(ctx context.Context, warm Warmer, horizon time.Duration) error {
	since := time.Now().Add(-horizon).UnixMilli()
	ids, err := warm(ctx, since)
	if err != nil {
		return fmt.Errorf("dedup warmup: %w", err)
	}
	x.mu.Lock()
	for id, at := range ids {
		x.seen[id] = at
	}
	n := len(x.seen)
	x.mu.Unlock()
	x.logger.Info("dedup: index warmed", "entries", n)
	return nil
}

// Seen reports whether the external ID is already known. A memory miss
// falls back to the store; a store hit is backfilled into memory so the
// next check is cheap.
func (x *Index) Seen(ctx context.Context, externalID string) (bool, error) {
	x.mu.RLock()
	_, ok := x.seen[externalID]
	x.mu.RUnlock()
	if ok {
		return true, nil
	}

	exists, err := x.lookup(ctx, externalID)
	if err != nil {
		return false, err
	}
	if exists {
		x.MarkSeen(externalID)
	}
	return exists, nil
}

// MarkSeen records an external ID. Idempotent; the later timestamp wins so
// eviction never forgets an ID that was just re-observed.
func (x *Index) MarkSeen(externalID string) {
	now := time.Now().UnixMilli()
	x.mu.Lock()
	if at, ok := x.seen[externalID]; !ok || at < now {
		x.seen[externalID] = now
	}
	x.mu.Unlock()
}

// Evict drops entries older than the cutoff and returns how many were
// removed. Run periodically so the index stays bounded by the horizon.
func (x *Index) Evict(olderThan time.Time) int {
	cutoff := olderThan.UnixMilli()
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	for id, at := range x.seen {
		if at < cutoff {
			delete(x.seen, id)
			n++
		}
	}
	if n > 0 {
		x.logger.Debug("dedup: evicted entries", "count", n, "remaining", len(x.seen))
	}
	return n
}

// Len returns the current index size.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.seen)
}

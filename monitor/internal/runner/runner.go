// Package runner executes one (keyword, region) check end-to-end: extract,
// dedup, persist, notify, record stats. Every failure is contained to the
// single check; the caller only learns the outcome through the persisted
// execution stat.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/marketwatch/dbopen"
	"github.com/hazyhaar/marketwatch/idgen"
	"github.com/hazyhaar/marketwatch/monitor/internal/dedup"
	"github.com/hazyhaar/marketwatch/monitor/internal/store"
	"github.com/hazyhaar/marketwatch/notify"
)

// RawListing is one scraped item as the extractor returns it, before
// persistence assigns an internal ID.
type RawListing struct {
	ExternalID  string
	Title       string
	Price       string
	URL         string
	Description string
	Location    string
	ImageURL    string
}

// Extractor scrapes the source site for one term in one region. The context
// carries the per-request deadline.
type Extractor interface {
	Extract(ctx context.Context, term, regionSlug string) ([]RawListing, error)
}

// Dispatcher queues a notification for a newly persisted listing.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event) error
}

// Config tunes one runner.
type Config struct {
	// RequestTimeout bounds the extractor call. Default: 60 seconds.
	RequestTimeout time.Duration
	// MaxListingsPerCheck caps how many raw listings one check processes,
	// bounding memory and notification volume. Default: 50.
	MaxListingsPerCheck int
	// NotificationsEnabled gates dispatching; persistence is unaffected.
	NotificationsEnabled bool
}

func (c *Config) defaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxListingsPerCheck <= 0 {
		c.MaxListingsPerCheck = 50
	}
}

// Result summarizes one completed check.
type Result struct {
	Found    int
	New      int
	Errors   int
	Duration time.Duration
}

// Runner executes checks. Safe for concurrent RunCheck calls on distinct
// pairs; the scheduler guarantees the same pair is never run twice at once.
type Runner struct {
	db         *sql.DB
	store      *store.Store
	dedup      *dedup.Index
	extractor  Extractor
	dispatcher Dispatcher
	newID      idgen.Generator
	newStatID  idgen.Generator
	logger     *slog.Logger

	mu     sync.RWMutex
	config Config
}

// New creates a Runner.
func New(db *sql.DB, st *store.Store, dx *dedup.Index, ex Extractor, dp Dispatcher, cfg Config, logger *slog.Logger) *Runner {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		db:         db,
		store:      st,
		dedup:      dx,
		extractor:  ex,
		dispatcher: dp,
		config:     cfg,
		newID:      idgen.Prefixed("lst_", idgen.UUIDv7()),
		newStatID:  idgen.Prefixed("stat_", idgen.UUIDv7()),
		logger:     logger,
	}
}

// SetConfig swaps the runner's tunables. Called on config hot-reload.
func (r *Runner) SetConfig(cfg Config) {
	cfg.defaults()
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
}

func (r *Runner) cfg() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// RunCheck performs one check for the pair. It always tries to leave a
// durable execution stat behind, success or failure, and always advances
// the keyword's last_check so a failing pair is not retried immediately.
func (r *Runner) RunCheck(ctx context.Context, k *store.Keyword, reg *store.Region) Result {
	log := r.logger.With("keyword", k.Term, "region", reg.Slug)
	cfg := r.cfg()
	start := time.Now()

	ectx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	raw, err := r.extractor.Extract(ectx, k.Term, reg.Slug)
	cancel()
	if err != nil {
		log.Warn("runner: extract failed", "error", err, "elapsed", time.Since(start))
		return r.recordError(ctx, k, reg, start)
	}

	found := len(raw)
	if found > cfg.MaxListingsPerCheck {
		log.Warn("runner: capping listings",
			"found", found, "cap", cfg.MaxListingsPerCheck)
		raw = raw[:cfg.MaxListingsPerCheck]
	}

	// Dedup filter before the transaction. The UNIQUE constraint on
	// external_id remains the final arbiter for races.
	var fresh []*store.Listing
	for _, rl := range raw {
		if rl.ExternalID == "" {
			continue
		}
		seen, err := r.dedup.Seen(ctx, rl.ExternalID)
		if err != nil {
			log.Error("runner: dedup lookup", "external_id", rl.ExternalID, "error", err)
			return r.recordError(ctx, k, reg, start)
		}
		if seen {
			continue
		}
		fresh = append(fresh, &store.Listing{
			ID:          r.newID(),
			ExternalID:  rl.ExternalID,
			Title:       rl.Title,
			Price:       rl.Price,
			URL:         rl.URL,
			Description: rl.Description,
			Location:    rl.Location,
			ImageURL:    rl.ImageURL,
			RegionID:    reg.ID,
			KeywordID:   k.ID,
			FoundAt:     time.Now().UnixMilli(),
		})
	}

	// One transaction commits listings, the stat and the keyword counters
	// together, so a crash mid-check cannot leave counters ahead of
	// persisted listings.
	var persisted []*store.Listing
	now := time.Now().UnixMilli()
	err = dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		persisted = persisted[:0]
		for _, l := range fresh {
			if err := r.store.InsertListingTx(tx, l); err != nil {
				if dbopen.IsUniqueViolation(err) {
					// A concurrent check won the race for this
					// external ID. Already known, not an error.
					log.Debug("runner: listing already known",
						"external_id", l.ExternalID)
					continue
				}
				return fmt.Errorf("insert listing %s: %w", l.ExternalID, err)
			}
			persisted = append(persisted, l)
		}
		if err := r.store.InsertStatTx(tx, &store.ExecutionStat{
			ID:            r.newStatID(),
			KeywordID:     k.ID,
			RegionID:      reg.ID,
			DurationMs:    time.Since(start).Milliseconds(),
			ListingsFound: int64(found),
			NewListings:   int64(len(persisted)),
			Errors:        0,
			ExecutedAt:    now,
		}); err != nil {
			return fmt.Errorf("insert stat: %w", err)
		}
		return r.store.TouchKeywordTx(tx, k.ID, now, int64(len(persisted)))
	})
	if err != nil {
		log.Error("runner: persist check", "error", err)
		return r.recordError(ctx, k, reg, start)
	}

	// Dedup membership only after the durable commit: an ID marked seen
	// but never persisted would be lost forever across restarts.
	for _, l := range persisted {
		r.dedup.MarkSeen(l.ExternalID)
	}

	if cfg.NotificationsEnabled && r.dispatcher != nil {
		for _, l := range persisted {
			ev := notify.Event{
				ListingID:   l.ID,
				ExternalID:  l.ExternalID,
				Title:       l.Title,
				Price:       l.Price,
				URL:         l.URL,
				Description: l.Description,
				Location:    l.Location,
				ImageURL:    l.ImageURL,
				KeywordTerm: k.Term,
				RegionName:  reg.Name,
				FoundAt:     l.FoundAt,
			}
			if err := r.dispatcher.Dispatch(ctx, ev); err != nil {
				// Delivery bookkeeping failed; the listing itself is
				// safe. Surface and move on.
				log.Error("runner: dispatch notification",
					"listing", l.ID, "error", err)
			}
		}
	}

	res := Result{
		Found:    found,
		New:      len(persisted),
		Duration: time.Since(start),
	}
	log.Info("runner: check complete",
		"found", res.Found, "new", res.New, "duration", res.Duration)
	return res
}

// recordError persists an errored stat and still advances last_check, so
// the pair waits its full interval before the next attempt. Uses a
// background-derived context so shutdown cancellation cannot lose the stat.
func (r *Runner) recordError(ctx context.Context, k *store.Keyword, reg *store.Region, start time.Time) Result {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	now := time.Now().UnixMilli()
	err := dbopen.RunTx(wctx, r.db, func(tx *sql.Tx) error {
		if err := r.store.InsertStatTx(tx, &store.ExecutionStat{
			ID:         r.newStatID(),
			KeywordID:  k.ID,
			RegionID:   reg.ID,
			DurationMs: time.Since(start).Milliseconds(),
			Errors:     1,
			ExecutedAt: now,
		}); err != nil {
			return err
		}
		return r.store.TouchKeywordTx(tx, k.ID, now, 0)
	})
	if err != nil {
		r.logger.Error("runner: record errored check",
			"keyword", k.Term, "region", reg.Slug, "error", err)
	}
	return Result{Errors: 1, Duration: time.Since(start)}
}

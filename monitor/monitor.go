// Package monitor is the marketplace monitoring engine: it schedules
// periodic checks of keyword×region pairs, scrapes the source site,
// deduplicates discoveries, persists listings and stats, and dispatches
// notifications for new items.
package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/marketwatch/dbopen"
	"github.com/hazyhaar/marketwatch/extractor"
	"github.com/hazyhaar/marketwatch/idgen"
	"github.com/hazyhaar/marketwatch/monitor/internal/dedup"
	"github.com/hazyhaar/marketwatch/monitor/internal/runner"
	"github.com/hazyhaar/marketwatch/monitor/internal/scheduler"
	"github.com/hazyhaar/marketwatch/monitor/internal/store"
	"github.com/hazyhaar/marketwatch/notify"
	"github.com/hazyhaar/marketwatch/watch"
)

// Service owns the engine's moving parts and their lifecycle.
type Service struct {
	config *Config
	logger *slog.Logger

	db         *sql.DB
	store      *store.Store
	dedup      *dedup.Index
	runner     *runner.Runner
	sched      *scheduler.Scheduler
	dispatcher *notify.Dispatcher
	watcher    *watch.Watcher
	browser    *extractor.Browser // nil when an extractor is injected

	newKeywordID idgen.Generator
	newRegionID  idgen.Generator

	mu        sync.Mutex
	settings  Settings
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger    *slog.Logger
	db        *sql.DB
	extractor runner.Extractor
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *serviceOptions) { o.logger = l }
}

// WithDB uses an already-open database instead of opening cfg.DBPath.
func WithDB(db *sql.DB) Option {
	return func(o *serviceOptions) { o.db = db }
}

// WithExtractor injects an extractor, skipping the Chrome browser. Used in
// tests and for alternative scraping backends.
func WithExtractor(ex runner.Extractor) Option {
	return func(o *serviceOptions) { o.extractor = ex }
}

// extractorAdapter bridges the browser-backed extractor to the runner's
// collaborator interface.
type extractorAdapter struct {
	ex *extractor.Extractor
}

func (a extractorAdapter) Extract(ctx context.Context, term, regionSlug string) ([]runner.RawListing, error) {
	scraped, err := a.ex.Extract(ctx, term, regionSlug)
	if err != nil {
		return nil, err
	}
	raw := make([]runner.RawListing, len(scraped))
	for i, l := range scraped {
		raw[i] = runner.RawListing{
			ExternalID:  l.ExternalID,
			Title:       l.Title,
			Price:       l.Price,
			URL:         l.URL,
			Description: l.Description,
			Location:    l.Location,
			ImageURL:    l.ImageURL,
		}
	}
	return raw, nil
}

// New builds a stopped Service from config. Call Start to run the engine;
// the operator commands (AddKeyword, Stats, ...) work on a stopped Service
// too, which is how the CLI subcommands use it.
func New(cfg *Config, opts ...Option) (*Service, error) {
	cfg.applyDefaults()
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	db := o.db
	if db == nil {
		var err error
		db, err = dbopen.Open(cfg.DBPath,
			dbopen.WithMkdirAll(),
			dbopen.WithSchema(store.Schema),
			dbopen.WithSchema(notify.Schema))
		if err != nil {
			return nil, fmt.Errorf("monitor: open database: %w", err)
		}
	} else {
		if err := store.ApplySchema(db); err != nil {
			return nil, fmt.Errorf("monitor: apply schema: %w", err)
		}
		if err := notify.Init(db); err != nil {
			return nil, fmt.Errorf("monitor: apply notify schema: %w", err)
		}
	}

	s := &Service{
		config:       cfg,
		logger:       logger,
		db:           db,
		store:        store.NewStore(db),
		newKeywordID: idgen.Prefixed("kw_", idgen.UUIDv7()),
		newRegionID:  idgen.Prefixed("rg_", idgen.UUIDv7()),
	}

	ctx := context.Background()
	if err := s.store.SeedConfig(ctx, configDefaults); err != nil {
		return nil, fmt.Errorf("monitor: seed config: %w", err)
	}
	s.settings = loadSettings(ctx, s.store)

	s.dedup = dedup.New(s.store.ListingExists, logger)

	s.dispatcher = notify.NewDispatcher(db,
		notify.WithLogger(logger),
		notify.WithConfig(notify.Config{MaxRetries: s.settings.MaxRetries}))
	s.dispatcher.OnSent = func(ctx context.Context, listingID string) {
		if err := s.store.MarkListingNotified(ctx, listingID); err != nil {
			logger.Error("monitor: mark listing notified", "listing", listingID, "error", err)
		}
	}
	s.dispatcher.Register(notify.NewConsole(os.Stdout))
	s.dispatcher.Register(notify.NewFile(cfg.Notify.FilePath))
	if cfg.Notify.WebhookURL != "" {
		wh, err := notify.NewWebhook(notify.WebhookConfig{
			URL:    cfg.Notify.WebhookURL,
			Secret: cfg.Notify.WebhookSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("monitor: webhook notifier: %w", err)
		}
		s.dispatcher.Register(wh)
	}
	s.dispatcher.SetEnabled(s.settings.NotificationChannels)

	ex := o.extractor
	if ex == nil {
		s.browser = extractor.NewBrowser(extractor.BrowserConfig{
			RemoteURL:       cfg.Browser.Remote,
			RecycleInterval: cfg.Browser.RecycleInterval,
			UserAgent:       cfg.Browser.UserAgent,
			Logger:          logger,
		})
		ex = extractorAdapter{ex: extractor.New(s.browser, extractor.Config{Logger: logger})}
	}

	s.runner = runner.New(db, s.store, s.dedup, ex, s.dispatcher,
		s.runnerConfig(s.settings), logger)

	s.sched = scheduler.New(s.listActivePairs, s.runPair, scheduler.Config{
		MaxConcurrent: s.settings.MaxConcurrentTasks,
		MinTaskDelay:  s.settings.MinTaskDelay,
	}, logger)

	s.watcher = watch.New(db, watch.Options{
		Interval: time.Second,
		Debounce: 200 * time.Millisecond,
		Logger:   logger,
	})

	return s, nil
}

func (s *Service) runnerConfig(set Settings) runner.Config {
	return runner.Config{
		RequestTimeout:       set.RequestTimeout,
		MaxListingsPerCheck:  set.MaxListingsPerCheck,
		NotificationsEnabled: set.NotificationEnabled,
	}
}

func (s *Service) listActivePairs(ctx context.Context) ([]*store.Keyword, []*store.Region, error) {
	keywords, err := s.store.ListKeywords(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	regions, err := s.store.ListRegions(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	return keywords, regions, nil
}

func (s *Service) runPair(ctx context.Context, p scheduler.Pair) {
	s.runner.RunCheck(ctx, p.Keyword, p.Region)
}

// Start launches the engine loops: scheduler, config watcher, maintenance.
// It returns immediately; Stop shuts everything down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("monitor: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now()
	settings := s.settings
	s.mu.Unlock()

	if err := s.dedup.WarmUp(runCtx, s.store.RecentExternalIDs, settings.DedupHorizon); err != nil {
		s.logger.Warn("monitor: dedup warmup", "error", err)
	}
	if _, err := s.dispatcher.Reconcile(runCtx, settings.DedupHorizon, settings.RequeueFailed); err != nil {
		s.logger.Warn("monitor: notification reconcile", "error", err)
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.sched.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.watcher.OnChange(runCtx, s.ReloadSettings)
	}()
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop(runCtx)
	}()

	s.logger.Info("monitor: started",
		"db", s.config.DBPath,
		"max_concurrent", settings.MaxConcurrentTasks,
		"channels", settings.NotificationChannels)
	return nil
}

// Stop shuts the engine down: no new checks, in-flight checks drained,
// pending notifications delivered or left recoverable.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}

	s.dispatcher.Close(30 * time.Second)
	if s.browser != nil {
		s.browser.Close()
	}
	err := s.db.Close()
	s.logger.Info("monitor: stopped")
	return err
}

// ReloadSettings re-reads the config table and applies the hot-reloadable
// tunables: runner timeouts and caps, delivery retries, and the enabled
// notifier set. Concurrency bounds apply at the next start.
func (s *Service) ReloadSettings() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	settings := loadSettings(ctx, s.store)
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	s.runner.SetConfig(s.runnerConfig(settings))
	s.dispatcher.SetConfig(notify.Config{MaxRetries: settings.MaxRetries})
	s.dispatcher.SetEnabled(settings.NotificationChannels)
	s.logger.Info("monitor: settings reloaded",
		"channels", settings.NotificationChannels,
		"request_timeout", settings.RequestTimeout)
	return nil
}

// maintenanceLoop prunes old execution stats and evicts stale dedup
// entries periodically.
func (s *Service) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

func (s *Service) runMaintenance(ctx context.Context) {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()

	pruned, err := s.store.PruneStats(ctx, time.Now().Add(-settings.LogRetention).UnixMilli())
	if err != nil {
		s.logger.Error("monitor: prune stats", "error", err)
	} else if pruned > 0 {
		s.logger.Info("monitor: pruned execution stats", "rows", pruned)
	}

	evicted := s.dedup.Evict(time.Now().Add(-settings.DedupHorizon))
	if evicted > 0 {
		s.logger.Info("monitor: evicted dedup entries", "count", evicted)
	}
}

// Settings returns the current engine tunables.
func (s *Service) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// AddKeyword creates a monitored search term. Terms are case-normalized;
// duplicates return ErrKeywordExists.
func (s *Service) AddKeyword(ctx context.Context, term string) (*store.Keyword, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, fmt.Errorf("monitor: empty keyword term")
	}
	k := &store.Keyword{
		ID:            s.newKeywordID(),
		Term:          term,
		Active:        true,
		CheckInterval: s.Settings().CheckIntervalDefault.Milliseconds(),
	}
	if err := s.store.InsertKeyword(ctx, k); err != nil {
		if dbopen.IsUniqueViolation(err) {
			return nil, &ErrKeywordExists{Term: term}
		}
		return nil, fmt.Errorf("monitor: add keyword: %w", err)
	}
	s.logger.Info("monitor: keyword added", "term", term, "id", k.ID)
	return k, nil
}

// ListKeywords returns keywords, optionally only active ones.
func (s *Service) ListKeywords(ctx context.Context, activeOnly bool) ([]*store.Keyword, error) {
	return s.store.ListKeywords(ctx, activeOnly)
}

// GetKeywordByTerm resolves a term to its keyword, nil when absent.
func (s *Service) GetKeywordByTerm(ctx context.Context, term string) (*store.Keyword, error) {
	return s.store.GetKeywordByTerm(ctx, strings.ToLower(strings.TrimSpace(term)))
}

// SetKeywordActive activates or deactivates a keyword.
func (s *Service) SetKeywordActive(ctx context.Context, id string, active bool) error {
	return s.store.SetKeywordActive(ctx, id, active)
}

// SetKeywordInterval changes a keyword's check interval.
func (s *Service) SetKeywordInterval(ctx context.Context, id string, interval time.Duration) error {
	if interval < time.Second {
		return fmt.Errorf("monitor: interval below 1s")
	}
	return s.store.SetKeywordInterval(ctx, id, interval.Milliseconds())
}

// AddRegion creates a monitored region. Slugs are case-normalized;
// duplicates return ErrRegionExists.
func (s *Service) AddRegion(ctx context.Context, name, slug string) (*store.Region, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if name == "" || slug == "" {
		return nil, fmt.Errorf("monitor: region name and slug are required")
	}
	r := &store.Region{
		ID:     s.newRegionID(),
		Name:   name,
		Slug:   slug,
		Active: true,
	}
	if err := s.store.InsertRegion(ctx, r); err != nil {
		if dbopen.IsUniqueViolation(err) {
			return nil, &ErrRegionExists{Slug: slug}
		}
		return nil, fmt.Errorf("monitor: add region: %w", err)
	}
	s.logger.Info("monitor: region added", "name", name, "slug", slug)
	return r, nil
}

// ListRegions returns regions, optionally only active ones.
func (s *Service) ListRegions(ctx context.Context, activeOnly bool) ([]*store.Region, error) {
	return s.store.ListRegions(ctx, activeOnly)
}

// SetRegionActive activates or deactivates a region.
func (s *Service) SetRegionActive(ctx context.Context, id string, active bool) error {
	return s.store.SetRegionActive(ctx, id, active)
}

// RecentListings returns the latest discoveries with keyword and region
// context. window bounds how far back to look; 0 means no bound.
func (s *Service) RecentListings(ctx context.Context, window time.Duration, limit int) ([]*store.ListingDetail, error) {
	var since int64
	if window > 0 {
		since = time.Now().Add(-window).UnixMilli()
	}
	return s.store.RecentListings(ctx, since, limit)
}

// Stats aggregates execution stats over the window ending now.
func (s *Service) Stats(ctx context.Context, window time.Duration) (*store.StatsSummary, error) {
	return s.store.Summarize(ctx, time.Now().Add(-window).UnixMilli())
}

// GetConfig reads one config key.
func (s *Service) GetConfig(ctx context.Context, key string) (string, bool, error) {
	return s.store.GetConfig(ctx, key)
}

// SetConfig writes one config key. The watcher picks the change up and
// applies hot-reloadable settings within a second or two.
func (s *Service) SetConfig(ctx context.Context, key, value string) error {
	return s.store.SetConfig(ctx, key, value, "")
}

// AllConfig lists every config entry.
func (s *Service) AllConfig(ctx context.Context) ([]store.ConfigEntry, error) {
	return s.store.AllConfig(ctx)
}

// NotificationRecords lists delivery records for one listing.
func (s *Service) NotificationRecords(ctx context.Context, listingID string) ([]notify.Record, error) {
	return s.dispatcher.Records(ctx, listingID)
}

// CheckNow runs one immediate check for a keyword term in a region without
// waiting for the schedule. The pair is reserved for the duration, so it
// cannot overlap a scheduled run of the same pair. Intended for operator
// verification.
func (s *Service) CheckNow(ctx context.Context, term, regionSlug string) (runner.Result, error) {
	k, err := s.GetKeywordByTerm(ctx, term)
	if err != nil {
		return runner.Result{}, err
	}
	if k == nil {
		return runner.Result{}, fmt.Errorf("monitor: unknown keyword: %s", term)
	}
	r, err := s.store.GetRegionBySlug(ctx, strings.ToLower(strings.TrimSpace(regionSlug)))
	if err != nil {
		return runner.Result{}, err
	}
	if r == nil {
		return runner.Result{}, fmt.Errorf("monitor: unknown region: %s", regionSlug)
	}
	// Reserve the pair so a manual check never overlaps a scheduled one.
	if !s.sched.TryAcquire(k.ID, r.ID) {
		return runner.Result{}, fmt.Errorf("monitor: check already running for %q in %s", k.Term, r.Slug)
	}
	defer s.sched.Release(k.ID, r.ID)
	return s.runner.RunCheck(ctx, k, r), nil
}

// Status is a point-in-time health snapshot.
type Status struct {
	Running       bool        `json:"running"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	ActiveChecks  int         `json:"active_checks"`
	DedupEntries  int         `json:"dedup_entries"`
	Channels      []string    `json:"channels"`
	Watcher       watch.Stats `json:"watcher"`
}

// Status reports the engine's current state.
func (s *Service) Status() Status {
	s.mu.Lock()
	running := s.cancel != nil
	startedAt := s.startedAt
	s.mu.Unlock()

	st := Status{
		Running:      running,
		ActiveChecks: s.sched.RunningPairs(),
		DedupEntries: s.dedup.Len(),
		Channels:     s.dispatcher.Enabled(),
		Watcher:      s.watcher.Stats(),
	}
	if running {
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	return st
}

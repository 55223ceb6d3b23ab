// Package scheduler decides which (keyword, region) pairs are due for a
// check and launches bounded concurrent runs.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/marketwatch/monitor/internal/store"
)

// Pair is the unit of scheduling: one keyword checked in one region.
type Pair struct {
	Keyword *store.Keyword
	Region  *store.Region
}

type pairKey struct {
	keywordID string
	regionID  string
}

// Lister snapshots the active keyword and region sets at each tick. Wired
// to the store so the scheduler never holds stale rows between ticks.
type Lister func(ctx context.Context) ([]*store.Keyword, []*store.Region, error)

// Runner executes one check for one pair. It must contain its own failures;
// the scheduler only cares that it returns.
type Runner func(ctx context.Context, p Pair)

// Config configures the scheduler.
type Config struct {
	// Tick is how often the due set is re-evaluated. Default: 5 seconds.
	Tick time.Duration
	// MaxConcurrent bounds simultaneously running checks. Default: 3.
	MaxConcurrent int
	// MinTaskDelay is the minimum delay between successive task launches,
	// to avoid bursting the source site. Default: 2 seconds; negative
	// disables the spacing.
	MinTaskDelay time.Duration
	// ShutdownGrace is how long Run waits for in-flight checks after
	// cancellation. Default: 30 seconds.
	ShutdownGrace time.Duration
	// Now is the clock. Tests inject a fake; defaults to time.Now.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.MinTaskDelay == 0 {
		c.MinTaskDelay = 2 * time.Second
	}
	if c.MinTaskDelay < 0 {
		c.MinTaskDelay = 0
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Scheduler drives the check loop. The tick loop is the only reader of
// wall-clock time; task execution is parallel up to MaxConcurrent.
type Scheduler struct {
	list   Lister
	run    Runner
	config Config
	logger *slog.Logger

	mu         sync.Mutex
	running    map[pairKey]bool
	lastDone   map[pairKey]time.Time
	seeded     map[pairKey]bool
	lastLaunch time.Time
	wg         sync.WaitGroup

	// Checks run on taskCtx, not the run-loop context: cancellation stops
	// launching immediately but lets in-flight checks finish, up to
	// ShutdownGrace. drain cancels taskCtx when the grace elapses.
	taskCtx    context.Context
	taskCancel context.CancelFunc
}

// New creates a Scheduler.
func New(list Lister, run Runner, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		list:     list,
		run:      run,
		config:   cfg,
		logger:   logger,
		running:  make(map[pairKey]bool),
		lastDone: make(map[pairKey]time.Time),
		seeded:   make(map[pairKey]bool),
	}
}

// Run evaluates due pairs on a ticker. Blocks until ctx is cancelled, then
// stops launching and lets in-flight checks finish, up to ShutdownGrace;
// checks still running when the grace elapses are cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.taskCtx, s.taskCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()
	defer s.taskCancel()

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	s.logger.Info("scheduler: started",
		"tick", s.config.Tick,
		"max_concurrent", s.config.MaxConcurrent)

	// Evaluate once immediately on start.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) drain() {
	s.logger.Info("scheduler: stopping, waiting for in-flight checks",
		"running", s.runningCount())
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler: stopped")
	case <-time.After(s.config.ShutdownGrace):
		s.logger.Warn("scheduler: shutdown grace elapsed, cancelling remaining checks",
			"running", s.runningCount())
		s.taskCancel()
		<-done
		s.logger.Info("scheduler: stopped")
	}
}

// tick runs one decision pass: snapshot actives, pick due pairs, launch.
func (s *Scheduler) tick(ctx context.Context) {
	keywords, regions, err := s.list(ctx)
	if err != nil {
		s.logger.Error("scheduler: list pairs", "error", err)
		return
	}

	due := s.duePairs(keywords, regions, s.config.Now())
	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		s.launch(ctx, p)
	}
}

// duePairs returns the pairs whose interval has elapsed, most overdue
// first, truncated to free concurrency slots. Running pairs are never
// selected; a pair re-arms only when its run completes.
func (s *Scheduler) duePairs(keywords []*store.Keyword, regions []*store.Region, now time.Time) []Pair {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := s.config.MaxConcurrent - len(s.running)
	if slots <= 0 {
		return nil
	}

	type candidate struct {
		pair    Pair
		overdue time.Duration
	}
	var due []candidate
	for _, k := range keywords {
		interval := time.Duration(k.CheckInterval) * time.Millisecond
		for _, r := range regions {
			key := pairKey{k.ID, r.ID}
			if s.running[key] {
				continue
			}
			// Seed a pair first seen from the keyword's durable
			// last_check so restarts do not re-check everything at once.
			if !s.seeded[key] {
				s.seeded[key] = true
				if k.LastCheck != nil {
					s.lastDone[key] = time.UnixMilli(*k.LastCheck)
				}
			}
			last, ok := s.lastDone[key]
			elapsed := interval // never checked: due now, not infinitely overdue
			if ok && !last.IsZero() {
				elapsed = now.Sub(last)
			}
			if elapsed >= interval {
				due = append(due, candidate{
					pair:    Pair{Keyword: k, Region: r},
					overdue: elapsed - interval,
				})
			}
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].overdue > due[j].overdue })
	if len(due) > slots {
		due = due[:slots]
	}

	pairs := make([]Pair, len(due))
	for i, c := range due {
		pairs[i] = c.pair
	}
	return pairs
}

// launch starts one check, spacing launches by MinTaskDelay.
func (s *Scheduler) launch(ctx context.Context, p Pair) {
	s.mu.Lock()
	if wait := s.config.MinTaskDelay - s.config.Now().Sub(s.lastLaunch); wait > 0 {
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		s.mu.Lock()
	}
	key := pairKey{p.Keyword.ID, p.Region.ID}
	if s.running[key] {
		s.mu.Unlock()
		return
	}
	s.running[key] = true
	s.lastLaunch = s.config.Now()
	taskCtx := s.taskCtx
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("scheduler: launching check",
		"keyword", p.Keyword.Term, "region", p.Region.Slug)

	go func() {
		defer s.wg.Done()
		defer s.complete(key)
		s.run(taskCtx, p)
	}()
}

// complete re-arms the pair after its run finishes, success or failure.
func (s *Scheduler) complete(key pairKey) {
	s.mu.Lock()
	delete(s.running, key)
	s.lastDone[key] = s.config.Now()
	s.mu.Unlock()
}

// TryAcquire reserves a pair for an out-of-band check, failing when the
// pair is already running. A reserved pair is invisible to duePairs until
// Release, which re-arms it exactly like a scheduled completion.
func (s *Scheduler) TryAcquire(keywordID, regionID string) bool {
	key := pairKey{keywordID, regionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[key] {
		return false
	}
	s.running[key] = true
	return true
}

// Release ends a TryAcquire reservation.
func (s *Scheduler) Release(keywordID, regionID string) {
	s.complete(pairKey{keywordID, regionID})
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// RunningPairs reports how many checks are currently in flight.
func (s *Scheduler) RunningPairs() int {
	return s.runningCount()
}

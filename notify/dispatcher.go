package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/marketwatch/idgen"
)

// task is one queued delivery: a pending row plus its decoded payload.
type task struct {
	recordID string
	message  string
	event    Event
}

// chanWorker is one channel's delivery queue and goroutine.
type chanWorker struct {
	notifier Notifier
	queue    chan task
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Dispatcher records and delivers notifications. Dispatch synchronously
// inserts one pending row per enabled channel so a crash right after it
// returns leaves recoverable records; delivery then proceeds on per-channel
// goroutines so one slow channel never delays another.
type Dispatcher struct {
	db     *sql.DB
	newID  idgen.Generator
	render *renderer
	config Config
	logger *slog.Logger

	// OnSent, when set, is called once per successful delivery with the
	// listing ID. Wired to the store's notified-flag update.
	OnSent func(ctx context.Context, listingID string)

	mu       sync.RWMutex
	workers  map[string]*chanWorker
	enabled  map[string]bool
	registry map[string]Notifier

	// lifecycleCtx parents all delivery goroutines so they survive the
	// request contexts passed to Dispatch.
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithConfig overrides the delivery policy.
func WithConfig(cfg Config) DispatcherOption {
	return func(d *Dispatcher) { d.config = cfg }
}

// WithIDGenerator overrides the record ID generator.
func WithIDGenerator(g idgen.Generator) DispatcherOption {
	return func(d *Dispatcher) { d.newID = g }
}

// NewDispatcher creates a Dispatcher over the given database. Register
// notifiers and call SetEnabled before dispatching.
func NewDispatcher(db *sql.DB, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		db:              db,
		newID:           idgen.Prefixed("ntf_", idgen.UUIDv7()),
		render:          newRenderer(),
		logger:          slog.Default(),
		workers:         make(map[string]*chanWorker),
		enabled:         make(map[string]bool),
		registry:        make(map[string]Notifier),
		lifecycleCtx:    ctx,
		lifecycleCancel: cancel,
	}
	for _, o := range opts {
		o(d)
	}
	d.config.defaults()
	return d
}

// SetConfig applies a new delivery policy at runtime. Retries and backoff
// take effect from the next delivery; queue sizes apply to channels
// started afterwards.
func (d *Dispatcher) SetConfig(cfg Config) {
	cfg.defaults()
	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) cfg() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Register adds a notifier implementation. Must be called before the
// channel's type appears in SetEnabled.
func (d *Dispatcher) Register(n Notifier) {
	d.mu.Lock()
	d.registry[n.Type()] = n
	d.mu.Unlock()
}

// SetEnabled reconciles the running worker set against the wanted channel
// types. Unknown types are logged and skipped; workers for disabled types
// are drained and stopped. Safe to call at runtime on config changes.
func (d *Dispatcher) SetEnabled(types []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	for t, w := range d.workers {
		if !want[t] {
			w.cancel()
			close(w.queue)
			w.wg.Wait()
			delete(d.workers, t)
			d.logger.Info("notify: channel stopped", "channel", t)
		}
	}

	for t := range want {
		if _, running := d.workers[t]; running {
			continue
		}
		n, ok := d.registry[t]
		if !ok {
			d.logger.Warn("notify: no notifier registered", "channel", t)
			continue
		}
		ctx, cancel := context.WithCancel(d.lifecycleCtx)
		w := &chanWorker{
			notifier: n,
			queue:    make(chan task, d.config.QueueSize),
			cancel:   cancel,
		}
		d.workers[t] = w
		w.wg.Add(1)
		go d.deliverLoop(ctx, t, w)
		d.logger.Info("notify: channel started", "channel", t)
	}

	d.enabled = want
}

// Enabled returns the currently enabled channel types.
func (d *Dispatcher) Enabled() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var types []string
	for t := range d.workers {
		types = append(types, t)
	}
	return types
}

// Dispatch records one pending row per active channel and queues delivery.
// It returns once every row is durably inserted; delivery is asynchronous.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	message := d.render.Render(ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for t, w := range d.workers {
		id := d.newID()
		_, err := d.db.ExecContext(ctx,
			`INSERT INTO notifications (id, listing_id, channel, status, message, payload, created_at)
			VALUES (?, ?, ?, 'pending', ?, ?, ?)`,
			id, ev.ListingID, t, message, string(payload), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("notify: insert record: %w", err)
		}

		select {
		case w.queue <- task{recordID: id, message: message, event: ev}:
		default:
			// Queue full: the record stays pending; Reconcile picks it
			// up on the next run.
			d.logger.Warn("notify: queue full, record left pending",
				"channel", t, "record", id)
		}
	}
	return nil
}

// deliverLoop drains one channel's queue, retrying each task with
// exponential backoff up to MaxRetries attempts.
func (d *Dispatcher) deliverLoop(ctx context.Context, channel string, w *chanWorker) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tk, ok := <-w.queue:
			if !ok {
				return
			}
			d.deliver(ctx, channel, w.notifier, tk)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, channel string, n Notifier, tk task) {
	cfg := d.cfg()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := n.Send(ctx, tk.message, tk.event); err != nil {
			lastErr = &ErrSendFailed{Channel: channel, Cause: err}
			d.logger.Warn("notify: send attempt failed",
				"channel", channel, "record", tk.recordID,
				"attempt", attempt, "error", err)
			if attempt < cfg.MaxRetries {
				backoff := cfg.BaseBackoff << (attempt - 1)
				select {
				case <-ctx.Done():
					// Shutdown mid-retry: the record stays pending for
					// the next run's reconciliation.
					return
				case <-time.After(backoff):
				}
			}
			continue
		}

		d.markSent(tk.recordID)
		d.logger.Info("notify: sent",
			"channel", channel, "record", tk.recordID,
			"listing", tk.event.ListingID)
		if d.OnSent != nil {
			d.OnSent(ctx, tk.event.ListingID)
		}
		return
	}

	d.markFailed(tk.recordID, lastErr)
	d.logger.Error("notify: delivery failed permanently",
		"channel", channel, "record", tk.recordID,
		"attempts", cfg.MaxRetries, "error", lastErr)
}

// markSent and markFailed guard on status='pending' so transitions stay
// forward-only even if a record is somehow queued twice.
func (d *Dispatcher) markSent(id string) {
	_, err := d.db.Exec(
		`UPDATE notifications SET status = 'sent', sent_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UnixMilli(), id)
	if err != nil {
		d.logger.Error("notify: mark sent", "record", id, "error", err)
	}
}

func (d *Dispatcher) markFailed(id string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := d.db.Exec(
		`UPDATE notifications SET status = 'failed', error = ? WHERE id = ? AND status = 'pending'`,
		msg, id)
	if err != nil {
		d.logger.Error("notify: mark failed", "record", id, "error", err)
	}
}

// Reconcile re-queues pending records created within the horizon, typically
// at startup after a crash. When requeueFailed is set, failed records in the
// window are reset to pending and re-queued as well; by default they stay
// failed forever.
func (d *Dispatcher) Reconcile(ctx context.Context, horizon time.Duration, requeueFailed bool) (int, error) {
	cutoff := time.Now().Add(-horizon).UnixMilli()

	if requeueFailed {
		_, err := d.db.ExecContext(ctx,
			`UPDATE notifications SET status = 'pending', error = '' WHERE status = 'failed' AND created_at >= ?`,
			cutoff)
		if err != nil {
			return 0, fmt.Errorf("notify: requeue failed records: %w", err)
		}
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, channel, message, payload FROM notifications
		WHERE status = 'pending' AND created_at >= ? ORDER BY created_at`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("notify: query pending: %w", err)
	}
	defer rows.Close()

	type pendingRow struct {
		id, channel, message, payload string
	}
	var pending []pendingRow
	for rows.Next() {
		var p pendingRow
		if err := rows.Scan(&p.id, &p.channel, &p.message, &p.payload); err != nil {
			return 0, fmt.Errorf("notify: scan pending: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var queued int
	for _, p := range pending {
		w, ok := d.workers[p.channel]
		if !ok {
			d.logger.Warn("notify: pending record for inactive channel",
				"channel", p.channel, "record", p.id)
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(p.payload), &ev); err != nil {
			d.logger.Error("notify: corrupt payload, marking failed",
				"record", p.id, "error", err)
			d.markFailed(p.id, fmt.Errorf("corrupt payload: %w", err))
			continue
		}
		select {
		case w.queue <- task{recordID: p.id, message: p.message, event: ev}:
			queued++
		default:
			d.logger.Warn("notify: queue full during reconcile",
				"channel", p.channel, "record", p.id)
		}
	}

	if queued > 0 {
		d.logger.Info("notify: reconciled pending records", "queued", queued)
	}
	return queued, nil
}

// Records returns the notification records for one listing, newest first.
func (d *Dispatcher) Records(ctx context.Context, listingID string) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, listing_id, channel, status, message, error, created_at, sent_at
		FROM notifications WHERE listing_id = ? ORDER BY created_at DESC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ListingID, &r.Channel, &r.Status,
			&r.Message, &r.Error, &r.CreatedAt, &r.SentAt); err != nil {
			return nil, fmt.Errorf("notify: scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close drains all delivery queues and stops the workers, waiting up to the
// deadline. Undelivered records stay pending for the next run.
func (d *Dispatcher) Close(deadline time.Duration) error {
	d.mu.Lock()
	workers := d.workers
	d.workers = make(map[string]*chanWorker)
	d.enabled = make(map[string]bool)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			close(w.queue)
			w.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		d.logger.Warn("notify: close deadline elapsed with deliveries in flight")
	}
	d.lifecycleCancel()
	return nil
}

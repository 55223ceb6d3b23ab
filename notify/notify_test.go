package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/marketwatch/dbopen"
)

// listingsStub satisfies the notifications FK without pulling in the full
// engine schema.
const listingsStub = `
CREATE TABLE IF NOT EXISTS listings (id TEXT PRIMARY KEY);
INSERT INTO listings (id) VALUES ('ls-001'), ('ls-002');
`

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(listingsStub), dbopen.WithSchema(Schema))
}

// fakeNotifier fails the first failCount sends, then succeeds. sent is
// closed on the first success.
type fakeNotifier struct {
	typ       string
	failCount int32
	attempts  atomic.Int32
	sent      chan struct{}
	sentOnce  sync.Once
}

func newFakeNotifier(typ string, failCount int32) *fakeNotifier {
	return &fakeNotifier{typ: typ, failCount: failCount, sent: make(chan struct{})}
}

func (f *fakeNotifier) Type() string { return f.typ }

func (f *fakeNotifier) Send(ctx context.Context, message string, ev Event) error {
	n := f.attempts.Add(1)
	if n <= f.failCount {
		return errors.New("connection refused")
	}
	f.sentOnce.Do(func() { close(f.sent) })
	return nil
}

func testEvent() Event {
	return Event{
		ListingID:   "ls-001",
		ExternalID:  "10001",
		Title:       "Vintage road bike",
		Price:       "150 $",
		URL:         "https://example.com/item/10001",
		KeywordTerm: "vintage bike",
		RegionName:  "Montreal",
		FoundAt:     time.Now().UnixMilli(),
	}
}

func recordStatus(t *testing.T, db *sql.DB, channel string) (status, errText string) {
	t.Helper()
	err := db.QueryRow(
		`SELECT status, error FROM notifications WHERE channel = ?`, channel).
		Scan(&status, &errText)
	if err != nil {
		t.Fatalf("query record: %v", err)
	}
	return status, errText
}

func waitStatus(t *testing.T, db *sql.DB, channel, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, _ := recordStatus(t, db, channel)
		if status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, errText := recordStatus(t, db, channel)
	t.Fatalf("status = %q (error %q), want %q", status, errText, want)
}

func TestDispatchInsertsPendingSynchronously(t *testing.T) {
	// WHAT: Dispatch returns with one pending row per enabled channel
	// already durable, before delivery completes.
	// WHY: A crash right after Dispatch must leave recoverable records,
	// never silently dropped notifications.
	db := openTestDB(t)
	d := NewDispatcher(db, WithConfig(Config{MaxRetries: 1, BaseBackoff: time.Millisecond}))
	defer d.Close(time.Second)

	// A notifier that blocks until released, so rows stay pending.
	release := make(chan struct{})
	blocking := &blockingNotifier{typ: "slow", release: release}
	d.Register(blocking)
	d.SetEnabled([]string{"slow"})

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	status, _ := recordStatus(t, db, "slow")
	if status != StatusPending {
		t.Errorf("status right after Dispatch = %q, want pending", status)
	}
	close(release)
	waitStatus(t, db, "slow", StatusSent)
}

type blockingNotifier struct {
	typ     string
	release chan struct{}
}

func (b *blockingNotifier) Type() string { return b.typ }
func (b *blockingNotifier) Send(ctx context.Context, message string, ev Event) error {
	<-b.release
	return nil
}

func TestRetryThenSucceed(t *testing.T) {
	// WHAT: A notifier failing max_retries-1 attempts then succeeding
	// yields a sent record.
	// WHY: Transient delivery failures must not burn notifications.
	db := openTestDB(t)
	d := NewDispatcher(db, WithConfig(Config{MaxRetries: 3, BaseBackoff: time.Millisecond}))
	defer d.Close(time.Second)

	fake := newFakeNotifier("console", 2)
	d.Register(fake)
	d.SetEnabled([]string{"console"})

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	<-fake.sent
	waitStatus(t, db, "console", StatusSent)
	if got := fake.attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestSetConfigAppliesToNextDelivery(t *testing.T) {
	// WHAT: A retry budget raised via SetConfig governs deliveries
	// dispatched afterwards.
	// WHY: max_retries is a runtime tunable; a config reload must take
	// effect without restarting the dispatcher.
	db := openTestDB(t)
	d := NewDispatcher(db, WithConfig(Config{MaxRetries: 1, BaseBackoff: time.Millisecond}))
	defer d.Close(time.Second)

	fake := newFakeNotifier("console", 2)
	d.Register(fake)
	d.SetEnabled([]string{"console"})

	d.SetConfig(Config{MaxRetries: 3, BaseBackoff: time.Millisecond})

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	<-fake.sent
	waitStatus(t, db, "console", StatusSent)
	if got := fake.attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 under the reloaded budget", got)
	}
}

func TestExhaustedRetriesMarkFailed(t *testing.T) {
	// WHAT: A notifier that always fails yields a failed record with
	// error text after exactly max_retries attempts.
	// WHY: The retry budget is a contract; the operator reads the error.
	db := openTestDB(t)
	d := NewDispatcher(db, WithConfig(Config{MaxRetries: 3, BaseBackoff: time.Millisecond}))
	defer d.Close(time.Second)

	fake := newFakeNotifier("console", 100)
	d.Register(fake)
	d.SetEnabled([]string{"console"})

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitStatus(t, db, "console", StatusFailed)
	if got := fake.attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want exactly 3", got)
	}
	_, errText := recordStatus(t, db, "console")
	if !strings.Contains(errText, "connection refused") {
		t.Errorf("error text = %q, want the send cause", errText)
	}
}

func TestChannelFailureDoesNotBlockOthers(t *testing.T) {
	// WHAT: One channel failing does not delay another channel's send
	// for the same listing.
	// WHY: Channels are isolated delivery lanes.
	db := openTestDB(t)
	d := NewDispatcher(db, WithConfig(Config{MaxRetries: 5, BaseBackoff: 50 * time.Millisecond}))
	defer d.Close(time.Second)

	bad := newFakeNotifier("webhook", 100)
	good := newFakeNotifier("console", 0)
	d.Register(bad)
	d.Register(good)
	d.SetEnabled([]string{"webhook", "console"})

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case <-good.sent:
	case <-time.After(time.Second):
		t.Fatal("good channel blocked behind bad channel")
	}
	waitStatus(t, db, "console", StatusSent)
}

func TestOnSentCallback(t *testing.T) {
	// WHAT: OnSent fires with the listing ID after a successful send.
	// WHY: This is how the listings notified flag gets set.
	db := openTestDB(t)
	d := NewDispatcher(db, WithConfig(Config{MaxRetries: 1, BaseBackoff: time.Millisecond}))
	defer d.Close(time.Second)

	got := make(chan string, 1)
	d.OnSent = func(ctx context.Context, listingID string) { got <- listingID }

	d.Register(newFakeNotifier("console", 0))
	d.SetEnabled([]string{"console"})

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case id := <-got:
		if id != "ls-001" {
			t.Errorf("listing id = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("OnSent never fired")
	}
}

func TestReconcileRequeuesPendingOnly(t *testing.T) {
	// WHAT: Reconcile re-queues pending records within the horizon;
	// failed records stay failed unless requeueFailed is set.
	// WHY: Crash recovery must not resurrect permanently failed sends
	// behind the operator's back.
	db := openTestDB(t)

	ev := testEvent()
	payload, _ := json.Marshal(ev)
	now := time.Now().UnixMilli()
	insert := func(id, status string, createdAt int64) {
		_, err := db.Exec(
			`INSERT INTO notifications (id, listing_id, channel, status, message, payload, created_at)
			VALUES (?, 'ls-001', 'console', ?, 'msg', ?, ?)`,
			id, status, string(payload), createdAt)
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("ntf-pending", StatusPending, now)
	insert("ntf-failed", StatusFailed, now)
	insert("ntf-stale", StatusPending, now-48*3600*1000)

	d := NewDispatcher(db, WithConfig(Config{MaxRetries: 1, BaseBackoff: time.Millisecond}))
	defer d.Close(time.Second)
	fake := newFakeNotifier("console", 0)
	d.Register(fake)
	d.SetEnabled([]string{"console"})

	queued, err := d.Reconcile(context.Background(), 24*time.Hour, false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if queued != 1 {
		t.Errorf("queued = %d, want 1 (fresh pending only)", queued)
	}

	<-fake.sent
	deadline := time.Now().Add(2 * time.Second)
	for {
		var status string
		db.QueryRow(`SELECT status FROM notifications WHERE id = 'ntf-pending'`).Scan(&status)
		if status == StatusSent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending record not sent, status = %q", status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var status string
	db.QueryRow(`SELECT status FROM notifications WHERE id = 'ntf-failed'`).Scan(&status)
	if status != StatusFailed {
		t.Errorf("failed record became %q without requeue_failed", status)
	}

	// With requeueFailed, the failed record flips back to pending and is
	// delivered.
	queued, err = d.Reconcile(context.Background(), 24*time.Hour, true)
	if err != nil {
		t.Fatalf("reconcile with requeue: %v", err)
	}
	if queued != 1 {
		t.Errorf("requeue queued = %d, want 1", queued)
	}
}

func TestSetEnabledUnknownChannel(t *testing.T) {
	// WHAT: Enabling a type with no registered notifier is skipped.
	// WHY: A config typo must not crash the engine.
	db := openTestDB(t)
	d := NewDispatcher(db)
	defer d.Close(time.Second)

	d.SetEnabled([]string{"carrier-pigeon"})
	if got := d.Enabled(); len(got) != 0 {
		t.Errorf("enabled = %v, want none", got)
	}
}

func TestRenderMessage(t *testing.T) {
	// WHAT: Render produces a markdown body with title, price, keyword
	// context, converted description and URL.
	// WHY: All channels share this body; its shape is the user contract.
	r := newRenderer()
	ev := testEvent()
	ev.Description = "<p>Great <b>condition</b></p>"
	ev.Location = "Plateau"

	msg := r.Render(ev)
	for _, want := range []string{
		"**Vintage road bike**",
		"Price: 150 $",
		"Location: Plateau",
		"Keyword: vintage bike | Region: Montreal",
		"Great **condition**",
		"https://example.com/item/10001",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestFileNotifierAppendsJSONLines(t *testing.T) {
	// WHAT: Each send appends one parseable JSON line.
	// WHY: The file channel is consumed by line-oriented tooling.
	path := filepath.Join(t.TempDir(), "notify.jsonl")
	f := NewFile(path)

	ctx := context.Background()
	if err := f.Send(ctx, "first", testEvent()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := f.Send(ctx, "second", testEvent()); err != nil {
		t.Fatalf("send: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var parsed fileLine
	if err := json.Unmarshal([]byte(lines[1]), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Message != "second" || parsed.Event.ListingID != "ls-001" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestWebhookNotifierSignsBody(t *testing.T) {
	// WHAT: The webhook POSTs JSON and signs it with HMAC-SHA256 when a
	// secret is configured; non-2xx responses are errors.
	// WHY: Receivers authenticate pushes by the signature.
	secret := "hmac-key"
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature-256")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL, Secret: secret})
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if err := wh.Send(context.Background(), "msg", testEvent()); err != nil {
		t.Fatalf("send: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}

	var body webhookBody
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Event.ExternalID != "10001" {
		t.Errorf("event = %+v", body.Event)
	}

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer fail.Close()
	wh2, _ := NewWebhook(WebhookConfig{URL: fail.URL})
	if err := wh2.Send(context.Background(), "msg", testEvent()); err == nil {
		t.Error("expected error on 502")
	}
}

func TestConsoleNotifierPlain(t *testing.T) {
	// WHAT: Plain console output carries the message without ANSI codes.
	// WHY: Piped output must stay grep-able.
	var buf strings.Builder
	c := NewConsolePlain(&buf)
	if err := c.Send(context.Background(), "body here", testEvent()); err != nil {
		t.Fatalf("send: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "body here") || strings.Contains(out, "\033[") {
		t.Errorf("output = %q", out)
	}
}

package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/marketwatch/dbopen"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func seedPair(t *testing.T, s *Store) (*Keyword, *Region) {
	t.Helper()
	ctx := context.Background()
	k := &Keyword{ID: "kw-001", Term: "vintage bike", Active: true}
	if err := s.InsertKeyword(ctx, k); err != nil {
		t.Fatalf("insert keyword: %v", err)
	}
	r := &Region{ID: "rg-001", Name: "Montreal", Slug: "montreal", Active: true}
	if err := s.InsertRegion(ctx, r); err != nil {
		t.Fatalf("insert region: %v", err)
	}
	return k, r
}

func TestApplySchema(t *testing.T) {
	// WHAT: Verify schema creates all tables without error.
	// WHY: Schema is the foundation — if it fails, nothing works.
	db := openTestDB(t)
	for _, table := range []string{"config", "regions", "keywords", "listings", "execution_stats"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestInsertAndGetKeyword(t *testing.T) {
	// WHAT: Insert a keyword and retrieve it by ID and by term.
	// WHY: Keyword CRUD drives the whole scheduling loop.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	k := &Keyword{ID: "kw-001", Term: "vintage bike", Active: true}
	if err := s.InsertKeyword(ctx, k); err != nil {
		t.Fatalf("insert keyword: %v", err)
	}
	if k.CheckInterval != 120000 {
		t.Errorf("default interval = %d, want 120000", k.CheckInterval)
	}

	got, err := s.GetKeyword(ctx, "kw-001")
	if err != nil {
		t.Fatalf("get keyword: %v", err)
	}
	if got == nil || got.Term != "vintage bike" || !got.Active {
		t.Errorf("got %+v", got)
	}
	if got.LastCheck != nil {
		t.Errorf("last_check should start nil, got %v", *got.LastCheck)
	}

	byTerm, err := s.GetKeywordByTerm(ctx, "vintage bike")
	if err != nil {
		t.Fatalf("get by term: %v", err)
	}
	if byTerm == nil || byTerm.ID != "kw-001" {
		t.Errorf("by term: got %+v", byTerm)
	}

	missing, err := s.GetKeyword(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing keyword should be nil, got %+v", missing)
	}
}

func TestKeywordTermUnique(t *testing.T) {
	// WHAT: Duplicate terms are rejected by the UNIQUE constraint.
	// WHY: Two keywords with the same term would double every check.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	if err := s.InsertKeyword(ctx, &Keyword{ID: "kw-001", Term: "lamp", Active: true}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertKeyword(ctx, &Keyword{ID: "kw-002", Term: "lamp", Active: true})
	if !dbopen.IsUniqueViolation(err) {
		t.Errorf("want unique violation, got %v", err)
	}
}

func TestListKeywordsActiveOnly(t *testing.T) {
	// WHAT: ListKeywords filters on the active flag when asked.
	// WHY: The scheduler must never launch checks for deactivated terms.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	s.InsertKeyword(ctx, &Keyword{ID: "kw-001", Term: "bike", Active: true})
	s.InsertKeyword(ctx, &Keyword{ID: "kw-002", Term: "sofa", Active: false})

	all, err := s.ListKeywords(ctx, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all: got %d keywords, want 2", len(all))
	}

	active, err := s.ListKeywords(ctx, true)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Term != "bike" {
		t.Errorf("active: got %+v", active)
	}
}

func TestSetKeywordActiveAndInterval(t *testing.T) {
	// WHAT: Deactivation and interval changes persist; unknown IDs error.
	// WHY: Runtime tuning must take effect without restarts.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	s.InsertKeyword(ctx, &Keyword{ID: "kw-001", Term: "bike", Active: true})

	if err := s.SetKeywordActive(ctx, "kw-001", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := s.SetKeywordInterval(ctx, "kw-001", 60000); err != nil {
		t.Fatalf("set interval: %v", err)
	}
	got, _ := s.GetKeyword(ctx, "kw-001")
	if got.Active || got.CheckInterval != 60000 {
		t.Errorf("got %+v", got)
	}

	if err := s.SetKeywordActive(ctx, "nope", true); err == nil {
		t.Error("expected error for unknown keyword")
	}
}

func TestTouchKeywordTx(t *testing.T) {
	// WHAT: TouchKeywordTx advances last_check and counters atomically.
	// WHY: Counters updated in the task transaction can never run ahead
	// of persisted listings.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedPair(t, s)

	now := time.Now().UnixMilli()
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		return s.TouchKeywordTx(tx, "kw-001", now, 3)
	})
	if err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, _ := s.GetKeyword(ctx, "kw-001")
	if got.LastCheck == nil || *got.LastCheck != now {
		t.Errorf("last_check = %v, want %d", got.LastCheck, now)
	}
	if got.TotalChecks != 1 || got.TotalFound != 3 {
		t.Errorf("counters = %d/%d, want 1/3", got.TotalChecks, got.TotalFound)
	}
}

func TestRegionCRUD(t *testing.T) {
	// WHAT: Insert, list, fetch-by-slug and deactivate regions.
	// WHY: Regions are the second axis of the check matrix.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	s.InsertRegion(ctx, &Region{ID: "rg-001", Name: "Montreal", Slug: "montreal", Active: true})
	s.InsertRegion(ctx, &Region{ID: "rg-002", Name: "Quebec City", Slug: "quebec", Active: true})

	bySlug, err := s.GetRegionBySlug(ctx, "quebec")
	if err != nil {
		t.Fatalf("by slug: %v", err)
	}
	if bySlug == nil || bySlug.Name != "Quebec City" {
		t.Errorf("by slug: got %+v", bySlug)
	}

	if err := s.SetRegionActive(ctx, "rg-002", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, err := s.ListRegions(ctx, true)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Slug != "montreal" {
		t.Errorf("active: got %+v", active)
	}

	dup := s.InsertRegion(ctx, &Region{ID: "rg-003", Name: "Other", Slug: "montreal", Active: true})
	if !dbopen.IsUniqueViolation(dup) {
		t.Errorf("want unique violation on slug, got %v", dup)
	}
}

func insertListing(t *testing.T, s *Store, tx *sql.Tx, id, extID string, foundAt int64) {
	t.Helper()
	err := s.InsertListingTx(tx, &Listing{
		ID:         id,
		ExternalID: extID,
		Title:      "Item " + extID,
		Price:      "45 $",
		URL:        "https://example.com/item/" + extID,
		RegionID:   "rg-001",
		KeywordID:  "kw-001",
		FoundAt:    foundAt,
	})
	if err != nil {
		t.Fatalf("insert listing %s: %v", id, err)
	}
}

func TestListingInsertAndDedup(t *testing.T) {
	// WHAT: Listings persist, external_id duplicates are rejected, and
	// ListingExists finds persisted IDs.
	// WHY: The UNIQUE index is the dedup backstop; existence lookup is the
	// dedup index's store fallback on memory misses.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedPair(t, s)

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		insertListing(t, s, tx, "ls-001", "10001", time.Now().UnixMilli())
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	dup := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		return s.InsertListingTx(tx, &Listing{
			ID: "ls-002", ExternalID: "10001", Title: "Dup",
			URL: "https://example.com/item/10001", RegionID: "rg-001", KeywordID: "kw-001",
		})
	})
	if !dbopen.IsUniqueViolation(dup) {
		t.Errorf("want unique violation, got %v", dup)
	}

	exists, err := s.ListingExists(ctx, "10001")
	if err != nil || !exists {
		t.Errorf("exists(10001) = %v, %v", exists, err)
	}
	exists, err = s.ListingExists(ctx, "99999")
	if err != nil || exists {
		t.Errorf("exists(99999) = %v, %v", exists, err)
	}
}

func TestRecentListings(t *testing.T) {
	// WHAT: RecentListings returns joined rows newest first, honoring limit.
	// WHY: This is the shape the API and notifications render.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedPair(t, s)

	base := time.Now().UnixMilli()
	dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		insertListing(t, s, tx, "ls-001", "10001", base-2000)
		insertListing(t, s, tx, "ls-002", "10002", base-1000)
		insertListing(t, s, tx, "ls-003", "10003", base)
		return nil
	})

	recent, err := s.RecentListings(ctx, 0, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d listings, want 2", len(recent))
	}
	if recent[0].ExternalID != "10003" || recent[1].ExternalID != "10002" {
		t.Errorf("order: got %s then %s", recent[0].ExternalID, recent[1].ExternalID)
	}
	if recent[0].KeywordTerm != "vintage bike" || recent[0].RegionName != "Montreal" {
		t.Errorf("join: got %q / %q", recent[0].KeywordTerm, recent[0].RegionName)
	}

	// A since bound excludes older rows even when the limit has room.
	recent, err = s.RecentListings(ctx, base-1500, 10)
	if err != nil {
		t.Fatalf("recent since: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("since bound: got %d listings, want 2", len(recent))
	}
}

func TestRecentExternalIDs(t *testing.T) {
	// WHAT: RecentExternalIDs returns only IDs found at or after the cutoff.
	// WHY: Dedup warmup must not load the whole history into memory.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedPair(t, s)

	base := time.Now().UnixMilli()
	dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		insertListing(t, s, tx, "ls-001", "10001", base-10000)
		insertListing(t, s, tx, "ls-002", "10002", base)
		return nil
	})

	ids, err := s.RecentExternalIDs(ctx, base-5000)
	if err != nil {
		t.Fatalf("recent ids: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("got %d ids, want 1", len(ids))
	}
	if _, ok := ids["10002"]; !ok {
		t.Errorf("missing 10002: %v", ids)
	}
}

func TestMarkListingNotified(t *testing.T) {
	// WHAT: MarkListingNotified sets the flag and timestamp.
	// WHY: The notified flag is forward-only and drives reconciliation.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedPair(t, s)

	dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		insertListing(t, s, tx, "ls-001", "10001", time.Now().UnixMilli())
		return nil
	})

	if err := s.MarkListingNotified(ctx, "ls-001"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	recent, _ := s.RecentListings(ctx, 0, 1)
	if !recent[0].Notified || recent[0].NotifiedAt == nil {
		t.Errorf("got %+v", recent[0])
	}
}

func TestStatsSummarizeAndPrune(t *testing.T) {
	// WHAT: Summarize aggregates totals and per-pair stats over a window;
	// PruneStats removes old rows.
	// WHY: Operators read these numbers to judge health; unbounded stats
	// would grow the database forever.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedPair(t, s)

	base := time.Now().UnixMilli()
	stats := []*ExecutionStat{
		{ID: "st-001", KeywordID: "kw-001", RegionID: "rg-001", DurationMs: 1200,
			ListingsFound: 3, NewListings: 2, ExecutedAt: base - 100000},
		{ID: "st-002", KeywordID: "kw-001", RegionID: "rg-001", DurationMs: 800,
			Errors: 1, ExecutedAt: base},
	}
	for _, st := range stats {
		if err := s.InsertStat(ctx, st); err != nil {
			t.Fatalf("insert stat: %v", err)
		}
	}

	sum, err := s.Summarize(ctx, base-200000)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.TotalChecks != 2 || sum.TotalFound != 3 || sum.TotalNew != 2 || sum.TotalErrors != 1 {
		t.Errorf("totals: %+v", sum)
	}
	if sum.AvgDurationMs != 1000 {
		t.Errorf("avg duration = %v, want 1000", sum.AvgDurationMs)
	}
	if len(sum.ByPair) != 1 || sum.ByPair[0].Checks != 2 {
		t.Errorf("by pair: %+v", sum.ByPair)
	}

	pruned, err := s.PruneStats(ctx, base-50000)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d, want 1", pruned)
	}

	sum, _ = s.Summarize(ctx, 0)
	if sum.TotalChecks != 1 {
		t.Errorf("after prune: %d checks, want 1", sum.TotalChecks)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	// WHAT: Set, get and list config entries; typed helpers parse values.
	// WHY: Runtime tuning flows through this table.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	if err := s.SetConfig(ctx, "max_retries", "5", "send retry cap"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.GetConfig(ctx, "max_retries")
	if err != nil || !ok || v != "5" {
		t.Errorf("get = %q, %v, %v", v, ok, err)
	}

	// Overwrite keeps the row unique.
	if err := s.SetConfig(ctx, "max_retries", "7", ""); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if n := s.ConfigInt(ctx, "max_retries", 3); n != 7 {
		t.Errorf("int = %d, want 7", n)
	}

	// Missing keys fall back to defaults.
	if n := s.ConfigInt(ctx, "missing", 42); n != 42 {
		t.Errorf("default int = %d, want 42", n)
	}
	if b := s.ConfigBool(ctx, "missing_bool", true); !b {
		t.Errorf("default bool = %v, want true", b)
	}
	if d := s.ConfigDuration(ctx, "missing_dur", 15*time.Second); d != 15*time.Second {
		t.Errorf("default duration = %v", d)
	}
}

package store

// Keyword is a monitored search term. check_interval is milliseconds;
// last_check is nil until the first completed check.
type Keyword struct {
	ID            string `json:"id"`
	Term          string `json:"term"`
	Active        bool   `json:"active"`
	CheckInterval int64  `json:"check_interval"`
	LastCheck     *int64 `json:"last_check,omitempty"`
	TotalChecks   int64  `json:"total_checks"`
	TotalFound    int64  `json:"total_found"`
	CreatedAt     int64  `json:"created_at"`
}

// Region is a monitored marketplace area. Slug is the site-specific URL
// segment and is unique.
type Region struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at"`
}

// Listing is an immutable observation of a discovered item. Price is an
// opaque string — the source site does not normalize currency or format.
type Listing struct {
	ID          string `json:"id"`
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	Price       string `json:"price"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Location    string `json:"location"`
	ImageURL    string `json:"image_url"`
	RegionID    string `json:"region_id"`
	KeywordID   string `json:"keyword_id"`
	FoundAt     int64  `json:"found_at"`
	Notified    bool   `json:"notified"`
	NotifiedAt  *int64 `json:"notified_at,omitempty"`
}

// ListingDetail is a Listing joined with its keyword term and region name,
// the shape notification rendering and the recent-listings view need.
type ListingDetail struct {
	Listing
	KeywordTerm string `json:"keyword_term"`
	RegionName  string `json:"region_name"`
}

// ExecutionStat records one completed check. Write-once, append-only.
type ExecutionStat struct {
	ID            string `json:"id"`
	KeywordID     string `json:"keyword_id"`
	RegionID      string `json:"region_id"`
	DurationMs    int64  `json:"duration_ms"`
	ListingsFound int64  `json:"listings_found"`
	NewListings   int64  `json:"new_listings"`
	Errors        int64  `json:"errors"`
	ExecutedAt    int64  `json:"executed_at"`
}

// ConfigEntry is one row of the config table.
type ConfigEntry struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// PairStats aggregates execution stats for one (keyword, region) pair.
type PairStats struct {
	KeywordTerm string `json:"keyword_term"`
	RegionName  string `json:"region_name"`
	Checks      int64  `json:"checks"`
	Found       int64  `json:"found"`
	New         int64  `json:"new"`
	Errors      int64  `json:"errors"`
}

// StatsSummary aggregates execution stats over a time window.
type StatsSummary struct {
	TotalChecks   int64       `json:"total_checks"`
	TotalFound    int64       `json:"total_found"`
	TotalNew      int64       `json:"total_new"`
	TotalErrors   int64       `json:"total_errors"`
	AvgDurationMs float64     `json:"avg_duration_ms"`
	ByPair        []PairStats `json:"by_pair,omitempty"`
}

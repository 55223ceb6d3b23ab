package monitor

import (
	"github.com/hazyhaar/marketwatch/monitor/internal/runner"
	"github.com/hazyhaar/marketwatch/monitor/internal/store"
)

// Re-export store and runner types for public API.
type (
	Keyword       = store.Keyword
	Region        = store.Region
	Listing       = store.Listing
	ListingDetail = store.ListingDetail
	ExecutionStat = store.ExecutionStat
	ConfigEntry   = store.ConfigEntry
	StatsSummary  = store.StatsSummary
	PairStats     = store.PairStats
	CheckResult   = runner.Result
	RawListing    = runner.RawListing
	Extractor     = runner.Extractor
)

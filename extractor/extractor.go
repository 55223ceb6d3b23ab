// Package extractor scrapes marketplace search results with a headless
// Chrome driven by Rod. The page is rendered (results are injected by
// JavaScript), scrolled to load more items, then the DOM is parsed into
// listing records.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Listing is one scraped search result.
type Listing struct {
	ExternalID  string
	Title       string
	Price       string
	URL         string
	Description string
	Location    string
	ImageURL    string
}

// Config configures the extractor.
type Config struct {
	// ScrollPasses is how many times the page is scrolled to the bottom
	// to trigger lazy loading. Default: 3.
	ScrollPasses int
	// ScrollPause is the wait after each scroll. Default: 1 second.
	ScrollPause time.Duration
	// SettleDelay is the wait after navigation before the first read,
	// giving the result grid time to render. Default: 3 seconds.
	SettleDelay time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ScrollPasses <= 0 {
		c.ScrollPasses = 3
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Extractor renders and parses marketplace search pages. Safe for
// concurrent Extract calls; each call opens its own tab.
type Extractor struct {
	browser *Browser
	config  Config
}

// New creates an Extractor over a running Browser.
func New(b *Browser, cfg Config) *Extractor {
	cfg.defaults()
	return &Extractor{browser: b, config: cfg}
}

// Extract renders the search page for (term, regionSlug) and returns the
// parsed listings. The context bounds the whole render-and-parse cycle.
func (e *Extractor) Extract(ctx context.Context, term, regionSlug string) ([]Listing, error) {
	pageURL := BuildSearchURL(regionSlug, term)
	log := e.config.Logger.With("url", pageURL)

	page, err := e.browser.NewPage()
	if err != nil {
		return nil, fmt.Errorf("extractor: open page: %w", err)
	}
	defer page.Close()

	if err := page.Context(ctx).Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("extractor: navigate: %w", err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		log.Warn("extractor: wait load", "error", err)
	}
	if err := sleepCtx(ctx, e.config.SettleDelay); err != nil {
		return nil, err
	}

	info, err := page.Context(ctx).Info()
	if err == nil && strings.Contains(strings.ToLower(info.URL), "login") {
		return nil, fmt.Errorf("extractor: redirected to login page")
	}

	e.scroll(ctx, page)

	html, err := page.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("extractor: read dom: %w", err)
	}

	listings, err := ParseListings(html, pageURL)
	if err != nil {
		return nil, fmt.Errorf("extractor: parse: %w", err)
	}
	log.Debug("extractor: page parsed", "listings", len(listings))
	return listings, nil
}

// scroll triggers lazy loading by jumping to the bottom repeatedly. Errors
// are tolerated; a partially loaded page still yields listings.
func (e *Extractor) scroll(ctx context.Context, page *rod.Page) {
	for i := 0; i < e.config.ScrollPasses; i++ {
		_, err := page.Context(ctx).Eval(`() => window.scrollTo(0, document.body.scrollHeight)`)
		if err != nil {
			e.config.Logger.Debug("extractor: scroll", "pass", i, "error", err)
			return
		}
		if sleepCtx(ctx, e.config.ScrollPause) != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newStealthPage creates a tab hardened against automation detection.
func newStealthPage(b *rod.Browser, userAgent string) (*rod.Page, error) {
	page, err := stealth.Page(b)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent})
		if err != nil {
			page.Close()
			return nil, err
		}
	}
	return page, nil
}

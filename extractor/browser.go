package extractor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// BrowserConfig configures the Chrome lifecycle.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome. Empty means
	// launch a local headless Chrome via the launcher.
	RemoteURL string

	// RecycleInterval is the maximum lifetime of one Chrome process; the
	// next NewPage after it elapses restarts Chrome. Default: 4h.
	RecycleInterval time.Duration

	// UserAgent overrides the page user agent. Defaults to a desktop
	// Chrome string.
	UserAgent string

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser manages the Chrome process: launch, page creation, time-based
// recycling, shutdown.
type Browser struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
}

// NewBrowser creates a Browser. Chrome is launched lazily on first use.
func NewBrowser(cfg BrowserConfig) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

// NewPage returns a fresh stealth tab, launching or recycling Chrome as
// needed. The caller must Close the page.
func (b *Browser) NewPage() (*rod.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("browser: closed")
	}
	if b.browser != nil && time.Since(b.startAt) > b.cfg.RecycleInterval {
		b.cfg.Logger.Info("browser: recycling chrome", "uptime", time.Since(b.startAt))
		b.cleanupLocked()
	}
	if b.browser == nil {
		if err := b.launchLocked(); err != nil {
			return nil, err
		}
	}
	return newStealthPage(b.browser, b.cfg.UserAgent)
}

func (b *Browser) launchLocked() error {
	var wsURL string
	if b.cfg.RemoteURL != "" {
		wsURL = b.cfg.RemoteURL
		b.cfg.Logger.Info("browser: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("disable-gpu").
			Set("no-sandbox").
			Set("disable-dev-shm-usage").
			Set("window-size", "1920,1080")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.cfg.Logger.Info("browser: launched headless chrome")
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		if b.lnch != nil {
			b.lnch.Cleanup()
			b.lnch = nil
		}
		return fmt.Errorf("browser: connect: %w", err)
	}
	b.browser = br
	b.startAt = time.Now()
	return nil
}

func (b *Browser) cleanupLocked() {
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}

// Close shuts down Chrome.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cleanupLocked()
	return nil
}

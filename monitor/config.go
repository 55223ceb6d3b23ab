package monitor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/marketwatch/monitor/internal/store"
)

// Config is the process-level configuration, loaded once from YAML at
// startup. Engine tunables live in the sqlite config table instead (see
// Settings) so operators can change them at runtime.
type Config struct {
	// DBPath is the sqlite database file. Default: "marketwatch.db".
	DBPath string `yaml:"db_path"`
	// HTTPAddr is the admin API listen address. Empty disables the API.
	HTTPAddr string `yaml:"http_addr"`

	Browser BrowserConfig `yaml:"browser"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// BrowserConfig controls the Chrome lifecycle.
type BrowserConfig struct {
	// Remote is the WebSocket URL of an external Chrome instance.
	// Empty launches a local headless Chrome.
	Remote string `yaml:"remote"`
	// RecycleInterval is the maximum Chrome process lifetime. Default: 4h.
	RecycleInterval time.Duration `yaml:"recycle_interval"`
	// UserAgent overrides the browser user agent.
	UserAgent string `yaml:"user_agent"`
}

// NotifyConfig holds channel wiring that needs filesystem paths or secrets,
// which do not belong in the sqlite config table.
type NotifyConfig struct {
	// FilePath is where the file channel appends JSON lines.
	// Default: "notifications.jsonl".
	FilePath string `yaml:"file_path"`
	// WebhookURL enables the webhook channel when set.
	WebhookURL string `yaml:"webhook_url"`
	// WebhookSecret signs webhook bodies with HMAC-SHA256 when set.
	WebhookSecret string `yaml:"webhook_secret"`
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "marketwatch.db"
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Notify.FilePath == "" {
		c.Notify.FilePath = "notifications.jsonl"
	}
}

// LoadConfigFile reads a YAML configuration file. A missing path yields
// the defaults.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("monitor: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("monitor: parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Config table keys. Values are strings; typed accessors parse them.
const (
	KeyCheckIntervalDefault = "check_interval_default" // seconds
	KeyMaxRetries           = "max_retries"
	KeyRequestTimeout       = "request_timeout" // seconds
	KeyNotificationEnabled  = "notification_enabled"
	KeyNotificationChannels = "notification_channels" // comma-separated
	KeyMaxListingsPerCheck  = "max_listings_per_check"
	KeyLogRetentionDays     = "log_retention_days"
	KeyMaxConcurrentTasks   = "max_concurrent_tasks"
	KeyMinTaskDelay         = "min_task_delay" // seconds
	KeyDedupHorizonDays     = "dedup_horizon_days"
	KeyRequeueFailed        = "requeue_failed"
)

// configDefaults seeds the config table on first start. INSERT OR IGNORE:
// operator edits survive restarts.
var configDefaults = []store.ConfigEntry{
	{Key: KeyCheckIntervalDefault, Value: "120", Description: "default check interval for new keywords (seconds)"},
	{Key: KeyMaxRetries, Value: "3", Description: "notification send attempts per channel"},
	{Key: KeyRequestTimeout, Value: "60", Description: "extractor timeout per check (seconds)"},
	{Key: KeyNotificationEnabled, Value: "true", Description: "dispatch notifications for new listings"},
	{Key: KeyNotificationChannels, Value: "console", Description: "enabled channels, comma-separated (console,file,webhook)"},
	{Key: KeyMaxListingsPerCheck, Value: "50", Description: "cap on raw listings processed per check"},
	{Key: KeyLogRetentionDays, Value: "30", Description: "execution stats retention (days)"},
	{Key: KeyMaxConcurrentTasks, Value: "3", Description: "concurrent check bound (applied at startup)"},
	{Key: KeyMinTaskDelay, Value: "2", Description: "minimum delay between check launches (seconds)"},
	{Key: KeyDedupHorizonDays, Value: "7", Description: "in-memory dedup horizon (days)"},
	{Key: KeyRequeueFailed, Value: "false", Description: "re-queue failed notifications on startup reconciliation"},
}

// Settings are the engine tunables read from the config table. Reloaded by
// the watcher whenever the table changes.
type Settings struct {
	CheckIntervalDefault time.Duration
	MaxRetries           int
	RequestTimeout       time.Duration
	NotificationEnabled  bool
	NotificationChannels []string
	MaxListingsPerCheck  int
	LogRetention         time.Duration
	MaxConcurrentTasks   int
	MinTaskDelay         time.Duration
	DedupHorizon         time.Duration
	RequeueFailed        bool
}

func loadSettings(ctx context.Context, s *store.Store) Settings {
	channels := s.ConfigString(ctx, KeyNotificationChannels, "console")
	var list []string
	for _, c := range strings.Split(channels, ",") {
		if c = strings.TrimSpace(c); c != "" {
			list = append(list, c)
		}
	}
	return Settings{
		CheckIntervalDefault: time.Duration(s.ConfigInt(ctx, KeyCheckIntervalDefault, 120)) * time.Second,
		MaxRetries:           int(s.ConfigInt(ctx, KeyMaxRetries, 3)),
		RequestTimeout:       time.Duration(s.ConfigInt(ctx, KeyRequestTimeout, 60)) * time.Second,
		NotificationEnabled:  s.ConfigBool(ctx, KeyNotificationEnabled, true),
		NotificationChannels: list,
		MaxListingsPerCheck:  int(s.ConfigInt(ctx, KeyMaxListingsPerCheck, 50)),
		LogRetention:         time.Duration(s.ConfigInt(ctx, KeyLogRetentionDays, 30)) * 24 * time.Hour,
		MaxConcurrentTasks:   int(s.ConfigInt(ctx, KeyMaxConcurrentTasks, 3)),
		MinTaskDelay:         time.Duration(s.ConfigInt(ctx, KeyMinTaskDelay, 2)) * time.Second,
		DedupHorizon:         time.Duration(s.ConfigInt(ctx, KeyDedupHorizonDays, 7)) * 24 * time.Hour,
		RequeueFailed:        s.ConfigBool(ctx, KeyRequeueFailed, false),
	}
}

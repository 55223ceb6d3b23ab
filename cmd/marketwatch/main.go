// Command marketwatch is the marketplace listings monitor.
//
// Usage:
//
//	marketwatch run -config marketwatch.yaml     # run the engine
//	marketwatch add-keyword -term "vélo vintage"
//	marketwatch add-region -name "Montréal" -slug montreal
//	marketwatch check -term "vélo vintage" -region montreal
//	marketwatch recent -limit 20
//	marketwatch stats -window 24h
//	marketwatch config                            # list config table
//	marketwatch set-config -key max_retries -value 5
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/marketwatch/httpapi"
	"github.com/hazyhaar/marketwatch/monitor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	if err := dispatch(ctx, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("marketwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: marketwatch <command> [flags]

commands:
  run           run the monitoring engine
  add-keyword   add a monitored search term
  list-keywords list keywords
  add-region    add a monitored region
  list-regions  list regions
  check         run one immediate check
  recent        show recent listings
  stats         show execution stats
  config        list config entries
  set-config    write a config entry
  status        show engine status (requires -config pointing at the live db)`)
}

func dispatch(ctx context.Context, logger *slog.Logger, command string, args []string) error {
	switch command {
	case "run":
		return cmdRun(ctx, logger, args)
	case "add-keyword":
		return cmdAddKeyword(ctx, logger, args)
	case "list-keywords":
		return cmdListKeywords(ctx, logger, args)
	case "add-region":
		return cmdAddRegion(ctx, logger, args)
	case "list-regions":
		return cmdListRegions(ctx, logger, args)
	case "check":
		return cmdCheck(ctx, logger, args)
	case "recent":
		return cmdRecent(ctx, logger, args)
	case "stats":
		return cmdStats(ctx, logger, args)
	case "config":
		return cmdConfig(ctx, logger, args)
	case "set-config":
		return cmdSetConfig(ctx, logger, args)
	case "status":
		return cmdStatus(ctx, logger, args)
	default:
		usage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// newService builds a Service from the -config flag shared by every
// subcommand. extract controls whether a browser is wired; operator
// commands that never scrape skip it.
func newService(fs *flag.FlagSet, logger *slog.Logger, args []string, extract bool) (*monitor.Service, *monitor.Config, error) {
	configPath := fs.String("config", "", "path to marketwatch.yaml")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := monitor.LoadConfigFile(*configPath)
	if err != nil {
		return nil, nil, err
	}
	opts := []monitor.Option{monitor.WithLogger(logger)}
	if !extract {
		opts = append(opts, monitor.WithExtractor(noExtractor{}))
	}
	svc, err := monitor.New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

// noExtractor backs subcommands that manage data without scraping.
type noExtractor struct{}

func (noExtractor) Extract(ctx context.Context, term, regionSlug string) ([]monitor.RawListing, error) {
	return nil, fmt.Errorf("no extractor wired for this command")
}

func cmdRun(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	svc, cfg, err := newService(fs, logger, args, true)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	var api *httpapi.Server
	if cfg.HTTPAddr != "" {
		api = httpapi.New(svc, cfg.HTTPAddr, logger)
		go func() {
			if err := api.Start(); err != nil {
				logger.Error("marketwatch: http api", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("marketwatch: shutting down")

	if api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("marketwatch: http shutdown", "error", err)
		}
	}
	return svc.Stop()
}

func cmdAddKeyword(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("add-keyword", flag.ExitOnError)
	term := fs.String("term", "", "search term to monitor")
	svc, _, err := newService(fs, logger, args, false)
	if err != nil {
		return err
	}
	defer svc.Stop()

	k, err := svc.AddKeyword(ctx, *term)
	if err != nil {
		return err
	}
	return printJSON(k)
}

func cmdListKeywords(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("list-keywords", flag.ExitOnError)
	activeOnly := fs.Bool("active", false, "only active keywords")
	svc, _, err := newService(fs, logger, args, false)
	if err != nil {
		return err
	}
	defer svc.Stop()

	keywords, err := svc.ListKeywords(ctx, *activeOnly)
	if err != nil {
		return err
	}
	return printJSON(keywords)
}

func cmdAddRegion(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("add-region", flag.ExitOnError)
	name := fs.String("name", "", "region display name")
	slug := fs.String("slug", "", "region slug used in search URLs")
	svc, _, err := newService(fs, logger, args, false)
	if err != nil {
		return err
	}
	defer svc.Stop()

	r, err := svc.AddRegion(ctx, *name, *slug)
	if err != nil {
		return err
	}
	return printJSON(r)
}

func cmdListRegions(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("list-regions", flag.ExitOnError)
	activeOnly := fs.Bool("active", false, "only active regions")
	svc, _, err := newService(fs, logger, args, false)
	if err != nil {
		return err
	}
	defer svc.Stop()

	regions, err := svc.ListRegions(ctx, *activeOnly)
	if err != nil {
		return err
	}
	return printJSON(regions)
}

func cmdCheck(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	term := fs.String("term", "", "keyword term")
	region := fs.String("region", "", "region slug")
	svc, _, err := newService(fs, logger, args, true)
	if err != nil {
		return err
	}
	defer svc.Stop()

	res, err := svc.CheckNow(ctx, *term, *region)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdRecent(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	limit := fs.Int("limit", 20, "number of listings")
	window := fs.Duration("window", 0, "only listings found within this window (0 = all)")
	svc, _, err := newService(fs, logger, args, false)
	if err != nil {
		return err
	}
	defer svc.Stop()

	listings, err := svc.RecentListings(ctx, *window, *limit)
	if err != nil {
		return err
	}
	return printJSON(listings)
}

func cmdStats(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	window := fs.Duration("window", 24*time.Hour, "aggregation window")
	svc, _, err := newService(fs, logger, args, false)
	if err != nil {
		return err
	}
	defer svc.Stop()

	summary, err := svc.Stats(ctx, *window)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func cmdConfig(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	svc, _, err := newService(fs, logger, args, false)
	if err != nil {
		return err
	}
	defer svc.Stop()

	entries, err := svc.AllConfig(ctx)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func cmdSetConfig(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("set-config", flag.ExitOnError)
	key := fs.String("key", "", "config key")
	value := fs.String("value", "", "config value")
	svc, _, err := newService(fs, logger, args, false)
	if err != nil {
		return err
	}
	defer svc.Stop()

	if *key == "" {
		return fmt.Errorf("set-config: -key is required")
	}
	if err := svc.SetConfig(ctx, *key, *value); err != nil {
		return err
	}
	logger.Info("marketwatch: config updated", "key", *key, "value", *value)
	return nil
}

func cmdStatus(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	svc, _, err := newService(fs, logger, args, false)
	if err != nil {
		return err
	}
	defer svc.Stop()

	return printJSON(svc.Status())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

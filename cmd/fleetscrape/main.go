// Command fleetscrape is the orchestration core's entry point: it loads
// configuration, wires the session manager, site manager, proxy pool,
// browser driver, and engine together, then either runs one batch (-mode
// paginate or scrape-item) or starts an interactive console that can run
// either repeatedly, grounded on the teacher's cmd/master console loop.
// -watch keeps the site list live against edits to -config.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/mushstyle/fleetscrape/internal/browser"
	"github.com/mushstyle/fleetscrape/internal/config"
	"github.com/mushstyle/fleetscrape/internal/engine"
	"github.com/mushstyle/fleetscrape/internal/etl"
	"github.com/mushstyle/fleetscrape/internal/extractor"
	"github.com/mushstyle/fleetscrape/internal/obslog"
	"github.com/mushstyle/fleetscrape/internal/obsserver"
	"github.com/mushstyle/fleetscrape/internal/proxypool"
	"github.com/mushstyle/fleetscrape/internal/session"
	"github.com/mushstyle/fleetscrape/internal/site"
	"github.com/mushstyle/fleetscrape/internal/telemetry"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "Path to the YAML config file")
		mode        = flag.String("mode", "", "Run once and exit: paginate or scrape-item. Empty starts the interactive console")
		sitesFlag   = flag.String("sites", "", "Comma-separated domains to include (default: all configured)")
		excludeFlag = flag.String("exclude", "", "Comma-separated domains to exclude")
		force       = flag.Bool("force", false, "Ignore the since filter and run every chosen site")
		noProxy     = flag.Bool("no-proxy", false, "Run without proxy requirements this batch")
		obsAddr     = flag.String("observe", "", "Bind address for the read-only /healthz, /metrics, /ws server (empty disables it)")
		watch       = flag.Bool("watch", false, "Watch -config for edits and hot-reload the site list without restarting")
	)
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetscrape: %v\n", err)
		os.Exit(1)
	}
	cfg.LoadFromEnv()

	log, err := obslog.New(obslog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetscrape: building logger: %v\n", err)
		os.Exit(1)
	}

	proxies, err := proxypool.Load(cfg.ProxyPoolPath)
	if err != nil {
		log.Zap().Warn("proxy pool unavailable, running without one", zap.Error(err), zap.String("path", cfg.ProxyPoolPath))
		proxies = nil
	}

	store := etl.NewMemoryClient(nil)

	sites := site.New(store, log.Zap())
	sites.LoadConfigs(cfg.SiteConfigs())

	if *watch {
		reloader := config.NewReloader(*configPath)
		reloader.SetLogger(log)
		reloader.OnChange(func(newCfg *config.Config) {
			newCfg.ApplyDefaults()
			sites.LoadConfigs(newCfg.SiteConfigs())
			log.Zap().Info("reloaded site configuration", zap.Int("sites", len(newCfg.Sites)))
		})
		if err := reloader.Start(); err != nil {
			log.Zap().Warn("config watch disabled", zap.Error(err))
		} else {
			defer reloader.Stop()
		}
	}

	extractors := extractor.NewRegistry(log.Zap())
	registerExtractors(extractors)

	driver := browser.NewDriver(browser.Options{})
	sessions := session.New(cfg.SessionCap, driver.Open, driver.Close, log.Zap())

	metrics := telemetry.New()

	eng := engine.New(sessions, sites, extractors, driver, proxies, store, metrics, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n[fleetscrape] shutting down...")
		cancel()
	}()

	var obsSrv *obsserver.Server
	if *obsAddr != "" {
		obsSrv = obsserver.New(metrics, log)
		go func() {
			if err := obsSrv.ListenAndServe(ctx, *obsAddr); err != nil {
				log.Zap().Warn("observability server stopped", zap.Error(err))
			}
		}()
		fmt.Printf("[fleetscrape] observability: http://%s/healthz  /metrics  /ws\n", *obsAddr)
	}

	runOpts := runOptions{
		sites:   splitCSV(*sitesFlag),
		exclude: splitCSV(*excludeFlag),
		force:   *force,
		noProxy: *noProxy,
	}

	if *mode != "" {
		runOnce(ctx, eng, cfg, *mode, runOpts, obsSrv)
		return
	}

	fmt.Println("fleetscrape console — type 'help' for commands, Ctrl+C to exit")
	interactiveConsole(ctx, eng, cfg, obsSrv)
}

// runOptions carries the batch filters both the one-shot mode flags and the
// interactive console's "paginate"/"scrape-item" commands populate.
type runOptions struct {
	sites   []string
	exclude []string
	force   bool
	noProxy bool
}

func runOnce(ctx context.Context, eng *engine.Engine, cfg *config.Config, mode string, opts runOptions, obsSrv *obsserver.Server) {
	switch mode {
	case "paginate":
		result := eng.Paginate(ctx, paginateOptions(cfg, opts))
		printJSON(result)
		if obsSrv != nil {
			obsSrv.Broadcast(obsserver.Snapshot{
				Kind:           "paginate",
				SitesProcessed: result.SitesProcessed,
				SitesCommitted: result.SitesCommitted,
				Errors:         result.Errors,
			})
		}
	case "scrape-item":
		result := eng.ScrapeItem(ctx, scrapeItemOptions(cfg, opts))
		printJSON(result)
		if obsSrv != nil {
			obsSrv.Broadcast(obsserver.Snapshot{
				Kind:           "scrape_item",
				SitesProcessed: result.SitesProcessed,
				ItemsScraped:   result.ItemsScraped,
				ItemsFailed:    result.ItemsFailed,
				Errors:         result.Errors,
			})
		}
	default:
		fmt.Fprintf(os.Stderr, "fleetscrape: unknown -mode %q (want paginate or scrape-item)\n", mode)
		os.Exit(1)
	}
}

func paginateOptions(cfg *config.Config, opts runOptions) engine.PaginateOptions {
	return engine.PaginateOptions{
		BatchOptions: engine.BatchOptions{
			Sites:             opts.sites,
			Exclude:           opts.exclude,
			Force:             opts.force,
			NoProxy:           opts.noProxy,
			InstanceLimit:     cfg.Defaults.InstanceLimit,
			CacheSizeMB:       cfg.Defaults.CacheSizeMB,
			CacheTTLSeconds:   cfg.Defaults.CacheTTLSeconds,
			BlockImages:       cfg.Defaults.BlockImages,
			SessionTimeoutSec: cfg.Defaults.SessionTimeoutSec,
			MaxRetries:        cfg.Defaults.MaxRetriesPaginate,
		},
	}
}

func scrapeItemOptions(cfg *config.Config, opts runOptions) engine.ScrapeItemOptions {
	return engine.ScrapeItemOptions{
		BatchOptions: engine.BatchOptions{
			Sites:             opts.sites,
			Exclude:           opts.exclude,
			Force:             opts.force,
			NoProxy:           opts.noProxy,
			InstanceLimit:     cfg.Defaults.InstanceLimit,
			CacheSizeMB:       cfg.Defaults.CacheSizeMB,
			CacheTTLSeconds:   cfg.Defaults.CacheTTLSeconds,
			BlockImages:       cfg.Defaults.BlockImages,
			SessionTimeoutSec: cfg.Defaults.SessionTimeoutSec,
			MaxRetries:        cfg.Defaults.MaxRetriesItem,
		},
	}
}

func interactiveConsole(ctx context.Context, eng *engine.Engine, cfg *config.Config, obsSrv *obsserver.Server) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("fleetscrape> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "help":
			printHelp()
		case "sites":
			for _, d := range eng.Sites.Domains() {
				fmt.Println(" ", d)
			}
		case "paginate":
			runOnce(ctx, eng, cfg, "paginate", opsFromArgs(parts[1:]), obsSrv)
		case "scrape-item":
			runOnce(ctx, eng, cfg, "scrape-item", opsFromArgs(parts[1:]), obsSrv)
		case "quit", "exit":
			fmt.Println("Use Ctrl+C to stop fleetscrape")
		default:
			fmt.Printf("unknown command: %s\n", parts[0])
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  help                 - show this help")
	fmt.Println("  sites                - list configured domains")
	fmt.Println("  paginate [domains]   - run one paginate batch, optionally scoped to domains")
	fmt.Println("  scrape-item [domains] - run one scrape-item batch, optionally scoped to domains")
	fmt.Println("  quit/exit            - print how to stop fleetscrape (Ctrl+C)")
}

// opsFromArgs treats every console argument after the subcommand as a site
// filter, matching the teacher console's "submit <url>"-style positional
// argument convention rather than introducing a flag parser mid-session.
func opsFromArgs(args []string) runOptions {
	return runOptions{sites: args}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetscrape: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// registerExtractors is where built-in extractors are added to the
// registry; this build registers none. Sites select one by ExtractorID in
// their config; an unregistered ID
// surfaces as extractor.ErrMissingExtractor at batch time rather than a
// startup error, since a config can name sites whose extractor isn't built
// yet without blocking every other site's runs.
func registerExtractors(r *extractor.Registry) {
	_ = r // real extractors are registered by deployment-specific builds
}

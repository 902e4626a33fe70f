package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"prayersync/internal/capture"
	"prayersync/internal/config"
	"prayersync/internal/engine"
	"prayersync/internal/gcal"
	"prayersync/internal/history"
	"prayersync/internal/ics"
	"prayersync/internal/location"
	appLog "prayersync/internal/log"
	"prayersync/internal/model"
	"prayersync/internal/reconcile"
	"prayersync/internal/web"
)

const version = "0.3.0"

// historyRetention bounds how long run rows are kept.
const historyRetention = 90 * 24 * time.Hour

type flagConfig struct {
	configPath string
	listen     string
	date       string
	once       bool
	authorize  bool
}

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is normal.
	_ = godotenv.Load()

	flags := parseFlags()
	appLog.Info("prayersync starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if lvl := os.Getenv("PRAYERSYNC_LOG_LEVEL"); lvl != "" {
		conf.LogLevel = lvl
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid configuration", err, "config_path", flags.configPath)
		return 1
	}
	if lvl, ok := appLog.ParseLevel(conf.LogLevel); ok {
		appLog.SetLevel(lvl)
	}

	var start model.Date
	if flags.date != "" {
		start, err = model.ParseDate(flags.date)
		if err != nil {
			appLog.Error("invalid -date", err, "date", flags.date)
			return 1
		}
	}

	appLog.Info("effective config",
		"calendar_id", conf.CalendarID,
		"days", conf.ProcessingDaysInAdvance,
		"managed", len(conf.ManagedPrayerNames),
		"location_check", conf.Location.CheckEnabled,
		"schedule", conf.Schedule,
		"listen", conf.Listen,
		"once", flags.once,
		"date", flags.date,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	oauthCfg, err := gcal.LoadOAuthConfig(conf.GoogleAuth.CredentialsPath, conf.GoogleAuth.RedirectURI)
	if err != nil {
		appLog.Error("failed to load OAuth client", err, "credentials_path", conf.GoogleAuth.CredentialsPath)
		return 1
	}

	if flags.authorize {
		err := gcal.Authorize(ctx, oauthCfg, conf.GoogleAuth.TokenPath, func(url string) {
			fmt.Fprintf(os.Stdout, "Open this URL in a browser to grant calendar access:\n\n%s\n\n", url)
		})
		if err != nil {
			appLog.Error("authorization failed", err)
			return 1
		}
		appLog.Info("authorization complete", "token_path", conf.GoogleAuth.TokenPath)
		return 0
	}

	ts, err := gcal.TokenSource(context.Background(), oauthCfg, conf.GoogleAuth.TokenPath)
	if err != nil {
		appLog.Error("calendar credentials unavailable", err)
		return 1
	}
	store, err := gcal.NewStoreFromToken(ctx, conf.CalendarWritesPerSecond, ts)
	if err != nil {
		appLog.Error("failed to create calendar client", err)
		return 1
	}

	deps := engine.Deps{
		Resolver: location.NewResolver(location.OptionsFromConfig(conf), location.NewHTTPGeolocator(conf.Location.GeolocationURL)),
		Extractor: capture.NewExtractor(capture.Options{
			BaseURL:     conf.TimeTableBaseURL,
			Overall:     conf.Timeouts.Overall(),
			PageLoad:    conf.Timeouts.PageLoad(),
			RenderDelay: conf.Timeouts.RenderDelay(),
			DumpDir:     conf.Browser.DumpDir,
		}, conf.Definitions(), capture.ChromeLauncher{ExecPath: conf.Browser.Path}),
		Reconciler: reconcile.New(store, reconcile.Options{
			CalendarID:      conf.CalendarID,
			BaseURL:         conf.TimeTableBaseURL,
			ReminderMinutes: conf.EventReminderMinutes,
			ManagedKeys:     conf.ManagedPrayerNames,
		}),
		LastKnown: config.FileLastKnownStore{Path: flags.configPath},
	}

	var runs *history.Store
	if conf.HistoryDB != "" {
		runs, err = history.Open(conf.HistoryDB)
		if err != nil {
			appLog.Error("failed to open run history", err, "path", conf.HistoryDB)
			return 1
		}
		defer runs.Close()
		if n, err := runs.Prune(ctx, time.Now().Add(-historyRetention)); err != nil {
			appLog.Warn("history prune failed", "err", err.Error())
		} else if n > 0 {
			appLog.Info("history pruned", "runs", n)
		}
		deps.Observers = append(deps.Observers, runs)
	}
	if conf.ICSExportPath != "" {
		deps.Observers = append(deps.Observers, ics.NewExporter(conf.ICSExportPath))
	}

	eng := engine.New(conf, deps)

	if flags.once || flags.date != "" {
		rep := eng.Run(ctx, start)
		appLog.Info("prayersync exiting", "status", string(rep.Status))
		return rep.Status.ExitCode()
	}

	return daemon(ctx, conf, eng, runs)
}

// daemon runs the cron scheduler and, when configured, the status server
// until a signal arrives.
func daemon(ctx context.Context, conf *config.Config, eng *engine.Engine, runs *history.Store) int {
	zone := time.Local
	if conf.TargetTimezone != "" {
		if loc, err := time.LoadLocation(conf.TargetTimezone); err == nil {
			zone = loc
		}
	}

	sched, err := engine.NewScheduler(conf.Schedule, zone, eng, true)
	if err != nil {
		appLog.Error("invalid schedule", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if conf.Listen != "" {
		var hist web.RunHistory
		if runs != nil {
			hist = runs
		}
		srv := web.NewServer(conf, eng, hist)
		g.Go(func() error { return srv.Serve(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("daemon stopped with error", err)
		return 1
	}

	if rep, ok := eng.LastReport(); ok && rep.Status == engine.StatusFatal {
		return 1
	}
	appLog.Info("prayersync exiting")
	return 0
}

func parseFlags() flagConfig {
	var cfg flagConfig

	defaultConfig := os.Getenv("PRAYERSYNC_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}

	flag.StringVar(&cfg.configPath, "config", defaultConfig, "Path to config file (env PRAYERSYNC_CONFIG)")
	flag.StringVar(&cfg.listen, "listen", "", "Status server listen address (overrides config if set)")
	flag.StringVar(&cfg.date, "date", "", "Sync starting at this date (YYYY-MM-DD) and exit")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync and exit")
	flag.BoolVar(&cfg.authorize, "authorize", false, "Run the OAuth consent flow, save the token and exit")

	flag.Parse()

	return cfg
}

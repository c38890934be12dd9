package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/twistedxcom/panewatch/internal/bus"
	"github.com/twistedxcom/panewatch/internal/classify"
	"github.com/twistedxcom/panewatch/internal/config"
	"github.com/twistedxcom/panewatch/internal/detect"
	"github.com/twistedxcom/panewatch/internal/history"
	"github.com/twistedxcom/panewatch/internal/logging"
	"github.com/twistedxcom/panewatch/internal/monitor"
	"github.com/twistedxcom/panewatch/internal/tmux"
	"github.com/twistedxcom/panewatch/internal/web"
)

// discoveryInterval is how often the engine re-lists tmux sessions and
// reconciles the worker pool against what it finds.
const discoveryInterval = 5 * time.Second

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	dir := fs.String("dir", "", "panewatch directory (default ~/.panewatch, or $PANEWATCH_DIR)")
	debug := fs.Bool("debug", false, "enable debug logging")
	quiet := fs.Bool("quiet", false, "suppress transition output on stdout")
	interval := fs.Duration("interval", 0, "poll interval (overrides config)")
	lines := fs.Int("lines", 0, "captured pane lines per sample (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*dir)
	if err != nil {
		return err
	}
	if *interval > 0 {
		cfg.Monitor.Interval = config.Duration(*interval)
	}
	if *lines > 0 {
		cfg.Monitor.Lines = *lines
	}
	return runEngine(cfg, *debug, *quiet, false)
}

func runWeb(args []string) error {
	fs := flag.NewFlagSet("web", flag.ExitOnError)
	dir := fs.String("dir", "", "panewatch directory (default ~/.panewatch, or $PANEWATCH_DIR)")
	debug := fs.Bool("debug", false, "enable debug logging")
	listen := fs.String("listen", "", "listen address (overrides config)")
	token := fs.String("token", "", "API bearer token (overrides config)")
	push := fs.Bool("push", false, "enable web push notifications")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*dir)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Web.Listen = *listen
	}
	if *token != "" {
		cfg.Web.Token = *token
	}
	if *push {
		cfg.Web.PushEnabled = true
	}
	return runEngine(cfg, *debug, true, true)
}

// runEngine wires the full detection stack and blocks until a shutdown
// signal. Both watch and web mode share it; web mode adds the HTTP server.
func runEngine(cfg *config.Config, debug, quiet, withWeb bool) error {
	if err := os.MkdirAll(cfg.Dir(), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", cfg.Dir(), err)
	}

	logging.Init(logging.Config{
		LogDir: cfg.Dir(),
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Debug:  debug || cfg.Logging.Debug,
	})
	defer logging.Shutdown()

	log := logging.Logger()
	log.Info("panewatch_starting",
		slog.String("version", version),
		slog.String("dir", cfg.Dir()))

	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		log.Warn("journal_unavailable", slog.String("error", err.Error()))
		store = nil
	} else {
		defer store.Close()
		if days := cfg.History.RetentionDays; days > 0 {
			if n, err := store.Prune(time.Duration(days) * 24 * time.Hour); err == nil && n > 0 {
				log.Info("journal_pruned", slog.Int64("removed", n))
			}
		}
	}

	b := bus.New()
	classifier := detect.NewClassifier()
	applyPatternOverrides(classifier, cfg)

	analyzer := classify.New(classify.Config{
		Endpoint:     cfg.Classifier.Endpoint,
		Model:        cfg.Classifier.Model,
		APIKey:       cfg.Classifier.APIKey(),
		StageTimeout: cfg.Classifier.StageTimeout.Std(),
		RatePerSec:   cfg.Classifier.RatePerSec,
	})
	if !analyzer.Available() {
		log.Info("classifier_disabled",
			slog.String("env", cfg.Classifier.APIKeyEnv))
	}

	pool := monitor.NewPool(monitor.PoolConfig{
		Interval:   cfg.Monitor.Interval.Std(),
		Lines:      cfg.Monitor.Lines,
		WindowSize: cfg.Monitor.Window,
	}, b, classifier)

	opts := []monitor.Option{
		monitor.WithAnalysisCeiling(cfg.Classifier.OverallTimeout.Std()),
	}
	if store != nil {
		opts = append(opts, monitor.WithJournal(store))
	}
	detector := monitor.NewDetector(b, pool, analyzer, opts...)
	detector.Start()

	if !quiet {
		detector.Subscribe(printTransition)
	}

	// Pattern overrides hot-reload on config save; timing changes apply to
	// workers created after the reload.
	watcher, err := config.NewWatcher(cfg.Dir(), func(next *config.Config) {
		applyPatternOverrides(classifier, next)
	})
	if err != nil {
		log.Warn("config_watch_unavailable", slog.String("error", err.Error()))
	} else {
		go watcher.Start()
		defer watcher.Stop()
	}

	webErr := make(chan error, 1)
	var srv *web.Server
	if withWeb {
		webCfg := web.Config{
			ListenAddr: cfg.Web.Listen,
			Token:      cfg.Web.Token,
			Dir:        cfg.Dir(),

			PushEnabled:         cfg.Web.PushEnabled,
			PushVAPIDPublicKey:  cfg.Web.PushVAPIDPublic,
			PushVAPIDPrivateKey: cfg.Web.PushVAPIDPrivate,
			PushVAPIDSubject:    cfg.Web.PushVAPIDSubject,
		}
		if webCfg.PushEnabled && (webCfg.PushVAPIDPublicKey == "" || webCfg.PushVAPIDPrivateKey == "") {
			pub, priv, err := web.EnsureVAPIDKeys(cfg.Dir())
			if err != nil {
				log.Warn("vapid_keys_unavailable", slog.String("error", err.Error()))
				webCfg.PushEnabled = false
			} else {
				webCfg.PushVAPIDPublicKey = pub
				webCfg.PushVAPIDPrivateKey = priv
			}
		}
		var hist web.HistorySource
		if store != nil {
			hist = store
		}
		srv = web.NewServer(webCfg, detector, hist)
		go func() { webErr <- srv.Start() }()
		fmt.Printf("panewatch web listening on http://%s\n", srv.Addr())
	}

	// Initial reconcile before the first tick so startup isn't a blank 5s.
	detector.Monitor(discoverSessions())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			detector.Monitor(discoverSessions())

		case err := <-webErr:
			detector.Shutdown()
			b.Close()
			if err != nil {
				return fmt.Errorf("web server: %w", err)
			}
			return nil

		case sig := <-sigCh:
			if sig == syscall.SIGQUIT {
				dumpPath := filepath.Join(cfg.Dir(), "panewatch-ring.log")
				if err := logging.DumpRingBuffer(dumpPath); err == nil {
					fmt.Fprintf(os.Stderr, "panewatch: ring buffer dumped to %s\n", dumpPath)
				}
				continue
			}
			log.Info("panewatch_stopping", slog.String("signal", sig.String()))
			if srv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(ctx)
				cancel()
			}
			detector.Shutdown()
			b.Close()
			return nil
		}
	}
}

// discoverSessions lists live panewatch-managed tmux sessions and converts
// them into monitor specs. A listing failure (tmux server down) yields an
// empty set, which Reconcile treats as "stop everything".
func discoverSessions() []monitor.Spec {
	sessions, err := tmux.ListSessions()
	if err != nil {
		return nil
	}
	specs := make([]monitor.Spec, 0, len(sessions))
	for _, s := range sessions {
		if !strings.HasPrefix(s.Name, tmux.SessionPrefix) {
			continue
		}
		title := s.Title
		if title == "" {
			title = strings.TrimPrefix(s.Name, tmux.SessionPrefix)
		}
		specs = append(specs, monitor.Spec{
			ID:     s.Name,
			Target: s.Name,
			Title:  title,
		})
	}
	return specs
}

// applyPatternOverrides merges config pattern families over the built-in
// defaults, per tool. An invalid family entry is skipped inside Compile;
// a fully broken override leaves the defaults in place.
func applyPatternOverrides(c *detect.Classifier, cfg *config.Config) {
	for tool, pc := range cfg.Patterns {
		raw := detect.DefaultRawPatterns(tool)
		if len(pc.Activity) > 0 {
			raw.Activity = pc.Activity
		}
		if len(pc.Attention) > 0 {
			raw.Attention = pc.Attention
		}
		if len(pc.Spinner) > 0 {
			raw.SpinnerChars = pc.Spinner
		}
		compiled, err := detect.Compile(raw)
		if err != nil {
			logging.Logger().Warn("pattern_override_rejected",
				slog.String("tool", tool),
				slog.String("error", err.Error()))
			continue
		}
		c.SetPatterns(tool, compiled)
	}
}

func printTransition(c monitor.Change) {
	ts := c.At.Format("15:04:05")
	name := c.Title
	if name == "" {
		name = c.SessionID
	}
	if c.Removed {
		fmt.Printf("%s  %-20s  removed\n", ts, name)
		return
	}
	line := fmt.Sprintf("%s  %-20s  %s -> %s", ts, name, c.Previous, c.New)
	if c.New == monitor.StatusWaiting && c.Options != nil && c.Options.Question != "" {
		line += "  (" + c.Options.Question + ")"
	}
	fmt.Println(line)
}

// Command voxbridge serves the browser client and relays its voice sessions to
// a streaming AI upstream.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/transport/wsrelay"
	"github.com/MrWong99/voxbridge/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// options are the command-line overrides.
type options struct {
	configPath     string
	configExplicit bool
	port           string
	logLevel       string
}

func parseFlags(args []string) (options, error) {
	var o options
	flags := pflag.NewFlagSet("voxbridge", pflag.ContinueOnError)
	flags.StringVarP(&o.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	flags.StringVarP(&o.port, "port", "p", "", "listen port, overrides PORT and server.listen_addr")
	flags.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		return o, err
	}
	o.configExplicit = flags.Changed("config")
	return o, nil
}

// loadConfig reads the configuration file and applies environment and flag
// overrides. A missing default config file yields the built-in defaults; a
// missing file named with --config is an error.
func loadConfig(o options, getenv func(string) string) (cfg *config.Config, fromFile bool, err error) {
	cfg, err = config.Load(o.configPath)
	switch {
	case err == nil:
		fromFile = true
	case errors.Is(err, os.ErrNotExist) && !o.configExplicit:
		cfg = config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, err
	}

	if err := config.ApplyEnv(cfg, getenv); err != nil {
		return nil, false, err
	}
	if o.port != "" {
		if err := config.SetPort(cfg, o.port); err != nil {
			return nil, false, err
		}
	}
	if o.logLevel != "" {
		lvl := config.LogLevel(o.logLevel)
		if !lvl.IsValid() {
			return nil, false, fmt.Errorf("invalid --log-level %q", o.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	return cfg, fromFile, nil
}

func run(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := loadConfig(opts, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level, closeLog, err := newLogger(cfg.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	if !fromFile {
		slog.Warn("config file not found, using built-in defaults", "config", opts.configPath)
	}
	slog.Info("voxbridge starting",
		"version", version,
		"config", opts.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Upstream dialers ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDialers(reg)

	dialer, personaTargets, err := buildUpstream(cfg, reg)
	if err != nil {
		slog.Error("failed to build upstream", "err", err)
		return 1
	}

	// ── Relay ─────────────────────────────────────────────────────────────────
	// The manager and the transport reference each other; the sender closure
	// resolves wsSrv once both exist.
	var wsSrv *wsrelay.Server
	sender := relay.SenderFunc(func(id string, f relay.Frame) error { return wsSrv.Send(id, f) })
	mgr := relay.NewManager(dialer, sender, relay.Config{
		DefaultCharacter: cfg.Relay.DefaultCharacter,
		PollTimeout:      cfg.Relay.PollTimeout,
		ErrorBackoff:     cfg.Relay.ErrorBackoff,
		MaxErrorBackoff:  cfg.Relay.MaxErrorBackoff,
		ConnectTimeout:   cfg.Relay.ConnectTimeout,
	}, relay.WithMetrics(tel.Metrics))
	wsSrv = wsrelay.New(mgr, wsrelay.Config{
		OriginPatterns:  cfg.Server.AllowedOrigins,
		WriteTimeout:    cfg.Transport.WriteTimeout,
		MaxQueuedFrames: cfg.Transport.MaxQueuedFrames,
		MaxMessageBytes: cfg.Transport.MaxMessageBytes,
	})

	// ── HTTP surface ──────────────────────────────────────────────────────────
	catalog := web.NewCatalog(cfg.CharacterNames()...)
	webSrv := web.New(web.Config{
		Characters: catalog,
		Static:     staticBundle(cfg.Server.StaticDir),
	})
	hc := health.New(
		health.Checker{Name: "upstream", Check: func(context.Context) error {
			if !dialer.Healthy() {
				return fmt.Errorf("every upstream circuit is open: %v", dialer.States())
			}
			return nil
		}},
		health.Checker{Name: "relay", Check: mgr.CheckAccepting},
	)

	mux := http.NewServeMux()
	webSrv.Register(mux)
	hc.Register(mux)
	mux.Handle("GET /api/voice-chat", wsSrv)
	mux.Handle("GET /metrics", tel.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           web.CORS(observe.Middleware(tel.Metrics)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	var watcher *config.Watcher
	if fromFile {
		watcher, err = config.NewWatcher(opts.configPath, func(r config.Reload) {
			applyReload(r.Diff, r.New, level, catalog, personaTargets)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
			watcher = nil
		}
	}

	printStartupSummary(cfg)

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				slog.Warn("config file watch stopped, SIGHUP still reloads", "err", err)
			}
			return nil
		})
		g.Go(func() error {
			reloadOnHangup(gctx, watcher)
			return nil
		})
	}
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			slog.Info("listening", "addr", httpSrv.Addr, "tls", true)
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", httpSrv.Addr)
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		return shutdown(cfg.Server.ShutdownTimeout, hc, mgr, wsSrv, httpSrv, tel)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// shutdown drains in dependency order: readiness first so no new clients
// arrive, then sessions and their upstreams, then client sockets, then HTTP
// and telemetry.
func shutdown(timeout time.Duration, hc *health.Handler, mgr *relay.Manager, wsSrv *wsrelay.Server, httpSrv *http.Server, tel *observe.Telemetry) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	hc.SetDraining()

	var errs []error
	if err := mgr.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}
	if err := wsSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket: %w", err))
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config reload on SIGHUP rejected, keeping current config", "err", err)
			}
		}
	}
}

// applyReload pushes the hot-reloadable parts of a config change into the
// running components.
func applyReload(d config.ConfigDiff, cfg *config.Config, level *slog.LevelVar, catalog *web.Catalog, targets []config.PersonaUpdater) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CharactersChanged {
		catalog.Set(cfg.CharacterNames())
		personas := config.Personas(cfg.Characters)
		for _, t := range targets {
			if err := t.SetPersonas(personas); err != nil {
				slog.Error("characters not applied to upstream, keeping previous personas", "err", err)
			}
		}
		for _, c := range d.CharacterChanges {
			slog.Info("character updated",
				"name", c.Name,
				"added", c.Added,
				"removed", c.Removed,
				"voice_changed", c.VoiceChanged,
				"instructions_changed", c.InstructionsChanged,
			)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// staticBundle returns the client bundle at dir, or nil when the directory
// does not exist.
func staticBundle(dir string) fs.FS {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		slog.Warn("static client bundle not found, serving API only", "static_dir", dir)
		return nil
	}
	return os.DirFS(dir)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxbridge — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Upstream", upstreamSummary(cfg.Upstream.ProviderEntry))
	for i, fb := range cfg.Upstream.Fallbacks {
		printRow(fmt.Sprintf("Fallback %d", i+1), upstreamSummary(fb))
	}
	printRow("Characters", fmt.Sprintf("%d", len(cfg.Characters)))
	printRow("Default", cfg.Relay.DefaultCharacter)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func upstreamSummary(e config.ProviderEntry) string {
	if e.Model != "" {
		return e.Label() + " / " + e.Model
	}
	return e.Label()
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}

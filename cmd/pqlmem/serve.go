package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/saltyorg/pqlmem"
	"github.com/saltyorg/pqlmem/internal/auth"
	"github.com/saltyorg/pqlmem/internal/config"
	"github.com/saltyorg/pqlmem/internal/logging"
	"github.com/saltyorg/pqlmem/internal/metrics"
	"github.com/saltyorg/pqlmem/internal/notification"
	"github.com/saltyorg/pqlmem/internal/reaper"
	"github.com/saltyorg/pqlmem/internal/web"
	"github.com/saltyorg/pqlmem/internal/web/handlers"
	"github.com/saltyorg/pqlmem/internal/web/middleware"
	"github.com/saltyorg/pqlmem/internal/web/sse"
)

type serveFlags struct {
	engine      engineFlags
	notify      notifyFlags
	port        int
	bind        string
	allowSubnet string
	apiKey      string
	metrics     bool

	ttl             time.Duration
	reapSchedule    string
	reapParallelism int
	retention       time.Duration

	// Timeout flags (advanced)
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	reapTimeout     time.Duration
}

func newServeCmd() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API daemon",
		Long:  `Run the engine behind an HTTP API, record every database in the catalog and reap databases that outlive --ttl.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f)
		},
	}

	f.engine.register(cmd.Flags())
	f.notify.register(cmd.Flags())
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "HTTP server port (required, or set PQLMEM_PORT env var)")
	cmd.Flags().StringVarP(&f.bind, "bind", "b", "", "IP address to bind to (e.g., 127.0.0.1, 0.0.0.0)")
	cmd.Flags().StringVarP(&f.allowSubnet, "allow-subnet", "a", "", "Comma separated CIDR subnets allowed to connect (e.g., 192.168.1.0/24,10.0.0.0/8)")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "Require this X-API-Key on every request (or set PQLMEM_API_KEY; overrides a key stored with 'pqlmem apikey generate')")

	cmd.Flags().BoolVar(&f.metrics, "metrics", true, "Expose Prometheus metrics on /metrics (PQLMEM_METRICS)")
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "Drop databases older than this (PQLMEM_REAPER_TTL, 0 disables)")
	cmd.Flags().StringVar(&f.reapSchedule, "reap-schedule", reaper.DefaultSchedule, "Cron schedule for the reaper (PQLMEM_REAPER_SCHEDULE)")
	cmd.Flags().IntVar(&f.reapParallelism, "reap-parallelism", reaper.DefaultParallelism, "Concurrent drops per reaper pass (PQLMEM_REAPER_PARALLELISM)")
	cmd.Flags().DurationVar(&f.retention, "retention", reaper.DefaultRetention, "Keep dropped catalog records this long (PQLMEM_REAPER_RETENTION, 0 keeps forever)")

	defaults := config.DefaultTimeoutConfig()
	cmd.Flags().DurationVar(&f.requestTimeout, "request-timeout", defaults.Request, "Timeout for a single API request")
	cmd.Flags().DurationVar(&f.shutdownTimeout, "shutdown-timeout", defaults.Shutdown, "Timeout for graceful shutdown")
	cmd.Flags().DurationVar(&f.reapTimeout, "reap-timeout", defaults.Reap, "Timeout for a single reaper pass")

	return cmd
}

func runServe(cmd *cobra.Command, f *serveFlags) error {
	cat, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer cat.Close()

	loader := settingsLoader(cat)
	setupLogging(cmd, loader, logging.FilePathForCatalog(cat.Path()))

	changed := cmd.Flags().Changed
	if !changed("port") {
		f.port = loader.Int("port", f.port)
	}
	if !changed("bind") {
		f.bind = loader.String("bind", f.bind)
	}
	if !changed("allow-subnet") {
		f.allowSubnet = loader.String("allow_subnet", f.allowSubnet)
	}
	if !changed("api-key") {
		f.apiKey = loader.String("api_key", f.apiKey)
	}
	if !changed("metrics") {
		f.metrics = loader.Bool("metrics", f.metrics)
	}
	if !changed("ttl") {
		f.ttl = loader.Duration("reaper.ttl", f.ttl)
	}
	if !changed("reap-schedule") {
		f.reapSchedule = loader.String("reaper.schedule", f.reapSchedule)
	}
	if !changed("reap-parallelism") {
		f.reapParallelism = loader.Int("reaper.parallelism", f.reapParallelism)
	}
	if !changed("retention") {
		f.retention = loader.Duration("reaper.retention", f.retention)
	}

	if f.port == 0 {
		return fmt.Errorf("--port flag or PQLMEM_PORT environment variable is required")
	}
	if f.bind != "" {
		if ip := net.ParseIP(f.bind); ip == nil {
			return fmt.Errorf("invalid bind address: %s", f.bind)
		}
	}
	allowedNets, err := middleware.ParseSubnets(f.allowSubnet)
	if err != nil {
		return fmt.Errorf("invalid --allow-subnet: %w", err)
	}

	opts, err := f.engine.options(cmd, loader)
	if err != nil {
		return err
	}

	config.SetGlobalTimeouts(&config.TimeoutConfig{
		Request:  f.requestTimeout,
		Shutdown: f.shutdownTimeout,
		Reap:     f.reapTimeout,
	})

	if (f.bind == "" || f.bind == "0.0.0.0" || f.bind == "::") && f.allowSubnet == "" {
		log.Warn().Msg("Server is accessible from all interfaces without subnet restrictions. Consider using --bind or --allow-subnet for security.")
	}

	notifier, err := f.notify.manager(cmd, loader)
	if err != nil {
		return err
	}
	var ledger pqlmem.Recorder = cat
	if notifier != nil {
		defer notifier.Stop()
		ledger = notification.NewRecorder(notifier, cat)
	}
	var mtr *metrics.Metrics
	if f.metrics {
		mtr = metrics.New()
		ledger = mtr.NewRecorder(ledger)
	}

	broker := sse.NewBroker()
	defer broker.Stop()
	mgr, err := pqlmem.New(opts, pqlmem.WithRecorder(sse.NewRecorder(broker, ledger)))
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Int("port", f.port).
		Str("bind", f.bind).
		Str("allow_subnet", f.allowSubnet).
		Str("catalog", cat.Path()).
		Str("engine", string(mgr.Options().Type)).
		Msg("Starting pqlmem")

	apiKeys, err := auth.NewAPIKeyServiceFromKey(cat, f.apiKey)
	if err != nil {
		return err
	}
	if enabled, err := apiKeys.Enabled(); err != nil {
		return err
	} else if !enabled {
		log.Warn().Msg("No API key configured; the API is open to every allowed client")
	}

	rp := reaper.New(cat, mgr, reaper.Config{
		TTL:         f.ttl,
		Schedule:    f.reapSchedule,
		Parallelism: f.reapParallelism,
		Retention:   f.retention,
		Timeout:     f.reapTimeout,
	})
	if err := rp.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}
	defer rp.Stop()

	h := handlers.New(mgr, handlers.VersionInfo{Version: version, Commit: commit, Date: date})
	h.SetCatalog(cat)
	h.SetReaper(rp)

	server := web.NewServer(mgr, broker, f.port, f.bind, allowedNets)
	server.SetAPIKeyService(apiKeys)
	if mtr != nil {
		mtr.ObserveManager(mgr)
		server.SetMetrics(mtr)
	}
	server.SetHandlers(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	serveErr := server.Start(ctx)

	rp.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), f.shutdownTimeout)
	defer stopCancel()
	if err := mgr.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop engine")
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}

	log.Info().Msg("pqlmem stopped")
	return nil
}

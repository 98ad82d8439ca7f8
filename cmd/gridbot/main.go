package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"gridbot/internal/alert"
	"gridbot/internal/api"
	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/infrastructure/metrics"
	"gridbot/internal/store"
	"gridbot/internal/worker"
	"gridbot/pkg/liveserver"
	"gridbot/pkg/logging"
	"gridbot/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gridbot version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobalLogger(logger)

	logger.Info("starting gridbot", "version", version, "provider", cfg.Exchange.Provider)

	tel, err := telemetry.Setup("gridbot")
	if err != nil {
		logger.Warn("telemetry setup failed, continuing without metrics", "error", err.Error())
	}

	st, err := store.NewSQLiteStore(cfg.Store.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open store", "path", cfg.Store.DatabasePath, "error", err.Error())
	}
	defer st.Close()

	var cipher *config.Cipher
	if cfg.System.CredentialsEncryptionKey.Reveal() != "" {
		cipher, err = config.NewCipher(cfg.System.CredentialsEncryptionKey)
		if err != nil {
			logger.Fatal("invalid credentials encryption key", "error", err.Error())
		}
	}

	clock := core.SystemClock{}
	factory := exchange.NewFactory(cfg, cipher, logger)

	alerts := alert.NewManager(clock, logger)
	if url := cfg.Alerting.SlackWebhookURL.Reveal(); url != "" {
		alerts.AddChannel(alert.NewSlackChannel(url))
	}
	if token := cfg.Alerting.TelegramBotToken.Reveal(); token != "" {
		alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerting.TelegramChatID))
	}

	sched := worker.NewScheduler(cfg, worker.Deps{
		Store:   st,
		Factory: factory,
		Alerts:  alerts,
		Clock:   clock,
		Logger:  logger,
	})

	hub := liveserver.NewHub(logger)
	poller := api.NewStatusPoller(st, hub, clock, logger, cfg.Worker.TickInterval)

	apiServer := api.NewServer(api.Deps{
		Store:            st,
		Factory:          factory,
		Cipher:           cipher,
		Clock:            clock,
		Logger:           logger,
		OnAccountDeleted: sched.EvictAccount,
		Live:             liveserver.NewHandler(hub, logger, []string{"*"}),
	})

	httpServer := &http.Server{
		Addr:    cfg.System.APIListenAddr,
		Handler: apiServer.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, logger, sched.PoolStats)
		metricsServer.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("api server listening", "addr", cfg.System.APIListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Worker.Enabled {
		sched.Start(ctx)
	} else {
		logger.Warn("worker disabled, running api only")
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if cfg.Worker.Enabled {
		sched.Stop()
	}
	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", "error", err.Error())
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Stop(shutdownCtx)
		cancel()
	}
	if tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tel.Shutdown(shutdownCtx)
		cancel()
	}
	logger.Info("gridbot stopped")
}

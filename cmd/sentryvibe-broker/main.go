package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/codyde/sentryvibe/internal/broker/api"
	"github.com/codyde/sentryvibe/internal/broker/auth"
	"github.com/codyde/sentryvibe/internal/broker/db"
	"github.com/codyde/sentryvibe/internal/broker/dispatch"
	"github.com/codyde/sentryvibe/internal/broker/events"
	"github.com/codyde/sentryvibe/internal/broker/maintenance"
	"github.com/codyde/sentryvibe/internal/broker/metrics"
	"github.com/codyde/sentryvibe/internal/broker/ports"
	"github.com/codyde/sentryvibe/internal/broker/registry"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
	"github.com/codyde/sentryvibe/internal/broker/runnerkeys"
	"github.com/codyde/sentryvibe/internal/broker/websocket"
	"github.com/codyde/sentryvibe/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr    string
	dbDriver    string
	dbDSN       string
	hmacSecret  string
	localMode   bool
	localSecret string
	jwtPrivKey  string
	jwtPubKey   string
	jwtIssuer   string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "sentryvibe-broker",
		Short: "SentryVibe broker — central orchestrator for build and dev-server runners",
		Long: `The SentryVibe broker accepts runner attachments over WebSocket,
dispatches build and dev-server commands to them, routes their event
streams to UI subscribers, and keeps project state in the database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("SENTRYVIBE_HTTP_ADDR", ":8080"), "HTTP API and runner attach listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("SENTRYVIBE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("SENTRYVIBE_DB_DSN", "./sentryvibe.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.hmacSecret, "hmac-secret", envOrDefault("SENTRYVIBE_HMAC_SECRET", ""), "Secret keying the runner-key hashes (required)")
	root.PersistentFlags().BoolVar(&cfg.localMode, "local-mode", os.Getenv("SENTRYVIBE_LOCAL_MODE") == "true", "Single-user mode: no JWT required, runners attach with the shared local secret")
	root.PersistentFlags().StringVar(&cfg.localSecret, "local-secret", envOrDefault("SENTRYVIBE_LOCAL_SECRET", ""), "Shared runner secret for local mode")
	root.PersistentFlags().StringVar(&cfg.jwtPrivKey, "jwt-private-key", envOrDefault("SENTRYVIBE_JWT_PRIVATE_KEY", ""), "Path to the RS256 private key PEM (ignored in local mode)")
	root.PersistentFlags().StringVar(&cfg.jwtPubKey, "jwt-public-key", envOrDefault("SENTRYVIBE_JWT_PUBLIC_KEY", ""), "Path to the RS256 public key PEM (ignored in local mode)")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("SENTRYVIBE_JWT_ISSUER", "sentryvibe"), "Issuer claim on minted access tokens")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("SENTRYVIBE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sentryvibe-broker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.hmacSecret == "" {
		return fmt.Errorf("hmac secret is required — set --hmac-secret or SENTRYVIBE_HMAC_SECRET")
	}
	if cfg.localMode && cfg.localSecret == "" {
		return fmt.Errorf("local mode needs a shared secret — set --local-secret or SENTRYVIBE_LOCAL_SECRET")
	}
	if !cfg.localMode && (cfg.jwtPrivKey == "" || cfg.jwtPubKey == "") {
		return fmt.Errorf("hosted mode needs an RS256 key pair — set --jwt-private-key and --jwt-public-key")
	}

	logger.Info("starting sentryvibe broker",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.Bool("local_mode", cfg.localMode),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}

	projectRepo := repositories.NewProjectRepository(database)
	messageRepo := repositories.NewMessageRepository(database)
	processRepo := repositories.NewRunningProcessRepository(database)
	portRepo := repositories.NewPortAllocationRepository(database)
	keyRepo := repositories.NewRunnerKeyRepository(database)

	localSecret := ""
	if cfg.localMode {
		localSecret = cfg.localSecret
	}
	keys, err := runnerkeys.New(keyRepo, []byte(cfg.hmacSecret), localSecret, logger)
	if err != nil {
		return err
	}

	mets := metrics.New()

	hub := websocket.NewHub()
	go hub.Run(ctx)

	// The bridge is constructed after the event router, but runner presence
	// callbacks fire as soon as the attach endpoint is serving. The indirect
	// reference closes that gap.
	var bridge *websocket.Bridge
	reg := registry.New(logger, func(runnerID string, online bool) {
		if bridge != nil {
			bridge.PublishPresence(runnerID, online)
		}
	})

	disp := dispatch.New(reg, logger, dispatch.Options{
		Observe: func(cmdType protocol.CommandType, outcome string) {
			mets.CommandsDispatched.WithLabelValues(string(cmdType), outcome).Inc()
		},
	})

	router := events.NewRouter(logger, disp, reg, events.Stores{
		Projects:  projectRepo,
		Processes: processRepo,
		Messages:  messageRepo,
		Ports:     portRepo,
	})
	router.SetObserver(
		func(t protocol.EventType) { mets.EventsRouted.WithLabelValues(string(t)).Inc() },
		mets.SubscribersDropped.Inc,
	)

	bridge = websocket.NewBridge(hub, router, logger)
	go bridge.Run(ctx)

	alloc := ports.NewAllocator(portRepo, logger)
	if err := alloc.Sweep(ctx); err != nil {
		logger.Warn("startup port sweep failed", zap.Error(err))
	}

	janitor, err := maintenance.New(maintenance.Deps{
		Registry:  reg,
		Dispatch:  disp,
		Events:    router,
		Ports:     alloc,
		PortsRepo: portRepo,
		Hub:       hub,
		Metrics:   mets,
	}, logger)
	if err != nil {
		return err
	}
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop() //nolint:errcheck

	var jwtMgr *auth.JWTManager
	if cfg.localMode {
		jwtMgr, err = auth.NewJWTManagerGenerated(cfg.jwtIssuer)
	} else {
		jwtMgr, err = auth.NewJWTManagerFromFiles(cfg.jwtPrivKey, cfg.jwtPubKey, cfg.jwtIssuer)
	}
	if err != nil {
		return err
	}

	handler := api.NewRouter(api.RouterConfig{
		Keys:      keys,
		Registry:  reg,
		Dispatch:  disp,
		Router:    router,
		Ports:     alloc,
		Hub:       hub,
		JWT:       jwtMgr,
		Metrics:   mets,
		Logger:    logger,
		Projects:  projectRepo,
		Messages:  messageRepo,
		Processes: processRepo,
		LocalMode: cfg.localMode,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down sentryvibe broker")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

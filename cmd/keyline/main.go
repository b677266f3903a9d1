package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/keyline-io/keyline/internal/api"
	"github.com/keyline-io/keyline/internal/auth"
	"github.com/keyline-io/keyline/internal/bus"
	"github.com/keyline-io/keyline/internal/config"
	"github.com/keyline-io/keyline/internal/gateway"
	"github.com/keyline-io/keyline/internal/logging"
	"github.com/keyline-io/keyline/internal/licensing"
	"github.com/keyline-io/keyline/internal/scheduler"
	"github.com/keyline-io/keyline/internal/store"
	"github.com/keyline-io/keyline/internal/token"
	"github.com/keyline-io/keyline/pkg/audit"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "keyline",
	Short:   "Keyline - software license issuance and validation server",
	Long:    `Keyline issues, validates, and revokes software licenses for installed applications, with signed offline tokens and a real-time admin gateway`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashpwCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Keyline %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var hashpwCmd = &cobra.Command{
	Use:   "hashpw <password>",
	Short: "Hash an admin password for KEYLINE_ADMIN_PASS_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.ValidatePasswordComplexity(args[0]); err != nil {
			return err
		}
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs, before config is available.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "keyline",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings.
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "keyline",
	})

	log.Info().Str("version", Version).Msg("Starting Keyline license server")

	auditLogger, err := audit.NewSQLiteLogger(audit.SQLiteLoggerConfig{
		DataDir:       cfg.DataDir,
		RetentionDays: cfg.AuditRetentionDays,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audit log")
	}
	audit.SetLogger(auditLogger)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open license store")
	}

	codec, err := token.NewCodec(token.Config{
		Secret:     cfg.SigningSecret,
		RefreshSet: st,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize token codec")
	}

	eventBus := bus.New(0)
	svc := licensing.NewService(st, codec, eventBus, nil, audit.GetLogger())

	// Replay recent mutations so reconnecting admin consoles catch up.
	svc.RecoverEvents(time.Hour)

	gw := gateway.New(svc, eventBus, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(svc, eventBus, scheduler.Config{
		WarnLevels: cfg.WarnLevels,
		WarnAt:     cfg.WarnAt,
		Location:   cfg.Location(),
	})

	router := api.NewRouter(cfg, svc, gw)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: WebSocket connections are long-lived.
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// Unwinds on a signal or on server failure, in dependency order.
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		sched.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown did not complete cleanly")
		}

		gw.Shutdown()
		router.Close()
		return nil
	})

	sched.Start(gctx)

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
	}

	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close license store")
	}
	if err := audit.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close audit log")
	}

	log.Info().Msg("Shutdown complete")
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/auth"
	"github.com/MarcoPoloResearchLab/chatsync/internal/chats"
	"github.com/MarcoPoloResearchLab/chatsync/internal/completion"
	"github.com/MarcoPoloResearchLab/chatsync/internal/config"
	"github.com/MarcoPoloResearchLab/chatsync/internal/cvr"
	"github.com/MarcoPoloResearchLab/chatsync/internal/database"
	"github.com/MarcoPoloResearchLab/chatsync/internal/logging"
	"github.com/MarcoPoloResearchLab/chatsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/chatsync/internal/notify"
	"github.com/MarcoPoloResearchLab/chatsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/chatsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatsync-api",
		Short: "Offline-first chat sync backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newClientGroupsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to send the session cookie cross-site")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Int("snapshot-cache-size", defaults.GetInt("snapshots.cache_size"), "Maximum cached CVR snapshots")
	cmd.PersistentFlags().Duration("snapshot-ttl", defaults.GetDuration("snapshots.ttl"), "Lifetime of a cached CVR snapshot")
	cmd.PersistentFlags().Int("pull-max-attempts", defaults.GetInt("pull.max_attempts"), "Attempts per pull before degrading to an empty patch")
	cmd.PersistentFlags().Int("completion-buffer-size", defaults.GetInt("completion.buffer_size"), "Buffered chunks between generator and stream")
	cmd.PersistentFlags().Bool("metrics-enabled", defaults.GetBool("metrics.enabled"), "Expose Prometheus metrics on /metrics")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "snapshots.cache_size", "snapshot-cache-size")
	bindFlag(cmd, "snapshots.ttl", "snapshot-ttl")
	bindFlag(cmd, "pull.max_attempts", "pull-max-attempts")
	bindFlag(cmd, "completion.buffer_size", "completion-buffer-size")
	bindFlag(cmd, "metrics.enabled", "metrics-enabled")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, zap.String("service", "chatsync-api"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	snapshots, err := cvr.NewLRUCache(appConfig.SnapshotCacheSize, appConfig.SnapshotTTL)
	if err != nil {
		return err
	}

	syncConfig := reconcile.ServiceConfig{
		Database:        db,
		Snapshots:       snapshots,
		Handlers:        chats.Handlers(),
		Collections:     chats.Collections(),
		Clock:           time.Now,
		Logger:          logger,
		MaxPullAttempts: appConfig.PullMaxAttempts,
	}
	var metricsHandler http.Handler
	if appConfig.MetricsEnabled {
		registry, err := metrics.NewMetrics()
		if err != nil {
			return err
		}
		registry.RegisterSnapshotCache(snapshots)
		syncConfig.Metrics = registry
		metricsHandler = registry.Handler()
	}

	syncService, err := reconcile.NewService(syncConfig)
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(0)

	completions, err := completion.NewService(completion.ServiceConfig{
		Database:   db,
		Generator:  completion.EchoGenerator{Delay: 20 * time.Millisecond},
		Publisher:  dispatcher,
		BufferSize: appConfig.CompletionBufferSize,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		SyncService:      syncService,
		Completions:      completions,
		Notifier:         dispatcher,
		Metrics:          metricsHandler,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

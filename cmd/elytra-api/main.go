package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/config"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/database"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/server"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "elytra-api",
		Short:        "Elytra document presence and sync service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newPresenceCommand(), newSessionCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for cross-instance fan-out")
	cmd.PersistentFlags().String("presence-backend", defaults.GetString("presence.backend"), "Presence store (sql, memory)")
	cmd.PersistentFlags().String("base-url", defaults.GetString("client.base_url"), "API base URL used by the session client")
	cmd.PersistentFlags().String("token", "", "Session token used by the session client")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "realtime.redis_address", "redis-address")
	bindFlag(cmd, "presence.backend", "presence-backend")
	bindFlag(cmd, "client.base_url", "base-url")
	bindFlag(cmd, "client.token", "token")
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

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func newPresenceStore(appConfig config.AppConfig, db *gorm.DB) (presence.Store, error) {
	if appConfig.Presence.Backend == config.PresenceBackendMemory {
		return presence.NewMemoryStore()
	}
	return presence.NewSQLStore(db)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metrics.New()
	dispatcher := realtime.NewDispatcher(realtime.WithObserver(registry))

	var publisher realtime.Publisher = dispatcher
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
		bridge, err := realtime.NewRedisBridge(realtime.RedisBridgeConfig{
			Client:        redisClient,
			Local:         dispatcher,
			ChannelPrefix: appConfig.RedisChannelPrefix,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		publisher = bridge
		go func() {
			if err := bridge.Run(signalCtx); err != nil {
				logger.Error("redis relay stopped", zap.Error(err))
			}
		}()
		logger.Info("redis fan-out enabled", zap.String("address", appConfig.RedisAddress))
	}

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: documents.NewUUIDProvider(),
		Publisher:  publisher,
		Observer:   registry,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	presenceStore, err := newPresenceStore(appConfig, db)
	if err != nil {
		return err
	}
	presenceService, err := presence.NewService(presence.ServiceConfig{
		Store:               presenceStore,
		Clock:               time.Now,
		Publisher:           publisher,
		Observer:            registry,
		Logger:              logger,
		StalenessThreshold:  appConfig.Presence.StalenessThreshold,
		CursorRatePerSecond: appConfig.Presence.CursorRatePerSecond,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
		Leeway:        appConfig.TAuthLeeway,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Profiles:         userService,
		Documents:        documentsService,
		Presence:         presenceService,
		Realtime:         dispatcher,
		Metrics:          registry,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("presence_backend", appConfig.Presence.Backend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

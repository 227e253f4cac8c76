package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/config"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/conversation"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/database"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/exchange"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/media"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/memory"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/persona"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/progression"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/relationship"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/server"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/tasks"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/users"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	shutdownTimeout    = 10 * time.Second
	voiceClientTimeout = 20 * time.Second
	redisPingTimeout   = 3 * time.Second
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "companion-api",
		Short: "Companion chat backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	}
	rootCmd.AddCommand(migrateCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("allowed-origins", "", "Comma-separated browser origins allowed to call the API with credentials")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

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

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func() error, error) {
	db, err := database.Open(database.Config{
		Driver:        appConfig.DatabaseDriver,
		Path:          appConfig.DatabasePath,
		DSN:           appConfig.DatabaseDSN,
		QuotaLocation: appConfig.QuotaLocation,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, sqlDB.Close, nil
}

func runMigrations() error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	_, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	return closeDB()
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

	if !appConfig.GenerationConfigured() {
		return errors.New("generation.api_key and generation.model are required")
	}

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB() //nolint:errcheck

	idProvider := ids.NewUUIDProvider()
	ladder := progression.DefaultLadder()
	recorder := metrics.NewRecorder()

	catalog, err := persona.NewStore(persona.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	relationships, err := relationship.NewStore(relationship.StoreConfig{
		Database: db,
		Ladder:   ladder,
		Location: appConfig.QuotaLocation,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	wallet, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	memories, err := memory.NewStore(memory.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	exchanges, err := exchange.NewStore(exchange.StoreConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return err
	}
	identities, err := users.NewService(users.ServiceConfig{
		Database:    db,
		Logger:      logger,
		OnFirstSeen: wallet.WelcomeBonus(appConfig.WelcomeBonus),
	})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	chatModel, err := generation.NewArkModel(ctx, generation.ArkConfig{
		APIKey:      appConfig.GenerationAPIKey,
		Model:       appConfig.GenerationModel,
		BaseURL:     appConfig.GenerationBaseURL,
		Region:      appConfig.GenerationRegion,
		MaxTokens:   appConfig.GenerationMaxTokens,
		Temperature: appConfig.GenerationTemperature,
	})
	if err != nil {
		return err
	}
	generator, err := generation.NewAdapter(generation.AdapterConfig{
		Model:        chatModel,
		Timeout:      appConfig.GenerationTimeout,
		HistoryLimit: appConfig.GenerationHistoryLimit,
		BreakerName:  "ark:" + appConfig.GenerationModel,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	limiter := ratelimit.Unlimited()
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		defer redisClient.Close() //nolint:errcheck
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, rate limiting fails open until it recovers", zap.Error(err))
		}
		cancel()
		limiter = ratelimit.New(ratelimit.Config{
			Counter: ratelimit.NewRedisCounter(redisClient),
			Limit:   appConfig.RateLimitMessages,
			Window:  appConfig.RateLimitWindow,
			Logger:  logger,
		})
	}

	runner, err := tasks.NewRunner(tasks.RunnerConfig{
		Size:   appConfig.TaskPoolSize,
		Logger: logger,
		OnDrop: recorder.TaskDropped,
	})
	if err != nil {
		return err
	}
	defer runner.Close() //nolint:errcheck

	var voice media.VoiceSynthesizer = media.Disabled{}
	if appConfig.VoiceEndpoint != "" {
		voice = media.NewHTTPSynthesizer(appConfig.VoiceEndpoint, &http.Client{Timeout: voiceClientTimeout})
	}

	dispatcher := server.NewRealtimeDispatcher()
	engine, err := conversation.NewEngine(conversation.Config{
		Catalog:       catalog,
		Relationships: relationships,
		Wallet:        wallet,
		Memories:      memories,
		Exchanges:     exchanges,
		Generator:     generator,
		Ladder:        ladder,
		IDProvider:    idProvider,
		Limiter:       limiter,
		Publisher:     dispatcher,
		Background:    runner,
		Voice:         voice,
		Metrics:       recorder,
		XPPerExchange: appConfig.XPPerExchange,
		HistoryLimit:  appConfig.GenerationHistoryLimit,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         engine,
		Catalog:        catalog,
		Relationships:  relationships,
		Wallet:         wallet,
		Memories:       memories,
		Sessions:       sessions,
		Users:          identities,
		Realtime:       dispatcher,
		Metrics:        recorder.Handler(),
		InternalAPIKey: appConfig.InternalAPIKey,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if appConfig.InternalAPIKey == "" {
		logger.Warn("internal.api_key is empty, internal routes are disabled")
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Gegcuk/QuizMaker-sub013/internal/generation"
	"github.com/Gegcuk/QuizMaker-sub013/internal/httpapi"
	"github.com/Gegcuk/QuizMaker-sub013/internal/quizengine"
	"github.com/Gegcuk/QuizMaker-sub013/internal/reservation"
	"github.com/Gegcuk/QuizMaker-sub013/internal/store/gormstore"
	"github.com/Gegcuk/QuizMaker-sub013/pkg/tokenledger"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagJWTSigningKey   = "jwt-signing-key"
	flagAllowedOrigins  = "allowed-origins"
	flagOpenAIAPIKey    = "openai-api-key"
	flagOpenAIBaseURL   = "openai-base-url"
	flagOpenAIModel     = "openai-model"
	flagReservationTTL  = "reservation-ttl"
	flagMinStartFee     = "min-start-fee-tokens"
	flagStalenessWindow = "staleness-window"
	flagSweepInterval   = "sweep-interval"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyJWTSigningKey   = "jwt_signing_key"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeyOpenAIAPIKey    = "openai_api_key"
	configKeyOpenAIBaseURL   = "openai_base_url"
	configKeyOpenAIModel     = "openai_model"
	configKeyReservationTTL  = "reservation_ttl"
	configKeyMinStartFee     = "min_start_fee_tokens"
	configKeyStalenessWindow = "staleness_window"
	configKeySweepInterval   = "sweep_interval"

	defaultDatabaseURL     = "sqlite:///tmp/quizmaker.db"
	defaultListenAddr      = ":8080"
	defaultReservationTTL  = 30 * time.Minute
	defaultMinStartFee     = int64(50)
	defaultStalenessWindow = 10 * time.Minute
	defaultSweepInterval   = time.Minute
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	JWTSigningKey   string
	AllowedOrigins  []string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	ReservationTTL  time.Duration
	MinStartFee     int64
	StalenessWindow time.Duration
	SweepInterval   time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quizmakerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "quizmakerd",
		Short:         "Quiz generation service with token billing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC key for bearer token validation")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagOpenAIAPIKey, "", "API key for the completion provider")
	cmd.Flags().String(flagOpenAIBaseURL, "", "Base URL for an OpenAI-compatible provider")
	cmd.Flags().String(flagOpenAIModel, "", "Completion model name")
	cmd.Flags().Duration(flagReservationTTL, defaultReservationTTL, "Token reservation time-to-live")
	cmd.Flags().Int64(flagMinStartFee, defaultMinStartFee, "Minimum tokens charged once work has started")
	cmd.Flags().Duration(flagStalenessWindow, defaultStalenessWindow, "Heartbeat age after which a job counts as abandoned")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "How often expired reservations are swept")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyJWTSigningKey:   "JWT_SIGNING_KEY",
		configKeyAllowedOrigins:  "ALLOWED_ORIGINS",
		configKeyOpenAIAPIKey:    "OPENAI_API_KEY",
		configKeyOpenAIBaseURL:   "OPENAI_BASE_URL",
		configKeyOpenAIModel:     "OPENAI_MODEL",
		configKeyReservationTTL:  "RESERVATION_TTL",
		configKeyMinStartFee:     "MIN_START_FEE_TOKENS",
		configKeyStalenessWindow: "STALENESS_WINDOW",
		configKeySweepInterval:   "SWEEP_INTERVAL",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyJWTSigningKey:   flagJWTSigningKey,
		configKeyAllowedOrigins:  flagAllowedOrigins,
		configKeyOpenAIAPIKey:    flagOpenAIAPIKey,
		configKeyOpenAIBaseURL:   flagOpenAIBaseURL,
		configKeyOpenAIModel:     flagOpenAIModel,
		configKeyReservationTTL:  flagReservationTTL,
		configKeyMinStartFee:     flagMinStartFee,
		configKeyStalenessWindow: flagStalenessWindow,
		configKeySweepInterval:   flagSweepInterval,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.OpenAIAPIKey = viper.GetString(configKeyOpenAIAPIKey)
	cfg.OpenAIBaseURL = viper.GetString(configKeyOpenAIBaseURL)
	cfg.OpenAIModel = viper.GetString(configKeyOpenAIModel)
	cfg.ReservationTTL = viper.GetDuration(configKeyReservationTTL)
	cfg.MinStartFee = viper.GetInt64(configKeyMinStartFee)
	cfg.StalenessWindow = viper.GetDuration(configKeyStalenessWindow)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return fmt.Errorf("openai api key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	operationLogger := &zapOperationLogger{logger: logger.Named("ledger")}

	ledgerService, err := tokenledger.NewService(
		gormstore.NewLedgerStore(gormDB),
		clock,
		tokenledger.WithOperationLogger(operationLogger),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	reservationService, err := reservation.NewService(
		gormstore.NewReservationStore(gormDB),
		clock,
		cfg.ReservationTTL,
		reservation.WithLedgerLogger(operationLogger),
	)
	if err != nil {
		return fmt.Errorf("reservation service init: %w", err)
	}

	contentStore := gormstore.NewContentStore(gormDB)
	estimator, err := quizengine.NewCostEstimator(contentStore)
	if err != nil {
		return fmt.Errorf("estimator init: %w", err)
	}
	engine, err := quizengine.NewEngine(quizengine.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Logger:  logger.Named("engine"),
	}, contentStore)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	jobStore := gormstore.NewJobStore(gormDB)
	orchestrator, err := generation.NewOrchestrator(
		jobStore,
		reservationService,
		estimator,
		engine,
		contentStore,
		logger.Named("orchestrator"),
		clock,
		generation.Config{
			MinStartFeeTokens: cfg.MinStartFee,
			StalenessWindow:   cfg.StalenessWindow,
		},
	)
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	sweeper, err := generation.NewSweeper(
		reservationService,
		jobStore,
		logger.Named("sweeper"),
		clock,
		cfg.SweepInterval,
		cfg.StalenessWindow,
		0,
	)
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}
	go sweeper.Run(ctx)

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  cfg.JWTSigningKey,
	}, logger.Named("http"), orchestrator, ledgerService, contentStore)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

// zapOperationLogger forwards ledger operation logs to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry tokenledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("reservation_id", entry.ReservationID.String()),
		zap.Int64("tokens", entry.Tokens),
		zap.String("purpose", entry.Purpose),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		adapter.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "quizmaker.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(
		&gormstore.TokenBalance{},
		&gormstore.TokenTransaction{},
		&gormstore.Reservation{},
		&gormstore.GenerationJob{},
		&gormstore.Document{},
		&gormstore.Quiz{},
		&gormstore.QuizQuestion{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

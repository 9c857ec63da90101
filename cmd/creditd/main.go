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

	"github.com/complyon/creditledger/internal/httpserver"
	"github.com/complyon/creditledger/internal/metrics"
	"github.com/complyon/creditledger/internal/oplog"
	"github.com/complyon/creditledger/internal/store/gormstore"
	"github.com/complyon/creditledger/pkg/creditledger"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagServiceTokenSecret = "service-token-secret"
	flagServiceTokenIssuer = "service-token-issuer"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookie      = "session-cookie"
	flagAllowedOrigins     = "allowed-origins"

	configKeyDatabaseURL        = "database_url"
	configKeyListenAddr         = "listen_addr"
	configKeyServiceTokenSecret = "service_token_secret"
	configKeyServiceTokenIssuer = "service_token_issuer"
	configKeySessionSigningKey  = "session_signing_key"
	configKeySessionIssuer      = "session_issuer"
	configKeySessionCookie      = "session_cookie"
	configKeyAllowedOrigins     = "allowed_origins"

	defaultDatabaseURL = "sqlite:///tmp/creditledger.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	ServiceTokenSecret string
	ServiceTokenIssuer string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookie      string
	AllowedOrigins     []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagServiceTokenSecret, "", "HMAC secret for internal service tokens")
	cmd.Flags().String(flagServiceTokenIssuer, "", "expected issuer of internal service tokens")
	cmd.Flags().String(flagSessionSigningKey, "", "signing key for user session cookies")
	cmd.Flags().String(flagSessionIssuer, "", "expected issuer of user session cookies")
	cmd.Flags().String(flagSessionCookie, "", "session cookie name")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:        "DATABASE_URL",
		configKeyListenAddr:         "LISTEN_ADDR",
		configKeyServiceTokenSecret: "SERVICE_TOKEN_SECRET",
		configKeyServiceTokenIssuer: "SERVICE_TOKEN_ISSUER",
		configKeySessionSigningKey:  "SESSION_SIGNING_KEY",
		configKeySessionIssuer:      "SESSION_ISSUER",
		configKeySessionCookie:      "SESSION_COOKIE",
		configKeyAllowedOrigins:     "ALLOWED_ORIGINS",
	}
	for configKey, envName := range envBindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:        flagDatabaseURL,
		configKeyListenAddr:         flagListenAddr,
		configKeyServiceTokenSecret: flagServiceTokenSecret,
		configKeyServiceTokenIssuer: flagServiceTokenIssuer,
		configKeySessionSigningKey:  flagSessionSigningKey,
		configKeySessionIssuer:      flagSessionIssuer,
		configKeySessionCookie:      flagSessionCookie,
		configKeyAllowedOrigins:     flagAllowedOrigins,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.ServiceTokenSecret = viper.GetString(configKeyServiceTokenSecret)
	cfg.ServiceTokenIssuer = viper.GetString(configKeyServiceTokenIssuer)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookie = viper.GetString(configKeySessionCookie)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)

	if cfg.ServiceTokenSecret == "" {
		return fmt.Errorf("service token secret is required")
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
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

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := creditledger.NewService(store, clock, creditledger.WithOperationLogger(oplog.NewZapLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	collector := metrics.NewCollector()

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:         cfg.ListenAddr,
		AllowedOrigins:     cfg.AllowedOrigins,
		ServiceTokenSecret: cfg.ServiceTokenSecret,
		ServiceTokenIssuer: cfg.ServiceTokenIssuer,
		SessionSigningKey:  cfg.SessionSigningKey,
		SessionIssuer:      cfg.SessionIssuer,
		SessionCookieName:  cfg.SessionCookie,
	}, logger, ledgerService, collector)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
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
			path = "creditledger.db"
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
	if err := db.AutoMigrate(&gormstore.CreditBalance{}, &gormstore.CreditEntry{}, &gormstore.CreditSettlement{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

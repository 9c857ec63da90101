package httpserver

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr         = ":8080"
	defaultAllowedOrigin      = "http://localhost:3000"
	defaultSessionIssuer      = "tauth"
	defaultSessionCookie      = "app_session"
	defaultServiceTokenIssuer = "creditledger"
	defaultWalletHistoryLimit = 10
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	ServiceTokenSecret string
	ServiceTokenIssuer string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	ShutdownTimeout    time.Duration
	WalletHistoryLimit int
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.ServiceTokenIssuer = defaultIfEmpty(cfg.ServiceTokenIssuer, defaultServiceTokenIssuer)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.WalletHistoryLimit <= 0 {
		cfg.WalletHistoryLimit = defaultWalletHistoryLimit
	}
	if strings.TrimSpace(cfg.ServiceTokenSecret) == "" {
		return fmt.Errorf("service token secret is required")
	}
	if strings.TrimSpace(cfg.SessionSigningKey) == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

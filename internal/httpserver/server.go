package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/complyon/creditledger/internal/metrics"
	"github.com/complyon/creditledger/pkg/creditledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Run boots the HTTP surface and blocks until ctx is cancelled or the server fails.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, ledger *creditledger.Service, collector *metrics.Collector) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	serverHandler := &handler{
		logger:  logger,
		ledger:  ledger,
		metrics: collector,
		cfg:     cfg,
	}

	router := setupRouter(cfg, serverHandler, collector, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditledger listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, serverHandler *handler, collector *metrics.Collector, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(collector.Middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(collector.Handler()))

	service := router.Group("/v1")
	service.Use(serviceAuth(cfg.ServiceTokenSecret, cfg.ServiceTokenIssuer))

	service.POST("/credits/reserve", serverHandler.handleReserve)
	service.POST("/credits/finalize", serverHandler.handleFinalize)
	service.GET("/credits/balance/:user_id", serverHandler.handleBalance)
	service.GET("/credits/entries/:user_id", serverHandler.handleEntries)
	service.POST("/credits/accounts", serverHandler.handleCreateAccount)
	service.POST("/credits/topup", serverHandler.handleTopUp)

	admin := service.Group("/admin")
	admin.Use(requireRole(roleAdmin))
	admin.POST("/adjust", serverHandler.handleAdjust)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(contextKeyAuthClaims))
	api.GET("/wallet", serverHandler.handleWallet)

	return router
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/fedverse/session-api/api/swagger"
	"github.com/fedverse/session-api/internal/handler"
	"github.com/fedverse/session-api/internal/middleware"
	"github.com/fedverse/session-api/internal/repository"
	"github.com/fedverse/session-api/internal/service"
	"github.com/fedverse/session-api/pkg/cache"
	"github.com/fedverse/session-api/pkg/config"
	"github.com/fedverse/session-api/pkg/database"
	"github.com/fedverse/session-api/pkg/logger"
	corsmiddleware "github.com/fedverse/session-api/pkg/middleware/cors"
	reqidmiddleware "github.com/fedverse/session-api/pkg/middleware/requestid"
)

// @title Session API
// @version 0.1.0
// @description Session and token lifecycle service
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, session reads will skip the cache", "error", err)
		redisClient = nil
	}

	issuer, err := service.NewTokenIssuer(service.TokenIssuerConfig{
		Secret:          cfg.Tokens.Secret,
		Issuer:          cfg.Tokens.Issuer,
		Audience:        cfg.Tokens.Audience,
		AccessLifetime:  cfg.Tokens.AccessLifetime,
		RefreshLifetime: cfg.Tokens.RefreshLifetime,
	})
	if err != nil {
		logr.Sugar().Fatalw("failed to init token issuer", "error", err)
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	auditRepo := repository.NewAuditRepository(db)
	auditSvc := service.NewAuditService(auditRepo, cfg.Audit, logr)
	auditSvc.Start(context.Background())
	defer auditSvc.Stop()

	var cacheRepo service.CacheRepository
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Sessions.AccountCacheTTL, logr, redisClient != nil)

	tokenRepo := repository.NewRefreshTokenRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	oauthRepo := repository.NewOAuthTokenRepository(db)

	sessionSvc := service.NewSessionService(tokenRepo, accountRepo, issuer, validate, logr, metricsSvc, auditSvc, cacheSvc, service.SessionConfig{
		RotationGrace:    cfg.Sessions.RotationGrace,
		RotationAttempts: cfg.Sessions.RotationAttempts,
	})
	oauthSvc := service.NewOAuthTokenService(oauthRepo, issuer, validate, logr, metricsSvc, auditSvc, cfg.Tokens.RefreshLifetime)

	sessionHandler := handler.NewSessionHandler(sessionSvc)
	oauthHandler := handler.NewOAuthHandler(oauthSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		api.POST("/session", sessionHandler.Create)
		api.GET("/session", middleware.AccessToken(issuer), sessionHandler.Get)
		api.POST("/session/refresh", middleware.RefreshToken(issuer), sessionHandler.Refresh)
		api.DELETE("/session", middleware.RefreshToken(issuer), sessionHandler.Delete)

		api.POST("/oauth/token", oauthHandler.Token)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

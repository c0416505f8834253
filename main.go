package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"quantum-server/internal/auth"
	"quantum-server/internal/cache"
	"quantum-server/internal/config"
	"quantum-server/internal/db"
	"quantum-server/internal/membership"
	"quantum-server/internal/middleware"
	"quantum-server/internal/observability"
	"quantum-server/internal/rabbitmq"
	"quantum-server/internal/repositories"
	"quantum-server/internal/telemetry"
	"quantum-server/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()
	shutdownTracing, err := observability.SetupTracing(ctx, "quantum-server", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer shutdownTracing(ctx)

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("redis unreachable, cache degraded to storage reads: %v", err)
	}

	if eventPublisher, err := observability.NewAMQPPublisher(cfg.AMQPURL, cfg.EventExchange); err != nil {
		log.Printf("ws event publishing disabled: %v", err)
	} else {
		observability.SetPublisher(eventPublisher)
		defer eventPublisher.Close()
	}

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AuditExchange)
	defer auditPublisher.Close()
	auditEmitter := telemetry.NewAuditEmitter(auditPublisher, "audit.commands", "quantum-server", cfg.Environment)

	userRepo := repositories.NewUserRepo(database)
	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	reactionRepo := repositories.NewReactionRepo(database)

	oracle := membership.NewOracle(chatRepo, userRepo)
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	history := cache.NewMessageCache(cache.NewRedisBackend(redisClient), cfg.CacheTTL, cfg.CacheSkipEmpty)

	hub := ws.NewHub()
	dispatcher := ws.NewDispatcher(hub, oracle, userRepo, chatRepo, messageRepo, reactionRepo, tokens, history, auditEmitter)
	wsHandler := ws.NewHandler(hub, dispatcher)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("quantum-server"))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.Handle)

	if cfg.DebugRoutes {
		authMiddleware := middleware.AuthMiddleware(tokens)
		router.GET("/debug/audit-test", authMiddleware, func(c *gin.Context) {
			userID := c.GetString("userID")
			auditEmitter.Emit(c.Request.Context(), "debug", "ok", "audit test", &userID)
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}

	log.Printf("listening on :%s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

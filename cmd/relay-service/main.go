package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cargolink-comms/internal/config"
	commsHandler "cargolink-comms/internal/handler/http/comms"
	wsHandler "cargolink-comms/internal/handler/ws"
	"cargolink-comms/internal/middleware"
	"cargolink-comms/internal/repository/postgres"
	"cargolink-comms/internal/service/history"
	"cargolink-comms/pkg/logger"
	"cargolink-comms/pkg/metrics"
)

func main() {
	cfg := config.Load()

	logger.InitDefault()
	defer logger.Sync()

	// 1. Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		PoolSize: 10,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal("redis connection failed", zap.String("addr", cfg.RedisAddr()), zap.Error(err))
	}
	cancel()
	defer redisClient.Close()
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr()))

	// 2. Connect to Postgres (optional)
	var callRepo *postgres.CallRepository
	if cfg.DBEnabled {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL())
		if err != nil {
			logger.Fatal("postgres connection failed", zap.Error(err))
		}
		defer pool.Close()
		callRepo = postgres.NewCallRepository(pool)
		logger.Info("connected to postgres", zap.String("host", cfg.DBHost))
	} else {
		logger.Info("postgres disabled, call history is in-memory only")
	}

	// 3. Services, metrics, hub
	hist := history.NewService()
	appMetrics := metrics.NewMetrics("relay-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	var callStore wsHandler.CallStore
	if callRepo != nil {
		callStore = callRepo
	}
	hub := wsHandler.NewHub(redisClient, hist, callStore, appMetrics)
	commsHdlr := commsHandler.NewHandler(hist, callRepo)

	// 4. Router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "relay-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/conversations/:id/messages", commsHdlr.GetMessages)
		v1.GET("/calls", commsHdlr.GetCalls)
		v1.GET("/calls/:id", commsHdlr.GetCall)
	}
	router.GET("/ws", hub.ServeWS)

	// 5. Serve with graceful shutdown
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("relay service starting", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}

// Package main is the entry point for the siteswarm analysis server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/agents"
	"github.com/siteswarm/siteswarm/internal/api"
	"github.com/siteswarm/siteswarm/internal/common/config"
	"github.com/siteswarm/siteswarm/internal/common/httpmw"
	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/common/tracing"
	"github.com/siteswarm/siteswarm/internal/gateway/websocket"
	"github.com/siteswarm/siteswarm/internal/swarm/blackboard"
	"github.com/siteswarm/siteswarm/internal/swarm/orchestrator"
	"github.com/siteswarm/siteswarm/internal/swarm/runctx"
)

const (
	runRetention    = time.Hour
	cleanupInterval = 10 * time.Minute
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting siteswarm server...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Run registry, optionally with Redis-backed blackboards
	limits := limitsFromConfig(cfg)
	registryOpts := runctx.Options{
		Limits:       &limits,
		TraceEnabled: cfg.Swarm.TraceEnabled,
		HistoryLimit: cfg.Swarm.HistoryLimit,
		Logger:       log,
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		log.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))

		registryOpts.Board = func(runID string) blackboard.Board {
			board, err := blackboard.NewRedis(ctx, blackboard.RedisOptions{
				Client:    rdb,
				KeyPrefix: cfg.Redis.KeyPrefix + ":" + runID,
				Logger:    log.WithRunID(runID),
			})
			if err != nil {
				log.Error("Redis board unavailable, falling back to memory",
					zap.String("run_id", runID), zap.Error(err))
				return blackboard.NewMemory(blackboard.MemoryOptions{
					HistoryLimit: cfg.Swarm.HistoryLimit,
					Logger:       log.WithRunID(runID),
				})
			}
			return board
		}
	}
	registry := runctx.NewRegistry(registryOpts)

	// 5. Build the agent roster and the orchestrator
	roster := agents.NewRoster(agents.Options{
		Logger:              log,
		AllowGlobalFallback: cfg.Swarm.AllowGlobalFallback,
	})
	orch, err := orchestrator.New(orchestrator.Options{
		Agents: roster,
		Logger: log,
	})
	if err != nil {
		log.Fatal("Failed to build orchestrator", zap.Error(err))
	}

	// 6. WebSocket hub for the event stream
	hub := websocket.NewHub(log)
	go hub.Run(ctx)
	broadcaster := websocket.NewBroadcaster(hub, log)

	// 7. Run service
	service := api.NewService(api.ServiceOptions{
		Registry:     registry,
		Orchestrator: orch,
		Broadcaster:  broadcaster,
		Logger:       log,
	})

	// 8. Evict finished runs in the background
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := registry.CleanupOldRuns(runRetention); n > 0 {
					log.Debug("Evicted finished runs", zap.Int("count", n))
				}
			}
		}
	}()

	// 9. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "siteswarm"))
	router.Use(httpmw.OtelTracing("siteswarm"))

	wsHandler := websocket.NewHandler(hub, log)
	api.SetupRoutes(router, service, wsHandler, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 10. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down siteswarm server...")
	cancel()
	service.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("siteswarm server stopped")
}

// limitsFromConfig maps configured seconds onto run limits, keeping the
// defaults for anything unset.
func limitsFromConfig(cfg *config.Config) runctx.Limits {
	limits := runctx.DefaultLimits()
	if cfg.Limits.LLMConcurrency > 0 {
		limits.LLMConcurrency = cfg.Limits.LLMConcurrency
	}
	if cfg.Limits.ScrapeConcurrency > 0 {
		limits.ScrapeConcurrency = cfg.Limits.ScrapeConcurrency
	}
	if cfg.Limits.TotalTimeout > 0 {
		limits.TotalTimeout = time.Duration(cfg.Limits.TotalTimeout) * time.Second
	}
	if cfg.Limits.AgentTimeout > 0 {
		limits.AgentTimeout = time.Duration(cfg.Limits.AgentTimeout) * time.Second
	}
	if cfg.Limits.LLMTimeout > 0 {
		limits.LLMTimeout = time.Duration(cfg.Limits.LLMTimeout) * time.Second
	}
	if cfg.Limits.ScrapeTimeout > 0 {
		limits.ScrapeTimeout = time.Duration(cfg.Limits.ScrapeTimeout) * time.Second
	}
	return limits
}

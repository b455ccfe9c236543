package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"yahtzee/internal/infrastructure/distributed"
	"yahtzee/internal/infrastructure/middleware"
	"yahtzee/internal/infrastructure/monitoring"
	"yahtzee/internal/infrastructure/repositories"
	"yahtzee/internal/infrastructure/signal"
	"yahtzee/pkg/config"
	"yahtzee/pkg/logger"
	"yahtzee/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/yahtzee/config.yaml",
	"config.yaml",
}

func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.Load(explicit)
		return cfg, explicit, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "path", source, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if source != "" {
		log.Infow("loaded config", "path", source)
	} else {
		log.Info("no config file found, using defaults")
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "yahtzee-signal",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("YAHTZEE_ENV"),
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	defer repoFactory.Close()
	registry := repoFactory.CreateIdentityRegistry()

	serverCfg := signal.ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		IdentityTTL:    cfg.Signal.IdentityTTL,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		serverCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		serverCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := signal.NewWebSocketServer(serverCfg, registry, log)

	var bus *distributed.EventBus
	if repoFactory.Shared() {
		bus = distributed.NewEventBus(repoFactory.RedisClient(), wsServer.InstanceID(), log)
		wsServer.SetRelay(bus)
		log.Infow("cross-instance relay enabled", "instance_id", wsServer.InstanceID())
	}

	if cfg.Monitoring.PrometheusEnabled {
		wsServer.SetMetrics(monitoring.NewBrokerCollector(prometheus.DefaultRegisterer))
	}

	health := monitoring.NewHealthChecker(log)
	health.AddRegistryCheck(registry, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	if bus != nil {
		health.AddCheck("signal_relay", bus.Healthy, 10*time.Second, time.Second)
	}
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogger(zapLogger),
		middleware.ErrorHandlerMiddleware(log),
		middleware.TracingMiddleware(),
	)

	router.GET("/ws", middleware.NewConnectionLimitMiddleware(cfg), gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/health", gin.WrapF(wsServer.HealthCheck))
	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:        cfg.Signal.Address,
		Handler:     router,
		ReadTimeout: cfg.Signal.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := wsServer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay subscription ended: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Infow("starting signaling server", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down signaling server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
		defer cancel()

		wsServer.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("server forced to shutdown", "error", err)
		}
		if bus != nil {
			if err := bus.Close(); err != nil {
				log.Warnw("failed to close event bus", "error", err)
			}
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("signaling server failed", "error", err)
	}
	log.Info("signaling server stopped")
}

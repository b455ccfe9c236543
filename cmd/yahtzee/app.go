package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"yahtzee/internal/core/ports"
	"yahtzee/internal/core/services"
	"yahtzee/internal/infrastructure/monitoring"
	"yahtzee/pkg/config"
	"yahtzee/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// app carries what every subcommand needs after flags are applied.
type app struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	metrics ports.SessionMetrics
	stop    func()
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if signalURL != "" {
		cfg.Signal.URL = signalURL
	}
	if playerName != "" {
		cfg.Session.PlayerName = playerName
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, "console")
	a := &app{
		cfg:  cfg,
		log:  zapLogger.Sugar(),
		stop: func() { zapLogger.Sync() },
	}

	if metricsAddr != "" && cfg.Monitoring.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		a.metrics = monitoring.NewSessionCollector(reg)

		mux := http.NewServeMux()
		mux.Handle(cfg.Monitoring.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warnw("metrics server stopped", "error", err)
			}
		}()
		prev := a.stop
		a.stop = func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(ctx)
			prev()
		}
	}
	return a, nil
}

func (a *app) sessionConfig() services.SessionConfig {
	s := a.cfg.Session
	return services.SessionConfig{
		HostPrefix:  s.HostPrefix,
		JoinTimeout: s.JoinTimeout,
		Liveness: services.LivenessPolicy{
			HeartbeatInterval:    s.HeartbeatInterval,
			CheckInterval:        s.CheckInterval,
			WarningThreshold:     s.WarningThreshold,
			HardTimeout:          s.HardTimeout,
			MaxReconnectAttempts: s.MaxReconnectAttempts,
			ReconnectGrace:       s.ReconnectGrace,
		},
		WatchTermination: true,
	}
}

func (a *app) syncConfig() services.SyncConfig {
	return services.SyncConfig{
		MaxPlayers: a.cfg.Session.MaxPlayers,
		RollDelay:  a.cfg.Session.RollDelay,
	}
}

func (a *app) newSession(transport ports.Transport) *services.Session {
	s := services.NewSession(a.sessionConfig(), transport, nil, a.log.Named("session"))
	if a.metrics != nil {
		s.SetMetrics(a.metrics)
	}
	return s
}

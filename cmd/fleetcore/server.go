package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentfleet/fleetcore"
	"github.com/agentfleet/fleetcore/config"
	"github.com/agentfleet/fleetcore/gateway"
	"github.com/agentfleet/fleetcore/internal/server"
)

// Server runs the engine and its metrics endpoint.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	engine         *fleetcore.Engine
	metricsManager *server.Manager

	sweeperCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewServer assembles the engine. Providers are registered by deployment
// wrappers; the bare binary starts with none and the gateway refuses
// dispatch until one is attached.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	engine, err := fleetcore.New(cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		engine: engine,
	}, nil
}

// Start launches the checkpoint sweeper and the metrics endpoint.
func (s *Server) Start() error {
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweeperCancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.RunCheckpointSweeper(sweepCtx)
	}()

	if err := s.startMetricsServer(); err != nil {
		cancel()
		return err
	}

	s.logger.Info("engine started",
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Strings("pipeline", gateway.PipelineOrder),
	)
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.engine.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)
	serverConfig.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.engine.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// WaitForShutdown blocks on SIGINT/SIGTERM, then tears everything down.
func (s *Server) WaitForShutdown() {
	if s.metricsManager != nil {
		s.metricsManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the sweeper, the metrics endpoint and the engine.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	if s.sweeperCancel != nil {
		s.sweeperCancel()
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(context.Background()); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	s.wg.Wait()

	if err := s.engine.Close(); err != nil {
		s.logger.Error("engine close error", zap.Error(err))
	}
	s.logger.Info("graceful shutdown completed")
}

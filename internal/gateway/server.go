package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/restgate/restgate/internal/config"
	"github.com/restgate/restgate/internal/logging"
	"github.com/restgate/restgate/internal/metrics"
	"github.com/restgate/restgate/internal/middleware"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
	configPath  string
	startTime   time.Time
}

// NewServer creates a new gateway server.
// configPath is the path to the YAML config file (used for reload).
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		configPath: configPath,
		startTime:  time.Now(),
	}

	handler := middleware.NewChain(recoveryMW()).Then(gw)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           handler,
		ReadTimeout:       cfg.Listen.ReadTimeout,
		WriteTimeout:      cfg.Listen.WriteTimeout,
		IdleTimeout:       cfg.Listen.IdleTimeout,
		ReadHeaderTimeout: cfg.Listen.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Listen.MaxHeaderBytes,
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Start starts the gateway servers and the config watcher.
func (s *Server) Start() error {
	errCh := make(chan error, 2)

	go func() {
		logging.Info("starting gateway server", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway server error: %w", err)
		}
	}()

	if s.adminServer != nil {
		go func() {
			logging.Info("starting admin server", zap.String("address", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	if s.configPath != "" {
		watcher, err := config.NewWatcher(s.configPath)
		if err != nil {
			logging.Warn("config watcher disabled", zap.Error(err))
		} else {
			watcher.OnChange(func(cfg *config.Config) {
				if rerr := s.gateway.Reload(cfg); rerr != nil {
					logging.Error("config reload rejected", zap.Error(rerr))
				}
			})
			if err := watcher.Start(); err != nil {
				logging.Warn("config watcher disabled", zap.Error(err))
			} else {
				s.watcher = watcher
			}
		}
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		// Give servers a moment to start
	}

	return nil
}

// Run starts the server and handles graceful shutdown.
// SIGHUP triggers a config reload; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			if err := s.ReloadConfig(); err != nil {
				logging.Error("config reload failed", zap.Error(err))
			} else {
				logging.Info("config reloaded")
			}
		default:
			logging.Info("shutting down gracefully")
			return s.Shutdown(30 * time.Second)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the servers
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("admin server shutdown error", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("gateway server shutdown error", zap.Error(err))
		return err
	}

	s.gateway.Close()

	logging.Info("server shutdown complete")
	return nil
}

// ReloadConfig loads a new config from the config path and performs a hot reload.
func (s *Server) ReloadConfig() error {
	if s.configPath == "" {
		return fmt.Errorf("no config path configured")
	}

	loader := config.NewLoader()
	newCfg, err := loader.Load(s.configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	return s.gateway.Reload(newCfg)
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/cache", s.handleCache)
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

// handleHealth reports process health and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
		"routes": len(s.gateway.Routes()),
	})
}

// handleRoutes dumps the active route table.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	type routeInfo struct {
		ID       string `json:"id"`
		Pattern  string `json:"pattern"`
		Wildcard bool   `json:"wildcard"`
		Target   string `json:"target"`
		Cached   bool   `json:"cached"`
	}

	routes := s.gateway.Routes()
	result := make([]routeInfo, 0, len(routes))
	for _, route := range routes {
		result = append(result, routeInfo{
			ID:       route.ID,
			Pattern:  route.Pattern,
			Wildcard: route.Wildcard,
			Target:   route.Target.String(),
			Cached:   route.Config.Cache.Memory.Enabled(),
		})
	}

	json.NewEncoder(w).Encode(result)
}

// handleCache handles cache stats requests
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gateway.CacheStats())
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/julienschmidt/httprouter"
	"github.com/wudi/portico/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server runs the gateway's data-plane listener and the admin API.
type Server struct {
	gateway    *Gateway
	config     *config.Config
	configPath string
	logger     *zap.Logger
	startTime  time.Time

	httpServer  *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
}

// NewServer creates a gateway server. configPath is the file reloads read
// from; it may be empty, in which case reloads fail.
func NewServer(cfg *config.Config, configPath string, opts ...Option) (*Server, error) {
	gw, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		config:     cfg,
		configPath: configPath,
		logger:     gw.logger,
		startTime:  time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:           cfg.Server.Address,
		Handler:        gw,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		ErrorLog:       zap.NewStdLog(s.logger.Named("http")),
	}
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Gateway returns the data plane.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Watch reloads the configuration whenever the config file changes.
func (s *Server) Watch() error {
	if s.configPath == "" {
		return errors.New("no config path configured")
	}
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	w.OnChange(func(cfg *config.Config) {
		s.gateway.Reload(cfg)
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return fmt.Errorf("config watcher: %w", err)
	}
	s.watcher = w
	s.logger.Info("watching configuration file", zap.String("path", s.configPath))
	return nil
}

// Run serves until ctx is cancelled or a listener fails, then shuts down
// gracefully. SIGHUP reloads the configuration.
func (s *Server) Run(ctx context.Context) error {
	dataLn, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	var adminLn net.Listener
	if s.adminServer != nil {
		adminLn, err = net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			dataLn.Close()
			return fmt.Errorf("listen %s: %w", s.adminServer.Addr, err)
		}
	}
	return s.Serve(ctx, dataLn, adminLn)
}

// Serve is Run on already-bound listeners. adminLn may be nil.
func (s *Server) Serve(ctx context.Context, dataLn, adminLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting gateway listener", zap.String("address", dataLn.Addr().String()))
		if err := s.httpServer.Serve(dataLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway listener: %w", err)
		}
		return nil
	})

	if adminLn != nil && s.adminServer != nil {
		g.Go(func() error {
			s.logger.Info("starting admin server", zap.String("address", adminLn.Addr().String()))
			if err := s.adminServer.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				result := s.ReloadConfig()
				if !result.Success {
					s.logger.Error("config reload failed", zap.String("error", result.Error))
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(sctx)
	})

	return g.Wait()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gracefully")
	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Stop())
	}
	if s.adminServer != nil {
		errs = append(errs, s.adminServer.Shutdown(ctx))
	}
	errs = append(errs, s.httpServer.Shutdown(ctx))
	errs = append(errs, s.gateway.Close(ctx))
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown error", zap.Error(err))
		return err
	}
	s.logger.Info("server shutdown complete")
	return nil
}

// ReloadConfig reads the config file and publishes a new snapshot.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return s.gateway.RecordReloadFailure(errors.New("no config path configured"))
	}
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		s.logger.Error("config reload failed", zap.Error(err))
		return s.gateway.RecordReloadFailure(err)
	}
	return s.gateway.Reload(cfg)
}

// AdminHandler returns the admin API.
func (s *Server) AdminHandler() http.Handler {
	r := httprouter.New()
	r.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	r.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)
	r.HandlerFunc(http.MethodGet, "/ready", s.handleReady)
	r.HandlerFunc(http.MethodGet, "/readyz", s.handleReady)
	r.Handler(http.MethodGet, "/metrics", s.gateway.Metrics().Handler())
	r.HandlerFunc(http.MethodGet, "/providers", s.handleProviders)
	r.GET("/providers/:id", s.handleProvider)
	r.HandlerFunc(http.MethodGet, "/filters", s.handleFilters)
	r.HandlerFunc(http.MethodGet, "/config", s.handleConfig)
	r.HandlerFunc(http.MethodGet, "/tracing", s.handleTracing)
	r.HandlerFunc(http.MethodGet, "/ratelimits", s.handleRateLimits)
	r.HandlerFunc(http.MethodPost, "/reload", s.handleReload)
	r.HandlerFunc(http.MethodGet, "/reload/status", s.handleReloadStatus)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := s.gateway.Snapshot()
	if snap == nil || len(snap.Providers()) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "no providers configured",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"version":   snap.Version(),
		"providers": len(snap.Providers()),
	})
}

type resourceInfo struct {
	ID          string   `json:"id"`
	Path        string   `json:"path"`
	Prefilters  []string `json:"prefilters"`
	Postfilters []string `json:"postfilters"`
}

type providerInfo struct {
	ID          string         `json:"id"`
	Context     string         `json:"context"`
	Target      string         `json:"target"`
	Prefilters  []string       `json:"prefilters"`
	Postfilters []string       `json:"postfilters"`
	Resources   []resourceInfo `json:"resources,omitempty"`
}

// providerView reports each scope's effective chain, global filters
// included.
func (s *Server) providerView(id string) (providerInfo, bool) {
	snap := s.gateway.Snapshot()
	if snap == nil {
		return providerInfo{}, false
	}
	p, ok := snap.Provider(id)
	if !ok {
		return providerInfo{}, false
	}
	pre, post := snap.Chain(p, nil).Names()
	info := providerInfo{
		ID:          p.ID,
		Context:     p.Context,
		Target:      p.Target.Redacted(),
		Prefilters:  pre,
		Postfilters: post,
	}
	for _, res := range p.Resources {
		pre, post := snap.Chain(p, res).Names()
		info.Resources = append(info.Resources, resourceInfo{
			ID:          res.ID,
			Path:        res.Path,
			Prefilters:  pre,
			Postfilters: post,
		})
	}
	return info, true
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	snap := s.gateway.Snapshot()
	out := []providerInfo{}
	if snap != nil {
		for _, p := range snap.Providers() {
			if info, ok := s.providerView(p.ID); ok {
				out = append(out, info)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	info, ok := s.providerView(ps.ByName("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": http.StatusNotFound, "message": "provider not found"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type filterInfo struct {
	Name        string   `json:"name"`
	Module      string   `json:"module"`
	Description string   `json:"description,omitempty"`
	Overrides   []string `json:"overrides,omitempty"`
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	snap := s.gateway.Snapshot()
	out := []filterInfo{}
	if snap != nil {
		for _, name := range snap.FilterNames() {
			d, _ := snap.Filter(name)
			out = append(out, filterInfo{
				Name:        d.Name,
				Module:      d.Module,
				Description: d.Description,
				Overrides:   d.OverrideConsumers(),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	red, err := config.RedactConfig(s.gateway.Config())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": http.StatusInternalServerError, "message": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	yaml.NewEncoder(w).Encode(red)
}

func (s *Server) handleTracing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Tracer().Status())
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Limiter().Buckets())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	result := s.ReloadConfig()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.ReloadHistory())
}

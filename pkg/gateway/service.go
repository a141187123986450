// Package gateway runs the plugin manager alongside the operator status server.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clawgate/pkg/auth"
	"clawgate/pkg/config"
	"clawgate/pkg/metrics"
	"clawgate/pkg/plugin"
)

const (
	defaultHealthHost  = "0.0.0.0"
	defaultHealthPort  = 18790
	usageFlushInterval = time.Minute
)

// Plugins is the lifecycle surface the service drives.
type Plugins interface {
	InitializeAll(ctx context.Context) error
	StartChannelGateways(ctx context.Context) error
	RunOutbound(ctx context.Context)
	Shutdown(ctx context.Context) error
	Status() []plugin.Status
	Ready() bool
}

// Credentials is the auth surface the service reports on and tears down.
type Credentials interface {
	Summaries() []auth.Summary
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Closer releases a resource at the end of Run, after the plugins stop.
type Closer interface {
	Close()
}

type Options struct {
	Config      *config.Config
	Plugins     Plugins
	Credentials Credentials
	Metrics     *metrics.Metrics
	// Bus is closed once every gateway has stopped.
	Bus Closer
	// ReadinessChecks gate /readyz in addition to the running-gateway check.
	ReadinessChecks map[string]healthcheck.Check
	Log             *slog.Logger
}

type Service struct {
	cfg     *config.Config
	plugins Plugins
	creds   Credentials
	metrics *metrics.Metrics
	bus     Closer
	health  healthcheck.Handler
	log     *slog.Logger

	mu        sync.RWMutex
	startedAt time.Time
}

type statusResponse struct {
	Status        string          `json:"status"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Plugins       []plugin.Status `json:"plugins"`
	Credentials   []auth.Summary  `json:"credentials,omitempty"`
}

func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Plugins == nil {
		return nil, errors.New("plugin manager is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	s := &Service{
		cfg:     opts.Config,
		plugins: opts.Plugins,
		creds:   opts.Credentials,
		metrics: opts.Metrics,
		bus:     opts.Bus,
		log:     opts.Log.With("component", "gateway.service"),
	}

	if opts.Metrics != nil {
		s.health = healthcheck.NewMetricsHandler(opts.Metrics.Registry, "clawgate")
	} else {
		s.health = healthcheck.NewHandler()
	}
	s.health.AddReadinessCheck("gateways", s.gatewaysRunning)
	for name, check := range opts.ReadinessChecks {
		s.health.AddReadinessCheck(name, check)
	}

	return s, nil
}

// Run initializes plugins, starts every gateway, and serves status until ctx ends,
// then shuts the plugins down and releases credentials and the bus.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	// The status server is up during startup so /healthz answers while gateways connect.
	serverErrors := make(chan error, 1)
	go s.runHealthServer(serveCtx, serverErrors)

	if err := s.plugins.InitializeAll(ctx); err != nil {
		stopServing()
		s.teardown()
		return fmt.Errorf("initialize plugins: %w", err)
	}
	if err := s.plugins.StartChannelGateways(ctx); err != nil {
		stopServing()
		s.teardown()
		return fmt.Errorf("start channel gateways: %w", err)
	}

	go s.plugins.RunOutbound(serveCtx)
	go s.flushUsage(serveCtx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	}

	stopServing()
	s.teardown()
	return runErr
}

// teardown stops plugins before closing what their gateways depend on.
func (s *Service) teardown() {
	if err := s.plugins.Shutdown(context.Background()); err != nil {
		s.log.Warn("Plugin shutdown incomplete", "error", err)
	}

	if s.creds != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.creds.Close(closeCtx); err != nil {
			s.log.Error("Failed to close credentials", "error", err)
		}
		cancel()
	}

	if s.bus != nil {
		s.bus.Close()
	}
}

func (s *Service) flushUsage(ctx context.Context) {
	if s.creds == nil {
		return
	}

	ticker := time.NewTicker(usageFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.creds.Flush(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("Failed to flush credential usage", "error", err)
			}
		}
	}
}

// Handler serves /healthz, /readyz, /status, and /metrics.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.health.LiveEndpoint)
	mux.HandleFunc("/readyz", s.health.ReadyEndpoint)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	return mux
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.plugins.Ready() {
		status = "not_ready"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.currentStatus(status)); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	uptime := int64(0)
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	resp := statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Plugins:       s.plugins.Status(),
	}
	if s.creds != nil {
		resp.Credentials = s.creds.Summaries()
	}

	return resp
}

func (s *Service) gatewaysRunning() error {
	if !s.plugins.Ready() {
		return errors.New("no channel gateway is running")
	}

	return nil
}

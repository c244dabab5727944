package soak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/zeroalloc/internal/buffer"
	"github.com/SkynetNext/zeroalloc/internal/config"
	"github.com/SkynetNext/zeroalloc/internal/logger"
	"github.com/SkynetNext/zeroalloc/internal/metrics"
	"github.com/SkynetNext/zeroalloc/internal/report"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Service runs the soak workload and exposes health, metrics and stats
type Service struct {
	config   *config.Config
	instance string

	// Components
	alloc     Allocator
	runner    *Runner
	report    *report.Client
	publisher *report.Publisher

	// Configuration hot reload
	configMu sync.RWMutex

	// Runner lifecycle; guarded by configMu
	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan struct{}

	// Network
	metricsListener net.Listener
	metricsServer   *http.Server

	// State
	draining int32 // Atomic: 0=Running, 1=Draining
	wg       sync.WaitGroup
}

// New creates a soak service. instance names this process in published
// stats and defaults to the report configuration, then the hostname.
func New(cfg *config.Config, instance string) (*Service, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if instance == "" {
		instance = cfg.Report.Instance
	}
	if instance == "" {
		if hostname, err := os.Hostname(); err == nil {
			instance = hostname
		} else {
			instance = "zeroalloc"
		}
	}

	alloc, err := newAllocator(&cfg.Allocator)
	if err != nil {
		return nil, err
	}

	runner, err := NewRunner(cfg.Soak, alloc, cfg.Pool.MaxSize)
	if err != nil {
		closeAllocator(alloc)
		return nil, err
	}

	s := &Service{
		config:   cfg,
		instance: instance,
		alloc:    alloc,
		runner:   runner,
	}

	if cfg.Report.Enabled {
		cli := report.NewClient(&cfg.Report.Redis)

		// Test Redis connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cli.Ping(ctx); err != nil {
			cli.Close()
			closeAllocator(alloc)
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.report = cli
		s.publisher = report.NewPublisher(cli, report.PublisherOptions{
			MaxRetries:      cfg.Report.MaxRetries,
			RetryDelay:      cfg.Report.RetryDelay,
			BreakerFailures: cfg.Report.BreakerFailures,
			BreakerTimeout:  cfg.Report.BreakerTimeout,
		})
	}

	return s, nil
}

// newAllocator builds the configured byte allocator
func newAllocator(cfg *config.AllocatorConfig) (Allocator, error) {
	if cfg.Arena.Enabled {
		arena, err := buffer.NewMmapArena("arena", cfg.Arena.SlotSize, cfg.Arena.Slots)
		if err != nil {
			return nil, fmt.Errorf("failed to create arena: %w", err)
		}
		return arena, nil
	}

	p, err := buffer.NewArrayPool[byte]("soak", cfg.MaxArrayLength, cfg.MaxOutstanding)
	if err != nil {
		return nil, fmt.Errorf("failed to create array pool: %w", err)
	}
	return p, nil
}

func closeAllocator(alloc Allocator) {
	if c, ok := alloc.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.L.Warn("failed to close allocator", zap.Error(err))
		}
	}
}

// Start starts the metrics server, the runner and the stats reporter
func (s *Service) Start(ctx context.Context) error {
	// 1. Start metrics and health check server
	if err := s.startMetricsServer(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 2. Start soak workers
	s.configMu.Lock()
	s.runCtx = ctx
	s.startRunner(ctx)
	s.configMu.Unlock()

	// 3. Start stats reporter
	if s.report != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reportLoop(ctx)
		}()
	}

	logger.L.Info("soak service started",
		zap.String("instance", s.instance),
		zap.Int("workers", s.config.Soak.Workers),
		zap.Bool("arena", s.config.Allocator.Arena.Enabled),
	)
	return nil
}

// startRunner launches the current runner; the caller holds configMu
func (s *Service) startRunner(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runCancel = cancel
	s.runDone = done

	runner := s.runner
	go func() {
		defer close(done)
		runner.Run(runCtx)
	}()
}

// stopRunner cancels the current runner and waits for it to drain; the caller holds configMu
func (s *Service) stopRunner(ctx context.Context) error {
	if s.runCancel == nil {
		return nil
	}
	s.runCancel()
	s.runCancel = nil

	select {
	case <-s.runDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner did not drain: %w", ctx.Err())
	}
}

// Shutdown drains the runner, publishes a final snapshot and stops the servers
func (s *Service) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	atomic.StoreInt32(&s.draining, 1)

	// 2. Stop workers; every outstanding claim is released on the way out
	s.configMu.Lock()
	err := s.stopRunner(ctx)
	s.configMu.Unlock()
	if err != nil {
		return err
	}

	// 3. Publish final stats and close Redis connection
	if s.report != nil {
		if err := s.publish(ctx); err != nil {
			logger.L.Warn("failed to publish final snapshot", zap.Error(err))
		}
	}

	// 4. Shutdown metrics server
	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}

	// 5. Wait for background loops
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if s.report != nil {
		if err := s.report.Close(); err != nil {
			return fmt.Errorf("failed to close Redis connection: %w", err)
		}
	}

	stats := s.alloc.Stats()
	if stats.Outstanding != 0 {
		logger.L.Error("allocator still has outstanding leases after drain",
			zap.Int64("outstanding", stats.Outstanding),
			zap.Int64("leases", stats.Leases),
			zap.Int64("releases", stats.Releases),
		)
	}
	closeAllocator(s.alloc)

	return nil
}

// startMetricsServer starts the metrics and health check HTTP server
func (s *Service) startMetricsServer(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.MetricsPort))
	if err != nil {
		return err
	}
	s.metricsListener = ln
	s.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.L.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.L.Info("metrics server started",
		zap.String("addr", ln.Addr().String()),
	)
	return nil
}

// MetricsAddr returns the address the metrics server listens on
func (s *Service) MetricsAddr() string {
	if s.metricsListener == nil {
		return ""
	}
	return s.metricsListener.Addr().String()
}

func (s *Service) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Report.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.publish(ctx)
			if errors.Is(err, report.ErrCircuitOpen) {
				logger.L.Debug("skipping snapshot while publisher circuit is open")
				continue
			}
			if err != nil {
				metrics.ReportErrors.Inc()
				logger.L.Warn("failed to publish snapshot",
					zap.String("instance", s.instance),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *Service) publish(ctx context.Context) error {
	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < 5*time.Second {
		pubCtx, cancel = context.WithDeadline(context.Background(), deadline)
		defer cancel()
	}
	return s.publisher.Publish(pubCtx, s.Snapshot())
}

// Snapshot returns the current runner and allocator counters
func (s *Service) Snapshot() report.Snapshot {
	s.configMu.RLock()
	runner := s.runner
	workers := s.config.Soak.Workers
	s.configMu.RUnlock()

	rs := runner.Stats()
	as := s.alloc.Stats()
	return report.Snapshot{
		Instance:    s.instance,
		Timestamp:   time.Now(),
		Workers:     workers,
		Rounds:      rs.Rounds,
		Violations:  rs.Violations,
		PoolIdle:    runner.IdleScratch(),
		Leases:      as.Leases,
		Releases:    as.Releases,
		Exhausted:   as.Exhausted,
		Outstanding: as.Outstanding,
	}
}

// UpdateConfig applies a new configuration (hot reload). A changed soak
// section drains the running workers and starts a fresh runner.
// Allocator, server and report settings need a restart.
func (s *Service) UpdateConfig(newConfig *config.Config) error {
	if err := config.ValidateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.configMu.Lock()
	defer s.configMu.Unlock()

	if atomic.LoadInt32(&s.draining) == 1 {
		return fmt.Errorf("service is draining")
	}

	if newConfig.Soak != s.config.Soak || newConfig.Pool != s.config.Pool {
		runner, err := NewRunner(newConfig.Soak, s.alloc, newConfig.Pool.MaxSize)
		if err != nil {
			return err
		}

		running := s.runCancel != nil
		if running {
			ctx, cancel := context.WithTimeout(context.Background(), newConfig.GracefulShutdownTimeout)
			err := s.stopRunner(ctx)
			cancel()
			if err != nil {
				return err
			}
		}

		s.runner = runner
		if running {
			s.startRunner(s.runCtx)
		}

		logger.L.Info("soak runner updated",
			zap.Int("old_workers", s.config.Soak.Workers),
			zap.Int("new_workers", newConfig.Soak.Workers),
			zap.Int("root_length", newConfig.Soak.RootLength),
			zap.Int("children", newConfig.Soak.Children),
		)
	}

	if newConfig.LogLevel != s.config.LogLevel {
		logger.SetLevel(newConfig.LogLevel)
	}

	s.config = newConfig

	logger.L.Info("configuration updated successfully")
	return nil
}

// GetConfig returns the current configuration (thread-safe)
func (s *Service) GetConfig() *config.Config {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config
}

// healthHandler handles health check requests
func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler handles readiness probe requests
func (s *Service) readyHandler(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.draining) == 1 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

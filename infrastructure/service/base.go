package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/qmk/infrastructure/logging"
)

const healthCheckTimeout = 5 * time.Second

// BaseConfig contains shared configuration for all kernel modules.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logging.Logger
	// RequiredConfig lists environment variables that must be present for the
	// module to be healthy (e.g. signing keys, socket paths).
	RequiredConfig []string
}

// BaseService wires hydrate/worker management and stop handling around a
// gorilla/mux router. It provides a consistent foundation for every module
// in the kernel with:
//   - Safe stop channel management (sync.Once prevents double-close panic)
//   - Optional hydration hook for loading state on startup
//   - Background worker management
//   - Statistics provider for /info endpoint
type BaseService struct {
	id      string
	name    string
	version string
	router  *mux.Router

	// Lifecycle management
	stopCh   chan struct{}
	stopOnce sync.Once

	// Extensibility hooks
	hydrate func(context.Context) error
	statsFn func() map[string]any

	// Worker management
	workers []func(context.Context)

	// Health tracking
	requiredConfig  []string
	healthMu        sync.RWMutex
	configLoaded    bool
	lastHealthCheck time.Time
	startTime       time.Time

	logger *logging.Logger
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg *BaseConfig) *BaseService {
	cfgValue := BaseConfig{}
	if cfg != nil {
		cfgValue = *cfg
	}

	requiredConfig := mergeUniqueStrings(cfgValue.RequiredConfig)

	logger := cfgValue.Logger
	if logger == nil {
		serviceName := cfgValue.ID
		if serviceName == "" {
			serviceName = "module"
		}
		logger = logging.NewFromEnv(serviceName)
	}

	return &BaseService{
		id:             cfgValue.ID,
		name:           cfgValue.Name,
		version:        cfgValue.Version,
		router:         mux.NewRouter(),
		stopCh:         make(chan struct{}),
		requiredConfig: requiredConfig,
		configLoaded:   len(requiredConfig) == 0,
		logger:         logger,
	}
}

// ID returns the module's identifier.
func (b *BaseService) ID() string { return b.id }

// Name returns the module's human-readable name.
func (b *BaseService) Name() string { return b.name }

// Version returns the module's version string.
func (b *BaseService) Version() string { return b.version }

// Router returns the module's HTTP router.
func (b *BaseService) Router() *mux.Router { return b.router }

// Logger returns the service's structured logger.
func (b *BaseService) Logger() *logging.Logger {
	if b == nil {
		return logging.NewFromEnv("module")
	}
	if b.logger != nil {
		return b.logger
	}
	serviceName := b.ID()
	if serviceName == "" {
		serviceName = "module"
	}
	b.logger = logging.NewFromEnv(serviceName)
	return b.logger
}

// WithHydrate sets an optional hydrate hook executed during Start.
// The hydrate function is called after the base service starts but before
// background workers are launched. Use this for loading persistent state
// such as checkpoints or session registries.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider function for the /info endpoint.
// The function will be called on each /info request to get current statistics.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers receive the context and should respect context cancellation.
// Workers should also monitor StopChan() for service shutdown signals.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

type tickerWorkerConfig struct {
	name           string
	runImmediately bool
}

// TickerWorkerOption configures AddTickerWorker behavior.
type TickerWorkerOption func(*tickerWorkerConfig)

// WithTickerWorkerName sets a friendly name used in error logs.
func WithTickerWorkerName(name string) TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.name = name
	}
}

// WithTickerWorkerImmediate causes the worker to run once immediately on start
// (before waiting for the first ticker interval).
func WithTickerWorkerImmediate() TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.runImmediately = true
	}
}

// AddTickerWorker registers a periodic background worker, e.g. a checkpoint
// eviction sweep or a quota-window reset. The worker function is called at
// the specified interval until Stop() is called.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error, opts ...TickerWorkerOption) *BaseService {
	cfg := tickerWorkerConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	worker := func(ctx context.Context) {
		logWorkerError := func(err error) {
			if err == nil {
				return
			}
			entry := b.Logger().WithContext(ctx).WithError(err)
			if cfg.name != "" {
				entry = entry.WithField("worker", cfg.name)
			}
			entry.Warn("worker error")
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			default:
			}

			if err := fn(ctx); err != nil {
				logWorkerError(err)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logWorkerError(err)
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then spins background workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals workers to exit. This method is idempotent - calling it
// multiple times is safe due to sync.Once.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	return nil
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// Workers returns the number of registered background workers.
// It is an alias for WorkerCount to satisfy the BackgroundWorker interface.
func (b *BaseService) Workers() int {
	return b.WorkerCount()
}

// CheckHealth refreshes the cached health state by probing required config.
func (b *BaseService) CheckHealth() {
	_, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	configLoaded := true
	for _, name := range b.requiredConfig {
		if name == "" {
			continue
		}
		if os.Getenv(name) == "" {
			configLoaded = false
			break
		}
	}

	b.healthMu.Lock()
	b.configLoaded = configLoaded || len(b.requiredConfig) == 0
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus returns the aggregated health status string.
func (b *BaseService) HealthStatus() string {
	b.CheckHealth()
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthStatusLocked()
}

// HealthDetails returns a map describing the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	details := map[string]any{
		"config_loaded": len(b.requiredConfig) == 0 || b.configLoaded,
	}

	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()

	return details
}

func (b *BaseService) healthStatusLocked() string {
	if len(b.requiredConfig) > 0 && !b.configLoaded {
		return "degraded"
	}
	return "healthy"
}

func mergeUniqueStrings(values []string, extras ...string) []string {
	seen := make(map[string]struct{})
	result := make([]string, 0, len(values)+len(extras))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	for _, v := range extras {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// =============================================================================
// Interface Compliance
// =============================================================================

// Ensure BaseService implements KernelModule interface.
var _ KernelModule = (*BaseService)(nil)
var _ HealthChecker = (*BaseService)(nil)

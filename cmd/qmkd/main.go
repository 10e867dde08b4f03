// Command qmkd is the quantum microkernel daemon: it wires configuration,
// logging, the capability and tenant/session registries, the checkpoint and
// audit stores, the graph executor, the job manager, and the RPC server into
// one running process (SPEC_FULL.md supporting-packages table).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/qmk/infrastructure/logging"
	"github.com/R3E-Network/qmk/infrastructure/middleware"
	"github.com/R3E-Network/qmk/infrastructure/service"
	"github.com/R3E-Network/qmk/internal/app/system"
	"github.com/R3E-Network/qmk/internal/qmk/audit"
	"github.com/R3E-Network/qmk/internal/qmk/capability"
	"github.com/R3E-Network/qmk/internal/qmk/checkpoint"
	"github.com/R3E-Network/qmk/internal/qmk/device"
	"github.com/R3E-Network/qmk/internal/qmk/executor"
	"github.com/R3E-Network/qmk/internal/qmk/jobmanager"
	"github.com/R3E-Network/qmk/internal/qmk/registry"
	"github.com/R3E-Network/qmk/internal/qmk/rpcserver"
	"github.com/R3E-Network/qmk/pkg/config"
	"github.com/R3E-Network/qmk/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "qmkd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New("qmkd", cfg.Logging.Level, cfg.Logging.Format)

	signer, masterSecretSource, err := loadSigner(cfg)
	if err != nil {
		return err
	}
	logger.WithField("master_secret_source", masterSecretSource).Info("signer initialized")

	capStore := capability.NewStore(signer)
	reg := registry.New()
	auditLog := audit.New([]byte(cfg.Kernel.MasterSecret))
	checkpoints := checkpoint.NewManager(cfg.Kernel.CheckpointLRUBound)

	ex := executor.New(executor.Deps{
		Registry:    reg,
		CapStore:    capStore,
		Signer:      signer,
		Audit:       auditLog,
		Checkpoints: checkpoints,
	})

	jobs := jobmanager.New(jobmanager.Deps{
		Registry: reg,
		Signer:   signer,
		Audit:    auditLog,
		Executor: ex,
		NewBackend: func(seed int64) device.Backend {
			if cfg.Kernel.SeedOverride != nil {
				seed = *cfg.Kernel.SeedOverride
			}
			return device.NewSimBackend(seed)
		},
		MaxRecoveryAttempts: 2,
	}, cfg.Kernel.WorkerPoolSize)

	rpc := rpcserver.New(rpcserver.Deps{
		Registry:        reg,
		CapStore:        capStore,
		Signer:          signer,
		Jobs:            jobs,
		Audit:           auditLog,
		Logger:          logger,
		JWTSecret:       []byte(cfg.Kernel.MasterSecret),
		SessionTokenTTL: time.Duration(cfg.Kernel.SessionTokenTTLSeconds) * time.Second,
	})

	base := service.NewBase(&service.BaseConfig{
		ID:      "qmkd",
		Name:    "quantum-microkernel",
		Version: "0.1.0",
		Logger:  logger,
	})
	base.WithStats(func() map[string]any {
		return map[string]any{
			"listen_socket": cfg.Kernel.ListenSocket,
			"workers":       cfg.Kernel.WorkerPoolSize,
		}
	})
	base.RegisterStandardRoutes()
	base.Router().Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	base.Router().HandleFunc("/admin/tenants", reg.AdminCreateTenantHandler()).Methods(http.MethodPost)
	base.Router().HandleFunc("/admin/tenants/{id}/suspend", reg.AdminSuspendTenantHandler(true)).Methods(http.MethodPost)
	base.Router().HandleFunc("/admin/tenants/{id}/resume", reg.AdminSuspendTenantHandler(false)).Methods(http.MethodPost)
	base.Router().HandleFunc("/admin/audit", auditLog.AdminQueryHandler()).Methods(http.MethodGet)
	base.Router().HandleFunc("/admin/descriptors", system.DescriptorsHandler([]system.DescriptorProvider{
		reg, ex, jobs, rpc, checkpoints, auditLog,
	})).Methods(http.MethodGet)
	base.Router().Use(middleware.NewRecoveryMiddleware(logger).Handler)
	base.Router().Use(middleware.LoggingMiddleware(logger))
	adminLimiterCfg := middleware.LenientRateLimiterConfig(logger)
	base.Router().Use(middleware.NewRateLimiterFromConfig(adminLimiterCfg).Handler)

	rpc.Router().Use(middleware.NewRecoveryMiddleware(logger).Handler)
	rpc.Router().Use(middleware.LoggingMiddleware(logger))
	rpc.Router().Use(middleware.NewTimeoutMiddleware(30 * time.Second).Handler)
	rpc.Router().Use(middleware.NewBodyLimitMiddleware(1 << 20).Handler)
	rpc.Router().Use(middleware.NewValidationMiddleware(middleware.ValidationConfig{
		AllowedMethods: []string{http.MethodPost},
		ContentTypes:   []string{"application/json"},
	}).Handler)
	rateLimiterCfg := middleware.DefaultRateLimiterConfig(logger)
	rateLimiterCfg.RequestsPerSecond = int(cfg.Kernel.RateLimitPerSecond)
	rateLimiterCfg.Burst = cfg.Kernel.RateLimitBurst
	rpc.Router().Use(middleware.NewRateLimiterFromConfig(rateLimiterCfg).Handler)
	rpc.Router().Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := base.Start(ctx); err != nil {
		return fmt.Errorf("start base service: %w", err)
	}

	rpcListener, err := listenUnix(cfg.Kernel.ListenSocket)
	if err != nil {
		return fmt.Errorf("listen rpc socket: %w", err)
	}
	rpcHTTPServer := &http.Server{Handler: rpc.Router()}

	adminAddr := os.Getenv("QMK_ADMIN_ADDR")
	if adminAddr == "" {
		adminAddr = ":9090"
	}
	adminServer := &http.Server{Addr: adminAddr, Handler: base.Router()}

	shutdown := middleware.NewGracefulShutdown(adminServer, 10*time.Second)
	shutdown.OnShutdown(func() {
		rpcShutdownCtx, rpcCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rpcCancel()
		_ = rpcHTTPServer.Shutdown(rpcShutdownCtx)
	})
	shutdown.OnShutdown(func() { _ = base.Stop() })
	shutdown.OnShutdown(jobs.Close)
	shutdown.ListenForSignals()

	go func() {
		logger.WithField("socket", cfg.Kernel.ListenSocket).Info("rpc server listening")
		if err := rpcHTTPServer.Serve(rpcListener); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("rpc server exited")
		}
	}()

	logger.WithField("addr", adminAddr).Info("admin server listening")
	if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("admin server exited")
	}

	<-ctx.Done()
	logger.Info(ctx, "shutting down", nil)
	return nil
}

// loadSigner derives the kernel's signing key from the configured master
// secret, or mints an ephemeral one for non-strict local runs (spec.md §9:
// "the key lives in a single, explicit holder").
func loadSigner(cfg *config.Config) (*capability.Signer, string, error) {
	if cfg.Kernel.MasterSecret != "" {
		return capability.NewSigner([]byte(cfg.Kernel.MasterSecret)), "configured", nil
	}
	if cfg.Strict {
		return nil, "", fmt.Errorf("QMK_MASTER_SECRET is required in strict mode")
	}
	signer, err := capability.NewEphemeralSigner()
	if err != nil {
		return nil, "", fmt.Errorf("generate ephemeral signer: %w", err)
	}
	return signer, "ephemeral", nil
}

// listenUnix binds the RPC listener to a Unix domain socket, removing a
// stale socket file left behind by an unclean previous shutdown (spec.md
// §6: "a local socket").
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

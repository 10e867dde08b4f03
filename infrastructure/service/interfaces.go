// Package service provides common lifecycle, health, and routing
// infrastructure shared by every kernel module.
package service

import (
	"context"

	"github.com/gorilla/mux"
)

// =============================================================================
// Core Service Interfaces
// =============================================================================

// KernelModule is the interface every kernel module must implement.
// This ensures consistent lifecycle management across the verifier,
// control-plane, execution, persistence, and transport layers.
type KernelModule interface {
	// Identity
	ID() string
	Name() string
	Version() string

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error

	// HTTP
	Router() *mux.Router
}

// =============================================================================
// Optional Capability Interfaces
// =============================================================================

// StatisticsProvider provides runtime statistics for the /info endpoint.
// Modules implementing this interface will have their statistics included
// in the standard info response.
type StatisticsProvider interface {
	// Statistics returns module-specific runtime statistics.
	// The returned map will be included in the /info response under "statistics".
	Statistics() map[string]any
}

// Hydratable modules can reload state from persistence on startup.
// This is called during Start() after the base service is initialized
// but before background workers are started.
type Hydratable interface {
	// Hydrate loads persistent state into memory, e.g. restoring the session
	// registry or replaying the checkpoint index.
	Hydrate(ctx context.Context) error
}

// =============================================================================
// Health Check Interface
// =============================================================================

// HealthChecker provides custom health check logic.
// Modules implementing this can provide detailed health status.
type HealthChecker interface {
	// HealthStatus returns the current health status.
	// Returns "healthy", "degraded", or "unhealthy".
	HealthStatus() string

	// HealthDetails returns detailed health information.
	HealthDetails() map[string]any
}

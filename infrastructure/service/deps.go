package service

import (
	"github.com/R3E-Network/qmk/infrastructure/logging"
	"github.com/R3E-Network/qmk/pkg/config"
)

// CapabilitySigner mints and verifies capability-token MACs. Implemented by
// internal/qmk/capability.Signer; declared here as an interface so this
// package does not need to import the domain layer.
type CapabilitySigner interface {
	Sign(domain string, data []byte) []byte
	Verify(domain string, data, mac []byte) bool
}

// AuditSink appends tamper-evident audit records. Implemented by
// internal/qmk/audit.Logger.
type AuditSink interface {
	Append(kind string, fields map[string]any) error
}

// SharedDeps holds every dependency initialized by Run and handed to each
// module's factory function.
type SharedDeps struct {
	ModuleType string
	Config     *config.Config
	Logger     *logging.Logger

	// CapabilitySigner mints/verifies capability tokens (component A).
	CapabilitySigner CapabilitySigner
	// AuditSink receives append-only audit records (component I).
	AuditSink AuditSink
}

package service

import (
	"fmt"

	"github.com/R3E-Network/qmk/pkg/config"
)

// ValidateConfig returns an error if cfg is nil.
func ValidateConfig(cfg *config.Config, moduleID string) error {
	if cfg == nil {
		return fmt.Errorf("%s: config is required", moduleID)
	}
	return nil
}

// IsStrict returns true when the kernel is running in production mode, where
// dependencies that are optional in development (a configured audit sink, a
// non-default signing key) become mandatory.
func IsStrict(cfg *config.Config) bool {
	return cfg != nil && cfg.Strict
}

// RequireInStrict returns an error if the value is absent and we're in strict
// mode. Use for audit sinks, device backends, and other dependencies that are
// required only in production.
func RequireInStrict(cfg *config.Config, present bool, moduleID, what string) error {
	if IsStrict(cfg) && !present {
		return fmt.Errorf("%s: %s is required in strict mode", moduleID, what)
	}
	return nil
}

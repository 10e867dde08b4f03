// Package config loads the kernel's bootstrap configuration from built-in
// defaults, a YAML file, and environment variables, each overriding the one
// before it, following the teacher repository's envdecode/godotenv/yaml.v3
// convention.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// KernelConfig controls the RPC listener and process-wide kernel behavior.
type KernelConfig struct {
	// ListenSocket is the filesystem path of the Unix domain socket the RPC
	// server listens on (spec.md §6: "a local socket").
	ListenSocket string `json:"listen_socket" yaml:"listen_socket" env:"QMK_LISTEN_SOCKET"`
	// MasterSecret seeds the capability HMAC subkeys via HKDF and is used
	// as-is as the audit chain's BLAKE3 key (spec.md §9: "the key lives in a
	// single, explicit holder"). Required in strict mode; otherwise a random
	// ephemeral signing key is generated and the audit chain falls back to
	// its built-in default key, so local runs and tests don't need one
	// configured.
	MasterSecret string `json:"master_secret" yaml:"master_secret" env:"QMK_MASTER_SECRET"`
	// DefaultDeviceProfile names the error-correction profile used by
	// ALLOC_LQ when a node doesn't specify one.
	DefaultDeviceProfile string `json:"default_device_profile" yaml:"default_device_profile" env:"QMK_DEFAULT_DEVICE_PROFILE"`
	// CheckpointLRUBound caps the number of checkpoints retained in memory
	// before LRU eviction (spec.md §4.H).
	CheckpointLRUBound int `json:"checkpoint_lru_bound" yaml:"checkpoint_lru_bound" env:"QMK_CHECKPOINT_LRU_BOUND"`
	// SeedOverride forces every job's device PRNG to a fixed seed,
	// regardless of the seed submitted with the job. Used by integration
	// tests that need deterministic reproduction independent of caller
	// input; empty means "use the submitted seed" (the default path).
	SeedOverride *int64 `json:"seed_override" yaml:"seed_override"`
	// WorkerPoolSize is the number of goroutines the job manager uses to
	// execute jobs concurrently across tenants (spec.md §5).
	WorkerPoolSize int `json:"worker_pool_size" yaml:"worker_pool_size" env:"QMK_WORKER_POOL_SIZE"`
	// RateLimitPerSecond and RateLimitBurst configure the per-(tenant,
	// operation class) token bucket (spec.md §4.D).
	RateLimitPerSecond float64 `json:"rate_limit_per_second" yaml:"rate_limit_per_second" env:"QMK_RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int     `json:"rate_limit_burst" yaml:"rate_limit_burst" env:"QMK_RATE_LIMIT_BURST"`
	// SessionTokenTTLSeconds bounds the lifetime of the JWT bearer token
	// issued by negotiate_capabilities (SPEC_FULL.md §4.J).
	SessionTokenTTLSeconds int `json:"session_token_ttl_seconds" yaml:"session_token_ttl_seconds" env:"QMK_SESSION_TOKEN_TTL_SECONDS"`
}

// LoggingConfig controls kernel logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// TracingConfig configures optional OTLP resource attributes attached to
// structured log output; the kernel does not export spans itself.
type TracingConfig struct {
	ServiceName        string            `json:"service_name" yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" yaml:"resource_attributes"`
	AttributesEnv       string           `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// Config is the top-level kernel configuration structure.
type Config struct {
	Kernel  KernelConfig  `json:"kernel" yaml:"kernel"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`

	// Strict, when true, promotes several development-only conveniences
	// (ephemeral master secret, in-memory-only audit sink) into hard
	// startup failures. Production deployments set QMK_STRICT=true.
	Strict bool `json:"strict" yaml:"strict" env:"QMK_STRICT"`
}

// New returns a configuration populated with defaults suitable for local
// development and tests.
func New() *Config {
	return &Config{
		Kernel: KernelConfig{
			ListenSocket:           "/tmp/qmkd.sock",
			DefaultDeviceProfile:   "surface-17,d=3",
			CheckpointLRUBound:     256,
			WorkerPoolSize:         8,
			RateLimitPerSecond:     50,
			RateLimitBurst:         100,
			SessionTokenTTLSeconds: 3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{},
	}
}

// Load loads configuration from file (if present) and environment
// variables, in that order, with environment variables taking precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/qmk.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when none of the tagged fields are present in
		// the environment; treat that as "no overrides" so local runs
		// work without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// LoadConfig reads configuration from a JSON file; used by tests that want
// to express fixtures as JSON snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
	if c.Kernel.ListenSocket == "" {
		c.Kernel.ListenSocket = "/tmp/qmkd.sock"
	}
	if c.Kernel.CheckpointLRUBound <= 0 {
		c.Kernel.CheckpointLRUBound = 256
	}
	if c.Kernel.WorkerPoolSize <= 0 {
		c.Kernel.WorkerPoolSize = 8
	}
}

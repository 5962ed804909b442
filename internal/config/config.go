// Package config handles loading and validation of arbiter configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with an
// ARBITER_ prefix:
//
//	server.address → ARBITER_SERVER_ADDRESS
//	permit.global_rps → ARBITER_PERMIT_GLOBAL_RPS
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via ARBITER_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/arbiter/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls the Arbiter Service's behavior when the Shared
// Counter Store is unreachable during a permit decision. Exposed as a
// config knob per spec.md's open question 1: both disciplines must be
// available, with fail-open as the default.
type FailurePolicy string

const (
	FailurePolicyFailOpen   FailurePolicy = "failopen"
	FailurePolicyFailClosed FailurePolicy = "failclosed"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyFailOpen, FailurePolicyFailClosed:
		return true
	}
	return false
}

// StoreMode identifies the Shared Counter Store's Redis deployment topology.
type StoreMode string

const (
	StoreModeSingle      StoreMode = "single"
	StoreModeReplication StoreMode = "replication"
	StoreModeSentinel    StoreMode = "sentinel"
	StoreModeCluster     StoreMode = "cluster"
)

func (m StoreMode) Valid() bool {
	switch m {
	case StoreModeSingle, StoreModeReplication, StoreModeSentinel, StoreModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Priority is the caller-declared priority of a permit request. The Arbiter
// Service does not currently reorder by priority but the field is part of
// the interop payload (spec.md §6). Valid reports whether a value is one of
// the three levels; request handling does not call it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Config is the top-level arbiter configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"  envPrefix:"SERVER_"`
	Admin   AdminConfig   `yaml:"admin"   envPrefix:"ADMIN_"`
	Store   StoreConfig   `yaml:"store"   envPrefix:"STORE_"`
	Permit  PermitConfig  `yaml:"permit"  envPrefix:"PERMIT_"`
	Pacer   PacerConfig   `yaml:"pacer"   envPrefix:"PACER_"`
	Gateway GatewayConfig `yaml:"gateway" envPrefix:"GATEWAY_"`
	Events  EventsConfig  `yaml:"events"  envPrefix:"EVENTS_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOGGING_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
}

// ServerConfig holds the Arbiter Service's main listener settings.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`

	// StoreRequiredForHealth gates healthz on store reachability, per
	// spec.md §4.4 ("healthz: returns success only when SCS is reachable").
	StoreRequiredForHealth bool `yaml:"store_required_for_health" env:"STORE_REQUIRED_FOR_HEALTH"`
}

// AdminConfig holds the admin/observability server settings (healthz,
// readyz, metrics — kept on a separate listener from the permit/report
// traffic so scrape and probe load never contends with the hot path).
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// StoreConfig holds Shared Counter Store (Redis) connection and topology
// settings.
type StoreConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             StoreMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              StoreTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`

	// KeyPrefix namespaces every store key (spec.md §6 layout), letting
	// multiple arbiter deployments share one Redis instance.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`

	// MaxConcurrentOps bounds the number of in-flight APS/OI script
	// executions against the store, guarding against thundering herd from
	// a fleet spike. 0 uses the default (256).
	MaxConcurrentOps int `yaml:"max_concurrent_ops" env:"MAX_CONCURRENT_OPS"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// StoreTLSConfig holds Redis TLS settings.
type StoreTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// PermitConfig holds the Atomic Permit Script / Observation Ingester limits,
// the configuration knobs enumerated in spec.md §6.
type PermitConfig struct {
	// GlobalRPS is the per-identity cap G in spec.md §4.2 step 3. Default 50.
	GlobalRPS int64 `yaml:"global_rps" env:"GLOBAL_RPS"`
	// RouteRPS is the per-route cap R in spec.md §4.2 step 4. Default 5.
	RouteRPS int64 `yaml:"route_rps" env:"ROUTE_RPS"`
	// MinRetryMS floors every retry_after_ms the APS returns. Default 50.
	MinRetryMS int64 `yaml:"min_retry_ms" env:"MIN_RETRY_MS"`
	// InvalidThreshold is the invalid-request count that trips the
	// guardrail for a group. Default 8000.
	InvalidThreshold int64 `yaml:"invalid_threshold" env:"INVALID_THRESHOLD"`
	// GuardrailCooldownMS is the TTL applied to guard:{group} once tripped.
	// Default 30000.
	GuardrailCooldownMS int64 `yaml:"guardrail_cooldown_ms" env:"GUARDRAIL_COOLDOWN_MS"`

	// FailurePolicy controls APS behavior on store error (spec.md open
	// question 1). Default fail-open.
	FailurePolicy FailurePolicy `yaml:"failure_policy" env:"FAILURE_POLICY"`

	// MaxServerWaitMS bounds the Arbiter Service's own optional sleep-then-
	// retry loop inside request_token (spec.md §4.4), independent of any
	// per-request max_wait_ms the caller supplies — this is a safety
	// ceiling on how long the service itself will ever block one caller.
	MaxServerWaitMS int64 `yaml:"max_server_wait_ms" env:"MAX_SERVER_WAIT_MS"`
}

// PacerConfig holds the Local Pacer's fallback rate knobs. These intentionally
// default lower than PermitConfig's to leave headroom under the real caps
// (spec.md §6: "45 on LP to leave headroom").
type PacerConfig struct {
	GlobalRPS       float64 `yaml:"global_rps"       env:"GLOBAL_RPS"`
	RouteRPS        float64 `yaml:"route_rps"        env:"ROUTE_RPS"`
	CleanupInterval string  `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	StaleAfter      string  `yaml:"stale_after"      env:"STALE_AFTER"`
}

// GatewayConfig holds the Client Admission Gate's settings: where the
// arbiter lives and how aggressively to retry before giving up or falling
// back to the Local Pacer.
type GatewayConfig struct {
	ArbiterURL string `yaml:"arbiter_url" env:"ARBITER_URL"`
	Timeout    string `yaml:"timeout"     env:"TIMEOUT"`
	MaxRetries int    `yaml:"max_retries" env:"MAX_RETRIES"`

	// MinRetryMS floors the gate's sleep between a deny and its next
	// request_token retry (spec.md §4.5 step 2). Default 50.
	MinRetryMS int64 `yaml:"min_retry_ms" env:"MIN_RETRY_MS"`

	// CircuitBreaker governs when the gate gives up contacting the arbiter
	// and switches to the Local Pacer fallback (spec.md §4.5 "fallback").
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// CircuitBreakerConfig holds circuit breaker tuning parameters.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures before opening. 0 uses the default (5).
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// ResetTimeout is the duration the circuit stays open before probing. 0 uses the default (30s).
	ResetTimeout string `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// EventsConfig holds optional permit-decision telemetry emission settings.
// When enabled, the Arbiter Service emits decisions as usage events to an
// external HTTP service (webhook pattern).
type EventsConfig struct {
	Enabled       bool             `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// EventsHTTPConfig holds HTTP event receiver settings.
type EventsHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with the defaults enumerated in
// spec.md §6.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:                ":8787",
			ReadTimeout:            "10s",
			WriteTimeout:           "10s",
			IdleTimeout:            "60s",
			DrainTimeout:           "15s",
			StoreRequiredForHealth: true,
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Store: StoreConfig{
			Endpoints:        []string{"127.0.0.1:6379"},
			Mode:             StoreModeSingle,
			PoolSize:         20,
			DialTimeout:      "5s",
			ReadTimeout:      "3s",
			WriteTimeout:     "3s",
			KeyPrefix:        "arb:",
			MaxConcurrentOps: 256,
		},
		Permit: PermitConfig{
			GlobalRPS:           50,
			RouteRPS:            5,
			MinRetryMS:          50,
			InvalidThreshold:    8000,
			GuardrailCooldownMS: 30000,
			FailurePolicy:       FailurePolicyFailOpen,
			MaxServerWaitMS:     2000,
		},
		Pacer: PacerConfig{
			GlobalRPS:       45,
			RouteRPS:        5,
			CleanupInterval: "30s",
			StaleAfter:      "60s",
		},
		Gateway: GatewayConfig{
			Timeout:    "5s",
			MaxRetries: 100,
			MinRetryMS: 50,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "permit-arbiter",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("ARBITER_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/arbiter/config.yaml and
// can be overridden via ARBITER_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "ARBITER_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "FailOpen"
// or env values like "FAILOPEN" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Permit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.Permit.FailurePolicy)))
	cfg.Store.Mode = StoreMode(strings.ToLower(string(cfg.Store.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validatePermit(cfg); err != nil {
		return err
	}
	if err := validateStore(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"store.dial_timeout", cfg.Store.DialTimeout},
		{"store.read_timeout", cfg.Store.ReadTimeout},
		{"store.write_timeout", cfg.Store.WriteTimeout},
		{"pacer.cleanup_interval", cfg.Pacer.CleanupInterval},
		{"pacer.stale_after", cfg.Pacer.StaleAfter},
		{"gateway.timeout", cfg.Gateway.Timeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validatePermit(cfg *Config) error {
	if cfg.Permit.GlobalRPS <= 0 {
		return fmt.Errorf("permit.global_rps must be > 0")
	}
	if cfg.Permit.RouteRPS <= 0 {
		return fmt.Errorf("permit.route_rps must be > 0")
	}
	if cfg.Permit.MinRetryMS < 0 {
		return fmt.Errorf("permit.min_retry_ms must be >= 0")
	}
	if cfg.Permit.InvalidThreshold <= 0 {
		return fmt.Errorf("permit.invalid_threshold must be > 0")
	}
	if cfg.Permit.GuardrailCooldownMS <= 0 {
		return fmt.Errorf("permit.guardrail_cooldown_ms must be > 0")
	}
	if !cfg.Permit.FailurePolicy.Valid() {
		return fmt.Errorf("invalid permit.failure_policy %q: must be failopen or failclosed", cfg.Permit.FailurePolicy)
	}
	return nil
}

func validateStore(cfg *Config) error {
	rc := cfg.Store
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid store.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("store.endpoints: at least one endpoint is required")
	}
	if rc.Mode == StoreModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("store.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == StoreModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("store.master_name is required for sentinel mode")
	}
	if rc.Mode == StoreModeReplication && len(rc.Endpoints) < 2 {
		return fmt.Errorf("store.endpoints: replication mode requires at least 2 endpoints, got %d", len(rc.Endpoints))
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely. The permit/pacer rate knobs are
// deliberately excluded — those are exactly what the config watcher exists
// to hot-swap.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Store.Mode != old.Store.Mode {
		fields = append(fields, "store.mode")
	}
	return fields
}

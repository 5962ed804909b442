package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	t.Run("permit knobs match spec defaults", func(t *testing.T) {
		assert.Equal(t, int64(50), cfg.Permit.GlobalRPS)
		assert.Equal(t, int64(5), cfg.Permit.RouteRPS)
		assert.Equal(t, int64(50), cfg.Permit.MinRetryMS)
		assert.Equal(t, int64(8000), cfg.Permit.InvalidThreshold)
		assert.Equal(t, int64(30000), cfg.Permit.GuardrailCooldownMS)
		assert.Equal(t, FailurePolicyFailOpen, cfg.Permit.FailurePolicy)
	})

	t.Run("pacer leaves headroom under the arbiter caps", func(t *testing.T) {
		assert.Equal(t, 45.0, cfg.Pacer.GlobalRPS)
		assert.Equal(t, 5.0, cfg.Pacer.RouteRPS)
		assert.Less(t, cfg.Pacer.GlobalRPS, float64(cfg.Permit.GlobalRPS))
	})

	t.Run("store defaults to single mode with one endpoint", func(t *testing.T) {
		assert.Equal(t, StoreModeSingle, cfg.Store.Mode)
		assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Store.Endpoints)
	})

	t.Run("validates cleanly", func(t *testing.T) {
		assert.NoError(t, Validate(cfg))
	})
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromPath(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, int64(50), cfg.Permit.GlobalRPS)
	})

	t.Run("YAML overrides defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
permit:
  global_rps: 200
  route_rps: 25
store:
  endpoints: ["redis-a:6379", "redis-b:6379"]
  mode: replication
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, int64(200), cfg.Permit.GlobalRPS)
		assert.Equal(t, int64(25), cfg.Permit.RouteRPS)
		assert.Equal(t, StoreMode("replication"), cfg.Store.Mode)
		assert.Len(t, cfg.Store.Endpoints, 2)
	})

	t.Run("malformed YAML is rejected", func(t *testing.T) {
		path := writeConfigFile(t, `{{{not yaml`)
		_, err := LoadFromPath(path)
		assert.Error(t, err)
	})

	t.Run("env overrides YAML", func(t *testing.T) {
		path := writeConfigFile(t, `
permit:
  global_rps: 10
`)
		t.Setenv("ARBITER_PERMIT_GLOBAL_RPS", "77")
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, int64(77), cfg.Permit.GlobalRPS)
	})

	t.Run("enum values normalize case", func(t *testing.T) {
		path := writeConfigFile(t, `
permit:
  failure_policy: FailClosed
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, FailurePolicyFailClosed, cfg.Permit.FailurePolicy)
	})
}

func TestConfigFilePath(t *testing.T) {
	t.Run("defaults when env unset", func(t *testing.T) {
		t.Setenv("ARBITER_CONFIG_FILE", "")
		assert.Equal(t, defaultConfigFile, ConfigFilePath())
	})

	t.Run("env override wins", func(t *testing.T) {
		t.Setenv("ARBITER_CONFIG_FILE", "/tmp/custom.yaml")
		assert.Equal(t, "/tmp/custom.yaml", ConfigFilePath())
	})
}

func TestValidatePermit(t *testing.T) {
	base := func() *Config {
		cfg := Defaults()
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero global rps", func(c *Config) { c.Permit.GlobalRPS = 0 }, "global_rps"},
		{"zero route rps", func(c *Config) { c.Permit.RouteRPS = 0 }, "route_rps"},
		{"negative min retry", func(c *Config) { c.Permit.MinRetryMS = -1 }, "min_retry_ms"},
		{"zero invalid threshold", func(c *Config) { c.Permit.InvalidThreshold = 0 }, "invalid_threshold"},
		{"zero guardrail cooldown", func(c *Config) { c.Permit.GuardrailCooldownMS = 0 }, "guardrail_cooldown_ms"},
		{"bad failure policy", func(c *Config) { c.Permit.FailurePolicy = "sideways" }, "failure_policy"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateStore(t *testing.T) {
	t.Run("single mode rejects multiple endpoints", func(t *testing.T) {
		cfg := Defaults()
		cfg.Store.Endpoints = []string{"a:6379", "b:6379"}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "single mode")
	})

	t.Run("sentinel mode requires master name", func(t *testing.T) {
		cfg := Defaults()
		cfg.Store.Mode = StoreModeSentinel
		cfg.Store.Endpoints = []string{"a:26379"}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "master_name")
	})

	t.Run("replication mode requires at least two endpoints", func(t *testing.T) {
		cfg := Defaults()
		cfg.Store.Mode = StoreModeReplication
		cfg.Store.Endpoints = []string{"a:6379"}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "replication mode")
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		cfg := Defaults()
		cfg.Store.Mode = "quantum"
		err := Validate(cfg)
		require.Error(t, err)
	})
}

func TestValidateLoggingAndTracing(t *testing.T) {
	t.Run("bad log level", func(t *testing.T) {
		cfg := Defaults()
		cfg.Logging.Level = "verbose"
		assert.Error(t, Validate(cfg))
	})

	t.Run("bad log format", func(t *testing.T) {
		cfg := Defaults()
		cfg.Logging.Format = "xml"
		assert.Error(t, Validate(cfg))
	})

	t.Run("tracing enabled without endpoint", func(t *testing.T) {
		cfg := Defaults()
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("tracing enabled with endpoint is fine", func(t *testing.T) {
		cfg := Defaults()
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = "http://collector:4318"
		assert.NoError(t, Validate(cfg))
	})
}

func TestValidateDurations(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Timeout = "not-a-duration"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway.timeout")
}

func TestRedactedString(t *testing.T) {
	t.Run("empty string stays empty", func(t *testing.T) {
		var r RedactedString
		assert.Equal(t, "", r.String())
		b, err := json.Marshal(r)
		require.NoError(t, err)
		assert.Equal(t, `""`, string(b))
	})

	t.Run("non-empty masks in String and JSON", func(t *testing.T) {
		r := RedactedString("hunter2")
		assert.Equal(t, "hunter2", r.Value())
		assert.Equal(t, redactedPlaceholder, r.String())
		assert.Equal(t, redactedPlaceholder, r.GoString())

		b, err := json.Marshal(r)
		require.NoError(t, err)
		assert.Equal(t, `"`+redactedPlaceholder+`"`, string(b))
	})

	t.Run("never appears raw in struct JSON output", func(t *testing.T) {
		cfg := Defaults()
		cfg.Store.Password = "s3cr3t"
		b, err := json.Marshal(cfg)
		require.NoError(t, err)
		assert.NotContains(t, string(b), "s3cr3t")
	})
}

func TestRequiresRestart(t *testing.T) {
	t.Run("nil old config requires nothing", func(t *testing.T) {
		cfg := Defaults()
		assert.Nil(t, cfg.RequiresRestart(nil))
	})

	t.Run("rate knobs alone do not require a restart", func(t *testing.T) {
		old := Defaults()
		cfg := Defaults()
		cfg.Permit.GlobalRPS = 999
		cfg.Permit.InvalidThreshold = 1
		assert.Empty(t, cfg.RequiresRestart(old))
	})

	t.Run("listener address change requires a restart", func(t *testing.T) {
		old := Defaults()
		cfg := Defaults()
		cfg.Server.Address = ":9999"
		assert.Contains(t, cfg.RequiresRestart(old), "server.address")
	})

	t.Run("store mode change requires a restart", func(t *testing.T) {
		old := Defaults()
		cfg := Defaults()
		cfg.Store.Mode = StoreModeCluster
		assert.Contains(t, cfg.RequiresRestart(old), "store.mode")
	})
}

func TestParseDuration(t *testing.T) {
	t.Run("empty string returns default", func(t *testing.T) {
		d, err := ParseDuration("", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), int64(d))
	})

	t.Run("valid string parses", func(t *testing.T) {
		d, err := ParseDuration("5s", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(5e9), int64(d))
	})

	t.Run("invalid string errors", func(t *testing.T) {
		_, err := ParseDuration("banana", 0)
		assert.Error(t, err)
	})

	t.Run("MustParseDuration falls back on error", func(t *testing.T) {
		assert.Equal(t, int64(42), int64(MustParseDuration("banana", 42)))
	})
}

func TestPriorityValid(t *testing.T) {
	assert.True(t, PriorityLow.Valid())
	assert.True(t, PriorityNormal.Valid())
	assert.True(t, PriorityHigh.Valid())
	assert.False(t, Priority("urgent").Valid())
}

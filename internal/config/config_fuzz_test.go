package config

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzLoadFromYAML feeds random YAML through the config loader to find panics,
// unhandled errors, or unexpected behaviour in the parsing and validation logic.
func FuzzLoadFromYAML(f *testing.F) {
	// Seed corpus with a minimal valid config.
	f.Add([]byte(`
server:
  address: ":8787"
store:
  endpoints: ["localhost:6379"]
permit:
  global_rps: 50
  route_rps: 5
`))
	// Seed with empty YAML.
	f.Add([]byte(``))
	// Seed with deeply nested structure exercising every section.
	f.Add([]byte(`
server:
  address: ":0"
  read_timeout: "1s"
  write_timeout: "1s"
  idle_timeout: "1s"
  store_required_for_health: true
store:
  endpoints: ["redis:6379"]
  mode: single
  password: "secret"
  key_prefix: "arb:"
  max_concurrent_ops: 64
permit:
  global_rps: 10
  route_rps: 20
  min_retry_ms: 50
  invalid_threshold: 3
  guardrail_cooldown_ms: 1000
  failure_policy: failclosed
pacer:
  global_rps: 45
  route_rps: 5
  cleanup_interval: "30s"
  stale_after: "60s"
gateway:
  arbiter_url: "http://localhost:8787"
  timeout: "2s"
  max_retries: 3
events:
  enabled: true
  http:
    url: "http://events:8080"
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		// We don't care about errors — we're looking for panics.
		_, _ = LoadFromPath(path)
	})
}

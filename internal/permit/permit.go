// Package permit implements the Atomic Permit Script (APS) and the
// Observation Ingester (OI): the two atomic Lua-scripted state transitions
// the permit arbitration subsystem performs against the Shared Counter
// Store. Every read-then-write sequence described here happens inside a
// single EVALSHA so no two concurrent arbiters can observe a torn state.
package permit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/permitarbiter/arbiter/internal/config"
	"github.com/permitarbiter/arbiter/internal/store"
	goredis "github.com/redis/go-redis/v9"
)

// Reason codes returned by the Atomic Permit Script, per spec.md §6.
const (
	ReasonOK               = "ok"
	ReasonGlobalExhausted  = "global_bucket_exhausted"
	ReasonRouteExhausted   = "route_bucket_exhausted"
	ReasonBucketExhausted  = "bucket_exhausted"
	ReasonGuardrailActive  = "invalid_guardrail_active"
	ReasonStoreUnavailable = "scs_unavailable"

	globalWindowTTLMS = 1500
	reportDedupTTL    = 300 * time.Second
)

// permitTokenLua is the Atomic Permit Script, spec.md §4.2. Guardrail,
// observed-bucket, global, and route checks short-circuit on first deny;
// a grant best-effort decrements the observed bucket as calibration.
//
// KEYS[1] = guard:{group}
// KEYS[2] = global:{identity}:{second}
// KEYS[3] = route:{identity}:{method}:{route}:{major}:{second}
// KEYS[4] = bucket_map:{method}:{route}
// ARGV[1] = global_limit, ARGV[2] = route_limit, ARGV[3] = ttl_ms,
// ARGV[4] = min_retry_ms, ARGV[5] = identity, ARGV[6] = major_parameter,
// ARGV[7] = now_ms, ARGV[8] = bucket_state key prefix
const permitTokenLua = `
local guard_key = KEYS[1]
local global_key = KEYS[2]
local route_key = KEYS[3]
local bucket_map_key = KEYS[4]

local global_limit = tonumber(ARGV[1])
local route_limit = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])
local min_retry_ms = tonumber(ARGV[4])
local identity = ARGV[5]
local major_parameter = ARGV[6]
local now = tonumber(ARGV[7])
local bucket_state_prefix = ARGV[8]

local guard_ttl = redis.call('PTTL', guard_key)
if guard_ttl and guard_ttl > 0 then
  if guard_ttl < min_retry_ms then guard_ttl = min_retry_ms end
  return {0, guard_ttl, 'invalid_guardrail_active'}
end

local bucket_state_key = nil
local bucket_id = redis.call('GET', bucket_map_key)
if bucket_id then
  bucket_state_key = bucket_state_prefix .. identity .. ':' .. bucket_id .. ':' .. major_parameter
  local state = redis.call('HMGET', bucket_state_key, 'remaining', 'reset_at_unix_ms')
  local remaining = tonumber(state[1])
  local reset_at = tonumber(state[2])
  if remaining and reset_at and remaining <= 0 and reset_at > now then
    local retry_ms = reset_at - now
    if retry_ms < min_retry_ms then retry_ms = min_retry_ms end
    return {0, retry_ms, 'bucket_exhausted'}
  end
end

local global_count = redis.call('INCR', global_key)
if global_count == 1 then redis.call('PEXPIRE', global_key, ttl_ms) end
if global_count > global_limit then
  local retry_ms = redis.call('PTTL', global_key)
  if retry_ms < min_retry_ms then retry_ms = min_retry_ms end
  return {0, retry_ms, 'global_bucket_exhausted'}
end

local route_count = redis.call('INCR', route_key)
if route_count == 1 then redis.call('PEXPIRE', route_key, ttl_ms) end
if route_count > route_limit then
  local retry_ms = redis.call('PTTL', route_key)
  if retry_ms < min_retry_ms then retry_ms = min_retry_ms end
  return {0, retry_ms, 'route_bucket_exhausted'}
end

if bucket_state_key then
  local remaining = tonumber(redis.call('HGET', bucket_state_key, 'remaining'))
  if remaining and remaining > 0 then
    redis.call('HINCRBY', bucket_state_key, 'remaining', -1)
  end
end

return {1, 0, 'ok'}
`

// observationLua is the Observation Ingester, spec.md §4.3: bucket mapping,
// bucket-state calibration with stale-write rejection, and invalid-request
// counting/guardrail tripping, all inside one script per report.
//
// KEYS[1] = bucket_map:{method}:{route}
// KEYS[2] = invalid:{group}
// KEYS[3] = guard:{group}
// ARGV[1] = reported bucket id ('' if absent)
// ARGV[2] = '1'/'0' has bucket fields (limit/remaining/reset_after_s)
// ARGV[3] = limit, ARGV[4] = remaining, ARGV[5] = reset_after_s
// ARGV[6] = scope, ARGV[7] = identity, ARGV[8] = major_parameter
// ARGV[9] = observed_at_unix_ms, ARGV[10] = bucket_state key prefix
// ARGV[11] = '1'/'0' counts_toward_invalid, ARGV[12] = invalid_threshold
// ARGV[13] = guardrail_cooldown_ms
const observationLua = `
local bucket_map_key = KEYS[1]
local invalid_key = KEYS[2]
local guard_key = KEYS[3]

local reported_bucket = ARGV[1]
local has_bucket_fields = ARGV[2] == '1'
local limit = tonumber(ARGV[3])
local remaining = tonumber(ARGV[4])
local reset_after_s = tonumber(ARGV[5])
local scope = ARGV[6]
local identity = ARGV[7]
local major_parameter = ARGV[8]
local observed_at = tonumber(ARGV[9])
local bucket_state_prefix = ARGV[10]
local counts_toward_invalid = ARGV[11] == '1'
local invalid_threshold = tonumber(ARGV[12])
local guardrail_cooldown_ms = tonumber(ARGV[13])

local bucket_written = 0
if reported_bucket ~= '' then
  redis.call('SET', bucket_map_key, reported_bucket, 'EX', 86400)
  bucket_written = 1
end

local state_written = 0
if has_bucket_fields then
  local bucket_id = reported_bucket
  if bucket_id == '' then
    bucket_id = redis.call('GET', bucket_map_key)
  end
  if bucket_id then
    local bucket_state_key = bucket_state_prefix .. identity .. ':' .. bucket_id .. ':' .. major_parameter
    local stored_obs = tonumber(redis.call('HGET', bucket_state_key, 'observed_at_unix_ms'))
    if not stored_obs or observed_at >= stored_obs then
      local reset_at_unix_ms = observed_at + (reset_after_s * 1000)
      redis.call('HSET', bucket_state_key,
        'limit', limit, 'remaining', remaining,
        'reset_at_unix_ms', reset_at_unix_ms,
        'scope', scope, 'observed_at_unix_ms', observed_at)
      redis.call('PEXPIRE', bucket_state_key, math.floor(reset_after_s * 1000) + 5000)
      state_written = 1
    end
  end
end

local invalid_count = -1
local guardrail_tripped = 0
if counts_toward_invalid then
  invalid_count = redis.call('INCR', invalid_key)
  if invalid_count == 1 then redis.call('EXPIRE', invalid_key, 600) end
  if invalid_count >= invalid_threshold then
    redis.call('PSETEX', guard_key, guardrail_cooldown_ms, invalid_count)
    guardrail_tripped = 1
  end
end

return {bucket_written, state_written, invalid_count, guardrail_tripped}
`

// permitTokenHash/observationHash are computed once at package init via
// go-redis, the same way the teacher's tokenBucketScript.Hash() avoids a
// direct crypto/sha1 import in this package.
var (
	permitTokenHash = goredis.NewScript(permitTokenLua).Hash()
	observationHash = goredis.NewScript(observationLua).Hash()
)

// ErrEngineClosed is returned when a call is made after Close.
var ErrEngineClosed = errors.New("permit: engine is closed")

// Input is the subset of a permit request the Atomic Permit Script needs.
// Identity/GroupID/Method/RoutePattern/MajorParameter are normalized with
// store.NormalizeKeyPart before they reach the key layout.
type Input struct {
	Identity       string
	GroupID        string
	Method         string
	RoutePattern   string
	MajorParameter string
}

// Decision is the APS's raw output, spec.md §4.2.
type Decision struct {
	Granted      bool
	RetryAfterMS int64
	Reason       string
	// Errored is true when the decision was synthesized locally because the
	// store was unreachable (see PermitConfig.FailurePolicy), rather than
	// computed by the script.
	Errored bool
}

// Observation is the input to the Observation Ingester, spec.md §4.3/§6.
// Pointer fields are optional ("number|null" in the wire contract); a nil
// field means the header was absent from the observed response.
type Observation struct {
	GroupID        string
	Identity       string
	Method         string
	RoutePattern   string
	MajorParameter string
	RequestID      string
	StatusCode     int
	Bucket         string // x_ratelimit_bucket, "" if absent
	Limit          *float64
	Remaining      *float64
	ResetAfterS    *float64
	Scope          string // x_ratelimit_scope: user|global|shared|""
	ObservedAtMS   int64
}

// Result summarizes what the Observation Ingester actually did, for metrics
// and tests.
type Result struct {
	BucketMapWritten   bool
	BucketStateWritten bool
	InvalidCount       int64 // -1 when the report did not count toward the invalid limit
	GuardrailTripped   bool
}

// Engine executes the Atomic Permit Script and the Observation Ingester
// against the Shared Counter Store.
type Engine struct {
	client    store.Client
	logger    *slog.Logger
	cfg       config.PermitConfig
	keyPrefix string
}

// NewEngine builds a permit Engine. keyPrefix is StoreConfig.KeyPrefix
// (default "arb:").
func NewEngine(client store.Client, cfg config.PermitConfig, keyPrefix string, logger *slog.Logger) *Engine {
	return &Engine{
		client:    client,
		logger:    logger.With("component", "permit"),
		cfg:       cfg,
		keyPrefix: keyPrefix,
	}
}

// UpdateConfig swaps in hot-reloaded permit knobs (spec.md config §6).
// Callers must not retain the old PermitConfig after calling this.
func (e *Engine) UpdateConfig(cfg config.PermitConfig) {
	e.cfg = cfg
}

func (e *Engine) key(parts ...string) string {
	s := e.keyPrefix
	for i, p := range parts {
		if i > 0 {
			s += ":"
		}
		s += p
	}
	return s
}

// eval runs a script via EVALSHA, falling back to EVAL once on NOSCRIPT —
// the same idiom as the teacher's ratelimit.Limiter.evalScript.
func (e *Engine) eval(ctx context.Context, hash, src string, keys []string, args ...any) (*goredis.Cmd, error) {
	cmd := e.client.EvalSha(ctx, hash, keys, args...)
	if cmd.Err() != nil && store.IsNoScriptErr(cmd.Err()) {
		e.logger.DebugContext(ctx, "EVALSHA returned NOSCRIPT, falling back to EVAL", "error", cmd.Err())
		cmd = e.client.Eval(ctx, src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Decide executes the Atomic Permit Script for one permit request. On a
// store error it applies PermitConfig.FailurePolicy: fail-open grants with
// reason "scs_unavailable"; fail-closed denies with retry_after_ms =
// MinRetryMS (spec.md §4.4 failure semantics).
func (e *Engine) Decide(ctx context.Context, in Input) (*Decision, error) {
	now := time.Now().UnixMilli()
	identity := store.NormalizeKeyPart(in.Identity)
	group := store.NormalizeKeyPart(in.GroupID)
	method := store.NormalizeKeyPart(in.Method)
	route := store.NormalizeKeyPart(in.RoutePattern)
	major := store.NormalizeKeyPart(in.MajorParameter)
	second := now / 1000

	guardKey := e.key("guard", group)
	globalKey := e.key("global", identity, fmt.Sprint(second))
	routeKey := e.key("route", identity, method, route, major, fmt.Sprint(second))
	bucketMapKey := e.key("bucket_map", method, route)
	bucketStatePrefix := e.key("bucket_state") + ":"

	cmd, err := e.eval(ctx, permitTokenHash, permitTokenLua,
		[]string{guardKey, globalKey, routeKey, bucketMapKey},
		e.cfg.GlobalRPS, e.cfg.RouteRPS, globalWindowTTLMS, e.cfg.MinRetryMS,
		identity, major, now, bucketStatePrefix,
	)
	if err != nil {
		return e.onStoreError(err), nil
	}

	arr, err := cmd.Slice()
	if err != nil || len(arr) != 3 {
		return e.onStoreError(fmt.Errorf("permit: malformed APS result: %w", err)), nil
	}

	granted, reason := arr[0], arr[2]
	retryAfter, rErr := toInt64(arr[1])
	if rErr != nil {
		return e.onStoreError(fmt.Errorf("permit: parsing retry_after: %w", rErr)), nil
	}
	grantedInt, gErr := toInt64(granted)
	if gErr != nil {
		return e.onStoreError(fmt.Errorf("permit: parsing granted: %w", gErr)), nil
	}

	return &Decision{
		Granted:      grantedInt == 1,
		RetryAfterMS: retryAfter,
		Reason:       fmt.Sprint(reason),
	}, nil
}

// onStoreError applies the configured failure policy for a store error
// inside the APS. Fail-open is the default (spec.md §4.4, open question 1).
func (e *Engine) onStoreError(err error) *Decision {
	e.logger.Warn("store error during permit decision", "error", err, "failure_policy", e.cfg.FailurePolicy)
	if e.cfg.FailurePolicy == config.FailurePolicyFailClosed {
		return &Decision{Granted: false, RetryAfterMS: e.cfg.MinRetryMS, Reason: ReasonStoreUnavailable, Errored: true}
	}
	return &Decision{Granted: true, RetryAfterMS: 0, Reason: ReasonStoreUnavailable, Errored: true}
}

// countsTowardInvalidLimit mirrors the original reference's
// counts_toward_invalid_limit exactly: 401/403 always count, 429 counts
// unless the reported scope is "shared" (spec.md §4.3).
func countsTowardInvalidLimit(statusCode int, scope string) bool {
	switch statusCode {
	case 401, 403:
		return true
	case 429:
		return scope != "shared"
	default:
		return false
	}
}

// Ingest applies one observation report (spec.md §4.3). It also writes a
// best-effort report-deduplication marker, adopted from
// original_source/orchestrator/src/main.rs, independent of and non-blocking
// toward the rest of the ingestion.
func (e *Engine) Ingest(ctx context.Context, obs Observation) (*Result, error) {
	if obs.RequestID != "" {
		dedupKey := e.key("report", fmt.Sprint(obs.StatusCode), obs.RequestID)
		if err := e.client.Set(ctx, dedupKey, 1, reportDedupTTL).Err(); err != nil {
			e.logger.WarnContext(ctx, "failed to write report dedup marker", "error", err)
		}
	}

	group := store.NormalizeKeyPart(obs.GroupID)
	identity := store.NormalizeKeyPart(obs.Identity)
	method := store.NormalizeKeyPart(obs.Method)
	route := store.NormalizeKeyPart(obs.RoutePattern)
	major := store.NormalizeKeyPart(obs.MajorParameter)

	bucketMapKey := e.key("bucket_map", method, route)
	invalidKey := e.key("invalid", group)
	guardKey := e.key("guard", group)
	bucketStatePrefix := e.key("bucket_state") + ":"

	hasBucketFields := obs.Limit != nil && obs.Remaining != nil && obs.ResetAfterS != nil
	counts := countsTowardInvalidLimit(obs.StatusCode, obs.Scope)

	var limit, remaining, resetAfterS float64
	if hasBucketFields {
		limit, remaining, resetAfterS = *obs.Limit, *obs.Remaining, *obs.ResetAfterS
	}

	cmd, err := e.eval(ctx, observationHash, observationLua,
		[]string{bucketMapKey, invalidKey, guardKey},
		obs.Bucket, boolFlag(hasBucketFields),
		limit, remaining, resetAfterS,
		obs.Scope, identity, major, obs.ObservedAtMS, bucketStatePrefix,
		boolFlag(counts), e.cfg.InvalidThreshold, e.cfg.GuardrailCooldownMS,
	)
	if err != nil {
		e.logger.WarnContext(ctx, "store error during observation ingest, dropping", "error", err)
		return nil, err
	}

	arr, err := cmd.Slice()
	if err != nil || len(arr) != 4 {
		return nil, fmt.Errorf("permit: malformed OI result: %w", err)
	}

	bucketWritten, _ := toInt64(arr[0])
	stateWritten, _ := toInt64(arr[1])
	invalidCount, _ := toInt64(arr[2])
	guardTripped, _ := toInt64(arr[3])

	return &Result{
		BucketMapWritten:   bucketWritten == 1,
		BucketStateWritten: stateWritten == 1,
		InvalidCount:       invalidCount,
		GuardrailTripped:   guardTripped == 1,
	}, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		var n int64
		_, err := fmt.Sscanf(x, "%d", &n)
		return n, err
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

package arbiter

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/permitarbiter/arbiter/internal/events"
	"github.com/permitarbiter/arbiter/internal/permit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// decide runs the Atomic Permit Script bounded by storeSem, so a fleet
// spike queues on the semaphore instead of piling concurrent script
// executions onto the store (StoreConfig.MaxConcurrentOps).
func (s *Service) decide(ctx context.Context, in permit.Input) (*permit.Decision, error) {
	if err := s.storeSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.storeSem.Release(1)
	return s.engine.Decide(ctx, in)
}

// ingest runs the Observation Ingester bounded by the same semaphore.
func (s *Service) ingest(ctx context.Context, obs permit.Observation) (*permit.Result, error) {
	if err := s.storeSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.storeSem.Release(1)
	return s.engine.Ingest(ctx, obs)
}

// requestTokenHandler implements POST /request_token (spec.md §4.4). It
// invokes the Atomic Permit Script and, when max_wait_ms allows it, retries
// in a bounded loop the same way original_source/orchestrator/src/main.rs's
// request_token handler does: accumulate waited_ms against both the
// caller's max_wait_ms and the service's own MaxServerWaitMS ceiling.
func (s *Service) requestTokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "request_token")
	defer span.End()

	var req requestTokenWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.DiscordIdentity == "" || req.Method == "" || req.Route == "" {
		span.SetStatus(codes.Error, "missing required fields")
		http.Error(w, `{"error":"discord_identity, method, and route are required"}`, http.StatusBadRequest)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("arbiter.identity", req.DiscordIdentity),
		attribute.String("arbiter.route", req.Route),
		attribute.String("arbiter.request_id", req.RequestID),
	)

	s.metrics.InflightRequests.Inc()
	defer s.metrics.InflightRequests.Dec()

	in := permit.Input{
		Identity:       req.DiscordIdentity,
		GroupID:        req.GroupID,
		Method:         req.Method,
		RoutePattern:   req.Route,
		MajorParameter: req.MajorParameter,
	}

	maxWaitMS := req.MaxWaitMS
	if s.cfg.MaxServerWaitMS > 0 && maxWaitMS > s.cfg.MaxServerWaitMS {
		maxWaitMS = s.cfg.MaxServerWaitMS
	}

	started := time.Now()
	deadline := started.Add(time.Duration(maxWaitMS) * time.Millisecond)
	var waitedMS int64

	for {
		decision, err := s.decide(ctx, in)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "permit engine error")
			s.logger.Error("request_token: permit engine error", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}

		if decision.Granted {
			s.metrics.RequestGranted.Inc()
			s.metrics.TokensGrantedTotal.Inc()
			s.metrics.RequestWaitMS.Observe(float64(waitedMS))
			span.SetAttributes(attribute.Bool("arbiter.granted", true))

			now := time.Now()
			leaseID := "lease-" + req.RequestID + "-" + strconv.FormatInt(now.UnixMilli(), 10)
			resp := requestTokenResponseWire{
				Granted:         true,
				NotBeforeUnixMS: now.UnixMilli(),
				LeaseID:         &leaseID,
				Reason:          decision.Reason,
			}
			s.emitDecision(req, decision, true)
			writeJSON(w, http.StatusOK, resp)
			return
		}

		now := time.Now()
		retryAfter := decision.RetryAfterMS
		if retryAfter < s.cfg.MinRetryMS {
			retryAfter = s.cfg.MinRetryMS
		}
		canWait := maxWaitMS > 0 &&
			now.Before(deadline) &&
			now.Add(time.Duration(retryAfter)*time.Millisecond).Before(deadline.Add(time.Millisecond)) &&
			waitedMS+retryAfter <= maxWaitMS

		if canWait {
			s.metrics.QueueDepth.Inc()
			select {
			case <-time.After(time.Duration(retryAfter) * time.Millisecond):
			case <-ctx.Done():
				s.metrics.QueueDepth.Dec()
				return
			}
			s.metrics.QueueDepth.Dec()
			waitedMS += retryAfter
			continue
		}

		if decision.Errored {
			s.metrics.RequestError.Inc()
		} else {
			s.metrics.RequestDenied.Inc()
		}
		s.metrics.TokensDeniedTotal.Inc()
		s.metrics.RequestWaitMS.Observe(float64(waitedMS))
		span.SetAttributes(
			attribute.Bool("arbiter.granted", false),
			attribute.String("arbiter.deny_reason", decision.Reason),
		)

		resp := requestTokenResponseWire{
			Granted:         false,
			NotBeforeUnixMS: now.Add(time.Duration(retryAfter) * time.Millisecond).UnixMilli(),
			RetryAfterMS:    &retryAfter,
			Reason:          decision.Reason,
		}
		s.emitDecision(req, decision, false)
		writeJSON(w, http.StatusOK, resp)
		return
	}
}

// reportResultHandler implements POST /report_result (spec.md §4.4). It
// always returns 200 — failures are recorded as internal counters, never
// surfaced to the caller, so a reporting client never retries a report.
func (s *Service) reportResultHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "report_result")
	defer span.End()

	var req reportResultWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	scope := stringOrEmpty(req.XRatelimitScope)
	span.SetAttributes(
		attribute.String("arbiter.identity", req.DiscordIdentity),
		attribute.String("arbiter.route", req.Route),
		attribute.Int("arbiter.status_code", req.StatusCode),
		attribute.String("arbiter.scope", scope),
	)
	if req.StatusCode == 429 {
		s.metrics.IncObserved429(scope)
	}
	if req.StatusCode == 401 || req.StatusCode == 403 || (req.StatusCode == 429 && scope != "shared") {
		s.metrics.IncInvalid(req.StatusCode)
	}

	obs := permit.Observation{
		GroupID:        req.GroupID,
		Identity:       req.DiscordIdentity,
		Method:         req.Method,
		RoutePattern:   req.Route,
		MajorParameter: req.MajorParameter,
		RequestID:      req.RequestID,
		StatusCode:     req.StatusCode,
		Bucket:         stringOrEmpty(req.XRatelimitBucket),
		Limit:          req.XRatelimitLimit,
		Remaining:      req.XRatelimitRemaining,
		ResetAfterS:    req.XRatelimitResetAfterS,
		Scope:          scope,
		ObservedAtMS:   req.ObservedAtUnixMS,
	}
	if obs.ObservedAtMS == 0 {
		obs.ObservedAtMS = time.Now().UnixMilli()
	}

	if _, err := s.ingest(ctx, obs); err != nil {
		s.metrics.StoreErrorsTotal.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		s.logger.Warn("report_result: ingest failed, dropping observation", "error", err)
	}

	writeJSON(w, http.StatusOK, reportResultResponseWire{OK: true})
}

func (s *Service) emitDecision(req requestTokenWire, d *permit.Decision, granted bool) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(events.DecisionEvent{
		GroupID:        req.GroupID,
		Identity:       req.DiscordIdentity,
		Method:         req.Method,
		RoutePattern:   req.Route,
		MajorParameter: req.MajorParameter,
		Granted:        granted,
		RetryAfterMS:   d.RetryAfterMS,
		Reason:         d.Reason,
		Timestamp:      time.Now().Format(time.RFC3339),
		RequestID:      req.RequestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

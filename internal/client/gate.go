// Package client implements the Client Admission Gate (CAG), spec.md
// §4.5: the per-call wrapper bots use to coordinate outbound calls to the
// external REST API through the Arbiter Service, falling back to the
// Local Pacer when the arbiter is unreachable.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/permitarbiter/arbiter/internal/config"
	"github.com/permitarbiter/arbiter/internal/pacer"
)

// ErrRetryExhausted is returned when a call exhausts its deny-retry budget
// without ever being granted (spec.md §4.5 step 2, §8 "Retry exhaustion").
var ErrRetryExhausted = errors.New("client: retry budget exhausted waiting for a permit")

// Request is the per-call metadata the gate needs to build a permit
// request. RequestID is minted if empty.
type Request struct {
	ClientID       string
	GroupID        string
	Identity       string
	Method         string
	RoutePattern   string
	MajorParameter string
	Priority       string // low|normal|high, default "normal"
	MaxWaitMS      int64
	RequestID      string
}

// Response is what the executor returns: the external call's status code
// and response headers, plus whatever retry_after (seconds) the response
// body itself carried, if any. Get on Headers is case-insensitive,
// satisfying the spec's "normalizes header keys to lower case before
// reading". BodyRetryAfterS is needed because the external API sometimes
// reports a conflicting Retry-After in its header vs. its JSON body on a
// 429; the gate resolves that per spec.md's open question 2 by reporting
// max(header, body).
type Response struct {
	StatusCode      int
	Headers         http.Header
	BodyRetryAfterS *float64
}

// Executor performs the actual external call. It may return an error
// instead of a Response; the gate still reports an observation (status
// 500) and re-raises the error, per spec.md §4.5 step 5.
type Executor func(ctx context.Context) (Response, error)

// Gate is the Client Admission Gate.
type Gate struct {
	cfg        config.GatewayConfig
	arbiterURL string
	httpClient *http.Client
	pacer      *pacer.Pacer
	breaker    *circuitBreaker
	logger     *slog.Logger
	metrics    *GateMetrics
}

// New builds a Client Admission Gate. fallback is the Local Pacer used
// when the arbiter is unreachable or its circuit breaker is open.
func New(cfg config.GatewayConfig, fallback *pacer.Pacer, metrics *GateMetrics, logger *slog.Logger) *Gate {
	timeout := config.MustParseDuration(cfg.Timeout, 5*time.Second)

	return &Gate{
		cfg:        cfg,
		arbiterURL: cfg.ArbiterURL,
		httpClient: &http.Client{Timeout: timeout},
		pacer:      fallback,
		breaker:    newCircuitBreaker(cfg.CircuitBreaker),
		logger:     logger.With("component", "gate"),
		metrics:    metrics,
	}
}

// outcome classifies a request_token round trip (spec.md §4.5 step 1).
type outcome int

const (
	outcomeFallback outcome = iota
	outcomeGrant
	outcomeDeny
)

// requestResult is the classified outcome of one request_token round trip.
type requestResult struct {
	outcome        outcome
	leaseID        string
	retryAfterMS   int64
	fallbackReason string
}

// WithPermit runs exec under the admission gate: request a permit, execute,
// report, retrying denials up to cfg.MaxRetries times and falling back to
// the Local Pacer when the arbiter can't be reached (spec.md §4.5).
func (g *Gate) WithPermit(ctx context.Context, req Request, exec Executor) (Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Priority == "" {
		req.Priority = "normal"
	}

	maxRetries := g.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 100
	}
	minRetryMS := g.cfg.MinRetryMS
	if minRetryMS <= 0 {
		minRetryMS = 50
	}

	for attempt := 0; ; attempt++ {
		result := g.requestToken(ctx, req)

		switch result.outcome {
		case outcomeGrant:
			g.breaker.recordSuccess()
			if g.metrics != nil {
				g.metrics.Grants.Inc()
			}
			return g.runAndReport(ctx, req, exec, "")

		case outcomeDeny:
			g.breaker.recordSuccess()
			if g.metrics != nil {
				g.metrics.Denials.Inc()
			}
			if attempt+1 >= maxRetries {
				if g.metrics != nil {
					g.metrics.RetryExhausted.Inc()
				}
				return Response{}, ErrRetryExhausted
			}
			retryAfter := result.retryAfterMS
			if retryAfter < minRetryMS {
				retryAfter = minRetryMS
			}
			if err := sleepCtx(ctx, time.Duration(retryAfter)*time.Millisecond); err != nil {
				return Response{}, err
			}
			continue

		case outcomeFallback:
			g.breaker.recordFailure()
			if g.metrics != nil {
				g.metrics.Fallbacks.Inc()
			}
			if g.pacer != nil {
				if err := g.pacer.Acquire(ctx, req.Identity, req.Method, req.RoutePattern, req.MajorParameter); err != nil {
					return Response{}, err
				}
			}
			return g.runAndReport(ctx, req, exec, result.fallbackReason)
		}
	}
}

// requestToken calls the arbiter's request_token endpoint and classifies
// the result per spec.md §4.5 step 1. The circuit breaker short-circuits
// straight to fallback when open, without touching the network.
func (g *Gate) requestToken(ctx context.Context, req Request) requestResult {
	if g.breaker.isOpen() {
		return requestResult{outcome: outcomeFallback, fallbackReason: "circuit_open"}
	}

	body, err := json.Marshal(requestTokenWire{
		ClientID:        req.ClientID,
		GroupID:         req.GroupID,
		DiscordIdentity: req.Identity,
		Method:          req.Method,
		Route:           req.RoutePattern,
		MajorParameter:  req.MajorParameter,
		Priority:        req.Priority,
		MaxWaitMS:       req.MaxWaitMS,
		RequestID:       req.RequestID,
	})
	if err != nil {
		return requestResult{outcome: outcomeFallback, fallbackReason: "marshal_error"}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.arbiterURL+"/request_token", bytes.NewReader(body))
	if err != nil {
		return requestResult{outcome: outcomeFallback, fallbackReason: "orchestrator_down"}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		g.logger.Warn("request_token unreachable, falling back", "error", err)
		return requestResult{outcome: outcomeFallback, fallbackReason: "orchestrator_down"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		g.logger.Warn("request_token returned non-success status", "status_code", resp.StatusCode)
		return requestResult{outcome: outcomeFallback, fallbackReason: fmt.Sprintf("orchestrator_http_%d", resp.StatusCode)}
	}

	var wire requestTokenResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return requestResult{outcome: outcomeFallback, fallbackReason: "decode_error"}
	}

	if wire.Granted {
		lease := ""
		if wire.LeaseID != nil {
			lease = *wire.LeaseID
		}
		return requestResult{outcome: outcomeGrant, leaseID: lease}
	}

	var retryAfter int64
	if wire.RetryAfterMS != nil {
		retryAfter = *wire.RetryAfterMS
	}
	return requestResult{outcome: outcomeDeny, retryAfterMS: retryAfter}
}

// runAndReport invokes exec, builds an observation report from the
// response (or a synthetic 500 on executor error), reports it best-effort,
// and re-raises any executor error (spec.md §4.5 step 5).
func (g *Gate) runAndReport(ctx context.Context, req Request, exec Executor, fallbackReason string) (Response, error) {
	resp, execErr := exec(ctx)

	statusCode := resp.StatusCode
	headers := resp.Headers
	bodyRetryAfterS := resp.BodyRetryAfterS
	if execErr != nil {
		statusCode = http.StatusInternalServerError
		headers = http.Header{}
		bodyRetryAfterS = nil
	}

	g.reportResult(ctx, req, statusCode, headers, bodyRetryAfterS, fallbackReason)

	if execErr != nil {
		return Response{}, execErr
	}
	return resp, nil
}

// reportResult calls the arbiter's report_result endpoint best-effort: a
// failure here is logged and dropped, never surfaced to the caller
// (spec.md §4.5 step 5, §7 "report_result is fire-and-forget").
func (g *Gate) reportResult(ctx context.Context, req Request, statusCode int, headers http.Header, bodyRetryAfterS *float64, fallbackReason string) {
	now := time.Now().UnixMilli()

	wire := reportResultWire{
		ClientID:         req.ClientID,
		GroupID:          req.GroupID,
		DiscordIdentity:  req.Identity,
		Method:           req.Method,
		Route:            req.RoutePattern,
		MajorParameter:   req.MajorParameter,
		RequestID:        req.RequestID,
		StatusCode:       statusCode,
		ObservedAtUnixMS: now,
	}
	if fallbackReason != "" {
		wire.FallbackReason = &fallbackReason
	}
	if bucket := headers.Get("X-RateLimit-Bucket"); bucket != "" {
		wire.XRatelimitBucket = &bucket
	}
	wire.XRatelimitLimit = parseHeaderFloat(headers, "X-RateLimit-Limit")
	wire.XRatelimitRemaining = parseHeaderFloat(headers, "X-RateLimit-Remaining")
	wire.XRatelimitResetAfterS = parseHeaderFloat(headers, "X-RateLimit-Reset-After")
	if scope := headers.Get("X-RateLimit-Scope"); scope != "" {
		wire.XRatelimitScope = &scope
	}

	// The external API sometimes disagrees with itself about Retry-After
	// between header and body on a 429; report the larger (spec.md design
	// notes, open question 2).
	headerRetryAfterS := parseHeaderFloat(headers, "Retry-After")
	retryAfterS := maxRetryAfterS(headerRetryAfterS, bodyRetryAfterS)
	if retryAfterS != nil {
		ms := int64(*retryAfterS * 1000)
		wire.RetryAfterMS = &ms
	}

	body, err := json.Marshal(wire)
	if err != nil {
		g.logger.Warn("report_result: failed to marshal observation", "error", err)
		return
	}

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reportCtx, http.MethodPost, g.arbiterURL+"/report_result", bytes.NewReader(body))
	if err != nil {
		g.logger.Warn("report_result: failed to build request", "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		g.logger.Warn("report_result: arbiter unreachable, dropping observation", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		g.logger.Warn("report_result: arbiter returned non-success status", "status_code", resp.StatusCode)
	}
}

func parseHeaderFloat(headers http.Header, name string) *float64 {
	v := headers.Get(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// maxRetryAfterS resolves a possibly-conflicting header/body Retry-After
// pair to their max, per spec.md's open question 2. Either may be nil.
func maxRetryAfterS(header, body *float64) *float64 {
	switch {
	case header == nil:
		return body
	case body == nil:
		return header
	case *body > *header:
		return body
	default:
		return header
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

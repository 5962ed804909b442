package client

// requestTokenWire and reportResultWire mirror internal/arbiter's wire
// types field-for-field (spec.md §6 — interoperability requirement). They
// are duplicated rather than imported because the gate is meant to be
// usable as a standalone library by callers that do not depend on the
// arbiter binary.
type requestTokenWire struct {
	ClientID        string `json:"client_id"`
	GroupID         string `json:"group_id"`
	DiscordIdentity string `json:"discord_identity"`
	Method          string `json:"method"`
	Route           string `json:"route"`
	MajorParameter  string `json:"major_parameter"`
	Priority        string `json:"priority"`
	MaxWaitMS       int64  `json:"max_wait_ms"`
	RequestID       string `json:"request_id"`
}

type requestTokenResponseWire struct {
	Granted         bool    `json:"granted"`
	NotBeforeUnixMS int64   `json:"not_before_unix_ms"`
	RetryAfterMS    *int64  `json:"retry_after_ms,omitempty"`
	LeaseID         *string `json:"lease_id,omitempty"`
	Reason          string  `json:"reason"`
}

type reportResultWire struct {
	ClientID              string   `json:"client_id"`
	GroupID               string   `json:"group_id"`
	DiscordIdentity       string   `json:"discord_identity"`
	Method                string   `json:"method"`
	Route                 string   `json:"route"`
	MajorParameter        string   `json:"major_parameter"`
	RequestID             string   `json:"request_id"`
	StatusCode            int      `json:"status_code"`
	XRatelimitBucket      *string  `json:"x_ratelimit_bucket"`
	XRatelimitLimit       *float64 `json:"x_ratelimit_limit"`
	XRatelimitRemaining   *float64 `json:"x_ratelimit_remaining"`
	XRatelimitResetAfterS *float64 `json:"x_ratelimit_reset_after_s"`
	XRatelimitScope       *string  `json:"x_ratelimit_scope"`
	RetryAfterMS          *int64   `json:"retry_after_ms"`
	FallbackReason        *string  `json:"fallback_reason"`
	ObservedAtUnixMS      int64    `json:"observed_at_unix_ms"`
}

type reportResultResponseWire struct {
	OK bool `json:"ok"`
}

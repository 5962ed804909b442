package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/permitarbiter/arbiter/internal/config"
	"github.com/permitarbiter/arbiter/internal/pacer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(t *testing.T, arbiterURL string, maxRetries int) *Gate {
	t.Helper()
	p, err := pacer.New(config.PacerConfig{GlobalRPS: 1000, RouteRPS: 1000}, testLogger())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	return New(config.GatewayConfig{
		ArbiterURL: arbiterURL,
		Timeout:    "1s",
		MaxRetries: maxRetries,
		MinRetryMS: 1,
	}, p, NewGateMetrics(nil), testLogger())
}

func testRequest() Request {
	return Request{
		ClientID:       "bot-1",
		GroupID:        "egress-1",
		Identity:       "identity-1",
		Method:         "GET",
		RoutePattern:   "/channels/{channel_id}/messages",
		MajorParameter: "123",
	}
}

func TestGate_GrantExecutesAndReports(t *testing.T) {
	var reported atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/request_token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(requestTokenResponseWire{Granted: true, Reason: "ok"})
	})
	mux.HandleFunc("/report_result", func(w http.ResponseWriter, r *http.Request) {
		var body reportResultWire
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 204, body.StatusCode)
		reported.Store(true)
		json.NewEncoder(w).Encode(reportResultResponseWire{OK: true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := newTestGate(t, srv.URL, 5)

	resp, err := g.WithPermit(context.Background(), testRequest(), func(ctx context.Context) (Response, error) {
		return Response{StatusCode: 204, Headers: http.Header{}}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.True(t, reported.Load(), "observation should have been reported")
}

func TestGate_DeniedThenGranted(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/request_token", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			json.NewEncoder(w).Encode(requestTokenResponseWire{Granted: false, Reason: "global_bucket_exhausted", RetryAfterMS: ptrInt64(1)})
			return
		}
		json.NewEncoder(w).Encode(requestTokenResponseWire{Granted: true, Reason: "ok"})
	})
	mux.HandleFunc("/report_result", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(reportResultResponseWire{OK: true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := newTestGate(t, srv.URL, 5)

	executed := false
	resp, err := g.WithPermit(context.Background(), testRequest(), func(ctx context.Context) (Response, error) {
		executed = true
		return Response{StatusCode: 200, Headers: http.Header{}}, nil
	})

	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGate_RetryExhausted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/request_token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(requestTokenResponseWire{Granted: false, Reason: "global_bucket_exhausted", RetryAfterMS: ptrInt64(1)})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := newTestGate(t, srv.URL, 3)

	_, err := g.WithPermit(context.Background(), testRequest(), func(ctx context.Context) (Response, error) {
		t.Fatal("executor should never run when retries are exhausted")
		return Response{}, nil
	})

	assert.ErrorIs(t, err, ErrRetryExhausted)
}

func TestGate_ArbiterUnreachableFallsBackToPacer(t *testing.T) {
	g := newTestGate(t, "http://127.0.0.1:0", 5)

	executed := false
	resp, err := g.WithPermit(context.Background(), testRequest(), func(ctx context.Context) (Response, error) {
		executed = true
		return Response{StatusCode: 200, Headers: http.Header{}}, nil
	})

	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestGate_ExecutorErrorIsReportedAndReraised(t *testing.T) {
	var reportedStatus int

	mux := http.NewServeMux()
	mux.HandleFunc("/request_token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(requestTokenResponseWire{Granted: true, Reason: "ok"})
	})
	mux.HandleFunc("/report_result", func(w http.ResponseWriter, r *http.Request) {
		var body reportResultWire
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		reportedStatus = body.StatusCode
		json.NewEncoder(w).Encode(reportResultResponseWire{OK: true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := newTestGate(t, srv.URL, 5)

	wantErr := errors.New("boom")
	_, err := g.WithPermit(context.Background(), testRequest(), func(ctx context.Context) (Response, error) {
		return Response{}, wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, http.StatusInternalServerError, reportedStatus)
}

func ptrInt64(v int64) *int64 { return &v }

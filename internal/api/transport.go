// Package api sends authenticated requests to the to-do backend. Every
// request carries the current access token, and a single 401 is recovered
// by refreshing the session and resending the request once.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/al-bashkir/todoctl/internal/config"
	"github.com/al-bashkir/todoctl/internal/logsanitize"
)

// RequestIDHeader carries a per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// TokenSource returns the access token of the current session, or "".
type TokenSource interface {
	AccessToken() string
}

// Refresher mints a new access token and clears the local session when
// that is impossible.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
	ForceLogout()
}

type retriedKey struct{}

// withRetried marks ctx as belonging to a request that already went through
// one refresh-and-retry cycle.
func withRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

// Retried reports whether ctx carries the retry marker.
func Retried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// Transport is an http.RoundTripper that attaches bearer credentials and
// recovers from one expired access token per request.
type Transport struct {
	base      http.RoundTripper
	tokens    TokenSource
	refresher Refresher
	limiter   *rate.Limiter
}

// NewTransport wraps base (http.DefaultTransport when nil). A nil limiter
// disables client-side rate limiting.
func NewTransport(base http.RoundTripper, tokens TokenSource, refresher Refresher, limiter *rate.Limiter) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:      base,
		tokens:    tokens,
		refresher: refresher,
		limiter:   limiter,
	}
}

// NewLimiter builds the outgoing request limiter from cfg. It returns nil
// when rate limiting is disabled.
func NewLimiter(cfg *config.APIConfig) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}

// NewClient returns an HTTP client that sends every request through t.
func NewClient(timeout time.Duration, t http.RoundTripper) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: t,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.wait(req.Context()); err != nil {
		return nil, err
	}

	out, err := prepare(req)
	if err != nil {
		return nil, err
	}
	t.authorize(out, t.tokenOrEmpty())

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || Retried(req.Context()) {
		return resp, nil
	}

	return t.retry(out, resp)
}

// retry refreshes the session and resends req once. When the refresh fails
// the local session is cleared and the original 401 response is returned.
func (t *Transport) retry(req *http.Request, unauthorized *http.Response) (*http.Response, error) {
	ctx := withRetried(req.Context())
	requestID := req.Header.Get(RequestIDHeader)

	slog.Info("access token rejected, refreshing",
		"method", req.Method,
		"path", logsanitize.Sanitize(req.URL.Path),
		"request_id", requestID,
	)

	token, err := t.refresher.Refresh(ctx)
	if err != nil || token == "" {
		slog.Warn("token refresh failed, logging out",
			"request_id", requestID,
			"error", err,
		)
		t.refresher.ForceLogout()
		return unauthorized, nil
	}

	resend := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			// The refreshed session is valid; only this request is lost.
			drain(unauthorized)
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		resend.Body = body
	}
	t.authorize(resend, token)

	// The original 401 is only discarded once the resend is certain
	drain(unauthorized)

	if err := t.wait(ctx); err != nil {
		return nil, err
	}

	slog.Debug("resending request with refreshed token",
		"request_id", requestID,
		"token", logsanitize.Token(token),
	)
	return t.base.RoundTrip(resend)
}

func (t *Transport) tokenOrEmpty() string {
	if t.tokens == nil {
		return ""
	}
	return t.tokens.AccessToken()
}

// authorize sets or removes the bearer credential.
func (t *Transport) authorize(req *http.Request, token string) {
	if token == "" {
		req.Header.Del("Authorization")
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func (t *Transport) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// prepare clones req so the caller's request is never modified, adds the
// default headers and makes the body replayable.
func prepare(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())

	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}
	if out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}
	if out.Header.Get("Accept") == "" {
		out.Header.Set("Accept", "application/json")
	}

	if out.Body == nil || out.Body == http.NoBody || out.GetBody != nil {
		return out, nil
	}

	buf, err := io.ReadAll(out.Body)
	_ = out.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	out.Body = io.NopCloser(bytes.NewReader(buf))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	out.ContentLength = int64(len(buf))
	return out, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

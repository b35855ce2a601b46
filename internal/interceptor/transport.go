// Package interceptor attaches the bearer token to outbound requests and
// recovers once from an expired token.
package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"firefighter.org/internal/apiclient"
	"firefighter.org/internal/fault"
	"firefighter.org/internal/ids"
	"firefighter.org/internal/nav"
	"firefighter.org/internal/obs"
	"firefighter.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// maxErrorBody bounds how much of a 401 body is inspected.
	maxErrorBody = 64 << 10
)

// Terminator ends the session when the token cannot be recovered.
type Terminator interface {
	ForceSignOut(ctx context.Context, reason string)
}

// Transport is an http.RoundTripper. Requests to authentication endpoints
// are sent without a bearer token and their 401s pass through untouched.
type Transport struct {
	base http.RoundTripper
	src  token.Source
	term Terminator
	log  *zap.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the wrapped transport (default http.DefaultTransport).
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		if rt != nil {
			t.base = rt
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// New returns a transport reading tokens from src.
func New(src token.Source, term Terminator, opts ...Option) *Transport {
	t := &Transport{
		base: http.DefaultTransport,
		src:  src,
		term: term,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = obs.Or(t.log).Named("interceptor")
	return t
}

// IsAuthEndpoint reports whether path belongs to the authentication API.
func IsAuthEndpoint(path string) bool {
	return strings.Contains(path, "/auth/")
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	req = req.Clone(ctx)
	if err := bufferBody(req); err != nil {
		return nil, err
	}
	authless := IsAuthEndpoint(req.URL.Path)

	first, err := t.prepare(req, !authless)
	if err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || authless {
		return resp, err
	}

	if !expired(resp) {
		t.log.Info("request rejected with invalid token", zap.String("path", req.URL.Path))
		t.term.ForceSignOut(ctx, nav.ReasonInvalidToken)
		return resp, nil
	}
	if !t.src.Refresh(ctx) {
		obs.InterceptorRetries.WithLabelValues("refresh_failed").Inc()
		t.term.ForceSignOut(ctx, nav.ReasonSessionExpired)
		return resp, nil
	}

	retry, err := t.prepare(req, true)
	if err != nil {
		return resp, nil
	}
	if retry.Header.Get(authHeader) == "" {
		obs.InterceptorRetries.WithLabelValues("refresh_failed").Inc()
		t.term.ForceSignOut(ctx, nav.ReasonSessionExpired)
		return resp, nil
	}
	discard(resp)

	resp, err = t.base.RoundTrip(retry)
	if err != nil {
		obs.InterceptorRetries.WithLabelValues("error").Inc()
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// No second refresh: a rejected retry ends the session.
		obs.InterceptorRetries.WithLabelValues("unauthorized").Inc()
		t.term.ForceSignOut(ctx, nav.ReasonInvalidToken)
		return resp, nil
	}
	obs.InterceptorRetries.WithLabelValues("success").Inc()
	return resp, nil
}

// prepare clones req with a fresh body, request id and, when withToken is
// set and a token is available, the bearer header.
func (t *Transport) prepare(req *http.Request, withToken bool) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		out.Body = body
	}
	if out.Header.Get(ids.HeaderRequestID) == "" {
		out.Header.Set(ids.HeaderRequestID, ids.New())
	}
	out.Header.Del(authHeader)
	if withToken {
		if tok, ok := t.src.Current(req.Context()); ok {
			out.Header.Set(authHeader, bearer+tok.Value)
		}
	}
	return out, nil
}

// bufferBody makes req.Body replayable through GetBody.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

// expired inspects a 401 for an expiry signal and leaves the body readable.
func expired(resp *http.Response) bool {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return fault.Classify(apiclient.DecodeError(resp.StatusCode, resp.Header, raw)) == fault.AuthenticationExpired
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Package apiclient is the typed client for the FireFighter backend
// contracts the session runtime depends on.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"firefighter.org/internal/fault"
	"firefighter.org/internal/ids"
	"firefighter.org/internal/obs"
)

const (
	PathHealth        = "/health"
	PathVerifyUser    = "/users/verify"
	PathFirebaseLogin = "/auth/firebase-login"
	PathRefreshToken  = "/auth/refresh-token"

	maxBody = 1 << 20
)

// ErrEmptyToken is returned when an exchange succeeds without a token.
var ErrEmptyToken = errors.New("apiclient: response carried no token")

// Client calls the backend under one base URL.
type Client struct {
	base       string
	httpClient *http.Client
	log        *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the transport client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// New returns a client for baseURL, e.g. "http://localhost:8080/api".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = obs.Or(c.log).Named("apiclient")
	return c
}

// BaseURL returns the configured API base.
func (c *Client) BaseURL() string { return c.base }

// Health polls the liveness endpoint. A reachable backend reporting DOWN is
// not an error; callers inspect Status.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	if err := c.do(ctx, http.MethodGet, PathHealth, "", nil, &out); err != nil {
		return HealthStatus{}, err
	}
	return out, nil
}

// VerifyUser upserts the identity on the backend and returns its profile.
func (c *Client) VerifyUser(ctx context.Context, in VerifyRequest) (Profile, error) {
	form := url.Values{}
	form.Set("firebaseUid", in.FirebaseUID)
	form.Set("username", in.Username)
	form.Set("email", in.Email)
	form.Set("department", in.Department)

	var out Profile
	err := c.do(ctx, http.MethodPost, PathVerifyUser, "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()), &out)
	if err != nil {
		return Profile{}, err
	}
	return out, nil
}

// FirebaseLogin exchanges an identity assertion for a bearer token.
func (c *Client) FirebaseLogin(ctx context.Context, idToken string) (TokenResponse, error) {
	return c.exchange(ctx, PathFirebaseLogin, idToken)
}

// RefreshToken exchanges a freshly minted assertion for a new bearer token.
func (c *Client) RefreshToken(ctx context.Context, idToken string) (TokenResponse, error) {
	return c.exchange(ctx, PathRefreshToken, idToken)
}

func (c *Client) exchange(ctx context.Context, path, idToken string) (TokenResponse, error) {
	payload, err := json.Marshal(idTokenRequest{IDToken: idToken})
	if err != nil {
		return TokenResponse{}, fmt.Errorf("encode %s request: %w", path, err)
	}
	var out TokenResponse
	if err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload), &out); err != nil {
		return TokenResponse{}, err
	}
	if strings.TrimSpace(out.Token) == "" {
		return TokenResponse{}, ErrEmptyToken
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	ctx, span := obs.Tracer().Start(ctx, method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	rid := ids.New()
	req.Header.Set(ids.HeaderRequestID, rid)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
		attribute.String("request.id", rid),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.log.Debug("request failed", zap.String("path", path), zap.String("request_id", rid), zap.Error(err))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	c.log.Debug("request done",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", rid),
		zap.Duration("took", time.Since(start)),
	)
	if resp.StatusCode >= 300 {
		apiErr := DecodeError(resp.StatusCode, resp.Header, raw)
		span.SetStatus(codes.Error, apiErr.Error())
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// DecodeError turns a non-2xx response into an *fault.APIError. The body may
// carry "code", "error" and "message" fields; a WWW-Authenticate error
// description fills in when the body is silent.
func DecodeError(status int, h http.Header, raw []byte) *fault.APIError {
	apiErr := &fault.APIError{Status: status}
	var body struct {
		Code    string `json:"code"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if apiErr.Code == "" {
			apiErr.Code = body.Error
		}
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	} else if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 512 {
		apiErr.Message = text
	}
	if h != nil {
		if wa := h.Get("WWW-Authenticate"); wa != "" && apiErr.Code == "" {
			apiErr.Code = wa
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// Package firebase implements identity.Backend on the Firebase Auth REST API.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"firefighter.org/internal/identity"
)

const (
	DefaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"
	DefaultSecureTokenURL     = "https://securetoken.googleapis.com/v1"

	maxBody = 1 << 20
)

// credentialErrors are the REST error codes that mean the user supplied
// something wrong, as opposed to a provider or transport failure.
var credentialErrors = map[string]struct{}{
	"EMAIL_NOT_FOUND":           {},
	"INVALID_PASSWORD":          {},
	"INVALID_LOGIN_CREDENTIALS": {},
	"INVALID_EMAIL":             {},
	"USER_DISABLED":             {},
	"EMAIL_EXISTS":              {},
	"WEAK_PASSWORD":             {},
	"INVALID_CODE":              {},
	"INVALID_SESSION_INFO":      {},
	"SESSION_EXPIRED":           {},
	"INVALID_CUSTOM_TOKEN":      {},
	"CREDENTIAL_MISMATCH":       {},
	"INVALID_IDP_RESPONSE":      {},
	"INVALID_ID_TOKEN":          {},
	"INVALID_REFRESH_TOKEN":     {},
	"TOKEN_EXPIRED":             {},
	"USER_NOT_FOUND":            {},
}

// Backend talks to identitytoolkit and securetoken.
type Backend struct {
	apiKey      string
	identityURL string
	tokenURL    string
	httpClient  *http.Client
	now         func() time.Time
}

var (
	_ identity.Backend       = (*Backend)(nil)
	_ identity.PhoneVerifier = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient sets the transport client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		if c != nil {
			b.httpClient = c
		}
	}
}

// WithEndpoints overrides the REST base URLs (emulators, tests).
func WithEndpoints(identityToolkitURL, secureTokenURL string) Option {
	return func(b *Backend) {
		if identityToolkitURL != "" {
			b.identityURL = strings.TrimRight(identityToolkitURL, "/")
		}
		if secureTokenURL != "" {
			b.tokenURL = strings.TrimRight(secureTokenURL, "/")
		}
	}
}

// WithClock overrides the time source used to compute token expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// New returns a Backend for the project identified by apiKey.
func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{
		apiKey:      apiKey,
		identityURL: DefaultIdentityToolkitURL,
		tokenURL:    DefaultSecureTokenURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type lookupResponse struct {
	Users []struct {
		LocalID          string `json:"localId"`
		Email            string `json:"email"`
		EmailVerified    bool   `json:"emailVerified"`
		DisplayName      string `json:"displayName"`
		ProviderUserInfo []struct {
			ProviderID string `json:"providerId"`
		} `json:"providerUserInfo"`
	} `json:"users"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignIn dispatches on creds.Method.
func (b *Backend) SignIn(ctx context.Context, creds identity.Credentials) (identity.Session, error) {
	var (
		endpoint string
		body     map[string]any
	)
	switch creds.Method {
	case identity.MethodPassword:
		endpoint = "accounts:signInWithPassword"
		body = map[string]any{"email": creds.Email, "password": creds.Password, "returnSecureToken": true}
	case identity.MethodRegister:
		endpoint = "accounts:signUp"
		body = map[string]any{"email": creds.Email, "password": creds.Password, "returnSecureToken": true}
		if creds.DisplayName != "" {
			body["displayName"] = creds.DisplayName
		}
	case identity.MethodAnonymous:
		endpoint = "accounts:signUp"
		body = map[string]any{"returnSecureToken": true}
	case identity.MethodCustomToken:
		endpoint = "accounts:signInWithCustomToken"
		body = map[string]any{"token": creds.CustomToken, "returnSecureToken": true}
	case identity.MethodPhone:
		endpoint = "accounts:signInWithPhoneNumber"
		body = map[string]any{"sessionInfo": creds.VerificationID, "code": creds.Code}
	case identity.MethodOAuth:
		post := url.Values{}
		post.Set("providerId", creds.ProviderID)
		if idt := creds.OAuthIDToken(); idt != "" {
			post.Set("id_token", idt)
		}
		if creds.OAuthToken != nil && creds.OAuthToken.AccessToken != "" {
			post.Set("access_token", creds.OAuthToken.AccessToken)
		}
		requestURI := creds.RedirectURI
		if requestURI == "" {
			requestURI = "http://localhost"
		}
		endpoint = "accounts:signInWithIdp"
		body = map[string]any{
			"postBody":            post.Encode(),
			"requestUri":          requestURI,
			"returnSecureToken":   true,
			"returnIdpCredential": true,
		}
	default:
		return identity.Session{}, fmt.Errorf("%w: %s", identity.ErrUnsupportedMethod, creds.Method)
	}

	var resp signInResponse
	if err := b.postJSON(ctx, b.identityURL+"/"+endpoint, body, &resp); err != nil {
		return identity.Session{}, err
	}
	s := identity.Session{
		Identity: identity.Identity{
			UID:         resp.LocalID,
			Email:       resp.Email,
			DisplayName: resp.DisplayName,
			ProviderID:  fallbackProvider(creds),
		},
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    b.expiry(resp.ExpiresIn),
	}
	b.enrich(ctx, &s)
	return s, nil
}

// Refresh exchanges a refresh token for a new ID token. The token endpoint
// reports only the uid, so the identity holds whatever accounts:lookup adds
// and is otherwise blank; the adapter keeps the signed-in fields.
func (b *Backend) Refresh(ctx context.Context, refreshToken string) (identity.Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return identity.Session{}, fmt.Errorf("%w: refresh token missing", identity.ErrInvalidCredentials)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.withKey(b.tokenURL+"/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return identity.Session{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp refreshResponse
	if err := b.do(req, &resp); err != nil {
		return identity.Session{}, err
	}
	s := identity.Session{
		Identity:     identity.Identity{UID: resp.UserID},
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    b.expiry(resp.ExpiresIn),
	}
	b.enrich(ctx, &s)
	return s, nil
}

// SignOut has no server-side counterpart for client sessions; dropping the
// refresh token locally is the sign-out.
func (b *Backend) SignOut(ctx context.Context, s identity.Session) error {
	return nil
}

// SendVerificationCode starts a phone sign-in and returns the session info
// to submit with the received code.
func (b *Backend) SendVerificationCode(ctx context.Context, phoneNumber, recaptchaToken string) (string, error) {
	var resp struct {
		SessionInfo string `json:"sessionInfo"`
	}
	body := map[string]any{"phoneNumber": phoneNumber, "recaptchaToken": recaptchaToken}
	if err := b.postJSON(ctx, b.identityURL+"/accounts:sendVerificationCode", body, &resp); err != nil {
		return "", err
	}
	if resp.SessionInfo == "" {
		return "", errors.New("firebase: empty session info")
	}
	return resp.SessionInfo, nil
}

// enrich fills email verification and provider from accounts:lookup. A
// failed lookup leaves the session as returned by sign-in.
func (b *Backend) enrich(ctx context.Context, s *identity.Session) {
	var resp lookupResponse
	if err := b.postJSON(ctx, b.identityURL+"/accounts:lookup", map[string]any{"idToken": s.IDToken}, &resp); err != nil {
		return
	}
	if len(resp.Users) == 0 {
		return
	}
	u := resp.Users[0]
	if u.LocalID != "" {
		s.Identity.UID = u.LocalID
	}
	if u.Email != "" {
		s.Identity.Email = u.Email
	}
	if u.DisplayName != "" {
		s.Identity.DisplayName = u.DisplayName
	}
	s.Identity.EmailVerified = u.EmailVerified
	if len(u.ProviderUserInfo) > 0 && u.ProviderUserInfo[0].ProviderID != "" {
		s.Identity.ProviderID = u.ProviderUserInfo[0].ProviderID
	}
}

func (b *Backend) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.withKey(endpoint), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, out)
}

func (b *Backend) do(req *http.Request, out any) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", identity.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", identity.ErrNetwork, err)
	}
	if resp.StatusCode >= 300 {
		return mapError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("firebase: decode response: %w", err)
	}
	return nil
}

func (b *Backend) withKey(endpoint string) string {
	if b.apiKey == "" {
		return endpoint
	}
	return endpoint + "?key=" + url.QueryEscape(b.apiKey)
}

func (b *Backend) expiry(expiresIn string) time.Time {
	secs, err := strconv.Atoi(strings.TrimSpace(expiresIn))
	if err != nil || secs <= 0 {
		secs = 3600
	}
	return b.now().Add(time.Duration(secs) * time.Second)
}

func mapError(status int, raw []byte) error {
	var er errorResponse
	_ = json.Unmarshal(raw, &er)
	code := er.Error.Message
	if i := strings.Index(code, " : "); i >= 0 {
		code = code[:i]
	}
	code = strings.TrimSpace(code)
	if _, ok := credentialErrors[code]; ok {
		return fmt.Errorf("%w: %s", identity.ErrInvalidCredentials, code)
	}
	if status >= 500 {
		return fmt.Errorf("%w: firebase status %d %s", identity.ErrNetwork, status, code)
	}
	if code == "" {
		code = http.StatusText(status)
	}
	return fmt.Errorf("firebase: status %d: %s", status, code)
}

func fallbackProvider(creds identity.Credentials) string {
	switch creds.Method {
	case identity.MethodOAuth:
		return creds.ProviderID
	case identity.MethodPhone:
		return "phone"
	case identity.MethodAnonymous:
		return "anonymous"
	case identity.MethodCustomToken:
		return "custom"
	default:
		return "password"
	}
}

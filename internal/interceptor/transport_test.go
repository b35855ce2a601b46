package interceptor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firefighter.org/internal/nav"
	"firefighter.org/internal/token"
)

type fakeSource struct {
	mu        sync.Mutex
	value     string
	refreshOK bool
	refreshes atomic.Int32
}

func (f *fakeSource) Current(ctx context.Context) (token.Token, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.value == "" {
		return token.Token{}, false
	}
	return token.Token{Value: f.value, ExpiresAt: time.Now().Add(time.Hour)}, true
}

func (f *fakeSource) Status(ctx context.Context, threshold time.Duration) token.Status {
	tok, _ := f.Current(ctx)
	return token.Evaluate(tok, time.Now(), threshold)
}

func (f *fakeSource) Refresh(ctx context.Context) bool {
	n := f.refreshes.Add(1)
	if !f.refreshOK {
		return false
	}
	f.mu.Lock()
	f.value = "fresh-" + string(rune('0'+n))
	f.mu.Unlock()
	return true
}

type recordingTerminator struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingTerminator) ForceSignOut(ctx context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

type call struct {
	path string
	auth string
	body string
}

// backend answers 401 with expiry to "stale" tokens and accepts the rest.
func backend(t *testing.T, calls *[]call, respond func(auth string) (int, string)) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		*calls = append(*calls, call{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: string(raw)})
		mu.Unlock()
		status, body := respond(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAttachesBearerToken(t *testing.T) {
	var calls []call
	srv := backend(t, &calls, func(string) (int, string) { return 200, `{}` })
	src := &fakeSource{value: "abc"}
	client := &http.Client{Transport: New(src, &recordingTerminator{})}

	resp, err := client.Get(srv.URL + "/api/tickets")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "Bearer abc", calls[0].auth)
}

func TestSkipsTokenForAuthEndpoints(t *testing.T) {
	var calls []call
	srv := backend(t, &calls, func(string) (int, string) { return 401, `{"error":"token expired"}` })
	src := &fakeSource{value: "abc", refreshOK: true}
	term := &recordingTerminator{}
	client := &http.Client{Transport: New(src, term)}

	resp, err := client.Post(srv.URL+"/api/auth/firebase-login", "application/json", strings.NewReader(`{"idToken":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Len(t, calls, 1)
	require.Empty(t, calls[0].auth)
	require.Zero(t, src.refreshes.Load())
	require.Empty(t, term.reasons)
}

func TestRefreshAndRetryOnce(t *testing.T) {
	var calls []call
	srv := backend(t, &calls, func(auth string) (int, string) {
		if auth == "Bearer stale" {
			return 401, `{"code":"TOKEN_EXPIRED","message":"JWT expired"}`
		}
		return 200, `{"ok":true}`
	})
	src := &fakeSource{value: "stale", refreshOK: true}
	term := &recordingTerminator{}
	client := &http.Client{Transport: New(src, term)}

	resp, err := client.Post(srv.URL+"/api/tickets", "application/json", strings.NewReader(`{"reason":"outage"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Len(t, calls, 2)
	require.Equal(t, "Bearer fresh-1", calls[1].auth)
	require.Equal(t, `{"reason":"outage"}`, calls[1].body, "body must be replayed")
	require.EqualValues(t, 1, src.refreshes.Load())
	require.Empty(t, term.reasons)
}

func TestRetriedUnauthorizedDoesNotRecurse(t *testing.T) {
	var calls []call
	srv := backend(t, &calls, func(string) (int, string) {
		return 401, `{"error":"token expired"}`
	})
	src := &fakeSource{value: "stale", refreshOK: true}
	term := &recordingTerminator{}
	client := &http.Client{Transport: New(src, term)}

	resp, err := client.Get(srv.URL + "/api/tickets")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Len(t, calls, 2)
	require.EqualValues(t, 1, src.refreshes.Load())
	require.Equal(t, []string{nav.ReasonInvalidToken}, term.reasons)
}

func TestRefreshFailureForcesSessionExpired(t *testing.T) {
	var calls []call
	srv := backend(t, &calls, func(string) (int, string) {
		return 401, `{"error":"token expired"}`
	})
	src := &fakeSource{value: "stale"}
	term := &recordingTerminator{}
	client := &http.Client{Transport: New(src, term)}

	resp, err := client.Get(srv.URL + "/api/tickets")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, string(body), "token expired", "caller still sees the original body")
	require.Len(t, calls, 1)
	require.Equal(t, []string{nav.ReasonSessionExpired}, term.reasons)
}

func TestInvalidTokenForcesSignOutWithoutRefresh(t *testing.T) {
	var calls []call
	srv := backend(t, &calls, func(string) (int, string) {
		return 401, `{"error":"invalid signature"}`
	})
	src := &fakeSource{value: "forged", refreshOK: true}
	term := &recordingTerminator{}
	client := &http.Client{Transport: New(src, term)}

	resp, err := client.Get(srv.URL + "/api/tickets")
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, calls, 1)
	require.Zero(t, src.refreshes.Load())
	require.Equal(t, []string{nav.ReasonInvalidToken}, term.reasons)
}

func TestExpiryInWWWAuthenticateHeader(t *testing.T) {
	var calls []call
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, call{path: r.URL.Path, auth: r.Header.Get("Authorization")})
		if n.Add(1) == 1 {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="The access token expired"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := &fakeSource{value: "stale", refreshOK: true}
	client := &http.Client{Transport: New(src, &recordingTerminator{})}
	resp, err := client.Get(srv.URL + "/api/tickets")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, calls, 2)
}

func TestOtherStatusesPassThrough(t *testing.T) {
	for _, status := range []int{400, 403, 404, 500, 503} {
		var calls []call
		srv := backend(t, &calls, func(string) (int, string) { return status, `{"error":"nope"}` })
		src := &fakeSource{value: "abc", refreshOK: true}
		term := &recordingTerminator{}
		client := &http.Client{Transport: New(src, term)}

		resp, err := client.Get(srv.URL + "/api/tickets")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, status, resp.StatusCode)
		require.Len(t, calls, 1)
		require.Zero(t, src.refreshes.Load())
		require.Empty(t, term.reasons)
	}
}

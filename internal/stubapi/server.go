// Package stubapi is an in-process FireFighter backend serving the health,
// verification, token and ticket contracts. It backs cmd/ffstub and the
// session integration tests.
package stubapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"firefighter.org/internal/apiclient"
	"firefighter.org/internal/obs"
)

const (
	serviceName  = "firefighter-api"
	maxBodyBytes = 1 << 20

	codeTokenExpired = "TOKEN_EXPIRED"
	codeUserNotFound = "USER_NOT_FOUND"
)

// Server is the stub backend.
type Server struct {
	mux     *http.ServeMux
	issuer  *Issuer
	dir     *directory
	limiter *RateLimiter
	clock   clockwork.Clock
	log     *zap.Logger
	version string

	mu          sync.Mutex
	health      string
	unavailable bool
	logins      int
	refreshes   int
	verified    int
}

type settings struct {
	clock       clockwork.Clock
	log         *zap.Logger
	admins      []string
	perSecond   float64
	burst       int
	version     string
	tokenSecret string
	tokenTTL    time.Duration
}

// Option configures a Server.
type Option func(*settings)

// WithClock drives token issue and expiry.
func WithClock(c clockwork.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithAdminEmails marks users with these emails as admins.
func WithAdminEmails(emails ...string) Option {
	return func(s *settings) { s.admins = append(s.admins, emails...) }
}

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *settings) { s.perSecond, s.burst = perSecond, burst }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *settings) { s.version = v }
}

// WithTokenTTL sets how long issued session tokens live.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *settings) { s.tokenTTL = ttl }
}

// New builds a server signing tokens with secret.
func New(secret string, opts ...Option) (*Server, error) {
	st := settings{
		perSecond:   20,
		burst:       40,
		version:     "dev",
		tokenSecret: secret,
		tokenTTL:    time.Hour,
	}
	for _, opt := range opts {
		opt(&st)
	}
	if st.clock == nil {
		st.clock = clockwork.NewRealClock()
	}
	iss, err := NewIssuer(st.tokenSecret, st.tokenTTL, st.clock)
	if err != nil {
		return nil, err
	}
	s := &Server{
		mux:     http.NewServeMux(),
		issuer:  iss,
		dir:     newDirectory(st.admins),
		limiter: NewRateLimiter(st.perSecond, st.burst),
		clock:   st.clock,
		log:     obs.Or(st.log).Named("stubapi"),
		version: st.version,
		health:  apiclient.StatusUp,
	}

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/users/verify", s.handleVerify)
	s.mux.HandleFunc("POST /api/auth/firebase-login", s.handleFirebaseLogin)
	s.mux.HandleFunc("POST /api/auth/refresh-token", s.handleRefreshToken)
	s.mux.Handle("GET /api/tickets", s.withAuth(http.HandlerFunc(s.handleListTickets)))
	s.mux.Handle("POST /api/tickets", s.withAuth(http.HandlerFunc(s.handleCreateTicket)))
	s.mux.Handle("GET /api/tickets/{id}", s.withAuth(http.HandlerFunc(s.handleGetTicket)))
	s.mux.Handle("GET /metrics", obs.Handler())
	return s, nil
}

// Handler returns the server wrapped in its middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = MaxBodyBytes(h, maxBodyBytes)
	h = s.limiter.Middleware(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(s.log, h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// Limiter exposes the rate limiter so callers can run its sweeper.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// SetHealth changes the status reported by /health.
func (s *Server) SetHealth(status string) {
	s.mu.Lock()
	s.health = status
	s.mu.Unlock()
}

// SetUnavailable makes every /api route answer 503 until cleared.
func (s *Server) SetUnavailable(down bool) {
	s.mu.Lock()
	s.unavailable = down
	s.mu.Unlock()
}

// SetDisabled toggles the authorization flag of the user with uid.
func (s *Server) SetDisabled(uid string, disabled bool) {
	s.dir.setDisabled(uid, disabled)
}

// Issue signs a session token for a verified uid. Tests use it to plant
// tokens with a chosen lifetime relative to the server clock.
func (s *Server) Issue(uid string) (string, bool) {
	u, ok := s.dir.lookup(uid)
	if !ok {
		return "", false
	}
	tok, _, err := s.issuer.Issue(u)
	return tok, err == nil
}

// Exchanges reports how many firebase-login and refresh-token calls succeeded.
func (s *Server) Exchanges() (logins, refreshes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins, s.refreshes
}

// Verifications reports how many /users/verify calls succeeded.
func (s *Server) Verifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

func (s *Server) down(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	down := s.unavailable
	s.mu.Unlock()
	if down {
		writeError(w, r, http.StatusServiceUnavailable, "", "service unavailable")
	}
	return down
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.down(w, r) {
		return
	}
	s.mu.Lock()
	status := s.health
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, apiclient.HealthStatus{
		Status:    status,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
		Service:   serviceName,
		Version:   s.version,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.down(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "", "invalid form body")
		return
	}
	uid := strings.TrimSpace(r.PostForm.Get("firebaseUid"))
	email := strings.TrimSpace(r.PostForm.Get("email"))
	if uid == "" || email == "" {
		writeError(w, r, http.StatusBadRequest, "", "firebaseUid and email are required")
		return
	}
	username := strings.TrimSpace(r.PostForm.Get("username"))
	if username == "" {
		username, _, _ = strings.Cut(email, "@")
	}
	u := s.dir.upsert(uid, username, email, strings.TrimSpace(r.PostForm.Get("department")), s.clock.Now())
	s.mu.Lock()
	s.verified++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, u)
}

type loginRequest struct {
	IDToken string `json:"idToken"`
}

func (s *Server) handleFirebaseLogin(w http.ResponseWriter, r *http.Request) {
	s.exchange(w, r, &s.logins)
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	s.exchange(w, r, &s.refreshes)
}

func (s *Server) exchange(w http.ResponseWriter, r *http.Request, counter *int) {
	if s.down(w, r) {
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	uid := assertionSubject(req.IDToken)
	if uid == "" {
		writeError(w, r, http.StatusUnauthorized, "", "invalid id token")
		return
	}
	u, ok := s.dir.lookup(uid)
	if !ok {
		writeError(w, r, http.StatusNotFound, codeUserNotFound, "user is not verified")
		return
	}
	if !u.IsAuthorized {
		writeError(w, r, http.StatusForbidden, "", "account is inactive")
		return
	}
	tok, _, err := s.issuer.Issue(u)
	if err != nil {
		s.log.Error("issue token", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "", "could not issue token")
		return
	}
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, apiclient.TokenResponse{
		Token: tok,
		User: apiclient.User{
			UserID:     u.UserID,
			Username:   u.Username,
			Email:      u.Email,
			Department: u.Department,
			IsAdmin:    u.IsAdmin,
		},
	})
}

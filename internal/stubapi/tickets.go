package stubapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"firefighter.org/internal/audit"
)

const claimsKey ctxKey = "claims"

func claimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// withAuth requires a valid bearer token. Expired tokens are answered with
// an explicit expiry code and WWW-Authenticate description so clients can
// tell them apart from tokens that will never be accepted.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.down(w, r) {
			return
		}
		token, err := extractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "", err.Error())
			return
		}
		claims, err := s.issuer.Parse(token)
		switch {
		case errors.Is(err, ErrTokenExpired):
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="token expired"`)
			writeError(w, r, http.StatusUnauthorized, codeTokenExpired, "token expired")
			return
		case err != nil:
			writeError(w, r, http.StatusUnauthorized, "", "invalid token")
			return
		}
		if u, ok := s.dir.byUserID(claims.Subject); ok && !u.IsAuthorized {
			writeError(w, r, http.StatusForbidden, "", "account is inactive")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = audit.WithUser(audit.WithRequestID(ctx, RequestIDFromContext(ctx)), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type createTicketRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	c := claimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"tickets": s.dir.ticketsFor(c.Subject, c.Admin),
	})
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, r, http.StatusBadRequest, "", "title is required")
		return
	}
	c := claimsFromContext(r.Context())
	t := s.dir.addTicket(c.Subject, req.Title, strings.TrimSpace(req.Description), s.clock.Now())
	_ = audit.LogEvent(r.Context(), audit.EventTicketFiled, map[string]any{"ticket_id": t.ID})
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, ok := s.dir.ticket(r.PathValue("id"))
	c := claimsFromContext(r.Context())
	if !ok || (!c.Admin && t.ReporterID != c.Subject) {
		writeError(w, r, http.StatusNotFound, "", "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

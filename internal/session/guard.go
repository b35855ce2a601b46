package session

import (
	"context"

	"go.uber.org/zap"

	"firefighter.org/internal/identity"
	"firefighter.org/internal/nav"
)

// Decision is a route guard's verdict.
type Decision struct {
	Allow    bool
	Redirect string
	Options  []nav.Option
}

func allow() Decision { return Decision{Allow: true} }

func redirect(path string, opts ...nav.Option) Decision {
	return Decision{Redirect: path, Options: opts}
}

// Apply navigates to the redirect target when access is denied.
func (d Decision) Apply(n nav.Navigator) bool {
	if !d.Allow && d.Redirect != "" {
		n.Navigate(d.Redirect, d.Options...)
	}
	return d.Allow
}

// currentIdentity waits for the first identity emission, bounded by the bootstrap
// timeout, and returns the current identity.
func (s *Service) currentIdentity(ctx context.Context) *identity.Identity {
	wctx, cancel := context.WithTimeout(ctx, s.bootTimeout)
	defer cancel()
	if _, err := s.deps.Identity.First(wctx); err != nil {
		s.log.Warn("guard gave up waiting for identity", zap.Error(err))
		return nil
	}
	return s.deps.Identity.Current()
}

// RequireAuth admits signed-in users and sends everyone else to login.
func (s *Service) RequireAuth(ctx context.Context) Decision {
	if s.currentIdentity(ctx) == nil {
		return redirect(nav.Login)
	}
	return allow()
}

// GuestOnly keeps signed-in users away from the login and register pages.
func (s *Service) GuestOnly(ctx context.Context) Decision {
	if s.currentIdentity(ctx) != nil {
		return redirect(nav.Dashboard)
	}
	return allow()
}

// RequireAdmin waits for the profile to settle and admits admins only.
func (s *Service) RequireAdmin(ctx context.Context) Decision {
	if s.currentIdentity(ctx) == nil {
		return redirect(nav.Login)
	}
	wctx, cancel := context.WithTimeout(ctx, s.bootTimeout)
	defer cancel()
	select {
	case <-s.deps.Verifier.Ready():
	case <-wctx.Done():
		s.log.Warn("admin guard timed out waiting for profile")
	}
	if !s.deps.Verifier.IsAdmin() {
		return redirect(nav.Dashboard, nav.WithQuery(nav.QueryError, nav.ErrorAdminAccessDenied))
	}
	return allow()
}

// Package fault classifies failures of backend and identity calls into the
// handful of kinds the session runtime reacts to.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind is the runtime's error taxonomy.
type Kind int

const (
	// Unknown errors propagate to the caller untouched.
	Unknown Kind = iota
	// ServiceUnavailable covers refused connections, timeouts, DNS failures and 502/503/504.
	ServiceUnavailable
	// AuthenticationExpired is a 401 carrying an explicit expiry signal.
	AuthenticationExpired
	// AuthenticationInvalid is a 401 without expiry signal, or a failed refresh.
	AuthenticationInvalid
	// AuthorizationDenied means authenticated but lacking the required role.
	AuthorizationDenied
	// Validation is caller-supplied data rejected by the backend.
	Validation
)

func (k Kind) String() string {
	switch k {
	case ServiceUnavailable:
		return "service_unavailable"
	case AuthenticationExpired:
		return "authentication_expired"
	case AuthenticationInvalid:
		return "authentication_invalid"
	case AuthorizationDenied:
		return "authorization_denied"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

var (
	ErrServiceUnavailable    = errors.New("service unavailable")
	ErrAuthenticationExpired = errors.New("authentication expired")
	ErrAuthenticationInvalid = errors.New("authentication invalid")
	ErrAuthorizationDenied   = errors.New("authorization denied")
	ErrValidation            = errors.New("validation failed")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error: status=%d", e.Status)
}

// Is lets errors.Is match an APIError against the kind sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrServiceUnavailable:
		return Classify(e) == ServiceUnavailable
	case ErrAuthenticationExpired:
		return Classify(e) == AuthenticationExpired
	case ErrAuthenticationInvalid:
		return Classify(e) == AuthenticationInvalid
	case ErrAuthorizationDenied:
		return Classify(e) == AuthorizationDenied
	case ErrValidation:
		return Classify(e) == Validation
	}
	return false
}

// signatures are substrings that mark an error message as a connectivity failure.
var signatures = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"timeout",
	"timed out",
	"deadline exceeded",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"err_connection_refused",
	"err_network",
	"econnrefused",
	"failed to fetch",
}

// IsConnectivity reports whether err looks like the backend is unreachable.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return isGatewayStatus(apiErr.Status) || apiErr.Status == 0
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range signatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func isGatewayStatus(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

// Classify maps err to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 0 || isGatewayStatus(apiErr.Status):
			return ServiceUnavailable
		case apiErr.Status == http.StatusUnauthorized:
			if SignalsExpiry(apiErr.Code) || SignalsExpiry(apiErr.Message) {
				return AuthenticationExpired
			}
			return AuthenticationInvalid
		case apiErr.Status == http.StatusForbidden:
			return AuthorizationDenied
		case apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusConflict ||
			apiErr.Status == http.StatusUnprocessableEntity:
			return Validation
		}
		return Unknown
	}
	switch {
	case errors.Is(err, ErrAuthenticationExpired):
		return AuthenticationExpired
	case errors.Is(err, ErrAuthenticationInvalid):
		return AuthenticationInvalid
	case errors.Is(err, ErrAuthorizationDenied):
		return AuthorizationDenied
	case errors.Is(err, ErrValidation):
		return Validation
	case errors.Is(err, context.Canceled):
		return Unknown
	}
	if IsConnectivity(err) {
		return ServiceUnavailable
	}
	return Unknown
}

// SignalsExpiry reports whether a 401 detail string says the token expired.
func SignalsExpiry(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "expired") || strings.Contains(s, "expiry")
}

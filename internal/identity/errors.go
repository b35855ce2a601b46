package identity

import "errors"

var (
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrPopupBlocked       = errors.New("identity: popup blocked")
	ErrNetwork            = errors.New("identity: network error")
	ErrUnsupportedMethod  = errors.New("identity: unsupported sign-in method")
	ErrNotSignedIn        = errors.New("identity: not signed in")
)

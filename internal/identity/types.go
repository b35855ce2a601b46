package identity

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Identity is the externally authenticated principal.
type Identity struct {
	UID           string `json:"uid"`
	Email         string `json:"email,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	ProviderID    string `json:"providerId,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
}

// Equal reports whether two identities describe the same principal state.
func (i *Identity) Equal(o *Identity) bool {
	if i == nil || o == nil {
		return i == o
	}
	return *i == *o
}

// mergeIdentity overlays the populated fields of a refreshed identity onto
// cur. A token refresh carries little more than the uid, so anything it
// leaves blank keeps its signed-in value.
func mergeIdentity(cur, next Identity) Identity {
	out := cur
	if next.UID != "" {
		out.UID = next.UID
	}
	if next.Email != "" {
		out.Email = next.Email
		out.EmailVerified = next.EmailVerified
	}
	if next.DisplayName != "" {
		out.DisplayName = next.DisplayName
	}
	if next.ProviderID != "" {
		out.ProviderID = next.ProviderID
	}
	if next.EmailVerified {
		out.EmailVerified = true
	}
	return out
}

// Session is what a Backend returns for a signed-in identity: the identity
// plus the short-lived assertion (ID token) and the credential to renew it.
type Session struct {
	Identity     Identity  `json:"identity"`
	IDToken      string    `json:"idToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Cause says why an Event was emitted.
type Cause string

const (
	CauseRestored  Cause = "restored"
	CauseSignedIn  Cause = "signed_in"
	CauseRefreshed Cause = "refreshed"
	CauseSignedOut Cause = "signed_out"
)

// Event is one emission of the identity-change stream. Identity is nil when
// nobody is signed in.
type Event struct {
	Identity *Identity
	Cause    Cause
}

// Method selects a sign-in flow.
type Method string

const (
	MethodPassword    Method = "password"
	MethodRegister    Method = "register"
	MethodOAuth       Method = "oauth"
	MethodPhone       Method = "phone"
	MethodAnonymous   Method = "anonymous"
	MethodCustomToken Method = "custom_token"
)

// OAuthMode selects how an OAuth flow is presented.
type OAuthMode int

const (
	OAuthPopup OAuthMode = iota
	OAuthRedirect
)

// Credentials carry the inputs of every sign-in method; only the fields of
// the selected Method are read.
type Credentials struct {
	Method Method

	Email       string
	Password    string
	DisplayName string

	ProviderID  string
	OAuthToken  *oauth2.Token
	OAuthMode   OAuthMode
	RedirectURI string

	PhoneNumber    string
	VerificationID string
	Code           string

	CustomToken string
}

// OAuthIDToken returns the provider's OpenID token when the exchange returned one.
func (c Credentials) OAuthIDToken() string {
	if c.OAuthToken == nil {
		return ""
	}
	if v, ok := c.OAuthToken.Extra("id_token").(string); ok {
		return v
	}
	return ""
}

// Validate checks that the fields required by Method are present.
func (c Credentials) Validate() error {
	missing := func(field string) error {
		return errors.Join(ErrInvalidCredentials, errors.New(field+" is required"))
	}
	switch c.Method {
	case MethodPassword, MethodRegister:
		if strings.TrimSpace(c.Email) == "" {
			return missing("email")
		}
		if c.Password == "" {
			return missing("password")
		}
	case MethodOAuth:
		if strings.TrimSpace(c.ProviderID) == "" {
			return missing("provider id")
		}
		if c.OAuthToken == nil || (c.OAuthToken.AccessToken == "" && c.OAuthIDToken() == "") {
			return missing("oauth token")
		}
	case MethodPhone:
		if strings.TrimSpace(c.VerificationID) == "" {
			return missing("verification id")
		}
		if strings.TrimSpace(c.Code) == "" {
			return missing("verification code")
		}
	case MethodCustomToken:
		if strings.TrimSpace(c.CustomToken) == "" {
			return missing("custom token")
		}
	case MethodAnonymous:
	default:
		return errors.Join(ErrUnsupportedMethod, errors.New(string(c.Method)))
	}
	return nil
}

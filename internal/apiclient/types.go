package apiclient

// Health status sentinels returned by GET /health.
const (
	StatusUp       = "UP"
	StatusDown     = "DOWN"
	StatusDegraded = "DEGRADED"
)

// HealthStatus is the liveness payload.
type HealthStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
	Service   string `json:"service,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Profile is the backend's domain record for a verified identity.
type Profile struct {
	UserID        string   `json:"userId"`
	Username      string   `json:"username"`
	Email         string   `json:"email"`
	Department    string   `json:"department,omitempty"`
	IsAuthorized  bool     `json:"isAuthorized"`
	IsAdmin       bool     `json:"isAdmin"`
	Role          string   `json:"role,omitempty"`
	ContactNumber string   `json:"contactNumber,omitempty"`
	DolibarrID    string   `json:"dolibarrId,omitempty"`
	Groups        []string `json:"groups,omitempty"`
	CreatedAt     string   `json:"createdAt,omitempty"`
	UpdatedAt     string   `json:"updatedAt,omitempty"`
}

// VerifyRequest is the form body of POST /users/verify.
type VerifyRequest struct {
	FirebaseUID string
	Username    string
	Email       string
	Department  string
}

// User is the abbreviated profile returned with a bearer token.
type User struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Department string `json:"department,omitempty"`
	IsAdmin    bool   `json:"isAdmin"`
}

// TokenResponse is returned by the token exchange and refresh endpoints.
type TokenResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type idTokenRequest struct {
	IDToken string `json:"idToken"`
}

// Package config loads process configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Runtime configures cmd/firefighter.
type Runtime struct {
	APIBaseURL       string `env:"FF_API_BASE_URL" envDefault:"http://localhost:8080/api"`
	FirebaseAPIKey   string `env:"FF_FIREBASE_API_KEY"`
	FirebaseAuthURL  string `env:"FF_FIREBASE_AUTH_URL"`
	FirebaseTokenURL string `env:"FF_FIREBASE_TOKEN_URL"`
	SignInEmail      string `env:"FF_SIGNIN_EMAIL"`
	SignInPassword   string `env:"FF_SIGNIN_PASSWORD"`

	StoreDriver string `env:"FF_STORE_DRIVER" envDefault:"sqlite"`
	StoreDSN    string `env:"FF_STORE_DSN" envDefault:"firefighter.db"`

	LogLevel     string `env:"FF_LOG_LEVEL" envDefault:"info"`
	LogDev       bool   `env:"FF_LOG_DEV" envDefault:"false"`
	OTLPEndpoint string `env:"FF_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"FF_OTLP_INSECURE" envDefault:"false"`
	MetricsAddr  string `env:"FF_METRICS_ADDR" envDefault:":9464"`

	TokenLifetime    time.Duration `env:"FF_TOKEN_LIFETIME" envDefault:"1h"`
	RefreshThreshold time.Duration `env:"FF_REFRESH_THRESHOLD" envDefault:"10m"`
	TokenCheck       time.Duration `env:"FF_TOKEN_CHECK_INTERVAL" envDefault:"30s"`
	HealthInterval   time.Duration `env:"FF_HEALTH_INTERVAL" envDefault:"30s"`
	RetryTimeout     time.Duration `env:"FF_RETRY_TIMEOUT" envDefault:"8s"`
	MaxRetries       int           `env:"FF_MAX_RETRIES" envDefault:"3"`
	RetryCooldown    time.Duration `env:"FF_RETRY_COOLDOWN" envDefault:"30s"`
	BootstrapTimeout time.Duration `env:"FF_BOOTSTRAP_TIMEOUT" envDefault:"8s"`
	InitialRoute     string        `env:"FF_INITIAL_ROUTE" envDefault:"/login"`
	ShutdownGrace    time.Duration `env:"FF_SHUTDOWN_GRACE" envDefault:"10s"`
	RequestTimeout   time.Duration `env:"FF_REQUEST_TIMEOUT" envDefault:"15s"`
	ServiceName      string        `env:"FF_SERVICE_NAME" envDefault:"firefighter"`
}

// Stub configures cmd/ffstub.
type Stub struct {
	Addr        string        `env:"FF_STUB_ADDR" envDefault:":8080"`
	JWTSecret   string        `env:"FF_STUB_JWT_SECRET" envDefault:"dev-secret-change-me"`
	TokenTTL    time.Duration `env:"FF_STUB_TOKEN_TTL" envDefault:"1h"`
	AdminEmails []string      `env:"FF_STUB_ADMIN_EMAILS" envSeparator:","`
	RateLimit   float64       `env:"FF_STUB_RATE_LIMIT" envDefault:"20"`
	RateBurst   int           `env:"FF_STUB_RATE_BURST" envDefault:"40"`
	LogLevel    string        `env:"FF_LOG_LEVEL" envDefault:"info"`
	LogDev      bool          `env:"FF_LOG_DEV" envDefault:"false"`
}

// Smoke configures cmd/ffsmoke.
type Smoke struct {
	BaseURL string        `env:"FF_API_BASE_URL" envDefault:"http://localhost:8080/api"`
	UID     string        `env:"FF_SMOKE_UID" envDefault:"smoke-user"`
	Email   string        `env:"FF_SMOKE_EMAIL" envDefault:"smoke@firefighter.local"`
	Timeout time.Duration `env:"FF_SMOKE_TIMEOUT" envDefault:"10s"`
}

// LoadRuntime reads Runtime from the environment.
func LoadRuntime() (Runtime, error) {
	var c Runtime
	if err := Parse(&c); err != nil {
		return Runtime{}, err
	}
	if c.MaxRetries < 1 {
		return Runtime{}, fmt.Errorf("FF_MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}
	if c.RefreshThreshold >= c.TokenLifetime {
		return Runtime{}, fmt.Errorf("FF_REFRESH_THRESHOLD %s must be shorter than FF_TOKEN_LIFETIME %s", c.RefreshThreshold, c.TokenLifetime)
	}
	return c, nil
}

// LoadStub reads Stub from the environment.
func LoadStub() (Stub, error) {
	var c Stub
	if err := Parse(&c); err != nil {
		return Stub{}, err
	}
	return c, nil
}

// LoadSmoke reads Smoke from the environment.
func LoadSmoke() (Smoke, error) {
	var c Smoke
	if err := Parse(&c); err != nil {
		return Smoke{}, err
	}
	return c, nil
}

// Parse loads .env (if any) and parses env vars into target.
func Parse(target any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/metrics":                     "/metrics",
		"/api/health":                  "/api/health",
		"/api/health?probe=1":          "/api/health",
		"/api/auth/refresh-token/":     "/api/auth/refresh-token",
		"/api/tickets":                 "/api/tickets",
		"/api/tickets/abc":             "/api/tickets/:id",
		"/api/tickets/abc/attachments": "other",
		"/wp-admin":                    "other",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}

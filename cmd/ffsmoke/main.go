package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"firefighter.org/internal/apiclient"
	"firefighter.org/internal/config"
	"firefighter.org/internal/fault"
)

func main() {
	cfg, err := config.LoadSmoke()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	api := apiclient.New(cfg.BaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	h, err := api.Health(ctx)
	if err != nil {
		log.Fatalf("health: %v (kind=%s)", err, fault.Classify(err))
	}
	if h.Status != apiclient.StatusUp {
		log.Fatalf("backend reports %s", h.Status)
	}

	p, err := api.VerifyUser(ctx, apiclient.VerifyRequest{FirebaseUID: cfg.UID, Email: cfg.Email})
	if err != nil {
		log.Fatalf("verify user: %v", err)
	}
	if p.UserID == "" || !strings.EqualFold(p.Email, cfg.Email) {
		log.Fatalf("unexpected profile: %+v", p)
	}

	login, err := api.FirebaseLogin(ctx, cfg.UID)
	if err != nil {
		log.Fatalf("firebase login: %v", err)
	}
	if login.User.UserID != p.UserID {
		log.Fatalf("token issued for %s, want %s", login.User.UserID, p.UserID)
	}
	refreshed, err := api.RefreshToken(ctx, cfg.UID)
	if err != nil {
		log.Fatalf("refresh token: %v", err)
	}

	if status := get(ctx, api.BaseURL()+"/tickets", refreshed.Token); status != http.StatusOK {
		log.Fatalf("tickets with bearer: status %d", status)
	}
	if status := get(ctx, api.BaseURL()+"/tickets", "not-a-token"); status != http.StatusUnauthorized {
		log.Fatalf("tickets with bad bearer: status %d, want 401", status)
	}

	fmt.Printf("✅ backend smoke test passed: user=%s admin=%t\n", p.UserID, p.IsAdmin)
}

func get(ctx context.Context, url, bearer string) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("GET %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

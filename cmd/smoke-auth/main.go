package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type session struct {
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token"`
	MustChangePassword bool   `json:"must_change_password"`
}

type client struct {
	base string
	http *http.Client
}

func main() {
	base := envOr("DRAFTLINE_SMOKE_URL", "http://localhost:8080")
	email := os.Getenv("DRAFTLINE_SMOKE_EMAIL")
	password := os.Getenv("DRAFTLINE_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("set DRAFTLINE_SMOKE_EMAIL and DRAFTLINE_SMOKE_PASSWORD")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	var first session
	c.expect(ctx, "/v1/auth/login", map[string]string{"email": email, "password": password}, http.StatusOK, &first)

	var second session
	c.expect(ctx, "/v1/auth/refresh", map[string]string{"refresh_token": first.RefreshToken}, http.StatusOK, &second)
	if second.RefreshToken == first.RefreshToken {
		log.Fatal("refresh returned the same token")
	}

	// Replay of the rotated token must fail and revoke the family.
	c.expect(ctx, "/v1/auth/refresh", map[string]string{"refresh_token": first.RefreshToken}, http.StatusUnauthorized, nil)
	c.expect(ctx, "/v1/auth/refresh", map[string]string{"refresh_token": second.RefreshToken}, http.StatusUnauthorized, nil)

	var third session
	c.expect(ctx, "/v1/auth/login", map[string]string{"email": email, "password": password}, http.StatusOK, &third)
	c.expect(ctx, "/v1/auth/logout", map[string]string{"refresh_token": third.RefreshToken}, http.StatusNoContent, nil)
	c.expect(ctx, "/v1/auth/logout", map[string]string{"refresh_token": third.RefreshToken}, http.StatusNoContent, nil)

	fmt.Printf("✅ auth smoke test passed against %s\n", base)
}

func (c *client) expect(ctx context.Context, path string, body any, want int, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("%s: marshal: %v", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("%s: new request: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		log.Fatalf("%s: expected %d, got %d (%v)", path, want, resp.StatusCode, errBody)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("%s: decode: %v", path, err)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

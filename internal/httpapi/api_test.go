package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"draftline.io/internal/auth"
	"draftline.io/internal/config"
	"draftline.io/internal/ids"
	"draftline.io/internal/store/memory"
)

type apiClient struct {
	t      *testing.T
	srv    *httptest.Server
	store  *memory.Store
	hasher *auth.PasswordHasher
}

func newTestAPI(t *testing.T, rl config.RateLimitConfig) *apiClient {
	t.Helper()
	store := memory.New()
	iss, err := auth.NewIssuer(auth.IssuerConfig{
		Issuer:   "draftline",
		Audience: "draftline-web",
		Secret:   "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)
	svc, err := auth.NewService(store, iss)
	require.NoError(t, err)
	api := New(svc, auth.NewUserService(svc), Options{Version: "test", RateLimit: rl})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	hasher, err := auth.NewPasswordHasher(auth.HashBcrypt)
	require.NoError(t, err)
	return &apiClient{t: t, srv: srv, store: store, hasher: hasher}
}

func (c *apiClient) seed(email, password string, mustChange bool, roles ...string) string {
	c.t.Helper()
	hash, err := c.hasher.Hash(password)
	require.NoError(c.t, err)
	id := ids.New()
	ctx := context.Background()
	require.NoError(c.t, c.store.Users(ctx).Create(ctx, &auth.User{
		ID: id, Email: email, FullName: email, PasswordHash: hash, IsActive: true,
		MustChangePassword: mustChange, Roles: roles,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}))
	return id
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, bytes.NewReader(payload))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (c *apiClient) login(email, password string) sessionResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: email, Password: password})
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	return decode[sessionResponse](c.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(r.Body).Decode(&out))
	return out
}

func errorCode(t *testing.T, r *http.Response) string {
	t.Helper()
	body := decode[map[string]any](t, r)
	code, _ := body["code"].(string)
	return code
}

func TestAPISessionLifecycle(t *testing.T) {
	c := newTestAPI(t, config.RateLimitConfig{})
	c.seed("ada@example.com", "Str0ng!pw", false, auth.RoleArchitect)

	sess := c.login("ada@example.com", "Str0ng!pw")
	require.Equal(t, "Bearer", sess.TokenType)
	require.NotEmpty(t, sess.RefreshToken)
	require.False(t, sess.MustChangePassword)
	require.Equal(t, []string{auth.RoleArchitect}, sess.User.Roles)

	resp := c.do(http.MethodGet, "/v1/auth/me", sess.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[meResponse](t, resp)
	require.Equal(t, "ada@example.com", me.Email)

	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: sess.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	next := decode[sessionResponse](t, resp)
	require.NotEqual(t, sess.RefreshToken, next.RefreshToken)

	// Replaying the rotated token kills the whole family.
	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: sess.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, string(auth.KindInvalidRefreshToken), errorCode(t, resp))
	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: next.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	fresh := c.login("ada@example.com", "Str0ng!pw")
	resp = c.do(http.MethodPost, "/v1/auth/logout", "", refreshRequest{RefreshToken: fresh.RefreshToken})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = c.do(http.MethodPost, "/v1/auth/logout", "", refreshRequest{RefreshToken: fresh.RefreshToken})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPILoginErrors(t *testing.T) {
	c := newTestAPI(t, config.RateLimitConfig{})
	c.seed("ada@example.com", "Str0ng!pw", false, auth.RoleArchitect)

	resp := c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "ada@example.com", Password: "bad"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, string(auth.KindInvalidCredentials), errorCode(t, resp))

	resp = c.do(http.MethodPost, "/v1/auth/login", "", map[string]any{"email": "x", "unknown": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, string(auth.KindInvalidInput), errorCode(t, resp))

	for range 4 {
		c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "ada@example.com", Password: "bad"})
	}
	resp = c.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: "ada@example.com", Password: "Str0ng!pw"})
	require.Equal(t, http.StatusLocked, resp.StatusCode)
	require.Equal(t, string(auth.KindAccountLockedOut), errorCode(t, resp))
}

func TestAPIPasswordChangeRequiredGate(t *testing.T) {
	c := newTestAPI(t, config.RateLimitConfig{})
	c.seed("new@example.com", "Temp0rary!", true, auth.RoleAdmin)

	sess := c.login("new@example.com", "Temp0rary!")
	require.True(t, sess.MustChangePassword)

	resp := c.do(http.MethodGet, "/v1/users", sess.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(auth.KindPasswordChangeRequired), errorCode(t, resp))

	resp = c.do(http.MethodGet, "/v1/auth/me", sess.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, decode[meResponse](t, resp).MustChangePassword)

	resp = c.do(http.MethodPost, "/v1/auth/password", sess.AccessToken, changePasswordRequest{
		CurrentPassword: "Temp0rary!", NewPassword: "weak",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, string(auth.KindPasswordChangeFailed), errorCode(t, resp))

	resp = c.do(http.MethodPost, "/v1/auth/password", sess.AccessToken, changePasswordRequest{
		CurrentPassword: "Temp0rary!", NewPassword: "N3w!password",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	next := c.login("new@example.com", "N3w!password")
	require.False(t, next.MustChangePassword)
	resp = c.do(http.MethodGet, "/v1/users", next.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIUserAdministration(t *testing.T) {
	c := newTestAPI(t, config.RateLimitConfig{})
	c.seed("admin@example.com", "Adm1n!pass", false, auth.RoleAdmin)
	rootID := c.seed("root@example.com", "R00t!pass", false, auth.RoleRoot)
	c.seed("arch@example.com", "Arch1t!ect", false, auth.RoleArchitect)
	admin := c.login("admin@example.com", "Adm1n!pass")
	arch := c.login("arch@example.com", "Arch1t!ect")

	resp := c.do(http.MethodGet, "/v1/users", arch.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = c.do(http.MethodGet, "/v1/users", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = c.do(http.MethodPost, "/v1/users", admin.AccessToken, createUserRequest{
		Email: "bob@example.com", FullName: "Bob", Role: auth.RoleCollaborator,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[createUserResponse](t, resp)
	require.NotEmpty(t, created.TemporaryPassword)
	require.True(t, created.User.MustChangePassword)
	require.Equal(t, "/v1/users/"+created.User.ID, resp.Header.Get("Location"))

	resp = c.do(http.MethodPost, "/v1/users", admin.AccessToken, createUserRequest{
		Email: "boss@example.com", FullName: "Boss", Role: auth.RoleAdmin,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(auth.KindCannotModifyHigherRole), errorCode(t, resp))

	resp = c.do(http.MethodGet, "/v1/users?role=collaborator&active=true", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[listUsersResponse](t, resp)
	require.Len(t, list.Items, 1)
	require.Equal(t, defaultListLimit, list.Limit)

	resp = c.do(http.MethodPut, "/v1/users/"+created.User.ID+"/role", admin.AccessToken, changeRoleRequest{Role: auth.RoleArchitect})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{auth.RoleArchitect}, decode[userView](t, resp).Roles)

	resp = c.do(http.MethodPut, "/v1/users/"+rootID+"/status", admin.AccessToken, map[string]bool{"active": false})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = c.do(http.MethodPut, "/v1/users/"+admin.User.ID+"/status", admin.AccessToken, map[string]bool{"active": false})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, string(auth.KindCannotDeactivateSelf), errorCode(t, resp))

	resp = c.do(http.MethodPut, "/v1/users/"+arch.User.ID+"/status", admin.AccessToken, map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = c.do(http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: arch.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = c.do(http.MethodPost, "/v1/users/"+created.User.ID+"/password-reset", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, decode[resetPasswordResponse](t, resp).TemporaryPassword)

	resp = c.do(http.MethodDelete, "/v1/users/"+created.User.ID, admin.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = c.do(http.MethodGet, "/v1/users/"+created.User.ID, admin.AccessToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIRateLimitsAuthEndpoints(t *testing.T) {
	c := newTestAPI(t, config.RateLimitConfig{Enabled: true, PerSecond: 0.1, Burst: 2})
	for range 2 {
		resp := c.do(http.MethodPost, "/v1/auth/logout", "", refreshRequest{RefreshToken: "nope"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := c.do(http.MethodPost, "/v1/auth/logout", "", refreshRequest{RefreshToken: "nope"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = c.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIHealthAndReady(t *testing.T) {
	c := newTestAPI(t, config.RateLimitConfig{})
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := c.do(http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
	resp := c.do(http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

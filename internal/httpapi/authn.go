package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"draftline.io/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// passwordChangePaths are the only endpoints a pwd_change_required token may call.
var passwordChangePaths = map[string]struct{}{
	"/v1/auth/password": {},
	"/v1/auth/me":       {},
	"/v1/auth/logout":   {},
}

// authenticate verifies the bearer access token and attaches its principal.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="draftline"`)
			writeErrorKind(w, r, http.StatusUnauthorized, auth.KindInvalidToken, err.Error())
			return
		}
		principal, err := a.svc.Authenticate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="draftline", error="invalid_token"`)
			writeAuthError(w, r, err)
			return
		}
		if principal.MustChangePassword {
			if _, ok := passwordChangePaths[r.URL.Path]; !ok {
				writeAuthError(w, r, auth.ErrPasswordChangeRequired)
				return
			}
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRank rejects principals whose effective rank is below minRank.
func RequireRank(minRank int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="draftline"`)
				writeErrorKind(w, r, http.StatusUnauthorized, auth.KindInvalidToken, "authentication required")
				return
			}
			if principal.Rank() < minRank {
				w.Header().Set("WWW-Authenticate", `Bearer realm="draftline", error="insufficient_scope"`)
				writeErrorKind(w, r, http.StatusForbidden, auth.KindCannotModifyHigherRole, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

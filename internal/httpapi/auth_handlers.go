package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"draftline.io/internal/audit"
	"draftline.io/internal/auth"
	"draftline.io/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type sessionResponse struct {
	AccessToken        string    `json:"access_token"`
	TokenType          string    `json:"token_type"`
	ExpiresIn          int64     `json:"expires_in"`
	ExpiresAt          time.Time `json:"expires_at"`
	RefreshToken       string    `json:"refresh_token"`
	RefreshExpiresAt   time.Time `json:"refresh_expires_at"`
	MustChangePassword bool      `json:"must_change_password"`
	User               userView  `json:"user"`
}

type meResponse struct {
	ID                 string   `json:"id"`
	Email              string   `json:"email"`
	FullName           string   `json:"full_name"`
	Roles              []string `json:"roles"`
	MustChangePassword bool     `json:"must_change_password"`
}

func newSessionResponse(s auth.Session) sessionResponse {
	return sessionResponse{
		AccessToken:        s.Access.Token,
		TokenType:          "Bearer",
		ExpiresIn:          int64(time.Until(s.Access.ExpiresAt).Seconds()),
		ExpiresAt:          s.Access.ExpiresAt,
		RefreshToken:       s.Refresh.Value,
		RefreshExpiresAt:   s.Refresh.ExpiresAt,
		MustChangePassword: s.MustChangePassword,
		User:               newUserView(s.User),
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	sess, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventLogin, map[string]any{
		"user_id":              sess.User.ID,
		"must_change_password": sess.MustChangePassword,
	})
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	sess, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := a.svc.Revoke(r.Context(), req.RefreshToken); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventLogout, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := a.svc.ChangePassword(r.Context(), principal.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventPasswordChanged, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	roles := principal.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, meResponse{
		ID:                 principal.UserID,
		Email:              principal.Email,
		FullName:           principal.FullName,
		Roles:              roles,
		MustChangePassword: principal.MustChangePassword,
	})
}

// audit records an administrative action. Failures are logged and dropped.
func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

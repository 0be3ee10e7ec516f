package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"draftline.io/internal/audit"
	"draftline.io/internal/auth"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type userView struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	FullName           string     `json:"full_name"`
	RegistrationNumber *string    `json:"registration_number,omitempty"`
	Roles              []string   `json:"roles"`
	IsActive           bool       `json:"is_active"`
	MustChangePassword bool       `json:"must_change_password"`
	LockedUntil        *time.Time `json:"locked_until,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func newUserView(u *auth.User) userView {
	if u == nil {
		return userView{Roles: []string{}}
	}
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	return userView{
		ID:                 u.ID,
		Email:              u.Email,
		FullName:           u.FullName,
		RegistrationNumber: u.RegistrationNumber,
		Roles:              roles,
		IsActive:           u.IsActive,
		MustChangePassword: u.MustChangePassword,
		LockedUntil:        u.LockoutEnd,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
	}
}

type createUserRequest struct {
	Email              string  `json:"email"`
	FullName           string  `json:"full_name"`
	RegistrationNumber *string `json:"registration_number"`
	Role               string  `json:"role"`
	Password           string  `json:"password"`
}

type createUserResponse struct {
	User              userView `json:"user"`
	TemporaryPassword string   `json:"temporary_password,omitempty"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type toggleStatusRequest struct {
	Active *bool `json:"active"`
}

type resetPasswordResponse struct {
	TemporaryPassword string `json:"temporary_password"`
}

type listUsersResponse struct {
	Items  []userView `json:"items"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseIntParam(q.Get("limit"), "limit", defaultListLimit, 1, maxListLimit)
	if err != nil {
		writeDecodeError(w, r, err)
		return
	}
	offset, err := parseIntParam(q.Get("offset"), "offset", 0, 0, 1<<30)
	if err != nil {
		writeDecodeError(w, r, err)
		return
	}
	filter := auth.UserFilter{Role: q.Get("role"), Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(q.Get("active")); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeDecodeError(w, r, errors.New("active must be true or false"))
			return
		}
		filter.Active = &active
	}
	users, err := a.users.ListUsers(r.Context(), filter)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	items := make([]userView, 0, len(users))
	for _, u := range users {
		items = append(items, newUserView(u))
	}
	writeJSON(w, http.StatusOK, listUsersResponse{Items: items, Limit: limit, Offset: offset})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.PrincipalFromContext(r.Context())
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	created, err := a.users.CreateUser(r.Context(), actor, auth.NewUser{
		Email:              req.Email,
		FullName:           req.FullName,
		RegistrationNumber: req.RegistrationNumber,
		Role:               req.Role,
		Password:           req.Password,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventUserCreated, map[string]any{
		"target_id": created.User.ID,
		"role":      req.Role,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", created.User.ID))
	writeJSON(w, http.StatusCreated, createUserResponse{
		User:              newUserView(created.User),
		TemporaryPassword: created.TemporaryPassword,
	})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.users.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserView(u))
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := a.users.DeleteUser(r.Context(), actor, id); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventUserDeleted, map[string]any{"target_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.PrincipalFromContext(r.Context())
	var req changeRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	u, err := a.users.ChangeRole(r.Context(), actor, chi.URLParam(r, "id"), req.Role)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventRoleChanged, map[string]any{
		"target_id": u.ID,
		"role":      strings.Join(u.Roles, ","),
	})
	writeJSON(w, http.StatusOK, newUserView(u))
}

func (a *API) handleToggleStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.PrincipalFromContext(r.Context())
	var req toggleStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.Active == nil {
		writeDecodeError(w, r, errors.New("active is required"))
		return
	}
	u, err := a.users.ToggleStatus(r.Context(), actor, chi.URLParam(r, "id"), *req.Active)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventStatusChanged, map[string]any{
		"target_id": u.ID,
		"active":    u.IsActive,
	})
	writeJSON(w, http.StatusOK, newUserView(u))
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	temp, err := a.users.ResetPassword(r.Context(), actor, id)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventPasswordReset, map[string]any{"target_id": id})
	writeJSON(w, http.StatusOK, resetPasswordResponse{TemporaryPassword: temp})
}

func parseIntParam(raw, name string, def, lo, hi int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < lo || val > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return val, nil
}

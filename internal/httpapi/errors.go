package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"draftline.io/internal/auth"
	"draftline.io/internal/obs"
)

var kindStatus = map[auth.Kind]int{
	auth.KindInvalidCredentials:     http.StatusUnauthorized,
	auth.KindAccountInactive:        http.StatusForbidden,
	auth.KindAccountLockedOut:       http.StatusLocked,
	auth.KindInvalidCurrentPassword: http.StatusBadRequest,
	auth.KindPasswordChangeFailed:   http.StatusUnprocessableEntity,
	auth.KindInvalidRefreshToken:    http.StatusUnauthorized,
	auth.KindRefreshTokenExpired:    http.StatusUnauthorized,
	auth.KindCannotModifyHigherRole: http.StatusForbidden,
	auth.KindCannotDeactivateSelf:   http.StatusBadRequest,
	auth.KindNotFound:               http.StatusNotFound,
	auth.KindInvalidInput:           http.StatusBadRequest,
	auth.KindConflict:               http.StatusConflict,
	auth.KindInvalidToken:           http.StatusUnauthorized,
	auth.KindPasswordChangeRequired: http.StatusForbidden,
}

var kindMessage = map[auth.Kind]string{
	auth.KindInvalidCredentials:     "invalid email or password",
	auth.KindAccountInactive:        "account is inactive",
	auth.KindAccountLockedOut:       "account is temporarily locked",
	auth.KindInvalidCurrentPassword: "current password is incorrect",
	auth.KindInvalidRefreshToken:    "invalid refresh token",
	auth.KindRefreshTokenExpired:    "refresh token expired",
	auth.KindCannotModifyHigherRole: "cannot act on a principal of equal or higher role",
	auth.KindCannotDeactivateSelf:   "cannot change status of own account",
	auth.KindNotFound:               "resource not found",
	auth.KindConflict:               "resource already exists",
	auth.KindInvalidToken:           "invalid access token",
	auth.KindPasswordChangeRequired: "password change required",
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind auth.Kind) int {
	if code, ok := kindStatus[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// writeAuthError renders err with its kind as the code field. Internal errors
// are logged and never echoed.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.KindOf(err)
	if kind == auth.KindInternal {
		obs.Logger().ErrorContext(r.Context(), "request failed",
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeErrorKind(w, r, http.StatusInternalServerError, kind, "internal error")
		return
	}
	msg, ok := kindMessage[kind]
	if !ok {
		// InvalidInput and PasswordChangeFailed carry actionable detail.
		msg = strings.TrimPrefix(err.Error(), "auth: ")
	}
	writeErrorKind(w, r, StatusFor(kind), kind, msg)
}

func writeErrorKind(w http.ResponseWriter, r *http.Request, code int, kind auth.Kind, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  string(kind),
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// writeDecodeError reports a malformed body as InvalidInput.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorKind(w, r, http.StatusRequestEntityTooLarge, auth.KindInvalidInput, "request body too large")
		return
	}
	writeErrorKind(w, r, http.StatusBadRequest, auth.KindInvalidInput, err.Error())
}

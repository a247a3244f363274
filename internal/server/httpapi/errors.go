package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/server/services"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeCode(w http.ResponseWriter, r *http.Request, status int, msg, code string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg, Code: code})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrorValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrAccountBanned),
		errors.Is(err, common.ErrSubscriptionExpired),
		errors.Is(err, common.ErrHwidMismatch):
		return http.StatusForbidden
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrDuplicateIdentity), errors.Is(err, common.ErrKeyNotActivatable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its status and reason code. Internal errors
// are logged and never echoed.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := services.Reason(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeCode(w, r, status, msg, code)
}

// writeLoginError collapses every credential-related refusal into one
// response so that callers cannot tell accounts apart.
func (a *API) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, common.ErrRateLimited), errors.Is(err, common.ErrorValidation):
		a.writeError(w, r, err)
	case errors.Is(err, common.ErrorInternal):
		a.writeError(w, r, err)
	case errors.Is(err, common.ErrInvalidCredentials),
		errors.Is(err, common.ErrorNotFound),
		errors.Is(err, common.ErrAccountBanned),
		errors.Is(err, common.ErrSubscriptionExpired),
		errors.Is(err, common.ErrHwidMismatch):
		writeCode(w, r, http.StatusUnauthorized, "invalid credentials", "invalid_credentials")
	default:
		a.writeError(w, r, err)
	}
}

// writeTokenError hides why a session or reset token was refused.
func (a *API) writeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError || errors.Is(err, common.ErrorValidation) {
		a.writeError(w, r, err)
		return
	}
	writeCode(w, r, http.StatusUnauthorized, "invalid token", "invalid_token")
}

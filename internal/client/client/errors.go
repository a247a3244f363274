package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/hwidauth/internal/common"
)

var (
	ErrUnavailable  = errors.New("server unavailable")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotLoggedIn  = errors.New("not logged in")
)

// codeErrors maps server reason codes onto the shared sentinels.
var codeErrors = map[string]error{
	"invalid_request":      common.ErrorValidation,
	"rate_limited":         common.ErrRateLimited,
	"invalid_credentials":  common.ErrInvalidCredentials,
	"invalid_token":        common.ErrInvalidToken,
	"account_banned":       common.ErrAccountBanned,
	"subscription_expired": common.ErrSubscriptionExpired,
	"hwid_mismatch":        common.ErrHwidMismatch,
	"key_banned":           common.ErrKeyBanned,
	"key_expired":          common.ErrKeyExpired,
	"key_not_activatable":  common.ErrKeyNotActivatable,
	"duplicate_identity":   common.ErrDuplicateIdentity,
	"not_found":            common.ErrorNotFound,
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func mapError(status int, body errorResponse) error {
	if err, ok := codeErrors[body.Code]; ok {
		return err
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrUnavailable
	}
	if body.Error != "" {
		return fmt.Errorf("server error %d: %s", status, body.Error)
	}
	return fmt.Errorf("server error %d", status)
}

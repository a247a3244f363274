// Package common defines shared constants and sentinel errors used across
// the service. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound        = errors.New("not found")
	ErrDuplicateIdentity = errors.New("duplicate identity")

	// Service-level errors (generic/internal flow control).
	ErrorInternal   = errors.New("internal error")
	ErrorValidation = errors.New("validation error")

	// Account errors.
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountBanned       = errors.New("account banned")
	ErrSubscriptionExpired = errors.New("subscription expired")
	ErrHwidMismatch        = errors.New("hwid mismatch")
	ErrRateLimited         = errors.New("too many failed login attempts")

	// License key lifecycle errors. ErrKeyBanned and ErrKeyExpired also
	// match ErrKeyNotActivatable.
	ErrKeyNotActivatable = errors.New("key not activatable")
	ErrKeyBanned         = &kindError{msg: "key banned", parent: ErrKeyNotActivatable}
	ErrKeyExpired        = &kindError{msg: "key expired", parent: ErrKeyNotActivatable}

	// Token errors. The three specific kinds match ErrInvalidToken so that
	// callers outside the codec only ever need to check one value.
	ErrInvalidToken          = errors.New("invalid token")
	ErrTokenExpired          = &kindError{msg: "token expired", parent: ErrInvalidToken}
	ErrTokenMalformed        = &kindError{msg: "token malformed", parent: ErrInvalidToken}
	ErrTokenSignatureInvalid = &kindError{msg: "token signature invalid", parent: ErrInvalidToken}
)

// kindError is a sentinel that also matches a coarser parent kind.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.parent }

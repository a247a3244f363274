package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/client/client"
	"github.com/dmitrijs2005/hwidauth/internal/common"
)

// Register prompts for a user name, email and password and creates the
// account bound to this machine.
func (a *App) Register(ctx context.Context) error {
	userName, err := a.ask("User name")
	if err != nil {
		return err
	}
	email, err := a.ask("Email")
	if err != nil {
		return err
	}
	password, err := a.askPassword("Password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	if err := a.api.Register(ctx, userName, email, password, a.hwid); err != nil {
		a.say("Registration failed:", describe(err))
		return err
	}
	a.say("Success!")
	return nil
}

// Login authenticates from this machine and keeps the session for later
// commands.
func (a *App) Login(ctx context.Context) error {
	userName, err := a.ask("User name")
	if err != nil {
		return err
	}
	password, err := a.askPassword("Password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	sess, err := a.api.Login(ctx, userName, password, a.hwid)
	if err != nil {
		a.say("Login unsuccessful:", describe(err))
		return err
	}
	a.userName = userName
	a.say("Login successful, subscription:", subscription(sess.SubscriptionExpiresAt))
	return nil
}

// Verify asks the server whether the current session is still good. A
// refused session logs the user out locally.
func (a *App) Verify(ctx context.Context) error {
	id, err := a.api.Verify(ctx)
	if err != nil {
		if errors.Is(err, common.ErrInvalidToken) || errors.Is(err, client.ErrUnauthorized) {
			_ = a.Logout(ctx)
		}
		a.say("Session invalid:", describe(err))
		return err
	}
	a.say("Session valid for", id.UserName, "until", time.Unix(id.ExpiresAt, 0).UTC().Format(time.RFC3339))
	return nil
}

func (a *App) Logout(context.Context) error {
	a.api.Logout()
	a.userName = ""
	return nil
}

// RequestReset asks the server to issue a password reset token for an
// email. The server answers the same way whether or not the email is known.
func (a *App) RequestReset(ctx context.Context) error {
	email, err := a.ask("Email")
	if err != nil {
		return err
	}
	if err := a.api.RequestReset(ctx, email); err != nil {
		a.say("Reset request failed:", describe(err))
		return err
	}
	a.say("If the email is registered, a reset token has been sent.")
	return nil
}

func (a *App) CompleteReset(ctx context.Context) error {
	token, err := a.ask("Reset token")
	if err != nil {
		return err
	}
	password, err := a.askPassword("New password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	if err := a.api.CompleteReset(ctx, token, password); err != nil {
		a.say("Password reset failed:", describe(err))
		return err
	}
	a.say("Password changed.")
	return nil
}

// askPassword reads a password without echo and refuses an empty one
// before anything is sent.
func (a *App) askPassword(label string) ([]byte, error) {
	password, err := promptSecret(a.out, label)
	if err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("password: %w", errEmptyInput)
	}
	return password, nil
}

func subscription(expiresAt int64) string {
	if expiresAt == 0 {
		return "lifetime"
	}
	return "until " + time.Unix(expiresAt, 0).UTC().Format(time.RFC3339)
}

func describe(err error) string {
	switch {
	case errors.Is(err, errEmptyInput):
		return err.Error()
	case errors.Is(err, client.ErrUnavailable):
		return "server unavailable"
	case errors.Is(err, client.ErrNotLoggedIn):
		return "please login first"
	case errors.Is(err, common.ErrInvalidCredentials):
		return "invalid credentials"
	case errors.Is(err, common.ErrRateLimited):
		return "too many attempts, try again later"
	case errors.Is(err, common.ErrDuplicateIdentity):
		return "user name or email already taken"
	case errors.Is(err, common.ErrKeyBanned):
		return "key has been banned"
	case errors.Is(err, common.ErrKeyExpired):
		return "key has expired"
	case errors.Is(err, common.ErrKeyNotActivatable):
		return "key cannot be activated"
	case errors.Is(err, common.ErrorNotFound):
		return "not found"
	case errors.Is(err, common.ErrInvalidToken):
		return "invalid or expired token"
	default:
		return err.Error()
	}
}

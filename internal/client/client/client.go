package client

import (
	"context"
	"time"
)

// Session is the result of a successful login.
type Session struct {
	Token                 string
	ExpiresAt             int64
	SubscriptionExpiresAt int64
}

// Identity is what the server recovered from a verified session token.
type Identity struct {
	UserName  string
	Hwid      string
	ExpiresAt int64
}

// Key is the client view of an activated license key.
type Key struct {
	Code      string     `json:"code"`
	Product   string     `json:"product"`
	Duration  string     `json:"duration"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Client is the contract the CLI needs from the auth server.
type Client interface {
	Register(ctx context.Context, userName, email string, password []byte, hwid string) error
	Login(ctx context.Context, userName string, password []byte, hwid string) (*Session, error)
	Verify(ctx context.Context) (*Identity, error)
	Activate(ctx context.Context, code string) (*Key, error)
	RequestReset(ctx context.Context, email string) error
	CompleteReset(ctx context.Context, token string, newPassword []byte) error
	Logout()
}

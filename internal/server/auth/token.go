package auth

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// TokenSeparator joins token fields; it may not appear inside any field.
const TokenSeparator = "|"

// TokenKind selects the field layout of a token.
type TokenKind int

const (
	// SessionToken is username|hwid|expiry|signature.
	SessionToken TokenKind = iota
	// ResetToken is username|expiry|signature.
	ResetToken
)

func (k TokenKind) String() string {
	switch k {
	case SessionToken:
		return "session"
	case ResetToken:
		return "reset"
	default:
		return "unknown"
	}
}

func (k TokenKind) parts() int {
	if k == SessionToken {
		return 4
	}
	return 3
}

// Claims are the plaintext fields of a verified token.
type Claims struct {
	Kind      TokenKind
	UserName  string
	Hwid      string
	ExpiresAt time.Time
}

// TokenCodec issues and verifies HMAC-SHA256 signed tokens. It only proves
// that a token was issued with a key from the keyring and has not expired;
// account standing must be checked by the caller.
type TokenCodec struct {
	keys   *Keyring
	method *jwt.SigningMethodHMAC
	now    func() time.Time
}

// NewTokenCodec returns a codec signing with keys.
func NewTokenCodec(keys *Keyring) *TokenCodec {
	return &TokenCodec{keys: keys, method: jwt.SigningMethodHS256, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (c *TokenCodec) WithClock(now func() time.Time) *TokenCodec {
	c.now = now
	return c
}

// IssueSession signs username and hwid with an absolute expiry of now+ttl.
func (c *TokenCodec) IssueSession(username, hwid string, ttl time.Duration) (string, error) {
	if hwid == "" {
		return "", fmt.Errorf("%w: session token requires hwid", common.ErrorValidation)
	}
	return c.issue(ttl, username, hwid)
}

// IssueReset signs a password-reset token for username.
func (c *TokenCodec) IssueReset(username string, ttl time.Duration) (string, error) {
	return c.issue(ttl, username)
}

func (c *TokenCodec) issue(ttl time.Duration, fields ...string) (string, error) {
	for _, f := range fields {
		if f == "" || strings.Contains(f, TokenSeparator) {
			return "", fmt.Errorf("%w: token field must be non-empty and must not contain %q", common.ErrorValidation, TokenSeparator)
		}
	}
	expiry := c.now().Add(ttl).Unix()
	plain := strings.Join(append(fields, strconv.FormatInt(expiry, 10)), TokenSeparator)

	sig, err := c.method.Sign(plain, c.keys.signingKey())
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return plain + TokenSeparator + hex.EncodeToString(sig), nil
}

// Parse verifies token as the expected kind. The returned error is always
// one of common.ErrTokenMalformed, common.ErrTokenSignatureInvalid or
// common.ErrTokenExpired, all of which match common.ErrInvalidToken.
func (c *TokenCodec) Parse(token string, kind TokenKind) (*Claims, error) {
	parts := strings.Split(token, TokenSeparator)
	if len(parts) != kind.parts() {
		return nil, common.ErrTokenMalformed
	}
	for _, p := range parts {
		if p == "" {
			return nil, common.ErrTokenMalformed
		}
	}

	sigHex := parts[len(parts)-1]
	expiryStr := parts[len(parts)-2]

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil || strconv.FormatInt(expiry, 10) != expiryStr {
		return nil, common.ErrTokenMalformed
	}
	if len(sigHex) != hex.EncodedLen(c.method.Hash.Size()) || strings.ToLower(sigHex) != sigHex {
		return nil, common.ErrTokenMalformed
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, common.ErrTokenMalformed
	}

	plain := token[:len(token)-len(sigHex)-len(TokenSeparator)]
	signed := false
	for _, key := range c.keys.verificationKeys() {
		if c.method.Verify(plain, sig, key) == nil {
			signed = true
			break
		}
	}
	expired := !c.now().Before(time.Unix(expiry, 0))

	switch {
	case !signed:
		return nil, common.ErrTokenSignatureInvalid
	case expired:
		return nil, common.ErrTokenExpired
	}

	claims := &Claims{Kind: kind, UserName: parts[0], ExpiresAt: time.Unix(expiry, 0)}
	if kind == SessionToken {
		claims.Hwid = parts[1]
	}
	return claims, nil
}

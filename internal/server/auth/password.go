// Package auth implements credential hashing and the signed session and
// password-reset tokens issued by the server.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinIterations is the lowest PBKDF2 iteration count accepted.
	MinIterations = 10000
	saltBytes     = 16
	digestBytes   = sha256.Size
	hashSeparator = "$"
)

// PasswordHasher derives PBKDF2-HMAC-SHA256 digests. Stored hashes have the
// form "salt$hexdigest" where salt is the hex salt string fed to the KDF.
// The iteration count is not part of the stored form, so it must stay fixed
// for the lifetime of a database.
type PasswordHasher struct {
	iterations int
}

// NewPasswordHasher returns a hasher using iterations rounds, raised to
// MinIterations when lower.
func NewPasswordHasher(iterations int) *PasswordHasher {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	return &PasswordHasher{iterations: iterations}
}

// Hash salts password with a fresh random salt.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt, err := common.MakeRandHexString(saltBytes)
	if err != nil {
		return "", err
	}
	return h.HashWithSalt(password, salt)
}

// HashWithSalt hashes password with the given salt, which must be non-empty
// and must not contain the separator.
func (h *PasswordHasher) HashWithSalt(password, salt string) (string, error) {
	if salt == "" || strings.Contains(salt, hashSeparator) {
		return "", errors.New("invalid salt")
	}
	return salt + hashSeparator + hex.EncodeToString(h.derive(password, salt)), nil
}

// Verify reports whether password matches stored. Malformed stored values
// never match.
func (h *PasswordHasher) Verify(password, stored string) bool {
	salt, digestHex, ok := strings.Cut(stored, hashSeparator)
	if !ok || salt == "" || len(digestHex) != hex.EncodedLen(digestBytes) {
		return false
	}
	if strings.ToLower(digestHex) != digestHex {
		return false
	}
	want, err := hex.DecodeString(digestHex)
	if err != nil {
		return false
	}
	got := h.derive(password, salt)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (h *PasswordHasher) derive(password, salt string) []byte {
	return pbkdf2.Key([]byte(password), []byte(salt), h.iterations, digestBytes, sha256.New)
}

package auth

import (
	"errors"
	"sync"
	"time"
)

// MinKeyBytes is the minimum signing key length.
const MinKeyBytes = 32

var errShortKey = errors.New("signing key must be at least 32 bytes")

type retiredKey struct {
	key   []byte
	until time.Time
}

// Keyring holds the current signing key and retired keys that are still
// accepted for verification until their grace deadline.
type Keyring struct {
	mu      sync.RWMutex
	current []byte
	retired []retiredKey
	now     func() time.Time
}

// NewKeyring creates a keyring signing with current.
func NewKeyring(current []byte) (*Keyring, error) {
	if len(current) < MinKeyBytes {
		return nil, errShortKey
	}
	return &Keyring{current: clone(current), now: time.Now}, nil
}

// Retire registers key as verification-only until the given deadline.
func (k *Keyring) Retire(key []byte, until time.Time) error {
	if len(key) < MinKeyBytes {
		return errShortKey
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.retired = append(k.retired, retiredKey{key: clone(key), until: until})
	return nil
}

// Rotate makes next the signing key. The previous key keeps verifying
// tokens for grace; a zero grace drops it immediately.
func (k *Keyring) Rotate(next []byte, grace time.Duration) error {
	if len(next) < MinKeyBytes {
		return errShortKey
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if grace > 0 {
		k.retired = append(k.retired, retiredKey{key: k.current, until: now.Add(grace)})
	}
	k.current = clone(next)
	k.pruneLocked(now)
	return nil
}

func (k *Keyring) signingKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// verificationKeys returns the current key first, then unexpired retired keys.
func (k *Keyring) verificationKeys() [][]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()

	now := k.now()
	keys := [][]byte{k.current}
	for _, r := range k.retired {
		if now.Before(r.until) {
			keys = append(keys, r.key)
		}
	}
	return keys
}

func (k *Keyring) pruneLocked(now time.Time) {
	kept := k.retired[:0]
	for _, r := range k.retired {
		if now.Before(r.until) {
			kept = append(kept, r)
		}
	}
	k.retired = kept
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

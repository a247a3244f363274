// Package machine derives a stable hardware identifier for the CLI.
package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
)

var (
	readFile = os.ReadFile
	hostname = os.Hostname
)

var idFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// ID returns the hex SHA-256 of the OS machine id, falling back to the
// host name. The raw value never leaves the machine.
func ID() (string, error) {
	for _, f := range idFiles {
		b, err := readFile(f)
		if err != nil {
			continue
		}
		if v := strings.TrimSpace(string(b)); v != "" {
			return digest("machine-id:" + v), nil
		}
	}
	h, err := hostname()
	if err != nil {
		return "", err
	}
	if h == "" {
		return "", errors.New("no machine identifier available")
	}
	return digest("hostname:" + h), nil
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

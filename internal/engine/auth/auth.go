package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// Permissions understood by the API.
const (
	PermTasksWrite   = "tasks.write"
	PermTasksRead    = "tasks.read"
	PermResultsRead  = "results.read"
	PermConsensusRun = "consensus.run"
	PermMetricsRead  = "metrics.read"
)

// AllPermissions lists every permission, granted to API keys and to tokens
// that carry no permissions claim.
func AllPermissions() []string {
	return []string{PermTasksWrite, PermTasksRead, PermResultsRead, PermConsensusRun, PermMetricsRead}
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Require returns ForbiddenError unless perms contains perm.
func Require(perms []string, perm string) error {
	if slices.Contains(perms, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// Keyring holds the accepted API key hashes.
type Keyring struct {
	hashes []string
}

func NewKeyring(hashes []string) Keyring {
	var k Keyring
	for _, h := range hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			k.hashes = append(k.hashes, h)
		}
	}
	return k
}

// Empty reports whether no API keys are configured.
func (k Keyring) Empty() bool { return len(k.hashes) == 0 }

// Match reports whether key hashes to one of the accepted digests and
// returns that digest.
func (k Keyring) Match(key string) (string, bool) {
	if strings.TrimSpace(key) == "" {
		return "", false
	}
	got := HashAPIKey(key)
	for _, h := range k.hashes {
		if subtle.ConstantTimeCompare([]byte(got), []byte(h)) == 1 {
			return h, true
		}
	}
	return "", false
}

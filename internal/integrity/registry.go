// Package integrity implements the idempotency-key to payload-fingerprint
// registry (§4.6). It is scoped per-Client (a struct field, never a
// package-level map) so two independently constructed clients never
// cross-pollute idempotency state -- see SPEC_FULL.md §9's resolution of
// the "module-level mutable map" re-architecture note.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/resilientkit/client/errors"
)

// Registry pins the first fingerprint observed for each idempotency key.
type Registry struct {
	mu           sync.Mutex
	fingerprints map[string]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{fingerprints: make(map[string]string)}
}

// Canonicalize returns the deterministic text form of a body used as the
// SHA-256 input: "" for an absent body, else the bytes as given. The
// caller is responsible for having already produced a stable, canonical
// serialization (e.g. JSON with sorted keys) before calling Enforce --
// this module only hashes what it is given.
func Canonicalize(body []byte) []byte {
	if body == nil {
		return []byte{}
	}
	return body
}

// Fingerprint returns the lowercase hex SHA-256 of canonical.
func Fingerprint(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Enforce pins body's fingerprint to key. If key has never been seen,
// the fingerprint is recorded and returned. If key was seen before with
// a different fingerprint, it returns an IntegrityViolationError.
func (r *Registry) Enforce(key string, body []byte) (string, error) {
	fp := Fingerprint(Canonicalize(body))

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, seen := r.fingerprints[key]
	if seen {
		if existing != fp {
			violation := errors.NewIntegrityViolationError("idempotency key reused with a different payload fingerprint")
			violation.WithDetail("idempotencyKey", key)
			return "", violation
		}
		return existing, nil
	}

	r.fingerprints[key] = fp
	return fp, nil
}

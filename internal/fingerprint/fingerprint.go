// Package fingerprint derives deterministic identities for external calls.
//
// A fingerprint is a sha256 hash over the service name, operation name, and
// the canonical JSON form of the arguments. encoding/json marshals map keys
// in sorted order, so structurally identical argument maps always produce
// the same fingerprint regardless of insertion order or process run.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// New computes the fingerprint for a call identity.
// Arguments must be JSON-serializable; anything else is a caller bug.
func New(service, operation string, args map[string]interface{}) (string, error) {
	canonical, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize arguments: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(service))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Key joins service, operation and fingerprint into a storage key.
func Key(service, operation, fp string) string {
	return service + ":" + operation + ":" + fp
}

// Short returns an 8-character form for logs and display.
func Short(fp string) string {
	if len(fp) < 8 {
		return fp
	}
	return fp[:8]
}

package specification

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v deterministically: every object's keys are
// sorted, numbers take their shortest stable representation, and the
// output is compact UTF-8. Two semantically equivalent inputs (same
// keys in any order) serialize to identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through the generic representation so that struct
	// field order no longer matters; encoding/json sorts map keys on
	// marshal.
	structured, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize specification: %w", err)
	}
	var generic any
	if err := json.Unmarshal(structured, &generic); err != nil {
		return nil, fmt.Errorf("failed to normalize specification: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize specification: %w", err)
	}
	return canonical, nil
}

// Hash returns the canonical form of v together with the hex-encoded
// SHA-256 of that form, the specification's content identity.
func Hash(v any) (canonical []byte, sha string, err error) {
	canonical, err = CanonicalJSON(v)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

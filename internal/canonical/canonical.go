// Package canonical produces deterministic JSON for content hashing.
// Map keys are sorted lexicographically per RFC 8785; array order is
// preserved. Equal logical values encode to identical bytes regardless
// of how they were constructed.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"orbitwatch/internal/model"
)

// Encode returns the canonical JSON encoding of v.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, model.Invalid("canonical encode", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, model.Invalid("canonical transform", fmt.Errorf("jcs: %w", err))
	}
	return out, nil
}

// Hash returns the hex SHA-256 digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

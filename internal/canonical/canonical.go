// Package canonical provides the single canonical-JSON routine used
// everywhere bytes are hashed or compared: RFC 8785 form with
// lexicographically sorted keys and no insignificant whitespace.
// Keyword haystacks and audit hash inputs must go through this package so
// the same value always canonicalizes to the same bytes.
package canonical

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// MarshalString is Marshal with a string result. On error it returns "{}"
// so hash inputs stay well-formed; callers that care about the error use
// Marshal directly.
func MarshalString(v any) string {
	out, err := Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// Package identifier builds the idempotency key the server uses to recognise an upload across segment requests.
package identifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PrefixSegments is the number of leading segments digested for the identifier.
// Hashing a huge file in full would delay the first segment, so only this prefix is read and uniqueness per user
// is assumed when combined with the other parameters.
const PrefixSegments = 3

// Params are the inputs of an identifier. Field order is part of the wire format.
type Params struct {
	PartialDigest  string `json:"partialDigest"`
	ChunkSize      int64  `json:"chunkSize"`
	ForceChunkSize bool   `json:"forceChunkSize"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
}

// Build returns the canonical identifier string for p. Identical params always yield a byte-identical string.
func Build(p Params) (string, error) {
	if p.PartialDigest == "" {
		return "", fmt.Errorf("partial digest is empty")
	}
	if p.ChunkSize <= 0 {
		return "", fmt.Errorf("chunk size must be positive, got %d", p.ChunkSize)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", fmt.Errorf("encode identifier: %w", err)
	}

	return strings.TrimSuffix(buf.String(), "\n"), nil
}

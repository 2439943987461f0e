// Package hasher computes content fingerprints for document bytes.
//
// The digest is a lowercase hex SHA-256 over the raw bytes with no domain
// prefix, so a hash computed here is comparable with one computed by any
// other SHA-256 tool over the same object.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Size is the length of a hex digest returned by Sum.
const Size = sha256.Size * 2

// Sum returns the content hash of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumReader hashes everything readable from r.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal reports whether two digests name the same content.
// Comparison ignores case and surrounding whitespace; empty digests never match.
func Equal(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"slices"
	"strings"
)

// Fingerprint is the 64-character hex key of a cached response.
type Fingerprint string

// Valid reports whether fp has the shape of a fingerprint.
func (fp Fingerprint) Valid() bool {
	if len(fp) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(fp))
	return err == nil
}

// Short returns the first 12 characters, for logs.
func (fp Fingerprint) Short() string {
	if len(fp) < 12 {
		return string(fp)
	}
	return string(fp[:12])
}

// Normalize folds query text so that inputs differing only in case or
// whitespace share a fingerprint. Runs of Unicode whitespace collapse to a
// single space.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// NewFingerprint derives the cache key for a request. Every field is length
// prefixed so that no two distinct inputs can encode to the same bytes.
// docIDs are sorted on a copy; callers may pass them in rank order.
func NewFingerprint(query, toneID string, docIDs []string, modelVersion string) Fingerprint {
	h := sha256.New()
	var buf [binary.MaxVarintLen64]byte
	field := func(s string) {
		n := binary.PutUvarint(buf[:], uint64(len(s)))
		h.Write(buf[:n])
		h.Write([]byte(s))
	}

	field(Normalize(query))
	field(toneID)
	ids := slices.Clone(docIDs)
	slices.Sort(ids)
	n := binary.PutUvarint(buf[:], uint64(len(ids)))
	h.Write(buf[:n])
	for _, id := range ids {
		field(id)
	}
	field(modelVersion)

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

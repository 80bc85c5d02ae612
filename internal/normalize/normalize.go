// Package normalize implements the text normalization and content hashing
// rules shared by the embedding service, the ingestor, and the
// orchestrator's response-cache key: trim, collapse internal whitespace,
// and fold to Unicode NFC before anything is hashed or sent to a model.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Text collapses runs of whitespace to a single space, trims the result,
// and normalizes to Unicode NFC. Two strings that differ only in
// whitespace style or composed/decomposed accents normalize identically.
func Text(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteRune(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}

	return norm.NFC.String(b.String())
}

// Hash returns the hex-encoded sha256 digest of s. Callers normalize
// first; Hash performs no normalization of its own. Raw-byte digests
// (pdf_hash over undecoded PDF bytes) go through HashBytes instead.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the hex-encoded sha256 digest of raw bytes, used for
// pdf_hash (the file-level identity computed over undecoded PDF bytes).
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

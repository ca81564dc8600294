package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"vichat_go_backend/internal/models"

	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases q, strips punctuation and symbols and collapses
// whitespace. Input is brought to NFC first so precomposed and combining
// Vietnamese diacritics compare equal.
func Normalize(q string) string {
	q = norm.NFC.String(q)

	var b strings.Builder
	b.Grow(len(q))
	pendingSpace := false
	for _, r := range q {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Key derives the cache key for a feature and query.
func Key(feature models.Feature, query string) string {
	sum := sha256.Sum256([]byte(string(feature) + "\x00" + Normalize(query)))
	return hex.EncodeToString(sum[:])
}

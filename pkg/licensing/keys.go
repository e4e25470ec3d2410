package licensing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// KeySeparators are the cosmetic characters users insert when typing keys.
const KeySeparators = "-_./"

// keyAlphabet is Crockford base32: no I, L, O or U.
const keyAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const keyBodyLength = 16

// NormalizeKey returns the canonical form of a human-entered key: all
// whitespace and KeySeparators removed, upper-cased. It is used at issue
// time and at lookup time, so "cf30d_abc123", "CF30D-ABC123" and
// "CF30D ABC123" compare equal.
func NormalizeKey(raw string) string {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || strings.ContainsRune(KeySeparators, r) {
			return -1
		}
		return r
	}, raw)
	return strings.ToUpper(stripped)
}

// KeysEqual compares two keys by canonical form. An empty canonical form
// never matches.
func KeysEqual(a, b string) bool {
	ca := NormalizeKey(a)
	return ca != "" && ca == NormalizeKey(b)
}

// GenerateKey returns a fresh random key in canonical form, prefixed with
// the canonical form of prefix.
func GenerateKey(prefix string) (string, error) {
	buf := make([]byte, keyBodyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	body := make([]byte, keyBodyLength)
	for i, b := range buf {
		body[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return NormalizeKey(prefix) + string(body), nil
}

// FormatKey groups a canonical key into dash-separated blocks of four for
// display. NormalizeKey(FormatKey(k)) == NormalizeKey(k).
func FormatKey(key string) string {
	canonical := NormalizeKey(key)
	var b strings.Builder
	n := 0
	for _, r := range canonical {
		if n > 0 && n%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// KeyFingerprint returns a short stable hash of the canonical key, safe to
// write to logs and audit details.
func KeyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(NormalizeKey(key)))
	return hex.EncodeToString(sum[:6])
}

// MaskKey returns a truncated form of the key for operator-facing output.
func MaskKey(key string) string {
	canonical := NormalizeKey(key)
	if len(canonical) <= 8 {
		return "***"
	}
	return canonical[:4] + "***"
}

package identity

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxTokenBytes is the longest accepted normalized token.
const MaxTokenBytes = 512

// Checksum selects an optional check character scheme for tokens.
type Checksum string

const (
	ChecksumNone   Checksum = ""
	ChecksumLuhn36 Checksum = "luhn36"
)

// NormalizeToken applies NFC normalization and trims surrounding whitespace,
// then validates the result. Returns an *Error with CodeInvalidToken on failure.
func NormalizeToken(raw string, checksum Checksum) (string, error) {
	if !utf8.ValidString(raw) {
		return "", invalidToken(raw, "not valid UTF-8")
	}
	token := strings.TrimSpace(norm.NFC.String(raw))

	if token == "" {
		return "", invalidToken(raw, "token is empty")
	}
	if len(token) > MaxTokenBytes {
		return "", invalidToken(abbreviate(token, 32), "token is %d bytes, limit is %d", len(token), MaxTokenBytes)
	}
	for _, r := range token {
		if unicode.IsControl(r) {
			return "", invalidToken(token, "token contains control character %U", r)
		}
	}

	switch checksum {
	case ChecksumNone:
	case ChecksumLuhn36:
		if !ValidLuhn36(token) {
			return "", invalidToken(token, "check character does not match")
		}
	default:
		return "", invalidToken(token, "unknown checksum scheme %q", checksum)
	}
	return token, nil
}

// luhnBase is the alphabet size for Luhn mod N over [0-9A-Z].
const luhnBase = 36

func luhnCodePoint(r rune) (int, bool) {
	switch {
	case r >= '0' && r <= '9':
		return int(r - '0'), true
	case r >= 'A' && r <= 'Z':
		return int(r-'A') + 10, true
	case r >= 'a' && r <= 'z':
		return int(r-'a') + 10, true
	}
	return 0, false
}

func luhnChar(cp int) byte {
	if cp < 10 {
		return byte('0' + cp)
	}
	return byte('A' + cp - 10)
}

// luhnSum runs Luhn mod 36 over s from the right, doubling every second
// code point starting with the first when startFactor is 2.
func luhnSum(s string, startFactor int) (int, bool) {
	factor := startFactor
	sum := 0
	for i := len(s) - 1; i >= 0; i-- {
		cp, ok := luhnCodePoint(rune(s[i]))
		if !ok {
			return 0, false
		}
		addend := factor * cp
		factor = 3 - factor
		sum += addend/luhnBase + addend%luhnBase
	}
	return sum, true
}

// Luhn36CheckChar returns the Luhn mod 36 check character for payload.
// ok is false if payload contains a non-alphanumeric character.
func Luhn36CheckChar(payload string) (byte, bool) {
	sum, ok := luhnSum(payload, 2)
	if !ok {
		return 0, false
	}
	return luhnChar((luhnBase - sum%luhnBase) % luhnBase), true
}

// ValidLuhn36 reports whether the last character of token is the Luhn mod 36
// check character of the preceding payload. Case-insensitive.
func ValidLuhn36(token string) bool {
	if len(token) < 2 {
		return false
	}
	sum, ok := luhnSum(token, 1)
	return ok && sum%luhnBase == 0
}

// abbreviate cuts s to at most n bytes on a rune boundary and marks the cut.
func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

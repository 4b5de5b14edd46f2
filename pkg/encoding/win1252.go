package encoding

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Legacy Firebird branch databases store text as WIN1252. Product
// descriptions read from those branches are decoded here before they leave
// the store layer.

// ToUTF8 converts a slice of bytes (WIN1252) to a UTF-8 string.
// Data that is already valid UTF-8 passes through untouched.
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	if utf8.Valid(b) {
		return strings.TrimSpace(string(b))
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		// Fallback: return raw string if decoding fails (better than crashing)
		return string(b)
	}

	return strings.TrimSpace(string(decoded))
}

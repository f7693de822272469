package coordinator

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Six hex pairs separated uniformly by ':' or by '-', or twelve bare hex digits.
var addressRe = regexp.MustCompile(`^(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$|^(?:[0-9A-Fa-f]{2}-){5}[0-9A-Fa-f]{2}$|^[0-9A-Fa-f]{12}$`)

// ValidateAddress reports whether text is a 48-bit hardware address.
// Surrounding whitespace is ignored.
func ValidateAddress(text string) bool {
	return addressRe.MatchString(strings.TrimSpace(text))
}

// NormalizeAddress returns the canonical "AA:BB:CC:DD:EE:FF" form of text.
func NormalizeAddress(text string) (string, error) {
	b, err := ParseAddress(text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5]), nil
}

// ParseAddress parses any accepted address form into its six bytes.
func ParseAddress(text string) ([6]byte, error) {
	var result [6]byte
	s := strings.TrimSpace(text)
	if !addressRe.MatchString(s) {
		return result, fmt.Errorf("%q: %w", text, ErrInvalidAddress)
	}
	s = strings.NewReplacer(":", "", "-", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return result, fmt.Errorf("%q: %w", text, ErrInvalidAddress)
	}
	copy(result[:], b)
	return result, nil
}

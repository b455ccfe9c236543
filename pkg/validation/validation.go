package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxPeerIDLength     = 128
	MaxPlayerNameLength = 24
)

var (
	// PeerIDRegex matches identities a peer may claim on the broker.
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// HostPrefixRegex matches the prefix hosts put in front of room codes.
	HostPrefixRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]*$`)
)

// ValidatePeerID validates a broker identity.
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > MaxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", MaxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format (only letters, numbers, '.', '_', '-' allowed)")
	}
	return nil
}

// ValidateHostPrefix checks that prefix plus a room code is a valid peer ID.
func ValidateHostPrefix(prefix string) error {
	if err := ValidateNonEmptyString(prefix, "host prefix"); err != nil {
		return err
	}
	if !HostPrefixRegex.MatchString(prefix) {
		return fmt.Errorf("host prefix contains invalid characters")
	}
	return ValidateStringLength(prefix, 1, MaxPeerIDLength/2, "host prefix")
}

// ValidatePlayerName validates a display name as typed by a player.
func ValidatePlayerName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("player name is not valid UTF-8")
	}
	name = strings.TrimSpace(name)
	if err := ValidateNonEmptyString(name, "player name"); err != nil {
		return err
	}
	if err := ValidateStringLength(name, 1, MaxPlayerNameLength, "player name"); err != nil {
		return err
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("player name contains non-printable characters")
		}
	}
	return nil
}

// SanitizePlayerName makes a name received from a remote peer safe to show:
// control characters dropped, whitespace collapsed and length capped. An
// empty result falls back to fallback.
func SanitizePlayerName(name, fallback string) string {
	if !utf8.ValidString(name) {
		name = strings.ToValidUTF8(name, "")
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")

	if utf8.RuneCountInString(name) > MaxPlayerNameLength {
		name = strings.TrimSpace(string([]rune(name)[:MaxPlayerNameLength]))
	}
	if name == "" {
		return fallback
	}
	return name
}

// ValidateSignalURL validates the broker address players dial.
func ValidateSignalURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

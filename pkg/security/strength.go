// Package security provides advisory checks for master passwords.
//
// Nothing here blocks vault creation: the vault only refuses an empty
// password. The CLI prints the result so users can pick something better.
package security

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinRecommendedLength is the shortest master password that does not
// trigger a length warning.
const MinRecommendedLength = 8

// PasswordStrength represents the strength level of a master password.
type PasswordStrength int

const (
	// PasswordWeak indicates an insecure password (fewer than 8 characters).
	PasswordWeak PasswordStrength = iota
	// PasswordFair indicates a minimally acceptable password.
	PasswordFair
	// PasswordGood indicates a good password.
	PasswordGood
	// PasswordStrong indicates a strong password.
	PasswordStrong
)

// String returns a human-readable representation of the password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Strength rates a password by length in characters.
// Length is the primary factor per NIST SP 800-63B; composition rules are
// not applied.
func Strength(password string) PasswordStrength {
	length := utf8.RuneCountInString(password)

	switch {
	case length >= 20:
		return PasswordStrong
	case length >= 14:
		return PasswordGood
	case length >= MinRecommendedLength:
		return PasswordFair
	default:
		return PasswordWeak
	}
}

// Check is the advisory result for a master password.
type Check struct {
	Strength PasswordStrength
	Warnings []string
}

// CheckMasterPassword rates password and lists advisory warnings.
func CheckMasterPassword(password string) Check {
	c := Check{Strength: Strength(password)}

	if utf8.RuneCountInString(password) < MinRecommendedLength {
		c.Warnings = append(c.Warnings, "password is shorter than 8 characters")
	}
	if password != "" && strings.Count(password, string([]rune(password)[0])) == utf8.RuneCountInString(password) {
		c.Warnings = append(c.Warnings, "password repeats a single character")
		c.Strength = PasswordWeak
	}
	if password != "" && strings.IndexFunc(password, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
		c.Warnings = append(c.Warnings, "password contains only digits")
	}
	if strings.TrimSpace(password) != password {
		c.Warnings = append(c.Warnings, "password has leading or trailing whitespace")
	}

	return c
}

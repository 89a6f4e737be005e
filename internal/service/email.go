package service

import (
	"errors"
	"regexp"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid email address")

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s.]+$`)

// NormalizeEmail trims and lower-cases an address so it can be used as the
// per-address key.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if len(email) > 254 || !emailPattern.MatchString(email) {
		return "", ErrInvalidAddress
	}
	return email, nil
}

// EmailDomain returns the part after the last @.
func EmailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return ""
	}
	return email[at+1:]
}

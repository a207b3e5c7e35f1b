// Package validation checks path parameters before they reach the service layer.
package validation

import (
	"errors"
	"strconv"
	"strings"
)

// ErrLocationIDInvalid is returned when a location id is not a positive integer.
var ErrLocationIDInvalid = errors.New("location id must be a positive integer")

// ErrSubscriberEmpty is returned when subscriber is empty or whitespace-only after trim.
var ErrSubscriberEmpty = errors.New("subscriber is required")

// ErrSubscriberTooLong is returned when subscriber exceeds MaxSubscriberLen.
var ErrSubscriberTooLong = errors.New("subscriber too long")

// ErrSubscriberInvalidChars is returned when subscriber contains disallowed characters.
var ErrSubscriberInvalidChars = errors.New("subscriber contains invalid characters")

const MaxSubscriberLen = 64

// ValidateLocationID parses a decimal location id. Signs, whitespace and
// values outside 1..MaxInt64 are rejected.
func ValidateLocationID(input string) (int64, error) {
	if input == "" || input[0] == '+' || input[0] == '-' {
		return 0, ErrLocationIDInvalid
	}
	id, err := strconv.ParseInt(input, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrLocationIDInvalid
	}
	return id, nil
}

// ValidateSubscriber trims the input and restricts it to ASCII letters, digits
// and . _ @ - so it can be used verbatim in a URL path segment.
func ValidateSubscriber(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrSubscriberEmpty
	}
	if len(s) > MaxSubscriberLen {
		return "", ErrSubscriberTooLong
	}
	for i := 0; i < len(s); i++ {
		if !isAllowedSubscriberByte(s[i]) {
			return "", ErrSubscriberInvalidChars
		}
	}
	return s, nil
}

func isAllowedSubscriberByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '.', '_', '@', '-':
		return true
	}
	return false
}

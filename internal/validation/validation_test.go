package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateLocationID_Valid(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1", 1},
		{"42", 42},
		{"007", 7},
		{"9223372036854775807", 9223372036854775807},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ValidateLocationID(tc.input)
			if err != nil {
				t.Fatalf("ValidateLocationID(%q) error = %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ValidateLocationID(%q) = %d, want %d", tc.input, got, tc.want)
			}
		})
	}
}

func TestValidateLocationID_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"zero", "0"},
		{"negative", "-3"},
		{"plus sign", "+3"},
		{"letters", "abc"},
		{"mixed", "12a"},
		{"space", " 12"},
		{"decimal", "1.5"},
		{"overflow", "9223372036854775808"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateLocationID(tc.input)
			if !errors.Is(err, ErrLocationIDInvalid) {
				t.Errorf("error = %v, want ErrLocationIDInvalid", err)
			}
		})
	}
}

func TestValidateSubscriber_Valid(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantNorm string
	}{
		{"simple", "alice", "alice"},
		{"email", "alice@example.com", "alice@example.com"},
		{"underscore and hyphen", "ops_team-2", "ops_team-2"},
		{"trimmed", "  bob  ", "bob"},
		{"max length", strings.Repeat("a", MaxSubscriberLen), strings.Repeat("a", MaxSubscriberLen)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateSubscriber(tc.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.wantNorm {
				t.Errorf("got %q, want %q", got, tc.wantNorm)
			}
		})
	}
}

func TestValidateSubscriber_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"empty", "", ErrSubscriberEmpty},
		{"spaces", "   ", ErrSubscriberEmpty},
		{"too long", strings.Repeat("a", MaxSubscriberLen+1), ErrSubscriberTooLong},
		{"inner space", "al ice", ErrSubscriberInvalidChars},
		{"slash", "a/b", ErrSubscriberInvalidChars},
		{"percent", "a%20b", ErrSubscriberInvalidChars},
		{"unicode", "zoë", ErrSubscriberInvalidChars},
		{"control", "a\x00b", ErrSubscriberInvalidChars},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateSubscriber(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

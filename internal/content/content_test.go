package content

import (
	"strings"
	"testing"

	"circle/internal/models"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNormalizeBody(t *testing.T) {
	got, err := NormalizeBody("  hi there  ")
	if err != nil || got != "hi there" {
		t.Errorf("NormalizeBody() = %q, %v", got, err)
	}

	if _, err := NormalizeBody("<script>alert(1)</script>"); err != ErrEmpty {
		t.Errorf("expected ErrEmpty for script-only body, got %v", err)
	}
	if _, err := NormalizeBody(strings.Repeat("a", MaxBodyLength+1)); err == nil {
		t.Error("expected error for oversized body")
	}
}

func TestNormalizeReason(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Listed reason", "Spamming messages", "Spamming messages"},
		{"Empty", "   ", models.KickReasonOther},
		{"Markup", "<b>Harassment</b>", "Harassment"},
		{"Too long", strings.Repeat("x", MaxReasonLength+10), strings.Repeat("x", MaxReasonLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeReason(tt.input); got != tt.expected {
				t.Errorf("NormalizeReason() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNormalizeKind(t *testing.T) {
	if got, err := NormalizeKind("👍"); err != nil || got != "👍" {
		t.Errorf("NormalizeKind() = %q, %v", got, err)
	}
	if _, err := NormalizeKind(""); err == nil {
		t.Error("expected error for empty kind")
	}
	if _, err := NormalizeKind(strings.Repeat("x", MaxKindLength+1)); err == nil {
		t.Error("expected error for oversized kind")
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName("<i>Alice</i>", "alice"); got != "Alice" {
		t.Errorf("DisplayName() = %q", got)
	}
	if got := DisplayName("", "alice"); got != "alice" {
		t.Errorf("DisplayName() fallback = %q", got)
	}
}

func TestValidateHandle(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid alphanumeric", "user123", false},
		{"Valid with dot", "user.name", false},
		{"Valid with dash", "user-name", false},
		{"Valid with underscore", "user_name", false},
		{"Invalid space", "user name", true},
		{"Invalid special char", "user@name", true},
		{"Invalid script", "<script>", true},
		{"Invalid slash", "calm/../admin", true},
		{"Empty", "", true},
		{"Too long", strings.Repeat("a", MaxHandleLength+1), true},
		{"Mixed case", "User.Name-123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateHandle(tt.input); (err != nil) != tt.wantErr {
				t.Errorf("ValidateHandle() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

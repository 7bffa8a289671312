package validator

import (
	"testing"
)

func TestValidateStruct(t *testing.T) {
	type TestStruct struct {
		Email     string `validate:"required,email"`
		Password  string `validate:"required,min=8"`
		SubjectID string `validate:"required,uuid"`
		Handle    []byte `validate:"required"`
	}

	valid := TestStruct{
		Email:     "test@example.com",
		Password:  "password123",
		SubjectID: "a2f1bc8e-88f1-4bc3-9a32-6f2d0f1e7abc",
		Handle:    []byte{0x01},
	}

	tests := []struct {
		name     string
		mutate   func(*TestStruct)
		expected bool
	}{
		{
			name:     "valid struct",
			mutate:   func(s *TestStruct) {},
			expected: true,
		},
		{
			name:     "missing required field",
			mutate:   func(s *TestStruct) { s.Handle = nil },
			expected: false,
		},
		{
			name:     "invalid email",
			mutate:   func(s *TestStruct) { s.Email = "invalid-email" },
			expected: false,
		},
		{
			name:     "password too short",
			mutate:   func(s *TestStruct) { s.Password = "short" },
			expected: false,
		},
		{
			name:     "invalid uuid",
			mutate:   func(s *TestStruct) { s.SubjectID = "not-a-uuid" },
			expected: false,
		},
		{
			name:     "uuid missing hyphens",
			mutate:   func(s *TestStruct) { s.SubjectID = "a2f1bc8e88f14bc39a326f2d0f1e7abc" },
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := valid
			tt.mutate(&input)

			err := ValidateStruct(&input)
			isValid := err == nil

			if isValid != tt.expected {
				t.Errorf("ValidateStruct() = %v, expected %v, error: %v", isValid, tt.expected, err)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email    string
		expected bool
	}{
		{"test@example.com", true},
		{"user.name@example.co.uk", true},
		{"invalid-email", false},
		{"@example.com", false},
		{"user@", false},
		{"", false},
		{"user@example", false},
	}

	for _, tt := range tests {
		err := ValidateEmail(tt.email)
		isValid := err == nil

		if isValid != tt.expected {
			t.Errorf("ValidateEmail(%q) = %v, expected %v", tt.email, isValid, tt.expected)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		expected bool
	}{
		{"password123", true},
		{"12345678", true},
		{"short", false},
		{"", false},
	}

	for _, tt := range tests {
		err := ValidatePassword(tt.password)
		isValid := err == nil

		if isValid != tt.expected {
			t.Errorf("ValidatePassword(%q) = %v, expected %v", tt.password, isValid, tt.expected)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"  test  ", "test"},
		{"test\x00string", "teststring"},
		{"normal", "normal"},
	}

	for _, tt := range tests {
		result := SanitizeString(tt.input)
		if result != tt.expected {
			t.Errorf("SanitizeString(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}

func TestSanitizeEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Test@Example.com", "test@example.com"},
		{"  USER@EXAMPLE.COM  ", "user@example.com"},
	}

	for _, tt := range tests {
		result := SanitizeEmail(tt.input)
		if result != tt.expected {
			t.Errorf("SanitizeEmail(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}

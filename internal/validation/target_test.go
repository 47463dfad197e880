package validation

import "testing"

func TestIsValidTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   bool
	}{
		{"пустая строка", "", false},
		{"email", "user@example.com", true},
		{"email с коротким локальным именем", "a@b", true},
		{"телефон 8 цифр", "99112233", true},
		{"телефон 10 цифр", "9911223344", true},
		{"телефон 7 цифр", "9911223", false},
		{"телефон 11 цифр", "99112233445", false},
		{"телефон с буквами", "9911a233", false},
		{"телефон с плюсом", "+99112233", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTarget(tt.target); got != tt.want {
				t.Errorf("IsValidTarget(%q) = %v, want %v", tt.target, got, tt.want)
			}
		})
	}
}

func TestIsEmail(t *testing.T) {
	if !IsEmail("user@example.com") {
		t.Errorf("IsEmail(user@example.com) = false, want true")
	}
	if IsEmail("99112233") {
		t.Errorf("IsEmail(99112233) = true, want false")
	}
}

func TestIsValidOTPCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"123456", true},
		{"000000", true},
		{"12345", false},
		{"1234567", false},
		{"12345a", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidOTPCode(tt.code); got != tt.want {
			t.Errorf("IsValidOTPCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

// Package validation содержит правила проверки входных данных сервиса ReHome.
package validation

import (
	"regexp"
	"strings"
)

var phoneRegexp = regexp.MustCompile(`^[0-9]{8,10}$`)

// IsEmail сообщает, следует ли трактовать адресат как email.
// Любая строка с символом @ считается email — так ведёт себя и продукт.
func IsEmail(target string) bool {
	return strings.Contains(target, "@")
}

// IsValidTarget проверяет, что адресат — email или номер телефона из 8–10 цифр.
func IsValidTarget(target string) bool {
	if target == "" {
		return false
	}
	if IsEmail(target) {
		return true
	}
	return phoneRegexp.MatchString(target)
}

// IsValidOTPCode проверяет формат одноразового кода: ровно 6 цифр.
func IsValidOTPCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

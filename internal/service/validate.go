package service

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sakif/certs-view/internal/apperror"
	"github.com/sakif/certs-view/internal/auth"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 50
	maxEmailLen    = 255
	minPasswordLen = 8
)

// emailPattern is deliberately loose: one "@", no spaces, a dot in the
// domain. Deliverability is not our problem; obvious typos are.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// fieldErrors collects validation failures so the client sees all of them
// in one round trip.
type fieldErrors []apperror.FieldError

func (f *fieldErrors) add(field, message string) {
	*f = append(*f, apperror.FieldError{Field: field, Message: message})
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return apperror.Invalid(f)
}

func validateUsername(errs *fieldErrors, username string) {
	n := utf8.RuneCountInString(username)
	switch {
	case n == 0:
		errs.add("username", "Username is required")
	case n < minUsernameLen:
		errs.add("username", "Username must be at least 3 characters long")
	case n > maxUsernameLen:
		errs.add("username", "Username must be at most 50 characters long")
	}
}

func validateEmail(errs *fieldErrors, email string) {
	switch {
	case email == "":
		errs.add("email", "Email is required")
	case len(email) > maxEmailLen:
		errs.add("email", "Email must be at most 255 characters long")
	case !emailPattern.MatchString(email):
		errs.add("email", "Invalid email format")
	}
}

// validatePassword enforces the registration policy: 8 to 72 bytes with at
// least one lower-case letter, one upper-case letter and one digit.
// 72 is bcrypt's input limit; longer passwords would be silently truncated.
func validatePassword(errs *fieldErrors, password string) {
	switch {
	case password == "":
		errs.add("password", "Password is required")
		return
	case len(password) < minPasswordLen:
		errs.add("password", "Password must be at least 8 characters long")
		return
	case len(password) > auth.MaxPasswordBytes:
		errs.add("password", "Password must be at most 72 bytes long")
		return
	}

	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !lower || !upper || !digit {
		errs.add("password", "Password must contain at least one lowercase letter, one uppercase letter and one digit")
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}


package model

import (
	"errors"
	"fmt"
)

const MaxUsernameLength = 32

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrPasswordEmpty = errors.New("password must not be empty")

// User is a registered account. PasswordHash is opaque to everything outside
// the credential store; it may still hold a legacy plaintext value until the
// user's next successful login.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidatePassword only rejects empty passwords.
func ValidatePassword(password string) error {
	if password == "" {
		return ErrPasswordEmpty
	}
	return nil
}

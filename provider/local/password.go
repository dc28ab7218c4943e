package local

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/goliatone/go-onboard"
)

// hashPassword will generate a password hash
func hashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", onboard.Annotate(onboard.ErrValidation, "password required", nil)
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(h), err
}

// comparePasswordAndHash will validate the given cleartext
// password matches the hashed password
func comparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return onboard.ErrInvalidCredentials
		}
		return err
	}
	return nil
}

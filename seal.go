package onboard

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

// PasswordSealer protects the password held in a pending record until the
// identity is created. The email is bound as associated data.
type PasswordSealer interface {
	Seal(email, password string) (string, error)
	Open(email, sealed string) (string, error)
}

// ErrSealedPassword is returned when a sealed password cannot be opened.
var ErrSealedPassword = goerrors.New("unable to open sealed password", goerrors.CategoryInternal).
	WithTextCode("SEALED_PASSWORD_INVALID").
	WithCode(goerrors.CodeInternal)

// AESSealer seals passwords with AES-256-GCM.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer derives a 256 bit key from secret.
func NewAESSealer(secret []byte) (*AESSealer, error) {
	if len(secret) == 0 {
		return nil, goerrors.New("sealing key must not be empty", goerrors.CategoryValidation).
			WithTextCode(TextCodeValidation)
	}

	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESSealer{aead: gcm}, nil
}

func (s *AESSealer) Seal(email, password string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := s.aead.Seal(nonce, nonce, []byte(password), []byte(NormalizeEmail(email)))
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

func (s *AESSealer) Open(email, sealed string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrSealedPassword
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrSealedPassword
	}

	nonce, encrypted := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, encrypted, []byte(NormalizeEmail(email)))
	if err != nil {
		return "", ErrSealedPassword
	}
	return string(plaintext), nil
}

// openPassword returns the plaintext password of rec.
func openPassword(sealer PasswordSealer, rec *PendingRegistration) (string, error) {
	if !rec.Sealed {
		return rec.Password, nil
	}
	if sealer == nil {
		return "", ErrSealedPassword
	}
	return sealer.Open(rec.Email, rec.Password)
}

// Package sealer encrypts small secrets (TOTP seeds) before they are stored.
//
// Ciphertexts are bound to the owning account and purpose through AES-GCM
// additional data, so a sealed seed copied onto another account or record
// type fails to open.
package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Purpose names what a sealed value is used for.
type Purpose string

const (
	// PurposeAccountSeed is the enrolled authenticator seed stored on the account.
	PurposeAccountSeed Purpose = "account_totp_seed"
	// PurposeEnrollmentSeed is the pending seed stored on an enrollment code record.
	PurposeEnrollmentSeed Purpose = "enrollment_totp_seed"
)

// Scope is authenticated, not encrypted, alongside the ciphertext.
type Scope struct {
	AccountID int64
	Purpose   Purpose
}

// Sealer encrypts and decrypts scoped secrets.
type Sealer interface {
	Seal(plaintext []byte, scope Scope) ([]byte, error)
	Open(ciphertext []byte, scope Scope) ([]byte, error)
}

const (
	formatVersion uint16 = 1
	nonceSize            = 12
	keySize              = 32
	headerSize           = 2 + nonceSize
)

var (
	// ErrInvalidKey is returned for keys that are not 32 bytes.
	ErrInvalidKey = errors.New("sealer: key must be 32 bytes")
	// ErrEmptyPlaintext is returned when there is nothing to seal.
	ErrEmptyPlaintext = errors.New("sealer: plaintext is empty")
	// ErrMalformed is returned for truncated or unknown-version ciphertexts.
	ErrMalformed = errors.New("sealer: malformed ciphertext")
	// ErrOpenFailed hides whether the key, scope or ciphertext was wrong.
	ErrOpenFailed = errors.New("sealer: open failed")
)

// AESGCM seals with AES-256-GCM. Output layout: version(2) | nonce(12) | ciphertext+tag.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds an AESGCM sealer from a 32 byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealer: aes init: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer: gcm init: %w", err)
	}

	return &AESGCM{aead: aead}, nil
}

func (s *AESGCM) Seal(plaintext []byte, scope Scope) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}

	out := make([]byte, headerSize, headerSize+len(plaintext)+s.aead.Overhead())
	binary.BigEndian.PutUint16(out[:2], formatVersion)
	if _, err := rand.Read(out[2:headerSize]); err != nil {
		return nil, fmt.Errorf("sealer: nonce: %w", err)
	}

	return s.aead.Seal(out, out[2:headerSize], plaintext, additionalData(scope)), nil
}

func (s *AESGCM) Open(ciphertext []byte, scope Scope) ([]byte, error) {
	if len(ciphertext) <= headerSize || binary.BigEndian.Uint16(ciphertext[:2]) != formatVersion {
		return nil, ErrMalformed
	}

	plain, err := s.aead.Open(nil, ciphertext[2:headerSize], ciphertext[headerSize:], additionalData(scope))
	if err != nil {
		return nil, ErrOpenFailed
	}

	return plain, nil
}

func additionalData(s Scope) []byte {
	sum := sha256.Sum256(fmt.Appendf(nil, "account=%d\npurpose=%s\n", s.AccountID, s.Purpose))
	return sum[:]
}

package hash

import "fmt"

// Hash produces and checks one-way digests.
type Hash interface {
	Hash(plaintext string) ([]byte, error)
	Verify(hashed, plaintext string) bool
}

// Supported password algorithms.
const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

// NewPassword returns the password hasher for algorithm.
func NewPassword(algorithm string, bcryptCost int, pepper string) (Hash, error) {
	switch algorithm {
	case AlgorithmBcrypt, "":
		return NewBcrypt(bcryptCost, pepper), nil
	case AlgorithmArgon2id:
		return NewArgon2id(pepper), nil
	default:
		return nil, fmt.Errorf("hash: unsupported password algorithm %q", algorithm)
	}
}

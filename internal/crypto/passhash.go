// Package crypto hashes account passwords with Argon2id.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/argon2"
)

// SaltLen is the length of the per-account salt.
const SaltLen = 16

// Params are the Argon2id cost settings.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultParams are used for stored accounts.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 1, KeyLen: 32}

// ErrEmptyPassword is returned when hashing an empty password.
var ErrEmptyPassword = errors.New("empty password")

// Hasher derives and checks password hashes.
type Hasher struct{ p Params }

// NewHasher returns a Hasher with p; zero fields fall back to DefaultParams.
func NewHasher(p Params) Hasher {
	if p.Time == 0 {
		p.Time = DefaultParams.Time
	}
	if p.Memory == 0 {
		p.Memory = DefaultParams.Memory
	}
	if p.Threads == 0 {
		p.Threads = DefaultParams.Threads
	}
	if p.KeyLen == 0 {
		p.KeyLen = DefaultParams.KeyLen
	}
	return Hasher{p: p}
}

// Hash returns the hash of password under a fresh random salt.
func (h Hasher) Hash(password string) (hash, salt []byte, err error) {
	if password == "" {
		return nil, nil, ErrEmptyPassword
	}
	salt = make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, err
	}
	return h.derive(password, salt), salt, nil
}

// Verify reports whether password hashes to want under salt. Comparison is constant time.
func (h Hasher) Verify(password string, salt, want []byte) bool {
	if password == "" || len(want) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(h.derive(password, salt), want) == 1
}

func (h Hasher) derive(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, h.p.Time, h.p.Memory, h.p.Threads, h.p.KeyLen)
}

// Package limiter throttles repeated failed sign-in attempts.
package limiter

import (
	"context"
	"crypto/sha256"
	"strings"
	"time"
)

// Limiter controls sign-in attempts and temporary lockouts per Key.
type Limiter interface {
	// Allow reports whether sign-in is currently allowed and the remaining lockout.
	Allow(ctx context.Context, k Key) (bool, time.Duration, error)
	// Success resets counters after a successful sign-in.
	Success(ctx context.Context, k Key) error
	// Failure records a failed attempt; it may place a temporary block.
	Failure(ctx context.Context, k Key) (bool, time.Duration, error)
}

// Device is the hashed identifier of the machine attempting to sign in.
type Device []byte

// HashDevice returns a stable hash of a device identifier so raw host names are never stored.
func HashDevice(id string) Device {
	h := sha256.Sum256([]byte(id))
	return h[:]
}

// Key returns the counter key for email on this device.
// Addresses differing only in case or surrounding space share one counter.
func (d Device) Key(email string) Key {
	return Key{Email: strings.ToLower(strings.TrimSpace(email)), Device: d}
}

// Key scopes failure counters to one address on one device.
type Key struct {
	Email  string
	Device Device
}

func (k Key) id() string { return k.Email + "\x00" + string(k.Device) }

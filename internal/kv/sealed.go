package kv

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/and161185/taxi-session/internal/crypto/clientcrypto"
)

// Sealed encrypts values of an inner store with a key derived per entry name.
// The entry name is bound as associated data, so values cannot be swapped between keys.
type Sealed struct {
	inner  Store
	master []byte
}

var _ Store = (*Sealed)(nil)

// NewSealed wraps inner with a KeyLen-byte master key.
func NewSealed(inner Store, master []byte) (*Sealed, error) {
	if len(master) != clientcrypto.KeyLen {
		return nil, fmt.Errorf("kv: sealing key must be %d bytes", clientcrypto.KeyLen)
	}
	return &Sealed{inner: inner, master: master}, nil
}

// Get returns the opened value. A value that fails to open is an error.
func (s *Sealed) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", false, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	k, err := clientcrypto.DeriveKey(s.master, key)
	if err != nil {
		return "", false, err
	}
	pt, err := clientcrypto.Open(k, []byte(key), sealed)
	if err != nil {
		return "", false, fmt.Errorf("kv: open %s: %w", key, err)
	}
	return string(pt), true, nil
}

// Set seals value and writes it to the inner store.
func (s *Sealed) Set(ctx context.Context, key, value string) error {
	k, err := clientcrypto.DeriveKey(s.master, key)
	if err != nil {
		return err
	}
	sealed, err := clientcrypto.Seal(k, []byte(key), []byte(value))
	if err != nil {
		return fmt.Errorf("kv: seal %s: %w", key, err)
	}
	return s.inner.Set(ctx, key, base64.StdEncoding.EncodeToString(sealed))
}

// Remove deletes key from the inner store.
func (s *Sealed) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrDecrypt is returned when a stored value cannot be opened with the key.
var ErrDecrypt = errors.New("storage: decryption failed")

// SecureStore encrypts values with NaCl secretbox before handing them to the
// wrapped Store. Keys are stored in the clear.
type SecureStore struct {
	inner Store
	key   [32]byte
}

// NewSecureStore wraps inner with secretbox encryption under key.
func NewSecureStore(inner Store, key [32]byte) *SecureStore {
	return &SecureStore{inner: inner, key: key}
}

// DeriveKey turns a secret string into a secretbox key.
func DeriveKey(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// Get decrypts the value stored under key.
func (s *SecureStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	opened, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return opened, nil
}

// Set encrypts value with a fresh random nonce and stores it under key.
func (s *SecureStore) Set(ctx context.Context, key string, value []byte) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], value, &nonce, &s.key)
	return s.inner.Set(ctx, key, sealed)
}

// Remove deletes key.
func (s *SecureStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

var _ Store = (*SecureStore)(nil)

// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Get for a key that was never set
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidKey is returned by Set for a key no backend can hold
	ErrInvalidKey = errors.New("invalid key")
)

// KVStore is the persistent configuration store. Values are opaque byte
// strings, normally JSON documents.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Keys(ctx context.Context) ([]string, error)
}

// validKey rejects keys that cannot be stored by every backend
func validKey(key string) error {
	if key == "" || len(key) > 128 {
		return errors.New("key must be 1 to 128 characters")
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return errors.New("key may only contain letters, digits, '_', '-' and '.'")
		}
	}
	if key[0] == '.' {
		return errors.New("key may not start with '.'")
	}
	return nil
}

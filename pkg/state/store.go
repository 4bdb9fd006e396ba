// Package state holds the small side-channel records that live outside the relational store:
// checkpoints, run locks and the non-empty cell cache.
package state

import (
	"context"
	"errors"
	"strings"
)

var ErrInvalidKey = errors.New("invalid state key")

// Store is a JSON key/value store.
type Store interface {
	// Get decodes the value at key into dest and reports whether it existed.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value any) (bool, error)
	// CompareAndSet stores value only when the value at key encodes the same as old, and reports
	// whether it did.
	CompareAndSet(ctx context.Context, key string, old, value any) (bool, error)
	// CompareAndDelete removes key only when its value encodes the same as old.
	CompareAndDelete(ctx context.Context, key string, old any) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Key joins parts into a store key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

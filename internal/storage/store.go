// Package storage holds the console's persisted local state, the server-side
// counterpart of a browser's local storage.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Keys written by the identity client. ForceSignOut removes all three.
const (
	KeyAuthToken    = "auth.token"
	KeyAccessToken  = "auth.access-token"
	KeyRefreshToken = "auth.refresh-token"
)

// TokenKeys lists the provider token keys.
var TokenKeys = []string{KeyAuthToken, KeyAccessToken, KeyRefreshToken}

// Store is a string key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

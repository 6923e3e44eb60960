// Package kvstore provides the key-value persistence used by every migration
// component. Values are opaque JSON documents addressed by string keys.
package kvstore

import (
	"context"
	"errors"
)

// Store defines the persistence operations needed by the migration components.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// ErrNotFound signals that a key has no stored value.
var ErrNotFound = errors.New("kvstore: key not found")

// Scope names the lifetime a key requires.
type Scope string

const (
	// ScopeSession values live for one visitor session.
	ScopeSession Scope = "session"
	// ScopeDurable values survive across sessions.
	ScopeDurable Scope = "durable"
)

// Scoped pairs the session and durable stores.
type Scoped struct {
	Session Store
	Durable Store
}

// For returns the store serving scope. Missing stores resolve to Noop.
func (s Scoped) For(scope Scope) Store {
	var st Store
	switch scope {
	case ScopeSession:
		st = s.Session
	default:
		st = s.Durable
	}
	if st == nil {
		return Noop{}
	}
	return st
}

// Noop implements Store but never stores data.
type Noop struct{}

// Get always returns ErrNotFound.
func (Noop) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

// Set discards the value.
func (Noop) Set(context.Context, string, []byte) error { return nil }

// Remove is a no-op.
func (Noop) Remove(context.Context, string) error { return nil }

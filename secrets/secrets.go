// Package secrets defines the key/value store for long-lived key material,
// such as the secret half of a user's post-quantum session keys.
//
// Passwords and refresh tokens never go through this package; they are
// hashed into the credential store instead.
package secrets

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get for an unknown key.
var ErrNotFound = errors.New("secrets: not found")

// Store is a get/set/delete secret store. Delete of a missing key is not
// an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return errors.New("secrets: empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// PQCSessionSecretKey is where a user's PQC session secret is kept.
func PQCSessionSecretKey(userID string) string {
	return "pqc/" + userID + "/session-secret"
}

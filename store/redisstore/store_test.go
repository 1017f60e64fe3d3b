package redisstore

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/hybridauth/store"
	"github.com/MrEthical07/hybridauth/store/storetest"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.CredentialStore {
		_, rdb := newTestRedis(t)
		return New(rdb, "test")
	})
}

func TestKeyLayout(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := New(rdb, "")

	err := s.CreateUser(context.Background(), &store.User{ID: "u1", Email: "Alice@Example.com", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if got, _ := mr.Get("ha:email:alice@example.com"); got != "u1" {
		t.Fatalf("expected email index to point at u1, got %q", got)
	}
	if got := mr.HGet("ha:user:u1", "password_hash"); got != "h" {
		t.Fatalf("expected password hash field, got %q", got)
	}
}

func TestUnavailableBackend(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	s := New(rdb, "test")
	mr.Close()

	if _, err := s.GetUserByEmail(context.Background(), "a@b.c"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

package password

import (
	"errors"
	"strings"
	"testing"
)

func fastConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func newHasher(t *testing.T, cfg Config) *Hasher {
	t.Helper()
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newHasher(t, fastConfig())

	encoded, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", encoded)
	}

	ok, err := h.Verify("correct horse battery", encoded)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}

	ok, err = h.Verify("wrong horse battery", encoded)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if ok {
		t.Fatal("expected mismatch for wrong password")
	}
}

func TestHashIsSalted(t *testing.T) {
	h := newHasher(t, fastConfig())

	a, _ := h.Hash("same-password")
	b, _ := h.Hash("same-password")
	if a == b {
		t.Fatal("expected distinct encodings for the same plaintext")
	}
}

func TestHashRejectsShortPlaintext(t *testing.T) {
	h := newHasher(t, fastConfig())

	if _, err := h.Hash("short"); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if h.MinLength() != 8 {
		t.Fatalf("expected default min length 8, got %d", h.MinLength())
	}
}

func TestVerifyMalformed(t *testing.T) {
	h := newHasher(t, fastConfig())

	cases := []string{
		"",
		"$bcrypt$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=10,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1,x=2$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
	}
	for _, c := range cases {
		if _, err := h.Verify("whatever-password", c); !errors.Is(err, ErrMalformedHash) {
			t.Fatalf("expected ErrMalformedHash for %q, got %v", c, err)
		}
	}
}

func TestNeedsRehash(t *testing.T) {
	weak := newHasher(t, fastConfig())
	encoded, err := weak.Hash("upgrade-me-please")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	stronger := fastConfig()
	stronger.Time = 2
	strong := newHasher(t, stronger)

	needs, err := strong.NeedsRehash(encoded)
	if err != nil || !needs {
		t.Fatalf("expected rehash needed, got %v err=%v", needs, err)
	}
	needs, err = weak.NeedsRehash(encoded)
	if err != nil || needs {
		t.Fatalf("expected no rehash, got %v err=%v", needs, err)
	}
}

func TestVerifyDummyDoesNotPanic(t *testing.T) {
	h := newHasher(t, fastConfig())
	h.VerifyDummy("anything-at-all")
	h.VerifyDummy("anything-at-all")
}

func TestNewRejectsWeakConfig(t *testing.T) {
	cfg := fastConfig()
	cfg.Memory = 1024
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for low memory")
	}
	cfg = fastConfig()
	cfg.SaltLength = 8
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for short salt")
	}
}

package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	phcPrefix      = "$argon2id$"
	minMemoryKB    = uint32(8 * 1024)
	minSaltBytes   = uint32(16)
	minKeyBytes    = uint32(16)
	defaultMinLen  = 8
	phcFieldCount  = 6
	paramsFieldIdx = 3
)

var (
	// ErrTooShort is returned by Hash when the plaintext is below the configured minimum.
	ErrTooShort = errors.New("password: plaintext below minimum length")
	// ErrMalformedHash is returned when an encoded hash is not a valid argon2id PHC string.
	ErrMalformedHash = errors.New("password: malformed argon2id hash")
)

// Config holds argon2id cost parameters.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// MinLength is the minimum plaintext length in bytes. Zero means 8.
	MinLength int
}

// Hasher hashes and verifies secrets with argon2id. It is used for both user
// passwords and refresh tokens, so the stored form of either is equally costly
// to attack.
type Hasher struct {
	cfg Config

	dummyOnce sync.Once
	dummy     string
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// New validates cfg and returns a Hasher.
func New(cfg Config) (*Hasher, error) {
	switch {
	case cfg.Memory < minMemoryKB:
		return nil, fmt.Errorf("password: memory must be >= %d KiB", minMemoryKB)
	case cfg.Time < 1:
		return nil, errors.New("password: time must be >= 1")
	case cfg.Parallelism < 1:
		return nil, errors.New("password: parallelism must be >= 1")
	case cfg.SaltLength < minSaltBytes:
		return nil, fmt.Errorf("password: salt length must be >= %d", minSaltBytes)
	case cfg.KeyLength < minKeyBytes:
		return nil, fmt.Errorf("password: key length must be >= %d", minKeyBytes)
	case cfg.MinLength < 0:
		return nil, errors.New("password: min length must be >= 0")
	}
	if cfg.MinLength == 0 {
		cfg.MinLength = defaultMinLen
	}
	return &Hasher{cfg: cfg}, nil
}

// MinLength reports the enforced minimum plaintext length.
func (h *Hasher) MinLength() int {
	return h.cfg.MinLength
}

// Hash derives a salted argon2id key and encodes it as a PHC string.
// The plaintext is used byte-for-byte, without Unicode normalization.
func (h *Hasher) Hash(plaintext string) (string, error) {
	if len(plaintext) < h.cfg.MinLength {
		return "", ErrTooShort
	}

	salt := make([]byte, h.cfg.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(plaintext), salt, h.cfg.Time, h.cfg.Memory, h.cfg.Parallelism, h.cfg.KeyLength)

	return encode(phc{
		memory:      h.cfg.Memory,
		time:        h.cfg.Time,
		parallelism: h.cfg.Parallelism,
		salt:        salt,
		key:         key,
	}), nil
}

// Verify recomputes the key with the parameters embedded in encoded and
// compares in constant time. A malformed hash is an error, a mismatch is not.
func (h *Hasher) Verify(plaintext, encoded string) (bool, error) {
	p, err := decode(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(plaintext), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(key, p.key) == 1, nil
}

// VerifyDummy burns the same work as a real verification against a hash that
// can never match. Callers use it when the account does not exist so the
// response time does not reveal which emails are registered.
func (h *Hasher) VerifyDummy(plaintext string) {
	h.dummyOnce.Do(func() {
		salt := make([]byte, h.cfg.SaltLength)
		key := make([]byte, h.cfg.KeyLength)
		h.dummy = encode(phc{memory: h.cfg.Memory, time: h.cfg.Time, parallelism: h.cfg.Parallelism, salt: salt, key: key})
	})
	_, _ = h.Verify(plaintext, h.dummy)
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than the current configuration.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	p, err := decode(encoded)
	if err != nil {
		return false, err
	}
	return p.memory < h.cfg.Memory ||
		p.time < h.cfg.Time ||
		p.parallelism < h.cfg.Parallelism ||
		uint32(len(p.key)) != h.cfg.KeyLength, nil
}

func encode(p phc) string {
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		phcPrefix,
		argon2.Version,
		p.memory, p.time, p.parallelism,
		base64.RawStdEncoding.EncodeToString(p.salt),
		base64.RawStdEncoding.EncodeToString(p.key),
	)
}

func decode(encoded string) (*phc, error) {
	if !strings.HasPrefix(encoded, phcPrefix) {
		return nil, ErrMalformedHash
	}
	fields := strings.Split(encoded, "$")
	if len(fields) != phcFieldCount {
		return nil, ErrMalformedHash
	}
	if fields[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, fields[2])
	}

	var p phc
	if err := parseParams(fields[paramsFieldIdx], &p); err != nil {
		return nil, err
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil || uint32(len(p.salt)) < minSaltBytes {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil || len(p.key) == 0 {
		return nil, fmt.Errorf("%w: bad key", ErrMalformedHash)
	}
	return &p, nil
}

func parseParams(s string, p *phc) error {
	var seen int
	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("%w: bad parameter %q", ErrMalformedHash, pair)
		}
		switch name {
		case "m":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || uint32(v) < minMemoryKB {
				return fmt.Errorf("%w: bad memory", ErrMalformedHash)
			}
			p.memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || v < 1 {
				return fmt.Errorf("%w: bad time", ErrMalformedHash)
			}
			p.time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(value, 10, 8)
			if err != nil || v < 1 {
				return fmt.Errorf("%w: bad parallelism", ErrMalformedHash)
			}
			p.parallelism = uint8(v)
		default:
			return fmt.Errorf("%w: unknown parameter %q", ErrMalformedHash, name)
		}
		seen++
	}
	if seen != 3 {
		return fmt.Errorf("%w: missing parameters", ErrMalformedHash)
	}
	return nil
}

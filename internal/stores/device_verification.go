package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeRecordVersionV1 = 1
)

var (
	ErrChallengeNotFound         = errors.New("device challenge not found")
	ErrChallengeCodeMismatch     = errors.New("device challenge code mismatch")
	ErrChallengeAttemptsExceeded = errors.New("device challenge attempts exceeded")
	ErrChallengeUnavailable      = errors.New("device challenge store unavailable")
)

// consumeChallengeLua atomically performs GET→validate→DEL/SET on a challenge record.
// KEYS[1] = record key
// ARGV[1] = provided hash (32 bytes)
// ARGV[2] = max attempts
// ARGV[3] = now unix ms
//
// Layout: version(1) attempts(2) expiresAt ms(8) userIDLen(2) userID
// deviceIDLen(2) deviceID hash(32), integers big-endian.
//
// Returns the record bytes on success or an error string: "not_found",
// "expired", "attempts_exceeded", "code_mismatch".
var consumeChallengeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local maxAttempts = tonumber(ARGV[2])
local nowMs = tonumber(ARGV[3])

if string.byte(data, 1) ~= 1 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local attempts = string.byte(data, 2) * 256 + string.byte(data, 3)

local expiresAt = 0
for i = 4, 11 do
  expiresAt = expiresAt * 256 + string.byte(data, i)
end
if nowMs > expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

local userLen = string.byte(data, 12) * 256 + string.byte(data, 13)
local devOff = 14 + userLen
local devLen = string.byte(data, devOff) * 256 + string.byte(data, devOff + 1)
local hashOff = devOff + 2 + devLen
local storedHash = string.sub(data, hashOff, hashOff + 31)

if storedHash ~= ARGV[1] then
  attempts = attempts + 1
  if attempts >= maxAttempts then
    redis.call('DEL', KEYS[1])
    return {err='attempts_exceeded'}
  end
  local ttlMs = redis.call('PTTL', KEYS[1])
  if ttlMs <= 0 then
    redis.call('DEL', KEYS[1])
    return {err='expired'}
  end
  local newData = string.sub(data, 1, 1) .. string.char(math.floor(attempts / 256), attempts % 256) .. string.sub(data, 4)
  redis.call('SET', KEYS[1], newData, 'PX', ttlMs)
  return {err='code_mismatch'}
end

redis.call('DEL', KEYS[1])
return data
`)

// DeviceChallenge is a pending device verification. Only the SHA-256 of
// the code is stored. A user has at most one pending challenge.
type DeviceChallenge struct {
	UserID    string
	DeviceID  string
	CodeHash  [32]byte
	ExpiresAt int64 // unix ms
	Attempts  uint16
}

// DeviceVerificationStore keeps challenges in Redis.
type DeviceVerificationStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewDeviceVerificationStore(redisClient redis.UniversalClient, prefix string) *DeviceVerificationStore {
	if prefix == "" {
		prefix = "adc"
	}
	return &DeviceVerificationStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *DeviceVerificationStore) key(userID string) string {
	return s.prefix + ":" + userID
}

// Save replaces any pending challenge of the user.
func (s *DeviceVerificationStore) Save(ctx context.Context, c *DeviceChallenge, ttl time.Duration) error {
	encoded, err := encodeDeviceChallenge(c)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(c.UserID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	return nil
}

// Consume checks provided against the pending challenge. A match deletes
// the challenge; a miss counts an attempt.
func (s *DeviceVerificationStore) Consume(
	ctx context.Context,
	userID string,
	provided [32]byte,
	maxAttempts int,
	now time.Time,
) (*DeviceChallenge, error) {
	result, err := consumeChallengeLua.Run(ctx, s.redis,
		[]string{s.key(userID)},
		string(provided[:]),
		maxAttempts,
		now.UnixMilli(),
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found", "expired":
			return nil, ErrChallengeNotFound
		case "attempts_exceeded":
			return nil, ErrChallengeAttemptsExceeded
		case "code_mismatch":
			return nil, ErrChallengeCodeMismatch
		default:
			return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
		}
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrChallengeUnavailable)
	}
	c, err := decodeDeviceChallenge([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	// Lua string comparison is not constant-time.
	if subtle.ConstantTimeCompare(c.CodeHash[:], provided[:]) != 1 {
		return nil, ErrChallengeCodeMismatch
	}
	return c, nil
}

// MemoryDeviceVerificationStore is the in-process equivalent used when no
// Redis client is configured.
type MemoryDeviceVerificationStore struct {
	mu      sync.Mutex
	records map[string]DeviceChallenge
}

func NewMemoryDeviceVerificationStore() *MemoryDeviceVerificationStore {
	return &MemoryDeviceVerificationStore{records: make(map[string]DeviceChallenge)}
}

func (s *MemoryDeviceVerificationStore) Save(_ context.Context, c *DeviceChallenge, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[c.UserID] = *c
	return nil
}

func (s *MemoryDeviceVerificationStore) Consume(
	_ context.Context,
	userID string,
	provided [32]byte,
	maxAttempts int,
	now time.Time,
) (*DeviceChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.records[userID]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	if now.UnixMilli() > c.ExpiresAt {
		delete(s.records, userID)
		return nil, ErrChallengeNotFound
	}
	if subtle.ConstantTimeCompare(c.CodeHash[:], provided[:]) != 1 {
		c.Attempts++
		if int(c.Attempts) >= maxAttempts {
			delete(s.records, userID)
			return nil, ErrChallengeAttemptsExceeded
		}
		s.records[userID] = c
		return nil, ErrChallengeCodeMismatch
	}
	delete(s.records, userID)
	return &c, nil
}

func encodeDeviceChallenge(c *DeviceChallenge) ([]byte, error) {
	if len(c.UserID) > 65535 || len(c.DeviceID) > 65535 {
		return nil, errors.New("device challenge id too long")
	}
	var buf bytes.Buffer

	buf.WriteByte(challengeRecordVersionV1)
	if err := binary.Write(&buf, binary.BigEndian, c.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, c.ExpiresAt); err != nil {
		return nil, err
	}
	for _, s := range []string{c.UserID, c.DeviceID} {
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(s))); err != nil {
			return nil, err
		}
		buf.WriteString(s)
	}
	buf.Write(c.CodeHash[:])

	return buf.Bytes(), nil
}

func decodeDeviceChallenge(data []byte) (*DeviceChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersionV1 {
		return nil, errors.New("invalid device challenge version")
	}

	c := &DeviceChallenge{}
	if err := binary.Read(reader, binary.BigEndian, &c.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &c.ExpiresAt); err != nil {
		return nil, err
	}
	for _, dst := range []*string{&c.UserID, &c.DeviceID} {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*dst = string(raw)
	}
	if _, err := io.ReadFull(reader, c.CodeHash[:]); err != nil {
		return nil, err
	}
	return c, nil
}

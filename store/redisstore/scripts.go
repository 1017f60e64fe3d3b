package redisstore

import "github.com/redis/go-redis/v9"

const (
	failureStatusMissing = int64(-1)
	failureStatusLocked  = int64(0)
	failureStatusCounted = int64(1)
	failureStatusTripped = int64(2)

	rotateStatusNotFound = int64(0)
	rotateStatusMismatch = int64(2)
	rotateStatusRotated  = int64(3)
)

// createUserLua claims the email index and writes the user hash.
// KEYS[1] = email index key
// KEYS[2] = user hash key
// ARGV[1] = user id, ARGV[2..] = field/value pairs
var createUserLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[2], unpack(ARGV, 2))
return 1
`)

// updateIfExistsLua sets hash fields only on an existing record.
// KEYS[1] = hash key, ARGV = field/value pairs
var updateIfExistsLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// recordFailureLua increments the failure counter and applies the lock when
// the threshold is reached. Failures during an active lock are not counted.
// KEYS[1] = user hash key
// ARGV[1] = threshold, ARGV[2] = lock-until unix ms, ARGV[3] = now unix ms
//
// Returns {status, failed, lock_until}.
var recordFailureLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {-1, 0, 0}
end
local now = tonumber(ARGV[3])
local lock = tonumber(redis.call("HGET", KEYS[1], "lock_until") or "0") or 0
if lock > now then
  local failed = tonumber(redis.call("HGET", KEYS[1], "failed") or "0") or 0
  return {0, failed, lock}
end
local failed = redis.call("HINCRBY", KEYS[1], "failed", 1)
if failed >= tonumber(ARGV[1]) then
  redis.call("HSET", KEYS[1], "failed", 0, "lock_until", ARGV[2])
  return {2, 0, tonumber(ARGV[2])}
end
redis.call("HSET", KEYS[1], "lock_until", "")
return {1, failed, 0}
`)

// rotateRefreshLua swaps the stored refresh hash only if it still equals the
// expected value.
// KEYS[1] = user hash key
// ARGV[1] = expected hash, ARGV[2] = next hash
var rotateRefreshLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local current = redis.call("HGET", KEYS[1], "refresh_hash")
if not current or current == "" or current ~= ARGV[1] then
  return 2
end
redis.call("HSET", KEYS[1], "refresh_hash", ARGV[2])
return 3
`)

// upsertDeviceLua registers a fingerprint. A repeat registration newer than
// the cutoff flags the stored device for re-verification.
// KEYS[1] = user hash key
// KEYS[2] = fingerprint index hash
// KEYS[3] = device id sorted set (score = created_at)
// ARGV[1] = fingerprint       ARGV[2] = candidate device id
// ARGV[3] = registered_at ms  ARGV[4] = duplicate cutoff ms
// ARGV[5] = device name       ARGV[6] = device type
// ARGV[7] = device key prefix ARGV[8] = created_at ms
// ARGV[9] = last_used ms
//
// Returns {status, device_id, suspected}; status -1 missing user, 0 created, 1 existing.
var upsertDeviceLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {-1, "", 0}
end
local existing = redis.call("HGET", KEYS[2], ARGV[1])
if existing then
  local dkey = ARGV[7] .. existing
  local prev = tonumber(redis.call("HGET", dkey, "registered_at") or "0") or 0
  local suspected = 0
  if prev > tonumber(ARGV[4]) then
    suspected = 1
    redis.call("HSET", dkey, "requires_verification", "1")
  end
  redis.call("HSET", dkey, "registered_at", ARGV[3])
  local last = tonumber(redis.call("HGET", dkey, "last_used") or "0") or 0
  if tonumber(ARGV[9]) > last then
    redis.call("HSET", dkey, "last_used", ARGV[9])
  end
  if ARGV[5] ~= "" then
    redis.call("HSET", dkey, "device_name", ARGV[5])
  end
  if ARGV[6] ~= "" then
    redis.call("HSET", dkey, "device_type", ARGV[6])
  end
  return {1, existing, suspected}
end
local dkey = ARGV[7] .. ARGV[2]
redis.call("HSET", dkey,
  "device_id", ARGV[2],
  "fingerprint", ARGV[1],
  "device_name", ARGV[5],
  "device_type", ARGV[6],
  "created_at", ARGV[8],
  "last_used", ARGV[9],
  "registered_at", ARGV[3],
  "requires_verification", "0")
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[8], ARGV[2])
return {0, ARGV[2], 0}
`)

// touchDeviceLua moves last_used forward and optionally clears the
// verification requirement.
// KEYS[1] = device hash key
// ARGV[1] = at unix ms, ARGV[2] = "1" to clear requires_verification
var touchDeviceLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local last = tonumber(redis.call("HGET", KEYS[1], "last_used") or "0") or 0
if tonumber(ARGV[1]) > last then
  redis.call("HSET", KEYS[1], "last_used", ARGV[1])
end
if ARGV[2] == "1" then
  redis.call("HSET", KEYS[1], "requires_verification", "0")
end
return 1
`)

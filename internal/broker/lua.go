// Copyright 2025 James Ross
package broker

import "github.com/redis/go-redis/v9"

// claimScript atomically pops the lowest-scoring envelope off the ready set
// and records it in the active hash, unless the queue is paused. Mirrors the
// teacher's BRPOPLPUSH-then-Set dequeue-and-track shape, collapsed into one
// round trip so claim can't race a concurrent pause.
//
// KEYS[1] = paused key
// KEYS[2] = ready zset
// KEYS[3] = active hash
// ARGV[1] = claimed_at (RFC3339Nano)
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return false
end
local items = redis.call('ZRANGE', KEYS[2], 0, 0)
if #items == 0 then
  return false
end
local payload = items[1]
redis.call('ZREM', KEYS[2], payload)
local decoded = cjson.decode(payload)
local entry = cjson.encode({envelope = decoded, claimed_at = ARGV[1]})
redis.call('HSET', KEYS[3], decoded.id, entry)
return payload
`)

// promoteScript moves every delayed envelope whose due score has elapsed into
// the ready set, assigning each a fresh sequence number so promoted retries
// interleave with freshly admitted jobs by priority, not by promotion order.
// Returns the job IDs promoted, so the caller can transition each one from
// delayed to waiting in the durable store.
//
// KEYS[1] = delayed zset
// KEYS[2] = ready zset
// KEYS[3] = seq key
// ARGV[1] = now (unix nano, as a number)
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local ids = {}
for i, payload in ipairs(due) do
  redis.call('ZREM', KEYS[1], payload)
  local decoded = cjson.decode(payload)
  local seq = redis.call('INCR', KEYS[3])
  local score = decoded.priority * 1e13 + seq
  decoded.seq = seq
  local reencoded = cjson.encode(decoded)
  redis.call('ZADD', KEYS[2], score, reencoded)
  ids[#ids + 1] = decoded.id
end
return ids
`)

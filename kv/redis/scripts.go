package redis

import goredis "github.com/redis/go-redis/v9"

// Server-side scripts. Every multi-key mutation runs as one Lua call so
// concurrent producers and workers never observe a half-applied step.
// go-redis caches each script's SHA and retries with EVAL on NOSCRIPT.

// pushScript registers the partition, appends the payload, stamps
// first_job_time on the push that creates a non-empty partition, and bumps
// total_pushed. Returns the new queue length.
//
// KEYS[1] partitions set, KEYS[2] queue list, KEYS[3] metrics hash
// ARGV[1] payload, ARGV[2] partition, ARGV[3] now (unix seconds)
var pushScript = goredis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[2])
local len = redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HSETNX', KEYS[3], 'first_job_time', ARGV[3])
redis.call('HINCRBY', KEYS[3], 'total_pushed', 1)
return len
`)

// popWithCapScript pops the head payload unless the active set is at
// capacity. A cap of 0 or below means unlimited. On a pop that empties the
// queue the partition is dropped from the set and first_job_time cleared in
// the same atomic step. Returns the payload or false.
//
// KEYS[1] queue list, KEYS[2] partitions set, KEYS[3] active hash,
// KEYS[4] metrics hash
// ARGV[1] partition, ARGV[2] reservation id, ARGV[3] cap,
// ARGV[4] ttl seconds, ARGV[5] now (unix seconds)
var popWithCapScript = goredis.NewScript(`
local cap = tonumber(ARGV[3])
if cap > 0 and redis.call('HLEN', KEYS[3]) >= cap then
  return false
end
local payload = redis.call('LPOP', KEYS[1])
if not payload then
  return false
end
redis.call('HSET', KEYS[3], ARGV[2], ARGV[5])
redis.call('EXPIRE', KEYS[3], ARGV[4])
redis.call('HINCRBY', KEYS[4], 'total_popped', 1)
if redis.call('LLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[1])
  redis.call('HDEL', KEYS[4], 'first_job_time')
end
return payload
`)

// reapAndCountScript deletes reservations older than the threshold and
// returns the remaining count.
//
// KEYS[1] active hash
// ARGV[1] threshold (unix seconds)
var reapAndCountScript = goredis.NewScript(`
local threshold = tonumber(ARGV[1])
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
  if tonumber(entries[i + 1]) < threshold then
    redis.call('HDEL', KEYS[1], entries[i])
  end
end
return redis.call('HLEN', KEYS[1])
`)

// acquireWithReapScript reaps stale reservations, then records the new one
// iff the post-reap count is below cap. Returns 1 on acquire, 0 otherwise.
//
// KEYS[1] active hash
// ARGV[1] reservation id, ARGV[2] cap, ARGV[3] ttl seconds,
// ARGV[4] now (unix seconds), ARGV[5] threshold (unix seconds)
var acquireWithReapScript = goredis.NewScript(`
local threshold = tonumber(ARGV[5])
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
  if tonumber(entries[i + 1]) < threshold then
    redis.call('HDEL', KEYS[1], entries[i])
  end
end
local cap = tonumber(ARGV[2])
if cap > 0 and redis.call('HLEN', KEYS[1]) >= cap then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// promoteDueScript moves entries whose due time has passed from the delayed
// sorted set back onto the queue tail, re-registering the partition. Each
// promoted payload counts as a fresh push so the pushed/popped accounting
// stays balanced. Returns the number promoted.
//
// KEYS[1] delayed zset, KEYS[2] queue list, KEYS[3] partitions set,
// KEYS[4] metrics hash
// ARGV[1] partition, ARGV[2] now (unix seconds), ARGV[3] limit
var promoteDueScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
if #due == 0 then
  return 0
end
for i = 1, #due do
  redis.call('ZREM', KEYS[1], due[i])
  redis.call('RPUSH', KEYS[2], due[i])
  redis.call('HINCRBY', KEYS[4], 'total_pushed', 1)
end
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('HSETNX', KEYS[4], 'first_job_time', ARGV[2])
return #due
`)

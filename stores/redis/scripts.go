package redis

import "github.com/gomodule/redigo/redis"

// Pending members are "<created_at ns, 20 digits>:<seq, 20 digits>:<id>".
// Equal run_at scores fall back to creation time and then to the enqueue
// sequence. The member is kept in the job hash so later transitions can
// find it.
const memberPrefixLen = 42

// KEYS: job hash, pending zset, pending state set, index zset, sequence counter
// ARGV: member prefix, run_at score, id, field/value pairs...
var enqueueScript = redis.NewScript(5, `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local seq = redis.call('INCR', KEYS[5])
local member = ARGV[1] .. string.format('%020d', seq) .. ':' .. ARGV[3]
redis.call('HSET', KEYS[1], 'member', member, unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[2], member)
redis.call('SADD', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[4], 0, member)
return 1
`)

// KEYS: pending zset, processing zset, pending state set, processing state set
// ARGV: now score, now ns, worker id, job key prefix
var claimScript = redis.NewScript(4, `
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #members == 0 then
  return false
end
local member = members[1]
local id = string.sub(member, 43)
local key = ARGV[4] .. id
redis.call('ZREM', KEYS[1], member)
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('SMOVE', KEYS[3], KEYS[4], id)
redis.call('HSET', key, 'state', 'processing', 'locked_by', ARGV[3],
  'locked_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('HINCRBY', key, 'attempts', 1)
return redis.call('HGETALL', key)
`)

// KEYS: processing zset, pending zset, processing state set, pending state set
// ARGV: cutoff score (exclusive), run_at score, now ns, job key prefix
var reclaimScript = redis.NewScript(4, `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  local key = ARGV[4] .. id
  local member = redis.call('HGET', key, 'member')
  redis.call('ZREM', KEYS[1], id)
  redis.call('SMOVE', KEYS[3], KEYS[4], id)
  redis.call('HSET', key, 'state', 'pending', 'locked_by', '', 'locked_at', '',
    'run_at', ARGV[3], 'updated_at', ARGV[3])
  redis.call('ZADD', KEYS[2], ARGV[2], member)
end
return #ids
`)

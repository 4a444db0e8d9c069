package groupqueue

import "github.com/go-redis/redis/v8"

// Every script receives the same KEYS:
//   KEYS[1] seq, KEYS[2] groups, KEYS[3] ready, KEYS[4] leased, KEYS[5] inflight, KEYS[6] dead
// and ARGV[1] group index prefix, ARGV[2] job record prefix. Operation
// arguments start at ARGV[3]. Group and job keys are derived inside the
// scripts; they carry the same hash tag as KEYS.
//
// A job record is a hash with the fields
//   id group payload order seq member enq ready attempts max backoff owner lease err failed
// and the group index member of a job is its 20 digit zero padded seq, a colon, and its id.
const luaPrelude = `
local groupsKey, readyKey, leasedKey, inflightKey, deadKey = KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6]
local groupPrefix, jobPrefix = ARGV[1], ARGV[2]

local function schedule(group)
	local head = redis.call('ZRANGE', groupPrefix .. group, 0, 0)
	if #head == 0 then
		redis.call('ZREM', readyKey, group)
		redis.call('SREM', groupsKey, group)
		return
	end
	if redis.call('HEXISTS', inflightKey, group) == 1 then
		return
	end
	local readyAt = redis.call('HGET', jobPrefix .. string.sub(head[1], 22), 'ready') or 0
	redis.call('ZADD', readyKey, readyAt, group)
end

local function release(group)
	redis.call('HDEL', inflightKey, group)
	redis.call('ZREM', leasedKey, group)
end

local function reclaim(now, limit)
	local expired = redis.call('ZRANGEBYSCORE', leasedKey, '-inf', '(' .. now, 'LIMIT', 0, limit)
	for _, group in ipairs(expired) do
		local id = redis.call('HGET', inflightKey, group)
		release(group)
		if id then
			redis.call('HDEL', jobPrefix .. id, 'owner', 'lease')
		end
		schedule(group)
	end
	return #expired
end

local function owns(id, owner)
	local fields = redis.call('HMGET', jobPrefix .. id, 'group', 'owner')
	if not fields[1] or fields[2] ~= owner then
		return false
	end
	if redis.call('HGET', inflightKey, fields[1]) ~= id then
		return false
	end
	return fields[1]
end
`

// ARGV[3] id, ARGV[4] group, ARGV[5] payload, ARGV[6] orderMs, ARGV[7] enqueuedAt,
// ARGV[8] readyAt, ARGV[9] max attempts, ARGV[10] backoff ms.
// Returns {1, seq} on insert and {0, seq} when the id already exists.
var enqueueScript = redis.NewScript(luaPrelude + `
local key = jobPrefix .. ARGV[3]
local existing = redis.call('HGET', key, 'seq')
if existing then
	return {0, tonumber(existing)}
end
local seq = redis.call('INCR', KEYS[1])
local digits = tostring(seq)
local m = string.rep('0', 20 - string.len(digits)) .. digits .. ':' .. ARGV[3]
redis.call('HSET', key,
	'id', ARGV[3], 'group', ARGV[4], 'payload', ARGV[5], 'order', ARGV[6], 'seq', digits, 'member', m,
	'enq', ARGV[7], 'ready', ARGV[8], 'attempts', 0, 'max', ARGV[9], 'backoff', ARGV[10])
redis.call('ZADD', groupPrefix .. ARGV[4], ARGV[6], m)
redis.call('SADD', groupsKey, ARGV[4])
schedule(ARGV[4])
return {1, seq}
`)

// ARGV[3] now, ARGV[4] visibility ms, ARGV[5] owner, ARGV[6] scan limit.
// Returns the claimed record as a flat field/value list, or nil.
var claimScript = redis.NewScript(luaPrelude + `
local now = tonumber(ARGV[3])
local limit = tonumber(ARGV[6])
reclaim(ARGV[3], limit)
local candidates = redis.call('ZRANGEBYSCORE', readyKey, '-inf', ARGV[3], 'LIMIT', 0, limit)
for _, group in ipairs(candidates) do
	local head = redis.call('ZRANGE', groupPrefix .. group, 0, 0)
	if #head == 0 then
		schedule(group)
	elseif redis.call('HEXISTS', inflightKey, group) == 1 then
		redis.call('ZREM', readyKey, group)
	else
		local id = string.sub(head[1], 22)
		local key = jobPrefix .. id
		local readyAt = tonumber(redis.call('HGET', key, 'ready') or 0)
		if readyAt > now then
			redis.call('ZADD', readyKey, readyAt, group)
		else
			local expires = now + tonumber(ARGV[4])
			redis.call('HINCRBY', key, 'attempts', 1)
			redis.call('HSET', key, 'owner', ARGV[5], 'lease', expires)
			redis.call('ZREM', readyKey, group)
			redis.call('ZADD', leasedKey, expires, group)
			redis.call('HSET', inflightKey, group, id)
			return redis.call('HGETALL', key)
		end
	end
end
return false
`)

// ARGV[3] now, ARGV[4] limit. Returns the number of released groups.
var reclaimScript = redis.NewScript(luaPrelude + `
return reclaim(ARGV[3], tonumber(ARGV[4]))
`)

// ARGV[3] id, ARGV[4] owner, ARGV[5] now, ARGV[6] visibility ms.
// Returns the new lease expiry, or 0 when the lease is lost.
var heartbeatScript = redis.NewScript(luaPrelude + `
local group = owns(ARGV[3], ARGV[4])
if not group then
	return 0
end
local key = jobPrefix .. ARGV[3]
local now = tonumber(ARGV[5])
if tonumber(redis.call('HGET', key, 'lease') or 0) < now then
	return 0
end
local expires = now + tonumber(ARGV[6])
redis.call('HSET', key, 'lease', expires)
redis.call('ZADD', leasedKey, expires, group)
return expires
`)

// ARGV[3] id, ARGV[4] owner. Returns 1 on success, 0 when the lease is lost.
var ackScript = redis.NewScript(luaPrelude + `
local group = owns(ARGV[3], ARGV[4])
if not group then
	return 0
end
local key = jobPrefix .. ARGV[3]
redis.call('ZREM', groupPrefix .. group, redis.call('HGET', key, 'member'))
redis.call('DEL', key)
release(group)
schedule(group)
return 1
`)

// ARGV[3] id, ARGV[4] owner, ARGV[5] now, ARGV[6] backoff ms, ARGV[7] error.
// Returns 1 on success, 0 when the lease is lost.
var retryScript = redis.NewScript(luaPrelude + `
local group = owns(ARGV[3], ARGV[4])
if not group then
	return 0
end
local key = jobPrefix .. ARGV[3]
local readyAt = tonumber(ARGV[5]) + tonumber(ARGV[6])
local previous = tonumber(redis.call('HGET', key, 'ready') or 0)
if previous > readyAt then
	readyAt = previous
end
redis.call('HSET', key, 'ready', readyAt, 'err', ARGV[7])
redis.call('HDEL', key, 'owner', 'lease')
release(group)
schedule(group)
return 1
`)

// ARGV[3] id, ARGV[4] owner, ARGV[5] now, ARGV[6] error.
// Returns 1 on success, 0 when the lease is lost.
var failScript = redis.NewScript(luaPrelude + `
local group = owns(ARGV[3], ARGV[4])
if not group then
	return 0
end
local key = jobPrefix .. ARGV[3]
redis.call('ZREM', groupPrefix .. group, redis.call('HGET', key, 'member'))
redis.call('HSET', key, 'err', ARGV[6], 'failed', ARGV[5])
redis.call('HDEL', key, 'owner', 'lease')
redis.call('ZADD', deadKey, ARGV[5], ARGV[3])
release(group)
schedule(group)
return 1
`)

// ARGV[3] now, ARGV[4] batch size. Returns {moved, scanned}.
var reloadScript = redis.NewScript(luaPrelude + `
local ids = redis.call('ZRANGE', deadKey, 0, tonumber(ARGV[4]) - 1)
local moved = 0
for _, id in ipairs(ids) do
	redis.call('ZREM', deadKey, id)
	local key = jobPrefix .. id
	local fields = redis.call('HMGET', key, 'group', 'order', 'member')
	if fields[1] then
		redis.call('HSET', key, 'attempts', 0, 'ready', ARGV[3])
		redis.call('HDEL', key, 'failed')
		redis.call('ZADD', groupPrefix .. fields[1], fields[2], fields[3])
		redis.call('SADD', groupsKey, fields[1])
		schedule(fields[1])
		moved = moved + 1
	end
end
return {moved, #ids}
`)

// ARGV[3] batch size. Returns the number of evicted jobs.
var flushScript = redis.NewScript(luaPrelude + `
local ids = redis.call('ZRANGE', deadKey, 0, tonumber(ARGV[3]) - 1)
for _, id in ipairs(ids) do
	redis.call('DEL', jobPrefix .. id)
	redis.call('ZREM', deadKey, id)
end
return #ids
`)

package services

// Lua scripts keep every job state transition atomic on the Redis side.
// Job hashes live under "<prefix>job:<id>"; scripts that touch many jobs
// receive that prefix as an argument. Every move back to waiting clears
// processed_on so a stalled sweep never judges a job by an earlier attempt.

// KEYS: job hash, active list. ARGV: job id, now ms.
const activateJobScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('LREM', KEYS[2], 1, ARGV[1])
	return false
end
redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
redis.call('HSET', KEYS[1], 'state', 'active', 'processed_on', ARGV[2])
return redis.call('HGETALL', KEYS[1])
`

// KEYS: job hash, active list, completed zset. ARGV: job id, now ms.
const completeJobScript = `
if redis.call('LREM', KEYS[2], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'finished_on', ARGV[2], 'last_error', '')
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`

// KEYS: job hash, active list, delayed zset, failed zset.
// ARGV: job id, now ms, error message, target state, run at ms.
const failJobScript = `
if redis.call('LREM', KEYS[2], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'last_error', ARGV[3])
if ARGV[4] == 'delayed' then
	redis.call('HSET', KEYS[1], 'state', 'delayed', 'run_at', ARGV[5])
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
	redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_on', ARGV[2])
	redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
end
return 1
`

// KEYS: delayed zset, waiting list. ARGV: job key prefix, now ms, batch size.
const promoteDelayedScript = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HSET', ARGV[1] .. id, 'state', 'waiting', 'run_at', '', 'processed_on', '')
	redis.call('LPUSH', KEYS[2], id)
end
return ids
`

// KEYS: active list, waiting list, failed zset.
// ARGV: job key prefix, stalled cutoff ms, now ms.
// A job without processed_on was moved but never activated; stamp it so the
// next sweep can judge it.
const recoverStalledScript = `
local requeued, failed = {}, {}
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	local key = ARGV[1] .. id
	local processed = redis.call('HGET', key, 'processed_on')
	if not processed or processed == '' then
		redis.call('HSET', key, 'processed_on', ARGV[3])
	elseif tonumber(processed) <= tonumber(ARGV[2]) then
		redis.call('LREM', KEYS[1], 1, id)
		local made = tonumber(redis.call('HGET', key, 'attempts_made') or '0')
		local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
		if made >= max then
			redis.call('HSET', key, 'state', 'failed', 'finished_on', ARGV[3], 'last_error', 'job stalled')
			redis.call('ZADD', KEYS[3], ARGV[3], id)
			table.insert(failed, id)
		else
			redis.call('HSET', key, 'state', 'waiting', 'processed_on', '')
			redis.call('RPUSH', KEYS[2], id)
			table.insert(requeued, id)
		end
	end
end
return {requeued, failed}
`

// KEYS: completed zset, failed zset. ARGV: job key prefix, cutoff ms, batch size.
const cleanJobsScript = `
local removed = 0
for i = 1, 2 do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
	for _, id in ipairs(ids) do
		redis.call('DEL', ARGV[1] .. id)
		redis.call('ZREM', KEYS[i], id)
		removed = removed + 1
	end
end
return removed
`

// KEYS: job hash, failed zset, waiting list. ARGV: job id.
// Returns -1 when the job is unknown and 0 when it is not failed.
const retryJobScript = `
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'waiting', 'attempts_made', 0, 'last_error', '', 'finished_on', '', 'processed_on', '')
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`

package valkey

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Sessions own their authorization code and access tokens, and access tokens own
// their refresh tokens. Every change that touches more than one of those records
// runs as a single script so concurrent requests never observe half a cascade.
// Record keys are derived from ARGV[1], the store's key prefix.

// luaHelpers are shared by the scripts that delete records.
const luaHelpers = `
local function purge_code(p, cid)
    local rec = p .. 'code_rec:' .. cid
    local h = redis.call('HGET', rec, 'hash')
    if h then
        redis.call('DEL', p .. 'code:' .. h)
    end
    redis.call('DEL', rec, p .. 'code_scopes:' .. cid)
end

local function purge_token(p, tid)
    local rec = p .. 'token_rec:' .. tid
    local h = redis.call('HGET', rec, 'hash')
    if h then
        redis.call('DEL', p .. 'token:' .. h)
    end
    for _, rh in ipairs(redis.call('SMEMBERS', p .. 'token_refresh:' .. tid)) do
        redis.call('DEL', p .. 'refresh:' .. rh)
    end
    redis.call('DEL', rec, p .. 'token_scopes:' .. tid, p .. 'token_refresh:' .. tid)
end

local function purge_session(p, sid)
    local rec = p .. 'session:' .. sid
    local cid = redis.call('HGET', rec, 'auth_code_id')
    if cid then
        purge_code(p, cid)
    end
    for _, tid in ipairs(redis.call('SMEMBERS', p .. 'session_tokens:' .. sid)) do
        purge_token(p, tid)
    end
    redis.call('DEL', rec, p .. 'session_tokens:' .. sid)
end

local function create_session(p, client, otype, owner, digest)
    local id = redis.call('INCR', p .. 'seq')
    redis.call('HSET', p .. 'session:' .. id,
        'client_id', client, 'owner_type', otype, 'owner_id', owner, 'digest', digest)
    redis.call('SET', p .. 'session_key:' .. digest, id)
    return id
end

local function delete_session(p, digest)
    local sid = redis.call('GET', p .. 'session_key:' .. digest)
    if sid then
        purge_session(p, sid)
        redis.call('DEL', p .. 'session_key:' .. digest)
    end
end

local function sync_ttl(src, dst)
    local ttl = redis.call('PTTL', src)
    if ttl > 0 then
        redis.call('PEXPIRE', dst, ttl)
    elseif ttl == -1 then
        redis.call('PERSIST', dst)
    end
end
`

// luaCreateSession creates a session.
//
// ARGV[1] = prefix, ARGV[2] = client id, ARGV[3] = owner type,
// ARGV[4] = owner id, ARGV[5] = session digest
//
// Returns the new session id.
const luaCreateSession = luaHelpers + `
return create_session(ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5])
`

// luaDeleteSession removes the session of a (client, owner) pair with its code,
// access tokens and refresh tokens.
//
// ARGV[1] = prefix, ARGV[2] = session digest
const luaDeleteSession = luaHelpers + `
delete_session(ARGV[1], ARGV[2])
return 0
`

// luaReplaceSession deletes the session of a (client, owner) pair, if any, and
// creates a new one in the same step.
//
// ARGV as luaCreateSession. Returns the new session id.
const luaReplaceSession = luaHelpers + `
delete_session(ARGV[1], ARGV[5])
return create_session(ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5])
`

// luaSetRedirectURI binds a redirect URI to an existing session.
//
// ARGV[1] = prefix, ARGV[2] = session id, ARGV[3] = redirect URI
//
// Returns -1 if the session does not exist, 0 otherwise.
const luaSetRedirectURI = `
local rec = ARGV[1] .. 'session:' .. ARGV[2]
if redis.call('EXISTS', rec) == 0 then
    return -1
end
redis.call('HSET', rec, 'redirect_uri', ARGV[3])
return 0
`

// luaAssociateAuthCode stores an authorization code, replacing the session's
// previous code.
//
// ARGV[1] = prefix, ARGV[2] = session id, ARGV[3] = code hash,
// ARGV[4] = expiry (unix nanoseconds), ARGV[5] = expiry (unix ms, 0 for none)
//
// Returns the code id, or -1 if the session does not exist.
const luaAssociateAuthCode = luaHelpers + `
local p = ARGV[1]
local sess = p .. 'session:' .. ARGV[2]
if redis.call('EXISTS', sess) == 0 then
    return -1
end
local old = redis.call('HGET', sess, 'auth_code_id')
if old then
    purge_code(p, old)
end
local id = redis.call('INCR', p .. 'seq')
local rec = p .. 'code_rec:' .. id
local lookup = p .. 'code:' .. ARGV[3]
redis.call('HSET', rec, 'session_id', ARGV[2], 'hash', ARGV[3], 'expires_at', ARGV[4])
redis.call('SET', lookup, id)
redis.call('HSET', sess, 'auth_code_id', id)
if tonumber(ARGV[5]) > 0 then
    redis.call('PEXPIREAT', rec, ARGV[5])
    redis.call('PEXPIREAT', lookup, ARGV[5])
end
return id
`

// luaRemoveAuthCode deletes the authorization code of a session. Of two
// concurrent calls for the same session only one returns 1.
//
// ARGV[1] = prefix, ARGV[2] = session id
//
// Returns 1 if a code was deleted, 0 otherwise.
const luaRemoveAuthCode = luaHelpers + `
local p = ARGV[1]
local sess = p .. 'session:' .. ARGV[2]
local cid = redis.call('HGET', sess, 'auth_code_id')
if not cid then
    return 0
end
redis.call('HDEL', sess, 'auth_code_id')
if redis.call('EXISTS', p .. 'code_rec:' .. cid) == 0 then
    return 0
end
purge_code(p, cid)
return 1
`

// luaAssociateScope appends a scope id to a code's or token's scope list.
//
// KEYS[1] = owning record, KEYS[2] = scope list, KEYS[3] = scope record
// ARGV[1] = scope id
//
// Returns -1 if the owning record does not exist, -2 if the scope does not
// exist, 0 otherwise. The list expires with its record.
const luaAssociateScope = luaHelpers + `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
if redis.call('EXISTS', KEYS[3]) == 0 then
    return -2
end
if not redis.call('LPOS', KEYS[2], ARGV[1]) then
    redis.call('RPUSH', KEYS[2], ARGV[1])
end
sync_ttl(KEYS[1], KEYS[2])
return 0
`

// luaAssociateAccessToken stores an access token for a session.
//
// ARGV[1] = prefix, ARGV[2] = session id, ARGV[3] = token hash,
// ARGV[4] = expiry (unix nanoseconds), ARGV[5] = expiry (unix ms, 0 for none)
//
// Returns the token id, -1 if the session does not exist or -2 if the token
// already exists.
const luaAssociateAccessToken = `
local p = ARGV[1]
if redis.call('EXISTS', p .. 'session:' .. ARGV[2]) == 0 then
    return -1
end
local lookup = p .. 'token:' .. ARGV[3]
if redis.call('EXISTS', lookup) == 1 then
    return -2
end
local id = redis.call('INCR', p .. 'seq')
local rec = p .. 'token_rec:' .. id
redis.call('HSET', rec, 'session_id', ARGV[2], 'hash', ARGV[3], 'expires_at', ARGV[4])
redis.call('SET', lookup, id)
redis.call('SADD', p .. 'session_tokens:' .. ARGV[2], id)
if tonumber(ARGV[5]) > 0 then
    redis.call('PEXPIREAT', rec, ARGV[5])
    redis.call('PEXPIREAT', lookup, ARGV[5])
end
return id
`

// luaAssociateRefreshToken stores a refresh token for an access token. The
// access token's keys are kept at least as long as the refresh token, since
// redeeming it reads the (possibly expired) access token.
//
// ARGV[1] = prefix, ARGV[2] = access token id, ARGV[3] = refresh token hash,
// ARGV[4] = client id, ARGV[5] = expiry (unix nanoseconds),
// ARGV[6] = expiry (unix ms, 0 for none)
//
// Returns -1 if the access token does not exist, 0 otherwise.
const luaAssociateRefreshToken = luaHelpers + `
local p = ARGV[1]
local rec = p .. 'token_rec:' .. ARGV[2]
if redis.call('EXISTS', rec) == 0 then
    return -1
end
local key = p .. 'refresh:' .. ARGV[3]
local owned = p .. 'token_refresh:' .. ARGV[2]
local lookup = p .. 'token:' .. redis.call('HGET', rec, 'hash')
redis.call('HSET', key, 'access_token_id', ARGV[2], 'client_id', ARGV[4], 'expires_at', ARGV[5])
redis.call('SADD', owned, ARGV[3])
if tonumber(ARGV[6]) > 0 then
    redis.call('PEXPIREAT', key, ARGV[6])
    redis.call('PEXPIREAT', rec, ARGV[6], 'GT')
    redis.call('PEXPIREAT', lookup, ARGV[6], 'GT')
else
    redis.call('PERSIST', rec)
    redis.call('PERSIST', lookup)
end
sync_ttl(rec, owned)
sync_ttl(rec, p .. 'token_scopes:' .. ARGV[2])
return 0
`

// luaRemoveRefreshToken deletes a refresh token and unlinks it from its access
// token.
//
// ARGV[1] = prefix, ARGV[2] = refresh token hash
//
// Returns 1 if the token existed, 0 otherwise.
const luaRemoveRefreshToken = `
local p = ARGV[1]
local key = p .. 'refresh:' .. ARGV[2]
local tid = redis.call('HGET', key, 'access_token_id')
if not tid then
    return 0
end
redis.call('DEL', key)
redis.call('SREM', p .. 'token_refresh:' .. tid, ARGV[2])
return 1
`

package redisbroker

import "github.com/redis/go-redis/v9"

// Acknowledges an entry and removes it from the stream.
const scriptSettle = `
local stream, group, id = KEYS[1], ARGV[1], ARGV[2]
local acked = redis.call('XACK', stream, group, id)
redis.call('XDEL', stream, id)
return acked
`

// Moves a pending entry to the tail of the stream, flagged as redelivered,
// and acknowledges the original. Returns 0 when the entry is gone.
const scriptRequeue = `
local stream, group, id = KEYS[1], ARGV[1], ARGV[2]
local entry = redis.call('XRANGE', stream, id, id)
if #entry == 0 then
  redis.call('XACK', stream, group, id)
  return 0
end

local fields = entry[1][2]
local args = {stream, '*'}
for i = 1, #fields, 2 do
  if fields[i] ~= 'redelivered' then
    table.insert(args, fields[i])
    table.insert(args, fields[i + 1])
  end
end
table.insert(args, 'redelivered')
table.insert(args, '1')

redis.call('XADD', unpack(args))
redis.call('XACK', stream, group, id)
redis.call('XDEL', stream, id)
return 1
`

var (
	settleLua  = redis.NewScript(scriptSettle)
	requeueLua = redis.NewScript(scriptRequeue)
)

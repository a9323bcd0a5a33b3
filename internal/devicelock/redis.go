package devicelock

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "devicegate:lock:"

// RedisTable shares bindings between replicas. Each binding is a string key
// holding the device id with a millisecond expiry, so Redis itself drops
// expired bindings and Sweep has nothing to do.
type RedisTable struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisTable wraps an existing client. The caller owns the client.
func NewRedisTable(client redis.UniversalClient, ttl time.Duration, prefix string) (*RedisTable, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisTable{client: client, ttl: resolveTTL(ttl), prefix: prefix}, nil
}

// admitScriptSource claims an unheld key or refreshes the caller's own
// binding in one step. It replies 1 to allow and 0 to deny.
const admitScriptSource = `
local owner = redis.call('GET', KEYS[1])
if not owner then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if owner == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`

var admitScript = redis.NewScript(admitScriptSource)

// Admit runs the claim-or-refresh script so the ownership check and the
// expiry refresh cannot interleave with another device's claim.
func (t *RedisTable) Admit(ctx context.Context, address, device string) (Decision, error) {
	if err := validate(address, device); err != nil {
		return 0, err
	}
	result, err := admitScript.Run(ctx, t.client, []string{t.prefix + address}, device, t.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("admit device lock", err)
	}
	if result == 1 {
		return Allow, nil
	}
	return Deny, nil
}

// Sweep is a no-op; Redis expires keys on its own.
func (t *RedisTable) Sweep(context.Context) (int, error) {
	return 0, nil
}

// Ping checks connectivity for health reporting.
func (t *RedisTable) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

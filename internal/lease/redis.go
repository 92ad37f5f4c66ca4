package lease

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis holds leases as keys set with NX and a PX expiry.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Lease = (*Redis)(nil)

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "paycasso:lease:"}
}

// extend or release only when the stored owner matches.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

func (r *Redis) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	key := r.prefix + name
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	n, err := extendScript.Run(ctx, r.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, name, owner string) error {
	return releaseScript.Run(ctx, r.client, []string{r.prefix + name}, owner).Err()
}

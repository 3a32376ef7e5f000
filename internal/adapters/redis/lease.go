package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's token,
// so an expired holder cannot drop a lease taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Lease struct {
	client   *redis.Client
	newToken func() string
}

func NewLease(client *redis.Client) *Lease {
	return &Lease{client: client, newToken: uuid.NewString}
}

func (l *Lease) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := l.newToken()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrapf(err, "acquire lease %s", key)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *Lease) Release(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	return errors.Wrapf(err, "release lease %s", key)
}

package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const (
	idempPrefix   = "idemp:"
	inflightValue = "inflight"
)

type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

type IdempResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Result      []byte `json:"result"`
}

// Get returns the stored response for key. inflight is true while another
// request with the same key is still being served.
func (i *Idempotency) Get(ctx context.Context, key string) (resp *IdempResponse, inflight bool, err error) {
	val, err := i.client.Get(ctx, idempPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if string(val) == inflightValue {
		return nil, true, nil
	}
	var out IdempResponse
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, false, err
	}
	return &out, false, nil
}

// Claim marks key as in flight. It reports false when the key already
// exists, either in flight or completed.
func (i *Idempotency) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return i.client.SetNX(ctx, idempPrefix+key, inflightValue, ttl).Result()
}

func (i *Idempotency) Set(ctx context.Context, key string, resp IdempResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.client.Set(ctx, idempPrefix+key, string(data), ttl).Err()
}

// Forget drops a claim so the request can be retried, used when the handler
// failed without producing a response worth replaying.
func (i *Idempotency) Forget(ctx context.Context, key string) error {
	return i.client.Del(ctx, idempPrefix+key).Err()
}

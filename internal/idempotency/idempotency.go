// Package idempotency replays the stored response of a request that carried an
// Idempotency-Key already seen.
package idempotency

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/experience-bookings/internal/adapters/redis"
)

type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, bool, error)
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

type Idempotency struct {
	store Store
	ttl   time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl}
}

type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

type Outcome int

const (
	// Proceed means the caller owns the key and must Complete or Abort it.
	Proceed Outcome = iota
	Replay
	InFlight
)

// Begin claims key or reports what to do instead. On Replay the stored
// response is returned.
func (i *Idempotency) Begin(ctx context.Context, key string) (Outcome, *Response, error) {
	stored, inflight, err := i.store.Get(ctx, key)
	if err != nil {
		return Proceed, nil, err
	}
	if stored != nil {
		return Replay, fromStored(stored), nil
	}
	if inflight {
		return InFlight, nil, nil
	}

	claimed, err := i.store.Claim(ctx, key, i.ttl)
	if err != nil {
		return Proceed, nil, err
	}
	if claimed {
		return Proceed, nil, nil
	}
	// Lost the race between Get and Claim; look again.
	stored, _, err = i.store.Get(ctx, key)
	if err != nil {
		return Proceed, nil, err
	}
	if stored != nil {
		return Replay, fromStored(stored), nil
	}
	return InFlight, nil, nil
}

func (i *Idempotency) Complete(ctx context.Context, key string, resp Response) error {
	return i.store.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Result:      resp.Body,
	}, i.ttl)
}

// Abort releases the claim so the client may retry with the same key.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.store.Forget(ctx, key)
}

func fromStored(s *redisadapter.IdempResponse) *Response {
	return &Response{Status: s.Status, ContentType: s.ContentType, Body: s.Result}
}

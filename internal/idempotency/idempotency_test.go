package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisadapter "github.com/robertarktes/experience-bookings/internal/adapters/redis"
)

type memStore struct {
	mu       sync.Mutex
	inflight map[string]bool
	done     map[string]redisadapter.IdempResponse
}

func newMemStore() *memStore {
	return &memStore{inflight: map[string]bool{}, done: map[string]redisadapter.IdempResponse{}}
}

func (m *memStore) Get(_ context.Context, key string) (*redisadapter.IdempResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.done[key]; ok {
		return &r, false, nil
	}
	return nil, m.inflight[key], nil
}

func (m *memStore) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.done[key]; ok || m.inflight[key] {
		return false, nil
	}
	m.inflight[key] = true
	return true, nil
}

func (m *memStore) Set(_ context.Context, key string, resp redisadapter.IdempResponse, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, key)
	m.done[key] = resp
	return nil
}

func (m *memStore) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, key)
	delete(m.done, key)
	return nil
}

func TestBeginCompleteReplay(t *testing.T) {
	idem := NewIdempotency(newMemStore(), time.Hour)
	ctx := context.Background()

	outcome, _, err := idem.Begin(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)

	outcome, _, err = idem.Begin(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, InFlight, outcome)

	require.NoError(t, idem.Complete(ctx, "k", Response{Status: 201, ContentType: "application/json", Body: []byte(`{"ok":true}`)}))

	outcome, resp, err := idem.Begin(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Replay, outcome)
	assert.Equal(t, 201, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestAbortAllowsRetry(t *testing.T) {
	idem := NewIdempotency(newMemStore(), time.Hour)
	ctx := context.Background()

	outcome, _, err := idem.Begin(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, Proceed, outcome)
	require.NoError(t, idem.Abort(ctx, "k"))

	outcome, _, err = idem.Begin(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)
}

func TestConcurrentBeginOnlyOneProceeds(t *testing.T) {
	idem := NewIdempotency(newMemStore(), time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		proceed int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, err := idem.Begin(context.Background(), "same")
			if err == nil && outcome == Proceed {
				mu.Lock()
				proceed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, proceed)
}

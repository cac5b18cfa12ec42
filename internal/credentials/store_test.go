package credentials

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/locks"
	"webhook-rules/internal/redis"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(clock *fakeClock, persistence Persistence) *Store {
	return NewStore(Config{TTL: time.Hour, Grace: 2 * time.Second, Now: clock.Now}, persistence, logging.NewNopLogger())
}

func TestNormalizeAPIBaseURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", DefaultAPIBaseURL},
		{"   ", DefaultAPIBaseURL},
		{"https://api.clockify.me/api/v1/", "https://api.clockify.me/api/v1"},
		{"https://eu.example.com/api", "https://eu.example.com/api/v1"},
		{"https://eu.example.com/api///", "https://eu.example.com/api/v1"},
		{"https://eu.example.com", "https://eu.example.com/api/v1"},
		{"https://eu.example.com/api/v2", "https://eu.example.com/api/v2"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeAPIBaseURL(tt.input))
		})
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, " ws1 ", " token-a ", "https://eu.example.com/api"))

	token, ok := store.Get(ctx, "ws1")
	require.True(t, ok)
	assert.Equal(t, "token-a", token.Token)
	assert.Equal(t, "https://eu.example.com/api/v1", token.APIBaseURL)
	assert.Equal(t, clock.Now().Add(time.Hour), token.ExpiresAt)
	assert.True(t, token.RotatedAt.IsZero())

	assert.True(t, store.IsValid(ctx, "ws1", "token-a"))
	assert.False(t, store.IsValid(ctx, "ws1", "token-b"))
	assert.False(t, store.IsValid(ctx, "ws1", ""))
}

func TestStore_SaveValidation(t *testing.T) {
	store := newTestStore(newFakeClock(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, store.Save(ctx, "", "token", ""), ErrWorkspaceRequired)
	assert.ErrorIs(t, store.Save(ctx, "ws1", "  ", ""), ErrTokenRequired)
	assert.ErrorIs(t, store.Rotate(ctx, "ws1", "new"), ErrNoCurrentToken)
	assert.ErrorIs(t, store.Rotate(ctx, "ws1", ""), ErrTokenRequired)
}

func TestStore_Expiry(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "ws1", "token-a", ""))

	clock.Advance(time.Hour)

	_, ok := store.Get(ctx, "ws1")
	assert.False(t, ok, "token is expired at exactly createdAt+TTL")
	assert.False(t, store.IsValid(ctx, "ws1", "token-a"))
	assert.ErrorIs(t, store.Rotate(ctx, "ws1", "token-b"), ErrNoCurrentToken)
}

func TestStore_RotationGrace(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "ws1", "A", "https://eu.example.com"))
	require.NoError(t, store.Rotate(ctx, "ws1", "B"))

	assert.True(t, store.IsValid(ctx, "ws1", "A"))
	assert.True(t, store.IsValid(ctx, "ws1", "B"))

	token, ok := store.Get(ctx, "ws1")
	require.True(t, ok)
	assert.Equal(t, "B", token.Token)
	assert.Equal(t, "https://eu.example.com/api/v1", token.APIBaseURL)

	info, rotating := store.Rotation(ctx, "ws1")
	require.True(t, rotating)
	assert.Equal(t, clock.Now(), info.RotatedAt)
	assert.Equal(t, clock.Now().Add(2*time.Second), info.GraceEndsAt)

	clock.Advance(3 * time.Second)

	assert.False(t, store.IsValid(ctx, "ws1", "A"))
	assert.True(t, store.IsValid(ctx, "ws1", "B"))
	_, rotating = store.Rotation(ctx, "ws1")
	assert.False(t, rotating)
}

func TestStore_SaveClearsGrace(t *testing.T) {
	store := newTestStore(newFakeClock(), nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "ws1", "A", ""))
	require.NoError(t, store.Rotate(ctx, "ws1", "B"))
	require.NoError(t, store.Save(ctx, "ws1", "C", ""))

	assert.False(t, store.IsValid(ctx, "ws1", "A"))
	assert.False(t, store.IsValid(ctx, "ws1", "B"))
	assert.True(t, store.IsValid(ctx, "ws1", "C"))
	assert.Equal(t, []string{"C"}, store.Secrets(ctx, "ws1"))
}

func TestStore_GetFallsBackToGraceToken(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(Config{TTL: time.Second, Grace: time.Minute, Now: clock.Now}, nil, logging.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "ws1", "A", ""))
	require.NoError(t, store.Rotate(ctx, "ws1", "B"))

	clock.Advance(2 * time.Second)

	token, ok := store.Get(ctx, "ws1")
	require.True(t, ok)
	assert.Equal(t, "A", token.Token)
}

func TestStore_DeleteAndClear(t *testing.T) {
	store := newTestStore(newFakeClock(), nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "ws1", "A", ""))
	require.NoError(t, store.Save(ctx, "ws2", "B", ""))

	assert.True(t, store.Delete(ctx, "ws1"))
	assert.False(t, store.Delete(ctx, "ws1"))
	_, ok := store.Get(ctx, "ws1")
	assert.False(t, ok)

	store.Clear(ctx)
	_, ok = store.Get(ctx, "ws2")
	assert.False(t, ok)
}

func TestStore_ConcurrentRotationNeverLosesValidity(t *testing.T) {
	store := NewStore(Config{TTL: time.Hour, Grace: time.Hour}, nil, logging.NewNopLogger())
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "ws1", "seed", ""))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	failures := make(chan string, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, ok := store.Get(ctx, "ws1"); !ok {
				select {
				case failures <- "reader saw no token":
				default:
				}
			}
		}
	}()

	for i := 0; i < 200; i++ {
		require.NoError(t, store.Rotate(ctx, "ws1", "token-"+string(rune('a'+i%26))))
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-failures:
		t.Fatal(msg)
	default:
	}
}

func TestStore_PersistenceFallback(t *testing.T) {
	clock := newFakeClock()
	persistence := NewMemoryPersistence()
	ctx := context.Background()

	first := newTestStore(clock, persistence)
	require.NoError(t, first.Save(ctx, "ws1", "A", ""))
	require.NoError(t, first.Rotate(ctx, "ws1", "B"))

	second := newTestStore(clock, persistence)
	assert.True(t, second.IsValid(ctx, "ws1", "A"))
	assert.True(t, second.IsValid(ctx, "ws1", "B"))

	second.Delete(ctx, "ws1")
	_, ok, err := persistence.Load(ctx, "ws1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPersistence(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	clock := newFakeClock()
	persistence := NewRedisPersistence(client)
	ctx := context.Background()

	store := newTestStore(clock, persistence)
	require.NoError(t, store.Save(ctx, "ws1", "A", "https://eu.example.com/api"))
	assert.True(t, mr.Exists("credentials:ws1"))

	restarted := newTestStore(clock, persistence)
	token, ok := restarted.Get(ctx, "ws1")
	require.True(t, ok)
	assert.Equal(t, "A", token.Token)
	assert.Equal(t, "https://eu.example.com/api/v1", token.APIBaseURL)

	restarted.Clear(ctx)
	assert.False(t, mr.Exists("credentials:ws1"))
}

func TestStore_PersistenceFailureDoesNotFailSave(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()
	mr.Close()

	store := newTestStore(newFakeClock(), NewRedisPersistence(client))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "ws1", "A", ""))
	assert.True(t, store.IsValid(ctx, "ws1", "A"))
	_, ok := store.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestStore_SharedLockRotatesFromPersistedRecord(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	locker, err := locks.NewRedsyncLocker(client, locks.DefaultConfig())
	require.NoError(t, err)

	clock := newFakeClock()
	newInstance := func() *Store {
		return NewStore(Config{TTL: time.Hour, Grace: time.Minute, Now: clock.Now, Locker: locker},
			NewRedisPersistence(client), logging.NewNopLogger())
	}
	a, b := newInstance(), newInstance()
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "ws1", "t1", ""))
	require.NoError(t, b.Rotate(ctx, "ws1", "t2"))

	// a still holds t1 in memory; its rotation must demote b's t2
	require.NoError(t, a.Rotate(ctx, "ws1", "t3"))
	assert.Equal(t, []string{"t3", "t2"}, a.Secrets(ctx, "ws1"))
	assert.False(t, mr.Exists("lock:credentials:ws1"), "lock released after rotation")
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, assert.AnError
}

func TestStore_LockFailureFailsWrite(t *testing.T) {
	store := NewStore(Config{Locker: failingLocker{}}, NewMemoryPersistence(), logging.NewNopLogger())
	ctx := context.Background()

	assert.ErrorIs(t, store.Save(ctx, "ws1", "t1", ""), assert.AnError)
	_, ok := store.Get(ctx, "ws1")
	assert.False(t, ok)
}

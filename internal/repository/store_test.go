package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract runs the behaviour every Store backend must share. advance moves the
// backend's notion of time forward; nil skips the expiry checks.
func testStoreContract(t *testing.T, s Store, advance func(time.Duration)) {
	ctx := context.Background()

	t.Run("SetNXOnlyFirstWins", func(t *testing.T) {
		created, err := s.SetNX(ctx, "nx:evt-1", []byte("processing"), time.Hour)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.SetNX(ctx, "nx:evt-1", []byte("processing"), time.Hour)
		require.NoError(t, err)
		assert.False(t, created)

		v, ok, err := s.Get(ctx, "nx:evt-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "processing", string(v))
	})

	t.Run("SetNXConcurrent", func(t *testing.T) {
		const n = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				created, err := s.SetNX(ctx, "nx:race", []byte("processing"), time.Hour)
				if err != nil {
					t.Error(err)
					return
				}
				if created {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("IncrCounts", func(t *testing.T) {
		for i := int64(1); i <= 3; i++ {
			n, err := s.Incr(ctx, "incr:ip1")
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}
	})

	t.Run("GetMissingIsNotAnError", func(t *testing.T) {
		v, ok, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, v)
	})

	t.Run("SetOverwritesAndDelRemoves", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "set:k", []byte("a"), time.Minute))
		require.NoError(t, s.Set(ctx, "set:k", []byte("b"), time.Minute))
		v, ok, err := s.Get(ctx, "set:k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "b", string(v))

		require.NoError(t, s.Del(ctx, "set:k"))
		require.NoError(t, s.Del(ctx, "set:k"))
		_, ok, err = s.Get(ctx, "set:k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DelReleasesNX", func(t *testing.T) {
		created, err := s.SetNX(ctx, "nx:release", []byte("processing"), time.Hour)
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, s.Del(ctx, "nx:release"))
		created, err = s.SetNX(ctx, "nx:release", []byte("processing"), time.Hour)
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})

	if advance == nil {
		return
	}

	t.Run("ExpireResetsCounterWindow", func(t *testing.T) {
		n, err := s.Incr(ctx, "incr:window")
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		require.NoError(t, s.Expire(ctx, "incr:window", 60*time.Second))

		n, err = s.Incr(ctx, "incr:window")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		advance(61 * time.Second)
		n, err = s.Incr(ctx, "incr:window")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("IncrDoesNotExtendTTL", func(t *testing.T) {
		_, err := s.Incr(ctx, "incr:ttl")
		require.NoError(t, err)
		require.NoError(t, s.Expire(ctx, "incr:ttl", 10*time.Second))
		advance(6 * time.Second)
		_, err = s.Incr(ctx, "incr:ttl")
		require.NoError(t, err)
		advance(5 * time.Second)
		_, ok, err := s.Get(ctx, "incr:ttl")
		require.NoError(t, err)
		assert.False(t, ok, "counter must expire at the original window end")
	})

	t.Run("SetNXAfterExpiry", func(t *testing.T) {
		created, err := s.SetNX(ctx, "nx:ttl", []byte("processing"), 5*time.Second)
		require.NoError(t, err)
		require.True(t, created)
		advance(6 * time.Second)
		created, err = s.SetNX(ctx, "nx:ttl", []byte("processing"), 5*time.Second)
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("SetWithTTLExpires", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "set:ttl", []byte("page"), 60*time.Second))
		advance(59 * time.Second)
		_, ok, err := s.Get(ctx, "set:ttl")
		require.NoError(t, err)
		assert.True(t, ok)
		advance(2 * time.Second)
		_, ok, err = s.Get(ctx, "set:ttl")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestUnavailableErrorMatches(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := fmt.Errorf("admit: %w", unavailable("incr", "ratelimit:ip1", cause))

	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, IsUnavailable(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), `store incr "ratelimit:ip1"`)
	assert.False(t, IsUnavailable(errors.New("other")))
}

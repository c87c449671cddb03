package secrets

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/clock"
)

type countingSource struct {
	calls  atomic.Int32
	secret string
	delay  time.Duration
	err    error
}

func (s *countingSource) Lookup(ctx context.Context, _ string) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.secret, nil
}

func TestResolverCachesUntilStale(t *testing.T) {
	fc := clock.Fake(time.Unix(5000, 0))
	src := &countingSource{secret: "fish"}
	r := NewResolver(src, Options{TTL: time.Minute, Clock: fc})
	ctx := context.Background()

	for range 3 {
		got, err := r.Resolve(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "fish", got)
	}
	assert.Equal(t, int32(1), src.calls.Load())

	fc.Advance(59 * time.Second)
	_, err := r.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "still fresh just before ttl")

	fc.Advance(time.Second)
	_, err = r.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "stale once age reaches ttl")

	r.Invalidate("alice")
	_, err = r.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestResolverSingleFlight(t *testing.T) {
	src := &countingSource{secret: "fish", delay: 50 * time.Millisecond}
	r := NewResolver(src, Options{})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Resolve(context.Background(), "alice")
			assert.NoError(t, err)
			assert.Equal(t, "fish", got)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestResolverErrors(t *testing.T) {
	r := NewResolver(Static{}, Options{})
	_, err := r.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	_, err = r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, apierr.ErrForbidden)

	slow := NewResolver(&countingSource{secret: "x", delay: time.Second}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Resolve(ctx, "alice")
	assert.ErrorIs(t, err, apierr.ErrUnavailable)

	timeout := NewResolver(&countingSource{secret: "x", delay: time.Second}, Options{FetchTimeout: 10 * time.Millisecond})
	_, err = timeout.Resolve(context.Background(), "alice")
	assert.ErrorIs(t, err, apierr.ErrUnavailable)
}

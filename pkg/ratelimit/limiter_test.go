package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rules map[string]Rule) (*Limiter, *time.Time) {
	t.Helper()
	l := NewLimiter(rules)
	t.Cleanup(l.Stop)

	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheckAllowsUpToMaxRequests(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Rule{
		"task_creation": {WindowMs: 60000, MaxRequests: 3, KeyType: KeyTypeUser},
	})

	for i := 0; i < 3; i++ {
		d, err := l.Check("task_creation", "alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
	}

	d, err := l.Check("task_creation", "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestCheckIsolatesSubjects(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Rule{
		"task_creation": {WindowMs: 60000, MaxRequests: 1, KeyType: KeyTypeUser},
	})

	d, err := l.Check("task_creation", "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Alice is exhausted; Bob is not.
	d, err = l.Check("task_creation", "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Check("task_creation", "bob")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGlobalRuleSharesOneBucket(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Rule{
		"export": {WindowMs: 60000, MaxRequests: 1, KeyType: KeyTypeGlobal},
	})

	d, err := l.Check("export", "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Check("export", "bob")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRefillIsProportionalToElapsedTime(t *testing.T) {
	l, now := newTestLimiter(t, map[string]Rule{
		"r": {WindowMs: 1000, MaxRequests: 10, KeyType: KeyTypeUser},
	})

	for i := 0; i < 10; i++ {
		d, err := l.Check("r", "u")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Check("r", "u")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Half a window refills half the bucket.
	*now = now.Add(500 * time.Millisecond)
	allowed := 0
	for i := 0; i < 10; i++ {
		d, err := l.Check("r", "u")
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestRefillNeverExceedsCeiling(t *testing.T) {
	l, now := newTestLimiter(t, map[string]Rule{
		"r": {WindowMs: 1000, MaxRequests: 2, KeyType: KeyTypeUser},
	})

	d, err := l.Check("r", "u")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// An hour idle still refills to at most MaxRequests.
	*now = now.Add(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		d, err := l.Check("r", "u")
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestUnknownRuleReturnsError(t *testing.T) {
	l, _ := newTestLimiter(t, nil)
	_, err := l.Check("missing", "u")
	var unknownErr *ErrUnknownRule
	assert.ErrorAs(t, err, &unknownErr)
}

func TestSweepRemovesIdleBuckets(t *testing.T) {
	l, now := newTestLimiter(t, map[string]Rule{
		"r": {WindowMs: 1000, MaxRequests: 5, KeyType: KeyTypeUser},
	})

	_, err := l.Check("r", "alice")
	require.NoError(t, err)
	_, err = l.Check("r", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, l.bucketCount())

	// Not yet idle for a full window.
	*now = now.Add(500 * time.Millisecond)
	l.sweep()
	assert.Equal(t, 2, l.bucketCount())

	*now = now.Add(600 * time.Millisecond)
	l.sweep()
	assert.Equal(t, 0, l.bucketCount())
}

func TestStopTwiceDoesNotPanic(t *testing.T) {
	l := NewLimiter(nil)
	l.Stop()
	l.Stop()
}

func TestCheckIsThreadSafe(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Rule{
		"r": {WindowMs: 60000, MaxRequests: 100, KeyType: KeyTypeUser},
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check("r", "u")
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
}

func TestThrottleActionIsReported(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Rule{
		"r": {WindowMs: 1000, MaxRequests: 1, KeyType: KeyTypeUser, OnExceed: ExceedThrottle},
	})

	_, err := l.Check("r", "u")
	require.NoError(t, err)
	d, err := l.Check("r", "u")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ExceedThrottle, d.Action)
}

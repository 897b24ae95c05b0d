package sandbox

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsOutputAndUsage(t *testing.T) {
	s := New(Limits{})
	res := s.Run(context.Background(), func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})

	require.NoError(t, res.Err)
	assert.Equal(t, []byte("ok"), res.Output)
	assert.Empty(t, res.Violations)
	assert.Equal(t, 2, res.Usage.OutputBytes)
}

func TestRunPropagatesClosureError(t *testing.T) {
	s := New(Limits{})
	want := errors.New("handler exploded")
	res := s.Run(context.Background(), func(ctx context.Context) ([]byte, error) {
		return nil, want
	})
	assert.ErrorIs(t, res.Err, want)
}

func TestRunCancelsOnDurationCap(t *testing.T) {
	s := New(Limits{MaxDuration: 20 * time.Millisecond})
	res := s.Run(context.Background(), func(ctx context.Context) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return []byte("too late"), nil
		}
	})

	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.NotEmpty(t, res.Violations)
	assert.Equal(t, "duration", res.Violations[0].Kind)
}

func TestRunObservesCallerCancellation(t *testing.T) {
	s := New(Limits{})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := s.Run(ctx, func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestRunRecoversPanics(t *testing.T) {
	s := New(Limits{})
	res := s.Run(context.Background(), func(ctx context.Context) ([]byte, error) {
		panic("boom")
	})
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "panicked")
}

func TestRunTruncatesOversizedOutput(t *testing.T) {
	s := New(Limits{MaxOutputBytes: 4})
	res := s.Run(context.Background(), func(ctx context.Context) ([]byte, error) {
		return bytes.Repeat([]byte("x"), 10), nil
	})

	require.NoError(t, res.Err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "output", res.Violations[0].Kind)
	assert.Len(t, res.Output, 4)
	// Usage reports the pre-truncation size.
	assert.Equal(t, 10, res.Usage.OutputBytes)
}

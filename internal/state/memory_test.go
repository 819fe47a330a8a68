package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SingleUse(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	token := NewToken()
	require.NoError(t, s.Create(ctx, token, time.Minute))

	ok, err := s.Consume(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)

	// a replayed callback must not validate
	ok, err = s.Consume(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_UnknownState(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ok, err := s.Consume(context.Background(), "never-created")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "short-lived", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	ok, err := s.Consume(ctx, "short-lived")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Count(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.Create(ctx, "a", time.Minute))
	require.NoError(t, s.Create(ctx, "b", time.Minute))

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Consume(ctx, "a")
	require.NoError(t, err)

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "stale", time.Millisecond))
	require.NoError(t, s.Create(ctx, "fresh", time.Minute))
	time.Sleep(5 * time.Millisecond)

	s.sweep()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewToken_Unique(t *testing.T) {
	assert.NotEqual(t, NewToken(), NewToken())
}

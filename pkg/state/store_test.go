package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Holder string `json:"holder"`
	Count  int    `json:"count"`
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	var got record
	found, err := s.Get(ctx, "checkpoint:harvest_diff", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "checkpoint:harvest_diff", record{Holder: "a", Count: 1}))
	found, err = s.Get(ctx, "checkpoint:harvest_diff", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, record{Holder: "a", Count: 1}, got)

	require.NoError(t, s.Set(ctx, "checkpoint:harvest_diff", record{Holder: "a", Count: 2}))
	_, err = s.Get(ctx, "checkpoint:harvest_diff", &got)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)

	ok, err := s.SetNX(ctx, "lock:score", record{Holder: "first"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock:score", record{Holder: "second"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "lock:score", &got)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Holder)

	require.NoError(t, s.Delete(ctx, "lock:score"))
	require.NoError(t, s.Delete(ctx, "lock:score"))
	found, err = s.Get(ctx, "lock:score", &got)
	require.NoError(t, err)
	assert.False(t, found)

	assert.ErrorIs(t, s.Set(ctx, "../escape", record{}), ErrInvalidKey)
	exerciseCompareAndSwap(t, s)
}

func exerciseCompareAndSwap(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	first := record{Holder: "first", Count: 1}

	ok, err := s.CompareAndSet(ctx, "lock:harvest_full", first, record{Holder: "second"})
	require.NoError(t, err)
	assert.False(t, ok, "absent key never matches")

	ok, err = s.SetNX(ctx, "lock:harvest_full", first)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndSet(ctx, "lock:harvest_full", record{Holder: "other", Count: 1}, record{Holder: "second"})
	require.NoError(t, err)
	assert.False(t, ok)

	beat := record{Holder: "first", Count: 2}
	ok, err = s.CompareAndSet(ctx, "lock:harvest_full", first, beat)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndDelete(ctx, "lock:harvest_full", first)
	require.NoError(t, err)
	assert.False(t, ok, "stale value must not delete")

	var got record
	found, err := s.Get(ctx, "lock:harvest_full", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, beat, got)

	ok, err = s.CompareAndDelete(ctx, "lock:harvest_full", beat)
	require.NoError(t, err)
	assert.True(t, ok)
	found, err = s.Get(ctx, "lock:harvest_full", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, Key("cells", "seoul"), []string{"37.50:127.00"}))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	var cells []string
	found, err := second.Get(ctx, Key("cells", "seoul"), &cells)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"37.50:127.00"}, cells)
}

func TestFileStore_CompareAndSetWaitsForGuard(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "lock:score", record{Holder: "a"}))

	guard := s.path("lock:score") + ".guard"
	require.NoError(t, os.WriteFile(guard, []byte("1"), 0o644))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.Remove(guard)
	}()

	ok, err := s.CompareAndSet(ctx, "lock:score", record{Holder: "a"}, record{Holder: "b"})
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = os.Stat(guard)
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_StaleGuardIsBroken(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "lock:score", record{Holder: "a"}))

	guard := s.path("lock:score") + ".guard"
	require.NoError(t, os.WriteFile(guard, []byte("1"), 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(guard, old, old))

	ok, err := s.CompareAndDelete(ctx, "lock:score", record{Holder: "a"})
	require.NoError(t, err)
	assert.True(t, ok)
}

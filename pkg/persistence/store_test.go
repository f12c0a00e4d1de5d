package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *Snapshot {
	snap := NewSnapshot()
	snap.Components["metrics"] = json.RawMessage(`{"entities":{}}`)
	snap.Components["tuner"] = json.RawMessage(`{"values":[]}`)
	return snap
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, sampleSnapshot()))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"entities":{}}`, string(loaded.Components["metrics"]))
	assert.False(t, loaded.SavedAt.IsZero())
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	store := NewFileStore(path)
	ctx := context.Background()

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, sampleSnapshot()))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, loaded.Components, "tuner")

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFileStoreOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot()))

	second := NewSnapshot()
	second.Components["only"] = json.RawMessage(`1`)
	require.NoError(t, store.Save(ctx, second))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Components, 1)
	assert.Contains(t, loaded.Components, "only")
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

type failingStore struct{ err error }

func (f failingStore) Save(context.Context, *Snapshot) error   { return f.err }
func (f failingStore) Load(context.Context) (*Snapshot, error) { return nil, f.err }

func TestBreakerStoreOpensAfterConsecutiveFailures(t *testing.T) {
	inner := failingStore{err: errors.New("backend down")}
	store := NewBreakerStore("test", inner)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := store.Save(ctx, sampleSnapshot())
		assert.EqualError(t, err, "backend down")
	}

	// The breaker is now open and fails fast without hitting the backend.
	err := store.Save(ctx, sampleSnapshot())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, gobreaker.StateOpen, store.State())
}

func TestBreakerStoreNotFoundIsNotAFailure(t *testing.T) {
	store := NewBreakerStore("test", NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, store.State())
}

func TestBreakerStorePassesThroughOnSuccess(t *testing.T) {
	store := NewBreakerStore("test", NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot()))
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, loaded.Components, "metrics")
}

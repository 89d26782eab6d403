package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordConnectCreatesEntry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RecordConnect(ctx, "dev-1", "Front Desk", true))

	e, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Front Desk", e.Name)
	assert.Equal(t, 1, e.ConnectCount)
	assert.Equal(t, 1.0, e.SuccessRate)
	assert.False(t, e.LastConnected.IsZero())
}

func TestSuccessRateRunningAverage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RecordConnect(ctx, "dev-1", "", true))
	require.NoError(t, s.RecordConnect(ctx, "dev-1", "", false))

	e, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 2, e.ConnectCount)
	assert.InDelta(t, 0.8, e.SuccessRate, 1e-9)

	require.NoError(t, s.RecordConnect(ctx, "dev-1", "", true))
	e, err = s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8*0.8+0.2, e.SuccessRate, 1e-9)
}

func TestFailedConnectDoesNotTouchLastConnected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RecordConnect(ctx, "dev-1", "", false))
	e, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, e.LastConnected.IsZero())
	assert.Equal(t, 0.0, e.SuccessRate)
}

func TestNamePreservedWhenOmitted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RecordConnect(ctx, "dev-1", "Front Desk", true))
	require.NoError(t, s.RecordConnect(ctx, "dev-1", "", true))

	e, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Front Desk", e.Name)
}

func TestEvictionKeepsBoundAndFavorites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RecordConnect(ctx, "fav", "", true))
	require.NoError(t, s.SetFavorite(ctx, "fav", true))

	for i := 0; i < MaxEntries+3; i++ {
		require.NoError(t, s.RecordConnect(ctx, fmt.Sprintf("dev-%d", i), "", true))
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, MaxEntries+1, "bound plus the favorite")

	_, err = s.Get(ctx, "fav")
	assert.NoError(t, err, "favorite must survive eviction")

	// The stalest non-favorites are the ones that went.
	for i := 0; i < 3; i++ {
		_, err := s.Get(ctx, fmt.Sprintf("dev-%d", i))
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RecordConnect(ctx, "old", "", true))
	require.NoError(t, s.RecordConnect(ctx, "new", "", true))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].DeviceID)
}

func TestGetUnknownDevice(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetFavorite(context.Background(), "ghost", true), ErrNotFound)
	assert.ErrorIs(t, s.Delete(context.Background(), "ghost"), ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RecordConnect(ctx, "dev-1", "", true))
	require.NoError(t, s.Delete(ctx, "dev-1"))
	_, err := s.Get(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	ctx := context.Background()

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordConnect(ctx, "dev-1", "Front Desk", true))
	require.NoError(t, s.RecordConnect(ctx, "dev-2", "Kitchen", false))
	require.NoError(t, s.SetFavorite(ctx, "dev-1", true))

	// A fresh store over the same file sees everything.
	s2, err := NewFileStore(path)
	require.NoError(t, err)

	e, err := s2.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Front Desk", e.Name)
	assert.True(t, e.Favorite)
	assert.Equal(t, 1.0, e.SuccessRate)

	e, err = s2.Get(ctx, "dev-2")
	require.NoError(t, err)
	assert.Equal(t, 0.0, e.SuccessRate)
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "history.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)

	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore(path)
	assert.Error(t, err)
}

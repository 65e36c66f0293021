package watermark

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cosmasemerah/verify-nft-claim/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state", DefaultFileName))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, 6510001))

	block, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BlockNumber(6510001), block)

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{"lastBlock":"6510001"}`, string(raw))
}

func TestFileStore_SaveOverwritesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, DefaultFileName))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, 10))
	require.NoError(t, store.Save(ctx, 20))

	block, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BlockNumber(20), block)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DefaultFileName, entries[0].Name())
}

func TestFileStore_LoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), DefaultFileName))
	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_LoadMalformed(t *testing.T) {
	testCases := map[string]string{
		"not json":      `lastBlock=12`,
		"missing field": `{}`,
		"numeric field": `{"lastBlock":12}`,
		"negative":      `{"lastBlock":"-4"}`,
		"non decimal":   `{"lastBlock":"0x10"}`,
	}
	for name, content := range testCases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultFileName)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, err := NewFileStore(path).Load(context.Background())
			assert.Error(t, err)
			assert.NotErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStore_AcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	first := NewFileStore(path)
	second := NewFileStore(path)

	release, err := first.Acquire(context.Background())
	require.NoError(t, err)

	_, err = second.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrLocked)

	release()

	release2, err := second.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestNewFileStore_DefaultPath(t *testing.T) {
	assert.Equal(t, DefaultFileName, NewFileStore("").Path())
}

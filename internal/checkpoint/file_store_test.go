package checkpoint_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/testutil"
)

// createTestStore creates a file store rooted in a temporary directory and
// returns it with its root.
func createTestStore(t *testing.T) (*checkpoint.FileStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), checkpoint.TestDir)
	return checkpoint.NewFileStore(dir, checkpoint.WithFileLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))), dir
}

func TestFileStore_SaveWritesNetworkScopedFile(t *testing.T) {
	s, root := createTestStore(t)
	cp := testutil.CreateCheckpointWithState(testutil.CheckpointState{Network: "hedera-testnet"})

	require.NoError(t, s.Save(context.Background(), cp))

	path := filepath.Join(root, "hedera-testnet", cp.ID+".json")
	_, err := os.Stat(path)
	assert.NoError(t, err, "expected record at %s", path)
}

func TestFileStore_LoadMissing(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.Load(context.Background(), "hardhat-1")
	assert.True(t, errors.Is(err, checkpoint.ErrNotFound))
}

func TestFileStore_LoadCorruptFailsLoudly(t *testing.T) {
	s, root := createTestStore(t)
	dir := filepath.Join(root, "hardhat")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hardhat-42.json"), []byte("{not json"), 0o644))

	_, err := s.Load(context.Background(), "hardhat-42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrCorrupt))
	assert.False(t, errors.Is(err, checkpoint.ErrNotFound))
}

func TestFileStore_LoadRejectsMismatchedID(t *testing.T) {
	s, root := createTestStore(t)
	cp := testutil.CreateCheckpointWithState(testutil.CheckpointState{})
	require.NoError(t, s.Save(context.Background(), cp))

	src := filepath.Join(root, "hardhat", cp.ID+".json")
	dst := filepath.Join(root, "hardhat", "hardhat-7.json")
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0o644))

	_, err = s.Load(context.Background(), "hardhat-7")
	assert.True(t, errors.Is(err, checkpoint.ErrCorrupt))
}

func TestFileStore_ListIgnoresTempFiles(t *testing.T) {
	s, root := createTestStore(t)
	ctx := context.Background()
	cp := testutil.CreateCheckpointWithState(testutil.CheckpointState{})
	require.NoError(t, s.Save(ctx, cp))
	require.NoError(t, os.WriteFile(filepath.Join(root, "hardhat", ".checkpoint-123"), []byte("partial"), 0o644))

	got, err := s.List(ctx, "hardhat")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cp.ID, got[0].ID)
}

func TestFileStore_ListUnknownNetworkIsEmpty(t *testing.T) {
	s, _ := createTestStore(t)
	got, err := s.List(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStore_DeleteIdempotent(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	cp := testutil.CreateCheckpointWithState(testutil.CheckpointState{})
	require.NoError(t, s.Save(ctx, cp))

	require.NoError(t, s.Delete(ctx, cp.ID))
	require.NoError(t, s.Delete(ctx, cp.ID))
	require.NoError(t, s.Delete(ctx, "hardhat-999"))

	_, err := s.Load(ctx, cp.ID)
	assert.True(t, errors.Is(err, checkpoint.ErrNotFound))
}

func TestFileStore_SaveOverwrites(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	cp := testutil.CreateCheckpointWithState(testutil.CheckpointState{})
	require.NoError(t, s.Save(ctx, cp))

	cp.CurrentStep = 3
	cp.Steps.Facets["ERC20Facet"] = testutil.Contract(9)
	require.NoError(t, s.Save(ctx, cp))

	got, err := s.Load(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentStep)
	assert.Len(t, got.Steps.Facets, 1)
}

func TestFileStore_LoadMalformedIDIsNotFound(t *testing.T) {
	s, _ := createTestStore(t)
	for _, id := range []string{"bogus", "does-not-exist", "-1", ""} {
		_, err := s.Load(context.Background(), id)
		assert.True(t, errors.Is(err, checkpoint.ErrNotFound), "id %q: %v", id, err)
	}
	assert.NoError(t, s.Delete(context.Background(), "bogus"))
}

func TestFileStore_ListSkipsCorruptRecord(t *testing.T) {
	s, root := createTestStore(t)
	ctx := context.Background()
	cp := testutil.CreateCheckpointWithState(testutil.CheckpointState{})
	require.NoError(t, s.Save(ctx, cp))
	require.NoError(t, os.WriteFile(filepath.Join(root, "hardhat", "hardhat-42.json"), []byte("{not json"), 0o644))

	got, err := s.List(ctx, "hardhat")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cp.ID, got[0].ID)

	// Load stays loud for the same record.
	_, err = s.Load(ctx, "hardhat-42")
	assert.True(t, errors.Is(err, checkpoint.ErrCorrupt))
}

package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_Write(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, WithPrefix("snap-1"))

	err := r.Write(context.Background(), "datasets/outages.parquet", strings.NewReader("data"))
	require.NoError(t, err)

	path := filepath.Join(dir, "snap-1", "datasets", "outages.parquet")
	assert.Equal(t, path, r.Path("datasets/outages.parquet"))

	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(bs))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, r.Write(context.Background(), "datasets/outages.parquet", strings.NewReader("new")))
		bs, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "new", string(bs))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := r.Write(ctx, "other", strings.NewReader("x"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

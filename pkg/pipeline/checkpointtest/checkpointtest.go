// Package checkpointtest verifies that a pipeline.Checkpointer honours the
// contract the pipeline relies on.
package checkpointtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/radar-etl/pkg/pipeline"
)

// Run exercises c with datasets whose names start with prefix so that a
// shared backend can be tested more than once.
func Run(t *testing.T, c pipeline.Checkpointer, prefix string) {
	t.Helper()
	ctx := context.Background()
	name := prefix + "http_requests"

	// millisecond precision is the lowest common denominator of the backends
	windowEnd := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	updatedAt := time.Date(2024, 1, 2, 0, 5, 1, 123000000, time.UTC)

	t.Run("load missing", func(t *testing.T) {
		cp, err := c.Load(ctx, name)
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("save and load", func(t *testing.T) {
		require.NoError(t, c.Save(ctx, &pipeline.Checkpoint{
			Dataset:   name,
			WindowEnd: windowEnd,
			Offset:    4096,
			Rows:      200,
			RunID:     "run-1",
			UpdatedAt: updatedAt,
		}))

		cp, err := c.Load(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, name, cp.Dataset)
		assert.True(t, cp.WindowEnd.Equal(windowEnd), "window_end %s", cp.WindowEnd)
		assert.Equal(t, int64(4096), cp.Offset)
		assert.Equal(t, int64(200), cp.Rows)
		assert.Equal(t, "run-1", cp.RunID)
		assert.True(t, cp.UpdatedAt.Equal(updatedAt), "updated_at %s", cp.UpdatedAt)
	})

	t.Run("save replaces", func(t *testing.T) {
		require.NoError(t, c.Save(ctx, &pipeline.Checkpoint{
			Dataset:   name,
			WindowEnd: windowEnd.Add(24 * time.Hour),
			Offset:    8192,
			Rows:      400,
			RunID:     "run-2",
			UpdatedAt: updatedAt.Add(24 * time.Hour),
		}))

		cp, err := c.Load(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.True(t, cp.WindowEnd.Equal(windowEnd.Add(24*time.Hour)))
		assert.Equal(t, int64(8192), cp.Offset)
		assert.Equal(t, "run-2", cp.RunID)
	})

	t.Run("datasets are independent", func(t *testing.T) {
		other := prefix + "outages"
		require.NoError(t, c.Save(ctx, &pipeline.Checkpoint{
			Dataset:   other,
			WindowEnd: windowEnd,
			RunID:     "run-3",
			UpdatedAt: updatedAt,
		}))

		cp, err := c.Load(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, "run-2", cp.RunID)

		if lister, ok := c.(pipeline.Lister); ok {
			all, err := lister.List(ctx)
			require.NoError(t, err)
			var names []string
			for _, cp := range all {
				names = append(names, cp.Dataset)
			}
			assert.Contains(t, names, name)
			assert.Contains(t, names, other)
		}

		require.NoError(t, c.Delete(ctx, other))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, c.Delete(ctx, name))
		// deleting twice is not an error
		require.NoError(t, c.Delete(ctx, name))

		cp, err := c.Load(ctx, name)
		require.NoError(t, err)
		assert.Nil(t, cp)
	})
}

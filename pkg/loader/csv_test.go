package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/radar-etl/pkg/dataset"
)

func testDescriptor() dataset.Descriptor {
	return dataset.Descriptor{
		Name:      "http_requests",
		Endpoint:  "http/top/locations",
		ResultKey: "top_0",
		Fields: []dataset.Field{
			{Name: "country", Path: "clientCountryAlpha2", Type: dataset.TypeString},
			{Name: "value", Path: "value", Type: dataset.TypeNumber},
		},
	}
}

func rows(d dataset.Descriptor, values ...[]string) []*dataset.Record {
	out := make([]*dataset.Record, 0, len(values))
	for _, v := range values {
		out = append(out, dataset.NewRecord(d.Columns(), v))
	}
	return out
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestCSV_Append_WritesHeaderOnce(t *testing.T) {
	d := testDescriptor()
	l := New(t.TempDir())
	ctx := context.Background()

	first, err := l.Append(ctx, d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "12.5"},
	))
	require.NoError(t, err)

	second, err := l.Append(ctx, d, rows(d,
		[]string{"2024-01-02T00:00:00Z", "2024-01-03T00:00:00Z", "DE", "7"},
		[]string{"2024-01-02T00:00:00Z", "2024-01-03T00:00:00Z", "BR", "3.25"},
	))
	require.NoError(t, err)
	assert.Greater(t, second, first)

	info, err := os.Stat(l.Path(d))
	require.NoError(t, err)
	assert.Equal(t, second, info.Size())

	assert.Equal(t, [][]string{
		{"window_start", "window_end", "country", "value"},
		{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "12.5"},
		{"2024-01-02T00:00:00Z", "2024-01-03T00:00:00Z", "DE", "7"},
		{"2024-01-02T00:00:00Z", "2024-01-03T00:00:00Z", "BR", "3.25"},
	}, readCSV(t, l.Path(d)))
}

func TestCSV_Append_CreatesDirectory(t *testing.T) {
	d := testDescriptor()
	dir := filepath.Join(t.TempDir(), "nested", "out")
	l := New(dir)

	_, err := l.Append(context.Background(), d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "1"},
	))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "http_requests.csv"))
}

func TestCSV_Append_EmptyFileGetsHeader(t *testing.T) {
	d := testDescriptor()
	dir := t.TempDir()
	l := New(dir)
	require.NoError(t, os.WriteFile(l.Path(d), nil, 0644))

	_, err := l.Append(context.Background(), d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "1"},
	))
	require.NoError(t, err)

	records := readCSV(t, l.Path(d))
	require.Len(t, records, 2)
	assert.Equal(t, d.Columns(), records[0])
}

func TestCSV_Append_NoRows(t *testing.T) {
	d := testDescriptor()
	l := New(t.TempDir())

	_, err := l.Append(context.Background(), d, nil)
	assert.ErrorIs(t, err, ErrNoRows)
	assert.NoFileExists(t, l.Path(d))
}

func TestCSV_Append_QuotesValues(t *testing.T) {
	d := testDescriptor()
	l := New(t.TempDir())

	_, err := l.Append(context.Background(), d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "Korea, Republic of", "1"},
	))
	require.NoError(t, err)

	records := readCSV(t, l.Path(d))
	assert.Equal(t, "Korea, Republic of", records[1][2])
}

func TestCSV_Append_RowShapeMismatch(t *testing.T) {
	d := testDescriptor()
	l := New(t.TempDir())

	bad := []*dataset.Record{dataset.NewRecord([]string{"country"}, []string{"US"})}
	_, err := l.Append(context.Background(), d, bad)
	assert.Error(t, err)
	assert.NoFileExists(t, l.Path(d))
}

func TestCSV_Append_HeaderMismatch(t *testing.T) {
	d := testDescriptor()
	l := New(t.TempDir())
	require.NoError(t, os.WriteFile(l.Path(d), []byte("a,b\n1,2\n"), 0644))

	_, err := l.Append(context.Background(), d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "1"},
	))

	var pe *PersistError
	require.True(t, errors.As(err, &pe))
	assert.False(t, pe.Timeout)
	assert.ErrorIs(t, err, ErrHeaderMismatch)
}

func TestCSV_Append_UnwritableDirectory(t *testing.T) {
	d := testDescriptor()
	dir := t.TempDir()
	// a regular file where the output directory should be
	blocker := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	l := New(blocker)

	_, err := l.Append(context.Background(), d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "1"},
	))

	var pe *PersistError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "http_requests", pe.Dataset)
	assert.False(t, pe.Timeout)
}

func TestCSV_Append_Timeout(t *testing.T) {
	d := testDescriptor()
	l := New(t.TempDir(), WithWriteTimeout(time.Nanosecond))

	// hold the dataset's lock so the write cannot proceed
	lock := l.lock(l.Path(d))
	lock.Lock()

	_, err := l.Append(context.Background(), d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "1"},
	))

	var pe *PersistError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release(t, lock, l.Path(d))
}

func TestCSV_Append_Cancelled(t *testing.T) {
	d := testDescriptor()
	l := New(t.TempDir())

	lock := l.lock(l.Path(d))
	lock.Lock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Append(ctx, d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "1"},
	))

	var pe *PersistError
	require.True(t, errors.As(err, &pe))
	assert.False(t, pe.Timeout)
	assert.ErrorIs(t, err, context.Canceled)

	release(t, lock, l.Path(d))
}

// release lets an abandoned write finish before the test directory is
// removed.
func release(t *testing.T, lock *sync.Mutex, path string) {
	t.Helper()
	lock.Unlock()
	require.Eventually(t, func() bool {
		info, err := os.Stat(path)
		return err == nil && info.Size() > 0
	}, time.Second, time.Millisecond)
	lock.Lock()
	lock.Unlock()
}

func TestCSV_Recover(t *testing.T) {
	d := testDescriptor()
	l := New(t.TempDir())
	ctx := context.Background()

	offset, err := l.Append(ctx, d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "1"},
	))
	require.NoError(t, err)

	// rows persisted without a matching checkpoint
	_, err = l.Append(ctx, d, rows(d,
		[]string{"2024-01-02T00:00:00Z", "2024-01-03T00:00:00Z", "US", "2"},
	))
	require.NoError(t, err)

	removed, err := l.Recover(ctx, d, offset)
	require.NoError(t, err)
	assert.Greater(t, removed, int64(0))

	assert.Equal(t, [][]string{
		{"window_start", "window_end", "country", "value"},
		{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "1"},
	}, readCSV(t, l.Path(d)))
}

func TestCSV_Recover_ToHeader(t *testing.T) {
	d := testDescriptor()
	l := New(t.TempDir())
	ctx := context.Background()

	// a missing file stays missing
	removed, err := l.Recover(ctx, d, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
	assert.NoFileExists(t, l.Path(d))

	_, err = l.Append(ctx, d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "1"},
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "GB", "2"},
	))
	require.NoError(t, err)

	removed, err = l.Recover(ctx, d, 0)
	require.NoError(t, err)
	assert.Greater(t, removed, int64(0))
	assert.Equal(t, [][]string{
		{"window_start", "window_end", "country", "value"},
	}, readCSV(t, l.Path(d)))

	// header only: nothing left to remove
	removed, err = l.Recover(ctx, d, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	offset, err := l.Append(ctx, d, rows(d,
		[]string{"2024-01-02T00:00:00Z", "2024-01-03T00:00:00Z", "US", "3"},
	))
	require.NoError(t, err)
	info, err := os.Stat(l.Path(d))
	require.NoError(t, err)
	assert.Equal(t, offset, info.Size())
	assert.Len(t, readCSV(t, l.Path(d)), 2)
}

func TestCSV_Recover_NothingToDo(t *testing.T) {
	d := testDescriptor()
	l := New(t.TempDir())
	ctx := context.Background()

	removed, err := l.Recover(ctx, d, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	offset, err := l.Append(ctx, d, rows(d,
		[]string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "US", "1"},
	))
	require.NoError(t, err)

	removed, err = l.Recover(ctx, d, offset)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	// a file shorter than the checkpoint is left alone
	removed, err = l.Recover(ctx, d, offset+100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	info, err := os.Stat(l.Path(d))
	require.NoError(t, err)
	assert.Equal(t, offset, info.Size())
}

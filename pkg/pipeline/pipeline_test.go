package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/turbolytics/radar-etl/pkg/dataset"
	"github.com/turbolytics/radar-etl/pkg/loader"
	"github.com/turbolytics/radar-etl/pkg/radar"
	"github.com/turbolytics/radar-etl/pkg/radar/radartest"
)

var day = 24 * time.Hour

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func httpRequests(t *testing.T) dataset.Descriptor {
	t.Helper()
	d, ok := dataset.Builtin("http_requests")
	require.True(t, ok)
	return d
}

// stubFetcher returns n records per window and records the windows it was
// asked for. failOn maps a window start to the error returned for it.
type stubFetcher struct {
	mu      sync.Mutex
	n       int
	failOn  map[time.Time]error
	windows []dataset.Window
	hook    func(w dataset.Window)
}

func (f *stubFetcher) Fetch(ctx context.Context, d dataset.Descriptor, w dataset.Window) ([]dataset.RawRecord, error) {
	f.mu.Lock()
	f.windows = append(f.windows, w)
	f.mu.Unlock()

	if f.hook != nil {
		f.hook(w)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.failOn[w.Start]; ok {
		return nil, err
	}

	out := make([]dataset.RawRecord, 0, f.n)
	for i := 0; i < f.n; i++ {
		out = append(out, dataset.RawRecord(fmt.Sprintf(
			`{"clientCountryAlpha2":"US","clientCountryName":"United States","value":"%d"}`, i,
		)))
	}
	return out, nil
}

func (f *stubFetcher) starts() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, 0, len(f.windows))
	for _, w := range f.windows {
		out = append(out, w.Start)
	}
	return out
}

// recordingCheckpointer remembers every saved checkpoint and can be told to
// fail the nth save.
type recordingCheckpointer struct {
	*MemoryCheckpointer
	mu     sync.Mutex
	saved  []Checkpoint
	failAt int
}

func (r *recordingCheckpointer) Save(ctx context.Context, cp *Checkpoint) error {
	r.mu.Lock()
	n := len(r.saved) + 1
	r.mu.Unlock()
	if r.failAt != 0 && n == r.failAt {
		r.failAt = 0
		return errors.New("checkpoint store unavailable")
	}
	if err := r.MemoryCheckpointer.Save(ctx, cp); err != nil {
		return err
	}
	r.mu.Lock()
	r.saved = append(r.saved, *cp)
	r.mu.Unlock()
	return nil
}

type failingLoader struct {
	err error
}

func (l *failingLoader) Append(ctx context.Context, d dataset.Descriptor, rows []*dataset.Record) (int64, error) {
	return 0, l.err
}

func (l *failingLoader) Recover(ctx context.Context, d dataset.Descriptor, offset int64) (int64, error) {
	return 0, nil
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func countByWindowStart(rows [][]string) map[string]int {
	counts := map[string]int{}
	for _, r := range rows[1:] {
		counts[r[0]]++
	}
	return counts
}

func TestPipeline_EndToEnd(t *testing.T) {
	srv, api := radartest.NewServer(radartest.WithRecords(200), radartest.WithToken("secret"))
	defer srv.Close()

	client := radar.New(
		radar.WithBaseURL(srv.URL),
		radar.WithToken("secret"),
		radar.WithRateLimit(0),
		radar.WithPageSize(100),
	)

	dir := t.TempDir()
	csvLoader := loader.New(dir)
	checkpointer := NewFilesystemCheckpointer(dir+"/.checkpoints", nil)
	d := httpRequests(t)

	p, err := New(d,
		WithFetcher(client),
		WithLoader(csvLoader),
		WithCheckpointer(checkpointer),
		WithWindow(date("2024-01-01"), date("2024-01-02"), day),
	)
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, StateDone, p.State.Current())
	assert.Len(t, api.Requests(), 2)

	rows := readRows(t, csvLoader.Path(d))
	require.Len(t, rows, 201)
	assert.Equal(t, d.Columns(), rows[0])

	cp, err := checkpointer.Load(context.Background(), "http_requests")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.WindowEnd.Equal(date("2024-01-02")))
	assert.Equal(t, int64(200), cp.Rows)
	assert.Equal(t, p.RunID(), cp.RunID)

	info, err := os.Stat(csvLoader.Path(d))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), cp.Offset)

	stats := p.Stats()
	assert.Equal(t, 1, stats.WindowsDone)
	assert.Equal(t, int64(200), stats.RowsWritten)
	assert.Equal(t, int64(200), stats.RecordsFetched)
}

func TestPipeline_CheckpointsAreMonotonic(t *testing.T) {
	d := httpRequests(t)
	checkpointer := &recordingCheckpointer{MemoryCheckpointer: NewMemoryCheckpointer()}

	p, err := New(d,
		WithFetcher(&stubFetcher{n: 3}),
		WithLoader(loader.New(t.TempDir())),
		WithCheckpointer(checkpointer),
		WithWindow(date("2024-01-01"), date("2024-01-04"), day),
	)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	require.Len(t, checkpointer.saved, 3)
	for i, cp := range checkpointer.saved {
		assert.True(t, cp.WindowEnd.Equal(date("2024-01-02").Add(time.Duration(i)*day)))
		assert.Equal(t, int64(3*(i+1)), cp.Rows)
		if i > 0 {
			assert.True(t, cp.WindowEnd.After(checkpointer.saved[i-1].WindowEnd))
			assert.Greater(t, cp.Offset, checkpointer.saved[i-1].Offset)
		}
	}
}

func TestPipeline_CrashBetweenPersistAndCheckpoint(t *testing.T) {
	d := httpRequests(t)
	dir := t.TempDir()
	store := NewMemoryCheckpointer()
	csvLoader := loader.New(dir)

	// first run: the second window is persisted but its checkpoint is lost
	first, err := New(d,
		WithFetcher(&stubFetcher{n: 2}),
		WithLoader(csvLoader),
		WithCheckpointer(&recordingCheckpointer{MemoryCheckpointer: store, failAt: 2}),
		WithWindow(date("2024-01-01"), date("2024-01-04"), day),
	)
	require.NoError(t, err)

	err = first.Run(context.Background())
	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, KindCheckpoint, runErr.Kind)
	assert.True(t, runErr.Window.Start.Equal(date("2024-01-02")))
	require.NotNil(t, runErr.LastCheckpoint)
	assert.True(t, runErr.LastCheckpoint.WindowEnd.Equal(date("2024-01-02")))
	assert.Equal(t, StateFailed, first.State.Current())

	counts := countByWindowStart(readRows(t, csvLoader.Path(d)))
	assert.Equal(t, 2, counts["2024-01-02T00:00:00Z"])

	// rerun: exactly the unacknowledged window is reprocessed
	fetcher := &stubFetcher{n: 2}
	second, err := New(d,
		WithFetcher(fetcher),
		WithLoader(csvLoader),
		WithCheckpointer(store),
		WithWindow(date("2024-01-01"), date("2024-01-04"), day),
	)
	require.NoError(t, err)
	require.NoError(t, second.Run(context.Background()))

	assert.Equal(t, []time.Time{date("2024-01-02"), date("2024-01-03")}, fetcher.starts())
	assert.Equal(t, map[string]int{
		"2024-01-01T00:00:00Z": 2,
		"2024-01-02T00:00:00Z": 2,
		"2024-01-03T00:00:00Z": 2,
	}, countByWindowStart(readRows(t, csvLoader.Path(d))))

	cp, err := store.Load(context.Background(), d.Name)
	require.NoError(t, err)
	assert.True(t, cp.WindowEnd.Equal(date("2024-01-04")))
	assert.Equal(t, int64(6), cp.Rows)
}

func TestPipeline_CrashBeforeFirstCheckpoint(t *testing.T) {
	d := httpRequests(t)
	dir := t.TempDir()
	store := NewMemoryCheckpointer()
	csvLoader := loader.New(dir)

	// first run: the first window is persisted but no checkpoint exists yet
	first, err := New(d,
		WithFetcher(&stubFetcher{n: 2}),
		WithLoader(csvLoader),
		WithCheckpointer(&recordingCheckpointer{MemoryCheckpointer: store, failAt: 1}),
		WithWindow(date("2024-01-01"), date("2024-01-03"), day),
	)
	require.NoError(t, err)

	err = first.Run(context.Background())
	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, KindCheckpoint, runErr.Kind)
	assert.Nil(t, runErr.LastCheckpoint)
	assert.Equal(t, map[string]int{"2024-01-01T00:00:00Z": 2}, countByWindowStart(readRows(t, csvLoader.Path(d))))

	second, err := New(d,
		WithFetcher(&stubFetcher{n: 2}),
		WithLoader(csvLoader),
		WithCheckpointer(store),
		WithWindow(date("2024-01-01"), date("2024-01-03"), day),
	)
	require.NoError(t, err)
	require.NoError(t, second.Run(context.Background()))

	assert.Greater(t, second.Stats().BytesRecovered, int64(0))
	assert.Equal(t, map[string]int{
		"2024-01-01T00:00:00Z": 2,
		"2024-01-02T00:00:00Z": 2,
	}, countByWindowStart(readRows(t, csvLoader.Path(d))))
}

func TestPipeline_CrashAfterEmptyLeadingWindows(t *testing.T) {
	d := httpRequests(t)
	dir := t.TempDir()
	store := NewMemoryCheckpointer()
	csvLoader := loader.New(dir)

	fetcher := &stubFetcher{n: 0}
	fetcher.hook = func(w dataset.Window) {
		if w.Start.Equal(date("2024-01-02")) {
			fetcher.n = 2
		}
	}

	// the empty first window is checkpointed with offset 0, the second is
	// persisted and its checkpoint is lost
	first, err := New(d,
		WithFetcher(fetcher),
		WithLoader(csvLoader),
		WithCheckpointer(&recordingCheckpointer{MemoryCheckpointer: store, failAt: 2}),
		WithWindow(date("2024-01-01"), date("2024-01-03"), day),
	)
	require.NoError(t, err)
	require.Error(t, first.Run(context.Background()))

	cp, err := store.Load(context.Background(), d.Name)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.Offset)

	second, err := New(d,
		WithFetcher(&stubFetcher{n: 2}),
		WithLoader(csvLoader),
		WithCheckpointer(store),
		WithWindow(date("2024-01-01"), date("2024-01-03"), day),
	)
	require.NoError(t, err)
	require.NoError(t, second.Run(context.Background()))

	assert.Equal(t, map[string]int{
		"2024-01-02T00:00:00Z": 2,
	}, countByWindowStart(readRows(t, csvLoader.Path(d))))
}

func TestPipeline_FetchFailuresAbort(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{
			name: "permanent",
			err:  &radar.FetchError{Kind: radar.Permanent, StatusCode: 400, Err: errors.New("bad request")},
			kind: KindPermanent,
		},
		{
			name: "transient_after_retries",
			err:  &radar.FetchError{Kind: radar.Transient, StatusCode: 503, Attempts: 5, Err: errors.New("unavailable")},
			kind: KindTransient,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := httpRequests(t)
			store := NewMemoryCheckpointer()
			fetcher := &stubFetcher{n: 1, failOn: map[time.Time]error{date("2024-01-02"): tc.err}}

			p, err := New(d,
				WithFetcher(fetcher),
				WithLoader(loader.New(t.TempDir())),
				WithCheckpointer(store),
				WithWindow(date("2024-01-01"), date("2024-01-04"), day),
			)
			require.NoError(t, err)

			err = p.Run(context.Background())
			var runErr *RunError
			require.True(t, errors.As(err, &runErr))
			assert.Equal(t, tc.kind, runErr.Kind)
			assert.Equal(t, "http_requests", runErr.Dataset)
			assert.True(t, runErr.Window.Start.Equal(date("2024-01-02")))
			assert.Contains(t, err.Error(), "http_requests")
			assert.Contains(t, err.Error(), string(tc.kind))
			assert.ErrorIs(t, err, tc.err)

			// no later window is attempted
			assert.Len(t, fetcher.starts(), 2)

			cp, err := store.Load(context.Background(), d.Name)
			require.NoError(t, err)
			assert.True(t, cp.WindowEnd.Equal(date("2024-01-02")))
			assert.Equal(t, cp, runErr.LastCheckpoint)
		})
	}
}

type rawFetcher struct {
	records []dataset.RawRecord
}

func (f *rawFetcher) Fetch(ctx context.Context, d dataset.Descriptor, w dataset.Window) ([]dataset.RawRecord, error) {
	return f.records, nil
}

func TestPipeline_SchemaErrorAborts(t *testing.T) {
	d := httpRequests(t)
	store := NewMemoryCheckpointer()
	csvLoader := loader.New(t.TempDir())

	p, err := New(d,
		WithFetcher(&rawFetcher{records: []dataset.RawRecord{
			`{"clientCountryAlpha2":"US","clientCountryName":"United States","value":"1"}`,
			`{"clientCountryAlpha2":"DE","clientCountryName":"Germany"}`,
		}}),
		WithLoader(csvLoader),
		WithCheckpointer(store),
		WithWindow(date("2024-01-01"), date("2024-01-02"), day),
	)
	require.NoError(t, err)

	err = p.Run(context.Background())
	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, KindSchema, runErr.Kind)
	assert.Nil(t, runErr.LastCheckpoint)

	var schemaErr *dataset.SchemaError
	assert.True(t, errors.As(err, &schemaErr))

	// no partial load
	assert.NoFileExists(t, csvLoader.Path(d))
	cp, err := store.Load(context.Background(), d.Name)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestPipeline_PersistErrorAborts(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{
			name: "io_failure",
			err:  &loader.PersistError{Dataset: "http_requests", Op: "write", Err: errors.New("disk full")},
			kind: KindPersist,
		},
		{
			name: "write_timeout",
			err:  &loader.PersistError{Dataset: "http_requests", Op: "append", Timeout: true, Err: context.DeadlineExceeded},
			kind: KindTransient,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := httpRequests(t)
			store := NewMemoryCheckpointer()

			p, err := New(d,
				WithFetcher(&stubFetcher{n: 1}),
				WithLoader(&failingLoader{err: tc.err}),
				WithCheckpointer(store),
				WithWindow(date("2024-01-01"), date("2024-01-02"), day),
			)
			require.NoError(t, err)

			err = p.Run(context.Background())
			var runErr *RunError
			require.True(t, errors.As(err, &runErr))
			assert.Equal(t, tc.kind, runErr.Kind)

			cp, err := store.Load(context.Background(), d.Name)
			require.NoError(t, err)
			assert.Nil(t, cp)
		})
	}
}

func TestPipeline_Cancelled(t *testing.T) {
	d := httpRequests(t)
	store := NewMemoryCheckpointer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &stubFetcher{n: 1}
	fetcher.hook = func(w dataset.Window) {
		if w.Start.Equal(date("2024-01-02")) {
			cancel()
		}
	}

	p, err := New(d,
		WithFetcher(fetcher),
		WithLoader(loader.New(t.TempDir())),
		WithCheckpointer(store),
		WithWindow(date("2024-01-01"), date("2024-01-04"), day),
	)
	require.NoError(t, err)

	err = p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, KindCanceled, runErr.Kind)

	cp, err := store.Load(context.Background(), d.Name)
	require.NoError(t, err)
	assert.True(t, cp.WindowEnd.Equal(date("2024-01-02")))
}

func TestPipeline_Resume(t *testing.T) {
	d := httpRequests(t)

	seed := func(t *testing.T) *MemoryCheckpointer {
		store := NewMemoryCheckpointer()
		require.NoError(t, store.Save(context.Background(), &Checkpoint{
			Dataset:   d.Name,
			WindowEnd: date("2024-01-03"),
		}))
		return store
	}

	t.Run("from_checkpoint", func(t *testing.T) {
		fetcher := &stubFetcher{n: 1}
		p, err := New(d,
			WithFetcher(fetcher),
			WithLoader(loader.New(t.TempDir())),
			WithCheckpointer(seed(t)),
			WithWindow(date("2024-01-01"), date("2024-01-05"), day),
		)
		require.NoError(t, err)
		require.NoError(t, p.Run(context.Background()))
		assert.Equal(t, []time.Time{date("2024-01-03"), date("2024-01-04")}, fetcher.starts())
	})

	t.Run("disabled", func(t *testing.T) {
		fetcher := &stubFetcher{n: 1}
		store := seed(t)
		p, err := New(d,
			WithFetcher(fetcher),
			WithLoader(loader.New(t.TempDir())),
			WithCheckpointer(store),
			WithWindow(date("2024-01-01"), date("2024-01-03"), day),
			WithResume(false),
		)
		require.NoError(t, err)
		require.NoError(t, p.Run(context.Background()))
		assert.Equal(t, []time.Time{date("2024-01-01"), date("2024-01-02")}, fetcher.starts())

		cp, err := store.Load(context.Background(), d.Name)
		require.NoError(t, err)
		assert.Equal(t, p.RunID(), cp.RunID)
	})

	t.Run("up_to_date", func(t *testing.T) {
		fetcher := &stubFetcher{n: 1}
		p, err := New(d,
			WithFetcher(fetcher),
			WithLoader(loader.New(t.TempDir())),
			WithCheckpointer(seed(t)),
			WithWindow(date("2024-01-01"), date("2024-01-03"), day),
		)
		require.NoError(t, err)
		require.NoError(t, p.Run(context.Background()))
		assert.Empty(t, fetcher.starts())
		assert.Equal(t, StateDone, p.State.Current())
	})
}

func TestPipeline_EmptyWindowAdvancesCheckpoint(t *testing.T) {
	d := httpRequests(t)
	store := NewMemoryCheckpointer()
	csvLoader := loader.New(t.TempDir())

	p, err := New(d,
		WithFetcher(&stubFetcher{n: 0}),
		WithLoader(csvLoader),
		WithCheckpointer(store),
		WithWindow(date("2024-01-01"), date("2024-01-03"), day),
	)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	cp, err := store.Load(context.Background(), d.Name)
	require.NoError(t, err)
	assert.True(t, cp.WindowEnd.Equal(date("2024-01-03")))
	assert.Equal(t, int64(0), cp.Offset)
	assert.NoFileExists(t, csvLoader.Path(d))
}

func TestPipeline_RunTwice(t *testing.T) {
	p, err := New(httpRequests(t),
		WithFetcher(&stubFetcher{n: 1}),
		WithLoader(loader.New(t.TempDir())),
		WithWindow(date("2024-01-01"), date("2024-01-02"), day),
	)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	assert.ErrorIs(t, p.Run(context.Background()), ErrInvalidTransition)
}

func TestNew_Validation(t *testing.T) {
	d := httpRequests(t)
	l := loader.New(t.TempDir())
	f := &stubFetcher{}
	start := date("2024-01-01")

	_, err := New(d, WithLoader(l), WithWindow(start, time.Time{}, day))
	assert.ErrorIs(t, err, ErrNoFetcher)

	_, err = New(d, WithFetcher(f), WithWindow(start, time.Time{}, day))
	assert.ErrorIs(t, err, ErrNoLoader)

	_, err = New(d, WithFetcher(f), WithLoader(l))
	assert.ErrorIs(t, err, ErrNoStart)

	_, err = New(d, WithFetcher(f), WithLoader(l), WithWindow(start, time.Time{}, 0))
	assert.ErrorIs(t, err, dataset.ErrInvalidWindowLen)

	_, err = New(dataset.Descriptor{Name: "broken"}, WithFetcher(f), WithLoader(l), WithWindow(start, time.Time{}, day))
	assert.ErrorIs(t, err, dataset.ErrInvalidDescriptor)

	p, err := New(d, WithFetcher(f), WithLoader(l), WithWindow(start, time.Time{}, day))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, p.State.Current())
	assert.NotEmpty(t, p.RunID())
}

func TestRunner_CombinesFailures(t *testing.T) {
	ok, err := New(httpRequests(t),
		WithFetcher(&stubFetcher{n: 1}),
		WithLoader(loader.New(t.TempDir())),
		WithWindow(date("2024-01-01"), date("2024-01-03"), day),
	)
	require.NoError(t, err)

	dns, found := dataset.Builtin("dns_queries")
	require.True(t, found)
	broken, err := New(dns,
		WithFetcher(&stubFetcher{n: 1, failOn: map[time.Time]error{
			date("2024-01-01"): &radar.FetchError{Kind: radar.Permanent, StatusCode: 404},
		}}),
		WithLoader(loader.New(t.TempDir())),
		WithWindow(date("2024-01-01"), date("2024-01-03"), day),
	)
	require.NoError(t, err)

	err = NewRunner([]*Pipeline{ok, broken}).Run(context.Background())
	require.Error(t, err)

	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	var runErr *RunError
	require.True(t, errors.As(errs[0], &runErr))
	assert.Equal(t, "dns_queries", runErr.Dataset)

	assert.Equal(t, StateDone, ok.State.Current())
	assert.Equal(t, StateFailed, broken.State.Current())
}

func TestRunError_Message(t *testing.T) {
	err := &RunError{
		Dataset: "outages",
		Window:  dataset.Window{Start: date("2024-01-01"), End: date("2024-01-02")},
		Kind:    KindTransient,
		LastCheckpoint: &Checkpoint{
			WindowEnd: date("2024-01-01"),
		},
		Err: errors.New("boom"),
	}
	assert.Equal(t,
		`dataset "outages" window [2024-01-01T00:00:00Z, 2024-01-02T00:00:00Z): transient failure (last checkpoint 2024-01-01T00:00:00Z): boom`,
		err.Error(),
	)
}

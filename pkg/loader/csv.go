package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/pkg/dataset"
)

var (
	ErrNoRows         = errors.New("no rows to persist")
	ErrHeaderMismatch = errors.New("existing file header does not match dataset columns")
)

// PersistError is a failure to write rows to durable storage. It is never
// retried.
type PersistError struct {
	Dataset string
	Path    string
	Op      string
	Timeout bool
	Err     error
}

func (e *PersistError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("persist error: dataset %q: %s %s: timed out: %v", e.Dataset, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("persist error: dataset %q: %s %s: %v", e.Dataset, e.Op, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

type Option func(*CSV)

func WithLogger(l *zap.Logger) Option {
	return func(c *CSV) {
		c.logger = l
	}
}

// WithWriteTimeout bounds a single Append or Recover call.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *CSV) {
		c.writeTimeout = d
	}
}

// CSV appends dataset rows to one CSV file per dataset under a directory.
type CSV struct {
	dir          string
	writeTimeout time.Duration
	logger       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(dir string, opts ...Option) *CSV {
	c := &CSV{
		dir:    dir,
		logger: zap.NewNop(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CSV) Path(d dataset.Descriptor) string {
	return filepath.Join(c.dir, d.Name+".csv")
}

func (c *CSV) lock(path string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[path]
	if !ok {
		l = &sync.Mutex{}
		c.locks[path] = l
	}
	return l
}

type result struct {
	n   int64
	err error
}

// bounded runs fn in its own goroutine and gives up waiting once ctx or the
// write timeout expires. An abandoned write may still complete; callers must
// not advance their checkpoint on error.
func (c *CSV) bounded(ctx context.Context, d dataset.Descriptor, op string, fn func() (int64, error)) (int64, error) {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}

	done := make(chan result, 1)
	go func() {
		n, err := fn()
		done <- result{n: n, err: err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, &PersistError{
			Dataset: d.Name,
			Path:    c.Path(d),
			Op:      op,
			Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:     ctx.Err(),
		}
	}
}

// Append writes rows to the dataset's file, creating it with a header row if
// it is absent or empty, and returns the file size once the rows are synced
// to disk.
func (c *CSV) Append(ctx context.Context, d dataset.Descriptor, rows []*dataset.Record) (int64, error) {
	if len(rows) == 0 {
		return 0, ErrNoRows
	}

	columns := d.Columns()
	for _, r := range rows {
		if r.Len() != len(columns) {
			return 0, fmt.Errorf("dataset %q: row has %d fields, expected %d", d.Name, r.Len(), len(columns))
		}
	}

	path := c.Path(d)
	offset, err := c.bounded(ctx, d, "append", func() (int64, error) {
		l := c.lock(path)
		l.Lock()
		defer l.Unlock()
		return c.append(d, path, columns, rows)
	})
	if err != nil {
		return 0, err
	}

	c.logger.Debug("rows appended",
		zap.String("dataset", d.Name),
		zap.String("path", path),
		zap.Int("rows", len(rows)),
		zap.Int64("offset", offset),
	)
	return offset, nil
}

func (c *CSV) append(d dataset.Descriptor, path string, columns []string, rows []*dataset.Record) (int64, error) {
	fail := func(op string, err error) (int64, error) {
		return 0, &PersistError{Dataset: d.Name, Path: path, Op: op, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fail("mkdir", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fail("open", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fail("stat", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(columns); err != nil {
			return fail("write", err)
		}
	} else {
		header, err := csv.NewReader(io.NewSectionReader(f, 0, info.Size())).Read()
		if err != nil {
			return fail("read header", err)
		}
		if strings.Join(header, ",") != strings.Join(columns, ",") {
			return fail("read header", fmt.Errorf("%w: have %v, want %v", ErrHeaderMismatch, header, columns))
		}
	}

	for _, r := range rows {
		if err := w.Write(r.Values()); err != nil {
			return fail("write", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	info, err = f.Stat()
	if err != nil {
		return fail("stat", err)
	}
	return info.Size(), nil
}

// Recover truncates the dataset's file to offset, discarding rows that were
// persisted after the last checkpoint was saved. An offset of zero keeps only
// the header row. It returns the number of bytes removed.
func (c *CSV) Recover(ctx context.Context, d dataset.Descriptor, offset int64) (int64, error) {
	path := c.Path(d)
	return c.bounded(ctx, d, "recover", func() (int64, error) {
		l := c.lock(path)
		l.Lock()
		defer l.Unlock()

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			if offset > 0 {
				c.logger.Warn("output file missing, checkpointed rows are gone",
					zap.String("dataset", d.Name),
					zap.String("path", path),
					zap.Int64("offset", offset),
				)
			}
			return 0, nil
		}
		if err != nil {
			return 0, &PersistError{Dataset: d.Name, Path: path, Op: "stat", Err: err}
		}

		size := info.Size()
		if offset <= 0 {
			offset, err = headerEnd(path)
			if err != nil {
				return 0, &PersistError{Dataset: d.Name, Path: path, Op: "read header", Err: err}
			}
		}

		switch {
		case size == offset:
			return 0, nil
		case size < offset:
			c.logger.Warn("output file is shorter than the checkpoint offset",
				zap.String("dataset", d.Name),
				zap.String("path", path),
				zap.Int64("size", size),
				zap.Int64("offset", offset),
			)
			return 0, nil
		}

		if err := os.Truncate(path, offset); err != nil {
			return 0, &PersistError{Dataset: d.Name, Path: path, Op: "truncate", Err: err}
		}

		c.logger.Warn("discarded rows written after the last checkpoint",
			zap.String("dataset", d.Name),
			zap.String("path", path),
			zap.Int64("bytes", size-offset),
		)
		return size - offset, nil
	})
}

// headerEnd returns the byte offset just past the file's header row.
func headerEnd(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}
	return r.InputOffset(), nil
}

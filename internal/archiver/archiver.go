package archiver

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/internal"
	"github.com/turbolytics/radar-etl/internal/catalog"
	"github.com/turbolytics/radar-etl/internal/parquet"
	"github.com/turbolytics/radar-etl/pkg/dataset"
)

var ErrNoRepository = errors.New("archiver requires a repository")

type Option func(*Archiver)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger
	}
}

func WithRepository(r internal.Repository) Option {
	return func(a *Archiver) {
		a.repository = r
	}
}

func WithRowGroupSize(n int64) Option {
	return func(a *Archiver) {
		a.rowGroupSize = n
	}
}

// WithSource sets the function locating each dataset's CSV file.
func WithSource(path func(dataset.Descriptor) string) Option {
	return func(a *Archiver) {
		a.source = path
	}
}

// Archiver snapshots dataset CSV files into a repository as parquet, along
// with a catalog describing the snapshot.
type Archiver struct {
	logger       *zap.Logger
	repository   internal.Repository
	source       func(dataset.Descriptor) string
	rowGroupSize int64
	now          func() time.Time
}

func New(opts ...Option) (*Archiver, error) {
	a := &Archiver{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.repository == nil {
		return nil, ErrNoRepository
	}
	if a.source == nil {
		return nil, errors.New("archiver requires a source")
	}
	return a, nil
}

// Snapshot archives every dataset. Datasets without a CSV file are skipped.
// A dataset that fails is recorded in the catalog and the snapshot carries
// on; the catalog is always written and only marked completed when every
// dataset succeeded.
func (a *Archiver) Snapshot(ctx context.Context, id uuid.UUID, descriptors []dataset.Descriptor) (*catalog.Catalog, error) {
	c := &catalog.Catalog{
		ID:        id.String(),
		StartTime: a.now().UTC(),
	}

	var failed error
	for _, d := range descriptors {
		entry, err := a.archive(ctx, d)
		if errors.Is(err, os.ErrNotExist) {
			a.logger.Info("no data for dataset, skipping", zap.String("dataset", d.Name))
			continue
		}
		if err != nil {
			a.logger.Error("failed to archive dataset",
				zap.String("dataset", d.Name),
				zap.Error(err),
			)
			entry.Error = err.Error()
			if failed == nil {
				failed = fmt.Errorf("archiving dataset %q: %w", d.Name, err)
			}
		}
		c.Add(entry)
	}

	c.EndTime = a.now().UTC()
	c.Completed = failed == nil
	if err := c.Write(ctx, a.repository); err != nil {
		return c, err
	}

	a.logger.Info("snapshot complete",
		zap.String("id", c.ID),
		zap.Int("datasets", len(c.Datasets)),
		zap.Int("records", c.NumRecordsProcessed),
		zap.Bool("completed", c.Completed),
	)
	return c, failed
}

func (a *Archiver) archive(ctx context.Context, d dataset.Descriptor) (catalog.Dataset, error) {
	src := a.source(d)
	schema := parquet.SchemaFor(d)
	entry := catalog.Dataset{
		Name:    d.Name,
		Source:  src,
		File:    d.Name + ".parquet",
		Columns: schema.Columns(),
	}

	f, err := os.Open(src)
	if err != nil {
		return entry, err
	}
	defer f.Close()

	rows, err := countRows(f)
	if err != nil {
		return entry, err
	}
	entry.NumSourceRecords = rows
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return entry, err
	}

	p, err := parquet.New(schema,
		parquet.WithLogger(a.logger),
		parquet.WithRepository(a.repository),
		parquet.WithRowGroupSize(a.rowGroupSize),
	)
	if err != nil {
		return entry, err
	}

	n, err := p.Preserve(ctx, entry.File, f)
	if err != nil {
		return entry, err
	}
	entry.NumRecordsProcessed = n
	return entry, nil
}

// countRows returns the number of data rows in a CSV file, excluding its
// header.
func countRows(r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	n := 0
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n - 1, nil
}

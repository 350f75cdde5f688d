package parquet

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/local"
	pq "github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/internal"
)

var ErrHeaderMismatch = errors.New("csv header does not match parquet schema")

type Option func(*Preserver)

func WithLogger(l *zap.Logger) Option {
	return func(p *Preserver) {
		p.logger = l
	}
}

func WithRepository(r internal.Repository) Option {
	return func(p *Preserver) {
		p.repository = r
	}
}

func WithRowGroupSize(n int64) Option {
	return func(p *Preserver) {
		if n > 0 {
			p.rowGroupSize = n
		}
	}
}

// Preserver converts dataset CSV files to snappy compressed parquet and
// writes the result into a repository.
type Preserver struct {
	schema       Schema
	repository   internal.Repository
	rowGroupSize int64
	logger       *zap.Logger
}

func New(schema Schema, opts ...Option) (*Preserver, error) {
	p := &Preserver{
		schema:       schema,
		rowGroupSize: 128 * 1024 * 1024,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.repository == nil {
		return nil, errors.New("parquet preserver requires a repository")
	}
	if len(p.schema) == 0 {
		return nil, errors.New("parquet preserver requires a schema")
	}
	return p, nil
}

// Preserve reads CSV from r, which must start with a header matching the
// schema, and writes it to key in the repository. It returns the number of
// rows written.
func (p *Preserver) Preserve(ctx context.Context, key string, r io.Reader) (int, error) {
	tmp, err := os.MkdirTemp("", "radar-parquet")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(tmp)

	localPath := filepath.Join(tmp, filepath.Base(key))
	n, err := p.write(ctx, localPath, r)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := p.repository.Write(ctx, key, f); err != nil {
		return 0, fmt.Errorf("writing %s: %w", key, err)
	}

	p.logger.Info("preserved parquet file",
		zap.String("key", key),
		zap.Int("rows", n),
	)
	return n, nil
}

func (p *Preserver) write(ctx context.Context, path string, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(p.schema)

	header, err := reader.Read()
	if err == io.EOF {
		return 0, fmt.Errorf("%w: empty file", ErrHeaderMismatch)
	}
	if err != nil {
		return 0, err
	}
	columns := p.schema.Columns()
	for i := range columns {
		if header[i] != columns[i] {
			return 0, fmt.Errorf("%w: column %d is %q, want %q", ErrHeaderMismatch, i, header[i], columns[i])
		}
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, err
	}
	defer fw.Close()

	pw, err := writer.NewCSVWriter(p.schema.ToGoParquetSchema(), fw, 4)
	if err != nil {
		return 0, err
	}
	pw.RowGroupSize = p.rowGroupSize
	pw.CompressionType = pq.CompressionCodec_SNAPPY

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		values, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		row, err := p.schema.CSVToParquetRow(values)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", n+2, err)
		}
		if err := pw.WriteString(row); err != nil {
			return 0, err
		}
		n++
	}

	if err := pw.WriteStop(); err != nil {
		return 0, err
	}
	return n, nil
}

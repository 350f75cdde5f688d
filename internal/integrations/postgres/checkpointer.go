package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/pkg/pipeline"
)

const DefaultTable = "radar_checkpoints"

// Checkpointer stores one row per dataset in a Postgres table. The table is
// named by the "table" query parameter of the connection URI and is created
// on first use.
type Checkpointer struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

func NewCheckpointer(ctx context.Context, uri *url.URL, logger *zap.Logger) (*Checkpointer, error) {
	query := uri.Query()
	table := query.Get("table")
	if table == "" {
		table = DefaultTable
	}

	// Remove custom parameters from the URI to create a clean connection string
	cleanQuery := url.Values{}
	for key, values := range query {
		if key == "table" {
			continue
		}
		cleanQuery[key] = values
	}
	cleanURI := &url.URL{
		Scheme:   uri.Scheme,
		User:     uri.User,
		Host:     uri.Host,
		Path:     uri.Path,
		RawQuery: cleanQuery.Encode(),
	}

	pool, err := pgxpool.New(ctx, cleanURI.String())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	c := &Checkpointer{
		pool:   pool,
		table:  pgx.Identifier{table}.Sanitize(),
		logger: logger,
	}
	if err := c.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Debug("postgres checkpointer ready", zap.String("table", table))
	return c, nil
}

func (c *Checkpointer) init(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	dataset     TEXT PRIMARY KEY,
	window_end  TIMESTAMPTZ NOT NULL,
	byte_offset BIGINT NOT NULL,
	row_count   BIGINT NOT NULL,
	run_id      TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`, c.table))
	return err
}

func (c *Checkpointer) Load(ctx context.Context, dataset string) (*pipeline.Checkpoint, error) {
	row := c.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT dataset, window_end, byte_offset, row_count, run_id, updated_at FROM %s WHERE dataset = $1`,
		c.table,
	), dataset)

	cp, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (c *Checkpointer) Save(ctx context.Context, cp *pipeline.Checkpoint) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (dataset, window_end, byte_offset, row_count, run_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (dataset) DO UPDATE SET
	window_end = EXCLUDED.window_end,
	byte_offset = EXCLUDED.byte_offset,
	row_count = EXCLUDED.row_count,
	run_id = EXCLUDED.run_id,
	updated_at = EXCLUDED.updated_at`, c.table),
		cp.Dataset, cp.WindowEnd, cp.Offset, cp.Rows, cp.RunID, cp.UpdatedAt,
	)
	if err != nil {
		return err
	}

	c.logger.Debug("Checkpoint saved",
		zap.String("dataset", cp.Dataset),
		zap.Time("window_end", cp.WindowEnd),
	)
	return nil
}

func (c *Checkpointer) Delete(ctx context.Context, dataset string) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE dataset = $1`, c.table), dataset)
	return err
}

func (c *Checkpointer) List(ctx context.Context) ([]*pipeline.Checkpoint, error) {
	rows, err := c.pool.Query(ctx, fmt.Sprintf(
		`SELECT dataset, window_end, byte_offset, row_count, run_id, updated_at FROM %s ORDER BY dataset`,
		c.table,
	))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*pipeline.Checkpoint
	for rows.Next() {
		cp, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (c *Checkpointer) Close() error {
	c.pool.Close()
	return nil
}

func scan(row pgx.Row) (*pipeline.Checkpoint, error) {
	var cp pipeline.Checkpoint
	if err := row.Scan(&cp.Dataset, &cp.WindowEnd, &cp.Offset, &cp.Rows, &cp.RunID, &cp.UpdatedAt); err != nil {
		return nil, err
	}
	cp.WindowEnd = cp.WindowEnd.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}

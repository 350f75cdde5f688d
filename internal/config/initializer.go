package config

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/internal"
	"github.com/turbolytics/radar-etl/internal/gcs"
	"github.com/turbolytics/radar-etl/internal/integrations/mongo"
	"github.com/turbolytics/radar-etl/internal/integrations/postgres"
	"github.com/turbolytics/radar-etl/internal/integrations/redis"
	"github.com/turbolytics/radar-etl/internal/local"
	"github.com/turbolytics/radar-etl/internal/s3"
	"github.com/turbolytics/radar-etl/pkg/pipeline"
)

// Closer releases the resources held by an initialized component.
type Closer func() error

func nopCloser() error { return nil }

// CheckpointStore is a checkpointer that can also enumerate its checkpoints.
type CheckpointStore interface {
	pipeline.Checkpointer
	pipeline.Lister
}

// InitializeCheckpointer connects to the checkpoint store named by
// checkpoint.url.
func InitializeCheckpointer(ctx context.Context, c *Config, logger *zap.Logger) (CheckpointStore, Closer, error) {
	raw := c.Checkpoint.URL
	scheme, err := CheckpointScheme(raw)
	if err != nil {
		return nil, nil, err
	}
	l := logger.Named("checkpoint")

	if scheme == "file" {
		// url.Parse would treat the first element of a relative path as
		// the host.
		dir := strings.TrimPrefix(raw, "file://")
		l.Debug("using filesystem checkpoints", zap.String("dir", dir))
		return pipeline.NewFilesystemCheckpointer(dir, l), nopCloser, nil
	}

	uri, err := url.Parse(raw)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.Checkpoint.Timeout)
	defer cancel()

	switch scheme {
	case "postgres":
		cp, err := postgres.NewCheckpointer(ctx, uri, l)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres checkpoint store: %w", err)
		}
		return cp, cp.Close, nil
	case "mongodb", "mongodb+srv":
		cp, err := mongo.NewCheckpointer(ctx, uri, l)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to mongodb checkpoint store: %w", err)
		}
		return cp, cp.Close, nil
	case "redis", "rediss":
		cp, err := redis.NewCheckpointer(ctx, uri, c.Checkpoint.Timeout, l)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis checkpoint store: %w", err)
		}
		return cp, cp.Close, nil
	}
	return nil, nil, invalid("checkpoint.url: unsupported scheme %q", scheme)
}

// InitializeRepository builds the archive repository. Every key written is
// placed under prefix, normally the snapshot id.
func InitializeRepository(ctx context.Context, c *Config, prefix string, logger *zap.Logger) (internal.Repository, Closer, error) {
	r := c.Archive.Repository
	l := logger.Named("repository")

	switch r.Type {
	case "", "local":
		base := r.LocalConfig.Path
		if base == "" {
			base = filepath.Join(c.Output.Dir, "archive")
		}
		return local.New(base,
			local.WithPrefix(prefix),
			local.WithLogger(l),
		), nopCloser, nil
	case "s3":
		repo, err := s3.New(
			s3.WithLogger(l),
			s3.WithRegion(r.S3Config.Region),
			s3.WithBucket(r.S3Config.Bucket),
			s3.WithEndpoint(r.S3Config.Endpoint),
			s3.WithPrefix(path.Join(r.S3Config.Prefix, prefix)),
			s3.WithForcePathStyle(r.S3Config.ForcePathStyle),
		)
		if err != nil {
			return nil, nil, err
		}
		return repo, nopCloser, nil
	case "gcs":
		repo, err := gcs.New(ctx, r.GCSConfig.Bucket,
			gcs.WithLogger(l),
			gcs.WithPrefix(path.Join(r.GCSConfig.Prefix, prefix)),
		)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	}
	return nil, nil, invalid("archive.repository.type: unknown type %q", r.Type)
}

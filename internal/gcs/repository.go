// Package gcs writes archive files to Google Cloud Storage.
//
// The client uses application default credentials.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/googleapis/google-cloud-go-testing/storage/stiface"
	"go.uber.org/zap"
)

var (
	errCreateClient = errors.New("failed to create GCS client")
	errUploadObject = errors.New("failed to upload GCS object")
	errCloseObject  = errors.New("failed to close GCS object")

	storageNewClient = storage.NewClient
)

type Option func(*Repository)

func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.prefix = prefix
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

type Repository struct {
	bucket       string
	prefix       string
	client       stiface.Client
	bucketHandle stiface.BucketHandle
	logger       *zap.Logger
}

func New(ctx context.Context, bucket string, opts ...Option) (*Repository, error) {
	client, err := storageNewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCreateClient, err)
	}
	adapted := stiface.AdaptClient(client)
	return newRepository(bucket, adapted, adapted.Bucket(bucket), opts...), nil
}

func newRepository(bucket string, client stiface.Client, bucketHandle stiface.BucketHandle, opts ...Option) *Repository {
	r := &Repository{
		bucket:       bucket,
		client:       client,
		bucketHandle: bucketHandle,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) Key(key string) string {
	return path.Join(r.prefix, key)
}

// Write streams reader into the object. The object only becomes visible
// once the writer is closed successfully.
func (r *Repository) Write(ctx context.Context, key string, reader io.Reader) error {
	objPath := r.Key(key)
	r.logger.Debug("GCS repository write",
		zap.String("bucket", r.bucket),
		zap.String("object_path", objPath),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := r.bucketHandle.Object(objPath).NewWriter(ctx)
	if _, err := io.Copy(w, reader); err != nil {
		// cancelling the context aborts the upload
		cancel()
		w.Close()
		return fmt.Errorf("%w: '%v:%v': %v", errUploadObject, r.bucket, objPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: '%v:%v': %v", errCloseObject, r.bucket, objPath, err)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.client.Close()
}

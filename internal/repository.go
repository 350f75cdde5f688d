package internal

import (
	"context"
	"io"
)

// Repository is a destination for archive files, addressed by slash
// separated keys.
type Repository interface {
	Write(ctx context.Context, key string, reader io.Reader) error
}

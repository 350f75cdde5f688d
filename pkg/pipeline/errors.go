package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/turbolytics/radar-etl/pkg/dataset"
	"github.com/turbolytics/radar-etl/pkg/loader"
	"github.com/turbolytics/radar-etl/pkg/radar"
)

type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindPermanent  ErrorKind = "permanent"
	KindSchema     ErrorKind = "schema"
	KindPersist    ErrorKind = "persist"
	KindCheckpoint ErrorKind = "checkpoint"
	KindCanceled   ErrorKind = "canceled"
)

// RunError is the failure of one dataset pipeline. LastCheckpoint is the
// last checkpoint known to be durable, nil when none was ever saved.
type RunError struct {
	Dataset        string
	Window         dataset.Window
	Kind           ErrorKind
	LastCheckpoint *Checkpoint
	Err            error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("dataset %q", e.Dataset)
	if !e.Window.IsZero() {
		msg += fmt.Sprintf(" window %s", e.Window)
	}
	msg += fmt.Sprintf(": %s failure", e.Kind)
	if e.LastCheckpoint != nil {
		msg += fmt.Sprintf(" (last checkpoint %s)", e.LastCheckpoint.WindowEnd.UTC().Format(time.RFC3339))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func classify(err error) ErrorKind {
	var (
		schemaErr  *dataset.SchemaError
		persistErr *loader.PersistError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case radar.IsTransient(err):
		return KindTransient
	case radar.IsPermanent(err):
		return KindPermanent
	case errors.As(err, &schemaErr):
		return KindSchema
	case errors.As(err, &persistErr):
		if persistErr.Timeout {
			return KindTransient
		}
		return KindPersist
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindPermanent
}

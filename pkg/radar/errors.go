package radar

import (
	"errors"
	"fmt"
	"time"

	"github.com/turbolytics/radar-etl/pkg/dataset"
)

type Kind string

const (
	// Transient failures (network, timeouts, 429, 5xx) are retried.
	Transient Kind = "transient"
	// Permanent failures (other 4xx, malformed responses) are not.
	Permanent Kind = "permanent"
)

// FetchError is returned by Fetch when a window cannot be retrieved.
type FetchError struct {
	Kind       Kind
	Dataset    string
	Window     dataset.Window
	StatusCode int
	Attempts   int
	// RetryAfter is the delay requested by the server on a 429, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s fetch error: dataset %q window %s", e.Kind, e.Dataset, e.Window)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient FetchError.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == Transient
}

// IsPermanent reports whether err is a permanent FetchError.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == Permanent
}

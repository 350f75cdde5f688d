package dataset

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyWindow      = errors.New("window end must be after window start")
	ErrInvalidWindowLen = errors.New("window size must be positive")
)

// Window is the half-open time range [Start, End) covered by one
// fetch/load cycle.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewWindow(start, end time.Time) (Window, error) {
	if !end.After(start) {
		return Window{}, fmt.Errorf("%w: [%s, %s)", ErrEmptyWindow, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Window{Start: start.UTC(), End: end.UTC()}, nil
}

func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// Plan splits [from, to) into consecutive windows of the given size, in
// increasing order. The last window is truncated at to. An empty plan is
// returned when from is not before to.
func Plan(from, to time.Time, size time.Duration) ([]Window, error) {
	if size <= 0 {
		return nil, ErrInvalidWindowLen
	}

	from = from.UTC()
	to = to.UTC()

	var windows []Window
	for start := from; start.Before(to); start = start.Add(size) {
		end := start.Add(size)
		if end.After(to) {
			end = to
		}
		windows = append(windows, Window{Start: start, End: end})
	}
	return windows, nil
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/pkg/dataset"
)

var (
	ErrNoFetcher = errors.New("pipeline requires a fetcher")
	ErrNoLoader  = errors.New("pipeline requires a loader")
	ErrNoStart   = errors.New("pipeline requires a window start")

	ErrCheckpointRegression = errors.New("checkpoint would move backwards")
)

type Fetcher interface {
	Fetch(ctx context.Context, d dataset.Descriptor, w dataset.Window) ([]dataset.RawRecord, error)
}

type Loader interface {
	// Append persists rows and returns the size of the output afterwards
	Append(ctx context.Context, d dataset.Descriptor, rows []*dataset.Record) (int64, error)

	// Recover discards output written beyond offset
	Recover(ctx context.Context, d dataset.Descriptor, offset int64) (int64, error)
}

type Pipeline struct {
	Checkpointer Checkpointer
	Descriptor   dataset.Descriptor
	Fetcher      Fetcher
	Loader       Loader
	State        *FSM

	ID string

	transformer       *dataset.Transformer
	start             time.Time
	end               time.Time
	windowSize        time.Duration
	resume            bool
	dedupe            bool
	checkpointTimeout time.Duration
	runID             string

	lastCheckpoint *Checkpoint
	logger         *zap.Logger
	metrics        *Metrics

	mu    sync.Mutex
	stats Stats
}

type Option func(*Pipeline)

func WithCheckpointer(checkpointer Checkpointer) Option {
	return func(p *Pipeline) {
		p.Checkpointer = checkpointer
	}
}

func WithFetcher(fetcher Fetcher) Option {
	return func(p *Pipeline) {
		p.Fetcher = fetcher
	}
}

func WithLoader(loader Loader) Option {
	return func(p *Pipeline) {
		p.Loader = loader
	}
}

// WithWindow sets the range to load and the size of each window. A zero end
// means now, truncated to the window size.
func WithWindow(start, end time.Time, size time.Duration) Option {
	return func(p *Pipeline) {
		p.start = start
		p.end = end
		p.windowSize = size
	}
}

// WithResume controls whether a stored checkpoint is honoured. When false
// the run starts at the window start but still saves checkpoints.
func WithResume(resume bool) Option {
	return func(p *Pipeline) {
		p.resume = resume
	}
}

// WithDedupe controls whether output written after the last checkpoint is
// discarded before resuming.
func WithDedupe(dedupe bool) Option {
	return func(p *Pipeline) {
		p.dedupe = dedupe
	}
}

func WithCheckpointTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.checkpointTimeout = d
	}
}

func WithRunID(id string) Option {
	return func(p *Pipeline) {
		p.runID = id
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func New(d dataset.Descriptor, opts ...Option) (*Pipeline, error) {
	transformer, err := dataset.NewTransformer(d)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Checkpointer:      &NoopCheckpointer{},
		Descriptor:        d,
		ID:                d.Name,
		transformer:       transformer,
		windowSize:        24 * time.Hour,
		resume:            true,
		dedupe:            true,
		checkpointTimeout: 10 * time.Second,
		logger:            zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	switch {
	case p.Fetcher == nil:
		return nil, ErrNoFetcher
	case p.Loader == nil:
		return nil, ErrNoLoader
	case p.start.IsZero():
		return nil, ErrNoStart
	case p.windowSize <= 0:
		return nil, dataset.ErrInvalidWindowLen
	}

	if p.end.IsZero() {
		p.end = time.Now().UTC().Truncate(p.windowSize)
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	p.logger = p.logger.With(zap.String("dataset", d.Name))

	p.State = NewFSM(
		FSMWithInitialState(StateIdle),
		FSMWithLogger(p.logger.Named("fsm")),
	)
	p.stats.RunID = p.runID
	return p, nil
}

func (p *Pipeline) RunID() string {
	return p.runID
}

func (p *Pipeline) update(fn func(s *Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.stats)
}

// Stats returns a snapshot of the pipeline's progress.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	stats := p.stats
	p.mu.Unlock()

	stats.State = p.State.Current()
	if !stats.StartedAt.IsZero() {
		until := time.Now()
		if !stats.FinishedAt.IsZero() {
			until = stats.FinishedAt
		}
		stats.UptimeSeconds = int64(until.Sub(stats.StartedAt).Seconds())
	}
	return stats
}

// Run loads the dataset window by window from the last checkpoint up to the
// configured end. Windows are processed in order and each is checkpointed
// only after its rows are persisted. Any failure aborts the run with a
// *RunError.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.State.Transition(StateLoadCheckpoint); err != nil {
		return err
	}
	p.update(func(s *Stats) { s.StartedAt = time.Now() })

	p.logger.Info("Starting pipeline",
		zap.String("run_id", p.runID),
		zap.Time("start", p.start),
		zap.Time("end", p.end),
		zap.Duration("window_size", p.windowSize),
		zap.Bool("resume", p.resume),
	)

	cp, err := p.loadCheckpoint(ctx)
	if err != nil {
		return p.fail(dataset.Window{}, KindCheckpoint, err)
	}
	p.lastCheckpoint = cp

	from := p.start
	var (
		offset int64
		rows   int64
	)
	switch {
	case cp != nil && p.resume:
		p.logger.Info("Loaded checkpoint",
			zap.Time("window_end", cp.WindowEnd),
			zap.Int64("offset", cp.Offset),
			zap.String("run_id", cp.RunID),
		)
		if cp.WindowEnd.After(from) {
			from = cp.WindowEnd
		}
		offset = cp.Offset
		rows = cp.Rows
	case cp != nil:
		p.logger.Info("Ignoring stored checkpoint", zap.Time("window_end", cp.WindowEnd))
	default:
		p.logger.Info("No checkpoint found, starting fresh")
	}

	// Without a checkpoint nothing in the output is acknowledged, so dedupe
	// keeps only the header. A zero offset means the same.
	if p.dedupe && (cp == nil || p.resume) {
		removed, err := p.Loader.Recover(ctx, p.Descriptor, offset)
		if err != nil {
			return p.fail(dataset.Window{}, "", err)
		}
		p.update(func(s *Stats) { s.BytesRecovered = removed })
	}

	windows, err := dataset.Plan(from, p.end, p.windowSize)
	if err != nil {
		return p.fail(dataset.Window{}, KindPermanent, err)
	}
	p.update(func(s *Stats) { s.WindowsPlanned = len(windows) })

	if len(windows) == 0 {
		p.logger.Info("Dataset is up to date", zap.Time("from", from))
		return p.finish()
	}

	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return p.fail(w, KindCanceled, err)
		}
		w := w
		p.update(func(s *Stats) { s.CurrentWindow = &w })

		if err := p.State.Transition(StateFetch); err != nil {
			return err
		}
		raws, err := p.Fetcher.Fetch(ctx, p.Descriptor, w)
		if err != nil {
			return p.fail(w, "", err)
		}

		if err := p.State.Transition(StateTransform); err != nil {
			return err
		}
		records, err := p.transformer.TransformAll(raws, w)
		if err != nil {
			return p.fail(w, "", err)
		}

		if err := p.State.Transition(StatePersist); err != nil {
			return err
		}
		if len(records) > 0 {
			offset, err = p.Loader.Append(ctx, p.Descriptor, records)
			if err != nil {
				return p.fail(w, "", err)
			}
		}

		if err := p.State.Transition(StateAdvanceCheckpoint); err != nil {
			return err
		}
		rows += int64(len(records))
		next := &Checkpoint{
			Dataset:   p.Descriptor.Name,
			WindowEnd: w.End,
			Offset:    offset,
			Rows:      rows,
			RunID:     p.runID,
			UpdatedAt: time.Now().UTC(),
		}
		if err := p.saveCheckpoint(ctx, next); err != nil {
			return p.fail(w, KindCheckpoint, err)
		}
		p.lastCheckpoint = next

		p.update(func(s *Stats) {
			s.WindowsDone++
			s.RecordsFetched += int64(len(raws))
			s.RecordsSkipped += int64(len(raws) - len(records))
			s.RowsWritten += int64(len(records))
			s.CheckpointCount++
			s.LastCheckpointAt = time.Now()
			s.LastCheckpoint = next
		})
		p.metrics.windowCompleted(p.Descriptor.Name, len(raws), len(records), next)

		p.logger.Info("Window loaded",
			zap.Time("window_start", w.Start),
			zap.Time("window_end", w.End),
			zap.Int("records", len(raws)),
			zap.Int("rows", len(records)),
			zap.Int64("offset", offset),
		)
	}

	return p.finish()
}

func (p *Pipeline) finish() error {
	if err := p.State.Transition(StateDone); err != nil {
		return err
	}
	p.update(func(s *Stats) {
		s.FinishedAt = time.Now()
		s.CurrentWindow = nil
	})

	stats := p.Stats()
	p.logger.Info("Pipeline finished",
		zap.Int("windows", stats.WindowsDone),
		zap.Int64("rows", stats.RowsWritten),
	)
	return nil
}

func (p *Pipeline) fail(w dataset.Window, kind ErrorKind, err error) error {
	switch {
	case kind == "":
		kind = classify(err)
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	}

	runErr := &RunError{
		Dataset:        p.Descriptor.Name,
		Window:         w,
		Kind:           kind,
		LastCheckpoint: p.lastCheckpoint,
		Err:            err,
	}

	if transErr := p.State.Transition(StateFailed); transErr != nil {
		p.logger.Error("Error transitioning to failed", zap.Error(transErr))
	}
	p.update(func(s *Stats) {
		s.FinishedAt = time.Now()
		s.LastError = runErr.Error()
	})
	p.metrics.runFailed(p.Descriptor.Name, kind)

	if kind == KindCanceled {
		p.logger.Warn("Pipeline cancelled", zap.Stringer("window", w))
	} else {
		p.logger.Error("Pipeline failed",
			zap.String("kind", string(kind)),
			zap.Stringer("window", w),
			zap.Error(err),
		)
	}
	return runErr
}

func (p *Pipeline) checkpointContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.checkpointTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.checkpointTimeout)
}

func (p *Pipeline) loadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	ctx, cancel := p.checkpointContext(ctx)
	defer cancel()
	return p.Checkpointer.Load(ctx, p.Descriptor.Name)
}

func (p *Pipeline) saveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if p.lastCheckpoint != nil && p.resume && !cp.WindowEnd.After(p.lastCheckpoint.WindowEnd) {
		return ErrCheckpointRegression
	}
	ctx, cancel := p.checkpointContext(ctx)
	defer cancel()
	return p.Checkpointer.Save(ctx, cp)
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const checkpointExt = ".checkpoint"

var ErrInvalidDataset = errors.New("invalid checkpoint dataset name")

// Checkpoint is the durable progress marker of one dataset. It is saved only
// after every row of the window ending at WindowEnd has been persisted.
type Checkpoint struct {
	Dataset   string    `json:"dataset" bson:"_id"`
	WindowEnd time.Time `json:"window_end" bson:"window_end"`
	// Offset is the size of the dataset's output file after the window.
	// Zero stands for a file holding only its header.
	Offset    int64     `json:"offset" bson:"offset"`
	Rows      int64     `json:"rows" bson:"rows"`
	RunID     string    `json:"run_id" bson:"run_id"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

type Checkpointer interface {
	// Load the last checkpoint for a dataset, nil when there is none
	Load(ctx context.Context, dataset string) (*Checkpoint, error)

	// Save a checkpoint, replacing the previous one
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Delete checkpoint data for a dataset
	Delete(ctx context.Context, dataset string) error
}

// Lister is implemented by checkpointers that can enumerate their datasets.
type Lister interface {
	List(ctx context.Context) ([]*Checkpoint, error)
}

type NoopCheckpointer struct{}

func (n *NoopCheckpointer) Load(ctx context.Context, dataset string) (*Checkpoint, error) {
	return nil, nil
}
func (n *NoopCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}
func (n *NoopCheckpointer) Delete(ctx context.Context, dataset string) error {
	return nil
}

// MemoryCheckpointer keeps checkpoints in process memory.
type MemoryCheckpointer struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
}

func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{
		checkpoints: make(map[string]Checkpoint),
	}
}

func (m *MemoryCheckpointer) Load(ctx context.Context, dataset string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[dataset]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *MemoryCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[checkpoint.Dataset] = *checkpoint
	return nil
}

func (m *MemoryCheckpointer) Delete(ctx context.Context, dataset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, dataset)
	return nil
}

func (m *MemoryCheckpointer) List(ctx context.Context) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		cp := cp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset < out[j].Dataset })
	return out, nil
}

// Filesystem-based checkpointer
type FilesystemCheckpointer struct {
	baseDir string
	logger  *zap.Logger
	mu      sync.Mutex
}

func NewFilesystemCheckpointer(baseDir string, logger *zap.Logger) *FilesystemCheckpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilesystemCheckpointer{
		baseDir: baseDir,
		logger:  logger,
	}
}

func (f *FilesystemCheckpointer) path(dataset string) (string, error) {
	if dataset == "" || strings.ContainsAny(dataset, `/\`) || strings.Contains(dataset, "..") || dataset != filepath.Base(dataset) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDataset, dataset)
	}
	return filepath.Join(f.baseDir, dataset+checkpointExt), nil
}

func (f *FilesystemCheckpointer) Load(ctx context.Context, dataset string) (*Checkpoint, error) {
	path, err := f.path(dataset)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.load(path)
}

func (f *FilesystemCheckpointer) load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		f.logger.Debug("No checkpoint found", zap.String("path", path))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}

	f.logger.Debug("Checkpoint loaded",
		zap.String("dataset", checkpoint.Dataset),
		zap.Time("window_end", checkpoint.WindowEnd),
	)
	return &checkpoint, nil
}

func (f *FilesystemCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	checkpointPath, err := f.path(checkpoint.Dataset)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(f.baseDir, 0755); err != nil {
		return err
	}

	tempPath := checkpointPath + ".tmp"

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return err
	}

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	// a checkpoint whose deadline passed while writing is not committed
	if err := ctx.Err(); err != nil {
		os.Remove(tempPath)
		return err
	}

	// Atomic rename
	if err := os.Rename(tempPath, checkpointPath); err != nil {
		os.Remove(tempPath)
		return err
	}

	f.logger.Debug("Checkpoint saved",
		zap.String("dataset", checkpoint.Dataset),
		zap.Time("window_end", checkpoint.WindowEnd),
		zap.Int64("offset", checkpoint.Offset),
	)
	return nil
}

func (f *FilesystemCheckpointer) Delete(ctx context.Context, dataset string) error {
	path, err := f.path(dataset)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	f.logger.Info("Checkpoint deleted", zap.String("dataset", dataset))
	return nil
}

func (f *FilesystemCheckpointer) List(ctx context.Context) ([]*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []*Checkpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), checkpointExt) {
			continue
		}
		cp, err := f.load(filepath.Join(f.baseDir, e.Name()))
		if err != nil {
			return nil, err
		}
		if cp != nil {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset < out[j].Dataset })
	return out, nil
}

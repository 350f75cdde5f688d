package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turbolytics/radar-etl/pkg/dataset"
	"github.com/turbolytics/radar-etl/pkg/radar"
)

var ErrInvalidConfig = errors.New("invalid config")

type Logger struct {
	Level string `yaml:"level"`
}

type Global struct {
	Logger Logger `yaml:"logger"`
}

type Retry struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Radar struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	// Timeout bounds each request.
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit is the minimum interval between two requests.
	RateLimit time.Duration `yaml:"rate_limit"`
	PageSize  int           `yaml:"page_size"`
	// MaxPages caps the pages fetched per window.
	MaxPages int   `yaml:"max_pages"`
	Retry    Retry `yaml:"retry"`
}

type Window struct {
	Size  time.Duration `yaml:"size"`
	Start string        `yaml:"start"`
	End   string        `yaml:"end"`
}

type Output struct {
	Dir          string        `yaml:"dir"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Dedupe       *bool         `yaml:"dedupe"`
}

func (o Output) DedupeEnabled() bool {
	return o.Dedupe == nil || *o.Dedupe
}

type Checkpoint struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Status struct {
	Addr string `yaml:"addr"`
}

type LocalConfig struct {
	Path string `yaml:"path"`
}

type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type Repository struct {
	Type        string      `yaml:"type"`
	LocalConfig LocalConfig `yaml:"local"`
	S3Config    S3Config    `yaml:"s3"`
	GCSConfig   GCSConfig   `yaml:"gcs"`
}

type Archive struct {
	Repository Repository `yaml:"repository"`
	// RowGroupSize is the parquet row group size in bytes.
	RowGroupSize int64 `yaml:"row_group_size"`
}

type Config struct {
	Global     Global               `yaml:"global"`
	Radar      Radar                `yaml:"radar"`
	Window     Window               `yaml:"window"`
	Output     Output               `yaml:"output"`
	Checkpoint Checkpoint           `yaml:"checkpoint"`
	Status     Status               `yaml:"status"`
	Datasets   []dataset.Descriptor `yaml:"datasets"`
	Archive    Archive              `yaml:"archive"`
}

func NewFromFile(fpath string) (*Config, error) {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}

	c, err := Parse(bs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fpath, err)
	}
	return c, nil
}

func Parse(bs []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(bs, &c); err != nil {
		return nil, err
	}

	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) SetDefaults() {
	if c.Global.Logger.Level == "" {
		c.Global.Logger.Level = "info"
	}

	if c.Radar.BaseURL == "" {
		c.Radar.BaseURL = radar.DefaultBaseURL
	}
	if c.Radar.Timeout == 0 {
		c.Radar.Timeout = 30 * time.Second
	}
	if c.Radar.RateLimit == 0 {
		c.Radar.RateLimit = 250 * time.Millisecond
	}
	if c.Radar.PageSize == 0 {
		c.Radar.PageSize = 100
	}
	if c.Radar.MaxPages == 0 {
		c.Radar.MaxPages = radar.DefaultMaxPages
	}
	if c.Radar.Retry.MaxAttempts == 0 {
		c.Radar.Retry.MaxAttempts = 5
	}
	if c.Radar.Retry.InitialInterval == 0 {
		c.Radar.Retry.InitialInterval = time.Second
	}
	if c.Radar.Retry.MaxInterval == 0 {
		c.Radar.Retry.MaxInterval = 30 * time.Second
	}

	if c.Window.Size == 0 {
		c.Window.Size = 24 * time.Hour
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "./data"
	}
	if c.Output.WriteTimeout == 0 {
		c.Output.WriteTimeout = 30 * time.Second
	}

	if c.Checkpoint.URL == "" {
		c.Checkpoint.URL = defaultCheckpointURL(c.Output.Dir)
	}
	if c.Checkpoint.Timeout == 0 {
		c.Checkpoint.Timeout = 10 * time.Second
	}
}

// SetOutputDir changes the output directory. A checkpoint URL that was
// defaulted from the previous directory follows it.
func (c *Config) SetOutputDir(dir string) {
	if c.Checkpoint.URL == defaultCheckpointURL(c.Output.Dir) {
		c.Checkpoint.URL = defaultCheckpointURL(dir)
	}
	c.Output.Dir = dir
}

func defaultCheckpointURL(dir string) string {
	return "file://" + filepath.Join(dir, ".checkpoints")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Global.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("global.logger.level: unknown level %q", c.Global.Logger.Level)
	}

	if _, err := url.Parse(c.Radar.BaseURL); err != nil {
		return invalid("radar.base_url: %v", err)
	}
	if c.Radar.Timeout < 0 || c.Radar.RateLimit < 0 {
		return invalid("radar.timeout and radar.rate_limit must not be negative")
	}
	if c.Radar.PageSize < 1 {
		return invalid("radar.page_size must be positive")
	}
	if c.Radar.MaxPages < 1 {
		return invalid("radar.max_pages must be positive")
	}
	if c.Radar.Retry.MaxAttempts < 1 {
		return invalid("radar.retry.max_attempts must be at least 1")
	}
	if c.Radar.Retry.MaxInterval < c.Radar.Retry.InitialInterval {
		return invalid("radar.retry.max_interval must not be below initial_interval")
	}

	if c.Window.Size <= 0 {
		return invalid("window.size must be positive")
	}
	if c.Window.Start != "" {
		if _, err := ParseTime(c.Window.Start); err != nil {
			return invalid("window.start: %v", err)
		}
	}
	if c.Window.End != "" {
		if _, err := ParseTime(c.Window.End); err != nil {
			return invalid("window.end: %v", err)
		}
	}

	if c.Output.WriteTimeout < 0 {
		return invalid("output.write_timeout must not be negative")
	}

	if _, err := CheckpointScheme(c.Checkpoint.URL); err != nil {
		return err
	}

	switch c.Archive.Repository.Type {
	case "", "local", "s3", "gcs":
	default:
		return invalid("archive.repository.type: unknown type %q", c.Archive.Repository.Type)
	}

	_, err := c.Descriptors(nil)
	return err
}

// CheckpointScheme returns the storage backend named by a checkpoint URL.
func CheckpointScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", invalid("checkpoint.url: %v", err)
	}
	switch u.Scheme {
	case "file", "redis", "rediss", "mongodb", "mongodb+srv":
		return u.Scheme, nil
	case "postgres", "postgresql":
		return "postgres", nil
	}
	return "", invalid("checkpoint.url: unsupported scheme %q", u.Scheme)
}

// Descriptors resolves the configured datasets. An entry with only a name
// refers to a built-in dataset. When names is not empty only those datasets
// are returned, built-ins included even if they are not configured. With
// no configured datasets every built-in is selected.
func (c *Config) Descriptors(names []string) ([]dataset.Descriptor, error) {
	configured := make(map[string]dataset.Descriptor)
	var ordered []dataset.Descriptor

	for _, d := range c.Datasets {
		if d.Name == "" {
			return nil, invalid("datasets: name is required")
		}
		if _, ok := configured[d.Name]; ok {
			return nil, invalid("datasets: duplicate dataset %q", d.Name)
		}

		resolved, err := resolve(d)
		if err != nil {
			return nil, err
		}
		configured[d.Name] = resolved
		ordered = append(ordered, resolved)
	}

	if len(names) == 0 {
		if len(ordered) == 0 {
			return dataset.Builtins(), nil
		}
		return ordered, nil
	}

	out := make([]dataset.Descriptor, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		if d, ok := configured[name]; ok {
			out = append(out, d)
			continue
		}
		if d, ok := dataset.Builtin(name); ok {
			out = append(out, d)
			continue
		}
		return nil, invalid("unknown dataset %q", name)
	}
	return out, nil
}

func resolve(d dataset.Descriptor) (dataset.Descriptor, error) {
	if d.Endpoint == "" && len(d.Fields) == 0 {
		builtin, ok := dataset.Builtin(d.Name)
		if !ok {
			return dataset.Descriptor{}, invalid("datasets: %q is not a built-in dataset and declares no endpoint", d.Name)
		}
		if len(d.Params) > 0 {
			if builtin.Params == nil {
				builtin.Params = map[string]string{}
			}
			for k, v := range d.Params {
				builtin.Params[k] = v
			}
		}
		return builtin, nil
	}

	if d.ResultKey == "" {
		d.ResultKey = "top_0"
	}
	if err := d.Validate(); err != nil {
		return dataset.Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return d, nil
}

// Range returns the configured load range. A missing end is now, truncated
// to the window size.
func (c *Config) Range(now time.Time) (start, end time.Time, err error) {
	if c.Window.Start == "" {
		return time.Time{}, time.Time{}, invalid("window.start is required")
	}
	if start, err = ParseTime(c.Window.Start); err != nil {
		return time.Time{}, time.Time{}, invalid("window.start: %v", err)
	}

	if c.Window.End == "" {
		end = now.UTC().Truncate(c.Window.Size)
	} else if end, err = ParseTime(c.Window.End); err != nil {
		return time.Time{}, time.Time{}, invalid("window.end: %v", err)
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, invalid("window.end %s must be after window.start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return start, end, nil
}

// ParseTime accepts a date (2006-01-02) or an RFC 3339 timestamp and returns
// it in UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC 3339 timestamp, got %q", s)
	}
	return t.UTC(), nil
}

package redis

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/pkg/pipeline"
)

const DefaultPrefix = "radar:checkpoint:"

// Checkpointer stores each dataset's checkpoint as a JSON string under
// <prefix><dataset>. The prefix is read from the "prefix" query parameter.
type Checkpointer struct {
	pool   *redis.Pool
	prefix string
	logger *zap.Logger
}

func NewCheckpointer(ctx context.Context, uri *url.URL, timeout time.Duration, logger *zap.Logger) (*Checkpointer, error) {
	query := uri.Query()
	prefix := query.Get("prefix")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	query.Del("prefix")

	clean := *uri
	clean.RawQuery = query.Encode()
	addr := clean.String()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	pool := &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(addr,
				redis.DialConnectTimeout(timeout),
				redis.DialReadTimeout(timeout),
				redis.DialWriteTimeout(timeout),
			)
		},
		TestOnBorrow: func(conn redis.Conn, lastUsed time.Time) error {
			if time.Since(lastUsed) < time.Minute {
				return nil
			}
			_, err := conn.Do("PING")
			return err
		},
	}

	c := &Checkpointer{
		pool:   pool,
		prefix: prefix,
		logger: logger,
	}

	conn, err := c.conn(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer conn.Close()
	if _, err := redis.String(conn.Do("PING")); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Debug("redis checkpointer ready", zap.String("prefix", prefix))
	return c, nil
}

func (c *Checkpointer) conn(ctx context.Context) (redis.Conn, error) {
	return c.pool.GetContext(ctx)
}

func (c *Checkpointer) key(dataset string) string {
	return c.prefix + dataset
}

func (c *Checkpointer) Load(ctx context.Context, dataset string) (*pipeline.Checkpoint, error) {
	conn, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", c.key(dataset)))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cp pipeline.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (c *Checkpointer) Save(ctx context.Context, cp *pipeline.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	conn, err := c.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := redis.String(conn.Do("SET", c.key(cp.Dataset), data)); err != nil {
		return err
	}

	c.logger.Debug("Checkpoint saved",
		zap.String("dataset", cp.Dataset),
		zap.Time("window_end", cp.WindowEnd),
	)
	return nil
}

func (c *Checkpointer) Delete(ctx context.Context, dataset string) error {
	conn, err := c.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("DEL", c.key(dataset))
	return err
}

func (c *Checkpointer) List(ctx context.Context) ([]*pipeline.Checkpoint, error) {
	conn, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var keys []string
	cursor := 0
	for {
		values, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", c.prefix+"*", "COUNT", 100))
		if err != nil {
			return nil, err
		}
		var batch []string
		if _, err := redis.Scan(values, &cursor, &batch); err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)

	out := make([]*pipeline.Checkpoint, 0, len(keys))
	for _, key := range keys {
		cp, err := c.Load(ctx, strings.TrimPrefix(key, c.prefix))
		if err != nil {
			return nil, err
		}
		if cp != nil {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (c *Checkpointer) Close() error {
	return c.pool.Close()
}

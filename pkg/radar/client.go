package radar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/turbolytics/radar-etl/pkg/dataset"
)

const (
	DefaultBaseURL  = "https://api.cloudflare.com/client/v4/radar"
	DefaultMaxPages = 1000

	maxResponseBytes = 32 << 20
)

// Observer receives request and retry notifications, e.g. for metrics.
type Observer interface {
	ObserveRequest(dataset string, statusCode int, elapsed time.Duration)
	ObserveRetry(dataset string, err error, next time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int, time.Duration)  {}
func (nopObserver) ObserveRetry(string, error, time.Duration) {}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds every individual request, including reading the body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRateLimit sets the minimum interval between two requests. Zero
// disables rate limiting.
func WithRateLimit(interval time.Duration) Option {
	return func(c *Client) {
		if interval <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

func WithPageSize(n int) Option {
	return func(c *Client) {
		c.pageSize = n
	}
}

// WithMaxPages caps the number of pages fetched for one window. Zero
// removes the cap.
func WithMaxPages(n int) Option {
	return func(c *Client) {
		c.maxPages = n
	}
}

// WithRetry configures the exponential backoff applied to transient
// failures. maxAttempts counts the first request.
func WithRetry(maxAttempts int, initial, max time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.initialInterval = initial
		c.maxInterval = max
	}
}

func WithJitter(factor float64) Option {
	return func(c *Client) {
		c.jitter = factor
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// Client fetches dataset windows from the Radar API. Requests issued by one
// Client are spaced by its rate limiter.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	pageSize   int
	maxPages   int

	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	jitter          float64

	logger   *zap.Logger
	observer Observer
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL:         DefaultBaseURL,
		httpClient:      &http.Client{},
		limiter:         rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		timeout:         30 * time.Second,
		pageSize:        100,
		maxPages:        DefaultMaxPages,
		maxAttempts:     5,
		initialInterval: time.Second,
		maxInterval:     30 * time.Second,
		jitter:          0.2,
		logger:          zap.NewNop(),
		observer:        nopObserver{},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	if c.pageSize < 1 {
		c.pageSize = 100
	}
	return c
}

type page struct {
	records    []dataset.RawRecord
	totalCount int
}

// Fetch returns every record of the dataset for the window, following
// pagination until the API reports the end of results. A server that keeps
// returning the same page, or more than the configured number of pages, is
// a permanent failure.
func (c *Client) Fetch(ctx context.Context, d dataset.Descriptor, w dataset.Window) ([]dataset.RawRecord, error) {
	var (
		records []dataset.RawRecord
		first   dataset.RawRecord
	)

	for offset, n := 0, 0; ; n++ {
		if c.maxPages > 0 && n >= c.maxPages {
			return nil, c.fail(Permanent, d, w, 0, fmt.Errorf("pagination exceeded %d pages", c.maxPages))
		}

		p, err := c.fetchPage(ctx, d, w, offset)
		if err != nil {
			return nil, err
		}

		if len(p.records) > 0 {
			if n > 0 && p.records[0] == first {
				return nil, c.fail(Permanent, d, w, 0, fmt.Errorf("page at offset %d repeats the previous page", offset))
			}
			first = p.records[0]
		}

		records = append(records, p.records...)
		offset += len(p.records)

		c.logger.Debug("page fetched",
			zap.String("dataset", d.Name),
			zap.Stringer("window", w),
			zap.Int("records", len(p.records)),
			zap.Int("offset", offset),
			zap.Int("total_count", p.totalCount),
		)

		if len(p.records) == 0 {
			break
		}
		if p.totalCount >= 0 && offset >= p.totalCount {
			break
		}
		if p.totalCount < 0 && len(p.records) < c.pageSize {
			break
		}
	}

	return records, nil
}

// floorBackOff never returns less than the pending floor, which is consumed
// by the next call. It carries a server's Retry-After into the backoff.
type floorBackOff struct {
	backoff.BackOff
	floor time.Duration
}

func (b *floorBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && next < b.floor {
		next = b.floor
	}
	b.floor = 0
	return next
}

func (c *Client) newBackOff(ctx context.Context, floor *floorBackOff) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	b.RandomizationFactor = c.jitter
	b.MaxElapsedTime = 0
	floor.BackOff = b
	return backoff.WithContext(
		backoff.WithMaxRetries(floor, uint64(c.maxAttempts-1)),
		ctx,
	)
}

func (c *Client) fetchPage(ctx context.Context, d dataset.Descriptor, w dataset.Window, offset int) (*page, error) {
	var (
		result   *page
		attempts int
		floor    = &floorBackOff{}
	)

	operation := func() error {
		attempts++
		p, err := c.do(ctx, d, w, offset)
		if err == nil {
			result = p
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var fe *FetchError
		if !errors.As(err, &fe) {
			return c.fail(Transient, d, w, 0, err)
		}
		if fe.Kind == Permanent {
			return backoff.Permanent(err)
		}
		floor.floor = fe.RetryAfter
		return err
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("transient fetch failure, retrying",
			zap.String("dataset", d.Name),
			zap.Stringer("window", w),
			zap.Int("offset", offset),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
		c.observer.ObserveRetry(d.Name, err, next)
	}

	if err := backoff.RetryNotify(operation, c.newBackOff(ctx, floor), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var fe *FetchError
		if errors.As(err, &fe) {
			fe.Attempts = attempts
			return nil, fe
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) pageURL(d dataset.Descriptor, w dataset.Window, offset int) string {
	q := url.Values{}
	for k, v := range d.Params {
		q.Set(k, v)
	}
	q.Set("dateStart", w.Start.UTC().Format(time.RFC3339))
	q.Set("dateEnd", w.End.UTC().Format(time.RFC3339))
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))

	return c.baseURL + "/" + strings.TrimLeft(d.Endpoint, "/") + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, d dataset.Descriptor, w dataset.Window, offset int) (*page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.pageURL(d, w, offset)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, c.fail(Permanent, d, w, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.fail(Transient, d, w, 0, fmt.Errorf("GET %s: %w", d.Endpoint, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.observer.ObserveRequest(d.Name, resp.StatusCode, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.fail(Transient, d, w, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		fe := c.fail(Transient, d, w, resp.StatusCode, statusError(resp, body))
		fe.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, fe
	case resp.StatusCode >= 500:
		return nil, c.fail(Transient, d, w, resp.StatusCode, statusError(resp, body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, c.fail(Permanent, d, w, resp.StatusCode, statusError(resp, body))
	}

	return c.parse(d, w, resp.StatusCode, body)
}

func (c *Client) parse(d dataset.Descriptor, w dataset.Window, status int, body []byte) (*page, error) {
	if !gjson.ValidBytes(body) {
		return nil, c.fail(Permanent, d, w, status, errors.New("malformed JSON response"))
	}

	if success := gjson.GetBytes(body, "success"); success.Exists() && !success.Bool() {
		return nil, c.fail(Permanent, d, w, status, fmt.Errorf("api error: %s", apiErrors(body)))
	}

	result := gjson.GetBytes(body, "result."+d.ResultKey)
	if !result.Exists() {
		return nil, c.fail(Permanent, d, w, status, fmt.Errorf("response has no %q result", d.ResultKey))
	}

	p := &page{totalCount: -1}
	if result.Type != gjson.Null {
		if !result.IsArray() {
			return nil, c.fail(Permanent, d, w, status, fmt.Errorf("result %q is not an array", d.ResultKey))
		}
		for _, item := range result.Array() {
			p.records = append(p.records, dataset.RawRecord(item.Raw))
		}
	}

	if total := gjson.GetBytes(body, "result_info.total_count"); total.Exists() {
		p.totalCount = int(total.Int())
	}
	return p, nil
}

func (c *Client) fail(kind Kind, d dataset.Descriptor, w dataset.Window, status int, err error) *FetchError {
	return &FetchError{
		Kind:       kind,
		Dataset:    d.Name,
		Window:     w,
		StatusCode: status,
		Attempts:   1,
		Err:        err,
	}
}

// retryAfter parses a Retry-After header given either in seconds or as an
// HTTP date. It returns zero when the header is absent or unusable.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func statusError(resp *http.Response, body []byte) error {
	if msg := apiErrors(body); msg != "" {
		return fmt.Errorf("unexpected status %s: %s", resp.Status, msg)
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	if text == "" {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return fmt.Errorf("unexpected status %s: %s", resp.Status, text)
}

func apiErrors(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	var msgs []string
	for _, m := range gjson.GetBytes(body, "errors.#.message").Array() {
		msgs = append(msgs, m.String())
	}
	return strings.Join(msgs, "; ")
}

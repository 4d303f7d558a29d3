package capital

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bar-backfill/internal/clock"
	"bar-backfill/internal/metrics"
)

const (
	DefaultBaseURL = "https://api-capital.backend-capital.com/api/v1"

	// DefaultMaxBars is the per-request bar cap sent as max=.
	DefaultMaxBars = 1000

	// DefaultRatePerSecond matches a 100ms spacing between requests.
	DefaultRatePerSecond = 10.0

	maxResponseBody = 32 << 20
)

// Options configures a Client. Zero values fall back to the defaults above;
// a negative RatePerSecond disables pacing.
type Options struct {
	BaseURL       string
	RatePerSecond float64
	MaxBars       int
	Retry         RetryPolicy
	HTTPClient    *http.Client
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Client issues authorized, paced and retried requests against the provider.
// One Client is shared by all workers so the pacing budget is global.
type Client struct {
	baseURL string
	http    *http.Client
	creds   *Credentials
	pacer   *Pacer
	retry   RetryPolicy
	maxBars int
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Response is a successful exchange. Empty is set for 404, which the provider
// uses to say there is no data in the requested range.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Empty  bool
}

func NewClient(creds *Credentials, opts Options) (*Client, error) {
	if creds == nil {
		return nil, fmt.Errorf("capital: credentials are required")
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("capital: parse base URL: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = NewHTTPClient(DefaultTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBars <= 0 {
		opts.MaxBars = DefaultMaxBars
	}
	if opts.RatePerSecond == 0 {
		opts.RatePerSecond = DefaultRatePerSecond
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    opts.HTTPClient,
		creds:   creds,
		pacer:   NewPacer(opts.RatePerSecond, opts.Clock),
		retry:   opts.Retry.withDefaults(),
		maxBars: opts.MaxBars,
		clock:   opts.Clock,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// GetName returns provider name
func (c *Client) GetName() string { return "Capital.com" }

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Credentials exposes the shared holder so callers can refresh after ErrAuth.
func (c *Client) Credentials() *Credentials { return c.creds }

// Request runs one logical request: pace, send, classify, and retry per the
// RetryPolicy. A spent retry budget is reported as KindFatal wrapping the last
// failure. ErrAuth and other non-retryable failures are returned as is.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		payload = b
	}

	rs := c.retry.start()
	for {
		waited, err := c.pacer.Wait(ctx)
		if err != nil {
			return nil, err
		}
		c.metrics.PacingWait(waited)

		resp, err := c.once(ctx, method, path, query, payload)
		if err == nil {
			if resp.Empty {
				c.metrics.Request("empty")
			} else {
				c.metrics.Request("ok")
			}
			return resp, nil
		}

		kind := KindOf(err)
		c.metrics.Request(kind.String())
		if !c.retry.retryable(err) {
			return nil, err
		}
		wait, ok := rs.next(err)
		if !ok {
			fatal := &RequestError{Kind: KindFatal, Method: method, Path: path, Attempts: rs.attempts(), Err: err}
			var re *RequestError
			if errors.As(err, &re) {
				fatal.Status = re.Status
			}
			return nil, fatal
		}
		c.metrics.Retry(kind.String())
		c.log.Warn("provider request failed, retrying",
			"method", method, "path", path, "kind", kind.String(),
			"attempt", rs.attempts(), "wait", wait, "error", err)
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// once performs a single HTTP exchange. The exchange itself is not cancelled
// with ctx; the transport timeout bounds it.
func (c *Client) once(ctx context.Context, method, path string, query url.Values, payload []byte) (*Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), method, u, rdr)
	if err != nil {
		return nil, &RequestError{Kind: KindFatal, Method: method, Path: path, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.creds.Apply(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Kind: KindTransient, Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &RequestError{Kind: KindTransient, Method: method, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		return &Response{Status: code, Header: resp.Header, Body: data}, nil
	case code == http.StatusNotFound:
		return &Response{Status: code, Header: resp.Header, Empty: true}, nil
	case code == http.StatusTooManyRequests:
		return nil, &RequestError{
			Kind: KindRateLimited, Method: method, Path: path, Status: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()),
			Body:       truncateBody(data),
		}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, &RequestError{Kind: KindAuth, Method: method, Path: path, Status: code, Body: truncateBody(data)}
	case code >= 500:
		return nil, &RequestError{Kind: KindTransient, Method: method, Path: path, Status: code, Body: truncateBody(data)}
	default:
		return nil, &RequestError{Kind: KindFatal, Method: method, Path: path, Status: code, Body: truncateBody(data)}
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP-date. Unusable values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
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
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

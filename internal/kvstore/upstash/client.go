// Package upstash implements kvstore.Client against the Upstash REST API.
//
// Single commands are sent as a JSON array to the database URL; pipelines are
// sent as an array of arrays to {url}/pipeline. Replies are requested with
// base64 encoding so keys and DUMP payloads survive the JSON round trip.
package upstash

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/syntrixbase/kvexport/internal/kvstore"
	"github.com/syntrixbase/kvexport/internal/metrics"
)

// Options configures the REST client.
type Options struct {
	// URL is the REST endpoint of the database, without trailing slash.
	URL string

	// Token is sent as a bearer token on every request.
	Token string

	// ScanTimeout bounds a single SCAN call. Default: 30s
	ScanTimeout time.Duration

	// CallTimeout bounds single-key calls. Default: 30s
	CallTimeout time.Duration

	// PipelineTimeout bounds MGET and pipeline calls. Default: 60s
	PipelineTimeout time.Duration

	// RawEncoding disables the base64 reply encoding.
	RawEncoding bool

	// RateLimit paces outgoing requests.
	RateLimit kvstore.RateLimitConfig

	// HTTPClient overrides the default http.Client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to one database over HTTP.
type Client struct {
	url     string
	token   string
	base64  bool
	http    *http.Client
	limiter *kvstore.Limiter
	logger  *slog.Logger

	scanTimeout     time.Duration
	callTimeout     time.Duration
	pipelineTimeout time.Duration
}

var (
	_ kvstore.Client    = (*Client)(nil)
	_ kvstore.Pipeliner = (*Client)(nil)
)

// New creates a REST client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("upstash: url is required")
	}
	if opts.Token == "" {
		return nil, errors.New("upstash: token is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		url:             strings.TrimRight(opts.URL, "/"),
		token:           opts.Token,
		base64:          !opts.RawEncoding,
		http:            httpClient,
		limiter:         kvstore.NewLimiter(opts.RateLimit),
		logger:          logger.With("component", "upstash-client"),
		scanTimeout:     opts.ScanTimeout,
		callTimeout:     opts.CallTimeout,
		pipelineTimeout: opts.PipelineTimeout,
	}
	if c.scanTimeout <= 0 {
		c.scanTimeout = 30 * time.Second
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 30 * time.Second
	}
	if c.pipelineTimeout <= 0 {
		c.pipelineTimeout = 60 * time.Second
	}
	return c, nil
}

// URL returns the endpoint the client talks to.
func (c *Client) URL() string {
	return c.url
}

// Scan implements kvstore.Client.
func (c *Client) Scan(ctx context.Context, cursor string, count int, match string) (string, []string, error) {
	cmd := []string{"SCAN", cursor}
	if match != "" {
		cmd = append(cmd, "MATCH", match)
	}
	if count > 0 {
		cmd = append(cmd, "COUNT", strconv.Itoa(count))
	}

	reply, err := c.command(ctx, "scan", c.scanTimeout, cmd)
	if err != nil {
		return "", nil, err
	}

	parts, ok := reply.([]any)
	if !ok || len(parts) != 2 {
		return "", nil, &kvstore.FatalCallError{Op: "scan", Err: fmt.Errorf("unexpected reply %T", reply)}
	}
	next, ok := parts[0].(string)
	if !ok {
		return "", nil, &kvstore.FatalCallError{Op: "scan", Err: fmt.Errorf("unexpected cursor %T", parts[0])}
	}
	rawKeys, ok := parts[1].([]any)
	if !ok && parts[1] != nil {
		return "", nil, &kvstore.FatalCallError{Op: "scan", Err: fmt.Errorf("unexpected key list %T", parts[1])}
	}
	keys := make([]string, 0, len(rawKeys))
	for _, k := range rawKeys {
		s, ok := k.(string)
		if !ok {
			return "", nil, &kvstore.FatalCallError{Op: "scan", Err: fmt.Errorf("unexpected key %T", k)}
		}
		keys = append(keys, s)
	}
	return next, keys, nil
}

// MultiGet implements kvstore.Client.
func (c *Client) MultiGet(ctx context.Context, keys []string) ([]*string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmd := append([]string{"MGET"}, keys...)
	reply, err := c.command(ctx, "mget", c.pipelineTimeout, cmd)
	if err != nil {
		return nil, err
	}

	items, ok := reply.([]any)
	if !ok || len(items) != len(keys) {
		return nil, &kvstore.FatalCallError{Op: "mget", Err: fmt.Errorf("expected %d values, got %T", len(keys), reply)}
	}
	values := make([]*string, len(items))
	for i, item := range items {
		if s, ok := item.(string); ok {
			values[i] = &s
		}
	}
	return values, nil
}

// Type implements kvstore.Client.
func (c *Client) Type(ctx context.Context, key string) (string, error) {
	reply, err := c.command(ctx, "type", c.callTimeout, []string{"TYPE", key})
	if err != nil {
		return "", err
	}
	s, _ := reply.(string)
	if s == "" {
		s = kvstore.TypeNone
	}
	return s, nil
}

// Dump implements kvstore.Client.
func (c *Client) Dump(ctx context.Context, key string) ([]byte, error) {
	reply, err := c.command(ctx, "dump", c.callTimeout, []string{"DUMP", key})
	if err != nil {
		return nil, err
	}
	return kvstore.Result{Value: reply}.Bytes(), nil
}

// PTTL implements kvstore.Client.
func (c *Client) PTTL(ctx context.Context, key string) (int64, error) {
	reply, err := c.command(ctx, "pttl", c.callTimeout, []string{"PTTL", key})
	if err != nil {
		return 0, err
	}
	n, ok := kvstore.Result{Value: reply}.Int()
	if !ok {
		return 0, &kvstore.FatalCallError{Op: "pttl", Err: fmt.Errorf("unexpected reply %T", reply)}
	}
	return n, nil
}

// Pipeline implements kvstore.Pipeliner.
func (c *Client) Pipeline(ctx context.Context, cmds [][]string) ([]kvstore.Result, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	body, err := c.post(ctx, "pipeline", c.pipelineTimeout, c.url+"/pipeline", cmds)
	if err != nil {
		return nil, err
	}

	var replies []reply
	if err := decodeJSON(body, &replies); err != nil {
		return nil, &kvstore.FatalCallError{Op: "pipeline", Err: fmt.Errorf("failed to decode reply: %w", err)}
	}
	if len(replies) != len(cmds) {
		return nil, &kvstore.FatalCallError{Op: "pipeline", Err: fmt.Errorf("expected %d replies, got %d", len(cmds), len(replies))}
	}

	results := make([]kvstore.Result, len(replies))
	for i, r := range replies {
		if r.Error != "" {
			results[i] = kvstore.Result{Err: fmt.Errorf("%s: %s", cmds[i][0], r.Error)}
			continue
		}
		value, err := c.decodeValue(r.Result)
		if err != nil {
			results[i] = kvstore.Result{Err: err}
			continue
		}
		results[i] = kvstore.Result{Value: value}
	}
	return results, nil
}

type reply struct {
	Result any    `json:"result"`
	Error  string `json:"error"`
}

func (c *Client) command(ctx context.Context, op string, timeout time.Duration, cmd []string) (any, error) {
	body, err := c.post(ctx, op, timeout, c.url, cmd)
	if err != nil {
		return nil, err
	}

	var r reply
	if err := decodeJSON(body, &r); err != nil {
		return nil, &kvstore.FatalCallError{Op: op, Err: fmt.Errorf("failed to decode reply: %w", err)}
	}
	if r.Error != "" {
		return nil, &kvstore.FatalCallError{Op: op, Err: errors.New(r.Error)}
	}
	value, err := c.decodeValue(r.Result)
	if err != nil {
		return nil, &kvstore.FatalCallError{Op: op, Err: err}
	}
	return value, nil
}

// post sends payload and returns the body of a 2xx response. Network
// failures, timeouts, 429 and 5xx are transient; other statuses are fatal.
func (c *Client) post(ctx context.Context, op string, timeout time.Duration, url string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &kvstore.FatalCallError{Op: op, Err: fmt.Errorf("failed to marshal command: %w", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &kvstore.FatalCallError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if c.base64 {
		req.Header.Set("Upstash-Encoding", "base64")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RemoteCallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RemoteCalls.WithLabelValues(op, "error").Inc()
		// The caller gave up; retrying would not help.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &kvstore.TransientCallError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RemoteCalls.WithLabelValues(op, "error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &kvstore.TransientCallError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.RemoteCalls.WithLabelValues(op, "ok").Inc()
		return body, nil
	}

	metrics.RemoteCalls.WithLabelValues(op, "error").Inc()
	msg := errorMessage(body, resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		c.logger.Debug("transient remote failure", "op", op, "status", resp.StatusCode, "error", msg)
		return nil, &kvstore.TransientCallError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	return nil, &kvstore.FatalCallError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
}

// decodeValue turns a JSON reply into nil, string, int64 or []any, decoding
// base64 strings when enabled.
func (c *Client) decodeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		// OK status replies are never encoded.
		if !c.base64 || val == "OK" {
			return val, nil
		}
		raw, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 reply: %w", err)
		}
		return string(raw), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			f, ferr := val.Float64()
			if ferr != nil {
				return nil, fmt.Errorf("invalid number %q: %w", val, err)
			}
			return int64(f), nil
		}
		return n, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			decoded, err := c.decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unsupported reply type %T", v)
	}
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func errorMessage(body []byte, status int) string {
	var r reply
	if err := json.Unmarshal(body, &r); err == nil && r.Error != "" {
		return r.Error
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}

// Package httpfs implements remote.Filesystem over the sandbox HTTP API: REST for
// listing, reading and writing, SSE or WebSocket for change notification, and signed
// download URLs.
package httpfs

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
	"github.com/fruitsalade/sandboxfs/pkg/remote"
	"github.com/fruitsalade/sandboxfs/pkg/retry"
)

// Transport selects how change notifications are received.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// Config holds client configuration.
type Config struct {
	BaseURL        string
	AccessToken    string
	Timeout        time.Duration
	RetryConfig    retry.Config
	WatchTransport Transport
	// ReconnectMin and ReconnectMax bound the watch reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxReadBytes rejects larger file bodies. Zero means no limit.
	MaxReadBytes int64
	Logger       *zap.Logger
}

// Client talks to one sandbox filesystem API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	watchClient  *http.Client
	retryConfig  retry.Config
	transport    Transport
	reconnectMin time.Duration
	reconnectMax time.Duration
	maxReadBytes int64
	log          *zap.Logger

	mu          sync.RWMutex
	accessToken string
}

var _ remote.Filesystem = (*Client)(nil)

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.WatchTransport == "" {
		cfg.WatchTransport = TransportSSE
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		// No timeout for long-lived watch streams.
		watchClient:  &http.Client{Transport: transport},
		retryConfig:  cfg.RetryConfig,
		transport:    cfg.WatchTransport,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		maxReadBytes: cfg.MaxReadBytes,
		log:          cfg.Logger.Named("httpfs"),
		accessToken:  cfg.AccessToken,
	}
}

// SetAccessToken replaces the bearer token used for requests and URL signing.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) applyAuth(req *http.Request) {
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) endpoint(p string, query url.Values) string {
	u := c.baseURL + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// List returns the entries of the directory at path.
func (c *Client) List(ctx context.Context, path string) ([]remote.Entry, error) {
	path = pathutil.Normalize(path)
	body, err := c.do(ctx, http.MethodGet, c.endpoint(pathList, url.Values{"path": {path}}), nil, path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	var resp ListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("list %s: decode: %w", path, err)
	}

	entries := resp.Entries[:0]
	for _, e := range resp.Entries {
		if e.Path == "" {
			e.Path = pathutil.Join(path, e.Name)
		}
		e.Path = pathutil.Normalize(e.Path)
		if e.Name == "" {
			e.Name = pathutil.Base(e.Path)
		}
		if e.Type != remote.TypeDir {
			e.Type = remote.TypeFile
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Read returns the content of the file at path.
func (c *Client) Read(ctx context.Context, path string, opts remote.ReadOptions) ([]byte, error) {
	path = pathutil.Normalize(path)
	format := opts.Format
	if format == "" {
		format = remote.FormatBytes
	}
	q := url.Values{"path": {path}, "format": {string(format)}}
	body, err := c.do(ctx, http.MethodGet, c.endpoint(pathFiles, q), nil, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return body, nil
}

// Write replaces the content of the file at path.
func (c *Client) Write(ctx context.Context, path string, data []byte) error {
	path = pathutil.Normalize(path)
	if _, err := c.do(ctx, http.MethodPut, c.endpoint(pathFiles, url.Values{"path": {path}}), data, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// WatchDir subscribes to changes under path over the configured transport.
func (c *Client) WatchDir(ctx context.Context, path string, opts remote.WatchOptions) (remote.Watch, error) {
	path = pathutil.Normalize(path)
	switch c.transport {
	case TransportWebSocket:
		return c.watchWebSocket(ctx, path, opts)
	case TransportSSE:
		return c.watchSSE(ctx, path, opts)
	default:
		return nil, fmt.Errorf("watch transport %q: %w", c.transport, remote.ErrUnsupported)
	}
}

// do performs a request with retries and returns the decoded body of a 2xx response.
func (c *Client) do(ctx context.Context, method, u string, payload []byte, path string) ([]byte, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() ([]byte, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return nil, err
		}

		requestID := uuid.NewString()
		req.Header.Set("X-Request-ID", requestID)
		req.Header.Set("Accept-Encoding", "gzip")
		if payload != nil {
			req.Header.Set("Content-Type", "application/octet-stream")
		}
		c.applyAuth(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Debug("request failed",
				zap.String("request_id", requestID),
				zap.String("method", method),
				zap.String("path", path),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		c.log.Debug("request completed",
			zap.String("request_id", requestID),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)),
		)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, statusError(resp)
		}

		var reader io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("gzip: %w", err)
			}
			defer gr.Close()
			reader = gr
		}
		if c.maxReadBytes > 0 {
			reader = io.LimitReader(reader, c.maxReadBytes+1)
		}

		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("read body: %w", err))
		}
		if c.maxReadBytes > 0 && int64(len(data)) > c.maxReadBytes {
			return nil, fmt.Errorf("file too large: more than %d bytes", c.maxReadBytes)
		}
		return data, nil
	})
}

// statusError maps a non-2xx response to an error. Server errors are retryable.
func statusError(resp *http.Response) error {
	msg := ""
	var errResp ErrorResponse
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil {
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		} else {
			msg = strings.TrimSpace(string(data))
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return remote.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return remote.ErrPermission
	case resp.StatusCode == http.StatusNotImplemented:
		return remote.ErrUnsupported
	case resp.StatusCode >= 500:
		return retry.Retryable(fmt.Errorf("server error: %d %s", resp.StatusCode, msg))
	case msg != "":
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	default:
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
}

// toEvent converts a wire event to one relative to the watched root.
func toEvent(root string, we WatchEvent) (remote.Event, bool) {
	name := we.Name
	if name == "" && we.Path != "" {
		rel, ok := pathutil.Rel(root, we.Path)
		if !ok {
			return remote.Event{}, false
		}
		name = rel
	}
	if we.Type == "" || name == "" {
		return remote.Event{}, false
	}
	return remote.Event{Type: remote.EventType(strings.ToLower(we.Type)), Name: strings.TrimPrefix(name, "/")}, true
}

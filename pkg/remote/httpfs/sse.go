package httpfs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/sandboxfs/pkg/remote"
)

var errStreamClosed = errors.New("connection closed")

// watchSSE opens the event stream synchronously, so a failure to subscribe is returned
// to the caller, and then keeps it alive with capped exponential reconnects.
func (c *Client) watchSSE(ctx context.Context, root string, opts remote.WatchOptions) (remote.Watch, error) {
	watchCtx, cancel := context.WithCancel(context.Background())
	stream := remote.NewStream(100, func() error {
		cancel()
		return nil
	})

	u := c.endpoint(pathWatch, url.Values{
		"path":      {root},
		"recursive": {strconv.FormatBool(opts.Recursive)},
	})

	resp, err := c.openSSE(watchCtx, u, opts.Timeout)
	if err != nil {
		_ = stream.Stop()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}

	stream.Go(func() { c.sseLoop(watchCtx, stream, u, root, resp) })
	stream.StopOnDone(ctx)
	return stream, nil
}

func (c *Client) openSSE(ctx context.Context, u string, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.applyAuth(req)

	// Bound only the handshake; the body stays open once headers arrive.
	reqCtx, cancel := context.WithCancel(ctx)
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, cancel)
	}

	resp, err := c.watchClient.Do(req.WithContext(reqCtx))
	if timer != nil && !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("connect: timeout after %s", timeout)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return checkSSE(resp, cancel)
}

func checkSSE(resp *http.Response, cancel context.CancelFunc) (*http.Response, error) {
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		resp.Body.Close()
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *Client) sseLoop(ctx context.Context, stream *remote.Stream, u, root string, resp *http.Response) {
	reconnectDelay := c.reconnectMin

	for {
		err := c.readSSE(ctx, stream, root, resp)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("watch stream lost", zap.String("root", root), zap.Error(err),
			zap.Duration("reconnect_in", reconnectDelay))
		stream.Fail(fmt.Errorf("watch %s: %w", root, err))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}

			resp, err = c.openSSE(ctx, u, 0)
			if err == nil {
				c.log.Info("watch stream reconnected", zap.String("root", root))
				reconnectDelay = c.reconnectMin
				break
			}
			if ctx.Err() != nil {
				return
			}
			reconnectDelay *= 2
			if reconnectDelay > c.reconnectMax {
				reconnectDelay = c.reconnectMax
			}
			c.log.Warn("watch reconnect failed", zap.Error(err), zap.Duration("reconnect_in", reconnectDelay))
		}
	}
}

// readSSE parses "event:" and "data:" lines until the stream ends. Data carries a
// JSON WatchEvent; the event field, when present, overrides its type.
func (c *Client) readSSE(ctx context.Context, stream *remote.Stream, root string, resp *http.Response) error {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if line == "" {
			if data.Len() > 0 {
				var we WatchEvent
				if err := json.Unmarshal([]byte(data.String()), &we); err != nil {
					c.log.Debug("malformed watch event", zap.String("data", data.String()), zap.Error(err))
				} else {
					if eventType != "" && eventType != "message" {
						we.Type = eventType
					}
					if ev, ok := toEvent(root, we); ok && !stream.Emit(ev) {
						return ctx.Err()
					}
				}
			}
			eventType = ""
			data.Reset()
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return errStreamClosed
}

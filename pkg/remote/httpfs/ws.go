package httpfs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/sandboxfs/pkg/remote"
)

// wsWatch keeps the current connection so Stop can unblock a pending read.
type wsWatch struct {
	mu   sync.Mutex
	conn *ws.Conn
}

func (w *wsWatch) set(conn *ws.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}

func (w *wsWatch) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return w.conn.Close()
}

func (c *Client) watchWebSocket(ctx context.Context, root string, opts remote.WatchOptions) (remote.Watch, error) {
	u, err := c.wsURL(root, opts.Recursive)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	w := &wsWatch{}
	stream := remote.NewStream(100, func() error {
		cancel()
		return w.close()
	})

	conn, err := c.dialWS(watchCtx, u, opts.Timeout)
	if err != nil {
		_ = stream.Stop()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	w.set(conn)

	stream.Go(func() { c.wsLoop(watchCtx, stream, w, u, root, conn) })
	stream.StopOnDone(ctx)
	return stream, nil
}

func (c *Client) wsURL(root string, recursive bool) (string, error) {
	u, err := url.Parse(c.baseURL + pathWatchWS)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.RawQuery = url.Values{
		"path":      {root},
		"recursive": {strconv.FormatBool(recursive)},
	}.Encode()
	return u.String(), nil
}

func (c *Client) dialWS(ctx context.Context, u string, timeout time.Duration) (*ws.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	header := http.Header{}
	if token := c.token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := ws.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, statusError(resp)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func (c *Client) wsLoop(ctx context.Context, stream *remote.Stream, w *wsWatch, u, root string, conn *ws.Conn) {
	reconnectDelay := c.reconnectMin

	for {
		err := c.readWS(stream, root, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("watch socket lost", zap.String("root", root), zap.Error(err),
			zap.Duration("reconnect_in", reconnectDelay))
		stream.Fail(fmt.Errorf("watch %s: %w", root, err))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}

			conn, err = c.dialWS(ctx, u, 0)
			if err == nil {
				w.set(conn)
				c.log.Info("watch socket reconnected", zap.String("root", root))
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
		}
	}
}

// readWS reads JSON text frames until the connection fails.
func (c *Client) readWS(stream *remote.Stream, root string, conn *ws.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != ws.TextMessage {
			continue
		}

		var we WatchEvent
		if err := json.Unmarshal(data, &we); err != nil {
			c.log.Debug("malformed watch event", zap.String("data", strings.TrimSpace(string(data))), zap.Error(err))
			continue
		}
		if ev, ok := toEvent(root, we); ok && !stream.Emit(ev) {
			return nil
		}
	}
}

package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relayreport/internal/ingest"
)

const defaultWebsocketTimeout = 5 * time.Second

// WebsocketNotifier streams notifications as JSON text frames over one
// long-lived connection. The connection is dialed on first use; after a
// failed write it is dropped and the next Notify dials again. Each Notify,
// including the wait for the connection, is bounded by the notifier timeout.
type WebsocketNotifier struct {
	endpoint string
	token    string
	logger   zerolog.Logger
	timeout  time.Duration

	// sem guards conn; unlike a mutex, waiting for it honours ctx.
	sem  chan struct{}
	conn *websocket.Conn
}

func NewWebsocketNotifier(endpoint, token string, logger zerolog.Logger) (*WebsocketNotifier, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
		return nil, fmt.Errorf("notify: websocket endpoint must use ws:// or wss://, got %q", endpoint)
	}
	return &WebsocketNotifier{
		endpoint: endpoint,
		token:    strings.TrimSpace(token),
		logger:   logger,
		timeout:  defaultWebsocketTimeout,
		sem:      make(chan struct{}, 1),
	}, nil
}

func (n *WebsocketNotifier) lock(ctx context.Context) error {
	select {
	case n.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket notify %s: %w", n.endpoint, ctx.Err())
	}
}

func (n *WebsocketNotifier) unlock() {
	<-n.sem
}

func (n *WebsocketNotifier) Notify(ctx context.Context, notification ingest.Notification) error {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if err := n.lock(ctx); err != nil {
		return err
	}
	defer n.unlock()

	if n.conn == nil {
		conn, err := n.dial(ctx)
		if err != nil {
			return err
		}
		n.conn = conn
	}
	if err := wsjson.Write(ctx, n.conn, notification); err != nil {
		n.logger.Warn().Err(err).Str("endpoint", n.endpoint).Msg("websocket notify failed; reconnecting on next notification")
		_ = n.conn.Close(websocket.StatusGoingAway, "write failed")
		n.conn = nil
		return err
	}
	return nil
}

func (n *WebsocketNotifier) dial(ctx context.Context) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{}
	if n.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + n.token}}
	}
	conn, resp, err := websocket.Dial(ctx, n.endpoint, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", n.endpoint, err)
	}
	return conn, nil
}

func (n *WebsocketNotifier) Close() error {
	if err := n.lock(context.Background()); err != nil {
		return err
	}
	defer n.unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close(websocket.StatusNormalClosure, "")
	n.conn = nil
	return err
}

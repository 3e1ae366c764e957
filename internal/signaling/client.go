package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type ClientConfig struct {
	// URL is the relay endpoint, e.g. wss://relay.example.com/signal.
	URL        string
	PeerID     string
	Credential string

	// IdleTimeout closes the connection when nothing (not even a ping) arrives
	// for this long. Zero disables it.
	IdleTimeout     time.Duration
	MaxMessageBytes int64

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client is a websocket connection to a relay Server.
type Client struct {
	Router

	conn   *websocket.Conn
	peerID string
	cfg    ClientConfig
	logger *slog.Logger

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.PeerID == "" {
		return nil, errors.New("peer id is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url %q: %w", cfg.URL, err)
	}
	q := u.Query()
	q.Set("peer", cfg.PeerID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.Credential != "" {
		header.Set("Authorization", "Bearer "+cfg.Credential)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:   conn,
		peerID: cfg.PeerID,
		cfg:    cfg,
		logger: logger.With("component", "signal_client", "peer", cfg.PeerID),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) PeerID() string { return c.peerID }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Publish(ctx context.Context, ev Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	ev.From = c.peerID
	if ev.To == "" {
		return errors.New("event missing recipient")
	}
	data, err := ev.Marshal()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	writeClose(c.conn, websocket.CloseNormalClosure, "bye")
	c.writeMu.Unlock()
	c.finish(ErrClosed)
	return nil
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *Client) extendDeadline() {
	if c.cfg.IdleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}
}

func (c *Client) readLoop() {
	if c.cfg.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	}
	c.extendDeadline()
	c.conn.SetPingHandler(func(appData string) error {
		c.extendDeadline()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !isTimeout(err) {
			return err
		}
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		c.extendDeadline()
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn("signal_event_invalid", "err", err)
			continue
		}
		if ev.Type == KindError {
			c.logger.Warn("relay_error", "code", ev.Code, "message", ev.Message)
		}
		if c.Dispatch(ev) == 0 {
			c.logger.Debug("signal_event_unhandled", "type", ev.Type, "call_id", ev.CallID)
		}
	}
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Shen-Yukang/musea-voice/internal/protocol"
)

const (
	relayWriteTimeout     = 3 * time.Second
	relayHandshakeTimeout = 4 * time.Second
)

// Client speaks the relay websocket protocol: it forwards play requests to a
// remote playback endpoint and waits for the acceptance ack. An ack means the
// relay took the request, not that audio finished; completion is the caller's
// problem.
type Client struct {
	wsURL      string
	language   string
	ackTimeout time.Duration
	dialer     websocket.Dialer

	// writeMu serializes frame writes: the websocket allows at most one
	// concurrent writer and a single client is shared across sessions.
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan protocol.PlayAck
	available bool
	closed    bool
}

func NewClient(rawURL, language string, ackTimeout time.Duration) (*Client, error) {
	wsURL, err := normalizeRelayURL(rawURL)
	if err != nil {
		return nil, err
	}
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &Client{
		wsURL:      wsURL,
		language:   strings.TrimSpace(language),
		ackTimeout: ackTimeout,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: relayHandshakeTimeout,
		},
		pending:   make(map[string]chan protocol.PlayAck),
		available: true,
	}, nil
}

func normalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("relay url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Available reflects the last known relay health: the most recent status
// beacon, or the outcome of the last dial attempt.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available && !c.closed
}

// Play sends one play request and blocks until the relay acks it, the ack
// timeout elapses, or ctx is cancelled.
func (c *Client) Play(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("relay play text is empty")
	}

	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	ackCh := make(chan protocol.PlayAck, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("relay client is closed")
	}
	c.pending[requestID] = ackCh
	c.mu.Unlock()
	defer c.dropPending(requestID)

	req := protocol.PlayRequest{
		Type:      protocol.TypePlayRequest,
		RequestID: requestID,
		Text:      text,
		Language:  c.language,
		TSMs:      time.Now().UnixMilli(),
	}
	if err := c.writeRelayJSON(conn, req, relayWriteTimeout); err != nil {
		c.teardown(conn, err)
		return fmt.Errorf("relay play write: %w", err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("relay ack timeout after %s (request=%s)", c.ackTimeout, requestID)
	case ack, ok := <-ackCh:
		if !ok {
			return errors.New("relay connection lost before ack")
		}
		if !ack.Accepted {
			detail := strings.TrimSpace(ack.Detail)
			if detail == "" {
				detail = "relay rejected play request"
			}
			return fmt.Errorf("%s (request=%s)", detail, requestID)
		}
		return nil
	}
}

// Stop asks the relay to halt current playback. Fire and forget: the relay
// does not ack stops.
func (c *Client) Stop(ctx context.Context) error {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	req := protocol.StopRequest{
		Type:      protocol.TypeStopRequest,
		RequestID: uuid.NewString(),
		TSMs:      time.Now().UnixMilli(),
	}
	if err := c.writeRelayJSON(conn, req, relayWriteTimeout); err != nil {
		c.teardown(conn, err)
		return fmt.Errorf("relay stop write: %w", err)
	}
	return nil
}

// Close shuts the connection down and fails all pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ensureConnected dials lazily and reconnects after a drop.
func (c *Client) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("relay client is closed")
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.mu.Lock()
		c.available = false
		c.mu.Unlock()
		if resp != nil {
			return nil, fmt.Errorf("relay dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("relay dial failed: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("relay client is closed")
	}
	if c.conn != nil {
		// Another caller won the dial race.
		existing := c.conn
		c.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	c.conn = conn
	c.available = true
	c.mu.Unlock()

	go c.readLoop(conn)
	return conn, nil
}

// readLoop dispatches inbound frames until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.teardown(conn, err)
			return
		}
		msg, err := protocol.ParseRelayMessage(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnsupportedType) {
				log.Printf("relay: dropping malformed frame: %v", err)
			}
			continue
		}
		switch m := msg.(type) {
		case protocol.PlayAck:
			c.deliverAck(m)
		case protocol.RelayStatus:
			c.mu.Lock()
			c.available = m.Available
			c.mu.Unlock()
		case protocol.ErrorEvent:
			if m.RequestID != "" {
				c.deliverAck(protocol.PlayAck{
					Type:      protocol.TypePlayAck,
					RequestID: m.RequestID,
					Accepted:  false,
					Detail:    m.Detail,
				})
			} else {
				log.Printf("relay: error event %s: %s", m.Code, m.Detail)
			}
		}
	}
}

func (c *Client) deliverAck(ack protocol.PlayAck) {
	c.mu.Lock()
	ch := c.pending[ack.RequestID]
	delete(c.pending, ack.RequestID)
	c.mu.Unlock()
	if ch != nil {
		ch <- ack
	}
}

func (c *Client) dropPending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// teardown closes a dropped connection and fails everything waiting on it.
func (c *Client) teardown(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.available = false
		c.failPendingLocked()
	}
	c.mu.Unlock()
	_ = conn.Close()
	if err != nil && !c.isClosed() {
		log.Printf("relay: connection lost: %v", err)
	}
}

func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) writeRelayJSON(conn *websocket.Conn, payload any, timeout time.Duration) error {
	if conn == nil {
		return errors.New("relay connection is nil")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteJSON(payload)
}

package presenter

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/avatar-chat/internal/protocol"
)

// Client is a presenter connection to the bridge. Server messages are
// dispatched by type to handlers registered with On.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.RWMutex
	handlers  map[string]func(json.RawMessage)
	sessionID string
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the bridge WebSocket endpoint at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("presenter: dial %s: %w", url, err)
	}
	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send encodes msg and writes it as one text frame.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("presenter: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On sets the handler for a server message type. Handlers run on the read
// goroutine and should hand work off quickly.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForSession blocks until the bridge has assigned a presenter id.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.SessionID() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("presenter: connection closed before session was created")
		case <-ticker.C:
		}
	}
}

// SessionID returns the presenter id, or "" before the handshake.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the read error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if envelope.Type == protocol.TypeSessionCreated {
			c.mu.Lock()
			c.sessionID = envelope.SessionID
			c.mu.Unlock()
		}

		c.mu.RLock()
		h := c.handlers[envelope.Type]
		c.mu.RUnlock()
		if h != nil {
			h(json.RawMessage(data))
		}
	}
}

package ws

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one presenter. Frames are written under writeMu; timeline
// pushes go through a one-slot queue so a slow presenter only ever misses
// intermediate timelines, never the latest.
type Connection struct {
	ID        string    // presenter id (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	lastActive   atomic.Int64 // unix nanos of the last frame received
	writeMu      sync.Mutex
	writeTimeout time.Duration
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn

	latest chan []byte
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	channel     string
	unsubscribe func()
}

func newConnection(id string, conn net.Conn, fd int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		latest:       make(chan []byte, 1),
		closed:       make(chan struct{}),
	}
	c.Touch()
	return c
}

// Touch records activity from the presenter.
func (c *Connection) Touch() { c.lastActive.Store(time.Now().UnixNano()) }

// LastActive is the time of the last frame received.
func (c *Connection) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

// WriteMessage sends a text frame now.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Push queues data for the writer goroutine, replacing anything not yet
// written. It never blocks.
func (c *Connection) Push(data []byte) {
	for {
		select {
		case <-c.closed:
			return
		case c.latest <- data:
			return
		default:
			select {
			case <-c.latest:
			default:
			}
		}
	}
}

func (c *Connection) writeLoop(onError func()) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.latest:
			if err := c.WriteMessage(data); err != nil {
				log.Printf("ws: write to presenter %s failed: %v", c.ID, err)
				onError()
				return
			}
		}
	}
}

// Attach binds the connection to a conversation channel. unsubscribe is
// called on the next Attach or when the connection closes.
func (c *Connection) Attach(channel string, unsubscribe func()) {
	c.mu.Lock()
	prev := c.unsubscribe
	c.channel, c.unsubscribe = channel, unsubscribe
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Channel returns the attached conversation channel, or "".
func (c *Connection) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Close detaches the connection and closes the socket.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.Attach("", nil)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager indexes live connections by id, descriptor and
// net.Conn.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers conn.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove unregisters and closes the connection with id. It reports false
// when the connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection with id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// InChannel returns the connections attached to channel.
func (cm *ConnectionManager) InChannel(channel string) []*Connection {
	var out []*Connection
	for _, c := range cm.All() {
		if c.Channel() == channel {
			out = append(out, c)
		}
	}
	return out
}

// All returns a snapshot of every connection.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

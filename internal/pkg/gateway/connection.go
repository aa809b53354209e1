package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection is one websocket session of a user. A user may hold several,
// one per open tab or device.
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	// mu serializes writes on Conn
	mu sync.Mutex

	lastHeartbeat time.Time
	heartbeatMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	closed   bool
	closedMu sync.Mutex
}

func NewConnection(ctx context.Context, userID string, conn *websocket.Conn, sendBuffer int) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Connection{
		ID:            uuid.New().String(),
		UserID:        userID,
		Conn:          conn,
		Send:          make(chan []byte, sendBuffer),
		lastHeartbeat: time.Now(),
		ctx:           connCtx,
		cancel:        cancel,
	}
}

func (c *Connection) WriteMessage(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.IsClosed() {
		return websocket.ErrCloseSent
	}
	_ = c.Conn.SetWriteDeadline(deadline)
	return c.Conn.WriteMessage(messageType, data)
}

// Enqueue hands data to the write pump without blocking. It reports false
// when the connection is closed or its buffer is full.
func (c *Connection) Enqueue(data []byte) (ok bool) {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Close is idempotent.
func (c *Connection) Close() error {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	close(c.Send)
	return c.Conn.Close()
}

func (c *Connection) IsClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func (c *Connection) UpdateHeartbeat() {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	c.lastHeartbeat = time.Now()
}

func (c *Connection) IsAlive(timeout time.Duration) bool {
	c.heartbeatMu.RLock()
	defer c.heartbeatMu.RUnlock()
	return time.Since(c.lastHeartbeat) < timeout
}

func (c *Connection) Context() context.Context {
	return c.ctx
}

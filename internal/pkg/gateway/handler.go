package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/Bazaar/config"
	redis "github.com/Gopher0727/Bazaar/internal/pkg/redis"
	"github.com/Gopher0727/Bazaar/middleware/jwt"
)

const writeWait = 10 * time.Second

var ErrNoLiveConnection = errors.New("user has no live connection")

// Hub pushes notifications to users' live sockets. With a Redis client every
// push goes through pub/sub so that whichever node holds the socket delivers
// it. Without one, pushes are delivered to this node's sockets only.
type Hub struct {
	manager  *ConnectionManager
	redis    redis.RedisClient
	config   *config.WebsocketConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub. rc may be nil.
func NewHub(ctx context.Context, cfg *config.WebsocketConfig, rc redis.RedisClient, logger *zap.Logger) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)

	var presence PresenceStore
	if rc != nil {
		presence = rc
	}

	return &Hub{
		manager: NewConnectionManager(hubCtx, cfg, presence, logger),
		redis:   rc,
		config:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		ctx:    hubCtx,
		cancel: cancel,
	}
}

func (h *Hub) Manager() *ConnectionManager {
	return h.manager
}

func (h *Hub) readTimeout() time.Duration {
	if h.config.ConnectionTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(h.config.ConnectionTimeout) * time.Second
}

// ServeWs upgrades an authenticated request. The auth middleware must have
// stored the caller's id in the gin context.
func (h *Hub) ServeWs(c *gin.Context) {
	userID := c.GetString(jwt.ContextUserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials", "code": "unauthorized"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	conn := NewConnection(h.ctx, userID, ws, h.config.SendBufferSize)
	h.manager.Add(conn)
	h.logger.Info("websocket connected", zap.String("user_id", userID), zap.String("conn_id", conn.ID))

	go h.writePump(conn)
	go h.readPump(conn)
}

// readPump only consumes control frames and keeps the heartbeat fresh.
// Clients have nothing to send upstream.
func (h *Hub) readPump(conn *Connection) {
	defer h.handleDisconnect(conn)

	_ = conn.Conn.SetReadDeadline(time.Now().Add(h.readTimeout()))
	conn.Conn.SetPongHandler(func(string) error {
		conn.UpdateHeartbeat()
		return conn.Conn.SetReadDeadline(time.Now().Add(h.readTimeout()))
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("user_id", conn.UserID), zap.Error(err))
			}
			return
		}
		conn.UpdateHeartbeat()
		_ = conn.Conn.SetReadDeadline(time.Now().Add(h.readTimeout()))
	}
}

func (h *Hub) writePump(conn *Connection) {
	ticker := time.NewTicker(h.manager.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-conn.Send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message, time.Now().Add(writeWait)); err != nil {
				h.logger.Debug("websocket write failed", zap.String("user_id", conn.UserID), zap.Error(err))
				h.manager.Remove(conn)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.manager.Remove(conn)
				return
			}
		}
	}
}

func (h *Hub) handleDisconnect(conn *Connection) {
	h.manager.Remove(conn)
	h.logger.Info("websocket disconnected", zap.String("user_id", conn.UserID), zap.String("conn_id", conn.ID))
}

// Push delivers payload to every socket of userID, wherever it is connected.
func (h *Hub) Push(ctx context.Context, userID string, payload []byte) error {
	if h.redis != nil {
		return h.redis.PublishNotification(ctx, userID, payload)
	}
	if h.Deliver(userID, payload) == 0 {
		return ErrNoLiveConnection
	}
	return nil
}

// Deliver hands payload to the local sockets of userID and returns how many
// accepted it. A socket with a full buffer is skipped.
func (h *Hub) Deliver(userID string, payload []byte) int {
	delivered := 0
	for _, conn := range h.manager.ConnectionsFor(userID) {
		if conn.Enqueue(payload) {
			delivered++
		} else {
			h.logger.Warn("dropping notification for slow connection",
				zap.String("user_id", userID), zap.String("conn_id", conn.ID))
		}
	}
	return delivered
}

// StartSubscriber listens on the notification channels and delivers what
// arrives to local sockets. It is a no-op without Redis.
func (h *Hub) StartSubscriber() error {
	if h.redis == nil {
		return nil
	}
	pubsub, err := h.redis.SubscribeNotifications(h.ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}
	go h.receive(pubsub)
	h.logger.Info("subscribed to notification channels")
	return nil
}

func (h *Hub) receive(pubsub *redislib.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				h.logger.Warn("notification subscription closed")
				return
			}
			userID, ok := redis.UserIDFromChannel(msg.Channel)
			if !ok {
				continue
			}
			h.Deliver(userID, []byte(msg.Payload))
		}
	}
}

// Shutdown closes every socket and stops the subscriber.
func (h *Hub) Shutdown() {
	h.cancel()
	h.manager.Shutdown()
}

package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Bazaar/config"
	redis "github.com/Gopher0727/Bazaar/internal/pkg/redis"
)

// PresenceStore records which users hold a live socket. Implemented by the
// Redis client.
type PresenceStore interface {
	SetUserOnline(ctx context.Context, userID string, ttl time.Duration) error
	RemoveUserOnline(ctx context.Context, userID string) error
}

var _ PresenceStore = (redis.RedisClient)(nil)

// ConnectionManager tracks the live sockets of this node, grouped by user,
// and closes sockets whose heartbeat has lapsed.
type ConnectionManager struct {
	connections map[string]map[string]*Connection // userID -> connID -> conn
	mu          sync.RWMutex

	config   *config.WebsocketConfig
	presence PresenceStore
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionManager starts the heartbeat monitor. presence may be nil.
func NewConnectionManager(ctx context.Context, cfg *config.WebsocketConfig, presence PresenceStore, logger *zap.Logger) *ConnectionManager {
	managerCtx, cancel := context.WithCancel(ctx)

	cm := &ConnectionManager{
		connections: make(map[string]map[string]*Connection),
		config:      cfg,
		presence:    presence,
		logger:      logger,
		ctx:         managerCtx,
		cancel:      cancel,
	}

	cm.wg.Add(1)
	go cm.monitorHeartbeats()
	return cm
}

func (cm *ConnectionManager) heartbeatInterval() time.Duration {
	if cm.config.HeartbeatInterval <= 0 {
		return 30 * time.Second
	}
	return time.Duration(cm.config.HeartbeatInterval) * time.Second
}

// presenceTTL is twice the heartbeat interval to absorb network delay.
func (cm *ConnectionManager) presenceTTL() time.Duration {
	return 2 * cm.heartbeatInterval()
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	userConns, ok := cm.connections[conn.UserID]
	if !ok {
		userConns = make(map[string]*Connection)
		cm.connections[conn.UserID] = userConns
	}
	userConns[conn.ID] = conn
	cm.mu.Unlock()

	if cm.presence != nil {
		if err := cm.presence.SetUserOnline(cm.ctx, conn.UserID, cm.presenceTTL()); err != nil {
			cm.logger.Warn("failed to set user online", zap.String("user_id", conn.UserID), zap.Error(err))
		}
	}
}

// Remove closes conn and forgets it. The user goes offline once the last of
// their sockets is gone.
func (cm *ConnectionManager) Remove(conn *Connection) {
	cm.mu.Lock()
	lastForUser := false
	if userConns, ok := cm.connections[conn.UserID]; ok {
		delete(userConns, conn.ID)
		if len(userConns) == 0 {
			delete(cm.connections, conn.UserID)
			lastForUser = true
		}
	}
	cm.mu.Unlock()

	if err := conn.Close(); err != nil {
		cm.logger.Debug("error closing connection", zap.String("user_id", conn.UserID), zap.Error(err))
	}

	if lastForUser && cm.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cm.presence.RemoveUserOnline(ctx, conn.UserID); err != nil {
			cm.logger.Warn("failed to remove online status", zap.String("user_id", conn.UserID), zap.Error(err))
		}
	}
}

// ConnectionsFor returns a snapshot of userID's sockets.
func (cm *ConnectionManager) ConnectionsFor(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conns := make([]*Connection, 0, len(cm.connections[userID]))
	for _, c := range cm.connections[userID] {
		conns = append(conns, c)
	}
	return conns
}

func (cm *ConnectionManager) ConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	n := 0
	for _, userConns := range cm.connections {
		n += len(userConns)
	}
	return n
}

func (cm *ConnectionManager) monitorHeartbeats() {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.checkHeartbeats(cm.presenceTTL())
		}
	}
}

// checkHeartbeats drops dead sockets and refreshes presence for live users.
func (cm *ConnectionManager) checkHeartbeats(timeout time.Duration) {
	var dead []*Connection
	live := make(map[string]struct{})

	cm.mu.RLock()
	for userID, userConns := range cm.connections {
		for _, c := range userConns {
			if c.IsAlive(timeout) {
				live[userID] = struct{}{}
			} else {
				dead = append(dead, c)
			}
		}
	}
	cm.mu.RUnlock()

	for _, c := range dead {
		cm.logger.Info("removing dead connection", zap.String("user_id", c.UserID), zap.String("conn_id", c.ID))
		cm.Remove(c)
	}

	if cm.presence == nil {
		return
	}
	for userID := range live {
		if err := cm.presence.SetUserOnline(cm.ctx, userID, timeout); err != nil {
			cm.logger.Warn("failed to refresh online status", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// Shutdown stops the monitor and closes every socket.
func (cm *ConnectionManager) Shutdown() {
	cm.cancel()

	cm.mu.Lock()
	all := cm.connections
	cm.connections = make(map[string]map[string]*Connection)
	cm.mu.Unlock()

	for _, userConns := range all {
		for _, c := range userConns {
			_ = c.Close()
		}
	}
	cm.wg.Wait()
}

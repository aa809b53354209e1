package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Gopher0727/Bazaar/config"
	"github.com/Gopher0727/Bazaar/internal/db"
	"github.com/Gopher0727/Bazaar/internal/handler"
	"github.com/Gopher0727/Bazaar/internal/model"
	"github.com/Gopher0727/Bazaar/internal/pkg/gateway"
	"github.com/Gopher0727/Bazaar/internal/pkg/storage"
	"github.com/Gopher0727/Bazaar/internal/pkg/worker"
	"github.com/Gopher0727/Bazaar/internal/repository"
	"github.com/Gopher0727/Bazaar/internal/service"
	"github.com/Gopher0727/Bazaar/middleware/jwt"
	logger "github.com/Gopher0727/Bazaar/middleware/log"
	"github.com/Gopher0727/Bazaar/utils/ratelimit"
)

type memStorage struct{}

func (memStorage) Upload(_ context.Context, _ []byte, name, _ string, folder string) (*storage.StoredObject, error) {
	key := folder + "/" + name
	return &storage.StoredObject{URL: "https://cdn.example.com/" + key, Key: key}, nil
}

func (memStorage) Delete(context.Context, string) error { return nil }

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	tokens *jwt.TokenManager
	hub    *gateway.Hub
}

func newTestServer(t *testing.T, apiPerMinute int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(gdb))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Server:    config.ServerConfig{RequestTimeoutSec: 5},
		RateLimit: config.RateLimitConfig{Enabled: apiPerMinute > 0, APIPerMinute: apiPerMinute},
		Websocket: config.WebsocketConfig{HeartbeatInterval: 5, ConnectionTimeout: 10, SendBufferSize: 16},
	}
	zl := zap.NewNop()
	l := logger.NewNop()

	pool := worker.NewPool(2, 64, zl)
	pool.Start()
	t.Cleanup(pool.Stop)

	hub := gateway.NewHub(context.Background(), &cfg.Websocket, nil, zl)
	t.Cleanup(hub.Shutdown)

	users := repository.NewUserRepository(gdb, rdb)
	forumRepo := repository.NewForumRepository(gdb)
	memberRepo := repository.NewMembershipRepository(gdb)
	guard := service.NewGuard(zl)

	notifications := service.NewNotificationService(repository.NewNotificationRepository(gdb), hub, pool, cfg.Notification, zl)
	connections := service.NewConnectionService(repository.NewConnectionRepository(gdb), users, forumRepo, zl)
	forums := service.NewForumService(forumRepo, memberRepo, users, memStorage{}, cfg.Storage, guard, zl)
	memberships := service.NewMembershipService(forumRepo, memberRepo, users, notifications, nil, pool, guard, zl)

	tokens := jwt.NewTokenManager("test-secret", 1)
	mw := NewMiddlewareManager(tokens, users, ratelimit.NewWindowLimiter(rdb, zl, true), &cfg.RateLimit, zl)

	router := NewRouter(cfg, l, mw, Handlers{
		Forum:        handler.NewForumHandler(forums, memberships, l),
		Connection:   handler.NewConnectionHandler(connections, l),
		Notification: handler.NewNotificationHandler(notifications, l),
		Hub:          hub,
	}, map[string]HealthCheck{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})

	return &testServer{router: router, db: gdb, tokens: tokens, hub: hub}
}

func (s *testServer) seedUser(t *testing.T, id string, role model.Role, status model.UserStatus) string {
	t.Helper()
	require.NoError(t, s.db.Create(&model.User{
		ID:     id,
		Name:   "User " + id,
		Email:  strings.ToLower(id) + "@example.com",
		Role:   role,
		Status: status,
	}).Error)
	token, err := s.tokens.GenerateToken(id, strings.ToLower(id)+"@example.com", string(role))
	require.NoError(t, err)
	return token
}

type envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	State   string          `json:"state"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func (s *testServer) createForum(t *testing.T, token, name string) string {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/api/v1/forum/create-forum", token, map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, status, env.Error)
	var forum struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &forum))
	return forum.ID
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, 0)
	s.seedUser(t, "A", model.RoleCompany, model.UserActive)
	blocked := s.seedUser(t, "X", model.RoleCustomer, model.UserBlocked)
	unverified := s.seedUser(t, "Y", model.RoleCustomer, model.UserUnverified)
	ghost, err := s.tokens.GenerateToken("ghost", "ghost@example.com", "customer")
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"missing", "", http.StatusUnauthorized, "unauthorized"},
		{"garbage", "not-a-token", http.StatusUnauthorized, "unauthorized"},
		{"unknown account", ghost, http.StatusUnauthorized, "unauthorized"},
		{"blocked", blocked, http.StatusForbidden, "forbidden"},
		{"unverified", unverified, http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := s.do(t, http.MethodGet, "/api/v1/forum/my-forums", tt.token, nil)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, env.Code)
		})
	}
}

func TestMembershipOverHTTP(t *testing.T) {
	s := newTestServer(t, 0)
	a := s.seedUser(t, "A", model.RoleCompany, model.UserActive)
	b := s.seedUser(t, "B", model.RoleCustomer, model.UserActive)
	c := s.seedUser(t, "C", model.RoleCustomer, model.UserActive)

	status, env := s.do(t, http.MethodPost, "/api/v1/forum/create-forum", b, map[string]string{"name": "Customers only"})
	assert.Equal(t, http.StatusForbidden, status, env.Error)

	forumID := s.createForum(t, a, "Makers")

	status, env = s.do(t, http.MethodPost, "/api/v1/forum/join-forum/"+forumID, b, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	var joined struct {
		RequestStatus   string   `json:"requestStatus"`
		PendingRequests []string `json:"pendingRequests"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.Equal(t, "pending", joined.RequestStatus)
	assert.Equal(t, []string{"B"}, joined.PendingRequests)

	status, env = s.do(t, http.MethodPost, "/api/v1/forum/join-forum/"+forumID, b, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "conflict", env.Code)
	assert.Equal(t, "already pending", env.Error)
	assert.Equal(t, "pending", env.State)

	status, _ = s.do(t, http.MethodPost, "/api/v1/forum/join-forum/missing", b, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/forum/accept-request/"+forumID+"/B", c, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/forum/accept-request/"+forumID+"/B", a, nil)
	assert.Equal(t, http.StatusOK, status)

	status, env = s.do(t, http.MethodPost, "/api/v1/forum/accept-request/"+forumID+"/B", a, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "not pending", env.Error)

	status, env = s.do(t, http.MethodGet, "/api/v1/connection/check-status/B", a, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"isConnected":true}`, string(env.Data))

	status, _ = s.do(t, http.MethodPost, "/api/v1/forum/leave-forum/"+forumID, a, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, env = s.do(t, http.MethodPost, "/api/v1/forum/send-invitations/"+forumID, a, map[string][]string{
		"emails": {"c@example.com", "b@example.com"},
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	var invited service.InvitationResult
	require.NoError(t, json.Unmarshal(env.Data, &invited))
	require.Len(t, invited.Invited, 1)
	assert.Equal(t, "C", invited.Invited[0].ID)
	require.Len(t, invited.Skipped, 1)
	assert.Equal(t, "member", invited.Skipped[0].State)

	status, env = s.do(t, http.MethodPost, "/api/v1/forum/send-invitations/"+forumID, a, map[string][]string{"emails": {}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", env.Code)

	status, env = s.do(t, http.MethodGet, "/api/v1/forum/received-requests", a, nil)
	require.Equal(t, http.StatusOK, status)
	var received []struct {
		InvitedUsers []model.UserSummary `json:"invitedUsers"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &received))
	require.Len(t, received, 1)
	require.Len(t, received[0].InvitedUsers, 1)
	assert.Equal(t, "User C", received[0].InvitedUsers[0].Name)

	status, _ = s.do(t, http.MethodGet, "/api/v1/forum/received-requests", b, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/forum/cancel-invitation/"+forumID+"/C", a, nil)
	assert.Equal(t, http.StatusOK, status)
	status, env = s.do(t, http.MethodPost, "/api/v1/forum/accept-invitation/"+forumID, c, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "not invited", env.Error)

	status, env = s.do(t, http.MethodGet, "/api/v1/notification", c, nil)
	require.Equal(t, http.StatusOK, status)
	var feed service.NotificationPage
	require.NoError(t, json.Unmarshal(env.Data, &feed))
	assert.Equal(t, int64(2), feed.Total)
	assert.Equal(t, model.NotifyInvitationCancelled, feed.Notifications[0].Type)

	status, _ = s.do(t, http.MethodPatch, "/api/v1/notification/read/"+feed.Notifications[0].ID, c, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = s.do(t, http.MethodPatch, "/api/v1/notification/read/"+feed.Notifications[0].ID, b, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, env = s.do(t, http.MethodGet, "/api/v1/notification/unread-count", c, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"unread":1}`, string(env.Data))

	status, env = s.do(t, http.MethodPatch, "/api/v1/notification/read-all", c, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"updated":1}`, string(env.Data))

	status, _ = s.do(t, http.MethodDelete, "/api/v1/forum/delete-forum/"+forumID, b, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, env = s.do(t, http.MethodDelete, "/api/v1/forum/delete-forum/"+forumID+"?hard=true", a, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "forum deleted", env.Message)
}

func TestConnectionsOverHTTP(t *testing.T) {
	s := newTestServer(t, 0)
	a := s.seedUser(t, "A", model.RoleCompany, model.UserActive)
	for i := 1; i <= 6; i++ {
		s.seedUser(t, fmt.Sprintf("P%d", i), model.RoleCustomer, model.UserActive)
	}

	status, env := s.do(t, http.MethodPost, "/api/v1/connection/create-connection", a, map[string]string{"participantId": "P1"})
	require.Equal(t, http.StatusCreated, status, env.Error)
	var created service.ConnectionView
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "User P1", created.Participant.Name)

	status, env = s.do(t, http.MethodPost, "/api/v1/connection/create-connection", a, map[string]string{"participantId": "P1"})
	assert.Equal(t, http.StatusOK, status)
	var again service.ConnectionView
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.Equal(t, created.ID, again.ID)

	status, env = s.do(t, http.MethodPost, "/api/v1/connection/create-connection", a, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "participantId: is required", env.Error)

	for i := 2; i <= 6; i++ {
		status, _ := s.do(t, http.MethodPost, "/api/v1/connection/create-connection", a, map[string]string{"participantId": fmt.Sprintf("P%d", i)})
		require.Equal(t, http.StatusCreated, status)
	}

	status, env = s.do(t, http.MethodGet, "/api/v1/connection/getOwnerConnections?page=2&pageSize=4&sort=asc", a, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	var page service.ConnectionPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(6), page.Total)
	assert.Len(t, page.Connections, 2)
	assert.Equal(t, 2, page.TotalPages)

	status, _ = s.do(t, http.MethodGet, "/api/v1/connection/getOwnerConnections?pageSize=1000", a, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = s.do(t, http.MethodGet, "/api/v1/connection/getOwnerConnections?page=abc", a, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodDelete, "/api/v1/connection/remove-connection/"+created.ID, a, nil)
	assert.Equal(t, http.StatusOK, status)
	status, env = s.do(t, http.MethodDelete, "/api/v1/connection/remove-connection/"+created.ID, a, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", env.Code)
}

func TestCreateForumMultipart(t *testing.T) {
	s := newTestServer(t, 0)
	a := s.seedUser(t, "A", model.RoleCompany, model.UserActive)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("name", "Gallery"))
	require.NoError(t, mw.WriteField("objective", "share pictures"))
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="image"; filename="logo.png"`}
	header["Content-Type"] = []string{"image/png"}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG data"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/forum/create-forum", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var env struct {
		Data struct {
			Name      string `json:"name"`
			Objective string `json:"objective"`
			Image     string `json:"image"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "Gallery", env.Data.Name)
	assert.Equal(t, "share pictures", env.Data.Objective)
	assert.Equal(t, "https://cdn.example.com/forums/logo.png", env.Data.Image)
	assert.NotContains(t, w.Body.String(), "imageKey")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, 3)
	a := s.seedUser(t, "A", model.RoleCompany, model.UserActive)

	for range 3 {
		status, _ := s.do(t, http.MethodGet, "/api/v1/forum/my-forums", a, nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, env := s.do(t, http.MethodGet, "/api/v1/forum/my-forums", a, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", env.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"redis":"ok"}}`, w.Body.String())
}

func TestLiveNotificationOverWebsocket(t *testing.T) {
	s := newTestServer(t, 0)
	a := s.seedUser(t, "A", model.RoleCompany, model.UserActive)
	c := s.seedUser(t, "C", model.RoleCustomer, model.UserActive)
	forumID := s.createForum(t, a, "Live")

	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + c
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Eventually(t, func() bool {
		return len(s.hub.Manager().ConnectionsFor("C")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, env := s.do(t, http.MethodPost, "/api/v1/forum/send-invitations/"+forumID, a, map[string][]string{"emails": {"c@example.com"}})
	require.Equal(t, http.StatusOK, status, env.Error)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Event string             `json:"event"`
		Data  model.Notification `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "notification", frame.Event)
	assert.Equal(t, model.NotifyInvitationSent, frame.Data.Type)
	assert.Equal(t, forumID, frame.Data.ForumID)
}

package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Gopher0727/Bazaar/config"
	"github.com/Gopher0727/Bazaar/internal/db"
	"github.com/Gopher0727/Bazaar/internal/model"
	"github.com/Gopher0727/Bazaar/internal/pkg/storage"
	"github.com/Gopher0727/Bazaar/internal/pkg/worker"
	"github.com/Gopher0727/Bazaar/internal/repository"
)

func newTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(gdb))
	return gdb
}

type recordedPush struct {
	userID  string
	payload []byte
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []recordedPush
	err    error
}

func (p *fakePusher) Push(_ context.Context, userID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, recordedPush{userID: userID, payload: payload})
	return p.err
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.MembershipEvent
	// release, when set, holds every publish until it is closed
	release chan struct{}
}

func (p *fakePublisher) PublishMembershipEvent(ctx context.Context, e model.MembershipEvent) error {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Action
	}
	return out
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (s *fakeStorage) Upload(_ context.Context, data []byte, name, _ string, folder string) (*storage.StoredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := folder + "/" + uuid.New().String() + "-" + name
	s.objects[key] = data
	return &storage.StoredObject{URL: "https://cdn.example.com/" + key, Key: key}, nil
}

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

// testEnv wires every service over one in-memory database.
type testEnv struct {
	db         *gorm.DB
	users      repository.IUserRepository
	forumRepo  repository.IForumRepository
	memberRepo repository.IMembershipRepository
	connRepo   repository.IConnectionRepository
	notifRepo  repository.INotificationRepository

	pusher    *fakePusher
	publisher *fakePublisher
	storage   *fakeStorage
	pool      *worker.Pool

	forums        *ForumService
	memberships   *MembershipService
	connections   *ConnectionService
	notifications *NotificationService
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	gdb := newTestDB(t)
	logger := zap.NewNop()

	env := &testEnv{
		db:         gdb,
		users:      repository.NewUserRepository(gdb, nil),
		forumRepo:  repository.NewForumRepository(gdb),
		memberRepo: repository.NewMembershipRepository(gdb),
		connRepo:   repository.NewConnectionRepository(gdb),
		notifRepo:  repository.NewNotificationRepository(gdb),
		pusher:     &fakePusher{},
		publisher:  &fakePublisher{},
		storage:    newFakeStorage(),
		pool:       worker.NewPool(2, 64, logger),
	}
	env.pool.Start()
	t.Cleanup(env.pool.Stop)

	guard := NewGuard(logger)
	env.notifications = NewNotificationService(env.notifRepo, env.pusher, env.pool, config.NotificationConfig{}, logger)
	env.notifications.now = stepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	env.connections = NewConnectionService(env.connRepo, env.users, env.forumRepo, logger)
	env.forums = NewForumService(env.forumRepo, env.memberRepo, env.users, env.storage, config.StorageConfig{}, guard, logger)
	env.memberships = NewMembershipService(env.forumRepo, env.memberRepo, env.users, env.notifications, env.publisher, env.pool, guard, logger)
	return env
}

func (e *testEnv) seedUser(t testing.TB, id string, role model.Role) *Actor {
	t.Helper()
	u := &model.User{
		ID:          id,
		Name:        "User " + id,
		Email:       id + "@example.com",
		Role:        role,
		Status:      model.UserActive,
		CompanyName: "Company " + id,
	}
	require.NoError(t, e.db.Create(u).Error)
	return ActorFromUser(u)
}

func (e *testEnv) createForum(t testing.TB, owner *Actor, name string) *ForumView {
	t.Helper()
	f, err := e.forums.CreateForum(context.Background(), owner, &CreateForumRequest{Name: name, Description: "about " + name})
	require.NoError(t, err)
	return f
}

func (e *testEnv) state(t testing.TB, forumID, userID string) model.MembershipState {
	t.Helper()
	s, err := e.memberRepo.State(context.Background(), forumID, userID)
	require.NoError(t, err)
	return s
}

func (e *testEnv) notificationsOf(t testing.TB, userID string) []*model.Notification {
	t.Helper()
	items, _, err := e.notifRepo.ListByRecipient(context.Background(), userID, false, 0, 100)
	require.NoError(t, err)
	return items
}

func notificationTypes(items []*model.Notification) []model.NotificationType {
	out := make([]model.NotificationType, len(items))
	for i, n := range items {
		out[i] = n.Type
	}
	return out
}

// stepClock returns a clock that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Second)
		return now
	}
}

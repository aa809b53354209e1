package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/Bazaar/config"
	"github.com/Gopher0727/Bazaar/internal/apperr"
	"github.com/Gopher0727/Bazaar/internal/model"
	"github.com/Gopher0727/Bazaar/internal/pkg/worker"
	"github.com/Gopher0727/Bazaar/internal/repository"
)

// NotificationRef ties a notification to the forum and user that caused it.
type NotificationRef struct {
	ForumID string
	ActorID string
}

type NotificationPage struct {
	Notifications []*model.Notification `json:"notifications"`
	Page          int                   `json:"page"`
	PageSize      int                   `json:"pageSize"`
	Total         int64                 `json:"total"`
	TotalPages    int                   `json:"totalPages"`
	Unread        int64                 `json:"unread"`
}

// pushEnvelope is the frame sent over the live channel.
type pushEnvelope struct {
	Event string              `json:"event"`
	Data  *model.Notification `json:"data"`
}

type INotificationService interface {
	// Notify persists the notification and then attempts a live push in the
	// background. Push failures are logged and never returned.
	Notify(ctx context.Context, recipientID, message string, typ model.NotificationType, ref NotificationRef) (*model.Notification, error)
	ListFeed(ctx context.Context, recipientID string, req ListNotificationsRequest) (*NotificationPage, error)
	MarkRead(ctx context.Context, recipientID, notificationID string) error
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
	UnreadCount(ctx context.Context, recipientID string) (int64, error)
}

type NotificationService struct {
	notificationRepo repository.INotificationRepository
	pusher           Pusher
	pool             *worker.Pool
	cfg              config.NotificationConfig
	logger           *zap.Logger
	now              func() time.Time
}

// NewNotificationService creates the dispatcher. pusher and pool may be nil;
// without a pusher notifications are only persisted.
func NewNotificationService(
	notificationRepo repository.INotificationRepository,
	pusher Pusher,
	pool *worker.Pool,
	cfg config.NotificationConfig,
	logger *zap.Logger,
) *NotificationService {
	if cfg.PushTimeoutMs <= 0 {
		cfg.PushTimeoutMs = 2000
	}
	if cfg.FeedPageSize <= 0 {
		cfg.FeedPageSize = 20
	}
	return &NotificationService{
		notificationRepo: notificationRepo,
		pusher:           pusher,
		pool:             pool,
		cfg:              cfg,
		logger:           logger,
		now:              time.Now,
	}
}

func (s *NotificationService) Notify(ctx context.Context, recipientID, message string, typ model.NotificationType, ref NotificationRef) (*model.Notification, error) {
	n := &model.Notification{
		ID:          uuid.New().String(),
		RecipientID: recipientID,
		Message:     message,
		Type:        typ,
		ForumID:     ref.ForumID,
		ActorID:     ref.ActorID,
		CreatedAt:   s.now(),
	}
	if err := s.notificationRepo.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}

	s.push(n)
	return n, nil
}

// push hands delivery to the worker pool. A full queue drops the push; the
// notification is still in the recipient's feed.
func (s *NotificationService) push(n *model.Notification) {
	if s.pusher == nil {
		return
	}
	payload, err := json.Marshal(pushEnvelope{Event: "notification", Data: n})
	if err != nil {
		s.logger.Error("failed to encode notification", zap.String("notification_id", n.ID), zap.Error(err))
		return
	}

	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.PushTimeoutMs)*time.Millisecond)
		defer cancel()
		if err := s.pusher.Push(ctx, n.RecipientID, payload); err != nil {
			s.logger.Warn("live notification push failed",
				zap.String("recipient", n.RecipientID),
				zap.String("type", string(n.Type)),
				zap.Error(err),
			)
		}
	}

	if s.pool == nil {
		go job()
		return
	}
	if err := s.pool.TrySubmit(job); err != nil {
		s.logger.Warn("notification push dropped",
			zap.String("recipient", n.RecipientID),
			zap.String("notification_id", n.ID),
			zap.Error(err),
		)
	}
}

func (s *NotificationService) ListFeed(ctx context.Context, recipientID string, req ListNotificationsRequest) (*NotificationPage, error) {
	req = req.withDefaults(s.cfg.FeedPageSize)
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	items, total, err := s.notificationRepo.ListByRecipient(ctx, recipientID, req.UnreadOnly, (req.Page-1)*req.PageSize, req.PageSize)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list notifications")
	}
	unread, err := s.notificationRepo.CountUnread(ctx, recipientID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to count unread notifications")
	}

	return &NotificationPage{
		Notifications: items,
		Page:          req.Page,
		PageSize:      req.PageSize,
		Total:         total,
		TotalPages:    totalPages(total, req.PageSize),
		Unread:        unread,
	}, nil
}

func (s *NotificationService) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	err := s.notificationRepo.MarkRead(ctx, recipientID, notificationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("notification not found")
	}
	if err != nil {
		return apperr.Internal(err, "failed to mark notification read")
	}
	return nil
}

func (s *NotificationService) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	n, err := s.notificationRepo.MarkAllRead(ctx, recipientID)
	if err != nil {
		return 0, apperr.Internal(err, "failed to mark notifications read")
	}
	return n, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	n, err := s.notificationRepo.CountUnread(ctx, recipientID)
	if err != nil {
		return 0, apperr.Internal(err, "failed to count unread notifications")
	}
	return n, nil
}

func totalPages(total int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/Bazaar/internal/apperr"
	"github.com/Gopher0727/Bazaar/internal/model"
	"github.com/Gopher0727/Bazaar/internal/repository"
)

// ForumSummary is the forum projection attached to connection entries.
type ForumSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

type ConnectionView struct {
	ID          string             `json:"id"`
	Participant *model.UserSummary `json:"participant"`
	Forum       *ForumSummary      `json:"forum,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

type ConnectionPage struct {
	Connections []*ConnectionView `json:"connections"`
	Page        int               `json:"page"`
	PageSize    int               `json:"pageSize"`
	Total       int64             `json:"total"`
	TotalPages  int               `json:"totalPages"`
	Sort        string            `json:"sort"`
}

type IConnectionService interface {
	// CreateConnection records participant in the caller's adjacency list.
	// created is false when the entry already existed.
	CreateConnection(ctx context.Context, ownerID string, req *CreateConnectionRequest) (view *ConnectionView, created bool, err error)
	// Connect is the unchecked path used after an accepted request or invitation.
	Connect(ctx context.Context, ownerID, participantID string, forumID *string) (*model.Connection, bool, error)
	DeleteConnection(ctx context.Context, ownerID, connectionID string) error
	ListConnections(ctx context.Context, ownerID string, req ListConnectionsRequest) (*ConnectionPage, error)
	CheckConnectionStatus(ctx context.Context, ownerID, participantID string) (bool, error)
}

type ConnectionService struct {
	connRepo  repository.IConnectionRepository
	userRepo  repository.IUserRepository
	forumRepo repository.IForumRepository
	logger    *zap.Logger
	now       func() time.Time
}

func NewConnectionService(
	connRepo repository.IConnectionRepository,
	userRepo repository.IUserRepository,
	forumRepo repository.IForumRepository,
	logger *zap.Logger,
) *ConnectionService {
	return &ConnectionService{
		connRepo:  connRepo,
		userRepo:  userRepo,
		forumRepo: forumRepo,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *ConnectionService) CreateConnection(ctx context.Context, ownerID string, req *CreateConnectionRequest) (*ConnectionView, bool, error) {
	if err := validateRequest(req); err != nil {
		return nil, false, err
	}
	if req.ParticipantID == ownerID {
		return nil, false, apperr.Validation("participantId: cannot connect to yourself")
	}

	participant, err := s.userRepo.FindByID(ctx, req.ParticipantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, apperr.NotFound("participant not found")
		}
		return nil, false, apperr.Internal(err, "failed to load participant")
	}

	var forum *model.Forum
	if req.ForumID != nil && *req.ForumID != "" {
		forum, err = s.forumRepo.FindByID(ctx, *req.ForumID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, false, apperr.NotFound("forum not found")
			}
			return nil, false, apperr.Internal(err, "failed to load forum")
		}
	}

	conn, created, err := s.Connect(ctx, ownerID, participant.ID, req.ForumID)
	if err != nil {
		return nil, false, err
	}

	// an existing entry may point at another forum
	if !created {
		forum = nil
		if conn.ForumID != nil {
			if f, err := s.forumRepo.FindByID(ctx, *conn.ForumID); err == nil {
				forum = f
			}
		}
	}

	summary := participant.Summary()
	return newConnectionView(conn, &summary, forum), created, nil
}

func (s *ConnectionService) Connect(ctx context.Context, ownerID, participantID string, forumID *string) (*model.Connection, bool, error) {
	if _, err := s.connRepo.EnsureOwner(ctx, ownerID); err != nil {
		return nil, false, apperr.Internal(err, "failed to prepare connection list")
	}

	if forumID != nil && *forumID == "" {
		forumID = nil
	}
	created, conn, err := s.connRepo.CreateIfAbsent(ctx, &model.Connection{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		ParticipantID: participantID,
		ForumID:       forumID,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return nil, false, apperr.Internal(err, "failed to create connection")
	}

	if created {
		s.logger.Info("connection created",
			zap.String("owner", ownerID),
			zap.String("participant", participantID),
		)
	}
	return conn, created, nil
}

func (s *ConnectionService) DeleteConnection(ctx context.Context, ownerID, connectionID string) error {
	err := s.connRepo.Delete(ctx, ownerID, connectionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("connection not found")
	}
	if err != nil {
		return apperr.Internal(err, "failed to delete connection")
	}
	return nil
}

func (s *ConnectionService) ListConnections(ctx context.Context, ownerID string, req ListConnectionsRequest) (*ConnectionPage, error) {
	req = req.withDefaults()
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	total, err := s.connRepo.Count(ctx, ownerID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to count connections")
	}
	conns, err := s.connRepo.List(ctx, ownerID, (req.Page-1)*req.PageSize, req.PageSize, req.Sort == "desc")
	if err != nil {
		return nil, apperr.Internal(err, "failed to list connections")
	}

	views, err := s.enrich(ctx, conns)
	if err != nil {
		return nil, err
	}

	return &ConnectionPage{
		Connections: views,
		Page:        req.Page,
		PageSize:    req.PageSize,
		Total:       total,
		TotalPages:  totalPages(total, req.PageSize),
		Sort:        req.Sort,
	}, nil
}

// enrich attaches participant and forum display fields with one batched
// lookup each. Entries whose participant no longer exists keep a bare id.
func (s *ConnectionService) enrich(ctx context.Context, conns []*model.Connection) ([]*ConnectionView, error) {
	userIDs := make([]string, 0, len(conns))
	var forumIDs []string
	for _, c := range conns {
		userIDs = append(userIDs, c.ParticipantID)
		if c.ForumID != nil {
			forumIDs = append(forumIDs, *c.ForumID)
		}
	}

	users, err := s.userRepo.FindByIDs(ctx, userIDs)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load participants")
	}
	forums, err := s.forumRepo.FindByIDs(ctx, forumIDs)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load forums")
	}
	forumByID := make(map[string]*model.Forum, len(forums))
	for _, f := range forums {
		forumByID[f.ID] = f
	}

	views := make([]*ConnectionView, 0, len(conns))
	for _, c := range conns {
		var summary model.UserSummary
		if u, ok := users[c.ParticipantID]; ok {
			summary = u.Summary()
		} else {
			summary = model.UserSummary{ID: c.ParticipantID}
		}
		var forum *model.Forum
		if c.ForumID != nil {
			forum = forumByID[*c.ForumID]
		}
		views = append(views, newConnectionView(c, &summary, forum))
	}
	return views, nil
}

func (s *ConnectionService) CheckConnectionStatus(ctx context.Context, ownerID, participantID string) (bool, error) {
	ok, err := s.connRepo.Exists(ctx, ownerID, participantID)
	if err != nil {
		return false, apperr.Internal(err, "failed to check connection")
	}
	return ok, nil
}

func newConnectionView(c *model.Connection, participant *model.UserSummary, forum *model.Forum) *ConnectionView {
	v := &ConnectionView{
		ID:          c.ID,
		Participant: participant,
		CreatedAt:   c.CreatedAt,
	}
	if forum != nil {
		v.Forum = &ForumSummary{ID: forum.ID, Name: forum.Name, Image: forum.Image}
	}
	return v
}

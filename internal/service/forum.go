package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/Bazaar/config"
	"github.com/Gopher0727/Bazaar/internal/apperr"
	"github.com/Gopher0727/Bazaar/internal/model"
	"github.com/Gopher0727/Bazaar/internal/repository"
)

// ForumView is a forum with its membership sets and the caller's own state
// in it.
type ForumView struct {
	*model.Forum
	Members         []string `json:"members"`
	PendingRequests []string `json:"pendingRequests"`
	InvitedUsers    []string `json:"invitedUsers"`
	RequestStatus   string   `json:"requestStatus"`
}

// ReceivedRequestsView is an owned forum with the users waiting on its owner
// and the users its owner is waiting on.
type ReceivedRequestsView struct {
	*model.Forum
	PendingRequests []model.UserSummary `json:"pendingRequests"`
	InvitedUsers    []model.UserSummary `json:"invitedUsers"`
}

type IForumService interface {
	CreateForum(ctx context.Context, actor *Actor, req *CreateForumRequest) (*ForumView, error)
	GetForum(ctx context.Context, actor *Actor, forumID string) (*ForumView, error)
	UpdateForum(ctx context.Context, actor *Actor, forumID string, req *UpdateForumRequest) (*ForumView, error)
	// DeleteForum retires the forum. With hard it removes the forum, its
	// memberships and its image instead.
	DeleteForum(ctx context.Context, actor *Actor, forumID string, hard bool) error
	MyForums(ctx context.Context, actor *Actor) ([]*ForumView, error)
	OtherForums(ctx context.Context, actor *Actor) ([]*ForumView, error)
	ReceivedRequests(ctx context.Context, actor *Actor) ([]*ReceivedRequestsView, error)
	SentRequests(ctx context.Context, actor *Actor) ([]*ForumView, error)
	ReceivedInvites(ctx context.Context, actor *Actor) ([]*ForumView, error)
}

type ForumService struct {
	forumRepo      repository.IForumRepository
	membershipRepo repository.IMembershipRepository
	userRepo       repository.IUserRepository
	storage        ObjectStorage
	storageCfg     config.StorageConfig
	guard          *Guard
	logger         *zap.Logger
	now            func() time.Time
}

// NewForumService creates the forum registry. store may be nil, in which
// case image uploads are rejected.
func NewForumService(
	forumRepo repository.IForumRepository,
	membershipRepo repository.IMembershipRepository,
	userRepo repository.IUserRepository,
	store ObjectStorage,
	storageCfg config.StorageConfig,
	guard *Guard,
	logger *zap.Logger,
) *ForumService {
	if storageCfg.ForumFolder == "" {
		storageCfg.ForumFolder = "forums"
	}
	if storageCfg.MaxImageMB <= 0 {
		storageCfg.MaxImageMB = 5
	}
	return &ForumService{
		forumRepo:      forumRepo,
		membershipRepo: membershipRepo,
		userRepo:       userRepo,
		storage:        store,
		storageCfg:     storageCfg,
		guard:          guard,
		logger:         logger,
		now:            time.Now,
	}
}

func (s *ForumService) CreateForum(ctx context.Context, actor *Actor, req *CreateForumRequest) (*ForumView, error) {
	if err := s.guard.Check(ctx, actor, nil, Role(model.RoleCompany, model.RoleAdmin)); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := s.ensureNameFree(ctx, req.Name, ""); err != nil {
		return nil, err
	}

	now := s.now()
	forum := &model.Forum{
		ID:          uuid.New().String(),
		Name:        req.Name,
		OwnerID:     actor.ID,
		Description: req.Description,
		Objective:   req.Objective,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if req.Image != nil {
		url, key, err := s.uploadImage(ctx, req.Image)
		if err != nil {
			return nil, err
		}
		forum.Image, forum.ImageKey = url, key
	}

	if err := s.forumRepo.Create(ctx, forum); err != nil {
		s.discardImage(forum.ImageKey)
		// lost a race on the unique name
		if taken, _ := s.forumRepo.ExistsByName(ctx, forum.Name, ""); taken {
			return nil, apperr.Conflict("", "forum name already taken")
		}
		return nil, apperr.Internal(err, "failed to create forum")
	}

	s.logger.Info("forum created", zap.String("forum_id", forum.ID), zap.String("owner", actor.ID))
	return &ForumView{
		Forum:           forum,
		Members:         []string{actor.ID},
		PendingRequests: []string{},
		InvitedUsers:    []string{},
		RequestStatus:   model.StateMember.String(),
	}, nil
}

func (s *ForumService) GetForum(ctx context.Context, actor *Actor, forumID string) (*ForumView, error) {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return nil, err
	}
	// retired forums stay visible to their owner only
	if !forum.IsActive {
		if err := s.guard.Check(ctx, actor, forum, ForumOwner); err != nil {
			return nil, apperr.NotFound("forum not found or inactive")
		}
	} else if err := s.guard.Check(ctx, actor, forum); err != nil {
		return nil, err
	}

	views, err := buildForumViews(ctx, s.membershipRepo, []*model.Forum{forum}, actor.ID)
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

func (s *ForumService) UpdateForum(ctx context.Context, actor *Actor, forumID string, req *UpdateForumRequest) (*ForumView, error) {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(ctx, actor, forum, ForumOwner); err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		req.Name = &name
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	fields := make(map[string]any)
	if req.Name != nil && *req.Name != forum.Name {
		if err := s.ensureNameFree(ctx, *req.Name, forum.ID); err != nil {
			return nil, err
		}
		fields["name"] = *req.Name
	}
	if req.Description != nil {
		fields["description"] = *req.Description
	}
	if req.Objective != nil {
		fields["objective"] = *req.Objective
	}
	if req.IsActive != nil {
		fields["is_active"] = *req.IsActive
	}

	oldImageKey := ""
	if req.Image != nil {
		url, key, err := s.uploadImage(ctx, req.Image)
		if err != nil {
			return nil, err
		}
		fields["image"], fields["image_key"] = url, key
		oldImageKey = forum.ImageKey
	}

	if len(fields) > 0 {
		if err := s.forumRepo.Update(ctx, forum.ID, fields); err != nil {
			if key, ok := fields["image_key"].(string); ok {
				s.discardImage(key)
			}
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.NotFound("forum not found")
			}
			return nil, apperr.Internal(err, "failed to update forum")
		}
		s.discardImage(oldImageKey)
	}

	return s.GetForum(ctx, actor, forum.ID)
}

func (s *ForumService) DeleteForum(ctx context.Context, actor *Actor, forumID string, hard bool) error {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return err
	}
	if err := s.guard.Check(ctx, actor, forum, ForumOwner); err != nil {
		return err
	}

	if !hard {
		if err := s.forumRepo.SetActive(ctx, forum.ID, false); err != nil {
			return apperr.Internal(err, "failed to deactivate forum")
		}
		s.logger.Info("forum deactivated", zap.String("forum_id", forum.ID))
		return nil
	}

	if err := s.forumRepo.Delete(ctx, forum.ID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("forum not found")
		}
		return apperr.Internal(err, "failed to delete forum")
	}
	s.discardImage(forum.ImageKey)
	s.logger.Info("forum deleted", zap.String("forum_id", forum.ID))
	return nil
}

func (s *ForumService) MyForums(ctx context.Context, actor *Actor) ([]*ForumView, error) {
	return s.listViews(ctx, actor, func() ([]*model.Forum, error) {
		return s.forumRepo.ListOwnedOrJoined(ctx, actor.ID)
	})
}

func (s *ForumService) OtherForums(ctx context.Context, actor *Actor) ([]*ForumView, error) {
	return s.listViews(ctx, actor, func() ([]*model.Forum, error) {
		return s.forumRepo.ListOthers(ctx, actor.ID)
	})
}

func (s *ForumService) SentRequests(ctx context.Context, actor *Actor) ([]*ForumView, error) {
	return s.listViews(ctx, actor, func() ([]*model.Forum, error) {
		return s.forumRepo.ListByMemberState(ctx, actor.ID, model.StatePending)
	})
}

func (s *ForumService) ReceivedInvites(ctx context.Context, actor *Actor) ([]*ForumView, error) {
	return s.listViews(ctx, actor, func() ([]*model.Forum, error) {
		return s.forumRepo.ListByMemberState(ctx, actor.ID, model.StateInvited)
	})
}

func (s *ForumService) listViews(ctx context.Context, actor *Actor, list func() ([]*model.Forum, error)) ([]*ForumView, error) {
	if err := s.guard.Check(ctx, actor, nil); err != nil {
		return nil, err
	}
	forums, err := list()
	if err != nil {
		return nil, apperr.Internal(err, "failed to list forums")
	}
	return buildForumViews(ctx, s.membershipRepo, forums, actor.ID)
}

func (s *ForumService) ReceivedRequests(ctx context.Context, actor *Actor) ([]*ReceivedRequestsView, error) {
	if err := s.guard.Check(ctx, actor, nil); err != nil {
		return nil, err
	}
	forums, err := s.forumRepo.ListOwned(ctx, actor.ID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list forums")
	}
	if len(forums) == 0 {
		return nil, apperr.NotFound("no forums found for this owner")
	}

	ids := make([]string, len(forums))
	for i, f := range forums {
		ids[i] = f.ID
	}
	rows, err := s.membershipRepo.ListByForums(ctx, ids, model.StatePending, model.StateInvited)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load requests")
	}

	userIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		userIDs = append(userIDs, row.UserID)
	}
	users, err := s.userRepo.FindByIDs(ctx, uniqueStrings(userIDs))
	if err != nil {
		return nil, apperr.Internal(err, "failed to load users")
	}

	views := make(map[string]*ReceivedRequestsView, len(forums))
	out := make([]*ReceivedRequestsView, len(forums))
	for i, f := range forums {
		out[i] = &ReceivedRequestsView{
			Forum:           f,
			PendingRequests: []model.UserSummary{},
			InvitedUsers:    []model.UserSummary{},
		}
		views[f.ID] = out[i]
	}
	for _, row := range rows {
		u, ok := users[row.UserID]
		if !ok {
			continue
		}
		v := views[row.ForumID]
		switch row.State {
		case model.StatePending:
			v.PendingRequests = append(v.PendingRequests, u.Summary())
		case model.StateInvited:
			v.InvitedUsers = append(v.InvitedUsers, u.Summary())
		}
	}
	return out, nil
}

func (s *ForumService) ensureNameFree(ctx context.Context, name, excludeID string) error {
	taken, err := s.forumRepo.ExistsByName(ctx, name, excludeID)
	if err != nil {
		return apperr.Internal(err, "failed to check forum name")
	}
	if taken {
		return apperr.Conflict("", "forum name already taken")
	}
	return nil
}

func (s *ForumService) uploadImage(ctx context.Context, img *ImageUpload) (url, key string, err error) {
	if s.storage == nil {
		return "", "", apperr.Validation("image: uploads are not enabled")
	}
	if len(img.Data) == 0 {
		return "", "", apperr.Validation("image: file is empty")
	}
	if len(img.Data) > s.storageCfg.MaxImageMB<<20 {
		return "", "", apperr.Validation("image: must be at most %d MB", s.storageCfg.MaxImageMB)
	}
	if !strings.HasPrefix(img.ContentType, "image/") {
		return "", "", apperr.Validation("image: unsupported content type %q", img.ContentType)
	}

	obj, err := s.storage.Upload(ctx, img.Data, img.Filename, img.ContentType, s.storageCfg.ForumFolder)
	if err != nil {
		return "", "", apperr.Internal(err, "failed to upload image")
	}
	return obj.URL, obj.Key, nil
}

// discardImage removes an object that is no longer referenced. Failures
// leave an orphan behind and are only logged.
func (s *ForumService) discardImage(key string) {
	if key == "" || s.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.storage.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to delete forum image", zap.String("key", key), zap.Error(err))
	}
}

func loadForum(ctx context.Context, repo repository.IForumRepository, forumID string) (*model.Forum, error) {
	forum, err := repo.FindByID(ctx, forumID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("forum not found")
		}
		return nil, apperr.Internal(err, "failed to load forum")
	}
	return forum, nil
}

// buildForumViews fills in the membership sets of forums with one query and
// sets requestStatus to callerID's state in each.
func buildForumViews(ctx context.Context, repo repository.IMembershipRepository, forums []*model.Forum, callerID string) ([]*ForumView, error) {
	views := make([]*ForumView, len(forums))
	byID := make(map[string]*ForumView, len(forums))
	ids := make([]string, len(forums))
	for i, f := range forums {
		views[i] = &ForumView{
			Forum:           f,
			Members:         []string{},
			PendingRequests: []string{},
			InvitedUsers:    []string{},
			RequestStatus:   model.StateNonMember.String(),
		}
		byID[f.ID] = views[i]
		ids[i] = f.ID
	}

	rows, err := repo.ListByForums(ctx, ids)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load memberships")
	}
	for _, row := range rows {
		v, ok := byID[row.ForumID]
		if !ok {
			continue
		}
		switch row.State {
		case model.StateMember:
			v.Members = append(v.Members, row.UserID)
		case model.StatePending:
			v.PendingRequests = append(v.PendingRequests, row.UserID)
		case model.StateInvited:
			v.InvitedUsers = append(v.InvitedUsers, row.UserID)
		}
		if row.UserID == callerID {
			v.RequestStatus = row.State.String()
		}
	}
	return views, nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

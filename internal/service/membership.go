package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/Bazaar/internal/apperr"
	"github.com/Gopher0727/Bazaar/internal/model"
	"github.com/Gopher0727/Bazaar/internal/pkg/worker"
	"github.com/Gopher0727/Bazaar/internal/repository"
)

const eventPublishTimeout = 10 * time.Second

// Membership actions carried by membership events.
const (
	ActionJoinRequest      = "join-request"
	ActionCancelRequest    = "cancel-request"
	ActionAcceptRequest    = "accept-request"
	ActionRejectRequest    = "reject-request"
	ActionInvite           = "invite"
	ActionCancelInvitation = "cancel-invitation"
	ActionAcceptInvitation = "accept-invitation"
	ActionRejectInvitation = "reject-invitation"
	ActionLeave            = "leave"
)

// SkippedInvite is an invitee whose current state prevented the invitation.
type SkippedInvite struct {
	User   model.UserSummary `json:"user"`
	State  string            `json:"state"`
	Reason string            `json:"reason"`
}

type InvitationResult struct {
	Invited []model.UserSummary `json:"invited"`
	Skipped []SkippedInvite     `json:"skipped"`
}

type IMembershipService interface {
	SendJoinRequest(ctx context.Context, actor *Actor, forumID string) (*ForumView, error)
	CancelJoinRequest(ctx context.Context, actor *Actor, forumID string) error
	AcceptJoinRequest(ctx context.Context, actor *Actor, forumID, userID string) error
	RejectJoinRequest(ctx context.Context, actor *Actor, forumID, userID string) error
	SendInvitation(ctx context.Context, actor *Actor, forumID, userID string) error
	// SendInvitations invites users by email. Unknown emails fail the whole
	// call; users already related to the forum are reported as skipped.
	SendInvitations(ctx context.Context, actor *Actor, forumID string, req *SendInvitationsRequest) (*InvitationResult, error)
	CancelInvitation(ctx context.Context, actor *Actor, forumID, userID string) error
	AcceptInvitation(ctx context.Context, actor *Actor, forumID string) error
	RejectInvitation(ctx context.Context, actor *Actor, forumID string) error
	LeaveForum(ctx context.Context, actor *Actor, forumID string) error
	State(ctx context.Context, forumID, userID string) (model.MembershipState, error)
}

// MembershipService moves (forum, user) pairs between NonMember, pending,
// invited and member. Every move is one conditional statement against the
// membership store; side effects run only after it succeeded.
type MembershipService struct {
	forumRepo      repository.IForumRepository
	membershipRepo repository.IMembershipRepository
	userRepo       repository.IUserRepository
	notifier       INotificationService
	publisher      EventPublisher
	pool           *worker.Pool
	guard          *Guard
	logger         *zap.Logger
	now            func() time.Time
}

// NewMembershipService wires the state machine. publisher and pool may be
// nil; without a pool events are published from their own goroutine.
func NewMembershipService(
	forumRepo repository.IForumRepository,
	membershipRepo repository.IMembershipRepository,
	userRepo repository.IUserRepository,
	notifier INotificationService,
	publisher EventPublisher,
	pool *worker.Pool,
	guard *Guard,
	logger *zap.Logger,
) *MembershipService {
	return &MembershipService{
		forumRepo:      forumRepo,
		membershipRepo: membershipRepo,
		userRepo:       userRepo,
		notifier:       notifier,
		publisher:      publisher,
		pool:           pool,
		guard:          guard,
		logger:         logger,
		now:            time.Now,
	}
}

// transition describes one state move and its fan-out.
type transition struct {
	action  string
	forum   *model.Forum
	actor   *Actor
	userID  string
	from    model.MembershipState
	to      model.MembershipState
	connect bool

	recipient string
	notify    model.NotificationType
	message   string
}

func (s *MembershipService) SendJoinRequest(ctx context.Context, actor *Actor, forumID string) (*ForumView, error) {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(ctx, actor, forum, ForumActive); err != nil {
		return nil, err
	}

	if err := s.insert(ctx, forum, actor.ID, model.StatePending, ""); err != nil {
		return nil, err
	}
	s.afterTransition(ctx, &transition{
		action:    ActionJoinRequest,
		forum:     forum,
		actor:     actor,
		userID:    actor.ID,
		from:      model.StateNonMember,
		to:        model.StatePending,
		recipient: forum.OwnerID,
		notify:    model.NotifyJoinRequestReceived,
		message:   fmt.Sprintf("%s requested to join %s", s.displayName(ctx, actor.ID), forum.Name),
	})

	views, err := buildForumViews(ctx, s.membershipRepo, []*model.Forum{forum}, actor.ID)
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

func (s *MembershipService) CancelJoinRequest(ctx context.Context, actor *Actor, forumID string) error {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return err
	}
	if err := s.guard.Check(ctx, actor, forum); err != nil {
		return err
	}

	return s.apply(ctx, &transition{
		action:    ActionCancelRequest,
		forum:     forum,
		actor:     actor,
		userID:    actor.ID,
		from:      model.StatePending,
		to:        model.StateNonMember,
		recipient: forum.OwnerID,
		notify:    model.NotifyJoinRequestCancelled,
		message:   fmt.Sprintf("%s withdrew their request to join %s", s.displayName(ctx, actor.ID), forum.Name),
	})
}

func (s *MembershipService) AcceptJoinRequest(ctx context.Context, actor *Actor, forumID, userID string) error {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return err
	}
	if err := s.guard.Check(ctx, actor, forum, ForumOwner, ForumActive); err != nil {
		return err
	}

	return s.apply(ctx, &transition{
		action:    ActionAcceptRequest,
		forum:     forum,
		actor:     actor,
		userID:    userID,
		from:      model.StatePending,
		to:        model.StateMember,
		connect:   true,
		recipient: userID,
		notify:    model.NotifyRequestAccepted,
		message:   fmt.Sprintf("Your request to join %s was accepted", forum.Name),
	})
}

func (s *MembershipService) RejectJoinRequest(ctx context.Context, actor *Actor, forumID, userID string) error {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return err
	}
	if err := s.guard.Check(ctx, actor, forum, ForumOwner); err != nil {
		return err
	}

	return s.apply(ctx, &transition{
		action:    ActionRejectRequest,
		forum:     forum,
		actor:     actor,
		userID:    userID,
		from:      model.StatePending,
		to:        model.StateNonMember,
		recipient: userID,
		notify:    model.NotifyRequestRejected,
		message:   fmt.Sprintf("Your request to join %s was declined", forum.Name),
	})
}

func (s *MembershipService) SendInvitation(ctx context.Context, actor *Actor, forumID, userID string) error {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return err
	}
	if err := s.guard.Check(ctx, actor, forum, ForumOwner, ForumActive); err != nil {
		return err
	}
	if _, err := s.userRepo.FindByID(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("user not found")
		}
		return apperr.Internal(err, "failed to load user")
	}

	if err := s.insert(ctx, forum, userID, model.StateInvited, actor.ID); err != nil {
		return err
	}
	s.afterTransition(ctx, s.invitation(ctx, forum, actor, userID))
	return nil
}

func (s *MembershipService) SendInvitations(ctx context.Context, actor *Actor, forumID string, req *SendInvitationsRequest) (*InvitationResult, error) {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(ctx, actor, forum, ForumOwner, ForumActive); err != nil {
		return nil, err
	}

	emails := make([]string, 0, len(req.Emails))
	for _, e := range req.Emails {
		emails = append(emails, strings.ToLower(strings.TrimSpace(e)))
	}
	req.Emails = uniqueStrings(emails)
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	users, err := s.userRepo.FindByEmails(ctx, req.Emails)
	if err != nil {
		return nil, apperr.Internal(err, "failed to resolve invitees")
	}
	found := make(map[string]struct{}, len(users))
	for _, u := range users {
		found[strings.ToLower(u.Email)] = struct{}{}
	}
	var unknown []string
	for _, e := range req.Emails {
		if _, ok := found[e]; !ok {
			unknown = append(unknown, e)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, apperr.Validation("emails: no account for %s", strings.Join(unknown, ", "))
	}

	result := &InvitationResult{Invited: []model.UserSummary{}, Skipped: []SkippedInvite{}}
	for _, u := range users {
		err := s.insert(ctx, forum, u.ID, model.StateInvited, actor.ID)
		var appErr *apperr.Error
		if errors.As(err, &appErr) && appErr.Kind == apperr.KindConflict {
			result.Skipped = append(result.Skipped, SkippedInvite{User: u.Summary(), State: appErr.State, Reason: appErr.Message})
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Invited = append(result.Invited, u.Summary())
		s.afterTransition(ctx, s.invitation(ctx, forum, actor, u.ID))
	}
	return result, nil
}

func (s *MembershipService) invitation(ctx context.Context, forum *model.Forum, actor *Actor, userID string) *transition {
	return &transition{
		action:    ActionInvite,
		forum:     forum,
		actor:     actor,
		userID:    userID,
		from:      model.StateNonMember,
		to:        model.StateInvited,
		recipient: userID,
		notify:    model.NotifyInvitationSent,
		message:   fmt.Sprintf("%s invited you to join %s", s.displayName(ctx, actor.ID), forum.Name),
	}
}

func (s *MembershipService) CancelInvitation(ctx context.Context, actor *Actor, forumID, userID string) error {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return err
	}
	if err := s.guard.Check(ctx, actor, forum, ForumOwner); err != nil {
		return err
	}

	return s.apply(ctx, &transition{
		action:    ActionCancelInvitation,
		forum:     forum,
		actor:     actor,
		userID:    userID,
		from:      model.StateInvited,
		to:        model.StateNonMember,
		recipient: userID,
		notify:    model.NotifyInvitationCancelled,
		message:   fmt.Sprintf("Your invitation to join %s was withdrawn", forum.Name),
	})
}

func (s *MembershipService) AcceptInvitation(ctx context.Context, actor *Actor, forumID string) error {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return err
	}
	if err := s.guard.Check(ctx, actor, forum, ForumActive); err != nil {
		return err
	}

	return s.apply(ctx, &transition{
		action:    ActionAcceptInvitation,
		forum:     forum,
		actor:     actor,
		userID:    actor.ID,
		from:      model.StateInvited,
		to:        model.StateMember,
		connect:   true,
		recipient: forum.OwnerID,
		notify:    model.NotifyInvitationAccepted,
		message:   fmt.Sprintf("%s accepted your invitation to join %s", s.displayName(ctx, actor.ID), forum.Name),
	})
}

func (s *MembershipService) RejectInvitation(ctx context.Context, actor *Actor, forumID string) error {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return err
	}
	if err := s.guard.Check(ctx, actor, forum); err != nil {
		return err
	}

	return s.apply(ctx, &transition{
		action:    ActionRejectInvitation,
		forum:     forum,
		actor:     actor,
		userID:    actor.ID,
		from:      model.StateInvited,
		to:        model.StateNonMember,
		recipient: forum.OwnerID,
		notify:    model.NotifyInvitationRejected,
		message:   fmt.Sprintf("%s declined your invitation to join %s", s.displayName(ctx, actor.ID), forum.Name),
	})
}

func (s *MembershipService) LeaveForum(ctx context.Context, actor *Actor, forumID string) error {
	forum, err := loadForum(ctx, s.forumRepo, forumID)
	if err != nil {
		return err
	}
	if err := s.guard.Check(ctx, actor, forum, NotForumOwner); err != nil {
		return err
	}

	return s.apply(ctx, &transition{
		action:    ActionLeave,
		forum:     forum,
		actor:     actor,
		userID:    actor.ID,
		from:      model.StateMember,
		to:        model.StateNonMember,
		recipient: forum.OwnerID,
		notify:    model.NotifyMemberLeft,
		message:   fmt.Sprintf("%s left %s", s.displayName(ctx, actor.ID), forum.Name),
	})
}

func (s *MembershipService) State(ctx context.Context, forumID, userID string) (model.MembershipState, error) {
	state, err := s.membershipRepo.State(ctx, forumID, userID)
	if err != nil {
		return model.StateNonMember, apperr.Internal(err, "failed to load membership")
	}
	return state, nil
}

// insert moves a NonMember pair into state. A pair that already has a row
// yields a conflict naming that row's state.
func (s *MembershipService) insert(ctx context.Context, forum *model.Forum, userID string, state model.MembershipState, invitedBy string) error {
	now := s.now()
	ok, existing, err := s.membershipRepo.Insert(ctx, &model.ForumMembership{
		ForumID:   forum.ID,
		UserID:    userID,
		State:     state,
		InvitedBy: invitedBy,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return apperr.Internal(err, "failed to update membership")
	}
	if !ok {
		return alreadyConflict(existing)
	}
	return nil
}

// apply runs the conditional update or delete of t and its side effects.
// When t connects, the membership change and the owner's connection commit
// together.
func (s *MembershipService) apply(ctx context.Context, t *transition) error {
	var (
		ok  bool
		err error
	)
	switch {
	case t.to == model.StateNonMember:
		ok, err = s.membershipRepo.Remove(ctx, t.forum.ID, t.userID, t.from)
	case t.connect:
		forumID := t.forum.ID
		ok, err = s.membershipRepo.TransitionAndConnect(ctx, t.forum.ID, t.userID, t.from, t.to, &model.Connection{
			ID:            uuid.New().String(),
			OwnerID:       t.forum.OwnerID,
			ParticipantID: t.userID,
			ForumID:       &forumID,
			CreatedAt:     s.now(),
		})
	default:
		ok, err = s.membershipRepo.Transition(ctx, t.forum.ID, t.userID, t.from, t.to)
	}
	if err != nil {
		return apperr.Internal(err, "failed to update membership")
	}
	if !ok {
		current, err := s.membershipRepo.State(ctx, t.forum.ID, t.userID)
		if err != nil {
			return apperr.Internal(err, "failed to load membership")
		}
		return notInConflict(t.from, current)
	}

	s.afterTransition(ctx, t)
	return nil
}

// afterTransition runs the side effects of a committed transition. None of
// them can fail it.
func (s *MembershipService) afterTransition(ctx context.Context, t *transition) {
	s.logger.Info("membership transition",
		zap.String("action", t.action),
		zap.String("forum_id", t.forum.ID),
		zap.String("user_id", t.userID),
		zap.String("from", t.from.String()),
		zap.String("to", t.to.String()),
		zap.Bool("connected", t.connect),
	)

	if t.recipient != "" && t.recipient != t.actor.ID {
		ref := NotificationRef{ForumID: t.forum.ID, ActorID: t.actor.ID}
		if _, err := s.notifier.Notify(ctx, t.recipient, t.message, t.notify, ref); err != nil {
			s.logger.Error("failed to notify",
				zap.String("recipient", t.recipient),
				zap.String("type", string(t.notify)),
				zap.Error(err),
			)
		}
	}

	s.publish(model.MembershipEvent{
		ForumID:   t.forum.ID,
		UserID:    t.userID,
		ActorID:   t.actor.ID,
		Action:    t.action,
		From:      t.from,
		To:        t.to,
		Timestamp: s.now(),
	})
}

// publish hands the event to the worker pool so a slow broker never holds
// up the request. A full queue drops the event.
func (s *MembershipService) publish(event model.MembershipEvent) {
	if s.publisher == nil {
		return
	}

	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
		defer cancel()
		if err := s.publisher.PublishMembershipEvent(ctx, event); err != nil {
			s.logger.Warn("failed to publish membership event",
				zap.String("action", event.Action),
				zap.String("forum_id", event.ForumID),
				zap.Error(err),
			)
		}
	}

	if s.pool == nil {
		go job()
		return
	}
	if err := s.pool.TrySubmit(job); err != nil {
		s.logger.Warn("membership event dropped",
			zap.String("action", event.Action),
			zap.String("forum_id", event.ForumID),
			zap.Error(err),
		)
	}
}

func (s *MembershipService) displayName(ctx context.Context, userID string) string {
	u, err := s.userRepo.FindByID(ctx, userID)
	if err != nil || u.Name == "" {
		return "A user"
	}
	return u.Name
}

func alreadyConflict(existing model.MembershipState) error {
	switch existing {
	case model.StateMember:
		return apperr.Conflict(existing.String(), "already a member")
	case model.StatePending:
		return apperr.Conflict(existing.String(), "already pending")
	case model.StateInvited:
		return apperr.Conflict(existing.String(), "already invited")
	default:
		return apperr.Conflict(existing.String(), "membership already exists")
	}
}

func notInConflict(expected, current model.MembershipState) error {
	switch expected {
	case model.StatePending:
		return apperr.Conflict(current.String(), "not pending")
	case model.StateInvited:
		return apperr.Conflict(current.String(), "not invited")
	default:
		return apperr.Conflict(current.String(), "not a member")
	}
}

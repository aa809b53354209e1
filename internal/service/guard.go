package service

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/Gopher0727/Bazaar/internal/apperr"
	"github.com/Gopher0727/Bazaar/internal/model"
	logger "github.com/Gopher0727/Bazaar/middleware/log"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID     string
	Role   model.Role
	Status model.UserStatus
}

func ActorFromUser(u *model.User) *Actor {
	return &Actor{ID: u.ID, Role: u.Role, Status: u.Status}
}

// Predicate is one authorization rule over the caller and the forum being
// acted on. forum is nil for operations that do not target a forum.
type Predicate func(actor *Actor, forum *model.Forum) error

// ForumOwner requires the caller to own the forum.
func ForumOwner(actor *Actor, forum *model.Forum) error {
	if forum == nil || forum.OwnerID != actor.ID {
		return apperr.Forbidden("only the forum owner can perform this action")
	}
	return nil
}

// NotForumOwner rejects the forum owner.
func NotForumOwner(actor *Actor, forum *model.Forum) error {
	if forum != nil && forum.OwnerID == actor.ID {
		return apperr.Forbidden("the forum owner cannot perform this action")
	}
	return nil
}

// ForumActive hides retired forums as if they did not exist.
func ForumActive(_ *Actor, forum *model.Forum) error {
	if forum == nil || !forum.IsActive {
		return apperr.NotFound("forum not found or inactive")
	}
	return nil
}

// Role requires the caller to hold one of roles.
func Role(roles ...model.Role) Predicate {
	return func(actor *Actor, _ *model.Forum) error {
		if !slices.Contains(roles, actor.Role) {
			return apperr.Forbidden("role %s is not allowed to perform this action", actor.Role)
		}
		return nil
	}
}

// Guard evaluates predicates before a state change.
type Guard struct {
	logger *zap.Logger
}

func NewGuard(logger *zap.Logger) *Guard {
	return &Guard{logger: logger}
}

// Check returns the first failing predicate's error. A missing or inactive
// caller fails before any predicate runs.
func (g *Guard) Check(ctx context.Context, actor *Actor, forum *model.Forum, preds ...Predicate) error {
	if actor == nil || actor.ID == "" {
		return apperr.Unauthorized("authentication required")
	}
	switch actor.Status {
	case model.UserBlocked:
		return apperr.Forbidden("account is blocked")
	case model.UserUnverified:
		return apperr.Forbidden("account is not verified")
	}

	for _, pred := range preds {
		if err := pred(actor, forum); err != nil {
			if g.logger != nil {
				fields := []zap.Field{zap.String("actor", actor.ID), zap.Error(err)}
				if forum != nil {
					fields = append(fields, zap.String("forum_id", forum.ID))
				}
				if traceID := logger.GetTraceID(ctx); traceID != "" {
					fields = append(fields, zap.String("trace_id", traceID))
				}
				g.logger.Debug("authorization denied", fields...)
			}
			return err
		}
	}
	return nil
}

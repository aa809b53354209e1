package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/Bazaar/internal/model"
)

// IMembershipRepository stores the (forum, user) membership relation. Every
// write is a single statement guarded on the current state, so concurrent
// transitions on the same pair cannot both succeed.
type IMembershipRepository interface {
	// Insert creates the row when the pair has none. When a row already
	// exists it returns ok=false and the existing state.
	Insert(ctx context.Context, m *model.ForumMembership) (ok bool, existing model.MembershipState, err error)
	// Transition moves the pair from one state to another, ok=false when the
	// pair is no longer in from.
	Transition(ctx context.Context, forumID, userID string, from, to model.MembershipState) (bool, error)
	// Remove deletes the row, ok=false when the pair is no longer in from.
	Remove(ctx context.Context, forumID, userID string, from model.MembershipState) (bool, error)
	// TransitionAndConnect is Transition plus recording conn in its owner's
	// connection list, committed together. ok=false leaves both untouched.
	TransitionAndConnect(ctx context.Context, forumID, userID string, from, to model.MembershipState, conn *model.Connection) (bool, error)
	State(ctx context.Context, forumID, userID string) (model.MembershipState, error)
	ListByForums(ctx context.Context, forumIDs []string, states ...model.MembershipState) ([]*model.ForumMembership, error)
}

type MembershipRepository struct {
	db *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) IMembershipRepository {
	return &MembershipRepository{db: db}
}

// insertAttempts bounds the retries of Insert when the conflicting row is
// removed before its state could be read.
const insertAttempts = 2

func (r *MembershipRepository) Insert(ctx context.Context, m *model.ForumMembership) (bool, model.MembershipState, error) {
	state := model.StateNonMember
	for range insertAttempts {
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(m)
		if res.Error != nil {
			return false, model.StateNonMember, res.Error
		}
		if res.RowsAffected == 1 {
			return true, m.State, nil
		}

		var err error
		state, err = r.State(ctx, m.ForumID, m.UserID)
		if err != nil {
			return false, model.StateNonMember, err
		}
		if state != model.StateNonMember {
			return false, state, nil
		}
	}
	return false, state, nil
}

func (r *MembershipRepository) Transition(ctx context.Context, forumID, userID string, from, to model.MembershipState) (bool, error) {
	return transition(r.db.WithContext(ctx), forumID, userID, from, to)
}

func transition(db *gorm.DB, forumID, userID string, from, to model.MembershipState) (bool, error) {
	res := db.Model(&model.ForumMembership{}).
		Where("forum_id = ? AND user_id = ? AND state = ?", forumID, userID, from).
		Updates(map[string]any{"state": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// errStateMoved rolls back TransitionAndConnect when the pair left from.
var errStateMoved = errors.New("membership state moved")

func (r *MembershipRepository) TransitionAndConnect(ctx context.Context, forumID, userID string, from, to model.MembershipState, conn *model.Connection) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := transition(tx, forumID, userID, from, to)
		if err != nil {
			return err
		}
		if !ok {
			return errStateMoved
		}

		connections := &ConnectionRepository{db: tx}
		if _, err := connections.EnsureOwner(ctx, conn.OwnerID); err != nil {
			return fmt.Errorf("failed to prepare connection list: %w", err)
		}
		if _, _, err := connections.CreateIfAbsent(ctx, conn); err != nil {
			return fmt.Errorf("failed to create connection: %w", err)
		}
		return nil
	})
	if errors.Is(err, errStateMoved) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *MembershipRepository) Remove(ctx context.Context, forumID, userID string, from model.MembershipState) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("forum_id = ? AND user_id = ? AND state = ?", forumID, userID, from).
		Delete(&model.ForumMembership{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// State returns StateNonMember when the pair has no row.
func (r *MembershipRepository) State(ctx context.Context, forumID, userID string) (model.MembershipState, error) {
	var m model.ForumMembership
	err := r.db.WithContext(ctx).
		Where("forum_id = ? AND user_id = ?", forumID, userID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.StateNonMember, nil
	}
	if err != nil {
		return model.StateNonMember, err
	}
	return m.State, nil
}

// ListByForums returns the rows of forumIDs, optionally filtered to states,
// oldest first.
func (r *MembershipRepository) ListByForums(ctx context.Context, forumIDs []string, states ...model.MembershipState) ([]*model.ForumMembership, error) {
	var rows []*model.ForumMembership
	if len(forumIDs) == 0 {
		return rows, nil
	}

	q := r.db.WithContext(ctx).Where("forum_id IN ?", forumIDs)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	err := q.Order("created_at ASC").Find(&rows).Error
	return rows, err
}

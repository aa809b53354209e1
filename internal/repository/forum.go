package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/Bazaar/internal/model"
)

// IForumRepository defines the data operations on forums
type IForumRepository interface {
	Create(ctx context.Context, forum *model.Forum) error
	FindByID(ctx context.Context, id string) (*model.Forum, error)
	FindByIDs(ctx context.Context, ids []string) ([]*model.Forum, error)
	ExistsByName(ctx context.Context, name, excludeID string) (bool, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
	ListOwnedOrJoined(ctx context.Context, userID string) ([]*model.Forum, error)
	ListOthers(ctx context.Context, userID string) ([]*model.Forum, error)
	ListOwned(ctx context.Context, ownerID string) ([]*model.Forum, error)
	ListByMemberState(ctx context.Context, userID string, state model.MembershipState) ([]*model.Forum, error)
}

type ForumRepository struct {
	db *gorm.DB
}

func NewForumRepository(db *gorm.DB) IForumRepository {
	return &ForumRepository{db: db}
}

// Create inserts the forum and the owner's member row in one transaction.
func (r *ForumRepository) Create(ctx context.Context, forum *model.Forum) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(forum).Error; err != nil {
			return err
		}
		owner := &model.ForumMembership{
			ForumID: forum.ID,
			UserID:  forum.OwnerID,
			State:   model.StateMember,
		}
		return tx.Create(owner).Error
	})
}

func (r *ForumRepository) FindByID(ctx context.Context, id string) (*model.Forum, error) {
	var forum model.Forum
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&forum).Error
	if err != nil {
		return nil, err
	}
	return &forum, nil
}

func (r *ForumRepository) FindByIDs(ctx context.Context, ids []string) ([]*model.Forum, error) {
	var forums []*model.Forum
	if len(ids) == 0 {
		return forums, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("created_at DESC").Find(&forums).Error
	return forums, err
}

// ExistsByName reports whether another forum already uses name. excludeID
// skips the forum being renamed.
func (r *ForumRepository) ExistsByName(ctx context.Context, name, excludeID string) (bool, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&model.Forum{}).Where("name = ?", name)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	err := q.Count(&count).Error
	return count > 0, err
}

func (r *ForumRepository) Update(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&model.Forum{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *ForumRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.Update(ctx, id, map[string]any{"is_active": active})
}

// Delete removes the forum and its membership rows. Connections and
// notifications that reference the forum are left in place.
func (r *ForumRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("forum_id = ?", id).Delete(&model.ForumMembership{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Forum{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ListOwnedOrJoined returns the active forums userID owns or is a member of.
func (r *ForumRepository) ListOwnedOrJoined(ctx context.Context, userID string) ([]*model.Forum, error) {
	var forums []*model.Forum
	joined := r.db.Model(&model.ForumMembership{}).
		Select("forum_id").
		Where("user_id = ? AND state = ?", userID, model.StateMember)

	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where(r.db.Where("owner_id = ?", userID).Or("id IN (?)", joined)).
		Order("created_at DESC").
		Find(&forums).Error
	return forums, err
}

// ListOthers returns the active forums not owned by userID.
func (r *ForumRepository) ListOthers(ctx context.Context, userID string) ([]*model.Forum, error) {
	var forums []*model.Forum
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND owner_id <> ?", true, userID).
		Order("created_at DESC").
		Find(&forums).Error
	return forums, err
}

// ListOwned returns the active forums owned by ownerID.
func (r *ForumRepository) ListOwned(ctx context.Context, ownerID string) ([]*model.Forum, error) {
	var forums []*model.Forum
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND owner_id = ?", true, ownerID).
		Order("created_at DESC").
		Find(&forums).Error
	return forums, err
}

// ListByMemberState returns the active forums where userID currently holds
// state, e.g. the forums a user has asked to join.
func (r *ForumRepository) ListByMemberState(ctx context.Context, userID string, state model.MembershipState) ([]*model.Forum, error) {
	var forums []*model.Forum
	err := r.db.WithContext(ctx).
		Table("forums").
		Select("forums.*").
		Joins("JOIN forum_memberships ON forums.id = forum_memberships.forum_id").
		Where("forum_memberships.user_id = ? AND forum_memberships.state = ?", userID, state).
		Where("forums.is_active = ?", true).
		Order("forum_memberships.updated_at DESC").
		Find(&forums).Error
	return forums, err
}

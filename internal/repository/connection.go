package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/Bazaar/internal/model"
)

type IConnectionRepository interface {
	EnsureOwner(ctx context.Context, ownerID string) (*model.OwnerConnections, error)
	// CreateIfAbsent inserts c unless the owner already has an entry for the
	// participant, in which case the existing entry is returned with
	// created=false. The check and the insert are one statement.
	CreateIfAbsent(ctx context.Context, c *model.Connection) (created bool, conn *model.Connection, err error)
	Delete(ctx context.Context, ownerID, connectionID string) error
	List(ctx context.Context, ownerID string, offset, limit int, desc bool) ([]*model.Connection, error)
	Count(ctx context.Context, ownerID string) (int64, error)
	Exists(ctx context.Context, ownerID, participantID string) (bool, error)
}

type ConnectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(db *gorm.DB) IConnectionRepository {
	return &ConnectionRepository{db: db}
}

func (r *ConnectionRepository) EnsureOwner(ctx context.Context, ownerID string) (*model.OwnerConnections, error) {
	header := &model.OwnerConnections{ID: uuid.New().String(), ForumOwner: ownerID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "forum_owner"}}, DoNothing: true}).
		Create(header).Error
	if err != nil {
		return nil, err
	}

	var existing model.OwnerConnections
	if err := r.db.WithContext(ctx).Where("forum_owner = ?", ownerID).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *ConnectionRepository) CreateIfAbsent(ctx context.Context, c *model.Connection) (bool, *model.Connection, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "participant_id"}},
			DoNothing: true,
		}).
		Create(c)
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 1 {
		return true, c, nil
	}

	var existing model.Connection
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND participant_id = ?", c.OwnerID, c.ParticipantID).
		First(&existing).Error
	if err != nil {
		return false, nil, err
	}
	return false, &existing, nil
}

// Delete returns gorm.ErrRecordNotFound when ownerID has no such entry.
func (r *ConnectionRepository) Delete(ctx context.Context, ownerID, connectionID string) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", connectionID, ownerID).
		Delete(&model.Connection{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *ConnectionRepository) List(ctx context.Context, ownerID string, offset, limit int, desc bool) ([]*model.Connection, error) {
	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "created_at"}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: desc},
	}}

	var conns []*model.Connection
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Clauses(order).
		Offset(offset).
		Limit(limit).
		Find(&conns).Error
	return conns, err
}

func (r *ConnectionRepository) Count(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Connection{}).Where("owner_id = ?", ownerID).Count(&count).Error
	return count, err
}

func (r *ConnectionRepository) Exists(ctx context.Context, ownerID, participantID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Connection{}).
		Where("owner_id = ? AND participant_id = ?", ownerID, participantID).
		Count(&count).Error
	return count > 0, err
}

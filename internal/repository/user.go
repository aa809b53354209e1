package repository

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/Bazaar/internal/model"
)

const (
	userCacheKeyPrefix = "user:info:" // Redis String, value is the user JSON
	userCacheTTL       = 1 * time.Hour
)

// IUserRepository reads marketplace accounts, with a Redis cache in front of
// the id lookups.
type IUserRepository interface {
	Upsert(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByIDs(ctx context.Context, ids []string) (map[string]*model.User, error)
	FindByEmails(ctx context.Context, emails []string) ([]*model.User, error)
	Invalidate(ctx context.Context, id string) error
}

type UserRepository struct {
	db    *gorm.DB
	redis redis.Cmdable
}

// NewUserRepository creates an IUserRepository. rdb may be nil, which
// disables caching.
func NewUserRepository(db *gorm.DB, rdb redis.Cmdable) IUserRepository {
	return &UserRepository{db: db, redis: rdb}
}

func userCacheKey(id string) string {
	return userCacheKeyPrefix + id
}

// Upsert writes the account and drops its cache entry, so a status change
// (blocked, verified) is seen by the next request.
func (r *UserRepository) Upsert(ctx context.Context, user *model.User) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "avatar", "company_name", "role", "status", "updated_at"}),
	}).Create(user).Error
	if err != nil {
		return err
	}
	return r.Invalidate(ctx, user.ID)
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	if r.redis != nil {
		if val, err := r.redis.Get(ctx, userCacheKey(id)).Result(); err == nil {
			var user model.User
			if json.Unmarshal([]byte(val), &user) == nil {
				return &user, nil
			}
		}
	}

	var user model.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}

	if r.redis != nil {
		if data, err := json.Marshal(&user); err == nil {
			r.redis.Set(ctx, userCacheKey(id), data, userCacheTTL)
		}
	}
	return &user, nil
}

// FindByIDs returns the users found, keyed by id. Unknown ids are absent from
// the map.
func (r *UserRepository) FindByIDs(ctx context.Context, ids []string) (map[string]*model.User, error) {
	result := make(map[string]*model.User, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	missingIDs := ids
	if r.redis != nil {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = userCacheKey(id)
		}

		// Redis failure falls through to the database for everything.
		if vals, err := r.redis.MGet(ctx, keys...).Result(); err == nil {
			missingIDs = missingIDs[:0:0]
			for i, val := range vals {
				valStr, ok := val.(string)
				if !ok {
					missingIDs = append(missingIDs, ids[i])
					continue
				}
				var user model.User
				if json.Unmarshal([]byte(valStr), &user) != nil {
					missingIDs = append(missingIDs, ids[i])
					continue
				}
				result[ids[i]] = &user
			}
		}
	}

	if len(missingIDs) == 0 {
		return result, nil
	}

	var users []*model.User
	if err := r.db.WithContext(ctx).Where("id IN ?", missingIDs).Find(&users).Error; err != nil {
		return result, err
	}

	var pipe redis.Pipeliner
	if r.redis != nil {
		pipe = r.redis.Pipeline()
	}
	for _, user := range users {
		result[user.ID] = user
		if pipe != nil {
			if data, err := json.Marshal(user); err == nil {
				pipe.Set(ctx, userCacheKey(user.ID), data, userCacheTTL)
			}
		}
	}
	if pipe != nil {
		// Backfill is best-effort.
		_, _ = pipe.Exec(ctx)
	}
	return result, nil
}

// FindByEmails matches emails case-insensitively.
func (r *UserRepository) FindByEmails(ctx context.Context, emails []string) ([]*model.User, error) {
	var users []*model.User
	if len(emails) == 0 {
		return users, nil
	}
	lowered := make([]string, len(emails))
	for i, e := range emails {
		lowered[i] = strings.ToLower(e)
	}
	err := r.db.WithContext(ctx).Where("LOWER(email) IN ?", lowered).Find(&users).Error
	return users, err
}

func (r *UserRepository) Invalidate(ctx context.Context, id string) error {
	if r.redis == nil {
		return nil
	}
	return r.redis.Del(ctx, userCacheKey(id)).Err()
}

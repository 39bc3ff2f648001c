package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/fastcrud/userapi/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UserRepository interface {
	BaseRepository[models.User]
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Update(ctx context.Context, id uint, changes map[string]any) (*models.User, error)
	CreateMany(ctx context.Context, users []*models.User) error
	InsertIgnoringConflicts(ctx context.Context, users []*models.User) (int64, error)
}

type userRepository struct {
	BaseRepository[models.User]
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{BaseRepository: NewBaseRepository[models.User](db), db: db}
}

// FindByEmail returns (nil, nil) when no user has the email.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by email failed: %w", err)
	}
	return &u, nil
}

// Update writes only the given columns and refreshes updated_at in a single
// transaction. It returns (nil, nil) when the user does not exist.
func (r *userRepository) Update(ctx context.Context, id uint, changes map[string]any) (*models.User, error) {
	var updated *models.User
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.User
		if err := tx.First(&existing, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		now := tx.NowFunc()
		if now.Before(existing.CreatedAt) {
			now = existing.CreatedAt
		}
		values := make(map[string]any, len(changes)+1)
		for k, v := range changes {
			values[k] = v
		}
		values["updated_at"] = now

		if err := tx.Model(&models.User{}).Where("id = ?", id).Updates(values).Error; err != nil {
			return err
		}

		var fresh models.User
		if err := tx.First(&fresh, id).Error; err != nil {
			return err
		}
		updated = &fresh
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, violation(ctx, r.db, &models.User{}, uniqueChanges(changes), id, err)
		}
		return nil, fmt.Errorf("update user failed: %w", err)
	}
	return updated, nil
}

// CreateMany inserts every user in one transaction; on any failure nothing is
// persisted and the ids assigned in memory are cleared.
func (r *userRepository) CreateMany(ctx context.Context, users []*models.User) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range users {
			if err := tx.Create(u).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	for _, u := range users {
		u.ID = 0
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("create users failed: %w", err)
	}
	for _, u := range users {
		fields, probeErr := conflictingColumns(ctx, r.db, &models.User{}, u.UniqueColumns(), 0)
		if probeErr != nil {
			return fmt.Errorf("attribute constraint violation: %w", probeErr)
		}
		if len(fields) > 0 {
			return &ConstraintViolationError{Fields: fields, Err: err}
		}
	}
	return violation(ctx, r.db, &models.User{}, users[0].UniqueColumns(), 0, err)
}

// InsertIgnoringConflicts inserts users, silently skipping rows that collide
// with an existing unique value. It returns the number of rows inserted.
func (r *userRepository) InsertIgnoringConflicts(ctx context.Context, users []*models.User) (int64, error) {
	if len(users) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(users)
	if res.Error != nil {
		return 0, fmt.Errorf("seed users failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func uniqueChanges(changes map[string]any) map[string]any {
	out := map[string]any{}
	for col := range (&models.User{}).UniqueColumns() {
		if nv, ok := changes[col]; ok {
			out[col] = nv
		}
	}
	return out
}

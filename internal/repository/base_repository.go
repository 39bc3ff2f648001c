package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
)

// Uniquer is implemented by models with unique columns so collisions can be
// attributed to the offending field.
type Uniquer interface {
	UniqueColumns() map[string]any
}

// ConstraintViolationError reports a unique index collision. It is the only
// domain error the store returns; every other failure is opaque.
type ConstraintViolationError struct {
	Fields []string
	Err    error
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("unique constraint violated on %s", strings.Join(e.Fields, ", "))
}

func (e *ConstraintViolationError) Unwrap() error { return e.Err }

// Filter holds column equality conditions applied to paged reads.
type Filter map[string]any

// BaseRepository defines common CRUD operations.
type BaseRepository[T any] interface {
	Create(ctx context.Context, obj *T) error
	FindByID(ctx context.Context, id uint) (*T, error)
	FindPage(ctx context.Context, offset, limit int, filter Filter) ([]T, int64, error)
	Delete(ctx context.Context, id uint) (bool, error)
	Count(ctx context.Context) (int64, error)
}

type baseRepository[T any] struct {
	db *gorm.DB
}

func NewBaseRepository[T any](db *gorm.DB) BaseRepository[T] {
	return &baseRepository[T]{db: db}
}

func (r *baseRepository[T]) Create(ctx context.Context, obj *T) error {
	if err := r.db.WithContext(ctx).Create(obj).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return violation(ctx, r.db, new(T), uniqueValues(obj), 0, err)
		}
		return fmt.Errorf("create entity failed: %w", err)
	}
	return nil
}

// FindByID returns (nil, nil) when no row has the id.
func (r *baseRepository[T]) FindByID(ctx context.Context, id uint) (*T, error) {
	var out T
	if err := r.db.WithContext(ctx).First(&out, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get entity failed: %w", err)
	}
	return &out, nil
}

// FindPage returns one page ordered newest first together with the total
// number of rows matching filter.
func (r *baseRepository[T]) FindPage(ctx context.Context, offset, limit int, filter Filter) ([]T, int64, error) {
	scoped := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(new(T))
		if len(filter) > 0 {
			q = q.Where(map[string]any(filter))
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count entities failed: %w", err)
	}

	items := make([]T, 0, limit)
	if err := scoped().Order("created_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("list entities failed: %w", err)
	}
	if items == nil {
		items = []T{}
	}
	return items, total, nil
}

// Delete hard-deletes the row and reports whether one was removed.
func (r *baseRepository[T]) Delete(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Delete(new(T), id)
	if res.Error != nil {
		return false, fmt.Errorf("delete entity failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *baseRepository[T]) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(new(T)).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count entities failed: %w", err)
	}
	return n, nil
}

func uniqueValues(obj any) map[string]any {
	if u, ok := obj.(Uniquer); ok {
		return u.UniqueColumns()
	}
	return nil
}

// conflictingColumns probes each unique column for another row holding the
// same value. excludeID skips the row being updated.
func conflictingColumns(ctx context.Context, db *gorm.DB, model any, values map[string]any, excludeID uint) ([]string, error) {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var hits []string
	for _, col := range cols {
		q := db.WithContext(ctx).Model(model).Where(map[string]any{col: values[col]})
		if excludeID != 0 {
			q = q.Where("id <> ?", excludeID)
		}
		var n int64
		if err := q.Count(&n).Error; err != nil {
			return nil, err
		}
		if n > 0 {
			hits = append(hits, col)
		}
	}
	return hits, nil
}

// violation builds a ConstraintViolationError for cause. Must run outside any
// transaction: the probe needs its own connection.
func violation(ctx context.Context, db *gorm.DB, model any, values map[string]any, excludeID uint, cause error) error {
	fields, err := conflictingColumns(ctx, db, model, values, excludeID)
	if err != nil {
		return fmt.Errorf("attribute constraint violation: %w", err)
	}
	if len(fields) == 0 {
		// Collided with a row that is no longer visible, name every candidate.
		for col := range values {
			fields = append(fields, col)
		}
		sort.Strings(fields)
	}
	return &ConstraintViolationError{Fields: fields, Err: cause}
}

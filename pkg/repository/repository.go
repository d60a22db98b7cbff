// Package repository holds a generic gorm store for tables that only need
// lookups by example and column updates.
package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/billcore/pkg/db/option"
	"gorm.io/gorm"
)

// Store reads and writes rows of T through the handle it was built with,
// which may be a transaction.
type Store[T any] struct {
	db *gorm.DB
}

func For[T any](db *gorm.DB) Store[T] {
	return Store[T]{db: db}
}

// Find returns the rows matching the non-zero fields of example.
func (s Store[T]) Find(ctx context.Context, example *T, opts ...option.QueryOption) ([]*T, error) {
	var rows []*T
	if err := s.query(ctx, example, opts).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// FindOne returns nil without error when nothing matches.
func (s Store[T]) FindOne(ctx context.Context, example *T, opts ...option.QueryOption) (*T, error) {
	var row T
	err := s.query(ctx, example, opts).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s Store[T]) Create(ctx context.Context, row *T) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// Update writes the given columns to the row with id.
func (s Store[T]) Update(ctx context.Context, id any, columns map[string]any) error {
	return s.db.WithContext(ctx).Model(new(T)).Where("id = ?", id).Updates(columns).Error
}

func (s Store[T]) query(ctx context.Context, example *T, opts []option.QueryOption) *gorm.DB {
	q := s.db.WithContext(ctx).Where(example)
	for _, opt := range opts {
		q = opt.Apply(q)
	}
	return q
}

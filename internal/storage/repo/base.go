package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Filter 筛选器接口
type Filter interface {
	Apply(db *gorm.DB) *gorm.DB
}

// KeyFilter 按主键列筛选
type KeyFilter struct {
	Column string
	Value  any
}

// Apply 实现 Filter 接口
func (f KeyFilter) Apply(db *gorm.DB) *gorm.DB {
	return db.Where(clause.Eq{Column: clause.Column{Name: f.Column}, Value: f.Value})
}

// BaseRepository 基础DAO层
type BaseRepository[T any] struct {
	Db *gorm.DB
}

// NewBaseRepository 创建基础DAO层
func NewBaseRepository[T any](db *gorm.DB) *BaseRepository[T] {
	return &BaseRepository[T]{
		Db: db,
	}
}

// Upsert 按主键插入或整行覆盖
func (r *BaseRepository[T]) Upsert(ctx context.Context, item *T) error {
	return r.Db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(item).Error
}

// Delete 按筛选条件删除记录，不存在时不报错
func (r *BaseRepository[T]) Delete(ctx context.Context, filter Filter) error {
	return filter.Apply(r.Db.WithContext(ctx)).Delete(new(T)).Error
}

// FindOne 按筛选条件查询单条记录，不存在时返回 (nil, nil)
func (r *BaseRepository[T]) FindOne(ctx context.Context, filter Filter) (*T, error) {
	item := new(T)
	err := filter.Apply(r.Db.WithContext(ctx)).Take(item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Count 统计记录数量
func (r *BaseRepository[T]) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.Db.WithContext(ctx).Model(new(T)).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

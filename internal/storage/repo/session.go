package repo

import (
	"context"
	"time"

	"github.com/vanhao1997/unified-pixel-inspector/internal/storage/model"

	"gorm.io/gorm"
)

// SessionRepo 会话仓库，实现会话存储的后端接口
type SessionRepo struct {
	BaseRepository[model.SessionRecord]
}

// NewSessionRepo 创建会话仓库实例
func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{
		BaseRepository: *NewBaseRepository[model.SessionRecord](db),
	}
}

func byKey(key string) KeyFilter {
	return KeyFilter{Column: "key", Value: key}
}

// Get 读取会话数据
func (r *SessionRepo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rec, err := r.FindOne(ctx, byKey(key))
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec.Data, true, nil
}

// Set 写入会话数据（存在则覆盖）
func (r *SessionRepo) Set(ctx context.Context, key string, data []byte) error {
	return r.Upsert(ctx, &model.SessionRecord{
		Key:       key,
		Data:      data,
		UpdatedAt: time.Now(),
	})
}

// Remove 删除会话数据
func (r *SessionRepo) Remove(ctx context.Context, key string) error {
	return r.Delete(ctx, byKey(key))
}

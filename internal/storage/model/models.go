package model

import (
	"time"
)

// SessionRecord 会话记录表，每个标签页一行
type SessionRecord struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"` // 会话键，如 session_12
	Data      []byte    `gorm:"type:blob" json:"data"`         // 会话 JSON
	UpdatedAt time.Time `json:"updatedAt"`                     // 更新时间
}

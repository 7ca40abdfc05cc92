// Package badge 工具栏角标，按问题数计算文本与颜色
package badge

import (
	"strconv"
	"sync"

	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
)

// 角标颜色
const (
	ColorIssues = "#ef4444"
	ColorClear  = "#22c55e"
)

// maxCount 超过该值时显示 "99+"
const maxCount = 99

// Indicator 角标输出端
type Indicator interface {
	// Set 设置标签页的问题数
	Set(tab domain.TabID, count int)

	// Reset 将标签页角标恢复为中性状态
	Reset(tab domain.TabID)
}

// ForCount 根据问题数计算角标
func ForCount(n int) domain.Badge {
	if n <= 0 {
		return domain.Badge{Text: "", Color: ColorClear}
	}
	text := strconv.Itoa(n)
	if n > maxCount {
		text = strconv.Itoa(maxCount) + "+"
	}
	return domain.Badge{Text: text, Color: ColorIssues}
}

// Table 内存中的各标签页角标状态
type Table struct {
	mu     sync.RWMutex
	badges map[domain.TabID]domain.Badge
}

// NewTable 创建角标表
func NewTable() *Table {
	return &Table{badges: make(map[domain.TabID]domain.Badge)}
}

// Set 设置标签页的问题数
func (t *Table) Set(tab domain.TabID, count int) {
	t.mu.Lock()
	t.badges[tab] = ForCount(count)
	t.mu.Unlock()
}

// Reset 恢复中性状态
func (t *Table) Reset(tab domain.TabID) {
	t.mu.Lock()
	delete(t.badges, tab)
	t.mu.Unlock()
}

// Get 读取标签页角标，未设置时返回中性状态
func (t *Table) Get(tab domain.TabID) domain.Badge {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.badges[tab]; ok {
		return b
	}
	return ForCount(0)
}

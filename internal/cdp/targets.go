package cdp

import (
	"sync"

	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
)

// tabRegistry 目标到标签页ID的路由表，同一目标在存活期间始终映射到同一标签页
type tabRegistry struct {
	mu       sync.RWMutex
	next     domain.TabID
	byTarget map[domain.TargetID]domain.TabID
	byTab    map[domain.TabID]domain.TargetID
}

func newTabRegistry() *tabRegistry {
	return &tabRegistry{
		next:     1,
		byTarget: make(map[domain.TargetID]domain.TabID),
		byTab:    make(map[domain.TabID]domain.TargetID),
	}
}

// assign 返回目标对应的标签页ID，首次出现时分配新ID
func (r *tabRegistry) assign(id domain.TargetID) (domain.TabID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tab, ok := r.byTarget[id]; ok {
		return tab, false
	}
	tab := r.next
	r.next++
	r.byTarget[id] = tab
	r.byTab[tab] = id
	return tab, true
}

// tab 查询目标对应的标签页
func (r *tabRegistry) tab(id domain.TargetID) (domain.TabID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.byTarget[id]
	return tab, ok
}

// target 反查标签页对应的目标
func (r *tabRegistry) target(tab domain.TabID) (domain.TargetID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTab[tab]
	return id, ok
}

// release 释放目标映射，已释放的标签页ID不会被复用
func (r *tabRegistry) release(id domain.TargetID) (domain.TabID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tab, ok := r.byTarget[id]
	if !ok {
		return domain.NoTab, false
	}
	delete(r.byTarget, id)
	delete(r.byTab, tab)
	return tab, true
}

// vanished 返回不在当前列表中的已知目标
func (r *tabRegistry) vanished(live map[domain.TargetID]struct{}) []domain.TargetID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.TargetID
	for id := range r.byTarget {
		if _, ok := live[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *tabRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTarget)
}

// Package notify 会话变更广播，尽力投递，无订阅者时静默
package notify

import (
	"sync"

	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"
	"github.com/vanhao1997/unified-pixel-inspector/internal/metrics"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"

	"github.com/google/uuid"
)

// DefaultBuffer 订阅通道默认缓冲
const DefaultBuffer = 64

// Broadcaster 会话变更广播器
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	log    logger.Logger
	metric *metrics.Metrics
}

// Subscription 一个观察者的订阅
type Subscription struct {
	ID string
	C  <-chan domain.SessionUpdate

	ch     chan domain.SessionUpdate
	parent *Broadcaster
	once   sync.Once
}

// New 创建广播器
func New(l logger.Logger, m *metrics.Metrics) *Broadcaster {
	if l == nil {
		l = logger.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		log:    l,
		metric: m,
	}
}

// Subscribe 注册一个观察者
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan domain.SessionUpdate, buffer)
	sub := &Subscription{
		ID:     uuid.NewString(),
		C:      ch,
		ch:     ch,
		parent: b,
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	b.metric.SetSubscribers(n)
	b.log.Debug("[Notify] 观察者已连接", "subscription", sub.ID)
	return sub
}

// Close 取消订阅并关闭通道，可重复调用
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.parent
		b.mu.Lock()
		delete(b.subs, s.ID)
		n := len(b.subs)
		close(s.ch)
		b.mu.Unlock()

		b.metric.SetSubscribers(n)
		b.log.Debug("[Notify] 观察者已断开", "subscription", s.ID)
	})
}

// Publish 广播会话快照，订阅者缓冲已满时丢弃该条，不重试
func (b *Broadcaster) Publish(u domain.SessionUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subs) == 0 {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- u:
		default:
			// 通道满时丢弃，防止阻塞写入路径
			b.metric.BroadcastDropped()
			b.log.Warn("[Notify] 观察者通道已满，丢弃会话更新", "subscription", sub.ID, "tabId", u.TabID)
		}
	}
}

// Subscribers 当前订阅者数量
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

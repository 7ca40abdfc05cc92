// Package tracker 在途请求追踪，把请求发出时的信息保留到请求完成
package tracker

import (
	"sync"
	"time"

	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"

	"github.com/benbjohnson/clock"
)

// DefaultTTL 条目默认存活时间
const DefaultTTL = 60 * time.Second

// sweepInterval 过期清理周期
const sweepInterval = 30 * time.Second

type entry[V any] struct {
	value V
	at    time.Time
}

// Tracker 带过期时间的键值追踪器，过期条目由后台协程定期清理
type Tracker[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]entry[V]
	ttl   time.Duration
	clock clock.Clock
	log   logger.Logger
	done  chan struct{}
	stop  sync.Once
	wg    sync.WaitGroup
}

// New 创建追踪器，clk 为 nil 时使用系统时钟
func New[K comparable, V any](ttl time.Duration, clk clock.Clock, l logger.Logger) *Tracker[K, V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	if l == nil {
		l = logger.NewNop()
	}
	t := &Tracker[K, V]{
		items: make(map[K]entry[V]),
		ttl:   ttl,
		clock: clk,
		log:   l,
		done:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Set 存入条目，已存在时覆盖并重新计时
func (t *Tracker[K, V]) Set(k K, v V) {
	t.mu.Lock()
	t.items[k] = entry[V]{value: v, at: t.clock.Now()}
	t.mu.Unlock()
}

// Take 取出并移除条目，已过期的条目视为不存在
func (t *Tracker[K, V]) Take(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	delete(t.items, k)
	if t.expired(e, t.clock.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete 删除条目
func (t *Tracker[K, V]) Delete(k K) {
	t.mu.Lock()
	delete(t.items, k)
	t.mu.Unlock()
}

// Len 当前条目数
func (t *Tracker[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Sweep 立即清理过期条目，返回清理数量
func (t *Tracker[K, V]) Sweep() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.items {
		if t.expired(e, now) {
			delete(t.items, k)
			n++
		}
	}
	if n > 0 {
		t.log.Debug("清理过期的在途请求", "count", n)
	}
	return n
}

// Stop 停止后台清理并等待其退出，可重复调用
func (t *Tracker[K, V]) Stop() {
	t.stop.Do(func() { close(t.done) })
	t.wg.Wait()
}

func (t *Tracker[K, V]) expired(e entry[V], now time.Time) bool {
	return now.Sub(e.at) > t.ttl
}

func (t *Tracker[K, V]) sweepLoop() {
	defer t.wg.Done()
	ticker := t.clock.Ticker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

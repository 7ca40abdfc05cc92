// Package store 提供按标签页寻址的会话存储，核心原语是串行化的原子更新
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"

	"github.com/benbjohnson/clock"
)

// KeyPrefix 会话记录键前缀
const KeyPrefix = "session_"

// DefaultMaxEvents 每个会话保留的最大事件数
const DefaultMaxEvents = 100

// Backend 底层异步存储，读写均可能失败
type Backend interface {
	// Get 读取键值，不存在时 found 为 false
	Get(ctx context.Context, key string) (data []byte, found bool, err error)

	// Set 写入键值
	Set(ctx context.Context, key string, data []byte) error

	// Remove 删除键值，键不存在时不报错
	Remove(ctx context.Context, key string) error
}

// Mutator 在会话上原地修改
type Mutator func(s *domain.Session)

// Watcher 接收提交结果，回调在持有标签页锁期间执行，顺序与提交顺序一致
// 回调不得阻塞，也不得再调用同一个 Store。
type Watcher interface {
	// Committed 会话写回成功，sess 为调用方将拿到的同一对象
	Committed(tab domain.TabID, sess *domain.Session)
	// Removed 会话已删除
	Removed(tab domain.TabID)
}

// Options 存储配置
type Options struct {
	MaxEvents int
	Clock     clock.Clock
	Logger    logger.Logger
}

// Store 会话存储
type Store struct {
	backend   Backend
	locks     *keyLocks
	maxEvents int
	clock     clock.Clock
	log       logger.Logger
	watcher   Watcher

	stampMu   sync.Mutex
	lastStamp int64
}

// New 创建会话存储
func New(backend Backend, opts Options) *Store {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Store{
		backend:   backend,
		locks:     newKeyLocks(),
		maxEvents: opts.MaxEvents,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
}

// Watch 设置提交观察者，须在首次读写之前调用
func (s *Store) Watch(w Watcher) {
	s.watcher = w
}

// Key 返回标签页会话的存储键
func Key(tab domain.TabID) string {
	return KeyPrefix + tab.String()
}

// Update 串行化地读取、修改并写回标签页会话
// 会话不存在时以默认会话作为起点；写回前截断事件列表。
// 任一存储读写失败时返回包装了 domain.ErrStorage 的错误，且不提交任何修改。
func (s *Store) Update(ctx context.Context, tab domain.TabID, fn Mutator) (*domain.Session, error) {
	key := Key(tab)
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("store: wait lock %s: %w", key, err)
	}
	defer release()

	sess, _, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = domain.NewSession(s.stamp())
	}

	if fn != nil {
		fn(sess)
	}
	s.truncate(sess)

	if err := s.save(ctx, tab, key, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Reset 在一次持锁内删除并重建默认会话，startTime 取新的时间戳
func (s *Store) Reset(ctx context.Context, tab domain.TabID) (*domain.Session, error) {
	key := Key(tab)
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("store: wait lock %s: %w", key, err)
	}
	defer release()

	if err := s.drop(ctx, tab, key); err != nil {
		return nil, err
	}
	sess := domain.NewSession(s.stamp())
	if err := s.save(ctx, tab, key, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get 读取会话快照，不参与互斥，可能与并发更新竞争
func (s *Store) Get(ctx context.Context, tab domain.TabID) (*domain.Session, bool, error) {
	return s.load(ctx, Key(tab))
}

// Remove 删除会话，会话不存在时不报错
// 与 Update 共用标签页锁，进行中的更新不会把旧记录写回。
func (s *Store) Remove(ctx context.Context, tab domain.TabID) error {
	key := Key(tab)
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("store: wait lock %s: %w", key, err)
	}
	defer release()
	return s.drop(ctx, tab, key)
}

// MaxEvents 返回事件保留上限
func (s *Store) MaxEvents() int { return s.maxEvents }

// save 写回会话并通知观察者，调用方须持有标签页锁
func (s *Store) save(ctx context.Context, tab domain.TabID, key string, sess *domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if err := s.backend.Set(ctx, key, data); err != nil {
		s.log.Err(err, "写入会话失败", "key", key)
		return fmt.Errorf("%w: write %s: %v", domain.ErrStorage, key, err)
	}
	if s.watcher != nil {
		s.watcher.Committed(tab, sess)
	}
	return nil
}

// drop 删除会话并通知观察者，调用方须持有标签页锁
func (s *Store) drop(ctx context.Context, tab domain.TabID, key string) error {
	if err := s.backend.Remove(ctx, key); err != nil {
		s.log.Err(err, "删除会话失败", "key", key)
		return fmt.Errorf("%w: remove %s: %v", domain.ErrStorage, key, err)
	}
	if s.watcher != nil {
		s.watcher.Removed(tab)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string) (*domain.Session, bool, error) {
	data, found, err := s.backend.Get(ctx, key)
	if err != nil {
		s.log.Err(err, "读取会话失败", "key", key)
		return nil, false, fmt.Errorf("%w: read %s: %v", domain.ErrStorage, key, err)
	}
	if !found {
		return nil, false, nil
	}
	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, false, fmt.Errorf("%w: decode %s: %v", domain.ErrStorage, key, err)
	}
	sess.Normalize()
	return &sess, true, nil
}

// truncate 保留最新的 maxEvents 条事件
func (s *Store) truncate(sess *domain.Session) {
	if n := len(sess.Events); n > s.maxEvents {
		kept := make([]domain.CapturedEvent, s.maxEvents)
		copy(kept, sess.Events[n-s.maxEvents:])
		sess.Events = kept
	}
}

// stamp 返回严格递增的创建时间（毫秒）
func (s *Store) stamp() int64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	now := s.clock.Now().UnixMilli()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

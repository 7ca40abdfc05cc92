// Package service 会话生命周期控制器：把事实与标签页生命周期信号路由到会话存储
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vanhao1997/unified-pixel-inspector/internal/badge"
	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"
	"github.com/vanhao1997/unified-pixel-inspector/internal/metrics"
	"github.com/vanhao1997/unified-pixel-inspector/internal/notify"
	"github.com/vanhao1997/unified-pixel-inspector/internal/pool"
	"github.com/vanhao1997/unified-pixel-inspector/internal/reducer"
	"github.com/vanhao1997/unified-pixel-inspector/internal/store"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"

	"github.com/benbjohnson/clock"
)

// DefaultDataLayerTimeout 从页面读取 dataLayer 的默认超时
const DefaultDataLayerTimeout = 3 * time.Second

// emptyDataLayer 超时或页面不可达时的回退结果
var emptyDataLayer = json.RawMessage("[]")

// PageInspector 从页面上下文读取数据
type PageInspector interface {
	DataLayer(ctx context.Context, tab domain.TabID) (json.RawMessage, error)
}

// Config 控制器依赖
type Config struct {
	Store            *store.Store
	Broadcaster      *notify.Broadcaster
	Badges           badge.Indicator
	Pool             *pool.Pool
	Inspector        PageInspector
	Clock            clock.Clock
	DataLayerTimeout time.Duration
	Logger           logger.Logger
	Metrics          *metrics.Metrics
}

// CaptureState 捕获开关应答
type CaptureState struct {
	Capturing bool `json:"capturing"`
}

type handlerFunc func(ctx context.Context, tab domain.TabID, msg domain.Message) (any, error)

type svc struct {
	store     *store.Store
	bus       *notify.Broadcaster
	badges    badge.Indicator
	pool      *pool.Pool
	inspector PageInspector
	clock     clock.Clock
	dlTimeout time.Duration
	log       logger.Logger
	metric    *metrics.Metrics
	routes    map[domain.MessageType]handlerFunc
}

// New 创建并返回会话生命周期控制器
func New(cfg Config) *svc {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.DataLayerTimeout <= 0 {
		cfg.DataLayerTimeout = DefaultDataLayerTimeout
	}
	if cfg.Store == nil {
		cfg.Store = store.New(store.NewMemory(), store.Options{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = notify.New(cfg.Logger, cfg.Metrics)
	}
	if cfg.Badges == nil {
		cfg.Badges = badge.NewTable()
	}
	if cfg.Pool == nil {
		cfg.Pool = pool.New(0, 0)
	}

	s := &svc{
		store:     cfg.Store,
		bus:       cfg.Broadcaster,
		badges:    cfg.Badges,
		pool:      cfg.Pool,
		inspector: cfg.Inspector,
		clock:     cfg.Clock,
		dlTimeout: cfg.DataLayerTimeout,
		log:       cfg.Logger,
		metric:    cfg.Metrics,
	}
	s.routes = map[domain.MessageType]handlerFunc{
		domain.MessagePixelDetected: s.handlePixelDetected,
		domain.MessageEventCaptured: s.handleEventCaptured,
		domain.MessageGlobalLoaded:  s.handleGlobalLoaded,
		domain.MessageToggleCapture: s.handleToggleCapture,
		domain.MessageGetSession:    s.handleGetSession,
		domain.MessageClearSession:  s.handleClearSession,
		domain.MessageGetDataLayer:  s.handleDataLayer,
	}
	s.store.Watch(commitWatcher{s})
	return s
}

// commitWatcher 在标签页锁内广播新快照并同步角标，保证推送顺序与提交顺序一致
type commitWatcher struct{ s *svc }

func (w commitWatcher) Committed(tab domain.TabID, sess *domain.Session) {
	w.s.badges.Set(tab, reducer.IssueCount(sess))
	// 订阅者拿到的是只读副本，与返回值互不影响
	w.s.bus.Publish(domain.SessionUpdate{TabID: tab, Session: sess.Clone()})
}

func (w commitWatcher) Removed(tab domain.TabID) {
	w.s.badges.Reset(tab)
}

// SetInspector 设置页面数据读取端，浏览器桥接就绪后注入
func (s *svc) SetInspector(ins PageInspector) {
	s.inspector = ins
}

// Broadcaster 返回变更广播器
func (s *svc) Broadcaster() *notify.Broadcaster { return s.bus }

// Handle 按消息类型路由并同步执行
// 无法解析标签页的事实消息被静默丢弃，返回 (nil, nil)；查询消息返回 ErrTabUnresolved。
func (s *svc) Handle(ctx context.Context, msg domain.Message) (any, error) {
	h, ok := s.routes[msg.Type]
	if !ok {
		s.metric.FactDropped(string(msg.Type), metrics.ReasonInvalid)
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownMessage, msg.Type)
	}

	tab, ok := msg.ResolveTab()
	if !ok {
		s.metric.FactDropped(string(msg.Type), metrics.ReasonTabUnresolved)
		s.log.Debug("消息无法归属标签页，已丢弃", "type", string(msg.Type))
		if msg.Type.IsFact() {
			return nil, nil
		}
		return nil, domain.ErrTabUnresolved
	}

	res, err := h(ctx, tab, msg)
	if err != nil {
		reason := metrics.ReasonInvalid
		if errors.Is(err, domain.ErrStorage) {
			reason = metrics.ReasonStorage
		}
		s.metric.FactDropped(string(msg.Type), reason)
		return nil, err
	}
	s.metric.FactHandled(string(msg.Type))
	return res, nil
}

// Submit 异步投递消息，发射方不等待会话写入；队列已满时丢弃
func (s *svc) Submit(ctx context.Context, msg domain.Message) bool {
	return s.SubmitAll(ctx, msg)
}

// SubmitAll 在同一个任务中按顺序处理多条消息，保持发射顺序
func (s *svc) SubmitAll(ctx context.Context, msgs ...domain.Message) bool {
	if len(msgs) == 0 {
		return true
	}
	ok := s.pool.Submit(ctx, func(taskCtx context.Context) {
		for _, msg := range msgs {
			if _, err := s.Handle(taskCtx, msg); err != nil {
				s.log.Err(err, "处理消息失败", "type", string(msg.Type))
			}
		}
	})
	if !ok {
		for _, msg := range msgs {
			s.metric.FactDropped(string(msg.Type), metrics.ReasonQueueFull)
		}
	}
	return ok
}

// PixelDetected 合并像素检测事实，角标随提交刷新
func (s *svc) PixelDetected(ctx context.Context, tab domain.TabID, f domain.PixelDetected) (*domain.Session, error) {
	if f.Platform == "" {
		return nil, fmt.Errorf("%w: pixel fact without platform", domain.ErrInvalidMessage)
	}
	if !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown pixel status %q", domain.ErrInvalidMessage, f.Status)
	}
	return s.update(ctx, tab, reducer.PixelDetected(f))
}

// EventCaptured 追加捕获事件，时间戳取捕获时刻
func (s *svc) EventCaptured(ctx context.Context, tab domain.TabID, f domain.EventCaptured) (*domain.Session, error) {
	if f.Platform == "" {
		return nil, fmt.Errorf("%w: event fact without platform", domain.ErrInvalidMessage)
	}
	return s.update(ctx, tab, reducer.EventCaptured(f, s.clock.Now().UnixMilli()))
}

// GlobalLoaded 平台全局对象已初始化
func (s *svc) GlobalLoaded(ctx context.Context, tab domain.TabID, f domain.GlobalLoaded) (*domain.Session, error) {
	if f.Platform == "" {
		return nil, fmt.Errorf("%w: global fact without platform", domain.ErrInvalidMessage)
	}
	return s.update(ctx, tab, reducer.GlobalLoaded(f))
}

// ToggleCapture 设置捕获开关
func (s *svc) ToggleCapture(ctx context.Context, tab domain.TabID, capturing bool) (*domain.Session, error) {
	return s.update(ctx, tab, reducer.CaptureToggle(capturing))
}

// GetSession 读取会话快照，不存在时惰性创建
func (s *svc) GetSession(ctx context.Context, tab domain.TabID) (*domain.Session, error) {
	sess, ok, err := s.store.Get(ctx, tab)
	s.metric.StoreOp("get", err)
	if err != nil {
		return nil, err
	}
	if ok {
		return sess, nil
	}
	return s.update(ctx, tab, reducer.Noop())
}

// ClearSession 销毁并立即重建空会话，期间进行中的更新不会混入新会话
func (s *svc) ClearSession(ctx context.Context, tab domain.TabID) (*domain.Session, error) {
	sess, err := s.store.Reset(ctx, tab)
	s.metric.StoreOp("reset", err)
	if err != nil {
		return nil, err
	}
	s.log.Info("会话已清空", "tabId", tab.String())
	return sess, nil
}

// NavigationStarted 标签页开始加载新文档，已积累的事实全部失效
func (s *svc) NavigationStarted(ctx context.Context, tab domain.TabID) error {
	if err := s.remove(ctx, tab); err != nil {
		return err
	}
	s.log.Debug("标签页导航，会话已销毁", "tabId", tab.String())
	return nil
}

// TabClosed 标签页关闭
func (s *svc) TabClosed(ctx context.Context, tab domain.TabID) error {
	if err := s.remove(ctx, tab); err != nil {
		return err
	}
	s.log.Debug("标签页关闭，会话已销毁", "tabId", tab.String())
	return nil
}

// DataLayer 从页面读取 dataLayer，超时或失败时回退为空数组
func (s *svc) DataLayer(ctx context.Context, tab domain.TabID) json.RawMessage {
	if s.inspector == nil {
		return emptyDataLayer
	}
	ctx, cancel := context.WithTimeout(ctx, s.dlTimeout)
	defer cancel()

	data, err := s.inspector.DataLayer(ctx, tab)
	if err != nil || len(data) == 0 {
		if err != nil {
			s.log.Warn("读取 dataLayer 失败，返回空结果", "tabId", tab.String(), "error", err.Error())
		}
		return emptyDataLayer
	}
	return data
}

// update 执行原子更新，广播由 commitWatcher 在锁内完成
func (s *svc) update(ctx context.Context, tab domain.TabID, fn store.Mutator) (*domain.Session, error) {
	sess, err := s.store.Update(ctx, tab, fn)
	s.metric.StoreOp("update", err)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *svc) remove(ctx context.Context, tab domain.TabID) error {
	err := s.store.Remove(ctx, tab)
	s.metric.StoreOp("remove", err)
	return err
}

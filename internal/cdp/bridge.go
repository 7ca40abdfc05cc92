// Package cdp 通过 DevTools 协议观察浏览器页面，把网络请求和导航转换为会话事实
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"

	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"
	"github.com/vanhao1997/unified-pixel-inspector/internal/metrics"
	"github.com/vanhao1997/unified-pixel-inspector/internal/observer"
	"github.com/vanhao1997/unified-pixel-inspector/internal/tracker"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
)

const (
	// DefaultPollInterval 目标列表刷新间隔
	DefaultPollInterval = time.Second

	pageType        = "page"
	writeBufferSize = 16 * 1024 * 1024
)

// Sink 接收桥接层产生的事实与生命周期信号
type Sink interface {
	SubmitAll(ctx context.Context, msgs ...domain.Message) bool
	NavigationStarted(ctx context.Context, tab domain.TabID) error
	TabClosed(ctx context.Context, tab domain.TabID) error
}

// Options 桥接配置
type Options struct {
	DevToolsURL  string
	PollInterval time.Duration
	RequestTTL   time.Duration
	Observer     *observer.Observer
	Clock        clock.Clock
	Logger       logger.Logger
	Metrics      *metrics.Metrics
}

// requestKey 跨目标唯一的请求标识
type requestKey struct {
	target domain.TargetID
	id     network.RequestID
}

// Bridge 浏览器桥接，负责目标发现、附加与事件转发
type Bridge struct {
	sink     Sink
	url      string
	devtools *devtool.DevTools
	interval time.Duration
	ttl      time.Duration
	obs      *observer.Observer
	clock    clock.Clock
	log      logger.Logger
	metric   *metrics.Metrics
	tabs     *tabRegistry

	mu       sync.RWMutex
	sessions map[domain.TargetID]*session
	known    map[domain.TargetID]*devtool.Target
	requests *tracker.Tracker[requestKey, string]
	wg       sync.WaitGroup
}

// New 创建浏览器桥接
func New(sink Sink, opts Options) *Bridge {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = tracker.DefaultTTL
	}
	if opts.Observer == nil {
		opts.Observer = observer.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Bridge{
		sink:     sink,
		url:      opts.DevToolsURL,
		devtools: devtool.New(opts.DevToolsURL),
		interval: opts.PollInterval,
		ttl:      opts.RequestTTL,
		obs:      opts.Observer,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "cdp"),
		metric:   opts.Metrics,
		tabs:     newTabRegistry(),
		sessions: make(map[domain.TargetID]*session),
		known:    make(map[domain.TargetID]*devtool.Target),
	}
}

// Run 持续同步浏览器页面目标直到 ctx 结束，首次无法连接 DevTools 时返回错误
func (b *Bridge) Run(ctx context.Context) error {
	b.requests = tracker.New[requestKey, string](b.ttl, b.clock, b.log)
	defer b.requests.Stop()
	defer b.detachAll()

	if err := b.sync(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDevToolsUnreachable, err)
	}
	b.log.Info("浏览器桥接已启动", "devtools", b.url, "targets", b.tabs.len())

	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.log.Info("浏览器桥接已停止")
			return nil
		case <-ticker.C:
			if err := b.sync(ctx); err != nil {
				b.log.Warn("刷新浏览器目标失败", "error", err)
			}
		}
	}
}

// Targets 返回已发现的页面目标
func (b *Bridge) Targets() []domain.TargetInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.TargetInfo, 0, len(b.known))
	for id, t := range b.known {
		tab, _ := b.tabs.tab(id)
		out = append(out, domain.TargetInfo{
			ID:       id,
			TabID:    tab,
			URL:      t.URL,
			Title:    t.Title,
			Attached: b.sessions[id] != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// DataLayer 读取标签页的 window.dataLayer
func (b *Bridge) DataLayer(ctx context.Context, tab domain.TabID) (json.RawMessage, error) {
	id, ok := b.tabs.target(tab)
	if !ok {
		return nil, fmt.Errorf("%w: tab %d", domain.ErrTargetNotFound, tab)
	}
	b.mu.RLock()
	s := b.sessions[id]
	b.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("%w: tab %d", domain.ErrBrowserNotAttached, tab)
	}
	return s.dataLayer(ctx)
}

// sync 拉取目标列表，附加新页面并关闭已消失的页面
func (b *Bridge) sync(ctx context.Context) error {
	targets, err := b.devtools.List(ctx)
	if err != nil {
		return err
	}

	live := make(map[domain.TargetID]struct{}, len(targets))
	for _, t := range targets {
		if t == nil || t.Type != pageType {
			continue
		}
		id := domain.TargetID(t.ID)
		live[id] = struct{}{}
		tab, created := b.tabs.assign(id)
		if created {
			b.log.Debug("发现页面目标", "target", string(id), "tab", int(tab), "url", t.URL)
		}

		b.mu.Lock()
		b.known[id] = t
		attached := b.sessions[id] != nil
		b.mu.Unlock()

		if !attached {
			if err := b.attach(ctx, id, tab, t.WebSocketDebuggerURL); err != nil {
				b.log.Err(err, "附加页面目标失败", "target", string(id))
			}
		}
	}

	for _, id := range b.tabs.vanished(live) {
		b.closeTarget(ctx, id)
	}
	b.mu.RLock()
	attached := len(b.sessions)
	b.mu.RUnlock()
	b.metric.SetTargets(attached)
	return nil
}

// attach 建立目标连接并启动事件循环
func (b *Bridge) attach(ctx context.Context, id domain.TargetID, tab domain.TabID, wsURL string) error {
	if wsURL == "" {
		return fmt.Errorf("target %s has no debugger url", id)
	}

	sctx, cancel := context.WithCancel(ctx)
	conn, err := rpcc.DialContext(sctx, wsURL,
		rpcc.WithWriteBufferSize(writeBufferSize),
		rpcc.WithCompression())
	if err != nil {
		cancel()
		return err
	}

	s := &session{
		bridge: b,
		id:     id,
		tab:    tab,
		conn:   conn,
		client: cdp.NewClient(conn),
		cancel: cancel,
	}

	b.mu.Lock()
	b.sessions[id] = s
	b.mu.Unlock()
	b.log.Info("附加页面目标成功", "target", string(id), "tab", int(tab))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := s.run(sctx)
		b.detach(s)
		if err != nil && sctx.Err() == nil {
			b.log.Warn("页面目标连接中断", "target", string(id), "error", err)
		}
	}()
	return nil
}

// detach 移除会话并释放连接，目标映射保留以便下次同步重新附加
func (b *Bridge) detach(s *session) {
	b.mu.Lock()
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
	b.mu.Unlock()
	s.close()
}

// closeTarget 目标已从浏览器消失，释放标签页并通知会话引擎
func (b *Bridge) closeTarget(ctx context.Context, id domain.TargetID) {
	b.mu.Lock()
	s := b.sessions[id]
	delete(b.sessions, id)
	delete(b.known, id)
	b.mu.Unlock()
	if s != nil {
		s.close()
	}

	tab, ok := b.tabs.release(id)
	if !ok {
		return
	}
	b.log.Info("页面目标已关闭", "target", string(id), "tab", int(tab))
	if err := b.sink.TabClosed(ctx, tab); err != nil {
		b.log.Err(err, "清理关闭标签页会话失败", "tab", int(tab))
	}
}

// detachAll 断开所有目标连接并等待事件循环退出
func (b *Bridge) detachAll() {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for id, s := range b.sessions {
		sessions = append(sessions, s)
		delete(b.sessions, id)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	b.wg.Wait()
}

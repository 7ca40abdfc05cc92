package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vanhao1997/unified-pixel-inspector/internal/badge"
	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"
	"github.com/vanhao1997/unified-pixel-inspector/internal/metrics"
	"github.com/vanhao1997/unified-pixel-inspector/internal/notify"
	"github.com/vanhao1997/unified-pixel-inspector/internal/pool"
	"github.com/vanhao1997/unified-pixel-inspector/internal/service"
	"github.com/vanhao1997/unified-pixel-inspector/internal/store"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/api"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"

	"github.com/benbjohnson/clock"
)

type fixture struct {
	svc    api.Service
	badges *badge.Table
	bus    *notify.Broadcaster
	clock  *clock.Mock
	pool   *pool.Pool
}

func newFixture(t *testing.T, backend store.Backend) *fixture {
	t.Helper()
	if backend == nil {
		backend = store.NewMemory()
	}
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))

	l := logger.NewNop()
	m := metrics.New()
	bus := notify.New(l, m)
	badges := badge.NewTable()
	p := pool.New(2, 64)
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	svc := api.NewService(service.Config{
		Store:       store.New(backend, store.Options{Clock: mock, Logger: l}),
		Broadcaster: bus,
		Badges:      badges,
		Pool:        p,
		Clock:       mock,
		Logger:      l,
		Metrics:     m,
	})
	return &fixture{svc: svc, badges: badges, bus: bus, clock: mock, pool: p}
}

func msg(typ domain.MessageType, tab domain.TabID, data any) domain.Message {
	m := domain.Message{Type: typ, TabID: domain.Tab(tab)}
	if data != nil {
		raw, _ := json.Marshal(data)
		m.Data = raw
	}
	return m
}

func handleSession(t *testing.T, f *fixture, m domain.Message) *domain.Session {
	t.Helper()
	res, err := f.svc.Handle(context.Background(), m)
	if err != nil {
		t.Fatalf("处理 %s 失败: %v", m.Type, err)
	}
	sess, ok := res.(*domain.Session)
	if !ok {
		t.Fatalf("%s 应返回会话, 实际 %T", m.Type, res)
	}
	return sess
}

func TestScenarioA_MetaDuplicateWarning(t *testing.T) {
	f := newFixture(t, nil)
	handleSession(t, f, msg(domain.MessagePixelDetected, 1, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "111", Status: domain.StatusInstalled}))
	sess := handleSession(t, f, msg(domain.MessagePixelDetected, 1, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "222", Status: domain.StatusInstalled}))

	meta := sess.Platforms[domain.PlatformMeta]
	if strings.Join(meta.PixelIDs, ",") != "111,222" {
		t.Errorf("pixelIds 不符合预期: %v", meta.PixelIDs)
	}
	if len(meta.Warnings) != 1 || meta.Warnings[0].Code != domain.WarningDuplicatePixel {
		t.Fatalf("期望一条 DUPLICATE_PIXEL 警告: %v", meta.Warnings)
	}
	if !strings.Contains(meta.Warnings[0].Message, "111") || !strings.Contains(meta.Warnings[0].Message, "222") {
		t.Errorf("警告信息应列出所有ID: %s", meta.Warnings[0].Message)
	}

	if got := f.badges.Get(1); got.Text != "1" || got.Color != badge.ColorIssues {
		t.Errorf("存在问题时角标应为红色计数: %+v", got)
	}
}

func TestScenarioB_GoogleNoWarning(t *testing.T) {
	f := newFixture(t, nil)
	handleSession(t, f, msg(domain.MessagePixelDetected, 2, domain.PixelDetected{Platform: domain.PlatformGoogle, PixelID: "G-AAA", Status: domain.StatusLoaded}))
	sess := handleSession(t, f, msg(domain.MessagePixelDetected, 2, domain.PixelDetected{Platform: domain.PlatformGoogle, PixelID: "G-BBB", Status: domain.StatusLoaded}))

	g := sess.Platforms[domain.PlatformGoogle]
	if strings.Join(g.PixelIDs, ",") != "G-AAA,G-BBB" {
		t.Errorf("pixelIds 不符合预期: %v", g.PixelIDs)
	}
	if len(g.Warnings) != 0 {
		t.Errorf("google 不应产生警告: %v", g.Warnings)
	}
	if got := f.badges.Get(2); got.Text != "" || got.Color != badge.ColorClear {
		t.Errorf("无问题时角标应为绿色空文本: %+v", got)
	}
}

func TestScenarioC_EventWithoutDetection(t *testing.T) {
	f := newFixture(t, nil)
	sess := handleSession(t, f, msg(domain.MessageEventCaptured, 3, domain.EventCaptured{Platform: domain.PlatformTikTok, Event: "AddToCart"}))

	if len(sess.Events) != 1 {
		t.Fatalf("期望 1 条事件, 实际 %d", len(sess.Events))
	}
	if sess.Events[0].Timestamp != f.clock.Now().UnixMilli() {
		t.Errorf("事件时间戳应为捕获时刻: %d", sess.Events[0].Timestamp)
	}
	if _, ok := sess.Platforms[domain.PlatformTikTok]; ok {
		t.Error("没有检测事实时不应创建 tiktok 平台记录")
	}
}

func TestClearSessionRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	before := handleSession(t, f, msg(domain.MessagePixelDetected, 4, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "1", Status: domain.StatusInstalled}))
	handleSession(t, f, msg(domain.MessageEventCaptured, 4, domain.EventCaptured{Platform: domain.PlatformMeta, Event: "PageView"}))
	if _, err := f.svc.ToggleCapture(ctx, 4, false); err != nil {
		t.Fatalf("关闭捕获失败: %v", err)
	}

	handleSession(t, f, msg(domain.MessageClearSession, 4, nil))
	after := handleSession(t, f, msg(domain.MessageGetSession, 4, nil))

	if len(after.Events) != 0 || len(after.Platforms) != 0 || !after.Capturing {
		t.Errorf("清空后会话应为默认状态: %+v", after)
	}
	if after.StartTime <= before.StartTime {
		t.Errorf("清空后 startTime 应严格增大: before=%d after=%d", before.StartTime, after.StartTime)
	}
	if got := f.badges.Get(4); got.Text != "" {
		t.Errorf("清空后角标应重置: %+v", got)
	}
}

func TestGetSession_LazyCreate(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.svc.GetSession(context.Background(), 10)
	if err != nil {
		t.Fatalf("读取会话失败: %v", err)
	}
	second, _ := f.svc.GetSession(context.Background(), 10)
	if first.StartTime != second.StartTime {
		t.Errorf("重复读取不应重建会话: %d != %d", first.StartTime, second.StartTime)
	}
}

func TestToggleCapture(t *testing.T) {
	f := newFixture(t, nil)
	off := false
	res, err := f.svc.Handle(context.Background(), domain.Message{Type: domain.MessageToggleCapture, TabID: domain.Tab(5), Capturing: &off})
	if err != nil {
		t.Fatalf("切换捕获失败: %v", err)
	}
	if st, ok := res.(service.CaptureState); !ok || st.Capturing {
		t.Errorf("应答不符合预期: %#v", res)
	}

	sess := handleSession(t, f, msg(domain.MessageEventCaptured, 5, domain.EventCaptured{Platform: domain.PlatformMeta, Event: "Lead"}))
	if len(sess.Events) != 0 {
		t.Errorf("暂停捕获时不应追加事件: %v", sess.Events)
	}

	_, err = f.svc.Handle(context.Background(), domain.Message{Type: domain.MessageToggleCapture, TabID: domain.Tab(5)})
	if !errors.Is(err, domain.ErrInvalidMessage) {
		t.Errorf("缺少 capturing 字段应返回 ErrInvalidMessage, 实际 %v", err)
	}
}

func TestGlobalLoaded(t *testing.T) {
	f := newFixture(t, nil)
	sess := handleSession(t, f, msg(domain.MessageGlobalLoaded, 6, map[string]any{"platform": "zalo"}))
	if rec := sess.Platforms[domain.PlatformZalo]; rec == nil || !rec.Loaded {
		t.Errorf("全局加载应设置 loaded: %+v", rec)
	}
}

func TestHandle_Routing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		msg     domain.Message
		wantErr error
	}{
		{"未知消息类型", domain.Message{Type: "NOPE", TabID: domain.Tab(1)}, domain.ErrUnknownMessage},
		{"缺少负载", domain.Message{Type: domain.MessagePixelDetected, TabID: domain.Tab(1)}, domain.ErrInvalidMessage},
		{"负载格式错误", domain.Message{Type: domain.MessageEventCaptured, TabID: domain.Tab(1), Data: json.RawMessage(`[1]`)}, domain.ErrInvalidMessage},
		{"缺少平台", msg(domain.MessagePixelDetected, 1, map[string]any{"pixelId": "1"}), domain.ErrInvalidMessage},
		{"查询无法归属标签页", domain.Message{Type: domain.MessageGetSession}, domain.ErrTabUnresolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Handle(ctx, tt.msg); !errors.Is(err, tt.wantErr) {
				t.Errorf("期望 %v, 实际 %v", tt.wantErr, err)
			}
		})
	}
}

func TestHandle_UnresolvedFactDroppedSilently(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe(4)
	defer sub.Close()

	m := msg(domain.MessagePixelDetected, domain.NoTab, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "1", Status: domain.StatusInstalled})
	res, err := f.svc.Handle(context.Background(), m)
	if err != nil || res != nil {
		t.Fatalf("无法归属的事实应被静默丢弃: res=%v err=%v", res, err)
	}
	select {
	case u := <-sub.C:
		t.Errorf("被丢弃的事实不应产生广播: %+v", u)
	default:
	}
}

func TestHandle_SenderTabPreferred(t *testing.T) {
	f := newFixture(t, nil)
	m := msg(domain.MessagePixelDetected, 1, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "1", Status: domain.StatusInstalled})
	m.SenderTab = domain.Tab(2)
	handleSession(t, f, m)

	sess, _ := f.svc.GetSession(context.Background(), 2)
	if _, ok := sess.Platforms[domain.PlatformMeta]; !ok {
		t.Error("事实应归属发送方标签页")
	}
	other, _ := f.svc.GetSession(context.Background(), 1)
	if len(other.Platforms) != 0 {
		t.Error("显式 tabId 不应覆盖发送方标签页")
	}
}

func TestPublishAfterMutation(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe(8)
	defer sub.Close()

	handleSession(t, f, msg(domain.MessagePixelDetected, 7, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "1", Status: domain.StatusInstalled}))

	select {
	case u := <-sub.C:
		if u.TabID != 7 || u.Session.Platforms[domain.PlatformMeta] == nil {
			t.Errorf("广播内容不符合预期: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("变更后应广播会话快照")
	}
}

func TestNavigationAndClose(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"1", "2"} {
		handleSession(t, f, msg(domain.MessagePixelDetected, 8, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: id, Status: domain.StatusInstalled}))
	}
	if f.badges.Get(8).Text != "1" {
		t.Fatalf("前置条件：角标应显示 1")
	}

	if err := f.svc.NavigationStarted(ctx, 8); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}
	if f.badges.Get(8).Text != "" {
		t.Error("导航后角标应重置")
	}
	sess, _ := f.svc.GetSession(ctx, 8)
	if len(sess.Platforms) != 0 {
		t.Error("导航后会话应被销毁并惰性重建")
	}

	if err := f.svc.TabClosed(ctx, 8); err != nil {
		t.Fatalf("关闭处理失败: %v", err)
	}
	if err := f.svc.TabClosed(ctx, 8); err != nil {
		t.Errorf("重复关闭不应报错: %v", err)
	}
}

// failingBackend 写入总是失败
type failingBackend struct{ *store.Memory }

func (failingBackend) Set(context.Context, string, []byte) error { return errors.New("quota exceeded") }

func TestStorageErrorPropagates(t *testing.T) {
	f := newFixture(t, failingBackend{store.NewMemory()})
	sub := f.bus.Subscribe(4)
	defer sub.Close()

	_, err := f.svc.PixelDetected(context.Background(), 1, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "1", Status: domain.StatusInstalled})
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("期望 ErrStorage, 实际 %v", err)
	}
	select {
	case u := <-sub.C:
		t.Errorf("失败的更新不应广播: %+v", u)
	default:
	}
	if f.badges.Get(1).Text != "" {
		t.Error("失败的更新不应修改角标")
	}
}

func TestSubmit_ConcurrentFactsNotLost(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe(256)
	defer sub.Close()

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok := f.svc.Submit(context.Background(), msg(domain.MessagePixelDetected, 9, domain.PixelDetected{Platform: domain.PlatformTikTok, PixelID: id, Status: domain.StatusInstalled}))
			if !ok {
				t.Errorf("提交 %s 失败", id)
			}
		}(id)
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for received := 0; received < len(ids); received++ {
		select {
		case <-sub.C:
		case <-deadline:
			t.Fatalf("只收到 %d 条广播", received)
		}
	}

	sess, _ := f.svc.GetSession(context.Background(), 9)
	if got := len(sess.Platforms[domain.PlatformTikTok].PixelIDs); got != len(ids) {
		t.Errorf("并发提交丢失更新: 期望 %d, 实际 %d", len(ids), got)
	}
}

func TestSubmitAll_PreservesOrder(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe(8)
	defer sub.Close()

	ok := f.svc.SubmitAll(context.Background(),
		msg(domain.MessagePixelDetected, 11, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "1", Status: domain.StatusFired}),
		msg(domain.MessageEventCaptured, 11, domain.EventCaptured{Platform: domain.PlatformMeta, Event: "Purchase"}),
	)
	if !ok {
		t.Fatal("提交失败")
	}

	var last domain.SessionUpdate
	for i := 0; i < 2; i++ {
		select {
		case last = <-sub.C:
		case <-time.After(time.Second):
			t.Fatal("未收到广播")
		}
	}
	if len(last.Session.Events) != 1 || !last.Session.Platforms[domain.PlatformMeta].Fired {
		t.Errorf("检测事实应先于事件处理: %+v", last.Session)
	}
}

type stubInspector struct {
	data  json.RawMessage
	err   error
	block bool
}

func (s stubInspector) DataLayer(ctx context.Context, _ domain.TabID) (json.RawMessage, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.data, s.err
}

func TestDataLayer(t *testing.T) {
	tests := []struct {
		name string
		ins  service.PageInspector
		want string
	}{
		{"未连接浏览器", nil, `[]`},
		{"正常读取", stubInspector{data: json.RawMessage(`[{"event":"gtm.js"}]`)}, `[{"event":"gtm.js"}]`},
		{"读取失败", stubInspector{err: domain.ErrTargetNotFound}, `[]`},
		{"超时回退", stubInspector{block: true}, `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := service.New(service.Config{Inspector: tt.ins, DataLayerTimeout: 20 * time.Millisecond})
			res, err := svc.Handle(context.Background(), domain.Message{Type: domain.MessageGetDataLayer, TabID: domain.Tab(1)})
			if err != nil {
				t.Fatalf("读取 dataLayer 不应失败: %v", err)
			}
			if got := string(res.(json.RawMessage)); got != tt.want {
				t.Errorf("结果 = %s, 期望 %s", got, tt.want)
			}
		})
	}
}

// sleepyBackend 读取后停顿，让更新在持锁期间与其他操作交错
type sleepyBackend struct {
	*store.Memory
	delay time.Duration
}

func (b sleepyBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := b.Memory.Get(ctx, key)
	time.Sleep(b.delay)
	return data, ok, err
}

func TestClearSession_DuringInflightFact(t *testing.T) {
	f := newFixture(t, sleepyBackend{Memory: store.NewMemory(), delay: 50 * time.Millisecond})
	ctx := context.Background()

	before := handleSession(t, f, msg(domain.MessagePixelDetected, 5, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "111", Status: domain.StatusInstalled}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.svc.PixelDetected(ctx, 5, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "222", Status: domain.StatusInstalled})
	}()
	time.Sleep(10 * time.Millisecond)

	cleared, err := f.svc.ClearSession(ctx, 5)
	if err != nil {
		t.Fatalf("清空失败: %v", err)
	}
	<-done

	if cleared.StartTime <= before.StartTime || len(cleared.Platforms) != 0 {
		t.Errorf("清空应得到全新会话: before=%d cleared=%+v", before.StartTime, cleared)
	}
	got, _ := f.svc.GetSession(ctx, 5)
	if got.StartTime != cleared.StartTime || len(got.Platforms) != 0 {
		t.Errorf("清空前的记录不应被写回: %+v", got)
	}
	if f.badges.Get(5).Text != "" {
		t.Errorf("清空后角标应为中性: %+v", f.badges.Get(5))
	}
}

func TestNavigation_DuringInflightFact(t *testing.T) {
	f := newFixture(t, sleepyBackend{Memory: store.NewMemory(), delay: 50 * time.Millisecond})
	ctx := context.Background()

	handleSession(t, f, msg(domain.MessagePixelDetected, 6, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "111", Status: domain.StatusInstalled}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.svc.PixelDetected(ctx, 6, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "222", Status: domain.StatusInstalled})
	}()
	time.Sleep(10 * time.Millisecond)

	if err := f.svc.NavigationStarted(ctx, 6); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}
	<-done

	got, _ := f.svc.GetSession(ctx, 6)
	if len(got.Platforms) != 0 {
		t.Errorf("导航前积累的事实不应残留: %+v", got.Platforms)
	}
}

func TestBroadcast_LastFramePerTabIsFinalState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	const tabs, perTab = 200, 4
	sub := f.bus.Subscribe(tabs * perTab * 2)
	defer sub.Close()

	var wg sync.WaitGroup
	for tab := domain.TabID(1); tab <= tabs; tab++ {
		for i := 0; i < perTab; i++ {
			wg.Add(1)
			go func(tab domain.TabID, i int) {
				defer wg.Done()
				_, _ = f.svc.PixelDetected(ctx, tab, domain.PixelDetected{Platform: domain.PlatformGoogle, PixelID: fmt.Sprintf("G-%d", i), Status: domain.StatusLoaded})
			}(tab, i)
		}
	}
	wg.Wait()

	last := make(map[domain.TabID]*domain.Session, tabs)
	for drained := false; !drained; {
		select {
		case u := <-sub.C:
			last[u.TabID] = u.Session
		default:
			drained = true
		}
	}
	for tab := domain.TabID(1); tab <= tabs; tab++ {
		stored, _ := f.svc.GetSession(ctx, tab)
		want := stored.Platforms[domain.PlatformGoogle].PixelIDs
		got := last[tab]
		if got == nil || strings.Join(got.Platforms[domain.PlatformGoogle].PixelIDs, ",") != strings.Join(want, ",") {
			t.Fatalf("标签页 %d 最后一次广播不是最终状态: got=%+v want=%v", tab, got, want)
		}
	}
}

func TestPixelDetected_UnknownStatus(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Handle(context.Background(), msg(domain.MessagePixelDetected, 1, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "1", Status: "exploded"}))
	if !errors.Is(err, domain.ErrInvalidMessage) {
		t.Fatalf("未知状态应返回 ErrInvalidMessage, 实际 %v", err)
	}
	sess, _ := f.svc.GetSession(context.Background(), 1)
	if len(sess.Platforms) != 0 {
		t.Errorf("被拒绝的事实不应创建平台记录: %+v", sess.Platforms)
	}

	sess = handleSession(t, f, msg(domain.MessagePixelDetected, 1, domain.PixelDetected{Platform: domain.PlatformMeta, PixelID: "1"}))
	if rec := sess.Platforms[domain.PlatformMeta]; rec == nil || rec.Installed || rec.Loaded || rec.Fired {
		t.Errorf("缺省状态只合并ID, 不设置阶段: %+v", rec)
	}
}

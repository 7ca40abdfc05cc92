package api

import (
	"context"
	"encoding/json"

	"github.com/vanhao1997/unified-pixel-inspector/internal/notify"
	"github.com/vanhao1997/unified-pixel-inspector/internal/service"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
)

// Service 会话引擎接口
type Service interface {
	// Handle 按消息类型同步处理一条消息
	Handle(ctx context.Context, msg domain.Message) (any, error)

	// Submit 异步投递一条消息
	Submit(ctx context.Context, msg domain.Message) bool

	// SubmitAll 按顺序异步投递多条消息
	SubmitAll(ctx context.Context, msgs ...domain.Message) bool

	// PixelDetected 合并像素检测事实
	PixelDetected(ctx context.Context, tab domain.TabID, f domain.PixelDetected) (*domain.Session, error)

	// EventCaptured 追加捕获事件
	EventCaptured(ctx context.Context, tab domain.TabID, f domain.EventCaptured) (*domain.Session, error)

	// GlobalLoaded 平台全局对象已初始化
	GlobalLoaded(ctx context.Context, tab domain.TabID, f domain.GlobalLoaded) (*domain.Session, error)

	// ToggleCapture 设置捕获开关
	ToggleCapture(ctx context.Context, tab domain.TabID, capturing bool) (*domain.Session, error)

	// GetSession 读取会话快照
	GetSession(ctx context.Context, tab domain.TabID) (*domain.Session, error)

	// ClearSession 清空会话
	ClearSession(ctx context.Context, tab domain.TabID) (*domain.Session, error)

	// NavigationStarted 标签页导航
	NavigationStarted(ctx context.Context, tab domain.TabID) error

	// TabClosed 标签页关闭
	TabClosed(ctx context.Context, tab domain.TabID) error

	// DataLayer 读取页面 dataLayer
	DataLayer(ctx context.Context, tab domain.TabID) json.RawMessage

	// SetInspector 设置页面数据读取端
	SetInspector(ins service.PageInspector)

	// Broadcaster 变更广播器
	Broadcaster() *notify.Broadcaster
}

// NewService 创建并返回服务接口实现
func NewService(cfg service.Config) Service {
	return service.New(cfg)
}

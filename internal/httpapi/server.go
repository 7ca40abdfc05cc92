// Package httpapi 会话引擎的本地 HTTP 与 WebSocket 入口
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"
	"github.com/vanhao1997/unified-pixel-inspector/internal/metrics"
	"github.com/vanhao1997/unified-pixel-inspector/internal/notify"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/api"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/errx"
)

const (
	// HeaderSenderTab 内容脚本所在标签页，由扩展后台填充
	HeaderSenderTab = "X-Sender-Tab"

	maxBodySize = 1 << 20
)

// BadgeReader 角标状态读取
type BadgeReader interface {
	Get(tab domain.TabID) domain.Badge
}

// TargetLister 浏览器页面目标列表
type TargetLister interface {
	Targets() []domain.TargetInfo
}

// Options 服务配置
type Options struct {
	Badges   BadgeReader
	Targets  TargetLister
	Metrics  *metrics.Metrics
	Logger   logger.Logger
	WSBuffer int // 每个 WebSocket 观察者的通知缓冲
}

// Server HTTP 接口服务
type Server struct {
	svc      api.Service
	badges   BadgeReader
	targets  TargetLister
	metric   *metrics.Metrics
	log      logger.Logger
	buffer   int
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewServer 创建 HTTP 接口服务
func NewServer(svc api.Service, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.WSBuffer <= 0 {
		opts.WSBuffer = notify.DefaultBuffer
	}
	s := &Server{
		svc:     svc,
		badges:  opts.Badges,
		targets: opts.Targets,
		metric:  opts.Metrics,
		log:     opts.Logger.With("component", "httpapi"),
		buffer:  opts.WSBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			// 扩展面板以 chrome-extension:// 源连接本地服务
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /message", s.handleMessage)
	s.mux.HandleFunc("GET /session", s.handleSession)
	s.mux.HandleFunc("GET /badge", s.handleBadge)
	s.mux.HandleFunc("GET /datalayer", s.handleDataLayer)
	s.mux.HandleFunc("GET /targets", s.handleTargets)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.Handle("GET /metrics", s.metric.Handler())
	return s
}

// ServeHTTP 实现 http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleMessage 接收扩展格式的消息信封，事实消息默认异步处理
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, errx.Wrap(errx.CodeInvalidMessage, err, "read body"))
		return
	}
	msg, err := parseMessage(body, r.Header.Get(HeaderSenderTab))
	if err != nil {
		writeError(w, err)
		return
	}

	if msg.Type.IsFact() && r.URL.Query().Get("sync") != "1" {
		if !s.svc.Submit(r.Context(), msg) {
			writeJSON(w, http.StatusServiceUnavailable, api.Fail[api.EmptyData](string(errx.CodeInternal), "fact queue full"))
			return
		}
		writeJSON(w, http.StatusAccepted, api.OK(api.EmptyData{}))
		return
	}

	res, err := s.svc.Handle(r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.OK(res))
}

// handleSession 读取会话快照，不存在时按默认值创建
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	tab, err := queryTab(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.svc.GetSession(r.Context(), tab)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.OK(sess))
}

// handleBadge 读取标签页角标
func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request) {
	tab, err := queryTab(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.badges == nil {
		writeJSON(w, http.StatusOK, api.OK(domain.Badge{}))
		return
	}
	writeJSON(w, http.StatusOK, api.OK(s.badges.Get(tab)))
}

// handleDataLayer 读取页面 dataLayer，浏览器不可用时返回空数组
func (s *Server) handleDataLayer(w http.ResponseWriter, r *http.Request) {
	tab, err := queryTab(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.OK(s.svc.DataLayer(r.Context(), tab)))
}

// handleTargets 列出浏览器页面目标
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	targets := []domain.TargetInfo{}
	if s.targets != nil {
		targets = s.targets.Targets()
	}
	writeJSON(w, http.StatusOK, api.OK(targets))
}

// parseMessage 解析消息信封，发送方标签页来自请求头
func parseMessage(body []byte, senderTab string) (domain.Message, error) {
	if !gjson.ValidBytes(body) {
		return domain.Message{}, errx.Wrap(errx.CodeInvalidMessage, domain.ErrInvalidMessage, "body is not valid json")
	}
	fields := gjson.GetManyBytes(body, "type", "tabId", "capturing", "data")

	msg := domain.Message{Type: domain.MessageType(fields[0].String())}
	if msg.Type == "" {
		return domain.Message{}, errx.Wrap(errx.CodeInvalidMessage, domain.ErrInvalidMessage, "type is required")
	}
	if fields[1].Exists() && fields[1].Type == gjson.Number {
		msg.TabID = domain.Tab(domain.TabID(fields[1].Int()))
	}
	if fields[2].Exists() {
		capturing := fields[2].Bool()
		msg.Capturing = &capturing
	}
	if fields[3].Exists() && fields[3].Type != gjson.Null {
		msg.Data = json.RawMessage(fields[3].Raw)
	}
	if senderTab != "" {
		tab, err := strconv.Atoi(senderTab)
		if err != nil {
			return domain.Message{}, errx.Wrap(errx.CodeInvalidMessage, domain.ErrInvalidMessage, "bad "+HeaderSenderTab)
		}
		msg.SenderTab = domain.Tab(domain.TabID(tab))
	}
	return msg, nil
}

// queryTab 解析 tabId 查询参数
func queryTab(r *http.Request) (domain.TabID, error) {
	raw := r.URL.Query().Get("tabId")
	tab, err := strconv.Atoi(raw)
	if err != nil || domain.TabID(tab) == domain.NoTab {
		return domain.NoTab, errx.Wrap(errx.CodeTabUnresolved, domain.ErrTabUnresolved, "tabId="+raw)
	}
	return domain.TabID(tab), nil
}

// writeJSON 写出统一响应
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误码写出失败响应
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), api.FromError[api.EmptyData](err))
}

func statusOf(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	switch errx.CodeOf(err) {
	case errx.CodeInvalidMessage, errx.CodeUnknownMessage, errx.CodeTabUnresolved:
		return http.StatusBadRequest
	case errx.CodeBrowserNotAttached, errx.CodeDevToolsUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

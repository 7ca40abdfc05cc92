package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/errx"
)

// 推送给观察者的帧类型
const (
	FrameSnapshot  = "SESSION_SNAPSHOT"
	FrameUpdated   = string(domain.MessageSessionUpdated)
	FrameDataLayer = "DATALAYER"
	FrameError     = "ERROR"

	writeWait = 5 * time.Second
)

// wsConn 串行化写入的 WebSocket 连接
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// handleWS 面板观察通道：先推送当前快照，再推送该标签页的后续变更
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tab, err := queryTab(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Err(err, "升级 WebSocket 失败")
		return
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 先订阅再拉取快照，避免两者之间的变更丢失
	sub := s.svc.Broadcaster().Subscribe(s.buffer)
	defer sub.Close()

	sess, err := s.svc.GetSession(ctx, tab)
	if err != nil {
		s.log.Err(err, "读取会话快照失败", "tab", int(tab))
		_ = ws.write(errorFrame(err))
		return
	}
	if err := ws.write(sessionFrame(FrameSnapshot, tab, sess)); err != nil {
		return
	}
	s.log.Debug("面板已连接", "tab", int(tab), "subscriber", sub.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// 写端退出时关闭连接以唤醒阻塞的读端
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-sub.C:
				if !ok {
					return
				}
				if u.TabID != tab {
					continue
				}
				if err := ws.write(sessionFrame(FrameUpdated, tab, u.Session)); err != nil {
					return
				}
			}
		}
	}()

	s.readCommands(ctx, ws, tab)
	cancel()
	<-done
	s.log.Debug("面板已断开", "tab", int(tab), "subscriber", sub.ID)
}

// readCommands 处理面板发来的控制消息，直到连接关闭
func (s *Server) readCommands(ctx context.Context, ws *wsConn, tab domain.TabID) {
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		if reply := s.command(ctx, tab, data); reply != nil {
			if err := ws.write(reply); err != nil {
				return
			}
		}
	}
}

// command 执行单条控制消息，变更结果经由广播推送，只有查询和错误直接应答
func (s *Server) command(ctx context.Context, tab domain.TabID, data []byte) []byte {
	if !gjson.ValidBytes(data) {
		return errorFrame(errx.Wrap(errx.CodeInvalidMessage, domain.ErrInvalidMessage, "frame is not valid json"))
	}
	switch domain.MessageType(gjson.GetBytes(data, "type").String()) {
	case domain.MessageToggleCapture:
		capturing := gjson.GetBytes(data, "capturing")
		if !capturing.Exists() {
			return errorFrame(errx.Wrap(errx.CodeInvalidMessage, domain.ErrInvalidMessage, "capturing is required"))
		}
		if _, err := s.svc.ToggleCapture(ctx, tab, capturing.Bool()); err != nil {
			return errorFrame(err)
		}
	case domain.MessageClearSession:
		if _, err := s.svc.ClearSession(ctx, tab); err != nil {
			return errorFrame(err)
		}
	case domain.MessageGetSession:
		sess, err := s.svc.GetSession(ctx, tab)
		if err != nil {
			return errorFrame(err)
		}
		return sessionFrame(FrameSnapshot, tab, sess)
	case domain.MessageGetDataLayer:
		frame, _ := sjson.SetBytes(nil, "type", FrameDataLayer)
		frame, _ = sjson.SetBytes(frame, "tabId", int(tab))
		frame, _ = sjson.SetRawBytes(frame, "data", s.svc.DataLayer(ctx, tab))
		return frame
	default:
		return errorFrame(errx.Wrap(errx.CodeUnknownMessage, domain.ErrUnknownMessage, gjson.GetBytes(data, "type").String()))
	}
	return nil
}

// sessionFrame 构造会话帧 {"type","tabId","session"}
func sessionFrame(typ string, tab domain.TabID, sess *domain.Session) []byte {
	body, err := json.Marshal(sess)
	if err != nil {
		return errorFrame(err)
	}
	frame, _ := sjson.SetBytes(nil, "type", typ)
	frame, _ = sjson.SetBytes(frame, "tabId", int(tab))
	frame, _ = sjson.SetRawBytes(frame, "session", body)
	return frame
}

func errorFrame(err error) []byte {
	frame, _ := sjson.SetBytes(nil, "type", FrameError)
	frame, _ = sjson.SetBytes(frame, "code", string(errx.CodeOf(err)))
	frame, _ = sjson.SetBytes(frame, "message", err.Error())
	return frame
}

package httpapi_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/vanhao1997/unified-pixel-inspector/internal/httpapi"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 WebSocket 失败: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil 读取帧直到满足条件，跳过中间的重复推送
func readUntil(t *testing.T, conn *websocket.Conn, match func(gjson.Result) bool) gjson.Result {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("读取帧失败: %v", err)
		}
		frame := gjson.ParseBytes(data)
		if match(frame) {
			return frame
		}
	}
}

func TestWS_SnapshotThenUpdates(t *testing.T) {
	srv := newServer(t)
	conn := dial(t, srv, "tabId=5")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取快照失败: %v", err)
	}
	first := gjson.ParseBytes(data)
	if first.Get("type").String() != httpapi.FrameSnapshot || first.Get("tabId").Int() != 5 {
		t.Fatalf("首帧应为快照: %s", first.Raw)
	}
	if !first.Get("session.capturing").Bool() || len(first.Get("session.events").Array()) != 0 {
		t.Errorf("快照应为默认会话: %s", first.Get("session").Raw)
	}

	// 其他标签页的变更不应推送到本连接
	post(t, srv, "/message?sync=1", pixelBody("6", "600"), nil)
	post(t, srv, "/message?sync=1", pixelBody("5", "500"), nil)

	frame := readUntil(t, conn, func(f gjson.Result) bool {
		return f.Get("session.platforms.meta").Exists()
	})
	if frame.Get("type").String() != httpapi.FrameUpdated || frame.Get("tabId").Int() != 5 {
		t.Errorf("变更帧类型或标签页不符合预期: %s", frame.Raw)
	}
	if frame.Get("session.platforms.meta.pixelIds.0").String() != "500" {
		t.Errorf("收到了其他标签页的会话: %s", frame.Raw)
	}
}

func TestWS_Commands(t *testing.T) {
	srv := newServer(t)
	conn := dial(t, srv, "tabId=9")
	readUntil(t, conn, func(f gjson.Result) bool { return f.Get("type").String() == httpapi.FrameSnapshot })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"TOGGLE_CAPTURE","capturing":false}`)); err != nil {
		t.Fatalf("发送命令失败: %v", err)
	}
	readUntil(t, conn, func(f gjson.Result) bool {
		return f.Get("type").String() == httpapi.FrameUpdated && f.Get("session.capturing").Exists() && !f.Get("session.capturing").Bool()
	})

	post(t, srv, "/message?sync=1", pixelBody("9", "900"), nil)
	readUntil(t, conn, func(f gjson.Result) bool { return f.Get("session.platforms.meta").Exists() })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CLEAR_SESSION"}`)); err != nil {
		t.Fatalf("发送命令失败: %v", err)
	}
	cleared := readUntil(t, conn, func(f gjson.Result) bool {
		return f.Get("type").String() == httpapi.FrameUpdated && !f.Get("session.platforms.meta").Exists()
	})
	if !cleared.Get("session.capturing").Bool() {
		t.Errorf("清空后应恢复默认 capturing=true: %s", cleared.Raw)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"GET_DATALAYER"}`)); err != nil {
		t.Fatalf("发送命令失败: %v", err)
	}
	dl := readUntil(t, conn, func(f gjson.Result) bool { return f.Get("type").String() == httpapi.FrameDataLayer })
	if !dl.Get("data").IsArray() {
		t.Errorf("dataLayer 帧应包含数组: %s", dl.Raw)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"BOGUS"}`)); err != nil {
		t.Fatalf("发送命令失败: %v", err)
	}
	bad := readUntil(t, conn, func(f gjson.Result) bool { return f.Get("type").String() == httpapi.FrameError })
	if bad.Get("code").String() != "UNKNOWN_MESSAGE" {
		t.Errorf("未知命令错误码 = %s", bad.Get("code").String())
	}
}

func TestWS_RequiresTab(t *testing.T) {
	srv := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("缺少 tabId 时不应建立连接")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("缺少 tabId 应返回 400, 实际 %v", resp)
	}
}

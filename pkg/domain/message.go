package domain

import "encoding/json"

// MessageType 消息类型
type MessageType string

// 扩展内部消息类型
const (
	MessagePixelDetected  MessageType = "PIXEL_DETECTED"
	MessageEventCaptured  MessageType = "EVENT_CAPTURED"
	MessageGlobalLoaded   MessageType = "PIXEL_GLOBAL_LOADED"
	MessageToggleCapture  MessageType = "TOGGLE_CAPTURE"
	MessageGetSession     MessageType = "GET_SESSION"
	MessageClearSession   MessageType = "CLEAR_SESSION"
	MessageGetDataLayer   MessageType = "GET_DATALAYER"
	MessageSessionUpdated MessageType = "SESSION_UPDATED"
)

// Message 事实发射器或面板发来的消息
type Message struct {
	Type      MessageType     `json:"type"`
	TabID     *TabID          `json:"tabId,omitempty"`
	SenderTab *TabID          `json:"-"` // 发送方所在标签页，由传输层填充
	Capturing *bool           `json:"capturing,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ResolveTab 解析消息归属的标签页：优先发送方标签页，其次显式 tabId
func (m *Message) ResolveTab() (TabID, bool) {
	if m.SenderTab != nil && *m.SenderTab != NoTab {
		return *m.SenderTab, true
	}
	if m.TabID != nil && *m.TabID != NoTab {
		return *m.TabID, true
	}
	return NoTab, false
}

// IsFact 是否为只需投递、无需应答的事实消息
func (t MessageType) IsFact() bool {
	switch t {
	case MessagePixelDetected, MessageEventCaptured, MessageGlobalLoaded:
		return true
	}
	return false
}

// Tab 返回指向标签页ID的指针，便于构造消息
func Tab(id TabID) *TabID { return &id }

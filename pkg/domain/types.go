package domain

import "strconv"

// TabID 浏览器标签页ID
type TabID int

// NoTab 浏览器中不属于任何标签页的请求所使用的标记值
const NoTab TabID = -1

// String 返回标签页ID的字符串形式
func (t TabID) String() string { return strconv.Itoa(int(t)) }

// Platform 追踪平台标识
type Platform string

// 已知的追踪平台
const (
	PlatformMeta     Platform = "meta"
	PlatformTikTok   Platform = "tiktok"
	PlatformGoogle   Platform = "google"
	PlatformZalo     Platform = "zalo"
	PlatformLinkedIn Platform = "linkedin"
)

// Status 像素检测阶段
type Status string

// 像素生命周期阶段，置信度依次递增
const (
	StatusInstalled Status = "installed"
	StatusLoaded    Status = "loaded"
	StatusFired     Status = "fired"
)

// Valid 已知阶段或缺省值
func (s Status) Valid() bool {
	switch s {
	case "", StatusInstalled, StatusLoaded, StatusFired:
		return true
	}
	return false
}

// WarningDuplicatePixel 同一平台检测到多个像素ID
const WarningDuplicatePixel = "DUPLICATE_PIXEL"

// Tag 平台标签配置（如 GTM / GA4 / Ads）
type Tag struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Issue 错误或警告条目
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlatformRecord 单个平台在会话内的检测状态
type PlatformRecord struct {
	PixelIDs  []string `json:"pixelIds"`
	Tags      []Tag    `json:"tags"`
	Installed bool     `json:"installed"`
	Loaded    bool     `json:"loaded"`
	Fired     bool     `json:"fired"`
	Errors    []Issue  `json:"errors"`
	Warnings  []Issue  `json:"warnings"`
}

// NewPlatformRecord 创建空的平台记录
func NewPlatformRecord() *PlatformRecord {
	return &PlatformRecord{
		PixelIDs: []string{},
		Tags:     []Tag{},
		Errors:   []Issue{},
		Warnings: []Issue{},
	}
}

// CapturedEvent 捕获到的像素事件
type CapturedEvent struct {
	Platform  Platform       `json:"platform"`
	Event     string         `json:"event"`
	Params    map[string]any `json:"params,omitempty"`
	PixelID   string         `json:"pixelId,omitempty"`
	Timestamp int64          `json:"timestamp"` // 捕获时间（毫秒）
}

// Session 单个标签页的聚合会话
type Session struct {
	Platforms map[Platform]*PlatformRecord `json:"platforms"`
	Events    []CapturedEvent              `json:"events"`
	Capturing bool                         `json:"capturing"`
	StartTime int64                        `json:"startTime"` // 创建时间（毫秒）
}

// NewSession 返回默认会话：无平台、无事件、捕获开启
func NewSession(startTime int64) *Session {
	return &Session{
		Platforms: make(map[Platform]*PlatformRecord),
		Events:    []CapturedEvent{},
		Capturing: true,
		StartTime: startTime,
	}
}

// Normalize 补齐反序列化后可能为 nil 的集合字段
func (s *Session) Normalize() {
	if s.Platforms == nil {
		s.Platforms = make(map[Platform]*PlatformRecord)
	}
	if s.Events == nil {
		s.Events = []CapturedEvent{}
	}
	for k, p := range s.Platforms {
		if p == nil {
			s.Platforms[k] = NewPlatformRecord()
			continue
		}
		if p.PixelIDs == nil {
			p.PixelIDs = []string{}
		}
		if p.Tags == nil {
			p.Tags = []Tag{}
		}
		if p.Errors == nil {
			p.Errors = []Issue{}
		}
		if p.Warnings == nil {
			p.Warnings = []Issue{}
		}
	}
}

// Clone 深拷贝会话（事件参数为浅拷贝）
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		Platforms: make(map[Platform]*PlatformRecord, len(s.Platforms)),
		Events:    make([]CapturedEvent, len(s.Events)),
		Capturing: s.Capturing,
		StartTime: s.StartTime,
	}
	for k, p := range s.Platforms {
		if p == nil {
			continue
		}
		out.Platforms[k] = &PlatformRecord{
			PixelIDs:  append([]string{}, p.PixelIDs...),
			Tags:      append([]Tag{}, p.Tags...),
			Installed: p.Installed,
			Loaded:    p.Loaded,
			Fired:     p.Fired,
			Errors:    append([]Issue{}, p.Errors...),
			Warnings:  append([]Issue{}, p.Warnings...),
		}
	}
	for i, ev := range s.Events {
		if ev.Params != nil {
			params := make(map[string]any, len(ev.Params))
			for k, v := range ev.Params {
				params[k] = v
			}
			ev.Params = params
		}
		out.Events[i] = ev
	}
	return out
}

// PixelDetected 像素检测事实
type PixelDetected struct {
	Platform    Platform `json:"platform"`
	PixelID     string   `json:"pixelId,omitempty"`
	Status      Status   `json:"status"`
	Source      string   `json:"source,omitempty"` // script_src / inline_script / widget / network
	AllPixelIDs []string `json:"allPixelIds,omitempty"`
	Tags        []Tag    `json:"tags,omitempty"`
}

// EventCaptured 事件捕获事实
type EventCaptured struct {
	Platform Platform       `json:"platform"`
	Event    string         `json:"event"`
	Params   map[string]any `json:"params,omitempty"`
	PixelID  string         `json:"pixelId,omitempty"`
}

// GlobalLoaded 页面上下文报告平台全局对象已初始化
type GlobalLoaded struct {
	Platform Platform `json:"platform"`
	Loaded   bool     `json:"loaded"`
}

// SessionUpdate 会话变更通知
type SessionUpdate struct {
	TabID   TabID    `json:"tabId"`
	Session *Session `json:"session"`
}

// Badge 工具栏角标状态
type Badge struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

// TargetID 浏览器调试目标ID
type TargetID string

// TargetInfo 已发现的页面目标
type TargetInfo struct {
	ID       TargetID `json:"id"`
	TabID    TabID    `json:"tabId"`
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Attached bool     `json:"attached"`
}

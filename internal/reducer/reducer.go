// Package reducer 定义事实如何折叠进会话，所有规则均为纯函数
package reducer

import (
	"fmt"
	"strings"

	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"

	"github.com/samber/lo"
)

// ApplyPixelDetected 合并像素检测事实
func ApplyPixelDetected(s *domain.Session, f domain.PixelDetected) {
	rec := platform(s, f.Platform)

	if f.PixelID != "" {
		rec.PixelIDs = addID(rec.PixelIDs, f.PixelID)
	}
	for _, id := range f.AllPixelIDs {
		if id != "" {
			rec.PixelIDs = addID(rec.PixelIDs, id)
		}
	}
	for _, tag := range f.Tags {
		if !lo.ContainsBy(rec.Tags, func(t domain.Tag) bool { return t.ID == tag.ID }) {
			rec.Tags = append(rec.Tags, tag)
		}
	}

	markStatus(rec, f.Status)

	if f.Platform != domain.PlatformGoogle && len(rec.PixelIDs) > 1 && !hasIssue(rec.Warnings, domain.WarningDuplicatePixel) {
		rec.Warnings = append(rec.Warnings, domain.Issue{
			Code:    domain.WarningDuplicatePixel,
			Message: fmt.Sprintf("Multiple %s pixel IDs detected: %s", f.Platform, strings.Join(rec.PixelIDs, ", ")),
		})
	}
}

// ApplyEventCaptured 追加捕获事件，capturedAt 为捕获时间（毫秒）
// 捕获暂停时整条事实被丢弃；平台记录不存在时不会创建。
func ApplyEventCaptured(s *domain.Session, f domain.EventCaptured, capturedAt int64) {
	if !s.Capturing {
		return
	}
	s.Events = append(s.Events, domain.CapturedEvent{
		Platform:  f.Platform,
		Event:     f.Event,
		Params:    f.Params,
		PixelID:   f.PixelID,
		Timestamp: capturedAt,
	})
	if rec, ok := s.Platforms[f.Platform]; ok && rec != nil {
		rec.Fired = true
	}
}

// ApplyCaptureToggle 设置捕获开关
func ApplyCaptureToggle(s *domain.Session, capturing bool) {
	s.Capturing = capturing
}

// ApplyGlobalLoaded 页面全局对象初始化，等价于不带ID的 loaded 检测
func ApplyGlobalLoaded(s *domain.Session, f domain.GlobalLoaded) {
	if !f.Loaded {
		return
	}
	ApplyPixelDetected(s, domain.PixelDetected{Platform: f.Platform, Status: domain.StatusLoaded})
}

// IssueCount 统计所有平台的错误与警告总数
func IssueCount(s *domain.Session) int {
	if s == nil {
		return 0
	}
	return lo.SumBy(lo.Values(s.Platforms), func(p *domain.PlatformRecord) int {
		if p == nil {
			return 0
		}
		return len(p.Errors) + len(p.Warnings)
	})
}

func platform(s *domain.Session, p domain.Platform) *domain.PlatformRecord {
	if s.Platforms == nil {
		s.Platforms = make(map[domain.Platform]*domain.PlatformRecord)
	}
	rec, ok := s.Platforms[p]
	if !ok || rec == nil {
		rec = domain.NewPlatformRecord()
		s.Platforms[p] = rec
	}
	return rec
}

func addID(ids []string, id string) []string {
	if lo.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

// markStatus 生命周期标记只会由 false 变为 true
func markStatus(rec *domain.PlatformRecord, st domain.Status) {
	switch st {
	case domain.StatusInstalled:
		rec.Installed = true
	case domain.StatusLoaded:
		rec.Loaded = true
	case domain.StatusFired:
		rec.Fired = true
	}
}

func hasIssue(issues []domain.Issue, code string) bool {
	return lo.ContainsBy(issues, func(i domain.Issue) bool { return i.Code == code })
}

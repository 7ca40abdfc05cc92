package reducer

import "github.com/vanhao1997/unified-pixel-inspector/pkg/domain"

// PixelDetected 返回合并像素检测事实的变更函数
func PixelDetected(f domain.PixelDetected) func(*domain.Session) {
	return func(s *domain.Session) { ApplyPixelDetected(s, f) }
}

// EventCaptured 返回追加捕获事件的变更函数
func EventCaptured(f domain.EventCaptured, capturedAt int64) func(*domain.Session) {
	return func(s *domain.Session) { ApplyEventCaptured(s, f, capturedAt) }
}

// CaptureToggle 返回设置捕获开关的变更函数
func CaptureToggle(capturing bool) func(*domain.Session) {
	return func(s *domain.Session) { ApplyCaptureToggle(s, capturing) }
}

// GlobalLoaded 返回处理全局对象初始化的变更函数
func GlobalLoaded(f domain.GlobalLoaded) func(*domain.Session) {
	return func(s *domain.Session) { ApplyGlobalLoaded(s, f) }
}

// Noop 不做任何修改，用于惰性创建会话
func Noop() func(*domain.Session) {
	return func(*domain.Session) {}
}

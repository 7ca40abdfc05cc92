package domain

import "errors"

// 路由相关错误
var (
	ErrTabUnresolved  = errors.New("tab unresolved")
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownMessage = errors.New("unknown message type")
)

// 存储相关错误
var (
	ErrStorage = errors.New("session storage failed")
)

// 浏览器相关错误
var (
	ErrDevToolsUnreachable = errors.New("devtools unreachable")
	ErrBrowserNotAttached  = errors.New("browser not attached")
	ErrTargetNotFound      = errors.New("target not found")
	ErrBrowserStartFailed  = errors.New("browser start failed")
)

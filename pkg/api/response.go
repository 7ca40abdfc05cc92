package api

import "github.com/vanhao1997/unified-pixel-inspector/pkg/errx"

// Response 是 HTTP 接口的统一响应格式
type Response[T any] struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

// OK 构造成功响应
func OK[T any](data T) Response[T] {
	return Response[T]{
		Success: true,
		Data:    data,
	}
}

// Fail 构造失败响应
func Fail[T any](code, message string) Response[T] {
	return Response[T]{
		Success: false,
		Code:    code,
		Message: message,
	}
}

// FromError 按错误码构造失败响应
func FromError[T any](err error) Response[T] {
	return Fail[T](string(errx.CodeOf(err)), err.Error())
}

// EmptyData 用于无业务数据返回的场景
type EmptyData struct{}

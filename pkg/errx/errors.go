package errx

import (
	"errors"
	"fmt"

	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
)

type Code string

type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, msg string) *Error { return &Error{Code: code, Msg: msg} }

func Wrap(code Code, err error, msg string) *Error { return &Error{Code: code, Msg: msg, Err: err} }

func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

const (
	CodeTabUnresolved       Code = "TAB_UNRESOLVED"
	CodeStorage             Code = "STORAGE_ERROR"
	CodeInvalidMessage      Code = "INVALID_MESSAGE"
	CodeUnknownMessage      Code = "UNKNOWN_MESSAGE"
	CodeBrowserNotAttached  Code = "BROWSER_NOT_ATTACHED"
	CodeDevToolsUnreachable Code = "DEVTOOLS_UNREACHABLE"
	CodeInternal            Code = "INTERNAL"
)

// 领域错误到错误码的映射
var mappings = []struct {
	err  error
	code Code
}{
	{domain.ErrTabUnresolved, CodeTabUnresolved},
	{domain.ErrStorage, CodeStorage},
	{domain.ErrInvalidMessage, CodeInvalidMessage},
	{domain.ErrUnknownMessage, CodeUnknownMessage},
	{domain.ErrBrowserNotAttached, CodeBrowserNotAttached},
	{domain.ErrTargetNotFound, CodeBrowserNotAttached},
	{domain.ErrDevToolsUnreachable, CodeDevToolsUnreachable},
}

// CodeOf 返回错误对应的错误码，未知错误归为 INTERNAL
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeInternal
}

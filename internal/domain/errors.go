package domain

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrAdmissionRejected means the global session cap is reached. The
	// message stays queued; it is never shown to the user.
	ErrAdmissionRejected   = errors.New("admission rejected: at capacity")
	ErrSessionTimeout      = errors.New("session timed out")
	ErrModelUnavailable    = errors.New("model unavailable")
	ErrToolExecutionFailed = errors.New("tool execution failed")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrUnknownCommand      = errors.New("unknown command")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrShutdown            = errors.New("dispatcher shut down")
)

// UserMessage renders err as the single reply line shown in chat.
func UserMessage(err error) string {
	var reason string
	switch {
	case errors.Is(err, ErrSessionTimeout), errors.Is(err, context.DeadlineExceeded):
		reason = "处理超时，请稍后重试"
	case errors.Is(err, ErrShutdown):
		reason = "服务正在关闭，请稍后重试"
	case errors.Is(err, ErrModelUnavailable):
		reason = "模型服务暂时不可用"
	case errors.Is(err, ErrPermissionDenied):
		reason = "权限不足，此指令仅限管理员使用"
	case errors.Is(err, ErrMalformedMessage):
		reason = "无法解析消息: " + detail(err, ErrMalformedMessage)
	case errors.Is(err, ErrUnknownCommand):
		reason = "未知指令: " + detail(err, ErrUnknownCommand)
	case err == nil:
		reason = "未知错误"
	default:
		reason = err.Error()
	}
	return "错误: " + reason
}

// detail returns the text following the sentinel in a wrapped error.
func detail(err, sentinel error) string {
	if _, after, ok := strings.Cut(err.Error(), sentinel.Error()+": "); ok {
		return after
	}
	return sentinel.Error()
}

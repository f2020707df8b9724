// Package llm 错误定义
// @author ygw
package llm

import (
	"errors"
	"fmt"
)

// 错误码常量
const (
	ErrCodeBadRequest   = "BAD_REQUEST"   // 请求参数错误
	ErrCodeUnauthorized = "UNAUTHORIZED"  // 未授权
	ErrCodeNotFound     = "NOT_FOUND"     // 模型不存在
	ErrCodeRateLimited  = "RATE_LIMITED"  // 上游限流
	ErrCodeServerError  = "SERVER_ERROR"  // 服务器错误
	ErrCodeTimeout      = "TIMEOUT"       // 请求超时
	ErrCodeNetworkError = "NETWORK_ERROR" // 网络错误
	ErrCodeEmptyReply   = "EMPTY_REPLY"   // 响应中没有可用内容
)

// BackendError LLM 后端返回的错误
// StatusCode 为 0 表示请求没有拿到 HTTP 响应（网络错误、超时等）
// @author ygw
type BackendError struct {
	Code       string
	StatusCode int
	Body       string
	Err        error
}

func (e *BackendError) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("llm backend %s (status %d): %s", e.Code, e.StatusCode, truncate(e.Body, 200))
	case e.Err != nil:
		return fmt.Sprintf("llm backend %s: %v", e.Code, e.Err)
	}
	return "llm backend " + e.Code
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBackendError 检查错误是否来自 LLM 后端
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// codeForStatus 根据 HTTP 状态码映射错误码
func codeForStatus(status int) string {
	switch {
	case status == 400 || status == 422:
		return ErrCodeBadRequest
	case status == 401 || status == 403:
		return ErrCodeUnauthorized
	case status == 404:
		return ErrCodeNotFound
	case status == 429:
		return ErrCodeRateLimited
	case status == 408 || status == 504:
		return ErrCodeTimeout
	default:
		return ErrCodeServerError
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

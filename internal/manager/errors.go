package manager

import (
	"errors"
	"fmt"
)

// 轮次失败类型
var (
	// ErrStore 历史读写失败
	ErrStore = errors.New("conversation store unavailable")
	// ErrBackend LLM 调用失败或被取消
	ErrBackend = errors.New("llm backend failed")
)

// 面向终端用户的提示
const (
	MessageServiceUnavailable = "service unavailable"
	MessagePleaseRetry        = "please retry"
)

// TurnError 一次轮次的失败结果
// Kind 为 ErrStore 或 ErrBackend，Stage 为失败所在阶段
type TurnError struct {
	Kind  error
	Stage string
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed at %s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *TurnError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// UserMessage 可以直接展示给用户的描述
func (e *TurnError) UserMessage() string {
	if errors.Is(e.Kind, ErrStore) {
		return MessageServiceUnavailable
	}
	return MessagePleaseRetry
}

func storeError(stage string, err error) error {
	return &TurnError{Kind: ErrStore, Stage: stage, Err: err}
}

func backendError(stage string, err error) error {
	return &TurnError{Kind: ErrBackend, Stage: stage, Err: err}
}

// Package store 会话历史存储
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"convo-api/internal/models"
)

// 存储边界错误
var (
	ErrInvalidSession = errors.New("invalid session id")
	ErrInvalidRole    = errors.New("invalid message role")
)

// Store 会话历史存储，按追加顺序保存每个会话的消息
// 存储操作不自带超时，沿用调用方的 ctx
type Store interface {
	Append(ctx context.Context, sessionID string, msg models.Message) error
	List(ctx context.Context, sessionID string) ([]models.Message, error)
}

// Rewriter 可选能力：原子地替换整个会话历史（用于写回压缩结果）
type Rewriter interface {
	Replace(ctx context.Context, sessionID string, msgs []models.Message) error
}

// ValidateSession 校验会话 ID
func ValidateSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	return nil
}

// ValidateMessage 校验消息角色
func ValidateMessage(msg models.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	return nil
}

// validate 同时校验会话与消息
func validate(sessionID string, msgs ...models.Message) error {
	if err := ValidateSession(sessionID); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := ValidateMessage(m); err != nil {
			return err
		}
	}
	return nil
}

// Batcher 可选能力：一次性原子追加多条消息
// 用户消息与助手回复通过它成对写入，避免只写入一半
type Batcher interface {
	AppendBatch(ctx context.Context, sessionID string, msgs ...models.Message) error
}

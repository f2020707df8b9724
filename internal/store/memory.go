package store

import (
	"context"
	"sync"

	"convo-api/internal/models"

	"github.com/google/uuid"
)

// MemoryStore 进程内存储，重启后数据丢失
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]models.Message
	nextSeq  map[string]int64
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]models.Message),
		nextSeq:  make(map[string]int64),
	}
}

// Append 追加一条消息，分配递增序号
func (s *MemoryStore) Append(ctx context.Context, sessionID string, msg models.Message) error {
	if err := validate(sessionID, msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], s.stampLocked(sessionID, msg))
	return nil
}

// AppendBatch 原子追加多条消息
func (s *MemoryStore) AppendBatch(ctx context.Context, sessionID string, msgs ...models.Message) error {
	if err := validate(sessionID, msgs...); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.sessions[sessionID] = append(s.sessions[sessionID], s.stampLocked(sessionID, m))
	}
	return nil
}

// List 返回会话历史的副本，未知会话返回空列表
func (s *MemoryStore) List(ctx context.Context, sessionID string) ([]models.Message, error) {
	if err := ValidateSession(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.sessions[sessionID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Replace 替换整个会话历史
func (s *MemoryStore) Replace(ctx context.Context, sessionID string, msgs []models.Message) error {
	if err := validate(sessionID, msgs...); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.stampLocked(sessionID, m))
	}
	s.sessions[sessionID] = out
	return nil
}

// Sessions 当前会话数
func (s *MemoryStore) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemoryStore) stampLocked(sessionID string, msg models.Message) models.Message {
	msg.SessionID = sessionID
	msg.Seq = s.nextSeq[sessionID]
	s.nextSeq[sessionID]++
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return msg
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"convo-api/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore 基于 Redis 列表的会话存储，每个会话一个 key，消息以 JSON 形式 RPUSH
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// RedisOption 配置 RedisStore
type RedisOption func(*RedisStore)

// WithRedisTTL 设置会话过期时间，每次写入刷新，0 表示不过期
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithRedisPrefix 设置 key 前缀，默认 "convo"
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "convo",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL 解析 redis:// URL 并创建存储
func NewRedisStoreFromURL(rawURL string, opts ...RedisOption) (*RedisStore, error) {
	o, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(o), opts...), nil
}

// Append 追加一条消息
func (s *RedisStore) Append(ctx context.Context, sessionID string, msg models.Message) error {
	return s.AppendBatch(ctx, sessionID, msg)
}

// AppendBatch 在一个 MULTI/EXEC 事务中追加多条消息
func (s *RedisStore) AppendBatch(ctx context.Context, sessionID string, msgs ...models.Message) error {
	if err := validate(sessionID, msgs...); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	values, err := s.encodeAll(sessionID, msgs)
	if err != nil {
		return err
	}

	key := s.sessionKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append failed: %w", err)
	}
	return nil
}

// List 读取会话全部消息，Seq 为列表下标
func (s *RedisStore) List(ctx context.Context, sessionID string) ([]models.Message, error) {
	if err := ValidateSession(sessionID); err != nil {
		return nil, err
	}

	items, err := s.client.LRange(ctx, s.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	out := make([]models.Message, 0, len(items))
	for i, item := range items {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message %d: %w", i, err)
		}
		// 列表可能被其他进程写入，角色在读取时再校验一次
		role, err := models.ParseRole(string(m.Role))
		if err != nil {
			return nil, fmt.Errorf("message %d: %w: %v", i, ErrInvalidRole, err)
		}
		m.Role = role
		m.SessionID = sessionID
		m.Seq = int64(i)
		out = append(out, m)
	}
	return out, nil
}

// Replace 在一个 MULTI/EXEC 事务中删除并重写整个会话
func (s *RedisStore) Replace(ctx context.Context, sessionID string, msgs []models.Message) error {
	if err := validate(sessionID, msgs...); err != nil {
		return err
	}

	values, err := s.encodeAll(sessionID, msgs)
	if err != nil {
		return err
	}

	key := s.sessionKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		pipe.RPush(ctx, key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis replace failed: %w", err)
	}
	return nil
}

// Ping 检查连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) encode(sessionID string, msg models.Message) ([]byte, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.SessionID = sessionID
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func (s *RedisStore) encodeAll(sessionID string, msgs []models.Message) ([]interface{}, error) {
	values := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		data, err := s.encode(sessionID, m)
		if err != nil {
			return nil, err
		}
		values = append(values, data)
	}
	return values, nil
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:messages", s.prefix, sessionID)
}

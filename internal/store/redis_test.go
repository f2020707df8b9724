package store

import (
	"context"
	"testing"
	"time"

	"convo-api/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore 基于 miniredis 创建测试存储
func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, opts...), mr
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, _ := setupRedisStore(t)
		return s
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s, mr := setupRedisStore(t, WithRedisPrefix("faq"))
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "abc", models.Message{Role: models.RoleUser, Content: "hi"}))

	assert.True(t, mr.Exists("faq:session:abc:messages"))
	items, err := mr.List("faq:session:abc:messages")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], `"content":"hi"`)
}

func TestRedisStore_TTL(t *testing.T) {
	s, mr := setupRedisStore(t, WithRedisTTL(time.Hour))
	ctx := context.Background()
	key := "convo:session:s1:messages"

	require.NoError(t, s.Append(ctx, "s1", models.Message{Role: models.RoleUser, Content: "hi"}))
	assert.Equal(t, time.Hour, mr.TTL(key))

	mr.FastForward(2 * time.Hour)
	msgs, err := s.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisStore_NoTTLByDefault(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", models.Message{Role: models.RoleUser, Content: "hi"}))
	assert.Equal(t, time.Duration(0), mr.TTL("convo:session:s1:messages"))
}

func TestRedisStore_ReplaceEmpty(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", models.Message{Role: models.RoleUser, Content: "hi"}))
	require.NoError(t, s.Replace(ctx, "s1", nil))
	assert.False(t, mr.Exists("convo:session:s1:messages"))
}

func TestRedisStore_ConnectionError(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()
	mr.Close()

	assert.Error(t, s.Append(ctx, "s1", models.Message{Role: models.RoleUser, Content: "hi"}))
	_, err := s.List(ctx, "s1")
	assert.Error(t, err)
	assert.Error(t, s.Ping(ctx))
}

func TestNewRedisStoreFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStoreFromURL("redis://"+mr.Addr()+"/0", WithRedisPrefix("x"))
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))

	_, err = NewRedisStoreFromURL("not a url")
	assert.Error(t, err)
}

func TestRedisStore_ListValidatesRole(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()
	key := "convo:session:raw:messages"

	// 外部写入的大写角色会被规范化
	_, err := mr.Push(key, `{"role":"USER","content":"hi"}`)
	require.NoError(t, err)
	msgs, err := s.List(ctx, "raw")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)

	_, err = mr.Push(key, `{"role":"tool","content":"{}"}`)
	require.NoError(t, err)
	_, err = s.List(ctx, "raw")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

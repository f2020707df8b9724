package manager

import (
	"context"
	"sync"
)

// sessionLock 单个会话的互斥锁，容量为 1 的通道便于在等待时响应 ctx 取消
type sessionLock struct {
	ch   chan struct{}
	refs int
}

// sessionLocks 按会话 ID 加锁，无人持有或等待时回收
// @author ygw
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire 获取会话锁，返回释放函数；ctx 取消时返回 ctx 错误
func (s *sessionLocks) acquire(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.unref(sessionID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.unref(sessionID, l)
		})
	}, nil
}

func (s *sessionLocks) unref(sessionID string, l *sessionLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, sessionID)
	}
}

// size 当前持有的锁数量
func (s *sessionLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

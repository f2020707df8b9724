package compressor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"convo-api/internal/logger"
)

// CacheEntry 单条摘要缓存
// @author ygw
type CacheEntry struct {
	Key       string    `json:"key"`        // 对话记录 + 语言的 hash
	Language  string    `json:"language"`   // 摘要语言
	MsgCount  int       `json:"msg_count"`  // 被摘要的消息数
	Summary   string    `json:"summary"`    // 摘要正文（不含 Summary: 前缀）
	CreatedAt time.Time `json:"created_at"` // 创建时间
}

// SummaryCache 摘要缓存
// 同一段对话记录在追加型存储上每轮都会被重新压缩，命中缓存可以避免重复调用 LLM
// cacheDir 为空时只做内存缓存
// @author ygw
type SummaryCache struct {
	cacheDir string
	ttl      time.Duration
	mu       sync.RWMutex
	entries  map[string]*CacheEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSummaryCache 创建缓存实例，cacheDir 非空时从磁盘加载已有条目并定期清理
func NewSummaryCache(cacheDir string, ttl time.Duration) *SummaryCache {
	cache := &SummaryCache{
		cacheDir: cacheDir,
		ttl:      ttl,
		entries:  make(map[string]*CacheEntry),
		stopCh:   make(chan struct{}),
	}

	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			logger.Error("[摘要缓存] 创建缓存目录失败: %v", err)
		}
		cache.loadIndex()
	}

	go cache.cleanupLoop()

	return cache
}

// CacheKey 计算缓存键：对话记录与语言共同决定
func CacheKey(transcript, language string) string {
	hash := sha256.Sum256([]byte(language + "|" + transcript))
	return hex.EncodeToString(hash[:])
}

// Get 查询缓存，过期条目视为未命中
func (c *SummaryCache) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return "", false
	}
	if c.expired(entry, time.Now()) {
		return "", false
	}
	return entry.Summary, true
}

// Put 写入缓存，配置了目录时同步落盘
func (c *SummaryCache) Put(key, language string, msgCount int, summary string) {
	if c == nil || key == "" {
		return
	}

	entry := &CacheEntry{
		Key:       key,
		Language:  language,
		MsgCount:  msgCount,
		Summary:   summary,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	if c.cacheDir == "" {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		logger.Error("[摘要缓存] 序列化缓存失败: %v", err)
		return
	}
	if err := os.WriteFile(c.filePath(key), data, 0644); err != nil {
		logger.Error("[摘要缓存] 写入缓存失败: %v", err)
		return
	}
	logger.Debug("[摘要缓存] 已保存 - %d 条消息, 语言: %s", msgCount, language)
}

// Len 当前缓存条目数
func (c *SummaryCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close 停止清理协程
func (c *SummaryCache) Close() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *SummaryCache) expired(entry *CacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(entry.CreatedAt) > c.ttl
}

func (c *SummaryCache) filePath(key string) string {
	return filepath.Join(c.cacheDir, key[:32]+".json")
}

// loadIndex 从磁盘加载未过期的缓存条目
// @author ygw
func (c *SummaryCache) loadIndex() {
	c.mu.Lock()
	defer c.mu.Unlock()

	dirEntries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		logger.Debug("[摘要缓存] 读取缓存目录失败: %v", err)
		return
	}

	now := time.Now()
	loaded, expired := 0, 0

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}

		path := filepath.Join(c.cacheDir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var entry CacheEntry
		if err := json.Unmarshal(data, &entry); err != nil || len(entry.Key) < 32 {
			// 损坏的缓存文件直接删除
			os.Remove(path)
			continue
		}
		if c.expired(&entry, now) {
			os.Remove(path)
			expired++
			continue
		}

		c.entries[entry.Key] = &entry
		loaded++
	}

	if loaded > 0 || expired > 0 {
		logger.Info("[摘要缓存] 加载完成 - 有效: %d, 过期清理: %d", loaded, expired)
	}
}

// cleanupLoop 定期清理过期缓存
func (c *SummaryCache) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

// cleanup 清理过期缓存
func (c *SummaryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for key, entry := range c.entries {
		if !c.expired(entry, now) {
			continue
		}
		delete(c.entries, key)
		if c.cacheDir != "" {
			os.Remove(c.filePath(key))
		}
		cleaned++
	}

	if cleaned > 0 {
		logger.Debug("[摘要缓存] 清理 %d 个过期缓存, 剩余: %d", cleaned, len(c.entries))
	}
}

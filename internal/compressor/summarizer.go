package compressor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"convo-api/internal/llm"
	"convo-api/internal/logger"
	"convo-api/internal/models"
)

// ErrSummaryDegraded 摘要失败，已降级为哨兵摘要
// 调用方只记录日志，不中断当前轮次
var ErrSummaryDegraded = errors.New("summary degraded")

const summaryInstruction = "You are an assistant that summarizes a conversation in %s. " +
	"Include user intents, key information provided, and next recommended action. " +
	"Maximum %d tokens. Do not fabricate details. Respond with only the summary."

const transcriptHeader = "Conversation transcript:\n"

// 摘要固定使用确定性输出
const summaryTemperature = 0.0

// Summarizer 调用 LLM 将最旧的消息块压缩为一条摘要
// @author ygw
type Summarizer struct {
	backend llm.Backend
	model   string
	budget  BudgetConfig
	timeout time.Duration
	cache   *SummaryCache
}

// NewSummarizer 创建摘要器，timeout <= 0 时使用 DefaultSummaryTimeout，cache 可为 nil
func NewSummarizer(backend llm.Backend, model string, budget BudgetConfig, timeout time.Duration, cache *SummaryCache) *Summarizer {
	if timeout <= 0 {
		timeout = DefaultSummaryTimeout
	}
	return &Summarizer{
		backend: backend,
		model:   model,
		budget:  budget,
		timeout: timeout,
		cache:   cache,
	}
}

// Summarize 生成摘要条目正文（带 Summary: 前缀）
// 失败时返回 "Summary: (error)" 以及包装了原因的 ErrSummaryDegraded，返回的正文总是可用的
func (s *Summarizer) Summarize(ctx context.Context, msgs []models.Message, language string) (string, error) {
	if len(msgs) == 0 {
		return models.SummaryContent(SentinelNoContent), nil
	}

	transcript := BuildTranscript(msgs, s.budget.MessageTruncateChars)
	key := CacheKey(transcript, language)
	if text, ok := s.cache.Get(key); ok {
		logger.Debug("[智能压缩] 摘要缓存命中 - %d 条消息", len(msgs))
		return models.SummaryContent(text), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	reply, err := s.backend.Complete(ctx, llm.CompletionRequest{
		Model:       s.model,
		Temperature: summaryTemperature,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: fmt.Sprintf(summaryInstruction, language, s.budget.SummaryTokenBudget)},
			{Role: models.RoleUser, Content: transcriptHeader + transcript},
		},
		ContextCapacity: s.budget.TokenBudget,
	})
	if err != nil {
		logger.Warn("[智能压缩] 摘要生成失败，使用降级摘要 - %d 条消息, 耗时: %v, 错误: %v", len(msgs), time.Since(start), err)
		return models.SummaryContent(SentinelError), fmt.Errorf("%w: %w", ErrSummaryDegraded, err)
	}

	text := strings.TrimSpace(reply)
	if text == "" {
		return models.SummaryContent(SentinelNoContent), nil
	}

	s.cache.Put(key, language, len(msgs), text)
	logger.Debug("[智能压缩] 摘要生成完成 - %d 条消息, %d 字符, 耗时: %v", len(msgs), len(text), time.Since(start))
	return models.SummaryContent(text), nil
}

// BuildTranscript 将消息渲染为 "role: content" 逐行文本，单条内容按字符截断
func BuildTranscript(msgs []models.Message, maxChars int) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(truncateRunes(m.Content, maxChars))
	}
	return b.String()
}

// truncateRunes 按字符（rune）截断，避免切断多字节字符
func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

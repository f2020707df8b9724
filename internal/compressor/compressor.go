package compressor

import (
	"strings"

	"convo-api/internal/models"
	"convo-api/internal/tokenizer"
)

// NeedsCompaction 检查最旧的消息块是否超出阈值
// 只评估最旧的 CompactionBlockSize 条消息（加上 system 提示），不看整段历史
// 历史不足一个块时不触发
func NeedsCompaction(history []models.Message, systemPrompt string, budget BudgetConfig) bool {
	tokens, ok := oldestBlockTokens(history, systemPrompt, budget)
	if !ok {
		return false
	}
	return tokens > budget.Threshold()
}

// oldestBlockTokens 估算最旧块的 token 数，历史不足一个块时 ok=false
func oldestBlockTokens(history []models.Message, systemPrompt string, budget BudgetConfig) (int, bool) {
	if len(history) == 0 || budget.CompactionBlockSize <= 0 || len(history) < budget.CompactionBlockSize {
		return 0, false
	}

	parts := make([]string, 0, budget.CompactionBlockSize+1)
	if systemPrompt != "" {
		parts = append(parts, systemPrompt)
	}
	for _, m := range history[:budget.CompactionBlockSize] {
		parts = append(parts, m.Content)
	}
	return tokenizer.Estimate(strings.Join(parts, " ")), true
}

// SelectBlock 返回本次要压缩的最旧消息块
// 块大小为 CompactionBlockSize，并收缩到不侵占最近 RecentWindow 条消息
func SelectBlock(history []models.Message, budget BudgetConfig) []models.Message {
	n := budget.CompactionBlockSize
	if limit := len(history) - budget.RecentWindow; n > limit {
		n = limit
	}
	if n <= 0 {
		return nil
	}
	return history[:n]
}

// ReplaceBlock 用摘要条目替换最旧的 blockLen 条消息，返回新的历史（不修改入参）
func ReplaceBlock(history []models.Message, blockLen int, summary models.Message) []models.Message {
	if blockLen > len(history) {
		blockLen = len(history)
	}
	out := make([]models.Message, 0, len(history)-blockLen+1)
	out = append(out, summary)
	out = append(out, history[blockLen:]...)
	return out
}

// ActiveSummary 返回历史中第一条摘要条目
func ActiveSummary(history []models.Message) (models.Message, bool) {
	for _, m := range history {
		if m.IsSummary() {
			return m, true
		}
	}
	return models.Message{}, false
}

// BuildContextWindow 构建发送给 LLM 的消息列表
// 顺序固定：system 提示 -> 第一条摘要 -> 最近 RecentWindow 条非摘要消息 -> 新用户消息
// 纯函数，相同输入总是得到相同输出
// @author ygw
func BuildContextWindow(history []models.Message, systemPrompt string, userMsg models.Message, budget BudgetConfig) []models.Message {
	window := make([]models.Message, 0, budget.RecentWindow+3)

	if systemPrompt != "" {
		window = append(window, models.Message{Role: models.RoleSystem, Content: systemPrompt})
	}
	if summary, ok := ActiveSummary(history); ok {
		window = append(window, summary)
	}
	window = append(window, recentMessages(history, budget.RecentWindow)...)
	window = append(window, userMsg)
	return window
}

// recentMessages 取最近 n 条消息，跳过摘要条目（活动摘要已单独放在前面）
func recentMessages(history []models.Message, n int) []models.Message {
	if n <= 0 {
		return nil
	}
	start := len(history) - n
	if start < 0 {
		start = 0
	}
	out := make([]models.Message, 0, len(history)-start)
	for _, m := range history[start:] {
		if m.IsSummary() {
			continue
		}
		out = append(out, m)
	}
	return out
}

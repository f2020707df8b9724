package compressor

import (
	"fmt"
	"time"

	"convo-api/internal/config"
)

// 摘要相关常量
const (
	// SentinelNoContent 无可摘要内容时的摘要正文
	SentinelNoContent = "(no content)"
	// SentinelError 摘要请求失败时的降级正文
	SentinelError = "(error)"

	// DefaultSummaryTimeout 摘要请求的固定超时
	DefaultSummaryTimeout = 60 * time.Second
)

// BudgetConfig 上下文预算配置
// @author ygw
type BudgetConfig struct {
	TokenBudget                 int // 上下文总容量，默认 8192
	SummaryTokenBudget          int // 单个摘要允许的最大 token，默认 1000
	RecentWindow                int // 始终原样保留的最近消息数，默认 6
	CompactionBlockSize         int // 每次压缩的最旧消息数，默认 10
	SummarizationOverheadTokens int // 为摘要指令预留的 token，默认 100
	MessageTruncateChars        int // 摘要对话记录中单条消息的最大字符数，默认 600
}

// DefaultBudget 返回默认预算
func DefaultBudget() BudgetConfig {
	return BudgetConfig{
		TokenBudget:                 8192,
		SummaryTokenBudget:          1000,
		RecentWindow:                6,
		CompactionBlockSize:         10,
		SummarizationOverheadTokens: 100,
		MessageTruncateChars:        600,
	}
}

// BudgetFromConfig 从应用配置构建预算
func BudgetFromConfig(cfg *config.Config) BudgetConfig {
	c := cfg.Context
	return BudgetConfig{
		TokenBudget:                 c.TokenBudget,
		SummaryTokenBudget:          c.SummaryTokenBudget,
		RecentWindow:                c.RecentWindow,
		CompactionBlockSize:         c.CompactionBlockSize,
		SummarizationOverheadTokens: c.SummarizationOverheadTokens,
		MessageTruncateChars:        c.MessageTruncateChars,
	}
}

// Threshold 触发压缩的 token 阈值
func (b BudgetConfig) Threshold() int {
	return b.TokenBudget - b.SummaryTokenBudget - b.SummarizationOverheadTokens
}

// Validate 校验预算参数
func (b BudgetConfig) Validate() error {
	switch {
	case b.TokenBudget <= 0:
		return fmt.Errorf("token_budget must be positive, got %d", b.TokenBudget)
	case b.SummaryTokenBudget < 0:
		return fmt.Errorf("summary_token_budget must not be negative, got %d", b.SummaryTokenBudget)
	case b.SummarizationOverheadTokens < 0:
		return fmt.Errorf("summarization_overhead_tokens must not be negative, got %d", b.SummarizationOverheadTokens)
	case b.RecentWindow < 0:
		return fmt.Errorf("recent_window must not be negative, got %d", b.RecentWindow)
	case b.CompactionBlockSize <= 0:
		return fmt.Errorf("compaction_block_size must be positive, got %d", b.CompactionBlockSize)
	case b.MessageTruncateChars <= 0:
		return fmt.Errorf("message_truncate_chars must be positive, got %d", b.MessageTruncateChars)
	}
	return nil
}

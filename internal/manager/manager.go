// Package manager 自适应会话上下文管理
// 每轮：加载历史 -> 按需压缩最旧块 -> 组装上下文窗口 -> 调用 LLM -> 持久化
package manager

import (
	"context"
	"errors"
	"strings"
	"time"

	"convo-api/internal/compressor"
	"convo-api/internal/config"
	"convo-api/internal/llm"
	"convo-api/internal/logger"
	"convo-api/internal/models"
	"convo-api/internal/store"
	"convo-api/internal/tokenizer"
)

// ErrEmptyMessage 用户消息为空
var ErrEmptyMessage = errors.New("empty user message")

// TurnResult 一轮对话的结果
type TurnResult struct {
	Reply           string
	Compacted       bool // 本轮是否压缩了最旧的消息块
	SummaryDegraded bool // 压缩时摘要失败，使用了降级摘要
	WindowSize      int  // 发送给 LLM 的消息数
	EstimatedTokens int  // 上下文窗口的估算 token 数
}

// Manager 会话上下文管理器
// @author ygw
type Manager struct {
	store      store.Store
	backend    llm.Backend
	summarizer *compressor.Summarizer
	budget     compressor.BudgetConfig

	model          string
	temperature    float64
	systemPrompt   string
	promptTemplate string
	language       string
	requestTimeout time.Duration

	locks *sessionLocks
}

// Option 配置 Manager
type Option func(*options)

type options struct {
	cache *compressor.SummaryCache
}

// WithSummaryCache 为摘要器启用缓存
func WithSummaryCache(cache *compressor.SummaryCache) Option {
	return func(o *options) {
		o.cache = cache
	}
}

// New 创建管理器
func New(st store.Store, backend llm.Backend, cfg *config.Config, opts ...Option) (*Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	budget := compressor.BudgetFromConfig(cfg)
	if err := budget.Validate(); err != nil {
		return nil, err
	}

	language := cfg.Context.DefaultLanguage
	if language == "" {
		language = "English"
	}

	return &Manager{
		store:          st,
		backend:        backend,
		summarizer:     compressor.NewSummarizer(backend, cfg.LLM.Model, budget, cfg.SummaryTimeout(), o.cache),
		budget:         budget,
		model:          cfg.LLM.Model,
		temperature:    cfg.LLM.Temperature,
		systemPrompt:   cfg.Context.SystemPrompt,
		promptTemplate: cfg.Context.UserPromptTemplate,
		language:       language,
		requestTimeout: cfg.RequestTimeout(),
		locks:          newSessionLocks(),
	}, nil
}

// HandleTurn 处理一轮对话，只返回回复正文
func (m *Manager) HandleTurn(ctx context.Context, sessionID, userText, language string) (string, error) {
	res, err := m.Turn(ctx, sessionID, userText, language)
	if err != nil {
		return "", err
	}
	return res.Reply, nil
}

// Turn 处理一轮对话
// 同一会话的轮次串行执行；失败时返回 *TurnError，且不会只持久化半轮
func (m *Manager) Turn(ctx context.Context, sessionID, userText, language string) (*TurnResult, error) {
	if err := store.ValidateSession(sessionID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyMessage
	}
	if language == "" {
		language = m.language
	}

	release, err := m.locks.acquire(ctx, sessionID)
	if err != nil {
		return nil, backendError("waiting", err)
	}
	defer release()

	start := time.Now()

	// Loading
	history, err := m.store.List(ctx, sessionID)
	if err != nil {
		logger.Error("[会话管理] 加载历史失败 - 会话: %s, 错误: %v", sessionID, err)
		return nil, storeError("loading", err)
	}
	logger.Debug("[会话管理] 已加载历史 - 会话: %s, 消息数: %d", sessionID, len(history))

	userMsg := models.NewMessage(models.RoleUser, m.renderUserPrompt(userText, language))
	res := &TurnResult{}

	// Compacting
	if compressor.NeedsCompaction(history, m.systemPrompt, m.budget) {
		if block := compressor.SelectBlock(history, m.budget); len(block) > 0 {
			entry, err := m.summarizer.Summarize(ctx, block, language)
			if err != nil {
				res.SummaryDegraded = true
				logger.Warn("[会话管理] 摘要降级 - 会话: %s, 错误: %v", sessionID, err)
			}
			summary := models.Message{
				Role:            models.RoleSystem,
				Content:         entry,
				SourceTimestamp: block[len(block)-1].SourceTimestamp,
			}
			before := len(history)
			history = compressor.ReplaceBlock(history, len(block), summary)
			res.Compacted = true
			logger.Info("[会话管理] 已压缩 - 会话: %s, 消息数: %d -> %d", sessionID, before, len(history))
		} else {
			logger.Debug("[会话管理] 最旧块落在最近窗口内，跳过压缩 - 会话: %s", sessionID)
		}
	}

	// Assembling
	window := compressor.BuildContextWindow(history, m.systemPrompt, userMsg, m.budget)
	res.WindowSize = len(window)
	res.EstimatedTokens = tokenizer.EstimateMessages(window)

	// Dispatched
	reqCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	reply, err := m.backend.Complete(reqCtx, llm.CompletionRequest{
		Model:           m.model,
		Temperature:     m.temperature,
		Messages:        window,
		ContextCapacity: m.budget.TokenBudget,
	})
	cancel()
	if err != nil {
		logger.Error("[会话管理] LLM 调用失败 - 会话: %s, 窗口: %d 条/%d tokens, 错误: %v",
			sessionID, res.WindowSize, res.EstimatedTokens, err)
		return nil, backendError("dispatch", err)
	}
	res.Reply = reply

	// Persisted
	assistantMsg := models.NewMessage(models.RoleAssistant, reply)
	if err := m.persist(ctx, sessionID, history, res.Compacted, userMsg, assistantMsg); err != nil {
		logger.Error("[会话管理] 持久化失败 - 会话: %s, 错误: %v", sessionID, err)
		return nil, storeError("persisting", err)
	}

	logger.Debug("[会话管理] 轮次完成 - 会话: %s, 窗口: %d 条/%d tokens, 压缩: %v, 耗时: %v",
		sessionID, res.WindowSize, res.EstimatedTokens, res.Compacted, time.Since(start))
	return res, nil
}

// History 返回会话的已存储历史
func (m *Manager) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	if err := store.ValidateSession(sessionID); err != nil {
		return nil, err
	}
	msgs, err := m.store.List(ctx, sessionID)
	if err != nil {
		return nil, storeError("loading", err)
	}
	return msgs, nil
}

// Model 当前使用的模型名
func (m *Manager) Model() string {
	return m.model
}

// persist 写回本轮结果
// 压缩过且存储支持重写时整体替换，否则追加用户消息与助手回复
func (m *Manager) persist(ctx context.Context, sessionID string, history []models.Message, compacted bool, userMsg, assistantMsg models.Message) error {
	if compacted {
		if rw, ok := m.store.(store.Rewriter); ok {
			next := make([]models.Message, 0, len(history)+2)
			next = append(next, history...)
			next = append(next, userMsg, assistantMsg)
			return rw.Replace(ctx, sessionID, next)
		}
	}

	if b, ok := m.store.(store.Batcher); ok {
		return b.AppendBatch(ctx, sessionID, userMsg, assistantMsg)
	}
	if err := m.store.Append(ctx, sessionID, userMsg); err != nil {
		return err
	}
	return m.store.Append(ctx, sessionID, assistantMsg)
}

// renderUserPrompt 套用用户消息模板，模板为空时原样返回
func (m *Manager) renderUserPrompt(text, language string) string {
	if m.promptTemplate == "" {
		return text
	}
	return strings.NewReplacer("{language}", language, "{question}", text).Replace(m.promptTemplate)
}

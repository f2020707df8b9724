// Package llm OpenAI 兼容聊天接口客户端（Ollama 等）
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"convo-api/internal/config"
	"convo-api/internal/logger"
	"convo-api/internal/models"
)

const (
	DefaultMaxIdleConns        = 100
	DefaultMaxIdleConnsPerHost = 20
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultTLSHandshakeTimeout = 15 * time.Second
	DefaultClientTimeout       = 300 * time.Second
	PingTimeout                = 5 * time.Second
	maxErrorBodyBytes          = 4096
	chatCompletionsPath        = "/v1/chat/completions"
	modelsPath                 = "/v1/models"
)

// CompletionRequest 一次补全请求
type CompletionRequest struct {
	Model       string
	Temperature float64
	Messages    []models.Message
	// ContextCapacity 通过 options.num_ctx 告知后端的上下文容量，0 表示不设置
	ContextCapacity int
}

// Backend LLM 后端
// Complete 返回助手回复正文，失败时返回 *BackendError 或 ctx 错误
type Backend interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Client OpenAI 兼容 HTTP 客户端，不做重试
// @author ygw
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient 根据配置创建客户端
func NewClient(cfg *config.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = DefaultMaxIdleConns
	transport.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	transport.IdleConnTimeout = DefaultIdleConnTimeout
	transport.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	transport.ExpectContinueTimeout = 1 * time.Second
	transport.DisableKeepAlives = false

	configureProxy(transport, cfg.LLM.HTTPProxy)

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   DefaultClientTimeout,
		},
		baseURL: strings.TrimRight(cfg.LLM.BaseURL, "/"),
		apiKey:  cfg.LLM.APIKey,
	}
}

// NewClientWithHTTP 使用自定义 http.Client 创建客户端（测试使用）
func NewClientWithHTTP(baseURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{
		httpClient: hc,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Complete 发送非流式聊天请求，返回第一个选项的消息内容
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	payload := models.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Messages:    models.ToChatMessages(req.Messages),
		Stream:      false,
	}
	if req.ContextCapacity > 0 {
		payload.Options = &models.ChatOptions{NumCtx: req.ContextCapacity}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	c.setAuth(httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		logger.Warn("[LLM] 请求失败 - 模型: %s, 状态码: %d, 耗时: %v", req.Model, resp.StatusCode, time.Since(start))
		return "", &BackendError{
			Code:       codeForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Body:       string(errBody),
		}
	}

	var out models.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", transportError(ctx, fmt.Errorf("解析响应失败: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", &BackendError{Code: ErrCodeEmptyReply, Err: errors.New("response has no choices")}
	}

	logger.Debug("[LLM] 请求完成 - 模型: %s, 消息数: %d, 耗时: %v, tokens: %d",
		req.Model, len(req.Messages), time.Since(start), out.Usage.TotalTokens)
	return out.Choices[0].Message.Content, nil
}

// Ping 检查后端是否可达（GET /v1/models，5 秒超时）
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return err
	}
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))

	if resp.StatusCode != http.StatusOK {
		return &BackendError{Code: codeForStatus(resp.StatusCode), StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// transportError 将网络层错误包装为 BackendError，调用方取消时原样返回 ctx 错误
func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	code := ErrCodeNetworkError
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = ErrCodeTimeout
	}
	return &BackendError{Code: code, Err: err}
}

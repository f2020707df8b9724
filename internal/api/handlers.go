package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"convo-api/internal/logger"
	"convo-api/internal/manager"
	"convo-api/internal/models"
	"convo-api/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const healthTimeout = 5 * time.Second

// handleAsk 处理一轮问答
func (s *Server) handleAsk(c *gin.Context) {
	var req models.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求体: " + err.Error()})
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	if d, scope := s.limiter.Check(c.ClientIP(), sessionID); !d.Allowed {
		retry := int(math.Ceil(d.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		logger.Warn("[限流] /ask 被拒绝 - 维度: %s, IP: %s, 会话: %s, 计数: %d/%d",
			scope, c.ClientIP(), sessionID, d.Count, d.Limit)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "请求过于频繁，请稍后再试"})
		return
	}

	res, err := s.manager.Turn(c.Request.Context(), sessionID, req.Question, req.Language)
	if err != nil {
		s.writeTurnError(c, sessionID, err)
		return
	}

	c.JSON(http.StatusOK, models.AskResponse{
		Answer:          res.Reply,
		SessionID:       sessionID,
		Compacted:       res.Compacted,
		SummaryDegraded: res.SummaryDegraded,
	})
}

// writeTurnError 把轮次错误映射为 HTTP 响应
func (s *Server) writeTurnError(c *gin.Context, sessionID string, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidSession), errors.Is(err, manager.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, manager.ErrStore):
		c.JSON(http.StatusServiceUnavailable, models.AskResponse{
			SessionID: sessionID,
			Error:     manager.MessageServiceUnavailable,
		})
	case errors.Is(err, manager.ErrBackend):
		c.JSON(http.StatusBadGateway, models.AskResponse{
			Answer:    manager.MessagePleaseRetry,
			SessionID: sessionID,
			Error:     manager.MessagePleaseRetry,
		})
	default:
		logger.Error("[API] 未知的轮次错误 - 会话: %s, 错误: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// handleSessionMessages 返回会话的已存储历史
func (s *Server) handleSessionMessages(c *gin.Context) {
	sessionID := c.Param("id")
	msgs, err := s.manager.History(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidSession) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.Error("[API] 读取会话历史失败 - 会话: %s, 错误: %v", sessionID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": manager.MessageServiceUnavailable})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"count":      len(msgs),
		"messages":   msgs,
	})
}

// handleHealth 健康检查，后端不可用时仍返回 200，ok 为 false
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	aiAvailable := true
	if s.llm != nil {
		if err := s.llm.Ping(ctx); err != nil {
			aiAvailable = false
			logger.Debug("[健康检查] LLM 不可用: %v", err)
		}
	}

	resp := gin.H{
		"ok":                   aiAvailable,
		"ai_service_available": aiAvailable,
		"model":                s.manager.Model(),
	}
	if s.store != nil {
		storeOK := s.store.Ping(ctx) == nil
		resp["store_available"] = storeOK
		resp["ok"] = aiAvailable && storeOK
	}
	c.JSON(http.StatusOK, resp)
}

// handleVersion 版本信息
func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"model":   s.manager.Model(),
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleRoot 服务说明
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "convo-api",
		"version": s.version,
		"endpoints": []string{
			"POST /ask",
			"GET /healthz",
			"GET /version",
			"GET /v1/sessions/:id/messages",
		},
	})
}

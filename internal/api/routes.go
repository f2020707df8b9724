package api

import "github.com/gin-gonic/gin"

// setupRoutes 注册所有路由
func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/", s.handleRoot)
	r.GET("/version", s.handleVersion)
	r.GET("/healthz", s.handleHealth)

	r.POST("/ask", s.handleAsk)

	// 诊断接口
	v1 := r.Group("/v1")
	{
		v1.GET("/sessions/:id/messages", s.handleSessionMessages)
	}
}

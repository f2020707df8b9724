package models

// AskRequest /ask 请求体
type AskRequest struct {
	Question  string `json:"question" binding:"required"`
	Language  string `json:"language,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// AskResponse /ask 响应体
type AskResponse struct {
	Answer          string `json:"answer"`
	SessionID       string `json:"session_id"`
	Compacted       bool   `json:"compacted"`
	SummaryDegraded bool   `json:"summary_degraded"`
	Error           string `json:"error,omitempty"`
}

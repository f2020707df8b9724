package models

import (
	"fmt"
	"strings"
	"time"
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SummaryMarker 压缩摘要条目的内容前缀，用于区分作者提供的 system 提示
const SummaryMarker = "Summary:"

// ParseRole 校验并转换角色名，未知角色返回错误
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Valid 是否为已知角色
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message 会话消息，写入存储后不可变
type Message struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID       string    `gorm:"column:session_id;size:191;not null;index:idx_messages_session_seq,priority:1" json:"session_id"`
	Seq             int64     `gorm:"column:seq;not null;index:idx_messages_session_seq,priority:2" json:"seq"`
	Role            Role      `gorm:"size:16;not null" json:"role"`
	Content         string    `gorm:"type:text" json:"content"`
	SourceTimestamp time.Time `gorm:"column:source_timestamp;index" json:"source_timestamp"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "conversation_messages"
}

// IsSummary 是否为压缩生成的摘要条目
func (m Message) IsSummary() bool {
	return m.Role == RoleSystem && strings.HasPrefix(m.Content, SummaryMarker)
}

// NewMessage 创建一条消息，时间戳使用当前时间
func NewMessage(role Role, content string) Message {
	return Message{
		Role:            role,
		Content:         content,
		SourceTimestamp: time.Now(),
	}
}

// SummaryContent 为摘要正文加上标记前缀
func SummaryContent(text string) string {
	return SummaryMarker + " " + text
}

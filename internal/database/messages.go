package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"convo-api/internal/logger"
	"convo-api/internal/models"
	"convo-api/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const lockRetries = 5

// Append 追加一条消息，序号为会话内当前最大序号 + 1
func (db *DB) Append(ctx context.Context, sessionID string, msg models.Message) error {
	return db.AppendBatch(ctx, sessionID, msg)
}

// AppendBatch 在一个事务中追加多条消息
func (db *DB) AppendBatch(ctx context.Context, sessionID string, msgs ...models.Message) error {
	if err := store.ValidateSession(sessionID); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := store.ValidateMessage(m); err != nil {
			return err
		}
	}
	if len(msgs) == 0 {
		return nil
	}

	return db.RetryOnLock(ctx, lockRetries, func() error {
		return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxSeq sql.NullInt64
			if err := tx.Model(&models.Message{}).
				Where("session_id = ?", sessionID).
				Select("MAX(seq)").
				Scan(&maxSeq).Error; err != nil {
				return fmt.Errorf("查询序号失败: %w", err)
			}

			next := int64(0)
			if maxSeq.Valid {
				next = maxSeq.Int64 + 1
			}
			rows := make([]models.Message, 0, len(msgs))
			for i, m := range msgs {
				row := normalize(sessionID, m)
				row.Seq = next + int64(i)
				rows = append(rows, row)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}
			return nil
		})
	})
}

// List 按序号读取会话的全部消息
func (db *DB) List(ctx context.Context, sessionID string) ([]models.Message, error) {
	if err := store.ValidateSession(sessionID); err != nil {
		return nil, err
	}

	var msgs []models.Message
	if err := db.gorm.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	return msgs, nil
}

// Replace 在一个事务中删除并重写整个会话
func (db *DB) Replace(ctx context.Context, sessionID string, msgs []models.Message) error {
	if err := store.ValidateSession(sessionID); err != nil {
		return err
	}
	rows := make([]models.Message, 0, len(msgs))
	for i, m := range msgs {
		if err := store.ValidateMessage(m); err != nil {
			return err
		}
		row := normalize(sessionID, m)
		row.Seq = int64(i)
		// 重写时统一分配新 ID，避免与被删除的行冲突
		row.ID = uuid.New().String()
		rows = append(rows, row)
	}

	return db.RetryOnLock(ctx, lockRetries, func() error {
		return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("session_id = ?", sessionID).Delete(&models.Message{}).Error; err != nil {
				return fmt.Errorf("删除旧消息失败: %w", err)
			}
			if len(rows) == 0 {
				return nil
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}
			return nil
		})
	})
}

// CountSessions 统计会话数
func (db *DB) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := db.gorm.WithContext(ctx).Model(&models.Message{}).Distinct("session_id").Count(&count).Error
	return count, err
}

// CleanupOldSessions 删除最后一条消息早于保留期的会话，返回删除的消息数
func (db *DB) CleanupOldSessions(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)

	var sessionIDs []string
	if err := db.gorm.WithContext(ctx).Model(&models.Message{}).
		Select("session_id").
		Group("session_id").
		Having("MAX(source_timestamp) < ?", cutoff).
		Pluck("session_id", &sessionIDs).Error; err != nil {
		return 0, fmt.Errorf("查询过期会话失败: %w", err)
	}
	if len(sessionIDs) == 0 {
		return 0, nil
	}

	result := db.gorm.WithContext(ctx).Where("session_id IN ?", sessionIDs).Delete(&models.Message{})
	if result.Error != nil {
		return 0, result.Error
	}

	logger.Info("[DB] 清理过期会话 %d 个, 消息 %d 条", len(sessionIDs), result.RowsAffected)
	return result.RowsAffected, nil
}

func normalize(sessionID string, msg models.Message) models.Message {
	msg.SessionID = sessionID
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SourceTimestamp.IsZero() {
		msg.SourceTimestamp = time.Now()
	}
	msg.SourceTimestamp = msg.SourceTimestamp.UTC()
	return msg
}

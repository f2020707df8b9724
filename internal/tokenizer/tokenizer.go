// Package tokenizer 提供近似 token 估算
// 只用于阈值比较，不用于计费
package tokenizer

import (
	"unicode/utf8"

	"convo-api/internal/models"
)

// CharsPerToken 固定的字符/token 比例
const CharsPerToken = 4

// Estimate 估算文本的 token 数量，按字符（rune）计，结果至少为 1
func Estimate(text string) int {
	n := utf8.RuneCountInString(text) / CharsPerToken
	if n < 1 {
		return 1
	}
	return n
}

// EstimateMessages 估算一组消息的 token 总数（逐条估算后求和）
func EstimateMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += Estimate(m.Content)
	}
	return total
}

package compressor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"convo-api/internal/llm"
	"convo-api/internal/models"
)

// fakeBackend 可控的 LLM 后端
type fakeBackend struct {
	mu       sync.Mutex
	reply    string
	err      error
	delay    time.Duration
	calls    int
	requests []llm.CompletionRequest
}

func (f *fakeBackend) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	reply, err, delay := f.reply, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", &llm.BackendError{Code: llm.ErrCodeTimeout, Err: ctx.Err()}
		}
	}
	return reply, err
}

// pair 构造一问一答两条消息
func pair(user, assistant string) []models.Message {
	return []models.Message{
		{Role: models.RoleUser, Content: user},
		{Role: models.RoleAssistant, Content: assistant},
	}
}

func makeHistory(n, contentLen int) []models.Message {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		content := fmt.Sprintf("m%d ", i)
		if contentLen > len(content) {
			content += strings.Repeat("x", contentLen-len(content))
		}
		out = append(out, models.Message{Role: role, Content: content, SourceTimestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	return out
}

// TestNeedsCompaction 测试压缩触发判断
func TestNeedsCompaction(t *testing.T) {
	small := BudgetConfig{TokenBudget: 40, SummaryTokenBudget: 10, SummarizationOverheadTokens: 5, CompactionBlockSize: 2, RecentWindow: 0, MessageTruncateChars: 600}

	tests := []struct {
		name    string
		history []models.Message
		prompt  string
		budget  BudgetConfig
		want    bool
	}{
		{"空历史", nil, "", DefaultBudget(), false},
		{"不足一个块", makeHistory(9, 4000), "", DefaultBudget(), false},
		{"200字符超过阈值25", makeHistory(2, 100), "", small, true},
		{"短消息不触发", makeHistory(2, 10), "", small, false},
		{"system提示计入", makeHistory(2, 40), strings.Repeat("s", 40), small, true},
		{"只看最旧的块", append(makeHistory(10, 10), makeHistory(20, 5000)...), "", DefaultBudget(), false},
		{"最旧块超限", makeHistory(12, 3500), "", DefaultBudget(), true},
		{"非ASCII按字符计：100字符不超过阈值", pair(strings.Repeat("ñ", 50), strings.Repeat("ñ", 49)), "", small, false},
		{"非ASCII按字符计：104字符超过阈值", pair(strings.Repeat("ñ", 52), strings.Repeat("ñ", 51)), "", small, true},
		{"中文按字符计", pair(strings.Repeat("你", 60), strings.Repeat("好", 39)), "", small, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsCompaction(tt.history, tt.prompt, tt.budget); got != tt.want {
				t.Errorf("NeedsCompaction() = %v, 期望 %v", got, tt.want)
			}
		})
	}
}

// TestSelectBlock 测试压缩块不侵占最近窗口
func TestSelectBlock(t *testing.T) {
	b := DefaultBudget() // block 10, recent 6

	tests := []struct {
		name string
		n    int
		want int
	}{
		{"足够长", 20, 10},
		{"收缩到最近窗口之前", 12, 6},
		{"恰好等于窗口", 6, 0},
		{"短于窗口", 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := makeHistory(tt.n, 10)
			if got := len(SelectBlock(history, b)); got != tt.want {
				t.Errorf("len(SelectBlock) = %d, 期望 %d", got, tt.want)
			}
		})
	}
}

// TestReplaceBlock 测试压缩后的新历史
func TestReplaceBlock(t *testing.T) {
	history := makeHistory(8, 10)
	summary := models.Message{Role: models.RoleSystem, Content: models.SummaryContent("s")}

	out := ReplaceBlock(history, 5, summary)
	if len(out) != 4 {
		t.Fatalf("len = %d, 期望 4", len(out))
	}
	if !out[0].IsSummary() {
		t.Error("第一条应为摘要")
	}
	if out[1].Content != history[5].Content {
		t.Errorf("out[1] = %q, 期望 %q", out[1].Content, history[5].Content)
	}
	if history[0].IsSummary() {
		t.Error("不应修改原历史")
	}
}

// TestBuildContextWindow 测试上下文窗口组装
func TestBuildContextWindow(t *testing.T) {
	b := DefaultBudget()
	user := models.Message{Role: models.RoleUser, Content: "Hello"}

	t.Run("空历史首轮", func(t *testing.T) {
		w := BuildContextWindow(nil, "sys", user, b)
		if len(w) != 2 || w[0].Role != models.RoleSystem || w[1].Content != "Hello" {
			t.Errorf("窗口 = %+v", w)
		}
		for _, m := range w {
			if m.IsSummary() {
				t.Error("首轮不应包含摘要")
			}
		}
	})

	t.Run("无system提示", func(t *testing.T) {
		w := BuildContextWindow(nil, "", user, b)
		if len(w) != 1 || w[0].Content != "Hello" {
			t.Errorf("窗口 = %+v", w)
		}
	})

	t.Run("顺序固定", func(t *testing.T) {
		history := append([]models.Message{{Role: models.RoleSystem, Content: models.SummaryContent("old")}}, makeHistory(10, 10)...)
		w := BuildContextWindow(history, "sys", user, b)
		if len(w) != 1+1+b.RecentWindow+1 {
			t.Fatalf("len = %d", len(w))
		}
		if w[0].Content != "sys" || !w[1].IsSummary() || w[len(w)-1].Content != "Hello" {
			t.Errorf("顺序错误: %+v", w)
		}
		if w[2].Content != history[len(history)-b.RecentWindow].Content {
			t.Errorf("最近窗口起点 = %q", w[2].Content)
		}
	})

	t.Run("最多一条摘要", func(t *testing.T) {
		history := []models.Message{
			{Role: models.RoleSystem, Content: models.SummaryContent("first")},
			{Role: models.RoleUser, Content: "a"},
			{Role: models.RoleSystem, Content: models.SummaryContent("second")},
			{Role: models.RoleAssistant, Content: "b"},
		}
		w := BuildContextWindow(history, "sys", user, b)
		count := 0
		for _, m := range w {
			if m.IsSummary() {
				count++
				if m.Content != models.SummaryContent("first") {
					t.Errorf("应选择第一条摘要, 实际 %q", m.Content)
				}
			}
		}
		if count != 1 {
			t.Errorf("摘要数量 = %d, 期望 1", count)
		}
	})

	t.Run("幂等", func(t *testing.T) {
		history := makeHistory(15, 20)
		w1 := BuildContextWindow(history, "sys", user, b)
		w2 := BuildContextWindow(history, "sys", user, b)
		if !reflect.DeepEqual(w1, w2) {
			t.Error("相同输入应得到相同窗口")
		}
	})
}

// TestSummarize 测试摘要器
func TestSummarize(t *testing.T) {
	b := DefaultBudget()
	msgs := makeHistory(4, 20)

	t.Run("空输入不调用后端", func(t *testing.T) {
		fb := &fakeBackend{reply: "x"}
		s := NewSummarizer(fb, "m", b, time.Second, nil)
		got, err := s.Summarize(context.Background(), nil, "English")
		if err != nil || got != "Summary: (no content)" {
			t.Errorf("got %q, %v", got, err)
		}
		if fb.calls != 0 {
			t.Errorf("calls = %d, 期望 0", fb.calls)
		}
	})

	t.Run("正常摘要", func(t *testing.T) {
		fb := &fakeBackend{reply: "  user asked about pricing  "}
		s := NewSummarizer(fb, "m", b, time.Second, nil)
		got, err := s.Summarize(context.Background(), msgs, "French")
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		if got != "Summary: user asked about pricing" {
			t.Errorf("got %q", got)
		}
		req := fb.requests[0]
		if req.Temperature != 0 || req.ContextCapacity != b.TokenBudget {
			t.Errorf("请求参数错误: %+v", req)
		}
		if !strings.Contains(req.Messages[0].Content, "in French") || !strings.Contains(req.Messages[0].Content, "Maximum 1000 tokens") {
			t.Errorf("指令 = %q", req.Messages[0].Content)
		}
		if !strings.HasPrefix(req.Messages[1].Content, "Conversation transcript:\nuser: m0 ") {
			t.Errorf("对话记录 = %q", req.Messages[1].Content)
		}
	})

	t.Run("超时降级", func(t *testing.T) {
		fb := &fakeBackend{reply: "late", delay: time.Second}
		s := NewSummarizer(fb, "m", b, 20*time.Millisecond, nil)
		got, err := s.Summarize(context.Background(), msgs, "English")
		if got != "Summary: (error)" {
			t.Errorf("got %q", got)
		}
		if !errors.Is(err, ErrSummaryDegraded) {
			t.Errorf("err = %v, 期望 ErrSummaryDegraded", err)
		}
	})

	t.Run("后端错误降级", func(t *testing.T) {
		fb := &fakeBackend{err: &llm.BackendError{Code: llm.ErrCodeServerError, StatusCode: 500}}
		s := NewSummarizer(fb, "m", b, time.Second, nil)
		got, err := s.Summarize(context.Background(), msgs, "English")
		if got != "Summary: (error)" || !errors.Is(err, ErrSummaryDegraded) {
			t.Errorf("got %q, %v", got, err)
		}
		if !llm.IsBackendError(err) {
			t.Error("应保留原始错误")
		}
	})

	t.Run("空回复", func(t *testing.T) {
		fb := &fakeBackend{reply: "   "}
		s := NewSummarizer(fb, "m", b, time.Second, nil)
		got, err := s.Summarize(context.Background(), msgs, "English")
		if err != nil || got != "Summary: (no content)" {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("缓存命中", func(t *testing.T) {
		cache := NewSummaryCache("", time.Hour)
		defer cache.Close()
		fb := &fakeBackend{reply: "cached"}
		s := NewSummarizer(fb, "m", b, time.Second, cache)

		for i := 0; i < 3; i++ {
			got, err := s.Summarize(context.Background(), msgs, "English")
			if err != nil || got != "Summary: cached" {
				t.Fatalf("got %q, %v", got, err)
			}
		}
		if fb.calls != 1 {
			t.Errorf("calls = %d, 期望 1", fb.calls)
		}
		if _, err := s.Summarize(context.Background(), msgs, "German"); err != nil {
			t.Fatal(err)
		}
		if fb.calls != 2 {
			t.Errorf("不同语言应重新生成, calls = %d", fb.calls)
		}
	})

	t.Run("降级结果不缓存", func(t *testing.T) {
		cache := NewSummaryCache("", time.Hour)
		defer cache.Close()
		fb := &fakeBackend{err: errors.New("down")}
		s := NewSummarizer(fb, "m", b, time.Second, cache)
		s.Summarize(context.Background(), msgs, "English")
		if cache.Len() != 0 {
			t.Errorf("cache.Len() = %d, 期望 0", cache.Len())
		}
	})
}

// TestBuildTranscript 测试对话记录渲染与截断
func TestBuildTranscript(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: strings.Repeat("好", 10)},
	}
	got := BuildTranscript(msgs, 4)
	want := "user: hell\nassistant: 好好好好"
	if got != want {
		t.Errorf("BuildTranscript = %q, 期望 %q", got, want)
	}
}

// TestSummaryCachePersistence 测试缓存落盘与重新加载
func TestSummaryCachePersistence(t *testing.T) {
	dir := t.TempDir()
	key := CacheKey("user: hi", "English")

	c1 := NewSummaryCache(dir, time.Hour)
	c1.Put(key, "English", 1, "greeting")
	c1.Close()

	c2 := NewSummaryCache(dir, time.Hour)
	defer c2.Close()
	got, ok := c2.Get(key)
	if !ok || got != "greeting" {
		t.Errorf("Get = %q, %v", got, ok)
	}

	t.Run("过期", func(t *testing.T) {
		c3 := NewSummaryCache("", time.Nanosecond)
		defer c3.Close()
		c3.Put(key, "English", 1, "x")
		time.Sleep(time.Millisecond)
		if _, ok := c3.Get(key); ok {
			t.Error("过期条目不应命中")
		}
	})
}

// TestBudgetValidate 测试预算校验
func TestBudgetValidate(t *testing.T) {
	if err := DefaultBudget().Validate(); err != nil {
		t.Errorf("默认预算应有效: %v", err)
	}
	b := DefaultBudget()
	b.CompactionBlockSize = 0
	if b.Validate() == nil {
		t.Error("块大小为 0 应报错")
	}
	if DefaultBudget().Threshold() != 8192-1000-100 {
		t.Errorf("Threshold = %d", DefaultBudget().Threshold())
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string {
		return m[key]
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Context.TokenBudget != 8192 || cfg.Context.SummaryTokenBudget != 1000 {
		t.Errorf("预算默认值错误: %+v", cfg.Context)
	}
	if cfg.Context.RecentWindow != 6 || cfg.Context.CompactionBlockSize != 10 {
		t.Errorf("窗口默认值错误: %+v", cfg.Context)
	}
	if cfg.Context.SummarizationOverheadTokens != 100 || cfg.Context.MessageTruncateChars != 600 {
		t.Errorf("摘要默认值错误: %+v", cfg.Context)
	}
	if cfg.Context.DefaultLanguage != "English" {
		t.Errorf("默认语言 = %q", cfg.Context.DefaultLanguage)
	}
	if cfg.Store.Type != StoreTypeMemory {
		t.Errorf("默认存储 = %q", cfg.Store.Type)
	}
	if cfg.RequestTimeout() != 60*time.Second || cfg.SummaryTimeout() != 60*time.Second {
		t.Errorf("默认超时错误: %v / %v", cfg.RequestTimeout(), cfg.SummaryTimeout())
	}
	if cfg.RedisTTL() != 0 {
		t.Errorf("默认 Redis TTL = %v, 期望不过期", cfg.RedisTTL())
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "上下文预算",
			env: map[string]string{
				"TOKEN_BUDGET":           "4096",
				"SUMMARY_TOKEN_BUDGET":   "500",
				"RECENT_MESSAGES_WINDOW": "4",
				"MESSAGES_TO_SUMMARIZE":  "8",
			},
			check: func(t *testing.T, cfg *Config) {
				c := cfg.Context
				if c.TokenBudget != 4096 || c.SummaryTokenBudget != 500 || c.RecentWindow != 4 || c.CompactionBlockSize != 8 {
					t.Errorf("上下文配置未生效: %+v", c)
				}
			},
		},
		{
			name: "LLM 后端",
			env: map[string]string{
				"OLLAMA_BASE_URL":         "http://localhost:11434",
				"OLLAMA_MODEL":            "qwen2.5",
				"OLLAMA_TEMPERATURE":      "0.7",
				"REQUEST_TIMEOUT_SECONDS": "30",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.LLM.BaseURL != "http://localhost:11434" || cfg.LLM.Model != "qwen2.5" {
					t.Errorf("LLM 配置未生效: %+v", cfg.LLM)
				}
				if cfg.LLM.Temperature != 0.7 {
					t.Errorf("温度 = %v", cfg.LLM.Temperature)
				}
				if cfg.RequestTimeout() != 30*time.Second {
					t.Errorf("请求超时 = %v", cfg.RequestTimeout())
				}
			},
		},
		{
			name: "非法数字保留默认值",
			env:  map[string]string{"TOKEN_BUDGET": "abc", "OLLAMA_TEMPERATURE": "hot"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Context.TokenBudget != 8192 || cfg.LLM.Temperature != 0.2 {
					t.Errorf("非法值覆盖了默认值: %d %v", cfg.Context.TokenBudget, cfg.LLM.Temperature)
				}
			},
		},
		{
			name: "只配置 REDIS_URL 时使用 Redis",
			env:  map[string]string{"REDIS_URL": "redis://localhost:6379/0", "REDIS_TTL_SECONDS": "3600"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Store.Type != StoreTypeRedis {
					t.Errorf("存储类型 = %q", cfg.Store.Type)
				}
				if cfg.RedisTTL() != time.Hour {
					t.Errorf("Redis TTL = %v", cfg.RedisTTL())
				}
			},
		},
		{
			name: "显式 STORE_TYPE 优先",
			env:  map[string]string{"REDIS_URL": "redis://localhost:6379/0", "STORE_TYPE": "SQLite"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Store.Type != StoreTypeSQLite {
					t.Errorf("存储类型 = %q", cfg.Store.Type)
				}
			},
		},
		{
			name: "限流与调试",
			env: map[string]string{
				"RATE_LIMIT_PER_MINUTE":         "30",
				"SESSION_RATE_LIMIT_PER_MINUTE": "5",
				"DEBUG":                         "true",
				"PORT":                          "9000",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.RateLimitPerMinute != 30 || cfg.SessionRateLimitPerMinute != 5 {
					t.Errorf("限流配置未生效: %d %d", cfg.RateLimitPerMinute, cfg.SessionRateLimitPerMinute)
				}
				if !cfg.Debug || cfg.Server.Port != 9000 {
					t.Errorf("调试/端口配置未生效: %v %d", cfg.Debug, cfg.Server.Port)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			ApplyEnv(cfg, envMap(tt.env))
			tt.check(t, cfg)
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9100
context:
  token_budget: 2048
  system_prompt: "Be brief."
store:
  type: sqlite
  sqlite:
    path: /tmp/convo.db
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromYAML(path)
	if err != nil {
		t.Fatalf("LoadFromYAML 失败: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Context.TokenBudget != 2048 {
		t.Errorf("YAML 值未生效: %+v %+v", cfg.Server, cfg.Context)
	}
	if cfg.Context.SystemPrompt != "Be brief." {
		t.Errorf("系统提示 = %q", cfg.Context.SystemPrompt)
	}
	// 未出现的字段保留默认值
	if cfg.Context.RecentWindow != 6 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("默认值丢失: %+v %+v", cfg.Server, cfg.Context)
	}
	if cfg.Store.Type != StoreTypeSQLite || cfg.Store.SQLite.Path != "/tmp/convo.db" {
		t.Errorf("存储配置 = %+v", cfg.Store)
	}
}

func TestLoadConfigLegacyJSON(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	legacy := `{"host":"127.0.0.1","port":8123,"model":"mistral","debug":true}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadFileConfig()
	if err != nil {
		t.Fatalf("加载旧版配置失败: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8123 {
		t.Errorf("服务器配置 = %+v", cfg.Server)
	}
	if cfg.LLM.Model != "mistral" || !cfg.Debug {
		t.Errorf("旧版字段未生效: %s %v", cfg.LLM.Model, cfg.Debug)
	}
}

func TestLoadConfigNoFile(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := loadFileConfig()
	if err != nil {
		t.Fatalf("无配置文件时不应报错: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("端口 = %d", cfg.Server.Port)
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreType 会话存储类型
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeMySQL  StoreType = "mysql"
	StoreTypeRedis  StoreType = "redis"
)

// SQLiteConfig SQLite 数据库配置
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// MySQLConfig MySQL 数据库配置
type MySQLConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	Charset  string `yaml:"charset" json:"charset"`
}

// RedisConfig Redis 会话存储配置
type RedisConfig struct {
	URL        string `yaml:"url" json:"url"`
	Prefix     string `yaml:"prefix" json:"prefix"`
	TTLSeconds int    `yaml:"ttl_seconds" json:"ttl_seconds"` // 0 表示不过期
}

// StoreConfig 会话存储配置
type StoreConfig struct {
	Type          StoreType    `yaml:"type" json:"type"`
	SQLite        SQLiteConfig `yaml:"sqlite" json:"sqlite"`
	MySQL         MySQLConfig  `yaml:"mysql" json:"mysql"`
	Redis         RedisConfig  `yaml:"redis" json:"redis"`
	RetentionDays int          `yaml:"retention_days" json:"retention_days"` // SQL 存储的历史保留天数，0 表示不清理
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// LLMConfig 下游 LLM 后端配置（OpenAI 兼容接口，例如 Ollama）
type LLMConfig struct {
	BaseURL               string  `yaml:"base_url" json:"base_url"`
	Model                 string  `yaml:"model" json:"model"`
	Temperature           float64 `yaml:"temperature" json:"temperature"`
	APIKey                string  `yaml:"api_key" json:"api_key"`
	HTTPProxy             string  `yaml:"http_proxy" json:"http_proxy"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`
	SummaryTimeoutSeconds int     `yaml:"summary_timeout_seconds" json:"summary_timeout_seconds"`
}

// ContextConfig 上下文预算配置
type ContextConfig struct {
	TokenBudget                 int    `yaml:"token_budget" json:"token_budget"`
	SummaryTokenBudget          int    `yaml:"summary_token_budget" json:"summary_token_budget"`
	RecentWindow                int    `yaml:"recent_window" json:"recent_window"`
	CompactionBlockSize         int    `yaml:"compaction_block_size" json:"compaction_block_size"`
	SummarizationOverheadTokens int    `yaml:"summarization_overhead_tokens" json:"summarization_overhead_tokens"`
	MessageTruncateChars        int    `yaml:"message_truncate_chars" json:"message_truncate_chars"`
	DefaultLanguage             string `yaml:"default_language" json:"default_language"`
	SystemPrompt                string `yaml:"system_prompt" json:"system_prompt"`
	UserPromptTemplate          string `yaml:"user_prompt_template" json:"user_prompt_template"`
	SummaryCacheDir             string `yaml:"summary_cache_dir" json:"summary_cache_dir"`
	SummaryCacheTTLSeconds      int    `yaml:"summary_cache_ttl_seconds" json:"summary_cache_ttl_seconds"`
}

// Config 应用配置
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	LLM     LLMConfig     `yaml:"llm" json:"llm"`
	Context ContextConfig `yaml:"context" json:"context"`

	// 每个客户端 IP 每分钟允许的 /ask 请求数，0 表示不限制
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	// 每个会话每分钟允许的 /ask 请求数，0 表示不限制
	SessionRateLimitPerMinute int `yaml:"session_rate_limit_per_minute" json:"session_rate_limit_per_minute"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// Load 返回默认配置
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Store: StoreConfig{
			Type: StoreTypeMemory,
			SQLite: SQLiteConfig{
				Path: "conversations.sqlite3",
			},
			MySQL: MySQLConfig{
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Database: "convo",
				Charset:  "utf8mb4",
			},
			Redis: RedisConfig{
				Prefix: "convo",
			},
		},
		LLM: LLMConfig{
			BaseURL:               "http://ollama:11434",
			Model:                 "llama3.1",
			Temperature:           0.2,
			RequestTimeoutSeconds: 60,
			SummaryTimeoutSeconds: 60,
		},
		Context: ContextConfig{
			TokenBudget:                 8192,
			SummaryTokenBudget:          1000,
			RecentWindow:                6,
			CompactionBlockSize:         10,
			SummarizationOverheadTokens: 100,
			MessageTruncateChars:        600,
			DefaultLanguage:             "English",
			SystemPrompt:                "You are an FAQ assistant. Answer clearly, concisely, and politely.",
			SummaryCacheTTLSeconds:      24 * 3600,
		},
		LogLevel: "INFO",
	}
}

// RequestTimeout 主请求超时
func (c *Config) RequestTimeout() time.Duration {
	return secondsOr(c.LLM.RequestTimeoutSeconds, 60)
}

// SummaryTimeout 摘要请求超时（独立于主请求）
func (c *Config) SummaryTimeout() time.Duration {
	return secondsOr(c.LLM.SummaryTimeoutSeconds, 60)
}

// SummaryCacheTTL 摘要缓存过期时间
func (c *Config) SummaryCacheTTL() time.Duration {
	return secondsOr(c.Context.SummaryCacheTTLSeconds, 24*3600)
}

// RedisTTL Redis 会话过期时间，0 表示不过期
func (c *Config) RedisTTL() time.Duration {
	if c.Store.Redis.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Store.Redis.TTLSeconds) * time.Second
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// LoadFromYAML 从 YAML 配置文件加载配置，未出现的字段保留默认值
func LoadFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Load()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FileConfig 旧版 JSON 配置文件结构（扁平字段）
type FileConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Debug    bool   `json:"debug"`
	LogLevel string `json:"log_level"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
}

// LoadFromFile 从指定路径的 JSON 文件加载配置（兼容旧格式）
func LoadFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// LoadConfig 智能加载配置文件（优先 YAML，兼容 JSON），最后应用环境变量覆盖
func LoadConfig() (*Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, os.Getenv)
	return cfg, nil
}

func loadFileConfig() (*Config, error) {
	for _, name := range []string{"config.yaml", "config.yml"} {
		if _, err := os.Stat(name); err == nil {
			return LoadFromYAML(name)
		}
	}

	if _, err := os.Stat("config.json"); err == nil {
		fc, err := LoadFromFile("config.json")
		if err != nil {
			return nil, err
		}
		cfg := Load()
		if fc.Host != "" {
			cfg.Server.Host = fc.Host
		}
		if fc.Port != 0 {
			cfg.Server.Port = fc.Port
		}
		if fc.LogLevel != "" {
			cfg.LogLevel = fc.LogLevel
		}
		if fc.Model != "" {
			cfg.LLM.Model = fc.Model
		}
		if fc.BaseURL != "" {
			cfg.LLM.BaseURL = fc.BaseURL
		}
		cfg.Debug = fc.Debug
		return cfg, nil
	}

	return Load(), nil
}

// ApplyEnv 使用环境变量覆盖配置，getenv 通常为 os.Getenv
// 变量名沿用各服务的历史命名
func ApplyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("HOST", &cfg.Server.Host)
	num("PORT", &cfg.Server.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	if v := strings.TrimSpace(getenv("DEBUG")); v != "" {
		cfg.Debug, _ = strconv.ParseBool(v)
	}

	str("OLLAMA_BASE_URL", &cfg.LLM.BaseURL)
	str("OLLAMA_MODEL", &cfg.LLM.Model)
	if v := strings.TrimSpace(getenv("OLLAMA_TEMPERATURE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LLM.Temperature = f
		}
	}
	str("LLM_API_KEY", &cfg.LLM.APIKey)
	str("HTTP_PROXY_URL", &cfg.LLM.HTTPProxy)
	num("REQUEST_TIMEOUT_SECONDS", &cfg.LLM.RequestTimeoutSeconds)
	num("SUMMARY_TIMEOUT_SECONDS", &cfg.LLM.SummaryTimeoutSeconds)

	num("TOKEN_BUDGET", &cfg.Context.TokenBudget)
	num("SUMMARY_TOKEN_BUDGET", &cfg.Context.SummaryTokenBudget)
	num("RECENT_MESSAGES_WINDOW", &cfg.Context.RecentWindow)
	num("MESSAGES_TO_SUMMARIZE", &cfg.Context.CompactionBlockSize)
	num("SUMMARIZATION_PROMPT_TOKENS", &cfg.Context.SummarizationOverheadTokens)
	num("MESSAGE_SUMMARY_CHAR_LIMIT", &cfg.Context.MessageTruncateChars)
	str("DEFAULT_LANGUAGE", &cfg.Context.DefaultLanguage)
	str("SYSTEM_PROMPT", &cfg.Context.SystemPrompt)
	str("USER_PROMPT_TEMPLATE", &cfg.Context.UserPromptTemplate)
	str("SUMMARY_CACHE_DIR", &cfg.Context.SummaryCacheDir)

	if v := strings.TrimSpace(getenv("STORE_TYPE")); v != "" {
		cfg.Store.Type = StoreType(strings.ToLower(v))
	}
	str("SQLITE_PATH", &cfg.Store.SQLite.Path)
	str("MYSQL_HOST", &cfg.Store.MySQL.Host)
	num("MYSQL_PORT", &cfg.Store.MySQL.Port)
	str("MYSQL_USER", &cfg.Store.MySQL.User)
	str("MYSQL_PASSWORD", &cfg.Store.MySQL.Password)
	str("MYSQL_DATABASE", &cfg.Store.MySQL.Database)
	num("RETENTION_DAYS", &cfg.Store.RetentionDays)
	str("REDIS_URL", &cfg.Store.Redis.URL)
	num("REDIS_TTL_SECONDS", &cfg.Store.Redis.TTLSeconds)
	num("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	num("SESSION_RATE_LIMIT_PER_MINUTE", &cfg.SessionRateLimitPerMinute)

	// 只配置了 REDIS_URL 时沿用旧服务行为：使用 Redis 作为会话存储
	if cfg.Store.Redis.URL != "" && getenv("STORE_TYPE") == "" && cfg.Store.Type == StoreTypeMemory {
		cfg.Store.Type = StoreTypeRedis
	}
}

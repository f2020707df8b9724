package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convo-api/internal/api"
	"convo-api/internal/compressor"
	"convo-api/internal/config"
	"convo-api/internal/database"
	"convo-api/internal/llm"
	"convo-api/internal/logger"
	"convo-api/internal/manager"
	"convo-api/internal/store"
)

// Version 版本号，通过 ldflags 注入
var Version = "dev"

// backend 已打开的会话存储
type backend struct {
	store  store.Store
	pinger api.Pinger   // 可为 nil
	db     *database.DB // SQL 存储时非 nil，用于定期清理
	close  func() error
}

func main() {
	// 解析命令行参数
	portFlag := flag.Int("port", 0, "服务器监听端口（优先级最高，0 表示使用配置文件或默认值 8000）")
	flag.IntVar(portFlag, "p", 0, "服务器监听端口（-port 的简写）")
	dataDirFlag := flag.String("data-dir", "", "数据目录路径（存放数据库、摘要缓存和日志，不指定则使用当前工作目录）")
	flag.Parse()

	dataDir := *dataDirFlag
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Fatalf("创建数据目录失败: %v", err)
		}
		// 切换到数据目录，使数据库和日志文件都存放在此目录
		if err := os.Chdir(dataDir); err != nil {
			log.Fatalf("切换到数据目录失败: %v", err)
		}
	}

	// 初始化日志系统
	if err := logger.Init(""); err != nil {
		log.Fatalf("初始化日志系统失败: %v", err)
	}
	logger.Info("=== 会话上下文服务 %s 启动中 ===", Version)
	if dataDir != "" {
		logger.Info("数据目录: %s", dataDir)
	}

	// 加载配置（优先 YAML，兼容 JSON，最后应用环境变量）
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Warn("加载配置文件失败，使用默认配置: %v", err)
		cfg = config.Load()
		config.ApplyEnv(cfg, os.Getenv)
	}
	logger.SetLevel(cfg.LogLevel)
	if cfg.Debug {
		logger.SetDebugEnabled(true)
	}

	// 确定最终端口：命令行参数 > 配置文件/环境变量 > 默认值
	if *portFlag > 0 && *portFlag <= 65535 {
		cfg.Server.Port = *portFlag
		logger.Info("使用命令行指定端口: %d", cfg.Server.Port)
	}

	logger.Info("配置已加载 - 模型: %s, 后端: %s, 存储: %s, 预算: %d/%d tokens, 最近窗口: %d, 压缩块: %d",
		cfg.LLM.Model, cfg.LLM.BaseURL, cfg.Store.Type,
		cfg.Context.TokenBudget, cfg.Context.SummaryTokenBudget,
		cfg.Context.RecentWindow, cfg.Context.CompactionBlockSize)

	be, err := openStore(cfg)
	if err != nil {
		logger.Error("初始化会话存储失败: %v", err)
		log.Fatalf("会话存储初始化失败: %v", err)
	}
	defer be.close()

	llmClient := llm.NewClient(cfg)

	summaryCache := compressor.NewSummaryCache(cfg.Context.SummaryCacheDir, cfg.SummaryCacheTTL())
	defer summaryCache.Close()

	mgr, err := manager.New(be.store, llmClient, cfg, manager.WithSummaryCache(summaryCache))
	if err != nil {
		log.Fatalf("上下文预算配置无效: %v", err)
	}

	var serverOpts []api.ServerOption
	if be.pinger != nil {
		serverOpts = append(serverOpts, api.WithStoreHealth(be.pinger))
	}
	server := api.NewServer(cfg, mgr, llmClient, Version, serverOpts...)
	defer server.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout() + cfg.SummaryTimeout() + 30*time.Second, // 一轮最多包含一次摘要和一次主请求
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器监听中 - 地址: http://%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP 服务器启动失败: %v", err)
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 定期清理超过保留期的 SQL 会话
	if be.db != nil && cfg.Store.RetentionDays > 0 {
		go runRetention(ctx, be.db, cfg.Store.RetentionDays)
	}

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("收到关闭信号,正在优雅关闭服务器...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务器强制关闭: %v", err)
	}

	logger.Info("=== 会话上下文服务 %s 已停止 ===", Version)
	logger.Close()
}

// openStore 按配置打开会话存储
func openStore(cfg *config.Config) (*backend, error) {
	switch cfg.Store.Type {
	case config.StoreTypeSQLite, config.StoreTypeMySQL:
		db, err := database.New(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("会话存储: SQL (%s)", cfg.Store.Type)
		return &backend{store: db, pinger: db, db: db, close: db.Close}, nil

	case config.StoreTypeRedis:
		rs, err := store.NewRedisStoreFromURL(cfg.Store.Redis.URL,
			store.WithRedisTTL(cfg.RedisTTL()),
			store.WithRedisPrefix(cfg.Store.Redis.Prefix))
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("Redis 暂不可用，将在请求时重试: %v", err)
		}
		logger.Info("会话存储: Redis")
		return &backend{store: rs, pinger: rs, close: rs.Close}, nil

	case config.StoreTypeMemory, "":
		logger.Info("会话存储: 内存（重启后丢失）")
		return &backend{store: store.NewMemoryStore(), close: func() error { return nil }}, nil
	}
	return nil, fmt.Errorf("未知的存储类型: %s", cfg.Store.Type)
}

// runRetention 每小时清理一次过期会话
func runRetention(ctx context.Context, db *database.DB, days int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := db.CleanupOldSessions(ctx, days)
			if err != nil {
				logger.Error("清理过期会话失败: %v", err)
			} else if deleted > 0 {
				logger.Info("自动清理过期会话完成，删除 %d 条消息（保留 %d 天）", deleted, days)
			}
		}
	}
}

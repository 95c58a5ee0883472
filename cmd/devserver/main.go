package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"easyagent-client/internal/agent"
	"easyagent-client/internal/config"
	"easyagent-client/internal/handler"
	"easyagent-client/internal/storage"
	"easyagent-client/pkg/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatalf("初始化存储失败: %v", err)
	}
	defer store.Close()

	runner, agentNames, err := newRunner(cfg)
	if err != nil {
		logger.Fatalf("初始化 Runner 失败: %v", err)
	}

	// 目录在每次 reload 时重新读取配置文件
	catalog := agent.NewCatalog(func() []config.AgentConfig {
		agents := cfg.Agents
		if fresh, err := config.Load(configPath); err == nil {
			agents = fresh.Agents
		} else {
			logger.Warnf("重新读取配置失败，沿用旧的 Agent 目录: %v", err)
		}
		if len(agents) > 0 {
			return agents
		}
		out := make([]config.AgentConfig, 0, len(agentNames()))
		for _, name := range agentNames() {
			out = append(out, config.AgentConfig{Name: name, IsActive: true, Builtin: true})
		}
		return out
	})

	router := handler.NewRouter(cfg, handler.Deps{Runner: runner, Catalog: catalog, Store: store})

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		logger.Infof("服务器启动在端口 %d，runner=%s，storage=%s", cfg.Server.Port, cfg.Runner, cfg.Storage.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("服务器启动失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器正在关闭...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("服务器关闭失败: %v", err)
	}
	if cfg.Storage.BackupOnExit {
		if err := store.Backup(); err != nil && !errors.Is(err, storage.ErrBackupUnsupported) {
			logger.Errorf("备份失败: %v", err)
		}
	}
	logger.Info("服务器已关闭")
}

// newRunner 按配置选择 Runner，同时返回内置 Agent 名单
func newRunner(cfg *config.Config) (agent.Runner, func() []string, error) {
	switch cfg.Runner {
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, nil, errors.New("openai runner requires openai.api_key or OPENAI_API_KEY")
		}
		r := agent.NewOpenAIRunner(cfg.OpenAI)
		return r, r.Agents, nil
	case "", "script":
		if cfg.ScenarioFile == "" {
			return nil, nil, errors.New("script runner requires scenario_file")
		}
		r, err := agent.NewScriptRunner(cfg.ScenarioFile)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Agents, nil
	default:
		return nil, nil, fmt.Errorf("unknown runner %q", cfg.Runner)
	}
}

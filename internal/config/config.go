package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Client       ClientConfig    `mapstructure:"client"`
	LLM          LLMConfig       `mapstructure:"llm"`
	Server       ServerConfig    `mapstructure:"server"`
	OpenAI       OpenAIConfig    `mapstructure:"openai"`
	Runner       string          `mapstructure:"runner"` // script | openai
	ScenarioFile string          `mapstructure:"scenario_file"`
	Agents       []AgentConfig   `mapstructure:"agents"`
	CORS         CORSConfig      `mapstructure:"cors"`
	Log          LogConfig       `mapstructure:"log"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
	Storage      StorageConfig   `mapstructure:"storage"`
}

// ClientConfig 后端地址与请求策略
type ClientConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	StreamPath     string        `mapstructure:"stream_path"`
	ResumePath     string        `mapstructure:"resume_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  uint          `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// LLMConfig 可选的采样参数，未配置的字段不会出现在请求体中
type LLMConfig struct {
	Temperature *float64 `mapstructure:"temperature"`
	TopP        *float64 `mapstructure:"top_p"`
	TopK        *int     `mapstructure:"top_k"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StreamTimeout     time.Duration `mapstructure:"stream_timeout"`
}

type OpenAIConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// AgentConfig 开发后端对外公布的 Agent 目录条目
type AgentConfig struct {
	Name        string   `mapstructure:"name"`
	Description string   `mapstructure:"description"`
	Handles     []string `mapstructure:"handles"`
	Version     string   `mapstructure:"version"`
	IsActive    bool     `mapstructure:"is_active"`
	Builtin     bool     `mapstructure:"builtin"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // memory | disk | sqlite
	DataDir   string `mapstructure:"data_dir"`
	CacheSize int    `mapstructure:"cache_size"`
	DBPath    string `mapstructure:"db_path"`
	// 退出前生成一次备份
	BackupOnExit bool `mapstructure:"backup_on_exit"`
}

var cfg *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.base_url", "http://localhost:8000")
	v.SetDefault("client.stream_path", "/chat/stream")
	v.SetDefault("client.resume_path", "/chat/resume")
	v.SetDefault("client.request_timeout", 30*time.Second)
	v.SetDefault("client.retry_attempts", 3)
	v.SetDefault("client.retry_delay", 200*time.Millisecond)

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("server.heartbeat_interval", 30*time.Second)
	v.SetDefault("server.stream_timeout", 25*time.Minute)

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("runner", "script")
	v.SetDefault("scenario_file", "./configs/scenarios.yaml")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Accept"})
	v.SetDefault("cors.max_age", 43200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("rate_limit.requests_per_minute", 120)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.cache_size", 100)
	v.SetDefault("storage.db_path", "./data/easyagent.db")
}

// Load 读取配置文件，configPath 为空时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}

	// 配置文件优先，如果配置文件中没有设置，则使用环境变量
	if c.OpenAI.APIKey == "" {
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
			c.OpenAI.APIKey = apiKey
		}
	}

	cfg = c
	return c, nil
}

func Get() *Config {
	return cfg
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wwwzy/ShopAgent/internal/agent"
	"github.com/wwwzy/ShopAgent/internal/catalog"
	"github.com/wwwzy/ShopAgent/internal/knowledge"
	"github.com/wwwzy/ShopAgent/internal/llm"
	"github.com/wwwzy/ShopAgent/internal/retention"
	"github.com/wwwzy/ShopAgent/internal/server"
	"github.com/wwwzy/ShopAgent/internal/storage"
)

type ArkConfig struct {
	APIKey         string `mapstructure:"api_key"`
	ModelID        string `mapstructure:"model_id"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	BaseURL        string `mapstructure:"base_url"`
}

type Config struct {
	Storage   storage.Config   `mapstructure:"storage"`
	Ark       ArkConfig        `mapstructure:"ark"`
	LLM       llm.GuardConfig  `mapstructure:"llm"`
	Catalog   catalog.Config   `mapstructure:"catalog"`
	Knowledge knowledge.Config `mapstructure:"knowledge"`
	Agent     agent.Config     `mapstructure:"agent"`
	Server    server.Config    `mapstructure:"server"`
	Audit     retention.Config `mapstructure:"audit"`
	LogLevel  string           `mapstructure:"log_level"`
	LogFormat string           `mapstructure:"log_format"`
	LogOutput string           `mapstructure:"log_output"`
}

func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.shopagent")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SHOPAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal 只会解码 viper 已知的 key，所以每个 key 都要有默认值，
	// 否则只出现在环境变量里的配置会被忽略。
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Ark.APIKey == "" {
		return fmt.Errorf("ark.api_key is required (or set ARK_API_KEY env var)")
	}
	if c.Ark.ModelID == "" {
		return fmt.Errorf("ark.model_id is required (or set ARK_MODEL_ID env var)")
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns)
	}
	if c.Catalog.MaxRows > 0 && c.Catalog.DefaultRows > c.Catalog.MaxRows {
		return fmt.Errorf("catalog.default_rows (%d) exceeds catalog.max_rows (%d)", c.Catalog.DefaultRows, c.Catalog.MaxRows)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// -------------------------------------------------------------------------
	// Global Defaults (全局默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_output", "stderr")

	// -------------------------------------------------------------------------
	// Storage Defaults (存储默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", "shopagent.db")
	v.SetDefault("storage.in_memory", false)
	v.SetDefault("storage.enable_wal", true)
	v.SetDefault("storage.busy_timeout", 5*time.Second)
	v.SetDefault("storage.max_open_conns", 0)
	v.SetDefault("storage.max_idle_conns", 0)
	v.SetDefault("storage.conn_max_lifetime", time.Duration(0))

	// -------------------------------------------------------------------------
	// Ark AI Defaults (模型服务默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("ark.api_key", "")
	v.SetDefault("ark.model_id", "")
	v.SetDefault("ark.embedding_model", "")
	v.SetDefault("ark.base_url", "https://ark.cn-beijing.volces.com/api/v3")

	_ = v.BindEnv("ark.api_key", "ARK_API_KEY")
	_ = v.BindEnv("ark.model_id", "ARK_MODEL_ID")
	_ = v.BindEnv("ark.embedding_model", "ARK_EMBEDDING_MODEL")
	_ = v.BindEnv("ark.base_url", "ARK_BASE_URL")

	// -------------------------------------------------------------------------
	// LLM Guard Defaults (外部调用超时/重试/熔断)
	// -------------------------------------------------------------------------
	guard := llm.DefaultGuardConfig()
	v.SetDefault("llm.call_timeout", guard.CallTimeout)
	v.SetDefault("llm.max_retries", guard.MaxRetries)
	v.SetDefault("llm.retry_base_delay", guard.RetryBaseDelay)
	v.SetDefault("llm.retry_max_delay", guard.RetryMaxDelay)
	v.SetDefault("llm.breaker_max_failures", guard.BreakerMaxFailures)
	v.SetDefault("llm.breaker_timeout", guard.BreakerTimeout)

	// -------------------------------------------------------------------------
	// Catalog Defaults (产品目录)
	// -------------------------------------------------------------------------
	cat := catalog.DefaultConfig()
	v.SetDefault("catalog.spreadsheet_path", cat.SpreadsheetPath)
	v.SetDefault("catalog.sheet_name", cat.SheetName)
	v.SetDefault("catalog.table_name", cat.TableName)
	v.SetDefault("catalog.header_rows", cat.HeaderRows)
	v.SetDefault("catalog.sentinel_column", cat.SentinelColumn)
	v.SetDefault("catalog.sentinel_value", cat.SentinelValue)
	v.SetDefault("catalog.key_column", cat.KeyColumn)
	v.SetDefault("catalog.parameters_limit", cat.ParametersLimit)
	v.SetDefault("catalog.default_rows", cat.DefaultRows)
	v.SetDefault("catalog.max_rows", cat.MaxRows)
	v.SetDefault("catalog.load_timeout", cat.LoadTimeout)
	v.SetDefault("catalog.query_timeout", cat.QueryTimeout)

	// -------------------------------------------------------------------------
	// Knowledge Defaults (知识库)
	// -------------------------------------------------------------------------
	kn := knowledge.DefaultConfig()
	v.SetDefault("knowledge.top_k", kn.TopK)
	v.SetDefault("knowledge.context_max_chars", kn.ContextMaxChars)
	v.SetDefault("knowledge.chunk_max_chars", kn.ChunkMaxChars)

	// -------------------------------------------------------------------------
	// Agent Defaults (路由与子 Agent)
	// -------------------------------------------------------------------------
	ag := agent.DefaultConfig()
	v.SetDefault("agent.max_turns", ag.MaxTurns)
	v.SetDefault("agent.max_tool_calls", ag.MaxToolCalls)

	// -------------------------------------------------------------------------
	// Server Defaults (HTTP 服务)
	// -------------------------------------------------------------------------
	srv := server.DefaultConfig()
	v.SetDefault("server.addr", srv.Addr)
	v.SetDefault("server.allow_origins", srv.AllowOrigins)
	v.SetDefault("server.rate_limit", srv.RateLimit)
	v.SetDefault("server.rate_burst", srv.RateBurst)
	v.SetDefault("server.request_timeout", srv.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", srv.ShutdownTimeout)

	// -------------------------------------------------------------------------
	// Audit Retention Defaults (审计清理)
	// -------------------------------------------------------------------------
	ret := retention.DefaultConfig()
	v.SetDefault("audit.enabled", ret.Enabled)
	v.SetDefault("audit.interval", ret.Interval)
	v.SetDefault("audit.keep_days", ret.KeepDays)
	v.SetDefault("audit.keep_latest", ret.KeepLatest)
	v.SetDefault("audit.batch_rows", ret.BatchRows)
	v.SetDefault("audit.idle_sleep", ret.IdleSleep)
}

func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		LogOutput: "stderr",
		Storage: storage.Config{
			Path:        "shopagent.db",
			EnableWAL:   true,
			BusyTimeout: 5 * time.Second,
		},
		Ark:       ArkConfig{BaseURL: "https://ark.cn-beijing.volces.com/api/v3"},
		LLM:       llm.DefaultGuardConfig(),
		Catalog:   catalog.DefaultConfig(),
		Knowledge: knowledge.DefaultConfig(),
		Agent:     agent.DefaultConfig(),
		Server:    server.DefaultConfig(),
		Audit:     retention.DefaultConfig(),
	}
}

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Crypto CryptoConfig
	Redis  RedisConfig
	Runner RunnerConfig
	AI     AIConfig
	Limits LimitsConfig
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	BaseURL    string `mapstructure:"base_url"`
	AdminToken string `mapstructure:"admin_token"`
}

type StoreConfig struct {
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"service_key"`
	CodeBucket string `mapstructure:"code_bucket"`
}

type CryptoConfig struct {
	// MasterKey has no default: decryption with a guessed key would
	// silently corrupt every tenant secret downstream.
	MasterKey string `mapstructure:"master_key"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type RunnerConfig struct {
	URL      string `mapstructure:"url"`
	AdminKey string `mapstructure:"admin_key"`
}

type AIConfig struct {
	OpenRouterBaseURL string `mapstructure:"openrouter_base_url"`
}

type LimitsConfig struct {
	InitializePerMin   int64 `mapstructure:"initialize_per_min"`
	ToolsListPerMin    int64 `mapstructure:"tools_list_per_min"`
	ToolsCallPerMin    int64 `mapstructure:"tools_call_per_min"`
	WeeklyFree         int64 `mapstructure:"weekly_free"`
	WeeklyPro          int64 `mapstructure:"weekly_pro"`
	WeeklyEnterprise   int64 `mapstructure:"weekly_enterprise"`
	ComputeCentsPerSec int64 `mapstructure:"compute_cents_per_sec"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("store.code_bucket", "app-code")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("ai.openrouter_base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("limits.initialize_per_min", 10)
	v.SetDefault("limits.tools_list_per_min", 30)
	v.SetDefault("limits.tools_call_per_min", 100)
	v.SetDefault("limits.weekly_free", 1000)
	v.SetDefault("limits.weekly_pro", 10000)
	v.SetDefault("limits.weekly_enterprise", 100000)
	v.SetDefault("limits.compute_cents_per_sec", 0)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                  "PORT",
		"server.base_url":              "BASE_URL",
		"server.admin_token":           "ADMIN_TOKEN",
		"store.url":                    "SUPABASE_URL",
		"store.service_key":            "SUPABASE_SERVICE_KEY",
		"store.code_bucket":            "CODE_BUCKET",
		"crypto.master_key":            "ENCRYPTION_MASTER_KEY",
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
		"runner.url":                   "RUNNER_URL",
		"runner.admin_key":             "RUNNER_KEY",
		"ai.openrouter_base_url":       "OPENROUTER_BASE_URL",
		"limits.initialize_per_min":    "RL_INITIALIZE_PER_MIN",
		"limits.tools_list_per_min":    "RL_TOOLS_LIST_PER_MIN",
		"limits.tools_call_per_min":    "RL_TOOLS_CALL_PER_MIN",
		"limits.weekly_free":           "WEEKLY_LIMIT_FREE",
		"limits.weekly_pro":            "WEEKLY_LIMIT_PRO",
		"limits.weekly_enterprise":     "WEEKLY_LIMIT_ENTERPRISE",
		"limits.compute_cents_per_sec": "COMPUTE_CENTS_PER_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Store.URL, "SUPABASE_URL"},
		{c.Store.ServiceKey, "SUPABASE_SERVICE_KEY"},
		{c.Crypto.MasterKey, "ENCRYPTION_MASTER_KEY"},
		{c.Runner.URL, "RUNNER_URL"},
		{c.Server.AdminToken, "ADMIN_TOKEN"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	return nil
}

// WeeklyLimit maps a subscription tier to its weekly call allowance.
// Unknown tiers get the free allowance.
func (c *Config) WeeklyLimit(tier string) int64 {
	switch tier {
	case "pro":
		return c.Limits.WeeklyPro
	case "enterprise":
		return c.Limits.WeeklyEnterprise
	default:
		return c.Limits.WeeklyFree
	}
}

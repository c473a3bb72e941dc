package config

import (
	"fmt"
	"time"

	"mailschedule/pkg/config"
)

type Config struct {
	Server   config.ServerConfig   `yaml:"server"`
	DB       config.DBConfig       `yaml:"db"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQ       config.MQConfig       `yaml:"mq"`
	JWT      config.JWTConfig      `yaml:"jwt"`
	Log      config.LogConfig      `yaml:"log"`
	Otel     config.OtelConfig     `yaml:"otel"`
	Google   config.GoogleConfig   `yaml:"google"`
	LLM      config.LLMConfig      `yaml:"llm"`
	Mailbox  config.MailboxConfig  `yaml:"mailbox"`
	Calendar config.CalendarConfig `yaml:"calendar"`
	Ingest   config.IngestConfig   `yaml:"ingest"`
}

// Load reads config/<CONFIG_ENV>.yaml over config/base.yaml, then applies env overrides.
func Load() (*Config, error) {
	return LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	raw, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideLogFromEnv(&cfg.Log)
	config.OverrideOtelFromEnv(&cfg.Otel)
	config.OverrideGoogleFromEnv(&cfg.Google)
	config.OverrideLLMFromEnv(&cfg.LLM)

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.JWT.TTL == 0 {
		cfg.JWT.TTL = 24 * time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "mailschedule"
	}
	if len(cfg.Google.Scopes) == 0 {
		cfg.Google.Scopes = DefaultGoogleScopes
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.deepseek.com"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "deepseek-chat"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.Mailbox.Provider == "" {
		cfg.Mailbox.Provider = "gmail"
	}
	if cfg.Mailbox.IMAPHost == "" {
		cfg.Mailbox.IMAPHost = "imap.gmail.com"
	}
	if cfg.Mailbox.IMAPPort == "" {
		cfg.Mailbox.IMAPPort = "993"
	}
	if cfg.Calendar.CalendarID == "" {
		cfg.Calendar.CalendarID = "primary"
	}
	if cfg.Calendar.Timezone == "" {
		cfg.Calendar.Timezone = "Asia/Shanghai"
	}
	if cfg.Ingest.DefaultBatch == 0 {
		cfg.Ingest.DefaultBatch = 10
	}
	if cfg.Ingest.MaxBatch == 0 {
		cfg.Ingest.MaxBatch = 50
	}
	if cfg.Ingest.MaxExtractionAttempts == 0 {
		cfg.Ingest.MaxExtractionAttempts = 3
	}
	if cfg.Ingest.ExtractConcurrency <= 0 {
		cfg.Ingest.ExtractConcurrency = 1
	}
	if cfg.Ingest.DedupTTL == 0 {
		cfg.Ingest.DedupTTL = 10 * time.Minute
	}
	if cfg.Ingest.AttemptTTL == 0 {
		cfg.Ingest.AttemptTTL = 24 * time.Hour
	}
	if cfg.Ingest.PollInterval == 0 {
		cfg.Ingest.PollInterval = 5 * time.Minute
	}
}

func validate(cfg *Config) error {
	if cfg.Mailbox.Provider != "gmail" && cfg.Mailbox.Provider != "imap" {
		return fmt.Errorf("mailbox.provider must be gmail or imap, got %q", cfg.Mailbox.Provider)
	}
	if cfg.Ingest.DefaultBatch > cfg.Ingest.MaxBatch {
		return fmt.Errorf("ingest.default_batch (%d) exceeds ingest.max_batch (%d)", cfg.Ingest.DefaultBatch, cfg.Ingest.MaxBatch)
	}
	if _, err := time.LoadLocation(cfg.Calendar.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone: %w", err)
	}
	return nil
}

// DefaultGoogleScopes is what the OAuth grant asks for when none are configured.
var DefaultGoogleScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/calendar.events",
	"https://www.googleapis.com/auth/userinfo.email",
}

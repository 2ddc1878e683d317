// Package config loads the closed set of operational knobs from an
// optional YAML file with environment overrides. Defaults are applied
// here so every component can assume a fully populated Config.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the composition root's view of the environment.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	Upstream struct {
		BaseURL      string  `yaml:"base_url"`
		Phone        string  `yaml:"phone"`
		Password     string  `yaml:"password"`
		RateLimitRPS float64 `yaml:"rate_limit_rps"`
	} `yaml:"upstream"`

	TokenCachePath string `yaml:"token_cache_path"`

	Scheduler struct {
		Concurrency        int `yaml:"concurrency"`
		BrowserConcurrency int `yaml:"browser_concurrency"`
		MinProviders       int `yaml:"min_providers"`
	} `yaml:"scheduler"`

	HTTP struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"http"`

	RedisAddr string `yaml:"redis_addr"`
	LogLevel  string `yaml:"log_level"`
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist), applies environment overrides, then defaults.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// optional file
		case err != nil:
			return cfg, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("database_url is required (set DATABASE_URL)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Upstream.BaseURL, "UPSTREAM_BASE_URL")
	setString(&cfg.Upstream.Phone, "UPSTREAM_PHONE")
	setString(&cfg.Upstream.Password, "UPSTREAM_PASSWORD")
	setFloat(&cfg.Upstream.RateLimitRPS, "RATE_LIMIT_RPS")
	setString(&cfg.TokenCachePath, "TOKEN_CACHE_PATH")
	setInt(&cfg.Scheduler.Concurrency, "SCHED_CONCURRENCY")
	setInt(&cfg.Scheduler.BrowserConcurrency, "BROWSER_CONCURRENCY")
	setInt(&cfg.Scheduler.MinProviders, "MIN_PROVIDERS")
	setString(&cfg.HTTP.Host, "HTTP_HOST")
	setInt(&cfg.HTTP.Port, "HTTP_PORT")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
}

func applyDefaults(cfg *Config) {
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://dian.ysbang.cn"
	}
	if cfg.Upstream.RateLimitRPS == 0 {
		cfg.Upstream.RateLimitRPS = 5
	}
	if cfg.TokenCachePath == "" {
		cfg.TokenCachePath = ".token_cache.json"
	}
	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 3
	}
	if cfg.Scheduler.BrowserConcurrency == 0 {
		cfg.Scheduler.BrowserConcurrency = 2
	}
	if cfg.Scheduler.MinProviders == 0 {
		cfg.Scheduler.MinProviders = 5
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "127.0.0.1" // local-only by default
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Package config assembles the typed runtime configuration from viper
// and validates it before anything downstream runs with it.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Services struct {
	NLPURL string `mapstructure:"nlp_url" yaml:"nlp_url" validate:"required,url"`
	ASRURL string `mapstructure:"asr_url" yaml:"asr_url" validate:"required,url"`
	OCRURL string `mapstructure:"ocr_url" yaml:"ocr_url" validate:"required,url"`
	MCPURL string `mapstructure:"mcp_url" yaml:"mcp_url" validate:"required,url"`

	ClientID string        `mapstructure:"client_id" yaml:"client_id" validate:"required"`
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl" validate:"gt=0"`
}

type Retry struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries" validate:"min=0,max=10"`
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay" validate:"gtefield=BaseDelay"`
	Jitter     float64       `mapstructure:"jitter" yaml:"jitter" validate:"gte=0,lte=1"`
}

type Search struct {
	ExactMatchThreshold float64 `mapstructure:"exact_match_threshold" yaml:"exact_match_threshold" validate:"gt=0,lte=1"`
	Limit               int     `mapstructure:"limit" yaml:"limit" validate:"min=1,max=20"`
	MaxDistance         float64 `mapstructure:"max_distance" yaml:"max_distance" validate:"gt=0"`
}

type ProductCache struct {
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gt=0"`
	MaxSize int           `mapstructure:"max_size" yaml:"max_size" validate:"min=1"`
}

type Telegram struct {
	BotToken string `mapstructure:"bot_token" yaml:"bot_token"`
}

type Logging struct {
	Level     string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format    string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json"`
	AddSource bool   `mapstructure:"add_source" yaml:"add_source"`
}

type Config struct {
	Services     Services     `mapstructure:"services" yaml:"services"`
	Retry        Retry        `mapstructure:"retry" yaml:"retry"`
	Search       Search       `mapstructure:"search" yaml:"search"`
	ProductCache ProductCache `mapstructure:"product_cache" yaml:"product_cache"`
	Telegram     Telegram     `mapstructure:"telegram" yaml:"telegram"`
	Logging      Logging      `mapstructure:"logging" yaml:"logging"`
}

// SetDefaults registers every configurable key with its default so a
// bare environment still yields a runnable config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("services.nlp_url", "https://nlp-service-4k3haexkga-uc.a.run.app")
	v.SetDefault("services.asr_url", "https://asr-service-4k3haexkga-uc.a.run.app")
	v.SetDefault("services.ocr_url", "https://ocr-service-4k3haexkga-uc.a.run.app")
	v.SetDefault("services.mcp_url", "https://mcp-server-4k3haexkga-uc.a.run.app")
	v.SetDefault("services.client_id", "telegram-bot")
	v.SetDefault("services.token_ttl", 50*time.Minute)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 1*time.Second)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.jitter", 0.5)

	v.SetDefault("search.exact_match_threshold", 0.80)
	v.SetDefault("search.limit", 5)
	v.SetDefault("search.max_distance", 0.5)

	v.SetDefault("product_cache.ttl", 5*time.Minute)
	v.SetDefault("product_cache.max_size", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
}

// FromViper decodes and validates the configuration.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration a bare environment produces.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		// Defaults failing validation is a programming error.
		panic(err)
	}
	return cfg
}
